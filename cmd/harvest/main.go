package main

import (
	"fmt"
	"os"
)

// Exit codes
const (
	ExitSuccess            = 0
	ExitGeneralError       = 1
	ExitInvalidArgs        = 2
	ExitConfigError        = 3
	ExitMissingCredentials = 4
	ExitAuthFailed         = 5
	ExitStorageError       = 6
	ExitPartialFailure     = 7
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return ExitInvalidArgs
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "download":
		return runDownload(cmdArgs)
	case "summary":
		return runSummary(cmdArgs)
	case "history":
		return runHistory(cmdArgs)
	case "doctor":
		return runDoctor(cmdArgs)
	case "help", "-h", "--help":
		printUsage()
		return ExitSuccess
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		return ExitInvalidArgs
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: harvest <command> [options]

Commands:
  download  Export, download and unpack every student's project
  summary   Print per-section results of a manifest
  history   List previous download runs
  doctor    Check for external tools used during extraction

Run 'harvest <command> -h' for command-specific help.`)
}
