package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/ligustah/harvest/internal/config"
	"github.com/ligustah/harvest/internal/extract"
)

func runDoctor(args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)

	configPath := fs.String("config", "", "Also validate this config file and the credential variables")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: harvest doctor [options]

Report whether the zstd command line tool is available. Without it,
archives are decompressed with the built-in decoder.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}

	return doctor(os.Stdout, *configPath)
}

func doctor(w io.Writer, configPath string) int {
	if path, ok := extract.LookupZstd(); ok {
		fmt.Fprintf(w, "zstd: %s\n", path)
	} else {
		fmt.Fprintln(w, "zstd: not found (using built-in decoder)")
	}

	if configPath == "" {
		return ExitSuccess
	}

	cfg, err := config.LoadFromFile(configPath)
	if err == nil {
		err = cfg.LoadFromEnv()
	}
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintf(w, "config: %v\n", err)
		return ExitConfigError
	}
	fmt.Fprintf(w, "config: ok (%d sections)\n", len(cfg.Sections))

	if err := cfg.ValidateCredentials(); err != nil {
		fmt.Fprintf(w, "credentials: %v\n", err)
		return ExitMissingCredentials
	}
	fmt.Fprintln(w, "credentials: set")
	return ExitSuccess
}
