package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ligustah/harvest/internal/history"
	"github.com/ligustah/harvest/internal/progress"
)

func runHistory(args []string) int {
	fs := flag.NewFlagSet("history", flag.ExitOnError)

	dsn := fs.String("db", "harvest.db", "History database (history_dsn)")
	limit := fs.Int("limit", 20, "Number of runs to list, 0 for all")
	runID := fs.String("run", "", "Show per-student outcomes of one run")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: harvest history [options]

List previous download runs, newest first, or the student outcomes
of a single run with -run.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}

	if !strings.HasPrefix(*dsn, "file:") {
		if _, err := os.Stat(*dsn); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return ExitStorageError
		}
	}
	store, err := history.Open(*dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitStorageError
	}
	defer store.Close()

	ctx := context.Background()
	if *runID != "" {
		return printOutcomes(ctx, os.Stdout, store, *runID)
	}

	runs, err := store.Runs(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitStorageError
	}
	if len(runs) == 0 {
		fmt.Fprintln(os.Stdout, "No runs recorded")
		return ExitSuccess
	}
	for _, r := range runs {
		printRun(os.Stdout, r)
	}
	return ExitSuccess
}

func printRun(w io.Writer, r history.Run) {
	fmt.Fprintf(w, "%s  %s  %-20s %3d ok %3d warning %3d failed  %d/%d sections failed  %s in %s\n",
		r.ID,
		r.Started.Local().Format(time.DateTime),
		r.Assignment,
		r.OK, r.Warning, r.Failed,
		r.SectionFailures, r.Sections,
		progress.FormatBytes(r.Bytes),
		r.Finished.Sub(r.Started).Round(time.Second),
	)
}

func printOutcomes(ctx context.Context, w io.Writer, store *history.Store, id string) int {
	r, err := store.Run(ctx, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitGeneralError
	}
	printRun(w, r)

	outcomes, err := store.Outcomes(ctx, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitStorageError
	}
	for _, o := range outcomes {
		fmt.Fprintf(w, "  %-10s %-24s %-8s %s\n", o.Section, o.Slug, o.Status, o.Error)
	}
	return ExitSuccess
}
