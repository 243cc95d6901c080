package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"gocloud.dev/blob"

	"github.com/ligustah/harvest/internal/manifest"
)

func runSummary(args []string) int {
	fs := flag.NewFlagSet("summary", flag.ExitOnError)

	path := fs.String("manifest", "build/manifest.json", "Manifest file to read")
	bucket := fs.String("bucket", "", "Read the manifest from this bucket URL instead")
	key := fs.String("key", "manifest.json", "Object key of the manifest in -bucket")
	sections := fs.String("sections", "", "Comma-separated section order (default: order of appearance)")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: harvest summary [options]

Print ok / warning / failed counts per section for a manifest, read
from a local file or from the bucket it was published to.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}

	ctx := context.Background()

	var (
		m   manifest.Manifest
		err error
	)
	if *bucket != "" {
		m, err = fetchManifest(ctx, *bucket, *key)
	} else {
		m, err = manifest.Load(*path)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitStorageError
	}

	var order []string
	if *sections != "" {
		for _, s := range strings.Split(*sections, ",") {
			if s = strings.TrimSpace(s); s != "" {
				order = append(order, s)
			}
		}
	}

	printSummary(os.Stdout, m.Summarize(order))
	return ExitSuccess
}

func fetchManifest(ctx context.Context, bucketURL, key string) (manifest.Manifest, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket: %w", err)
	}
	defer bucket.Close()
	return manifest.Fetch(ctx, bucket, key)
}

func printSummary(w io.Writer, s manifest.Summary) {
	width := len(s.Total.Section)
	for _, sec := range s.Sections {
		width = max(width, len(sec.Section))
	}

	line := func(sec manifest.SectionSummary) {
		fmt.Fprintf(w, "[harvest] %-*s %5d ok | %5d warning | %5d failed\n",
			width, sec.Section, sec.OK, sec.Warning, sec.Failed)
	}
	for _, sec := range s.Sections {
		line(sec)
	}
	line(s.Total)
}
