package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/ligustah/harvest/internal/codio"
	"github.com/ligustah/harvest/internal/config"
	"github.com/ligustah/harvest/internal/downloader"
	"github.com/ligustah/harvest/internal/extract"
	harvesthttp "github.com/ligustah/harvest/internal/http"
	"github.com/ligustah/harvest/internal/history"
	"github.com/ligustah/harvest/internal/logging"
	"github.com/ligustah/harvest/internal/manifest"
	"github.com/ligustah/harvest/internal/metrics"
	"github.com/ligustah/harvest/internal/progress"
	"github.com/ligustah/harvest/internal/ratelimit"
	"github.com/ligustah/harvest/internal/retry"
)

func runDownload(args []string) int {
	fs := flag.NewFlagSet("download", flag.ExitOnError)

	configPath := fs.String("config", "config.yaml", "Path to the YAML config file")
	assignment := fs.String("assignment", "", "Override assignment_name")
	buildDir := fs.String("build-dir", "", "Override build_dir")
	workers := fs.Int("workers", 0, "Override max_concurrency")
	dryRun := fs.Bool("dry-run", false, "Log what would be downloaded without calling the API")
	keepBuild := fs.Bool("keep-build", false, "Do not clear the build directory first")
	showProgress := fs.Bool("progress", false, "Show a progress line while downloading")
	verbose := fs.Bool("verbose", false, "Enable debug logging")
	bucket := fs.String("bucket", "", "Override manifest_bucket")
	metricsFile := fs.String("metrics-file", "", "Override metrics_file")
	historyDSN := fs.String("history", "", "Override history_dsn")
	strict := fs.Bool("strict", false, "Exit non-zero when any student or section failed")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: harvest download [options]

Export the configured assignment for every student in every section,
download the archives and unpack them into the build directory. A
manifest of per-student results is written next to the sections.

Credentials are read from CODIO_CLIENT_ID and CODIO_CLIENT_SECRET.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}

	cfg, code := loadConfig(*configPath, config.Config{
		AssignmentName: *assignment,
		BuildDir:       *buildDir,
		MaxConcurrency: *workers,
		DryRun:         *dryRun,
		Progress:       *showProgress,
		ManifestBucket: *bucket,
		MetricsFile:    *metricsFile,
		HistoryDSN:     *historyDSN,
	})
	if code != ExitSuccess {
		return code
	}
	if *verbose {
		cfg.Log.Level = "debug"
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitConfigError
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\n[harvest] Received interrupt, shutting down...")
			cancel()
		case <-ctx.Done():
		}
	}()

	return download(ctx, cfg, downloadOptions{
		keepBuild: *keepBuild,
		strict:    *strict,
		log:       log,
		out:       os.Stderr,
	})
}

// loadConfig reads the config file, applies the environment and flag
// overrides, and validates the result.
func loadConfig(path string, override config.Config) (config.Config, int) {
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return config.Config{}, ExitConfigError
	}
	if err := cfg.LoadFromEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return config.Config{}, ExitConfigError
	}
	cfg = cfg.Merge(override)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return config.Config{}, ExitConfigError
	}
	if err := cfg.ValidateCredentials(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return config.Config{}, ExitMissingCredentials
	}
	return cfg, ExitSuccess
}

type downloadOptions struct {
	keepBuild bool
	strict    bool
	log       zerolog.Logger
	out       io.Writer
}

func download(ctx context.Context, cfg config.Config, opts downloadOptions) int {
	log := opts.log
	m := metrics.New()
	runID := history.NewRunID()

	api := newAPIClient(cfg, log, m)
	if err := api.Authenticate(ctx); err != nil {
		fmt.Fprintf(opts.out, "Error: %v\n", err)
		return ExitAuthFailed
	}

	ex := extract.New(extract.Options{
		Exclude:      cfg.ExcludeGlobs,
		Decompressor: extract.DefaultDecompressor(log),
		Logger:       log,
		Metrics:      m,
	})

	var reporter *progress.Reporter
	if cfg.Progress && !cfg.DryRun {
		reporter = progress.NewReporter(progress.Options{
			Workers:    cfg.MaxConcurrency,
			Assignment: cfg.AssignmentName,
			Output:     opts.out,
		})
	}

	sections := make([]downloader.Section, len(cfg.Sections))
	for i, s := range cfg.Sections {
		sections[i] = downloader.Section{Name: s.Name, CourseID: s.CourseID}
	}

	dopts := downloader.DefaultOptions()
	dopts.BuildDir = cfg.BuildDir
	dopts.Assignment = cfg.AssignmentName
	dopts.Sections = sections
	dopts.Workers = cfg.MaxConcurrency
	dopts.JobRetry = policy(cfg.JobRetry)
	dopts.JobRetry.Jitter = true
	dopts.KeepBuild = opts.keepBuild
	dopts.Progress = reporter
	dopts.Logger = log
	dopts.Metrics = m

	if reporter != nil {
		reporter.Start()
	}
	rep, err := downloader.New(api, ex, dopts).Run(ctx)
	if reporter != nil {
		reporter.Stop()
	}
	if rep == nil {
		fmt.Fprintf(opts.out, "Error: %v\n", err)
		return ExitGeneralError
	}
	interrupted := errors.Is(err, context.Canceled)

	if rep.DryRun {
		fmt.Fprintf(opts.out, "[harvest] Dry run: %d sections planned, nothing downloaded\n", rep.SectionsPlanned)
		return ExitSuccess
	}

	// Publishing and bookkeeping run even after an interrupt so the partial
	// manifest is not lost.
	bg := context.WithoutCancel(ctx)

	manifestPath := cfg.ManifestPath()
	if err := manifest.Write(manifestPath, rep.Manifest); err != nil {
		fmt.Fprintf(opts.out, "Error: %v\n", err)
		return ExitStorageError
	}
	fmt.Fprintf(opts.out, "[harvest] Manifest written: %s\n", manifestPath)

	code := ExitSuccess
	if cfg.ManifestBucket != "" {
		latest, archived := manifest.PublishKeys(cfg.ManifestName, runID)
		if err := manifest.PublishURL(bg, cfg.ManifestBucket, rep.Manifest, latest, archived); err != nil {
			fmt.Fprintf(opts.out, "Error: %v\n", err)
			code = ExitStorageError
		} else {
			fmt.Fprintf(opts.out, "[harvest] Manifest published: %s/%s\n", cfg.ManifestBucket, latest)
		}
	}

	if cfg.HistoryDSN != "" {
		if err := recordRun(bg, cfg, runID, rep); err != nil {
			log.Error().Err(err).Msg("failed to record run history")
		}
	}

	if cfg.MetricsFile != "" {
		if err := m.WriteTextfile(cfg.MetricsFile, rep.Finished); err != nil {
			log.Error().Err(err).Msg("failed to write metrics")
		}
	}

	sum := rep.Manifest.Summarize(cfg.Sections.Names())
	printSummary(opts.out, sum)
	for _, se := range rep.SectionErrors {
		fmt.Fprintf(opts.out, "[harvest] Section failed: %v\n", se)
	}
	fmt.Fprintf(opts.out, "[harvest] Downloaded %s in %s\n",
		progress.FormatBytes(rep.Bytes), rep.Finished.Sub(rep.Started).Round(time.Millisecond))

	switch {
	case interrupted:
		fmt.Fprintln(opts.out, "[harvest] Run interrupted; manifest is partial")
		return ExitGeneralError
	case code != ExitSuccess:
		return code
	case opts.strict && (sum.Total.Failed > 0 || len(rep.SectionErrors) > 0):
		return ExitPartialFailure
	}
	return ExitSuccess
}

func newAPIClient(cfg config.Config, log zerolog.Logger, m *metrics.Metrics) *codio.Client {
	limiter := ratelimit.New(ratelimit.Options{
		Burst:  cfg.RateLimit.Burst,
		Window: cfg.RateLimit.Window,
		Daily:  cfg.RateLimit.Daily,
		Logger: &log,
		OnWait: m.RateLimitWait,
	})

	dl := harvesthttp.DefaultOptions()
	dl.Timeout = cfg.Timeouts.Download
	dl.ChunkSize = int(cfg.DownloadChunkSize)
	dl.OnBytes = m.DownloadBytes

	opts := codio.DefaultOptions()
	opts.BaseURL = cfg.API.BaseURL
	opts.TokenURL = cfg.API.TokenURL
	opts.Credentials = codio.Credentials{ClientID: cfg.ClientID, ClientSecret: cfg.ClientSecret}
	opts.DryRun = cfg.DryRun
	opts.Timeout = cfg.Timeouts.API
	opts.TokenLifetime = cfg.Token.Lifetime
	opts.TokenBuffer = cfg.Token.Buffer
	opts.Retry = policy(cfg.Retry)
	opts.AuthRetry = policy(cfg.AuthRetry)
	opts.PollInterval = cfg.Timeouts.PollInterval
	opts.TaskTimeout = cfg.Timeouts.TaskWait
	opts.Limiter = limiter
	opts.Downloads = harvesthttp.NewClient(dl)
	opts.Logger = log
	opts.Metrics = m
	return codio.NewClient(opts)
}

func policy(rc config.RetryConfig) retry.Policy {
	return retry.Policy{
		Attempts:   rc.Attempts,
		Backoff:    rc.Backoff,
		MaxBackoff: rc.MaxBackoff,
	}
}

func recordRun(ctx context.Context, cfg config.Config, runID string, rep *downloader.Report) error {
	store, err := history.Open(cfg.HistoryDSN)
	if err != nil {
		return err
	}
	defer store.Close()

	return store.Record(ctx, history.Run{
		ID:              runID,
		Assignment:      cfg.AssignmentName,
		Started:         rep.Started,
		Finished:        rep.Finished,
		Sections:        rep.SectionsPlanned,
		SectionFailures: len(rep.SectionErrors),
		Bytes:           rep.Bytes,
	}, rep.Manifest)
}
