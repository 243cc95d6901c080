package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Options configures the progress reporter.
type Options struct {
	// TotalJobs is the number of student jobs in the run.
	TotalJobs int

	// Workers is the number of parallel workers.
	Workers int

	// Assignment is the assignment being downloaded (for display).
	Assignment string

	// Output is where to write progress output.
	// Default: os.Stdout
	Output io.Writer

	// UpdateInterval is how often to update the progress display.
	// Default: 500ms
	UpdateInterval time.Duration
}

// Reporter outputs human-readable progress information.
type Reporter struct {
	opts Options

	mu             sync.Mutex
	completedBytes atomic.Int64
	ok             atomic.Int32
	warned         atomic.Int32
	failed         atomic.Int32
	inProgress     atomic.Int32
	startTime      time.Time
	stopCh         chan struct{}
	doneCh         chan struct{}
	started        bool
	stopped        bool
}

// NewReporter creates a new progress reporter.
func NewReporter(opts Options) *Reporter {
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	if opts.UpdateInterval == 0 {
		opts.UpdateInterval = 500 * time.Millisecond
	}

	return &Reporter{
		opts:   opts,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// SetTotal sets the job count once discovery has finished.
func (r *Reporter) SetTotal(n int) {
	r.mu.Lock()
	r.opts.TotalJobs = n
	r.mu.Unlock()
}

// Start begins outputting progress information.
func (r *Reporter) Start() {
	r.mu.Lock()
	r.startTime = time.Now()
	r.started = true
	total := r.opts.TotalJobs
	r.mu.Unlock()

	fmt.Fprintf(r.opts.Output, "[harvest] Downloading: %s\n", r.opts.Assignment)
	fmt.Fprintf(r.opts.Output, "[harvest] Students: %d | Workers: %d\n", total, r.opts.Workers)

	go r.updateLoop()
}

// Stop prints the final status and stops the reporter. It waits for the
// final line to be written.
func (r *Reporter) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	started := r.started
	r.mu.Unlock()

	close(r.stopCh)
	if started {
		<-r.doneCh
	}
}

// JobStarted marks a job as in progress.
func (r *Reporter) JobStarted() {
	r.inProgress.Add(1)
}

// JobCompleted marks a job as finished. warned reports whether the result
// carries warnings.
func (r *Reporter) JobCompleted(bytes int64, warned bool) {
	r.completedBytes.Add(bytes)
	if warned {
		r.warned.Add(1)
	} else {
		r.ok.Add(1)
	}
	r.inProgress.Add(-1)
}

// JobFailed marks a job as failed (removes from in-progress).
func (r *Reporter) JobFailed() {
	r.failed.Add(1)
	r.inProgress.Add(-1)
}

// Done returns the number of finished jobs, failed ones included.
func (r *Reporter) Done() int {
	return int(r.ok.Load() + r.warned.Load() + r.failed.Load())
}

// updateLoop periodically updates the progress display.
func (r *Reporter) updateLoop() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.opts.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			r.printFinalStatus()
			return
		case <-ticker.C:
			r.printProgress()
		}
	}
}

func (r *Reporter) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opts.TotalJobs
}

// printProgress outputs the current progress.
func (r *Reporter) printProgress() {
	total := r.total()
	done := r.Done()
	inProgress := int(r.inProgress.Load())

	var percent float64
	if total > 0 {
		percent = float64(done) / float64(total) * 100
	}
	pending := total - done - inProgress
	if pending < 0 {
		pending = 0
	}

	fmt.Fprintf(r.opts.Output, "\r[harvest] Progress: %.1f%% | %d / %d | Downloaded: %s | Elapsed: %s    ",
		percent,
		done,
		total,
		formatBytes(r.completedBytes.Load()),
		formatDuration(time.Since(r.startTime)),
	)
	fmt.Fprintf(r.opts.Output, "\n[harvest] Jobs: %d ok | %d warning | %d failed | %d in-progress | %d pending    \033[A",
		r.ok.Load(),
		r.warned.Load(),
		r.failed.Load(),
		inProgress,
		pending,
	)
}

// printFinalStatus outputs the final status.
func (r *Reporter) printFinalStatus() {
	duration := time.Since(r.startTime)

	fmt.Fprintf(r.opts.Output, "\r[harvest] Progress: %d / %d | Downloaded: %s | Complete!    \n",
		r.Done(),
		r.total(),
		formatBytes(r.completedBytes.Load()),
	)
	fmt.Fprintf(r.opts.Output, "[harvest] Jobs: %d ok | %d warning | %d failed    \n",
		r.ok.Load(),
		r.warned.Load(),
		r.failed.Load(),
	)
	fmt.Fprintf(r.opts.Output, "[harvest] Total time: %s\n", formatDuration(duration))
}

// formatBytes formats bytes as a human-readable string.
func formatBytes(b int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case b >= GB:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh %dm %ds", h, m, s)
}

// FormatBytes is exported for use by other packages.
func FormatBytes(b int64) string {
	return formatBytes(b)
}

// ParseBytes parses a human-readable byte string (e.g., "8KB").
func ParseBytes(s string) (int64, error) {
	var multiplier int64 = 1
	s = strings.TrimSpace(s)

	switch {
	case strings.HasSuffix(s, "GB"):
		multiplier = 1024 * 1024 * 1024
		s = s[:len(s)-2]
	case strings.HasSuffix(s, "MB"):
		multiplier = 1024 * 1024
		s = s[:len(s)-2]
	case strings.HasSuffix(s, "KB"):
		multiplier = 1024
		s = s[:len(s)-2]
	case strings.HasSuffix(s, "B"):
		s = s[:len(s)-1]
	}

	var value float64
	if _, err := fmt.Sscanf(s, "%f", &value); err != nil {
		return 0, fmt.Errorf("invalid byte string: %s", s)
	}
	if value < 0 {
		return 0, fmt.Errorf("negative byte size: %s", s)
	}

	return int64(value * float64(multiplier)), nil
}
