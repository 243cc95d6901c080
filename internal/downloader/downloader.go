package downloader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ligustah/harvest/internal/clock"
	"github.com/ligustah/harvest/internal/codio"
	"github.com/ligustah/harvest/internal/extract"
	"github.com/ligustah/harvest/internal/manifest"
	"github.com/ligustah/harvest/internal/metrics"
	"github.com/ligustah/harvest/internal/progress"
	"github.com/ligustah/harvest/internal/retry"
)

// MissingEntryPage is the warning recorded when a project has no landing page.
const MissingEntryPage = "No index.html or entry page found"

// API is the subset of the course API client the orchestrator needs.
type API interface {
	FindAssignment(ctx context.Context, courseID, name string) (*codio.Course, codio.Assignment, error)
	Students(ctx context.Context, courseID string) ([]codio.Student, error)
	DownloadArchive(ctx context.Context, courseID, assignmentID, studentID, dest string) (int64, error)
	DryRun() bool
}

// Extractor unpacks a downloaded archive into a directory.
type Extractor interface {
	Extract(ctx context.Context, archive, dest string) (*extract.Result, error)
}

// Section is one class section and the course that backs it.
type Section struct {
	Name     string
	CourseID string
}

// Options configures the orchestrator.
type Options struct {
	// BuildDir receives one directory per section.
	// Default: build
	BuildDir string

	// Assignment is the assignment name looked up in every course.
	Assignment string

	// Sections are processed in order.
	Sections []Section

	// Workers is the number of concurrent student jobs.
	// Default: 8
	Workers int

	// JobRetry wraps each whole student job.
	// Default: 3 attempts, 4s doubling to 10s
	JobRetry retry.Policy

	// KeepBuild leaves existing build output in place instead of clearing
	// BuildDir before the run.
	KeepBuild bool

	// Progress is an optional progress reporter.
	Progress *progress.Reporter

	Clock   clock.Clock
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		BuildDir: "build",
		Workers:  8,
		JobRetry: retry.Policy{
			Attempts:   3,
			Backoff:    4 * time.Second,
			MaxBackoff: 10 * time.Second,
			Jitter:     true,
		},
		Logger: zerolog.Nop(),
	}
}

// Job is one student's download within a section.
type Job struct {
	Section      string
	CourseID     string
	AssignmentID string
	Student      codio.Student

	// Username is the username recorded for the student, or a slug of the
	// full name when the platform has none.
	Username string
	// Slug names the student's directory. It is unique within Section.
	Slug string
}

// SectionError records a section that could not be enumerated.
type SectionError struct {
	Section  string
	CourseID string
	Err      error
}

func (e *SectionError) Error() string {
	return fmt.Sprintf("section %s (course %s): %v", e.Section, e.CourseID, e.Err)
}

func (e *SectionError) Unwrap() error { return e.Err }

// Report is the outcome of a run.
type Report struct {
	Manifest        manifest.Manifest
	SectionErrors   []*SectionError
	SectionsPlanned int
	Bytes           int64
	Started         time.Time
	Finished        time.Time
	DryRun          bool
}

// Orchestrator fans student jobs out over a bounded worker pool.
type Orchestrator struct {
	api   API
	ex    Extractor
	opts  Options
	clock clock.Clock
	log   zerolog.Logger
}

// New creates an orchestrator.
func New(api API, ex Extractor, opts Options) *Orchestrator {
	def := DefaultOptions()
	if opts.BuildDir == "" {
		opts.BuildDir = def.BuildDir
	}
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	if opts.JobRetry.Attempts == 0 {
		opts.JobRetry = def.JobRetry
	}
	if opts.JobRetry.Retryable == nil {
		opts.JobRetry.Retryable = jobRetryable
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	opts.JobRetry.Clock = opts.Clock

	return &Orchestrator{
		api:   api,
		ex:    ex,
		opts:  opts,
		clock: opts.Clock,
		log:   opts.Logger.With().Str("component", "downloader").Logger(),
	}
}

// jobRetryable keeps outcomes that another attempt cannot change from
// being repeated.
func jobRetryable(err error) bool {
	switch {
	case errors.Is(err, codio.ErrTaskFailed),
		errors.Is(err, codio.ErrAuthFailed),
		errors.Is(err, extract.ErrNoContent),
		errors.Is(err, extract.ErrUnsupportedArchive):
		return false
	}
	return true
}

// Run downloads every student of every section and returns the manifest.
// A failing student or section never stops the others. The returned error
// is non-nil only when the build directory cannot be prepared or ctx was
// cancelled; the report is populated in the latter case too.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	rep := &Report{Started: o.clock.Now().UTC(), SectionsPlanned: len(o.opts.Sections)}

	if o.api.DryRun() {
		rep.DryRun = true
		for _, s := range o.opts.Sections {
			o.log.Info().
				Str("section", s.Name).
				Str("course", s.CourseID).
				Str("assignment", o.opts.Assignment).
				Msg("dry run: would download section")
		}
		rep.Finished = o.clock.Now().UTC()
		return rep, nil
	}

	if !o.opts.KeepBuild {
		if err := os.RemoveAll(o.opts.BuildDir); err != nil {
			return nil, fmt.Errorf("clear build dir: %w", err)
		}
	}
	if err := os.MkdirAll(o.opts.BuildDir, 0o755); err != nil {
		return nil, fmt.Errorf("create build dir: %w", err)
	}

	jobs, sectionErrs := o.Discover(ctx)
	rep.SectionErrors = sectionErrs
	o.log.Info().Int("students", len(jobs)).Msg("total students to download")

	results, bytes := o.runJobs(ctx, jobs)
	rep.Manifest = results
	rep.Bytes = bytes

	order := make([]string, len(o.opts.Sections))
	for i, s := range o.opts.Sections {
		order[i] = s.Name
	}
	rep.Manifest.Sort(order)
	rep.Finished = o.clock.Now().UTC()

	return rep, ctx.Err()
}

// Discover resolves the assignment and student list of every section.
// Sections that fail are reported and skipped.
func (o *Orchestrator) Discover(ctx context.Context) ([]Job, []*SectionError) {
	var (
		jobs []Job
		errs []*SectionError
	)
	for _, s := range o.opts.Sections {
		log := o.log.With().Str("section", s.Name).Str("course", s.CourseID).Logger()
		log.Info().Msg("processing section")

		sectionJobs, err := o.discoverSection(ctx, s)
		if err != nil {
			log.Error().Err(err).Msg("failed to process section")
			o.opts.Metrics.SectionFailure()
			errs = append(errs, &SectionError{Section: s.Name, CourseID: s.CourseID, Err: err})
			continue
		}
		log.Info().Int("students", len(sectionJobs)).Msg("found students")
		jobs = append(jobs, sectionJobs...)
	}
	return jobs, errs
}

func (o *Orchestrator) discoverSection(ctx context.Context, s Section) ([]Job, error) {
	course, assignment, err := o.api.FindAssignment(ctx, s.CourseID, o.opts.Assignment)
	if err != nil {
		return nil, err
	}
	o.log.Info().
		Str("section", s.Name).
		Str("course_name", course.Name).
		Str("assignment_id", assignment.ID).
		Msg("found assignment")

	students, err := o.api.Students(ctx, s.CourseID)
	if err != nil {
		return nil, err
	}

	jobs := make([]Job, 0, len(students))
	taken := make(slugSet, len(students))
	for _, st := range students {
		username, slug := StudentSlug(st.Username, st.Name)
		unique := taken.claim(slug)
		if unique != slug {
			o.log.Warn().
				Str("section", s.Name).
				Str("student", st.ID).
				Str("slug", unique).
				Msg("student directory name already taken, using suffix")
		}
		jobs = append(jobs, Job{
			Section:      s.Name,
			CourseID:     s.CourseID,
			AssignmentID: assignment.ID,
			Student:      st,
			Username:     username,
			Slug:         unique,
		})
	}
	return jobs, nil
}

// runJobs executes jobs on the worker pool. Result i belongs to job i.
func (o *Orchestrator) runJobs(ctx context.Context, jobs []Job) (manifest.Manifest, int64) {
	if o.opts.Progress != nil {
		o.opts.Progress.SetTotal(len(jobs))
	}

	results := make(manifest.Manifest, len(jobs))
	sizes := make([]int64, len(jobs))

	queue := make(chan int, o.opts.Workers)
	var wg sync.WaitGroup

	for i := 0; i < o.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range queue {
				results[idx], sizes[idx] = o.RunJob(ctx, jobs[idx])
			}
		}()
	}

	// Every job is queued even after cancellation so that each one still
	// yields a result; cancelled jobs fail fast.
	for i := range jobs {
		queue <- i
	}
	close(queue)
	wg.Wait()

	var total int64
	for _, n := range sizes {
		total += n
	}
	return results, total
}

// RunJob downloads, extracts and inspects one student's project. It always
// returns a result; failures are recorded in it rather than returned.
func (o *Orchestrator) RunJob(ctx context.Context, job Job) (manifest.StudentResult, int64) {
	st := job.Student
	username, slug := job.Username, job.Slug
	if slug == "" {
		username, slug = StudentSlug(st.Username, st.Name)
	}
	res := manifest.StudentResult{
		Section:          job.Section,
		FullName:         st.Name,
		DisplayNameShort: DisplayName(st.Name),
		Username:         username,
		Slug:             slug,
		CodioID:          st.ID,
	}

	log := o.log.With().Str("section", job.Section).Str("student", slug).Logger()
	log.Info().Msg("downloading project")

	if o.opts.Progress != nil {
		o.opts.Progress.JobStarted()
	}
	started := o.clock.Now()

	studentDir := filepath.Join(o.opts.BuildDir, job.Section, slug)
	var (
		n         int64
		extracted *extract.Result
	)
	policy := o.opts.JobRetry
	policy.OnRetry = func(next int, delay time.Duration, err error) {
		log.Warn().Err(err).Int("attempt", next).Dur("backoff", delay).Msg("retrying student")
	}
	err := policy.Do(ctx, func(ctx context.Context) error {
		var err error
		n, extracted, err = o.fetch(ctx, job, studentDir)
		return err
	})
	res.DownloadTimestamp = o.clock.Now().UTC()

	if err != nil {
		log.Error().Err(err).Msg("student failed")
		os.RemoveAll(studentDir)
		res.Fail(fmt.Sprintf("Failed to download %s: %v", st.Name, err))
		o.finish(res.Status(), started, 0, false)
		return res, 0
	}

	res.LocalPath = manifest.Str(path.Join(job.Section, slug))
	res.Warnings = append(res.Warnings, extracted.Warnings...)

	if entry, ok := FindEntryPage(studentDir); ok {
		res.SetEntryPage(entry.Dir, entry.File)
		res.EntryTitle = PageTitle(filepath.Join(studentDir, filepath.FromSlash(entry.Path())))
		log.Debug().Str("entry_page", entry.Path()).Msg("found entry page")
	} else {
		res.Warnings = append(res.Warnings, MissingEntryPage)
		log.Warn().Msg("no entry page found")
	}

	o.finish(res.Status(), started, n, len(res.Warnings) > 0)
	return res, n
}

// fetch performs one attempt: clear the student directory, download the
// export next to it and unpack it.
func (o *Orchestrator) fetch(ctx context.Context, job Job, studentDir string) (int64, *extract.Result, error) {
	if err := os.RemoveAll(studentDir); err != nil {
		return 0, nil, fmt.Errorf("clear %s: %w", studentDir, err)
	}
	if err := os.MkdirAll(filepath.Dir(studentDir), 0o755); err != nil {
		return 0, nil, fmt.Errorf("create section dir: %w", err)
	}

	archive := studentDir + ".zst"
	defer os.Remove(archive)

	n, err := o.api.DownloadArchive(ctx, job.CourseID, job.AssignmentID, job.Student.ID, archive)
	if err != nil {
		return n, nil, err
	}

	res, err := o.ex.Extract(ctx, archive, studentDir)
	if err != nil {
		return n, nil, err
	}
	if res.Extracted() == 0 {
		return n, nil, extract.ErrNoContent
	}
	return n, res, nil
}

func (o *Orchestrator) finish(status manifest.Status, started time.Time, n int64, warned bool) {
	o.opts.Metrics.Job(string(status), o.clock.Now().Sub(started))
	if o.opts.Progress == nil {
		return
	}
	if status == manifest.StatusFailed {
		o.opts.Progress.JobFailed()
		return
	}
	o.opts.Progress.JobCompleted(n, warned)
}
