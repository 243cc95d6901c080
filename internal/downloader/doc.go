// Package downloader turns a course roster into a directory of extracted
// student projects and a manifest describing them.
//
// An Orchestrator runs in two phases. Discovery walks the configured
// sections in order, resolving the assignment by name and listing the
// enrolled students; a section that fails is logged and skipped. Execution
// then runs one job per student on a bounded worker pool.
//
// # Jobs
//
// Each job derives a slug and a short display name for the student, clears
// its directory under BuildDir/<section>/<slug>, downloads the export via
// the API client, extracts it and searches the tree for an entry page:
//
//	rep, err := downloader.New(api, extract.New(extract.Options{}), downloader.Options{
//	    BuildDir:   "build",
//	    Assignment: "About Me",
//	    Sections:   []downloader.Section{{Name: "P1", CourseID: "..."}},
//	    Workers:    8,
//	}).Run(ctx)
//
// A job is retried as a whole under Options.JobRetry, on top of the API
// client's own per-request retries. Errors that another attempt cannot fix
// (a failed export task, an archive without content) end the job at once.
//
// # Failure isolation
//
// Every job yields exactly one manifest.StudentResult. A job that fails is
// recorded with its error and null paths; it never stops sibling jobs. A
// project without an entry page is kept and carries a warning.
package downloader
