// Package progress provides progress reporting for a download run.
//
// This package outputs human-readable progress information, including how
// many student jobs finished, how they ended and how much was downloaded.
//
// # Usage
//
//	reporter := progress.NewReporter(progress.Options{
//	    TotalJobs:  len(jobs),
//	    Workers:    8,
//	    Assignment: "About Me",
//	    Output:     os.Stderr,
//	})
//
//	reporter.Start()
//	defer reporter.Stop()
//
//	reporter.JobStarted()
//	reporter.JobCompleted(bytes, len(result.Warnings) > 0)
//
// # Output Format
//
//	[harvest] Downloading: About Me
//	[harvest] Students: 84 | Workers: 8
//	[harvest] Progress: 45.2% | 38 / 84 | Downloaded: 412.50 MB | Elapsed: 1m 12s
//	[harvest] Jobs: 35 ok | 2 warning | 1 failed | 8 in-progress | 38 pending
package progress
