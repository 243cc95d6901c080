// Package codio is a client for the course platform's REST API.
//
// Every call goes through the same path:
//
//  1. In dry-run mode the call is logged and returns an empty result.
//  2. The bearer token is refreshed if it is inside its expiry buffer.
//  3. The shared rate limiter admits the request.
//  4. A 401 triggers one re-authentication and one replay.
//  5. A 429 sleeps for Retry-After and then fails the attempt.
//  6. Any failed attempt is retried by the call's retry policy.
//
// Exports are asynchronous: Export returns a task URI, WaitTask polls it
// until the archive URL is ready, and DownloadArchive chains both with the
// pre-signed download.
//
//	client := codio.NewClient(codio.Options{
//	    Credentials: codio.Credentials{ClientID: id, ClientSecret: secret},
//	    Logger:      log,
//	})
//	course, assignment, err := client.FindAssignment(ctx, courseID, "Portfolio")
package codio
