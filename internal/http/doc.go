// Package http downloads export archives from pre-signed URLs.
//
// This package handles:
//   - Connection pooling shared by every download worker
//   - Chunked streaming of the response body to a file on disk
//   - Retry with exponential backoff on network and server errors
//
// # Usage
//
//	client := http.NewClient(http.Options{
//	    Timeout:       2 * time.Minute,
//	    RetryAttempts: 3,
//	})
//
//	n, err := client.Download(ctx, presignedURL, "build/alice.tar.zst")
package http
