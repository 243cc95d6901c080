package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/ligustah/harvest/internal/clock"
	"github.com/ligustah/harvest/internal/retry"
)

// Common errors.
var (
	ErrNotFound     = errors.New("http: resource not found")
	ErrForbidden    = errors.New("http: access forbidden")
	ErrUnauthorized = errors.New("http: unauthorized")
	ErrServerError  = errors.New("http: server error")
	ErrExpired      = errors.New("http: pre-signed url rejected")
)

// DefaultChunkSize is the read size used when streaming a download to disk.
const DefaultChunkSize = 8 * 1024

// Options configures the HTTP client.
type Options struct {
	// MaxIdleConnsPerHost sets the maximum idle connections per host.
	// Default: 16
	MaxIdleConnsPerHost int

	// Timeout bounds one whole download attempt, body included.
	// Default: 120s
	Timeout time.Duration

	// RetryAttempts is the total number of tries per download.
	// Default: 3
	RetryAttempts int

	// RetryBackoff is the initial backoff duration.
	// Default: 4s
	RetryBackoff time.Duration

	// RetryMaxBackoff is the maximum backoff duration.
	// Default: 10s
	RetryMaxBackoff time.Duration

	// ChunkSize is the buffer size for streaming the body to disk.
	// Default: 8KB
	ChunkSize int

	// OnBytes is called after every chunk written to disk.
	OnBytes func(n int64)

	// Clock is used for backoff sleeps. Default: system clock.
	Clock clock.Clock
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxIdleConnsPerHost: 16,
		Timeout:             120 * time.Second,
		RetryAttempts:       3,
		RetryBackoff:        4 * time.Second,
		RetryMaxBackoff:     10 * time.Second,
		ChunkSize:           DefaultChunkSize,
	}
}

// Client downloads export archives from pre-signed storage URLs. Requests
// carry no credentials; the URL itself authorizes the read.
type Client struct {
	client *http.Client
	opts   Options
}

// NewClient creates a new HTTP client with the given options.
func NewClient(opts Options) *Client {
	def := DefaultOptions()
	if opts.MaxIdleConnsPerHost <= 0 {
		opts.MaxIdleConnsPerHost = def.MaxIdleConnsPerHost
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = def.ChunkSize
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = def.RetryAttempts
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: opts.MaxIdleConnsPerHost,
		MaxIdleConns:        opts.MaxIdleConnsPerHost * 2,
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  true, // archives are already compressed
	}

	return &Client{
		client: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
		},
		opts: opts,
	}
}

// Download streams url to dest, truncating dest on every attempt so a
// retried transfer never appends to a partial file. It returns the number
// of bytes written by the successful attempt.
func (c *Client) Download(ctx context.Context, url, dest string) (int64, error) {
	var written int64
	err := c.policy().Do(ctx, func(ctx context.Context) error {
		n, err := c.downloadOnce(ctx, url, dest)
		written = n
		return err
	})
	if err != nil {
		os.Remove(dest)
		return 0, fmt.Errorf("download: %w", err)
	}
	return written, nil
}

func (c *Client) downloadOnce(ctx context.Context, url, dest string) (int64, error) {
	resp, err := c.get(ctx, url)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	f, err := os.Create(dest)
	if err != nil {
		return 0, retry.Permanent(fmt.Errorf("create %s: %w", dest, err))
	}

	n, copyErr := c.copyChunks(f, resp.Body)
	closeErr := f.Close()
	if copyErr != nil {
		return n, copyErr
	}
	if closeErr != nil {
		return n, fmt.Errorf("close %s: %w", dest, closeErr)
	}
	if resp.ContentLength > 0 && n != resp.ContentLength {
		return n, fmt.Errorf("short body: got %d of %d bytes", n, resp.ContentLength)
	}
	return n, nil
}

// copyChunks copies src to dst one ChunkSize read at a time.
func (c *Client) copyChunks(dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, c.opts.ChunkSize)
	var total int64
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			total += int64(nw)
			if c.opts.OnBytes != nil {
				c.opts.OnBytes(int64(nw))
			}
			if werr != nil {
				return total, retry.Permanent(fmt.Errorf("write: %w", werr))
			}
			if nw != nr {
				return total, retry.Permanent(io.ErrShortWrite)
			}
		}
		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			return total, fmt.Errorf("read body: %w", rerr)
		}
	}
}

// get issues one GET and maps the status. Server errors stay retryable;
// other failures are permanent.
func (c *Client) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("create request: %w", err))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s", ErrServerError, resp.Status)
	}
	if err := checkStatusCode(resp.StatusCode); err != nil {
		resp.Body.Close()
		return nil, retry.Permanent(err)
	}
	return resp, nil
}

func (c *Client) policy() retry.Policy {
	return retry.Policy{
		Attempts:   c.opts.RetryAttempts,
		Backoff:    c.opts.RetryBackoff,
		MaxBackoff: c.opts.RetryMaxBackoff,
		Jitter:     true,
		Clock:      c.opts.Clock,
	}
}

// checkStatusCode returns an appropriate error for non-success status codes.
func checkStatusCode(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusForbidden:
		// S3-style stores answer 403 once a pre-signed URL expires.
		return fmt.Errorf("%w: %w", ErrExpired, ErrForbidden)
	case code == http.StatusUnauthorized:
		return ErrUnauthorized
	default:
		return fmt.Errorf("unexpected status code: %d", code)
	}
}
