package codio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ligustah/harvest/internal/clock"
	harvesthttp "github.com/ligustah/harvest/internal/http"
	"github.com/ligustah/harvest/internal/metrics"
	"github.com/ligustah/harvest/internal/ratelimit"
	"github.com/ligustah/harvest/internal/retry"
)

// Public endpoints.
const (
	DefaultBaseURL  = "https://octopus.codio.com/api/v1"
	DefaultTokenURL = "https://oauth.codio.com/api/v1/token"
)

// Options configures the API client.
type Options struct {
	// BaseURL is the API root that request paths are joined to.
	// Default: https://octopus.codio.com/api/v1
	BaseURL string

	// TokenURL is the client-credentials endpoint.
	// Default: https://oauth.codio.com/api/v1/token
	TokenURL string

	Credentials Credentials

	// DryRun makes every request a logged no-op returning an empty result.
	DryRun bool

	// Timeout bounds each non-streaming request.
	// Default: 120s
	Timeout time.Duration

	// TokenLifetime is assumed when the token response has no expires_in.
	// Default: 1h
	TokenLifetime time.Duration

	// TokenBuffer is subtracted from the lifetime so tokens are replaced
	// before the server starts rejecting them.
	// Default: 5m
	TokenBuffer time.Duration

	// Retry governs each API call.
	// Default: 5 attempts, 4s doubling to 60s
	Retry retry.Policy

	// AuthRetry governs the credential exchange.
	// Default: 3 attempts, 4s doubling to 10s
	AuthRetry retry.Policy

	// RetryAfterDefault is slept on a 429 without a usable Retry-After.
	// Default: 10s
	RetryAfterDefault time.Duration

	// PollInterval is the pause between export task polls.
	// Default: 500ms
	PollInterval time.Duration

	// TaskTimeout bounds how long an export task is polled.
	// Default: 300s
	TaskTimeout time.Duration

	// Limiter is shared by every caller of this client. Default: a limiter
	// with the published quotas.
	Limiter *ratelimit.Limiter

	// Downloads fetches pre-signed archive URLs. Default: a client with
	// http.DefaultOptions.
	Downloads *harvesthttp.Client

	// HTTPClient issues API and token requests. Default: one built from Timeout.
	HTTPClient *http.Client

	Clock   clock.Clock
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		BaseURL:       DefaultBaseURL,
		TokenURL:      DefaultTokenURL,
		Timeout:       120 * time.Second,
		TokenLifetime: time.Hour,
		TokenBuffer:   5 * time.Minute,
		Retry: retry.Policy{
			Attempts:   5,
			Backoff:    4 * time.Second,
			MaxBackoff: 60 * time.Second,
		},
		AuthRetry: retry.Policy{
			Attempts:   3,
			Backoff:    4 * time.Second,
			MaxBackoff: 10 * time.Second,
		},
		RetryAfterDefault: 10 * time.Second,
		PollInterval:      500 * time.Millisecond,
		TaskTimeout:       300 * time.Second,
		Logger:            zerolog.Nop(),
	}
}

// Client is an authenticated, rate-limited client for the course API.
// It is safe for concurrent use by every download worker.
type Client struct {
	opts      Options
	http      *http.Client
	stream    *http.Client
	auth      *Authenticator
	limiter   *ratelimit.Limiter
	downloads *harvesthttp.Client
	clock     clock.Clock
	log       zerolog.Logger
}

// NewClient creates a client. No request is made until the first call.
func NewClient(opts Options) *Client {
	def := DefaultOptions()
	if opts.BaseURL == "" {
		opts.BaseURL = def.BaseURL
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.TokenURL == "" {
		opts.TokenURL = def.TokenURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.TokenLifetime <= 0 {
		opts.TokenLifetime = def.TokenLifetime
	}
	if opts.TokenBuffer < 0 {
		opts.TokenBuffer = def.TokenBuffer
	}
	if opts.Retry.Attempts <= 0 {
		opts.Retry = def.Retry
	}
	if opts.AuthRetry.Attempts <= 0 {
		opts.AuthRetry = def.AuthRetry
	}
	if opts.RetryAfterDefault <= 0 {
		opts.RetryAfterDefault = def.RetryAfterDefault
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = def.TaskTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}

	hc := opts.HTTPClient
	if hc == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.ResponseHeaderTimeout = opts.Timeout
		hc = &http.Client{Transport: transport, Timeout: opts.Timeout}
	}
	// Streamed bodies are read incrementally for as long as the caller
	// needs; only the wait for response headers is bounded.
	stream := *hc
	stream.Timeout = 0
	limiter := opts.Limiter
	if limiter == nil {
		limiter = ratelimit.New(ratelimit.Options{Clock: opts.Clock, Logger: &opts.Logger})
	}
	downloads := opts.Downloads
	if downloads == nil {
		dl := harvesthttp.DefaultOptions()
		dl.Clock = opts.Clock
		dl.OnBytes = opts.Metrics.DownloadBytes
		downloads = harvesthttp.NewClient(dl)
	}

	c := &Client{
		opts:      opts,
		http:      hc,
		stream:    &stream,
		limiter:   limiter,
		downloads: downloads,
		clock:     opts.Clock,
		log:       opts.Logger.With().Str("component", "api").Logger(),
	}
	c.auth = newAuthenticator(&c.opts, hc)
	return c
}

// Authenticator returns the client's token holder.
func (c *Client) Authenticator() *Authenticator {
	return c.auth
}

// DryRun reports whether requests are suppressed.
func (c *Client) DryRun() bool {
	return c.opts.DryRun
}

// Authenticate performs the initial credential exchange so bad credentials
// surface before any work is scheduled. It is a no-op in dry-run mode.
func (c *Client) Authenticate(ctx context.Context) error {
	if c.opts.DryRun {
		c.log.Info().Msg("dry run: skipping authentication")
		return nil
	}
	return c.auth.Authenticate(ctx)
}

// Request performs an authenticated API call and decodes a JSON response
// into out. A nil out discards the body; an empty body leaves out untouched.
// path may be relative to BaseURL or an absolute URL.
func (c *Client) Request(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if c.opts.DryRun {
		c.log.Debug().Str("method", method).Str("path", path).Msg("dry run: request suppressed")
		return nil
	}

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
	}

	return c.withRetry(ctx, method, path, func(ctx context.Context) error {
		resp, err := c.attempt(ctx, c.http, method, path, query, payload)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read %s %s: %w", method, path, err)
		}
		if out == nil || len(bytes.TrimSpace(data)) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode %s %s: %w", method, path, err)
		}
		return nil
	})
}

// Stream performs an authenticated API call and hands back the open body.
// The caller must close it. In dry-run mode the body is empty.
func (c *Client) Stream(ctx context.Context, method, path string, query url.Values) (io.ReadCloser, error) {
	if c.opts.DryRun {
		c.log.Debug().Str("method", method).Str("path", path).Msg("dry run: request suppressed")
		return http.NoBody, nil
	}

	var body io.ReadCloser
	err := c.withRetry(ctx, method, path, func(ctx context.Context) error {
		resp, err := c.attempt(ctx, c.stream, method, path, query, nil)
		if err != nil {
			return err
		}
		body = resp.Body
		return nil
	})
	return body, err
}

func (c *Client) withRetry(ctx context.Context, method, path string, fn func(context.Context) error) error {
	p := c.opts.Retry
	p.Clock = c.clock
	p.OnRetry = func(next int, delay time.Duration, err error) {
		c.opts.Metrics.APIRetry()
		c.log.Warn().
			Err(err).
			Str("method", method).
			Str("path", path).
			Int("attempt", next).
			Dur("backoff", delay).
			Msg("retrying request")
	}
	return p.Do(ctx, fn)
}

// attempt runs one logical request: token, quota, dispatch, and at most one
// replay after a 401. The returned response always has a 2xx status.
func (c *Client) attempt(ctx context.Context, hc *http.Client, method, path string, query url.Values, payload []byte) (*http.Response, error) {
	if _, err := c.auth.Token(ctx); err != nil {
		return nil, retry.Permanent(err)
	}

	resp, token, err := c.dispatch(ctx, hc, method, path, query, payload)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		drain(resp)
		if _, err := c.auth.Refresh(ctx, token); err != nil {
			return nil, retry.Permanent(err)
		}
		if resp, _, err = c.dispatch(ctx, hc, method, path, query, payload); err != nil {
			return nil, err
		}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		wait := parseRetryAfter(resp.Header.Get("Retry-After"), c.clock.Now(), c.opts.RetryAfterDefault)
		drain(resp)
		c.log.Warn().Str("path", path).Dur("wait", wait).Msg("rate limited by server")
		if err := c.clock.Sleep(ctx, wait); err != nil {
			return nil, err
		}
		return nil, &StatusError{Method: method, Path: path, Code: http.StatusTooManyRequests, RetryAfter: wait}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: snippet(data)}
	}
	return resp, nil
}

// dispatch waits for quota and sends one HTTP request. The token is read
// after the wait, since a quota wait can outlast the token it started with.
// It returns the token the request carried.
func (c *Client) dispatch(ctx context.Context, hc *http.Client, method, path string, query url.Values, payload []byte) (*http.Response, string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, "", err
	}
	token, err := c.auth.Token(ctx)
	if err != nil {
		return nil, "", retry.Permanent(err)
	}

	u := c.resolve(path)
	if len(query) > 0 {
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		u += sep + query.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, "", retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := hc.Do(req)
	if err != nil {
		c.opts.Metrics.APIRequest(method, 0)
		return nil, "", err
	}
	c.opts.Metrics.APIRequest(method, resp.StatusCode)
	c.log.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Msg("request")
	return resp, token, nil
}

// resolve joins path to BaseURL unless it is already absolute.
func (c *Client) resolve(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return c.opts.BaseURL + "/" + strings.TrimLeft(path, "/")
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	resp.Body.Close()
}
