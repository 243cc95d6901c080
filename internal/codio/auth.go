package codio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ligustah/harvest/internal/clock"
	"github.com/ligustah/harvest/internal/metrics"
	"github.com/ligustah/harvest/internal/retry"
)

// Credentials identify the API client.
type Credentials struct {
	ClientID     string
	ClientSecret string
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Authenticator exchanges client credentials for a bearer token and keeps
// it fresh. All methods are safe for concurrent use; at most one exchange
// runs at a time.
type Authenticator struct {
	tokenURL string
	creds    Credentials
	client   *http.Client
	lifetime time.Duration
	buffer   time.Duration
	policy   retry.Policy
	clock    clock.Clock
	metrics  *metrics.Metrics
	log      zerolog.Logger

	mu     sync.Mutex
	token  string
	expiry time.Time
}

func newAuthenticator(opts *Options, client *http.Client) *Authenticator {
	p := opts.AuthRetry
	p.Clock = opts.Clock
	p.Retryable = func(err error) bool {
		// Rejected credentials will not start working on a second try.
		return !IsStatus(err, http.StatusBadRequest) && !IsStatus(err, http.StatusUnauthorized)
	}
	return &Authenticator{
		tokenURL: opts.TokenURL,
		creds:    opts.Credentials,
		client:   client,
		lifetime: opts.TokenLifetime,
		buffer:   opts.TokenBuffer,
		policy:   p,
		clock:    opts.Clock,
		metrics:  opts.Metrics,
		log:      opts.Logger.With().Str("component", "auth").Logger(),
	}
}

// Token returns a valid bearer token, authenticating first when the
// current one is missing or inside its expiry buffer.
func (a *Authenticator) Token(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token != "" && a.clock.Now().Before(a.expiry) {
		return a.token, nil
	}
	if a.token != "" {
		a.log.Info().Msg("token expired, re-authenticating")
	}
	if err := a.exchangeLocked(ctx); err != nil {
		return "", err
	}
	return a.token, nil
}

// Refresh replaces a token the server rejected. When another caller has
// already replaced stale, the newer token is returned without a second
// exchange.
func (a *Authenticator) Refresh(ctx context.Context, stale string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token != "" && a.token != stale && a.clock.Now().Before(a.expiry) {
		return a.token, nil
	}
	a.log.Warn().Msg("token rejected, re-authenticating")
	if err := a.exchangeLocked(ctx); err != nil {
		return "", err
	}
	return a.token, nil
}

// Authenticate forces a credential exchange.
func (a *Authenticator) Authenticate(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.exchangeLocked(ctx)
}

// Expiry returns the instant after which the current token is refreshed.
func (a *Authenticator) Expiry() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.expiry
}

func (a *Authenticator) exchangeLocked(ctx context.Context) error {
	a.log.Info().Msg("authenticating")

	var tr tokenResponse
	err := a.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		tr, err = a.exchange(ctx)
		if err != nil {
			a.log.Warn().Err(err).Msg("credential exchange failed")
		}
		return err
	})
	a.metrics.TokenRefresh(err == nil)
	if err != nil {
		a.token = ""
		a.expiry = time.Time{}
		return fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}

	lifetime := a.lifetime
	if tr.ExpiresIn > 0 {
		lifetime = time.Duration(tr.ExpiresIn) * time.Second
	}
	a.token = tr.AccessToken
	a.expiry = a.clock.Now().Add(lifetime - a.buffer)

	a.log.Info().Time("refresh_at", a.expiry).Msg("authenticated")
	return nil
}

func (a *Authenticator) exchange(ctx context.Context) (tokenResponse, error) {
	var tr tokenResponse

	q := url.Values{}
	q.Set("grant_type", "client_credentials")
	q.Set("client_id", a.creds.ClientID)
	q.Set("client_secret", a.creds.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.tokenURL+"?"+q.Encode(), nil)
	if err != nil {
		return tr, retry.Permanent(fmt.Errorf("create token request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		// Keep the secret in the query string out of logs.
		var ue *url.Error
		if errors.As(err, &ue) {
			ue.URL = a.tokenURL
		}
		return tr, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return tr, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return tr, &StatusError{
			Method: http.MethodGet,
			Path:   "token",
			Code:   resp.StatusCode,
			Body:   snippet(body),
		}
	}
	if err := json.Unmarshal(body, &tr); err != nil {
		return tr, fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return tr, fmt.Errorf("token response has no access_token")
	}
	return tr, nil
}
