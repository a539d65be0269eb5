package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

const (
	maxAttempts      = 3
	retryBaseDelay   = 1 * time.Second
	requestTimeout   = 10 * time.Second
)

// Client is a single account's connection to a ProjectX-family gateway.
type Client struct {
	baseURL       string
	username      string
	apiKey        string
	upstreamAccID string
	enumScheme    EnumScheme

	httpClient *http.Client
	log        zerolog.Logger
	sess       *session
}

// Config configures a single Client instance.
type Config struct {
	BaseURL            string
	Username           string
	APIKey             string
	UpstreamAccountID  string
	EnumScheme         EnumScheme
}

// NewClient builds a Client for one account. Each instance owns its own
// session cache; nothing is shared across accounts.
func NewClient(cfg Config, log zerolog.Logger) *Client {
	scheme := cfg.EnumScheme
	if scheme.Name == "" {
		scheme = SchemeA
	}
	return &Client{
		baseURL:       cfg.BaseURL,
		username:      cfg.Username,
		apiKey:        cfg.APIKey,
		upstreamAccID: cfg.UpstreamAccountID,
		enumScheme:    scheme,
		httpClient:    &http.Client{Timeout: requestTimeout},
		log:           log.With().Str("component", "broker").Str("baseUrl", cfg.BaseURL).Logger(),
		sess:          &session{},
	}
}

type loginRequest struct {
	UserName string `json:"userName"`
	APIKey   string `json:"apiKey"`
	AuthType string `json:"authType"`
}

type loginResponse struct {
	Token         string `json:"token"`
	ExpiresInSecs int    `json:"expiresInSeconds"`
}

func (c *Client) login(ctx context.Context) (string, time.Duration, error) {
	var resp loginResponse
	err := c.rawPost(ctx, "/Auth/loginKey", loginRequest{
		UserName: c.username,
		APIKey:   c.apiKey,
		AuthType: "api_key",
	}, &resp, false)
	if err != nil {
		return "", 0, err
	}
	ttl := time.Duration(resp.ExpiresInSecs) * time.Second
	return resp.Token, ttl, nil
}

// post issues an authenticated POST with retry-with-backoff and session
// management, decoding the JSON response body into out.
func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	return c.doWithRetry(ctx, func(ctx context.Context) error {
		return c.rawPost(ctx, path, body, out, true)
	})
}

// doWithRetry runs fn up to maxAttempts times with exponential backoff.
// 401/403 and context cancellation abort immediately without retrying.
func (c *Client) doWithRetry(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		err := fn(reqCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return ctx.Err()
		}
		var ue *upstreamError
		if errors.As(err, &ue) {
			if ue.status == http.StatusUnauthorized || ue.status == http.StatusForbidden {
				c.sess.invalidate()
				return err
			}
		}
		if err == ErrNotImplemented {
			return err
		}
		if attempt == maxAttempts {
			break
		}
		delay := retryBaseDelay * time.Duration(1<<uint(attempt-1))
		c.log.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("upstream call failed, retrying")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

type upstreamError struct {
	status int
	body   string
}

func (e *upstreamError) Error() string {
	return fmt.Sprintf("broker: upstream returned %d: %s", e.status, e.body)
}

// Unwrap exposes ErrUnauthorized for a 401/403 so callers can match it
// with errors.Is.
func (e *upstreamError) Unwrap() error {
	if e.status == http.StatusUnauthorized || e.status == http.StatusForbidden {
		return ErrUnauthorized
	}
	return nil
}

// rawPost performs one POST attempt with no retry. When authenticate is
// true, a valid bearer token is fetched first and attached.
func (c *Client) rawPost(ctx context.Context, path string, body, out interface{}, authenticate bool) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("broker: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("broker: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if authenticate {
		tok, err := c.sess.ensureToken(ctx, c.login)
		if err != nil {
			return fmt.Errorf("broker: authenticate: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("broker: transport error: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("broker: read response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &upstreamError{status: resp.StatusCode, body: string(raw)}
	}
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotImplemented
	}
	if resp.StatusCode >= 400 {
		return &upstreamError{status: resp.StatusCode, body: string(raw)}
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("broker: decode response: %w", err)
	}
	return nil
}
