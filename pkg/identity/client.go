// Package identity provides a client for the session identity service that
// re-issues and validates account credentials.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// Client defines the identity service operations.
type Client interface {
	// Refresh exchanges the current session material for a fresh credential.
	Refresh(ctx context.Context, req RefreshRequest) (*RefreshResponse, error)
	// Validate asks the service whether the account's session is usable.
	Validate(ctx context.Context, req ValidateRequest) (*ValidateResponse, error)
}

// RefreshRequest carries the session material to be re-issued.
type RefreshRequest struct {
	AccountID string            `json:"account_id"`
	Token     string            `json:"token,omitempty"`
	Cookies   map[string]string `json:"cookies,omitempty"`
}

// RefreshResponse holds the re-issued credential.
type RefreshResponse struct {
	Token     string            `json:"token"`
	Cookies   map[string]string `json:"cookies"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
}

// ValidateRequest identifies the session to check.
type ValidateRequest struct {
	AccountID string            `json:"account_id"`
	Token     string            `json:"token,omitempty"`
	Cookies   map[string]string `json:"cookies,omitempty"`
}

// ValidateResponse reports whether the session is usable.
type ValidateResponse struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("identity: unexpected status %d: %s", e.Code, e.Body)
}

// Temporary reports whether the status is worth retrying.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// Option configures the identity client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit caps outbound requests per second. Zero disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *httpClient) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a new identity service client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: "http://localhost:8081",
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(10), 5),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Refresh(ctx context.Context, in RefreshRequest) (*RefreshResponse, error) {
	var out RefreshResponse
	if err := c.post(ctx, "/v1/sessions/refresh", in, &out); err != nil {
		return nil, eris.Wrapf(err, "identity: refresh %s", in.AccountID)
	}
	return &out, nil
}

func (c *httpClient) Validate(ctx context.Context, in ValidateRequest) (*ValidateResponse, error) {
	var out ValidateResponse
	if err := c.post(ctx, "/v1/sessions/validate", in, &out); err != nil {
		return nil, eris.Wrapf(err, "identity: validate %s", in.AccountID)
	}
	return &out, nil
}

func (c *httpClient) post(ctx context.Context, path string, in, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return eris.Wrap(err, "identity: rate limit wait")
		}
	}

	payload, err := json.Marshal(in)
	if err != nil {
		return eris.Wrap(err, "identity: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "identity: create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "identity: request failed")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return eris.Wrap(err, "identity: read response body")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return eris.Wrap(err, "identity: unmarshal response")
	}
	return nil
}
