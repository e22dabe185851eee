// Package solver provides a client for the external challenge-solving
// service.
package solver

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

// Client defines the solving service operations.
type Client interface {
	// Solve submits a challenge and blocks until the service answers.
	Solve(ctx context.Context, req SolveRequest) (*SolveResponse, error)
}

// SolveRequest describes a challenge to solve.
type SolveRequest struct {
	ChallengeID string `json:"challenge_id"`
	Type        string `json:"type"`
	SiteKey     string `json:"site_key,omitempty"`
	PageURL     string `json:"page_url,omitempty"`
	PayloadRef  string `json:"payload_ref,omitempty"`
}

// SolveResponse is the service's answer.
type SolveResponse struct {
	Solution    string  `json:"solution"`
	Confidence  float64 `json:"confidence"`
	SolveTimeMs int64   `json:"solve_time_ms"`
}

// SolveTime returns the reported solve duration.
func (r *SolveResponse) SolveTime() time.Duration {
	return time.Duration(r.SolveTimeMs) * time.Millisecond
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("solver: unexpected status %d: %s", e.Code, e.Body)
}

// Temporary reports whether the status is worth retrying.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// ErrUnsolvable is returned when the service answers 422.
var ErrUnsolvable = eris.New("solver: challenge unsolvable")

// Option configures the solver client.
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

// NewClient creates a new solving service client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: "http://localhost:8082",
		http: &http.Client{
			Timeout: 2 * time.Minute,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(5), 2),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Solve(ctx context.Context, in SolveRequest) (*SolveResponse, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "solver: rate limit wait")
		}
	}

	payload, err := json.Marshal(in)
	if err != nil {
		return nil, eris.Wrap(err, "solver: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/solve", bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "solver: create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "solver: solve %s", in.ChallengeID)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, eris.Wrap(err, "solver: read response body")
	}

	switch {
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, eris.Wrapf(ErrUnsolvable, "%s: %s", in.ChallengeID, string(body))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	var out SolveResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, eris.Wrap(err, "solver: unmarshal response")
	}
	if out.Solution == "" {
		return nil, eris.Wrapf(ErrUnsolvable, "%s: empty solution", in.ChallengeID)
	}
	return &out, nil
}
