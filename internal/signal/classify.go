// Package signal turns transport responses into the typed errors the
// failover orchestrator reacts to. Work functions call Classify after each
// request and return its error as-is.
package signal

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sells-group/account-engine/internal/challenge"
	"github.com/sells-group/account-engine/internal/model"
	"github.com/sells-group/account-engine/internal/resilience"
)

// StatusAuthenticationTimeout is the non-standard "page expired" status
// some frameworks send for stale sessions.
const StatusAuthenticationTimeout = 419

// DefaultRateLimitBan is the temporary ban applied to a 429 without a
// usable Retry-After header.
const DefaultRateLimitBan = 15 * time.Minute

var suspensionMarkers = []string{
	"account suspended",
	"account has been suspended",
	"account disabled",
	"account has been disabled",
	"account banned",
	"permanently banned",
}

// Classify maps a response to nil (usable), *model.BanSignal,
// *model.CredentialRejected, *model.ChallengePresented or a transient error.
// It classifies resp against the time now for HTTP-date Retry-After values.
func Classify(resp *http.Response, body []byte, now time.Time) error {
	if resp == nil {
		return nil
	}

	if ch, ok := challenge.Detect(resp, body); ok {
		return &model.ChallengePresented{Challenge: ch}
	}

	lower := strings.ToLower(string(body))
	switch code := resp.StatusCode; {
	case code == http.StatusTooManyRequests:
		d := RetryAfter(resp.Header, now)
		if d <= 0 {
			d = DefaultRateLimitBan
		}
		return &model.BanSignal{Reason: "Rate limit exceeded", Duration: d}

	case code == http.StatusForbidden:
		for _, m := range suspensionMarkers {
			if strings.Contains(lower, m) {
				return &model.BanSignal{Reason: m}
			}
		}
		return &model.BanSignal{Reason: "Access forbidden"}

	case code == http.StatusUnauthorized || code == StatusAuthenticationTimeout:
		return &model.CredentialRejected{Reason: fmt.Sprintf("status %d", code)}

	case resilience.IsTransientStatus(code):
		return resilience.Transient(fmt.Errorf("signal: upstream status %d", code), code)

	case code >= 400:
		for _, m := range suspensionMarkers {
			if strings.Contains(lower, m) {
				return &model.BanSignal{Reason: m}
			}
		}
		return fmt.Errorf("signal: upstream status %d", code)
	}

	for _, m := range suspensionMarkers {
		if strings.Contains(lower, m) {
			return &model.BanSignal{Reason: m}
		}
	}
	return nil
}

// RetryAfter parses a Retry-After header given in seconds or as an
// HTTP date. It returns 0 when the header is absent or unusable.
func RetryAfter(h http.Header, now time.Time) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
