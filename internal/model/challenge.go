package model

import (
	"time"
)

// ChallengeType identifies the anti-automation mechanism served by a target.
type ChallengeType string

const (
	ChallengeCloudflare ChallengeType = "cloudflare"
	ChallengeRecaptcha  ChallengeType = "recaptcha"
	ChallengeHCaptcha   ChallengeType = "hcaptcha"
	ChallengeTurnstile  ChallengeType = "turnstile"
	ChallengeJSShell    ChallengeType = "js_shell"
	ChallengeUnknown    ChallengeType = "unknown"
)

// Challenge is a challenge instance served to an account.
type Challenge struct {
	ID         string        `json:"id"`
	Type       ChallengeType `json:"type"`
	PayloadRef string        `json:"payload_ref,omitempty"`
	SiteKey    string        `json:"site_key,omitempty"`
	PageURL    string        `json:"page_url,omitempty"`
	ExpiresAt  *time.Time    `json:"expires_at,omitempty"`
}

// Solution is what an external solver returns for a challenge.
type Solution struct {
	Value      string        `json:"value"`
	Confidence float64       `json:"confidence"`
	SolveTime  time.Duration `json:"solve_time"`
}

// ChallengeRecord is a cached, solved challenge.
type ChallengeRecord struct {
	Challenge Challenge `json:"challenge"`
	Solution  Solution  `json:"solution"`
	SolvedAt  time.Time `json:"solved_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the record may no longer be served at now.
func (r ChallengeRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}
