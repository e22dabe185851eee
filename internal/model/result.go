package model

import (
	"time"
)

// FailureKind classifies why an account could not serve a unit of work.
type FailureKind string

const (
	FailureNotFound          FailureKind = "not_found"
	FailureBanned            FailureKind = "banned"
	FailureTemporarilyBanned FailureKind = "temporarily_banned"
	FailureUnavailable       FailureKind = "unavailable"
	FailureCredential        FailureKind = "credential"
	FailureChallenge         FailureKind = "challenge"
	FailureWork              FailureKind = "error"
	FailureCanceled          FailureKind = "canceled"
)

// AccountFailure is one candidate's failure inside a failover run.
type AccountFailure struct {
	AccountID string      `json:"account_id"`
	Reason    string      `json:"reason"`
	Kind      FailureKind `json:"kind"`
	Skipped   bool        `json:"skipped,omitempty"`
}

// ExecutionResult is the outcome of running work against one or more accounts.
type ExecutionResult struct {
	Success             bool             `json:"success"`
	Result              any              `json:"result,omitempty"`
	Error               string           `json:"error,omitempty"`
	Kind                FailureKind      `json:"kind,omitempty"`
	AccountID           string           `json:"account_id,omitempty"`
	UsedAccountID       string           `json:"used_account_id,omitempty"`
	SwitchReason        string           `json:"switch_reason,omitempty"`
	UnavailableAccounts []string         `json:"unavailable_accounts,omitempty"`
	Failures            []AccountFailure `json:"failures,omitempty"`
	Duration            time.Duration    `json:"duration"`

	// Err is the typed error behind Error, for errors.Is/As by callers.
	Err error `json:"-"`
}

// HealthSnapshot is a read-only view of an account's health.
type HealthSnapshot struct {
	AccountID               string        `json:"account_id"`
	Status                  AccountStatus `json:"status"`
	Score                   float64       `json:"score"`
	SuccessCount            int64         `json:"success_count"`
	FailureCount            int64         `json:"failure_count"`
	SuccessRate             float64       `json:"success_rate"`
	AverageResponseTimeMs   float64       `json:"average_response_time_ms"`
	ConsecutiveFailures     int           `json:"consecutive_failures"`
	RecentErrors            []string      `json:"recent_errors,omitempty"`
	LastUsedAt              *time.Time    `json:"last_used_at,omitempty"`
	NeedsManualIntervention bool          `json:"needs_manual_intervention"`
}

// StrategyRecommendation is the operating policy suggested for an account.
type StrategyRecommendation struct {
	AccountID               string        `json:"account_id"`
	Category                string        `json:"category"`
	Reason                  string        `json:"reason,omitempty"`
	MaxRequestsPerHour      int           `json:"max_requests_per_hour"`
	MinDelayBetweenRequests time.Duration `json:"min_delay_between_requests"`
	UseBrowserRenderer      bool          `json:"use_browser_renderer"`
	RotateUserAgent         bool          `json:"rotate_user_agent"`
	RotateProxy             bool          `json:"rotate_proxy"`
	RefreshCredential       bool          `json:"refresh_credential"`
	Notes                   []string      `json:"notes,omitempty"`
}
