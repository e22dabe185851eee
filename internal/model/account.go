package model

import (
	"time"
)

// AccountStatus is the lifecycle state of a crawling account.
type AccountStatus string

const (
	AccountStatusActive            AccountStatus = "active"
	AccountStatusBanned            AccountStatus = "banned"
	AccountStatusTemporarilyBanned AccountStatus = "temporarily_banned"
	AccountStatusUnavailable       AccountStatus = "unavailable"
)

// Valid reports whether s is one of the known statuses.
func (s AccountStatus) Valid() bool {
	switch s {
	case AccountStatusActive, AccountStatusBanned, AccountStatusTemporarilyBanned, AccountStatusUnavailable:
		return true
	}
	return false
}

// IsBanned reports whether s is a permanent or temporary ban.
func (s AccountStatus) IsBanned() bool {
	return s == AccountStatusBanned || s == AccountStatusTemporarilyBanned
}

const (
	// MaxRecentErrors bounds Health.RecentErrors.
	MaxRecentErrors = 10
	// MaxRecentActions bounds AccountRecord.RecentActions.
	MaxRecentActions = 10
	// MaxBanHistory bounds AccountRecord.BanHistory.
	MaxBanHistory = 20
)

// Credential is the opaque session bundle an account authenticates with.
// A nil ExpiresAt means the expiry is unknown and the credential is only
// refreshed on an explicit rejection.
type Credential struct {
	Token       string            `json:"token,omitempty" yaml:"token"`
	Cookies     map[string]string `json:"cookies,omitempty" yaml:"cookies"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty" yaml:"expires_at"`
	RefreshedAt *time.Time        `json:"refreshed_at,omitempty" yaml:"-"`
}

// Expired reports whether the credential has a known expiry at or before now.
func (c Credential) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// ExpiresWithin reports whether the credential has a known expiry inside the
// window starting at now. Already-expired credentials are included.
func (c Credential) ExpiresWithin(now time.Time, window time.Duration) bool {
	return c.ExpiresAt != nil && !now.Add(window).Before(*c.ExpiresAt)
}

// BanMetrics captures the request behaviour observed around a ban.
type BanMetrics struct {
	RequestsPerHour float64        `json:"requests_per_hour,omitempty"`
	AverageDelayMs  float64        `json:"average_delay_ms,omitempty"`
	ErrorTypes      map[string]int `json:"error_types,omitempty"`
}

// BanEvent is a single ban transition.
type BanEvent struct {
	ID          string      `json:"id"`
	Reason      string      `json:"reason"`
	DetectedAt  time.Time   `json:"detected_at"`
	BannedUntil *time.Time  `json:"banned_until,omitempty"`
	LastActions []string    `json:"last_actions,omitempty"`
	Metrics     *BanMetrics `json:"metrics,omitempty"`
	LiftedAt    *time.Time  `json:"lifted_at,omitempty"`
}

// BanInfo describes the ban an account is currently serving. Events holds
// every ban transition applied while the account stayed banned.
type BanInfo struct {
	Reason      string      `json:"reason"`
	DetectedAt  time.Time   `json:"detected_at"`
	BannedUntil *time.Time  `json:"banned_until,omitempty"`
	LastActions []string    `json:"last_actions,omitempty"`
	Metrics     *BanMetrics `json:"metrics,omitempty"`
	Events      []BanEvent  `json:"events,omitempty"`
}

// Remaining returns how long the ban has left at now. Permanent bans return 0.
func (b *BanInfo) Remaining(now time.Time) time.Duration {
	if b == nil || b.BannedUntil == nil {
		return 0
	}
	if d := b.BannedUntil.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Health tracks reliability signals used for scoring and escalation.
type Health struct {
	Score                 float64    `json:"score"`
	SuccessCount          int64      `json:"success_count"`
	FailureCount          int64      `json:"failure_count"`
	AverageResponseTimeMs float64    `json:"average_response_time_ms"`
	RecentErrors          []string   `json:"recent_errors,omitempty"`
	SuccessEWMA           float64    `json:"success_ewma"`
	ConsecutiveFailures   int        `json:"consecutive_failures"`
	LastErrorAt           *time.Time `json:"last_error_at,omitempty"`
}

// AppendError adds msg to RecentErrors, dropping the oldest entries beyond limit.
func (h *Health) AppendError(msg string, limit int) {
	if msg == "" {
		return
	}
	if limit <= 0 {
		limit = MaxRecentErrors
	}
	h.RecentErrors = append(h.RecentErrors, msg)
	if over := len(h.RecentErrors) - limit; over > 0 {
		h.RecentErrors = append([]string(nil), h.RecentErrors[over:]...)
	}
}

// Performance holds the ranking inputs for an account.
type Performance struct {
	SuccessRate           float64    `json:"success_rate"`
	AverageResponseTimeMs float64    `json:"average_response_time_ms"`
	LastUsedAt            *time.Time `json:"last_used_at,omitempty"`
}

// ActionRecord is the outcome of one unit of work performed with an account.
type ActionRecord struct {
	Action         string    `json:"action"`
	Success        bool      `json:"success"`
	ResponseTimeMs int64     `json:"response_time_ms"`
	Error          string    `json:"error,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// AccountRecord is the durable state of one crawling identity.
type AccountRecord struct {
	ID            string         `json:"id"`
	Status        AccountStatus  `json:"status"`
	Credential    Credential     `json:"credential"`
	BanInfo       *BanInfo       `json:"ban_info,omitempty"`
	BanHistory    []BanEvent     `json:"ban_history,omitempty"`
	Health        Health         `json:"health"`
	Performance   Performance    `json:"performance"`
	RecentActions []ActionRecord `json:"recent_actions,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// NewAccountRecord returns an active account with a perfect health score.
func NewAccountRecord(id string, cred Credential, now time.Time) AccountRecord {
	return AccountRecord{
		ID:         id,
		Status:     AccountStatusActive,
		Credential: cred,
		Health: Health{
			Score:       100,
			SuccessEWMA: 1,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// LastActionSummaries renders the most recent actions for ban logging.
func (r *AccountRecord) LastActionSummaries() []string {
	out := make([]string, 0, len(r.RecentActions))
	for _, a := range r.RecentActions {
		s := a.Action
		if s == "" {
			s = "action"
		}
		if a.Success {
			s += ":ok"
		} else {
			s += ":fail"
		}
		out = append(out, s)
	}
	return out
}

// Clone returns a deep copy so callers cannot alias stored state.
func (r AccountRecord) Clone() AccountRecord {
	out := r
	out.Credential = r.Credential.clone()
	if r.BanInfo != nil {
		bi := r.BanInfo.clone()
		out.BanInfo = &bi
	}
	out.BanHistory = cloneEvents(r.BanHistory)
	out.Health.RecentErrors = cloneStrings(r.Health.RecentErrors)
	out.Health.LastErrorAt = cloneTime(r.Health.LastErrorAt)
	out.Performance.LastUsedAt = cloneTime(r.Performance.LastUsedAt)
	if r.RecentActions != nil {
		out.RecentActions = append([]ActionRecord(nil), r.RecentActions...)
	}
	return out
}

func (c Credential) clone() Credential {
	out := c
	if c.Cookies != nil {
		out.Cookies = make(map[string]string, len(c.Cookies))
		for k, v := range c.Cookies {
			out.Cookies[k] = v
		}
	}
	out.ExpiresAt = cloneTime(c.ExpiresAt)
	out.RefreshedAt = cloneTime(c.RefreshedAt)
	return out
}

func (b BanInfo) clone() BanInfo {
	out := b
	out.BannedUntil = cloneTime(b.BannedUntil)
	out.LastActions = cloneStrings(b.LastActions)
	out.Metrics = b.Metrics.clone()
	out.Events = cloneEvents(b.Events)
	return out
}

func (m *BanMetrics) clone() *BanMetrics {
	if m == nil {
		return nil
	}
	out := *m
	if m.ErrorTypes != nil {
		out.ErrorTypes = make(map[string]int, len(m.ErrorTypes))
		for k, v := range m.ErrorTypes {
			out.ErrorTypes[k] = v
		}
	}
	return &out
}

func cloneEvents(in []BanEvent) []BanEvent {
	if in == nil {
		return nil
	}
	out := make([]BanEvent, len(in))
	for i, e := range in {
		e.BannedUntil = cloneTime(e.BannedUntil)
		e.LiftedAt = cloneTime(e.LiftedAt)
		e.LastActions = cloneStrings(e.LastActions)
		e.Metrics = e.Metrics.clone()
		out[i] = e
	}
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// LiftBan moves the current ban into BanHistory and clears BanInfo.
func (r *AccountRecord) LiftBan(now time.Time) {
	if r.BanInfo == nil {
		return
	}
	events := r.BanInfo.Events
	if len(events) == 0 {
		events = []BanEvent{{
			Reason:      r.BanInfo.Reason,
			DetectedAt:  r.BanInfo.DetectedAt,
			BannedUntil: r.BanInfo.BannedUntil,
			LastActions: r.BanInfo.LastActions,
			Metrics:     r.BanInfo.Metrics,
		}}
	}
	for _, e := range events {
		lifted := now
		e.LiftedAt = &lifted
		r.BanHistory = append(r.BanHistory, e)
	}
	if over := len(r.BanHistory) - MaxBanHistory; over > 0 {
		r.BanHistory = append([]BanEvent(nil), r.BanHistory[over:]...)
	}
	r.BanInfo = nil
}

// LastBan returns the current ban, or the most recent lifted one.
func (r *AccountRecord) LastBan() (reason string, metrics *BanMetrics, ok bool) {
	if r.BanInfo != nil {
		return r.BanInfo.Reason, r.BanInfo.Metrics, true
	}
	if n := len(r.BanHistory); n > 0 {
		e := r.BanHistory[n-1]
		return e.Reason, e.Metrics, true
	}
	return "", nil, false
}
