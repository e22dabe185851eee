package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

var (
	ErrAccountNotFound          = eris.New("account not found")
	ErrAccountBanned            = eris.New("account banned")
	ErrAccountTemporarilyBanned = eris.New("account temporarily banned")
	ErrAccountUnavailable       = eris.New("account unavailable")
	ErrCredentialExpired        = eris.New("credential expired")
	ErrCredentialRefreshFailed  = eris.New("credential refresh failed")
	ErrChallengeUnsolvable      = eris.New("challenge unsolvable")
	ErrNoAvailableAccounts      = eris.New("no available accounts")
)

// BanSignal is returned by work (or produced by the signal classifier) when
// the target rejected the account. A zero Duration is a permanent ban.
type BanSignal struct {
	Reason   string
	Duration time.Duration
	Metrics  *BanMetrics
}

func (e *BanSignal) Error() string {
	if e.Duration > 0 {
		return fmt.Sprintf("temporary ban for %s: %s", e.Duration, e.Reason)
	}
	return "ban: " + e.Reason
}

// Is matches ErrAccountBanned or ErrAccountTemporarilyBanned by duration.
func (e *BanSignal) Is(target error) bool {
	if e.Duration > 0 {
		return target == ErrAccountTemporarilyBanned
	}
	return target == ErrAccountBanned
}

// CredentialRejected reports that the target refused the account's credential.
type CredentialRejected struct {
	Reason string
}

func (e *CredentialRejected) Error() string {
	return "credential rejected: " + e.Reason
}

// Is matches ErrCredentialExpired.
func (e *CredentialRejected) Is(target error) bool {
	return target == ErrCredentialExpired
}

// ChallengePresented reports that the target served an anti-bot challenge.
type ChallengePresented struct {
	Challenge Challenge
}

func (e *ChallengePresented) Error() string {
	return fmt.Sprintf("challenge presented: %s (%s)", e.Challenge.Type, e.Challenge.ID)
}

// TemporaryBanError is returned when an account is still inside its ban window.
type TemporaryBanError struct {
	AccountID string
	Remaining time.Duration
}

func (e *TemporaryBanError) Error() string {
	return fmt.Sprintf("account %s temporarily banned for another %s", e.AccountID, e.Remaining.Round(time.Second))
}

// Is matches ErrAccountTemporarilyBanned.
func (e *TemporaryBanError) Is(target error) bool {
	return target == ErrAccountTemporarilyBanned
}

// NoAvailableAccountsError is the terminal failover error. It lists every
// candidate and why each one could not serve the work.
type NoAvailableAccountsError struct {
	Candidates []string
	Failures   []AccountFailure
}

func (e *NoAvailableAccountsError) Error() string {
	if len(e.Failures) == 0 {
		return "no available accounts"
	}
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.AccountID+": "+f.Reason)
	}
	return "no available accounts (" + strings.Join(parts, "; ") + ")"
}

// Is matches ErrNoAvailableAccounts.
func (e *NoAvailableAccountsError) Is(target error) bool {
	return target == ErrNoAvailableAccounts
}
