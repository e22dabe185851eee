package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/account-engine/internal/model"
)

// ListFilter specifies criteria for listing accounts. When IDs is set the
// result follows the order of IDs and silently omits unknown ids.
type ListFilter struct {
	Status model.AccountStatus `json:"status,omitempty"`
	IDs    []string            `json:"ids,omitempty"`
	Limit  int                 `json:"limit,omitempty"`
}

// StatusMeta carries optional data for a status change.
type StatusMeta struct {
	BanInfo *model.BanInfo
	Error   string
}

// Mutator edits a record inside an atomic update. Returning an error aborts
// the update without writing.
type Mutator func(rec *model.AccountRecord) error

// Store is the account record store. Update is an atomic read-modify-write
// per account id; mutators run while the record is locked and must not block.
type Store interface {
	Get(ctx context.Context, id string) (*model.AccountRecord, error)
	List(ctx context.Context, filter ListFilter) ([]model.AccountRecord, error)
	Upsert(ctx context.Context, rec model.AccountRecord) error
	Update(ctx context.Context, id string, fn Mutator) (*model.AccountRecord, error)
	SetStatus(ctx context.Context, id string, status model.AccountStatus, meta *StatusMeta) (*model.AccountRecord, error)
	Delete(ctx context.Context, id string) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// ApplyStatus sets status on rec. Leaving a ban state moves the ban into
// BanHistory so BanInfo only exists while the account is banned.
func ApplyStatus(rec *model.AccountRecord, status model.AccountStatus, meta *StatusMeta, now time.Time) {
	rec.Status = status
	if status.IsBanned() {
		if meta != nil && meta.BanInfo != nil {
			cp := model.AccountRecord{BanInfo: meta.BanInfo}.Clone()
			rec.BanInfo = cp.BanInfo
		}
	} else {
		rec.LiftBan(now)
	}
	if meta != nil {
		rec.Health.AppendError(meta.Error, model.MaxRecentErrors)
	}
}

// setStatusMutator adapts SetStatus onto Update for every backend.
func setStatusMutator(status model.AccountStatus, meta *StatusMeta, now time.Time) (Mutator, error) {
	if !status.Valid() {
		return nil, eris.Errorf("store: invalid status %q", status)
	}
	return func(rec *model.AccountRecord) error {
		ApplyStatus(rec, status, meta, now)
		return nil
	}, nil
}

func validateRecord(rec model.AccountRecord) error {
	if rec.ID == "" {
		return eris.New("store: account id is required")
	}
	if !rec.Status.Valid() {
		return eris.Errorf("store: account %s has invalid status %q", rec.ID, rec.Status)
	}
	return nil
}

func notFound(id string) error {
	return eris.Wrapf(model.ErrAccountNotFound, "store: account %s", id)
}

// orderByIDs reorders recs to follow ids, dropping unknown ids.
func orderByIDs(recs []model.AccountRecord, ids []string) []model.AccountRecord {
	byID := make(map[string]model.AccountRecord, len(recs))
	for _, r := range recs {
		byID[r.ID] = r
	}
	out := make([]model.AccountRecord, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if r, ok := byID[id]; ok {
			out = append(out, r)
		}
	}
	return out
}

func applyLimit(recs []model.AccountRecord, limit int) []model.AccountRecord {
	if limit > 0 && len(recs) > limit {
		return recs[:limit]
	}
	return recs
}
