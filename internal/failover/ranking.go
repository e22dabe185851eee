package failover

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/account-engine/internal/model"
	"github.com/sells-group/account-engine/internal/store"
)

// RankingConfig weights the composite selection score.
type RankingConfig struct {
	SuccessWeight    float64
	LatencyWeight    float64
	RecencyWeight    float64
	LatencyReference time.Duration
	RecencyHorizon   time.Duration
}

// DefaultRankingConfig returns the default weights.
func DefaultRankingConfig() RankingConfig {
	return RankingConfig{
		SuccessWeight:    0.5,
		LatencyWeight:    0.3,
		RecencyWeight:    0.2,
		LatencyReference: time.Second,
		RecencyHorizon:   10 * time.Minute,
	}
}

func (c RankingConfig) withDefaults() RankingConfig {
	d := DefaultRankingConfig()
	if c.SuccessWeight <= 0 && c.LatencyWeight <= 0 && c.RecencyWeight <= 0 {
		c.SuccessWeight, c.LatencyWeight, c.RecencyWeight = d.SuccessWeight, d.LatencyWeight, d.RecencyWeight
	}
	if c.LatencyReference <= 0 {
		c.LatencyReference = d.LatencyReference
	}
	if c.RecencyHorizon <= 0 {
		c.RecencyHorizon = d.RecencyHorizon
	}
	return c
}

// RankedAccount is an eligible account with its composite score.
type RankedAccount struct {
	ID      string  `json:"id"`
	Score   float64 `json:"score"`
	Success float64 `json:"success"`
	Latency float64 `json:"latency"`
	Recency float64 `json:"recency"`
}

// Rank scores one account. Accounts with no history count as fully
// successful and fully rested.
func Rank(rec model.AccountRecord, cfg RankingConfig, now time.Time) RankedAccount {
	cfg = cfg.withDefaults()

	success := 1.0
	if rec.Health.SuccessCount+rec.Health.FailureCount > 0 {
		success = rec.Performance.SuccessRate
	}

	refMs := float64(cfg.LatencyReference / time.Millisecond)
	latency := 1 / (1 + rec.Performance.AverageResponseTimeMs/refMs)

	recency := 1.0
	if last := rec.Performance.LastUsedAt; last != nil {
		since := now.Sub(*last)
		switch {
		case since <= 0:
			recency = 0
		case since < cfg.RecencyHorizon:
			recency = float64(since) / float64(cfg.RecencyHorizon)
		}
	}

	return RankedAccount{
		ID:      rec.ID,
		Score:   cfg.SuccessWeight*success + cfg.LatencyWeight*latency + cfg.RecencyWeight*recency,
		Success: success,
		Latency: latency,
		Recency: recency,
	}
}

// rankRecords ranks the active records, best first. Ties keep input order.
func rankRecords(recs []model.AccountRecord, cfg RankingConfig, now time.Time) []RankedAccount {
	out := make([]RankedAccount, 0, len(recs))
	for _, rec := range recs {
		if rec.Status != model.AccountStatusActive {
			continue
		}
		out = append(out, Rank(rec, cfg, now))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// candidates loads the candidate records in candidate order. An empty list
// means every active account.
func (o *Orchestrator) candidates(ctx context.Context, candidateIDs []string) ([]string, []model.AccountRecord, error) {
	if len(candidateIDs) == 0 {
		recs, err := o.store.List(ctx, store.ListFilter{Status: model.AccountStatusActive})
		if err != nil {
			return nil, nil, eris.Wrap(err, "failover: list active accounts")
		}
		ids := make([]string, 0, len(recs))
		for _, r := range recs {
			ids = append(ids, r.ID)
		}
		return ids, recs, nil
	}

	ids := dedupe(candidateIDs)
	recs, err := o.store.List(ctx, store.ListFilter{IDs: ids})
	if err != nil {
		return nil, nil, eris.Wrap(err, "failover: load candidates")
	}
	return ids, recs, nil
}

// RankAccounts ranks the active candidates, best first.
func (o *Orchestrator) RankAccounts(ctx context.Context, candidateIDs []string) ([]RankedAccount, error) {
	_, recs, err := o.candidates(ctx, candidateIDs)
	if err != nil {
		return nil, err
	}
	return rankRecords(recs, o.cfg.Ranking, o.nowFunc()), nil
}

// SelectOptimalAccount returns the best active candidate. It fails with a
// *model.NoAvailableAccountsError when no candidate is active.
func (o *Orchestrator) SelectOptimalAccount(ctx context.Context, candidateIDs []string) (string, error) {
	ids, recs, err := o.candidates(ctx, candidateIDs)
	if err != nil {
		return "", err
	}
	ranked := rankRecords(recs, o.cfg.Ranking, o.nowFunc())
	if len(ranked) > 0 {
		return ranked[0].ID, nil
	}

	_, skipped := o.partition(ids, recs)
	return "", &model.NoAvailableAccountsError{Candidates: ids, Failures: skipped}
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
