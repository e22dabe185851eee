// Package failover selects accounts for crawl work, wraps that work with
// ban, credential and challenge handling, and fails over between
// candidates.
package failover

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/account-engine/internal/ban"
	"github.com/sells-group/account-engine/internal/challenge"
	"github.com/sells-group/account-engine/internal/credential"
	"github.com/sells-group/account-engine/internal/health"
	"github.com/sells-group/account-engine/internal/metrics"
	"github.com/sells-group/account-engine/internal/model"
	"github.com/sells-group/account-engine/internal/pacing"
	"github.com/sells-group/account-engine/internal/store"
)

// Work is the caller's unit of crawl work, run with one account.
type Work func(ctx context.Context, acct model.AccountRecord) (any, error)

// NoAvailableAccountsMessage is the error text of a total failover failure.
const NoAvailableAccountsMessage = "No available accounts"

// Config tunes the orchestrator.
type Config struct {
	Ranking RankingConfig
}

// Deps are the orchestrator's collaborators. Store is required; the
// lifecycle components default to instances built on Store.
type Deps struct {
	Store       store.Store
	Detector    *ban.Detector
	Credentials *credential.Manager
	Challenges  *challenge.Mediator
	Analyzer    *health.Analyzer
	Pacer       *pacing.Pacer
}

// Orchestrator runs work against accounts.
type Orchestrator struct {
	store       store.Store
	detector    *ban.Detector
	credentials *credential.Manager
	challenges  *challenge.Mediator
	analyzer    *health.Analyzer
	pacer       *pacing.Pacer
	cfg         Config
	nowFunc     func() time.Time
}

var errNotConfigured = eris.New("failover: collaborator not configured")

// New creates an Orchestrator.
func New(deps Deps, cfg Config) *Orchestrator {
	if deps.Detector == nil {
		deps.Detector = ban.NewDetector(deps.Store)
	}
	if deps.Analyzer == nil {
		deps.Analyzer = health.NewAnalyzer(deps.Store, health.DefaultConfig())
	}
	if deps.Credentials == nil {
		deps.Credentials = credential.NewManager(deps.Store, credential.RefresherFunc(
			func(context.Context, model.AccountRecord) (model.Credential, error) {
				return model.Credential{}, eris.Wrap(errNotConfigured, "no credential refresher")
			}), nil, credential.Config{})
	}
	if deps.Challenges == nil {
		deps.Challenges = challenge.NewMediator(challenge.SolverFunc(
			func(context.Context, model.Challenge) (model.Solution, error) {
				return model.Solution{}, eris.Wrap(errNotConfigured, "no challenge solver")
			}), nil, challenge.Config{})
	}
	cfg.Ranking = cfg.Ranking.withDefaults()
	return &Orchestrator{
		store:       deps.Store,
		detector:    deps.Detector,
		credentials: deps.Credentials,
		challenges:  deps.Challenges,
		analyzer:    deps.Analyzer,
		pacer:       deps.Pacer,
		cfg:         cfg,
		nowFunc:     time.Now,
	}
}

type actionKey struct{}

// WithAction names the action recorded for work run under ctx.
func WithAction(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, actionKey{}, name)
}

func actionName(ctx context.Context) string {
	if name, ok := ctx.Value(actionKey{}).(string); ok && name != "" {
		return name
	}
	return "work"
}

// failure is an account-local failure plus the typed error behind it.
type failure struct {
	model.AccountFailure
	err error
}

func newFailure(id string, kind model.FailureKind, err error, reason string) *failure {
	if reason == "" && err != nil {
		reason = err.Error()
	}
	return &failure{
		AccountFailure: model.AccountFailure{AccountID: id, Reason: reason, Kind: kind},
		err:            err,
	}
}

// ExecuteWithAccount runs work with one account after its pre-flight
// checks. Account-local failures are reported in the result; the error is
// reserved for store failures. It never moves on to another account.
func (o *Orchestrator) ExecuteWithAccount(ctx context.Context, id string, work Work) (model.ExecutionResult, error) {
	start := time.Now()
	v, f, err := o.attempt(ctx, id, work)
	if err != nil {
		return model.ExecutionResult{AccountID: id, Duration: time.Since(start)}, err
	}

	res := model.ExecutionResult{AccountID: id, Duration: time.Since(start)}
	if f != nil {
		res.Error = f.Reason
		res.Kind = f.Kind
		res.Failures = []model.AccountFailure{f.AccountFailure}
		res.Err = f.err
		metrics.ObserveExecution(string(f.Kind), res.Duration)
		return res, nil
	}
	res.Success = true
	res.Result = v
	res.UsedAccountID = id
	metrics.ObserveExecution("success", res.Duration)
	return res, nil
}

// ExecuteWithFailover tries the active candidates in ranked order until one
// succeeds. The ranking is fixed at call start. Candidates that are not
// active at that point are skipped without running work. When every
// candidate fails the result carries NoAvailableAccountsMessage and a
// *model.NoAvailableAccountsError. An empty candidate list means every
// active account.
func (o *Orchestrator) ExecuteWithFailover(ctx context.Context, candidateIDs []string, work Work) (model.ExecutionResult, error) {
	start := time.Now()
	log := zap.L().With(zap.String("component", "failover"))

	ids, recs, err := o.candidates(ctx, candidateIDs)
	if err != nil {
		return model.ExecutionResult{Duration: time.Since(start)}, err
	}
	eligible, failures := o.partition(ids, recs)
	ranked := rankRecords(eligible, o.cfg.Ranking, o.nowFunc())

	attempts := 0
	prev := ""
	for i, r := range ranked {
		if ctx.Err() != nil {
			for _, rest := range ranked[i:] {
				f := newFailure(rest.ID, model.FailureCanceled, ctx.Err(), "")
				f.Skipped = true
				failures = append(failures, f.AccountFailure)
			}
			break
		}

		attempts++
		v, f, err := o.attempt(ctx, r.ID, work)
		if err != nil {
			return model.ExecutionResult{AccountID: r.ID, Failures: failures, Duration: time.Since(start)}, err
		}
		if f == nil {
			res := model.ExecutionResult{
				Success:       true,
				Result:        v,
				AccountID:     r.ID,
				UsedAccountID: r.ID,
				Failures:      failures,
				Duration:      time.Since(start),
			}
			if n := len(failures); n > 0 {
				res.SwitchReason = failures[n-1].Reason
				log.Info("failed over to next account",
					zap.String("from", prev),
					zap.String("to", r.ID),
					zap.String("reason", res.SwitchReason),
					zap.Int("attempts", attempts),
				)
			}
			metrics.ObserveExecution("success", res.Duration)
			metrics.ObserveFailover("success", attempts)
			return res, nil
		}

		failures = append(failures, f.AccountFailure)
		metrics.ObserveExecution(string(f.Kind), time.Since(start))
		prev = r.ID
		log.Debug("candidate failed",
			zap.String("account_id", r.ID),
			zap.String("kind", string(f.Kind)),
			zap.String("reason", f.Reason),
		)
	}

	unavailable := candidateIDs
	if len(unavailable) == 0 {
		unavailable = ids
	}
	nae := &model.NoAvailableAccountsError{Candidates: append([]string(nil), ids...), Failures: failures}
	res := model.ExecutionResult{
		Error:               NoAvailableAccountsMessage,
		UnavailableAccounts: append([]string(nil), unavailable...),
		Failures:            failures,
		Duration:            time.Since(start),
		Err:                 nae,
	}
	if ctx.Err() != nil {
		res.Kind = model.FailureCanceled
	}
	log.Warn("no available accounts",
		zap.Strings("candidates", ids),
		zap.Int("attempts", attempts),
		zap.Error(nae),
	)
	metrics.ObserveFailover("exhausted", attempts)
	return res, nil
}

// partition splits candidates into active records (candidate order) and
// skip reasons for the rest.
func (o *Orchestrator) partition(ids []string, recs []model.AccountRecord) ([]model.AccountRecord, []model.AccountFailure) {
	byID := make(map[string]model.AccountRecord, len(recs))
	for _, r := range recs {
		byID[r.ID] = r
	}
	now := o.nowFunc()

	var eligible []model.AccountRecord
	var skipped []model.AccountFailure
	for _, id := range ids {
		rec, ok := byID[id]
		if !ok {
			f := newFailure(id, model.FailureNotFound, model.ErrAccountNotFound, "account not found")
			f.Skipped = true
			skipped = append(skipped, f.AccountFailure)
			continue
		}
		if f := statusFailure(rec, now); f != nil {
			f.Skipped = true
			skipped = append(skipped, f.AccountFailure)
			continue
		}
		eligible = append(eligible, rec)
	}
	return eligible, skipped
}

// statusFailure reports why rec cannot run work, or nil when it is active.
func statusFailure(rec model.AccountRecord, now time.Time) *failure {
	switch rec.Status {
	case model.AccountStatusActive:
		return nil
	case model.AccountStatusBanned:
		reason := "account banned"
		if rec.BanInfo != nil && rec.BanInfo.Reason != "" {
			reason += ": " + rec.BanInfo.Reason
		}
		return newFailure(rec.ID, model.FailureBanned, eris.Wrapf(model.ErrAccountBanned, "account %s", rec.ID), reason)
	case model.AccountStatusTemporarilyBanned:
		left := rec.BanInfo.Remaining(now)
		reason := "temporarily banned"
		if rec.BanInfo != nil && rec.BanInfo.Reason != "" {
			reason += ": " + rec.BanInfo.Reason
		}
		if left > 0 {
			reason += fmt.Sprintf(" (%s left)", left.Round(time.Second))
		} else {
			reason += " (awaiting recovery)"
		}
		return newFailure(rec.ID, model.FailureTemporarilyBanned, &model.TemporaryBanError{AccountID: rec.ID, Remaining: left}, reason)
	default:
		return newFailure(rec.ID, model.FailureUnavailable, eris.Wrapf(model.ErrAccountUnavailable, "account %s", rec.ID), "account unavailable")
	}
}

// attempt runs the pre-flight checks and work for one account. A nil
// failure and nil error is success. Only store errors are returned as err.
func (o *Orchestrator) attempt(ctx context.Context, id string, work Work) (any, *failure, error) {
	rec, f, err := o.load(ctx, id)
	if f != nil || err != nil {
		return nil, f, err
	}

	// (a) an unavailable account gets one chance to refresh its way back.
	if rec.Status == model.AccountStatusUnavailable {
		if rec, f, err = o.refresh(ctx, id); f != nil || err != nil {
			return nil, f, err
		}
	}
	if f := statusFailure(*rec, o.nowFunc()); f != nil {
		return nil, f, nil
	}

	// (b) expired credential.
	if o.credentials.NeedsRefresh(*rec) {
		if _, f, err = o.refresh(ctx, id); f != nil || err != nil {
			return nil, f, err
		}
	}

	// (c) outstanding challenge.
	solved, err := o.challenges.ResolvePending(ctx, id)
	if err != nil {
		return nil, o.challengeFailure(ctx, id, err), nil
	}
	if solved != nil {
		ctx = challenge.WithRecord(ctx, *solved)
	}

	var refreshed, solvedOnce bool
	for {
		if o.pacer != nil {
			if err := o.pacer.Wait(ctx, id); err != nil {
				return nil, newFailure(id, model.FailureCanceled, err, ""), nil
			}
		}

		// Re-read so a ban applied by another worker since pre-flight wins.
		cur, f, err := o.load(ctx, id)
		if f != nil || err != nil {
			return nil, f, err
		}
		if f := statusFailure(*cur, o.nowFunc()); f != nil {
			return nil, f, nil
		}

		started := time.Now()
		v, werr := work(ctx, *cur)
		act := model.ActionRecord{
			Action:         actionName(ctx),
			Success:        werr == nil,
			ResponseTimeMs: time.Since(started).Milliseconds(),
			Timestamp:      o.nowFunc(),
		}

		if werr == nil {
			if _, err := o.analyzer.RecordAccountAction(ctx, id, act); err != nil {
				return o.storeFail(id, err)
			}
			if o.pacer != nil {
				o.pacer.OnSuccess(id)
			}
			return v, nil, nil
		}
		act.Error = werr.Error()

		if ctx.Err() != nil {
			return nil, newFailure(id, model.FailureCanceled, werr, ""), nil
		}

		var (
			banSig    *model.BanSignal
			rejected  *model.CredentialRejected
			presented *model.ChallengePresented
		)
		switch {
		case errors.As(werr, &banSig):
			return o.banned(ctx, id, banSig, act)

		case errors.As(werr, &rejected) || errors.Is(werr, model.ErrCredentialExpired):
			if _, err := o.analyzer.RecordAccountAction(ctx, id, act); err != nil {
				return o.storeFail(id, err)
			}
			if refreshed {
				// A ban applied while the work ran outranks unavailable.
				if _, err := o.store.Update(ctx, id, func(cur *model.AccountRecord) error {
					if !cur.Status.IsBanned() {
						cur.Status = model.AccountStatusUnavailable
					}
					cur.Health.AppendError("credential rejected after refresh", model.MaxRecentErrors)
					return nil
				}); err != nil {
					return o.storeFail(id, err)
				}
				return nil, newFailure(id, model.FailureCredential, werr, "credential rejected after refresh"), nil
			}
			if _, f, err := o.refresh(ctx, id); f != nil || err != nil {
				return nil, f, err
			}
			refreshed = true

		case errors.As(werr, &presented):
			if _, err := o.analyzer.RecordAccountAction(ctx, id, act); err != nil {
				return o.storeFail(id, err)
			}
			if solvedOnce {
				o.challenges.MarkPending(id, presented.Challenge)
				return nil, newFailure(id, model.FailureChallenge,
					eris.Wrapf(model.ErrChallengeUnsolvable, "challenge %s presented again", presented.Challenge.ID), ""), nil
			}
			rec, err := o.challenges.HandleChallenge(ctx, id, presented.Challenge)
			if err != nil {
				o.challenges.MarkPending(id, presented.Challenge)
				return nil, o.challengeFailure(ctx, id, err), nil
			}
			ctx = challenge.WithRecord(ctx, rec)
			solvedOnce = true

		default:
			if _, err := o.analyzer.RecordAccountAction(ctx, id, act); err != nil {
				return o.storeFail(id, err)
			}
			return nil, newFailure(id, model.FailureWork, werr, ""), nil
		}
	}
}

// banned applies a work-reported ban and the failed action in one update,
// then paces the account by the strategy the ban implies.
func (o *Orchestrator) banned(ctx context.Context, id string, sig *model.BanSignal, act model.ActionRecord) (any, *failure, error) {
	rec, err := o.detector.MarkBanned(ctx, id, ban.SignalFrom(sig), o.analyzer.Mutator(act))
	if err != nil {
		return o.storeFail(id, err)
	}
	if o.pacer != nil {
		o.pacer.Apply(id, health.Recommend(*rec, o.analyzer.Config(), o.nowFunc()))
		if health.Categorize(sig.Reason) == health.CategoryRateLimit {
			o.pacer.OnRateLimit(id)
		}
	}

	kind := model.FailureBanned
	if sig.Duration > 0 {
		kind = model.FailureTemporarilyBanned
	}
	reason := sig.Reason
	if reason == "" {
		reason = sig.Error()
	}
	return nil, newFailure(id, kind, sig, reason), nil
}

func (o *Orchestrator) refresh(ctx context.Context, id string) (*model.AccountRecord, *failure, error) {
	rec, err := o.credentials.RefreshCookies(ctx, id)
	switch {
	case err == nil:
		return rec, nil, nil
	case errors.Is(err, model.ErrCredentialRefreshFailed):
		return nil, newFailure(id, model.FailureCredential, err, ""), nil
	default:
		f, err := o.storeFailure(id, err)
		return nil, f, err
	}
}

func (o *Orchestrator) challengeFailure(ctx context.Context, id string, err error) *failure {
	if ctx.Err() != nil {
		return newFailure(id, model.FailureCanceled, err, "")
	}
	return newFailure(id, model.FailureChallenge, err, "")
}

func (o *Orchestrator) load(ctx context.Context, id string) (*model.AccountRecord, *failure, error) {
	rec, err := o.store.Get(ctx, id)
	if err != nil {
		f, err := o.storeFailure(id, err)
		return nil, f, err
	}
	return rec, nil, nil
}

func (o *Orchestrator) storeFail(id string, err error) (any, *failure, error) {
	f, err := o.storeFailure(id, err)
	return nil, f, err
}

// storeFailure turns a vanished account into a failure and anything else
// into a fatal store error.
func (o *Orchestrator) storeFailure(id string, err error) (*failure, error) {
	if errors.Is(err, model.ErrAccountNotFound) {
		return newFailure(id, model.FailureNotFound, err, "account not found"), nil
	}
	zap.L().Error("account store error",
		zap.String("component", "failover"),
		zap.String("account_id", id),
		zap.Error(err),
	)
	return nil, eris.Wrapf(err, "failover: account %s", id)
}

// GetAccountStatus returns the current record for id.
func (o *Orchestrator) GetAccountStatus(ctx context.Context, id string) (*model.AccountRecord, error) {
	rec, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "failover: status %s", id)
	}
	return rec, nil
}

// GetAccountHealthMetrics returns the health snapshot for id.
func (o *Orchestrator) GetAccountHealthMetrics(ctx context.Context, id string) (model.HealthSnapshot, error) {
	return o.analyzer.GetAccountHealthMetrics(ctx, id)
}

// AnalyzeAndAdjustStrategy recommends an operating strategy for id and
// paces the account by it.
func (o *Orchestrator) AnalyzeAndAdjustStrategy(ctx context.Context, id string) (model.StrategyRecommendation, error) {
	rec, err := o.analyzer.AnalyzeAndAdjustStrategy(ctx, id)
	if err != nil {
		return rec, err
	}
	if o.pacer != nil {
		o.pacer.Apply(id, rec)
	}
	return rec, nil
}

// RemoveAccount deletes id from the store and drops its pacing and any
// outstanding challenge.
func (o *Orchestrator) RemoveAccount(ctx context.Context, id string) error {
	if err := o.store.Delete(ctx, id); err != nil {
		return eris.Wrapf(err, "failover: remove %s", id)
	}
	if o.pacer != nil {
		o.pacer.Remove(id)
	}
	o.challenges.ClearPending(id)
	zap.L().Info("account removed",
		zap.String("component", "failover"),
		zap.String("account_id", id),
	)
	return nil
}
