package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/account-engine/internal/ban"
	"github.com/sells-group/account-engine/internal/challenge"
	"github.com/sells-group/account-engine/internal/config"
	"github.com/sells-group/account-engine/internal/credential"
	"github.com/sells-group/account-engine/internal/failover"
	"github.com/sells-group/account-engine/internal/health"
	"github.com/sells-group/account-engine/internal/metrics"
	"github.com/sells-group/account-engine/internal/monitoring"
	"github.com/sells-group/account-engine/internal/pacing"
	"github.com/sells-group/account-engine/internal/resilience"
	"github.com/sells-group/account-engine/internal/scheduler"
	"github.com/sells-group/account-engine/internal/store"
	"github.com/sells-group/account-engine/pkg/identity"
	"github.com/sells-group/account-engine/pkg/solver"
)

// engineEnv holds the store, lifecycle components and scheduler needed by
// the serve and accounts commands.
type engineEnv struct {
	Store        store.Store
	Breakers     *resilience.Breakers
	Detector     *ban.Detector
	Recovery     *ban.Recovery
	Credentials  *credential.Manager
	Challenges   *challenge.Mediator
	Analyzer     *health.Analyzer
	Orchestrator *failover.Orchestrator
	Checker      *monitoring.Checker
	Scheduler    *scheduler.Scheduler
}

// Close releases resources held by the engine environment.
func (e *engineEnv) Close() {
	if e.Scheduler != nil {
		e.Scheduler.Stop()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEngine opens and migrates the store, builds the collaborator clients
// and lifecycle components, and registers the background jobs. Callers
// should defer env.Close().
func initEngine(ctx context.Context, mode string) (*engineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	metrics.Init()

	env, err := buildEngine(st, cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return env, nil
}

// buildEngine wires every component on top of st.
func buildEngine(st store.Store, c *config.Config) (*engineEnv, error) {
	rc := c.Resilience
	breakers := resilience.NewBreakers(resilience.BreakerFrom(rc.CircuitFailureThreshold, rc.CircuitCooldownSecs))
	backoff := resilience.BackoffFrom(rc.RetryAttempts, rc.RetryInitialMs, rc.RetryMaxMs, rc.RetryMultiplier, rc.RetryJitter)

	identityClient := identity.NewClient(c.Identity.Key,
		identity.WithBaseURL(c.Identity.BaseURL),
		identity.WithRateLimit(c.Identity.RateLimit, c.Identity.RateBurst),
	)
	solverClient := solver.NewClient(c.Solver.Key,
		solver.WithBaseURL(c.Solver.BaseURL),
		solver.WithRateLimit(c.Solver.RateLimit, c.Solver.RateBurst),
	)
	if c.Identity.Key == "" {
		zap.L().Warn("ACCOUNTS_IDENTITY_KEY not set, identity service calls are unauthenticated")
	}

	healthCfg := health.Config{
		RecentErrorLimit:         c.Health.RecentErrorLimit,
		Alpha:                    c.Health.Alpha,
		ErrorHalfLife:            config.Mins(c.Health.ErrorHalfLifeMins),
		ManualInterventionScore:  c.Health.ManualInterventionScore,
		ManualInterventionStreak: c.Health.ManualInterventionStreak,
		BaselineRequestsPerHour:  c.Strategy.BaselineRequestsPerHour,
		BaselineDelay:            config.Millis(c.Strategy.BaselineDelayMs),
	}

	credBackoff := backoff
	credBackoff.OnRetry = resilience.LogRetries("identity", "refresh")

	env := &engineEnv{
		Store:    st,
		Breakers: breakers,
		Detector: ban.NewDetector(st),
		Recovery: ban.NewRecovery(st, ban.NewIdentityProber(identityClient), breakers.For("identity"), ban.RecoveryConfig{
			Timeout:     config.Secs(c.Recovery.TimeoutSecs),
			Concurrency: c.Recovery.Concurrency,
		}),
		Credentials: credential.NewManager(st, credential.NewIdentityRefresher(identityClient), breakers.For("identity"), credential.Config{
			Lookahead:   config.Mins(c.Credential.LookaheadMins),
			Timeout:     config.Secs(c.Credential.TimeoutSecs),
			Concurrency: c.Credential.Concurrency,
			Backoff:     credBackoff,
		}),
		Challenges: challenge.NewMediator(challenge.NewServiceSolver(solverClient), breakers.For("solver"), challenge.Config{
			TTL:     config.Secs(c.Challenge.TTLSecs),
			Timeout: config.Secs(c.Challenge.TimeoutSecs),
		}),
		Analyzer:  health.NewAnalyzer(st, healthCfg),
		Scheduler: scheduler.New(),
	}

	env.Orchestrator = failover.New(failover.Deps{
		Store:       st,
		Detector:    env.Detector,
		Credentials: env.Credentials,
		Challenges:  env.Challenges,
		Analyzer:    env.Analyzer,
		Pacer:       pacing.New(),
	}, failover.Config{
		Ranking: failover.RankingConfig{
			SuccessWeight:    c.Ranking.SuccessWeight,
			LatencyWeight:    c.Ranking.LatencyWeight,
			RecencyWeight:    c.Ranking.RecencyWeight,
			LatencyReference: config.Millis(c.Ranking.LatencyReferenceMs),
			RecencyHorizon:   config.Mins(c.Ranking.RecencyHorizonMins),
		},
	})

	collector := monitoring.NewCollector(st, healthCfg, config.Mins(c.Monitoring.ExpiringWithinMins))
	env.Checker = monitoring.NewChecker(collector, monitoring.NewAlerter(c.Monitoring), c.Monitoring)

	if err := registerJobs(env, c); err != nil {
		return nil, err
	}
	return env, nil
}

// registerJobs adds the recovery, credential, challenge and monitoring
// cycles to the scheduler.
func registerJobs(env *engineEnv, c *config.Config) error {
	jobs := []scheduler.Job{
		{
			Name:     scheduler.JobRecovery,
			Interval: config.Secs(c.Recovery.IntervalSecs),
			Run: func(ctx context.Context) error {
				_, err := env.Recovery.RunCycle(ctx)
				return err
			},
		},
		{
			Name:     scheduler.JobCredentialRefresh,
			Interval: config.Secs(c.Credential.IntervalSecs),
			Run: func(ctx context.Context) error {
				report, err := env.Credentials.ProactiveRefresh(ctx)
				if err != nil {
					return err
				}
				if report.Failed > 0 {
					return eris.Errorf("credential refresh failed for %d of %d accounts", report.Failed, report.Scanned)
				}
				return nil
			},
		},
		{
			Name:     scheduler.JobChallengePrune,
			Interval: config.Secs(c.Challenge.PruneIntervalSecs),
			Run: func(ctx context.Context) error {
				if n := env.Challenges.Prune(time.Now()); n > 0 {
					zap.L().Debug("pruned expired challenge solutions", zap.Int("count", n))
				}
				return nil
			},
		},
		{
			Name:       scheduler.JobMonitoring,
			Interval:   config.Secs(c.Monitoring.CheckIntervalSecs),
			RunOnStart: true,
			Run: func(ctx context.Context) error {
				_, _, err := env.Checker.Check(ctx)
				return err
			},
		},
	}
	for _, j := range jobs {
		if err := env.Scheduler.Register(j); err != nil {
			return eris.Wrapf(err, "register job %s", j.Name)
		}
	}
	return nil
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "memory":
		return store.NewMemory(), nil
	case "sqlite":
		return store.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}
