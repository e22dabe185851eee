package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/account-engine/internal/config"
	"github.com/sells-group/account-engine/internal/model"
	"github.com/sells-group/account-engine/internal/scheduler"
	"github.com/sells-group/account-engine/internal/store"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	for _, name := range []string{"serve", "migrate", "accounts"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "account-engine", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestAccountsCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range accountsCmd.Commands() {
		names[c.Name()] = true
	}

	expected := []string{"list", "status", "health", "strategy", "rank", "recover", "refresh", "sweep", "import", "fetch"}
	for _, name := range expected {
		assert.True(t, names[name], "accounts should have subcommand %q", name)
	}
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)

	require.NotNil(t, serveCmd.Flags().Lookup("no-jobs"))
}

func TestImportCommand_RequiresFile(t *testing.T) {
	flag := accountsImportCmd.Flags().Lookup("file")
	require.NotNil(t, flag)
	assert.Contains(t, flag.Annotations, "cobra_annotation_bash_completion_one_required_flag")
}

func TestResolvePort(t *testing.T) {
	assert.Equal(t, 9090, resolvePort(9090, 8080))
	assert.Equal(t, 8080, resolvePort(0, 8080))
}

func TestListenAndServe_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- listenAndServe(ctx, 0, nil) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestLoadSeed(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	in := `
accounts:
  - id: crawler-1
    credential:
      token: abc
      cookies:
        session: xyz
      expires_at: 2026-03-02T00:00:00Z
  - id: crawler-2
    status: unavailable
`
	recs, err := loadSeed(strings.NewReader(in), now)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	assert.Equal(t, "crawler-1", recs[0].ID)
	assert.Equal(t, model.AccountStatusActive, recs[0].Status)
	assert.Equal(t, "xyz", recs[0].Credential.Cookies["session"])
	require.NotNil(t, recs[0].Credential.ExpiresAt)
	assert.True(t, recs[0].Credential.ExpiresAt.Equal(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, 100.0, recs[0].Health.Score)
	assert.Equal(t, now, recs[0].CreatedAt)

	assert.Equal(t, model.AccountStatusUnavailable, recs[1].Status)
}

func TestLoadSeed_Rejects(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"missing id", "accounts:\n  - status: active\n", "id is required"},
		{"duplicate", "accounts:\n  - id: a\n  - id: a\n", "duplicate id a"},
		{"banned status", "accounts:\n  - id: a\n    status: banned\n", "active or unavailable"},
		{"malformed", "accounts: [", "decode seed file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadSeed(strings.NewReader(tt.in), time.Now())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Store:      config.StoreConfig{Driver: "memory"},
		Recovery:   config.RecoveryConfig{IntervalSecs: 30},
		Credential: config.CredentialConfig{IntervalSecs: 300, LookaheadMins: 60},
		Challenge:  config.ChallengeConfig{PruneIntervalSecs: 60},
		Health:     config.HealthConfig{Alpha: 0.2},
		Solver:     config.ClientConfig{BaseURL: "http://127.0.0.1:1"},
		Identity:   config.ClientConfig{BaseURL: "http://127.0.0.1:1"},
		Monitoring: config.MonitoringConfig{CheckIntervalSecs: 300, LookbackWindowHours: 1},
	}
}

func TestBuildEngine_RegistersJobs(t *testing.T) {
	env, err := buildEngine(store.NewMemory(), testConfig())
	require.NoError(t, err)
	defer env.Close()

	status := env.Scheduler.Status()
	names := make([]string, 0, len(status))
	for _, s := range status {
		names = append(names, s.Name)
	}
	assert.ElementsMatch(t, []string{
		scheduler.JobRecovery,
		scheduler.JobCredentialRefresh,
		scheduler.JobChallengePrune,
		scheduler.JobMonitoring,
	}, names)
}

func TestBuildEngine_RejectsZeroInterval(t *testing.T) {
	c := testConfig()
	c.Recovery.IntervalSecs = 0

	_, err := buildEngine(store.NewMemory(), c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), scheduler.JobRecovery)
}

func TestBuildEngine_SweepEmptyPool(t *testing.T) {
	env, err := buildEngine(store.NewMemory(), testConfig())
	require.NoError(t, err)
	defer env.Close()

	ctx := context.Background()
	for _, name := range []string{
		scheduler.JobRecovery,
		scheduler.JobCredentialRefresh,
		scheduler.JobChallengePrune,
		scheduler.JobMonitoring,
	} {
		assert.NoError(t, env.Scheduler.RunOnce(ctx, name), name)
	}
	for _, s := range env.Scheduler.Status() {
		assert.Equal(t, 1, s.Runs, s.Name)
	}
}

func TestBuildEngine_ServesAccountOperations(t *testing.T) {
	st := store.NewMemory()
	now := time.Now().UTC()
	_, err := store.Import(context.Background(), st, []model.AccountRecord{
		model.NewAccountRecord("a", model.Credential{Token: "t"}, now),
		model.NewAccountRecord("b", model.Credential{Token: "t"}, now),
	})
	require.NoError(t, err)

	env, err := buildEngine(st, testConfig())
	require.NoError(t, err)
	defer env.Close()

	res, err := env.Orchestrator.ExecuteWithFailover(context.Background(), nil,
		func(_ context.Context, acct model.AccountRecord) (any, error) {
			return acct.ID, nil
		})
	require.NoError(t, err)
	assert.True(t, res.Success)

	ranked, err := env.Orchestrator.RankAccounts(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, ranked, 2)
}

func TestPrintAccounts(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	until := now.Add(90 * time.Second)
	banned := model.NewAccountRecord("b", model.Credential{}, now)
	banned.Status = model.AccountStatusTemporarilyBanned
	banned.BanInfo = &model.BanInfo{Reason: "Rate limit exceeded", DetectedAt: now, BannedUntil: &until}

	var buf bytes.Buffer
	require.NoError(t, printAccounts(&buf, []model.AccountRecord{
		model.NewAccountRecord("a", model.Credential{}, now),
		banned,
	}, now))

	out := buf.String()
	assert.Contains(t, out, "BANNED UNTIL")
	assert.Contains(t, out, "temporarily_banned")
	assert.Contains(t, out, "1m30s")
}
