package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/account-engine/internal/model"
	"github.com/sells-group/account-engine/internal/scheduler"
	"github.com/sells-group/account-engine/internal/store"
)

var (
	accountsStatus string
	accountsLimit  int
	accountsJSON   bool
	importFile     string
	sweepJobs      []string
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Inspect and manage crawler accounts",
}

// withEngine runs fn against a fully wired engine.
func withEngine(cmd *cobra.Command, fn func(ctx context.Context, env *engineEnv) error) error {
	ctx := cmd.Context()
	env, err := initEngine(ctx, "accounts")
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(ctx, env)
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts, optionally filtered by status",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withEngine(cmd, func(ctx context.Context, env *engineEnv) error {
			filter := store.ListFilter{Limit: accountsLimit}
			if accountsStatus != "" {
				s := model.AccountStatus(accountsStatus)
				if !s.Valid() {
					return eris.Errorf("unknown status %q", accountsStatus)
				}
				filter.Status = s
			}
			recs, err := env.Store.List(ctx, filter)
			if err != nil {
				return eris.Wrap(err, "list accounts")
			}
			if accountsJSON {
				return printJSON(cmd.OutOrStdout(), recs)
			}
			return printAccounts(cmd.OutOrStdout(), recs, time.Now())
		})
	},
}

var accountsStatusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Show an account record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, env *engineEnv) error {
			rec, err := env.Orchestrator.GetAccountStatus(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		})
	},
}

var accountsHealthCmd = &cobra.Command{
	Use:   "health <id>",
	Short: "Show an account's health metrics",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, env *engineEnv) error {
			snap, err := env.Orchestrator.GetAccountHealthMetrics(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), snap)
		})
	},
}

var accountsStrategyCmd = &cobra.Command{
	Use:   "strategy <id>",
	Short: "Recommend an operating strategy for an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, env *engineEnv) error {
			rec, err := env.Orchestrator.AnalyzeAndAdjustStrategy(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		})
	},
}

var accountsRankCmd = &cobra.Command{
	Use:   "rank [id...]",
	Short: "Rank eligible accounts, best first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, env *engineEnv) error {
			ranked, err := env.Orchestrator.RankAccounts(ctx, args)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), ranked)
		})
	},
}

var accountsRecoverCmd = &cobra.Command{
	Use:   "recover <id>",
	Short: "Probe a banned account and re-activate it on success",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, env *engineEnv) error {
			rec, err := env.Recovery.Recover(ctx, args[0])
			if err != nil {
				return err
			}
			zap.L().Info("account recovered", zap.String("account", rec.ID))
			return printJSON(cmd.OutOrStdout(), rec)
		})
	},
}

var accountsRefreshCmd = &cobra.Command{
	Use:   "refresh <id>",
	Short: "Refresh an account's credential",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, env *engineEnv) error {
			rec, err := env.Credentials.RefreshCookies(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		})
	},
}

var accountsSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run background job cycles once and exit",
	Long:  "Runs one cycle of each named job (recovery, credential-refresh, challenge-prune, monitoring). With no --job flag every job runs.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withEngine(cmd, func(ctx context.Context, env *engineEnv) error {
			jobs := sweepJobs
			if len(jobs) == 0 {
				jobs = []string{
					scheduler.JobRecovery,
					scheduler.JobCredentialRefresh,
					scheduler.JobChallengePrune,
					scheduler.JobMonitoring,
				}
			}
			var failed []string
			for _, name := range jobs {
				if err := env.Scheduler.RunOnce(ctx, name); err != nil {
					zap.L().Error("sweep job failed", zap.String("job", name), zap.Error(err))
					failed = append(failed, name)
				}
			}
			if len(failed) > 0 {
				return eris.Errorf("sweep: %s failed", strings.Join(failed, ", "))
			}
			return printJSON(cmd.OutOrStdout(), env.Scheduler.Status())
		})
	},
}

// seedFile is the on-disk format accepted by accounts import.
type seedFile struct {
	Accounts []seedAccount `yaml:"accounts"`
}

type seedAccount struct {
	ID         string           `yaml:"id"`
	Status     string           `yaml:"status"`
	Credential model.Credential `yaml:"credential"`
}

// loadSeed parses a seed file into fresh account records.
func loadSeed(r io.Reader, now time.Time) ([]model.AccountRecord, error) {
	var f seedFile
	if err := yaml.NewDecoder(r).Decode(&f); err != nil {
		return nil, eris.Wrap(err, "decode seed file")
	}

	seen := make(map[string]bool, len(f.Accounts))
	recs := make([]model.AccountRecord, 0, len(f.Accounts))
	for i, a := range f.Accounts {
		if a.ID == "" {
			return nil, eris.Errorf("seed entry %d: id is required", i)
		}
		if seen[a.ID] {
			return nil, eris.Errorf("seed entry %d: duplicate id %s", i, a.ID)
		}
		seen[a.ID] = true

		rec := model.NewAccountRecord(a.ID, a.Credential, now)
		if a.Status != "" {
			s := model.AccountStatus(a.Status)
			if s != model.AccountStatusActive && s != model.AccountStatusUnavailable {
				return nil, eris.Errorf("seed entry %s: status must be active or unavailable", a.ID)
			}
			rec.Status = s
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

var accountsImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Register accounts from a YAML seed file",
	Long:  "Registers every account in the seed file whose id is not already stored. Existing accounts keep their state.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		f, err := os.Open(importFile)
		if err != nil {
			return eris.Wrap(err, "open seed file")
		}
		defer f.Close() //nolint:errcheck

		recs, err := loadSeed(f, time.Now().UTC())
		if err != nil {
			return err
		}

		return withEngine(cmd, func(ctx context.Context, env *engineEnv) error {
			n, err := store.Import(ctx, env.Store, recs)
			if err != nil {
				return eris.Wrapf(err, "import accounts (%d written)", n)
			}
			zap.L().Info("import complete",
				zap.Int("added", n),
				zap.Int("skipped", len(recs)-n),
				zap.String("file", importFile),
			)
			return nil
		})
	},
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printAccounts(w io.Writer, recs []model.AccountRecord, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tSCORE\tSUCCESS\tFAILURE\tBANNED UNTIL")
	for _, r := range recs {
		until := "-"
		if r.BanInfo != nil && r.BanInfo.BannedUntil != nil {
			until = r.BanInfo.BannedUntil.Sub(now).Round(time.Second).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%.1f\t%d\t%d\t%s\n",
			r.ID, r.Status, r.Health.Score, r.Health.SuccessCount, r.Health.FailureCount, until)
	}
	return tw.Flush()
}

func init() {
	accountsListCmd.Flags().StringVar(&accountsStatus, "status", "", "filter by status (active, banned, temporarily_banned, unavailable)")
	accountsListCmd.Flags().IntVar(&accountsLimit, "limit", 0, "max accounts to list (0 = all)")
	accountsListCmd.Flags().BoolVar(&accountsJSON, "json", false, "print full records as JSON")

	accountsImportCmd.Flags().StringVar(&importFile, "file", "", "path to YAML seed file (required)")
	_ = accountsImportCmd.MarkFlagRequired("file")

	accountsSweepCmd.Flags().StringSliceVar(&sweepJobs, "job", nil, "job to run (repeatable)")

	accountsCmd.AddCommand(
		accountsListCmd,
		accountsStatusCmd,
		accountsHealthCmd,
		accountsStrategyCmd,
		accountsRankCmd,
		accountsRecoverCmd,
		accountsRefreshCmd,
		accountsSweepCmd,
		accountsImportCmd,
	)
	rootCmd.AddCommand(accountsCmd)
}
