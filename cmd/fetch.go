package main

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/account-engine/internal/challenge"
	"github.com/sells-group/account-engine/internal/failover"
	"github.com/sells-group/account-engine/internal/model"
	"github.com/sells-group/account-engine/internal/signal"
)

const maxFetchBody = 2 << 20

var (
	fetchCandidates []string
	fetchTimeout    time.Duration
)

// fetchResult is what a successful fetch reports back.
type fetchResult struct {
	URL        string `json:"url"`
	StatusCode int    `json:"status_code"`
	Bytes      int    `json:"bytes"`
}

// httpWork builds a work function that GETs url with the account's
// credential and classifies the response into ban, credential and
// challenge signals.
func httpWork(client *http.Client, url string) failover.Work {
	return func(ctx context.Context, acct model.AccountRecord) (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, eris.Wrap(err, "fetch: build request")
		}
		if acct.Credential.Token != "" {
			req.Header.Set("Authorization", "Bearer "+acct.Credential.Token)
		}
		for name, value := range acct.Credential.Cookies {
			req.AddCookie(&http.Cookie{Name: name, Value: value})
		}
		if rec, ok := challenge.FromContext(ctx); ok {
			req.Header.Set("X-Challenge-Solution", rec.Solution.Value)
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, eris.Wrap(err, "fetch: request")
		}
		defer resp.Body.Close() //nolint:errcheck

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody))
		if err != nil {
			return nil, eris.Wrap(err, "fetch: read body")
		}
		if err := signal.Classify(resp, body, time.Now()); err != nil {
			return nil, err
		}
		return fetchResult{URL: url, StatusCode: resp.StatusCode, Bytes: len(body)}, nil
	}
}

var accountsFetchCmd = &cobra.Command{
	Use:   "fetch <url>",
	Short: "Fetch a URL through the failover orchestrator",
	Long:  "Fetches a URL with the best-ranked account, failing over to the next candidate on bans, rejected credentials and unsolvable challenges.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, env *engineEnv) error {
			client := &http.Client{Timeout: fetchTimeout}
			res, err := env.Orchestrator.ExecuteWithFailover(ctx, fetchCandidates, httpWork(client, args[0]))
			if err != nil {
				return err
			}
			if !res.Success {
				zap.L().Warn("fetch failed on every candidate",
					zap.String("url", args[0]),
					zap.Strings("unavailable", res.UnavailableAccounts),
				)
			}
			if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
				return perr
			}
			if res.Success {
				return nil
			}
			if res.Err != nil {
				return res.Err
			}
			return eris.New(res.Error)
		})
	},
}

func init() {
	accountsFetchCmd.Flags().StringSliceVar(&fetchCandidates, "candidates", nil, "candidate account ids in priority order (default: all active, ranked)")
	accountsFetchCmd.Flags().DurationVar(&fetchTimeout, "timeout", 30*time.Second, "per-request timeout")
	accountsCmd.AddCommand(accountsFetchCmd)
}
