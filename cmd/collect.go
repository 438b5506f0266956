package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/naka-gawa/github-stars-tracker/internal/config"
	"github.com/naka-gawa/github-stars-tracker/internal/gateway"
	"github.com/naka-gawa/github-stars-tracker/internal/handler"
	"github.com/naka-gawa/github-stars-tracker/internal/metrics"
	"github.com/naka-gawa/github-stars-tracker/internal/store"
	"github.com/naka-gawa/github-stars-tracker/internal/usecase"
)

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Runs one collection and prints the status response as JSON",
	Long: `Refreshes the star leaderboard and appends the daily commit activity of
every ranked repository. The command prints {"statusCode":..,"message":..}
and exits non-zero when the status is not 200.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup(cmd)
		if err != nil {
			return err
		}
		event, _ := cmd.Flags().GetString("event")
		if !json.Valid([]byte(event)) {
			return fmt.Errorf("--event is not valid JSON: %s", event)
		}

		rec := metrics.NewRecorder()
		h := newHandler(cfg, logger, rec)
		resp := h.Handle(cmd.Context(), json.RawMessage(event))

		out, err := json.Marshal(resp)
		if err != nil {
			return fmt.Errorf("failed to marshal response: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		if resp.StatusCode != 200 {
			return fmt.Errorf("collection finished with status %d", resp.StatusCode)
		}
		return nil
	},
}

// newHandler wires the store, gateway and collector from cfg.
func newHandler(cfg *config.Config, logger *logrus.Logger, rec *metrics.Recorder) *handler.Handler {
	connect := func(ctx context.Context) (store.Conn, error) {
		st, err := store.Connect(ctx, cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.ConnectTimeout, logger,
			store.WithRankingMatch(store.RankingMatch(cfg.Collect.RankingMatch)))
		if err != nil {
			return nil, err
		}
		return st, nil
	}

	newRunner := func(st store.Store, log logrus.FieldLogger) (handler.Runner, error) {
		fetcher, err := gateway.NewGitHubGateway(cfg.GitHub.Token, log,
			gateway.WithBaseURL(cfg.GitHub.APIURL),
			gateway.WithGraphQLURL(cfg.GitHub.GraphQLURL),
			gateway.WithStarThreshold(cfg.GitHub.StarThreshold),
			gateway.WithLeaderboardSize(cfg.GitHub.LeaderboardSize),
			gateway.WithPageSize(cfg.GitHub.PageSize),
			gateway.WithRequestHook(rec.IncAPIRequests),
		)
		if err != nil {
			return nil, err
		}
		return usecase.NewCollector(fetcher, st, log,
			usecase.WithLookbackDays(cfg.Collect.LookbackDays),
			usecase.WithConcurrency(cfg.Collect.Concurrency),
			usecase.WithMetrics(rec),
		), nil
	}

	return handler.New(connect, newRunner, logger, handler.WithMetrics(rec, cfg.Metrics.PushgatewayURL, cfg.Metrics.Job))
}

func init() {
	rootCmd.AddCommand(collectCmd)
	collectCmd.Flags().String("event", "{}", "Invocation payload, logged but otherwise ignored")
}
