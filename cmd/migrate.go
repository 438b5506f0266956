package cmd

import (
	"github.com/spf13/cobra"

	"github.com/naka-gawa/github-stars-tracker/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Creates the leaderboard and activity tables if they do not exist",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup(cmd)
		if err != nil {
			return err
		}

		st, err := store.Connect(cmd.Context(), cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.ConnectTimeout, logger)
		if err != nil {
			return err
		}
		defer st.Close()

		return st.EnsureSchema(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
