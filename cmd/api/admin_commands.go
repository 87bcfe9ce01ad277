package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"frameline/api/internal/auth"
	"frameline/api/internal/config"
	"frameline/api/internal/store"
)

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and print the schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			db, err := store.Open(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("database connection failed: %w", err)
			}
			defer db.Close()

			if err := store.Migrate(cmd.Context(), db); err != nil {
				return fmt.Errorf("migrations failed: %w", err)
			}
			current, err := store.MigrationVersion(cmd.Context(), db)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Schema at version %d\n", current)
			return nil
		},
	}
}

// newTokenCommand mints an access token for local testing; user accounts
// live outside this service.
func newTokenCommand(ctx *commandContext) *cobra.Command {
	var userID string
	var name string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed access token for a user id",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if strings.TrimSpace(userID) == "" {
				return fmt.Errorf("--user is required")
			}
			token, err := auth.IssueToken([]byte(cfg.JWTSecret), strings.TrimSpace(userID), strings.TrimSpace(name), cfg.AccessTTL())
			if err != nil {
				return fmt.Errorf("issue token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "User id to place in the token subject")
	cmd.Flags().StringVar(&name, "name", "", "Display name claim")
	return cmd
}

func newConfigCommand(ctx *commandContext) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration utilities",
	}

	configCmd.AddCommand(&cobra.Command{
		Use:         "sample",
		Short:       "Print an annotated sample configuration",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprint(cmd.OutOrStdout(), config.SampleConfig())
			return nil
		},
	})
	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Listen address: %s\n", cfg.Addr)
			fmt.Fprintf(out, "Review links: default %d days, max %d days\n", cfg.LinkDefaultDays, cfg.LinkMaxDays)
			fmt.Fprintln(out, "Configuration valid")
			return nil
		},
	})

	return configCmd
}
