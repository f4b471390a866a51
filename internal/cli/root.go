// Package cli implements proofctl, the operator command line.
package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"proofmark/api/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Format        string // "json" | "text"
	DatabaseURL   string
	MigrationsDir string
	cfg           config.Config
}

var validFormats = []string{"text", "json"}

// NewRootCommand builds proofctl. Flag defaults come from the same
// environment the API server reads.
func NewRootCommand() *cobra.Command {
	cfg := config.Load()
	opts := &RootOptions{cfg: cfg}

	cmd := &cobra.Command{
		Use:   "proofctl",
		Short: "Operate a Proofmark database and replay review sessions",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range validFormats {
				if f == opts.Format {
					return nil
				}
			}
			return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.DatabaseURL, "db", cfg.DatabaseURL, "database URL (postgres://... or sqlite:path)")
	cmd.PersistentFlags().StringVar(&opts.MigrationsDir, "migrations", cfg.MigrationsDir, "migrations directory")

	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewBackfillCommand(opts))
	cmd.AddCommand(NewVersionsCommand(opts))
	cmd.AddCommand(NewReplayCommand(opts))

	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
