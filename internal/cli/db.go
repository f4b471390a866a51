package cli

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"proofmark/api/internal/store"
	"proofmark/api/internal/versioning"
)

func openStore(ctx context.Context, opts *RootOptions) (*store.DB, *store.SQLStore, error) {
	db, err := store.Open(ctx, opts.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return db, store.NewSQLStore(db), nil
}

func NewMigrateCommand(opts *RootOptions) *cobra.Command {
	var down bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply (or with --down, roll back) database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, _, err := openStore(ctx, opts)
			if err != nil {
				return err
			}
			defer db.Close()

			if down {
				if err := store.RollbackMigrations(ctx, db, opts.MigrationsDir); err != nil {
					return fmt.Errorf("rollback: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "migrations rolled back")
				return nil
			}
			if err := store.ApplyMigrations(ctx, db, opts.MigrationsDir); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "roll back every applied migration")
	return cmd
}

func NewBackfillCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "backfill",
		Short: "Move every pre-versioning proof to revision 1",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, s, err := openStore(ctx, opts)
			if err != nil {
				return err
			}
			defer db.Close()

			migrator := versioning.NewMigrator(versioning.NewLedger(s), s, s)
			created, err := migrator.BackfillAll(ctx)
			if err != nil {
				return fmt.Errorf("backfill stopped after %d proofs: %w", created, err)
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), map[string]int{"created": created})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d proofs moved to revision 1\n", created)
			return nil
		},
	}
}

func NewVersionsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "versions <proofId>",
		Short: "List the revisions of a proof",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, s, err := openStore(ctx, opts)
			if err != nil {
				return err
			}
			defer db.Close()

			if _, err := s.GetProof(ctx, args[0]); err != nil {
				return fmt.Errorf("proof %s: %w", args[0], err)
			}
			versions, err := s.ListVersions(ctx, args[0])
			if err != nil {
				return err
			}
			records := make([]store.VersionRecord, 0, len(versions))
			for _, v := range versions {
				records = append(records, v.Record())
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), records)
			}
			if len(records) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No revisions yet; run backfill.")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "REV\tID\tCREATED\tFILE")
			for _, r := range records {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", r.SequenceNumber, r.ID, r.CreatedAt, r.FileRef)
			}
			return tw.Flush()
		},
	}
}
