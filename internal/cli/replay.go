package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"proofmark/api/internal/annostore"
	"proofmark/api/internal/apiclient"
	"proofmark/api/internal/interact"
	"proofmark/api/internal/kv"
	"proofmark/api/internal/replay"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	APIBaseURL string
	Token      string
	ProofID    string
	Page       int
	Events     string
	RedisURL   string
}

// ReplayResult is the machine-readable replay summary.
type ReplayResult struct {
	ProofID   string `json:"proofId"`
	Page      int    `json:"page"`
	ReadOnly  bool   `json:"readOnly"`
	Committed int    `json:"committed"`
	Rejected  int    `json:"rejected"`
	Notes     int    `json:"notes"`
}

// NewReplayCommand replays a recorded pointer session against a live proof.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay a recorded pointer session against a proof",
		Long: `Feed a recorded session through the annotation interaction rules and
save the resulting notes to the proof, exactly as the review client would.

Examples:
  proofctl replay --proof prf_123 --events session.json
  proofctl replay --proof prf_123 --token <share token> --page 2 --events session.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.APIBaseURL, "api", rootOpts.cfg.APIBaseURL, "API base URL")
	cmd.Flags().StringVar(&opts.Token, "token", "", "share token (empty = operator)")
	cmd.Flags().StringVar(&opts.ProofID, "proof", "", "proof id (required)")
	cmd.Flags().IntVar(&opts.Page, "page", 0, "page number (overrides the session file)")
	cmd.Flags().StringVar(&opts.Events, "events", "", "session file (required)")
	cmd.Flags().StringVar(&opts.RedisURL, "redis", rootOpts.cfg.RedisURL, "redis URL for the local snapshot cache (empty = in memory)")
	_ = cmd.MarkFlagRequired("proof")
	_ = cmd.MarkFlagRequired("events")

	return cmd
}

func runReplay(cmd *cobra.Command, opts *ReplayOptions) error {
	ctx := cmd.Context()

	file, err := os.Open(opts.Events)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer file.Close()
	script, err := replay.Decode(file)
	if err != nil {
		return err
	}
	if opts.Page > 0 {
		script.Page = opts.Page
	}

	client := apiclient.New(opts.APIBaseURL, opts.Token)
	proof, err := client.GetProof(ctx, opts.ProofID)
	if err != nil {
		return fmt.Errorf("load proof: %w", err)
	}
	script.ReadOnly = script.ReadOnly || proof.ReadOnly

	var snapshots kv.Store = kv.NewMemory()
	if strings.TrimSpace(opts.RedisURL) != "" {
		redisStore, err := kv.NewRedisStore(opts.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer redisStore.Close()
		snapshots = redisStore
	}

	// The cache is keyed by revision so notes never leak across revisions.
	cache, err := annostore.Open(ctx, proof.Version.ID, snapshots, client.Persister(opts.ProofID))
	if err != nil {
		return err
	}
	current, err := client.GetPage(ctx, opts.ProofID, script.Page)
	if err != nil {
		return fmt.Errorf("load page %d: %w", script.Page, err)
	}
	if _, err := cache.Seed(script.Page, current); err != nil {
		return fmt.Errorf("seed page %d: %w", script.Page, err)
	}

	report, err := replay.Run(ctx, script, cache)
	if err != nil {
		return err
	}

	result := ReplayResult{
		ProofID:   opts.ProofID,
		Page:      script.Page,
		ReadOnly:  script.ReadOnly,
		Committed: len(report.Intents),
		Rejected:  report.Failed,
		Notes:     len(cache.Page(script.Page)),
	}
	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), result)
	}
	out := cmd.OutOrStdout()
	if result.ReadOnly {
		fmt.Fprintln(out, "proof is read-only for this token; nothing was changed")
	}
	for _, intent := range report.Intents {
		fmt.Fprintf(out, "%s page %d %s\n", intent.Kind, intent.Page, intentTarget(intent))
	}
	fmt.Fprintf(out, "%d committed, %d rejected, %d notes on page %d\n",
		result.Committed, result.Rejected, result.Notes, result.Page)
	return nil
}

func intentTarget(intent interact.Intent) string {
	if intent.Kind == interact.IntentCreate {
		a := intent.Annotation
		return fmt.Sprintf("%s %s at (%.3f, %.3f) %q", a.Type, a.ID, a.X, a.Y, a.Text)
	}
	return intent.ID
}
