// File: cmd/status.go
package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/mender/internal/config"
	"github.com/xkilldash9x/mender/internal/models"
	"github.com/xkilldash9x/mender/internal/observability"
	"github.com/xkilldash9x/mender/internal/service"
)

// statusReport summarizes the persisted state.
type statusReport struct {
	Persistent bool                   `json:"persistent"`
	TotalFixes int                    `json:"total_fixes"`
	Files      []string               `json:"files"`
	Patterns   []models.PatternWeight `json:"patterns"`
}

func newStatusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the fix history and learned pattern weights",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			return runStatus(cmd.Context(), cfg, observability.GetLogger(), componentFactory, cmd.OutOrStdout(), asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the status as JSON")
	return cmd
}

func runStatus(ctx context.Context, cfg config.Interface, logger *zap.Logger, factory service.ComponentFactory, out io.Writer, asJSON bool) error {
	components, err := factory.Create(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}
	defer components.Shutdown()

	orch := components.Orchestrator
	if err := orch.Remediator.History().Load(ctx); err != nil {
		return err
	}
	if err := orch.Learner.Load(ctx); err != nil {
		return err
	}

	history := orch.Remediator.History()
	report := statusReport{
		Persistent: components.Store != nil,
		TotalFixes: history.Total(),
		Files:      history.Files(),
		Patterns:   orch.Learner.Weights(),
	}
	if asJSON {
		return writeJSON(out, report)
	}

	if !report.Persistent {
		fmt.Fprintln(out, "No database configured (database.url); nothing is persisted between runs.")
	}
	fmt.Fprintf(out, "Verified fixes: %d across %d files\n", report.TotalFixes, len(report.Files))
	for _, f := range report.Files {
		fmt.Fprintf(out, "  %s (%d)\n", f, len(history.ForFile(f)))
	}
	fmt.Fprintf(out, "Learned patterns: %d\n", len(report.Patterns))
	for _, p := range report.Patterns {
		fmt.Fprintf(out, "  %-24s %.2f  %s\n", p.Code, p.Weight, shortSignature(p.Signature))
	}
	return nil
}

func shortSignature(sig string) string {
	if len(sig) > 12 {
		return sig[:12]
	}
	return sig
}
