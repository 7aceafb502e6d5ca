// File: cmd/scan.go
package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/mender/internal/analyzer"
	"github.com/xkilldash9x/mender/internal/config"
	"github.com/xkilldash9x/mender/internal/models"
	"github.com/xkilldash9x/mender/internal/observability"
	"github.com/xkilldash9x/mender/internal/remediation"
	"github.com/xkilldash9x/mender/internal/service"
)

// scanReport is what one scan prints.
type scanReport struct {
	Summary *analyzer.ScanSummary `json:"summary"`
	Applied int                   `json:"applied"`
	Pending []models.Fix          `json:"pending,omitempty"`
	Status  remediation.Status    `json:"status"`
}

func newScanCmd() *cobra.Command {
	var (
		flags  pipelineFlags
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Analyze the source tree once and apply high-confidence fixes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			if err := flags.apply(cmd, cfg); err != nil {
				return err
			}
			return runScan(cmd.Context(), cfg, observability.GetLogger(), componentFactory, cmd.OutOrStdout(), asJSON)
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

// runScan performs a single pass. Fixes are applied in the foreground once
// the scan completes, unless remediation is disabled, in which case the
// queued fixes are listed instead.
func runScan(ctx context.Context, cfg *config.Config, logger *zap.Logger, factory service.ComponentFactory, out io.Writer, asJSON bool) error {
	apply := cfg.Remediation().Enabled

	// One pass only: no background loops, no background drains. The
	// foreground ProcessQueue below is the only writer.
	cfg.SetRemediationEnabled(false)
	cfg.OptimizerCfg.FixBacklog = 0
	cfg.AnalyzerCfg.ScanInterval = 0
	cfg.LogWatchCfg.Enabled = false
	cfg.OrchestratorCfg.MetricsAddr = ""

	components, err := factory.Create(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}
	defer components.Shutdown()

	orch := components.Orchestrator
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}

	summary, err := orch.Scan(ctx)
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}

	report := scanReport{Summary: summary}
	if apply {
		report.Applied = orch.Remediator.ProcessQueue(ctx)
	} else {
		report.Pending = orch.Remediator.PendingFixes()
	}
	report.Status = orch.Remediator.GetFixStatus()

	if asJSON {
		return writeJSON(out, report)
	}
	writeScanText(out, report)
	return nil
}

func writeJSON(out io.Writer, v interface{}) error {
	enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	return nil
}

func writeScanText(out io.Writer, r scanReport) {
	s := r.Summary
	for _, rep := range s.Reports {
		for _, is := range rep.Issues {
			fmt.Fprintf(out, "%s:%d:%d: %s [%s] %s (confidence %.2f)\n",
				is.File, is.Line, is.Column, is.Severity, is.Code, is.Message, is.Confidence)
		}
	}
	fmt.Fprintf(out, "\nScanned %d files under %s in %s: %d issues, %d errors.\n",
		s.Files, s.Root, s.Duration.Round(time.Millisecond), s.Issues, s.Errors)
	fmt.Fprintf(out, "Fixes: %d forwarded, %d applied, %d pending.\n", s.Forwarded, r.Applied, len(r.Pending))
	for _, f := range r.Pending {
		fmt.Fprintf(out, "  pending %s %s (confidence %.2f)\n", f.Type, f.File, f.Confidence)
	}
}
