// File: cmd/run.go
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/mender/internal/config"
	"github.com/xkilldash9x/mender/internal/observability"
	"github.com/xkilldash9x/mender/internal/service"
)

func newRunCmd() *cobra.Command {
	var flags pipelineFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline continuously until interrupted",
		Long: `Starts the analyzer, remediator, health monitor and optimizer and keeps
them running. Scans repeat every analyzer.scan_interval. Stop with Ctrl+C.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			if err := flags.apply(cmd, cfg); err != nil {
				return err
			}
			return runDaemon(cmd.Context(), cfg, observability.GetLogger(), componentFactory)
		},
	}
	flags.register(cmd)
	return cmd
}

// runDaemon starts the pipeline and blocks until ctx ends.
func runDaemon(ctx context.Context, cfg config.Interface, logger *zap.Logger, factory service.ComponentFactory) error {
	components, err := factory.Create(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}
	defer components.Shutdown()

	if err := components.Orchestrator.Start(ctx); err != nil {
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}
	logger.Info("Mender is running.",
		zap.String("root", cfg.Analyzer().Root),
		zap.Duration("scan_interval", cfg.Analyzer().ScanInterval),
		zap.Bool("remediation", cfg.Remediation().Enabled))

	<-ctx.Done()
	logger.Info("Shutdown signal received, stopping.")
	return nil
}
