// File: cmd/root.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/mender/internal/config"
	"github.com/xkilldash9x/mender/internal/observability"
	"github.com/xkilldash9x/mender/internal/service"
)

type contextKey string

const configKey contextKey = "config"

var (
	cfgFile string

	// componentFactory builds the pipeline for run, scan and status. Tests replace it.
	componentFactory service.ComponentFactory = service.NewComponentFactory()
)

// NewRootCommand builds a fresh command tree. Every call returns independent
// flag state.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "mender",
		Short:         "Mender finds, fixes and verifies defects in a source tree.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			config.SetDefaults(v)

			if err := initializeConfig(v); err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "mender"})
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}
			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "mender"})
				return fmt.Errorf("failed to load or validate config: %w", err)
			}

			observability.InitializeLogger(cfg.Logger())
			observability.GetLogger().Debug("Starting mender", zap.String("version", Version))

			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}
	cmd.SetVersionTemplate("mender version {{.Version}}\n")
	cmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml or ~/.mender/config.yaml)")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newScanCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// Execute runs the root command with a signal-aware context.
func Execute(ctx context.Context) error {
	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		if logger := observability.GetLogger(); logger != nil {
			logger.Error("Command execution failed", zap.Error(err))
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

// initializeConfig points viper at the config file and the MENDER_ environment.
func initializeConfig(v *viper.Viper) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		if home, err := homedir.Expand("~/.mender"); err == nil {
			v.AddConfigPath(home)
		}
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("MENDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

// getConfigFromContext returns the configuration loaded by the root command.
func getConfigFromContext(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}
	return cfg, nil
}

// pipelineFlags are the overrides shared by run and scan.
type pipelineFlags struct {
	root      string
	threshold float64
	noFix     bool
}

func (p *pipelineFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&p.root, "root", "r", "", "source tree to analyze (overrides analyzer.root)")
	cmd.Flags().Float64Var(&p.threshold, "threshold", 0, "auto-fix confidence threshold in [0,1] (overrides analyzer.auto_fix_threshold)")
	cmd.Flags().BoolVar(&p.noFix, "no-fix", false, "analyze only; never modify files")
}

// apply writes the flags that were set into cfg and revalidates it.
func (p *pipelineFlags) apply(cmd *cobra.Command, cfg config.Interface) error {
	if p.root != "" {
		cfg.SetAnalyzerRoot(p.root)
	}
	if cmd.Flags().Changed("threshold") {
		cfg.SetAutoFixThreshold(p.threshold)
	}
	if p.noFix {
		cfg.SetRemediationEnabled(false)
	}

	root, err := filepath.Abs(cfg.Analyzer().Root)
	if err != nil {
		return fmt.Errorf("failed to resolve root %q: %w", cfg.Analyzer().Root, err)
	}
	cfg.SetAnalyzerRoot(root)

	if c, ok := cfg.(*config.Config); ok {
		return c.Validate()
	}
	return nil
}
