package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/forkmeter/forkrisk/internal/config"
	"github.com/forkmeter/forkrisk/internal/contracts"
	"github.com/forkmeter/forkrisk/internal/eventcache"
	"github.com/forkmeter/forkrisk/internal/ledger"
	"github.com/forkmeter/forkrisk/internal/logger"
	"github.com/forkmeter/forkrisk/internal/metrics"
	"github.com/forkmeter/forkrisk/internal/monitor"
	"github.com/forkmeter/forkrisk/internal/publisher"
	"github.com/forkmeter/forkrisk/internal/storage"
	"github.com/forkmeter/forkrisk/internal/telegram"
)

var (
	flagConfig string
	flagMode   string
)

var rootCmd = &cobra.Command{
	Use:   "forkrisk",
	Short: "Estimate the fork risk of the Augur universe from on-chain disputes",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "configs/config.yaml", "Path to configuration file")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run one fork risk calculation and publish the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			os.Exit(run(cmd.Context()))
			return nil
		},
	}
	runCmd.Flags().StringVar(&flagMode, "mode", "", "Scan mode: incremental|full-rebuild (overrides config)")
	rootCmd.AddCommand(runCmd)
}

func main() {
	// A run is not cancellable: it always ends with a published document.
	rootCmd.SilenceUsage = true
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(monitor.ExitUnpublished)
	}
}

// run wires one calculation and returns the process exit code.
func run(ctx context.Context) int {
	fs := afero.NewOsFs()

	cfg, err := config.Load(flagConfig)
	if err != nil {
		return failStartup(fs, nil, fmt.Errorf("failed to load config: %w", err))
	}
	if flagMode != "" {
		cfg.Scan.Mode = flagMode
	}
	if err := cfg.Validate(); err != nil {
		return failStartup(fs, cfg, fmt.Errorf("invalid configuration: %w", err))
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("Configuration loaded from %s (scan mode %s)", flagConfig, cfg.Scan.Mode)

	var opts []monitor.Option

	if cfg.History.Enabled {
		store, err := storage.New(cfg.History.MaxRuns, cfg.History.DBPath)
		if err != nil {
			logger.Warn("Run history disabled: %v", err)
		} else {
			defer func() {
				if err := store.Close(); err != nil {
					logger.Error("Failed to close storage: %v", err)
				}
			}()
			opts = append(opts, monitor.WithHistory(store))
		}
	}

	if cfg.Telegram.Enabled {
		client, err := telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			logger.Warn("Telegram notifications disabled: %v", err)
		} else {
			logger.Info("Telegram client initialized successfully")
			opts = append(opts, monitor.WithNotifier(client))
		}
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	if cfg.Metrics.TextfilePath != "" {
		opts = append(opts, monitor.WithMetrics(metrics.NewRecorder()))
	}

	set, contractsErr := contracts.Load(fs, cfg.Ledger.ContractsPath)
	mon := monitor.New(
		monitor.ConfigFrom(cfg),
		ledger.NewEthDialer(set, cfg.Ledger.CallTimeout, cfg.Ledger.RequestsPerSecond),
		eventcache.NewStore(fs, cfg.Output.CachePath),
		publisher.New(fs, cfg.Output.ResultPath),
		opts...,
	)

	var out *monitor.Outcome
	if contractsErr != nil {
		out = mon.Fail(contractsErr)
	} else {
		out = mon.Run(ctx)
	}

	code := out.ExitCode()
	switch code {
	case monitor.ExitOK:
		logger.Info("Fork risk calculation completed successfully")
	case monitor.ExitFailed:
		logger.Error("Fork risk calculation failed, error state saved to %s", cfg.Output.ResultPath)
	default:
		logger.Error("Failed to save error state: %v", out.PublishErr)
	}
	return code
}

// failStartup publishes the error document when the configuration is unusable. Thresholds
// and logging come from the defaults; the result path is taken from cfg when it names one.
func failStartup(fs afero.Fs, cfg *config.Config, err error) int {
	base := config.Defaults()
	if cfg != nil && cfg.Output.ResultPath != "" {
		base.Output.ResultPath = cfg.Output.ResultPath
	}
	logger.Init(base.Logging.Level, base.Logging.Format)

	mon := monitor.New(monitor.ConfigFrom(base), nil, nil, publisher.New(fs, base.Output.ResultPath))
	out := mon.Fail(err)
	code := out.ExitCode()
	if code == monitor.ExitFailed {
		logger.Error("Configuration unusable, error state saved to %s", base.Output.ResultPath)
	} else {
		logger.Error("Failed to save error state: %v", out.PublishErr)
	}
	return code
}
