package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"defi-agents/internal/app"
	"defi-agents/internal/config"
	"defi-agents/internal/logging"
	"defi-agents/internal/storage"
)

var (
	cfgFile   string
	logLevel  string
	appHandle *app.App
)

var rootCmd = &cobra.Command{
	Use:           "defi-agents",
	Short:         "Run DeFi arbitrage, yield, rebalance and risk agents",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if appHandle != nil || cmd.Name() == "version" {
			return nil
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}

		logger := logging.NewLogger(cfg.Logging)
		appHandle = app.NewApp(cfg, logger)
		appHandle.Out = cmd.OutOrStdout()
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level defined in config")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(executionsCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(riskCmd)
	rootCmd.AddCommand(versionCmd)
}

func getApp() *app.App {
	if appHandle == nil {
		panic("application not initialized; PersistentPreRunE not executed")
	}
	return appHandle
}

func parseAgentType(raw string) (*storage.AgentType, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	t, ok := storage.ParseAgentType(strings.ToLower(raw))
	if !ok {
		return nil, fmt.Errorf("invalid --agent-type %q", raw)
	}
	return &t, nil
}

func parseStatus(raw string) (*storage.ExecutionStatus, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	switch s := storage.ExecutionStatus(strings.ToLower(raw)); s {
	case storage.StatusPending, storage.StatusConfirmed, storage.StatusFailed:
		return &s, nil
	default:
		return nil, fmt.Errorf("invalid --status %q", raw)
	}
}
