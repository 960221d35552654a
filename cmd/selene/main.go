// Command selene runs and operates the Selene orchestration kernel.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/config"
)

var rootCmd = &cobra.Command{
	Use:           "selene",
	Short:         "Selene orchestration kernel",
	Long:          `Selene turns classified requests into ledger-backed work orders and runs them through gated, exactly-once capability steps.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("catalog", "", "catalog directory (overrides SELENE_CATALOG_DIR)")
	rootCmd.PersistentFlags().String("policy", "", "kernel policy file (overrides SELENE_POLICY)")
	rootCmd.AddCommand(serveCmd, catalogCmd, replayCmd, ledgerCmd, auditCmd)
}

// loadConfig reads the environment and applies persistent flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if v, _ := cmd.Flags().GetString("catalog"); v != "" {
		cfg.CatalogDir = v
	}
	if v, _ := cmd.Flags().GetString("policy"); v != "" {
		cfg.PolicyPath = v
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	var h slog.Handler
	if cfg.LogFormat == "text" {
		h = slog.NewTextHandler(os.Stderr, opts)
	} else {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	logger := slog.New(h).With("service", "selene")
	slog.SetDefault(logger)
	return logger
}
