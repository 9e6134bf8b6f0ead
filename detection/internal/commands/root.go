// Package commands implements the detection command line.
package commands

import (
	"encoding/json"
	"io"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-detection/common/logging"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/config"
)

var (
	cfgFile  string
	logLevel string
	cfg      *config.Config
	logger   *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "detection",
	Short: "TelHawk detection engine",
	Long: `detection runs detection rules against security events stored in
OpenSearch and writes deduplicated, suppressed alerts.

Run "detection serve" for the scheduled worker, or use the run, plan and
import commands to operate on single rules.`,
	Version:           "0.1.0",
	SilenceUsage:      true,
	PersistentPreRunE: initConfig,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml or /etc/telhawk/detection/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(planCmd)
}

func initConfig(cmd *cobra.Command, _ []string) error {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	logger = logging.NewWithWriter(cmd.ErrOrStderr(), logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format).
		With(logging.Service("detection"))
	logging.SetDefault(logger)
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
