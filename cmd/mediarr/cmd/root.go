// Package cmd implements the CLI commands for mediarr.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/jmylchreest/mediarr/internal/config"
	"github.com/jmylchreest/mediarr/internal/observability"
	"github.com/jmylchreest/mediarr/internal/version"
)

var (
	// cfgFile holds the config file path from CLI flag.
	cfgFile string
	// cfg is loaded once per invocation by PersistentPreRunE.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:     "mediarr",
	Short:   "Adaptive HLS media server",
	Version: version.Short(),
	Long: `mediarr serves a media library over HLS.

Files with a finished or in-progress background transcode are served from
their pre-transcoded assets. Everything else is transcoded on demand with
the best hardware encoder available on the host.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	// Set here rather than in the literal: the closure references rootCmd.
	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
		return initLogging(rootCmd.PersistentFlags())
	}

	// Not bound to viper: a flag only wins when it was explicitly set, so
	// its default never masks env or file values.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml, /etc/mediarr/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (text, json)")
}

// initLogging installs the default logger. Priority: explicit CLI flag,
// then MEDIARR_LOGGING_* env, then config file, then built-in defaults.
func initLogging(flags *pflag.FlagSet) error {
	logCfg := cfg.Logging
	if flags.Changed("log-level") {
		logCfg.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		logCfg.Format, _ = flags.GetString("log-format")
	}
	logCfg.Level = strings.ToLower(logCfg.Level)
	logCfg.Format = strings.ToLower(logCfg.Format)
	if logCfg.Level == "warning" {
		logCfg.Level = "warn"
	}
	switch logCfg.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format %q", logCfg.Format)
	}
	cfg.Logging = logCfg

	observability.SetDefault(observability.NewLoggerWithWriter(logCfg, os.Stderr))
	return nil
}
