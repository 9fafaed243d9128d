package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"tally/internal/bootstrap"
	"tally/internal/config"
	"tally/internal/logging"
)

// Version is set at build time.
var Version = "dev"

var (
	configPath  string
	logLevel    string
	logFormat   string
	providerKey string
)

var rootCmd = &cobra.Command{
	Use:           "tally",
	Short:         "Ask questions about your receipts",
	Long:          `tally lets a language model answer questions about scanned purchase receipts by querying the receipts database through a small set of safe tools.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "path to a YAML config file (defaults are embedded)")
	pf.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&logFormat, "log-format", "", "log format: text or json")
	pf.StringVarP(&providerKey, "provider", "p", "", "provider key to use instead of the configured default")

	rootCmd.AddCommand(chatCmd, askCmd, serveCmd, mcpCmd, pingCmd, describeCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	return cfg, nil
}

// loadApp builds the application. Logs go to stderr so stdout stays usable
// for answers and the MCP stream.
func loadApp(ctx context.Context) (*bootstrap.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return nil, err
	}
	return bootstrap.New(ctx, cfg, log)
}
