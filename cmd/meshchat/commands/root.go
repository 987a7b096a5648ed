// Package commands implements the meshchat command line.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"meshchat/config"
	"meshchat/logging"
)

var (
	dataDir     string
	logLevel    string
	logJSON     bool
	metricsAddr string
)

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "meshchat",
		Short:         "Peer-to-peer end-to-end encrypted messaging node",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (default per-user config dir, or $"+config.DataDirEnv+")")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	root.PersistentFlags().BoolVar(&logJSON, "log-json", false, "emit JSON logs")
	root.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address (e.g. 127.0.0.1:9100)")

	root.AddCommand(initCmd(), idCmd(), peerCmd(), groupCmd(), runCmd())
	return root
}

// loadConfig loads the node config and rejects settings the node cannot run with.
func loadConfig() (*config.NodeConfig, string, error) {
	cfg, path, err := config.LoadOrCreate(dataDir)
	if err != nil {
		return nil, "", err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, path, nil
}

func newLogger() (*zap.Logger, error) {
	return logging.New(logLevel, logJSON)
}
