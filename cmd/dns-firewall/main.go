package main

import (
	"fmt"
	"os"

	"dns-firewall/pkg/config"
	"dns-firewall/pkg/logging"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "dns-firewall",
		Short:         "Filtering DNS forwarder with a hot-reloaded blocklist",
		Version:       fmt.Sprintf("%s (built %s)", version, buildTime),
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yml", "Path to configuration file")

	load := func() (*config.Config, *logging.Logger, error) {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return nil, nil, err
		}
		logger, err := logging.New(&cfg.Logging)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
		}
		logging.SetGlobal(logger)
		return cfg, logger, nil
	}

	root.AddCommand(
		newServeCmd(load),
		newUpdateFeedsCmd(load),
		newCheckCmd(load),
		newStatsCmd(load),
	)
	return root
}

// loadConfig reads path, or runs on defaults when the default path is absent
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) && path == "config.yml" {
		return config.LoadWithDefaults(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

type loaderFunc func() (*config.Config, *logging.Logger, error)
