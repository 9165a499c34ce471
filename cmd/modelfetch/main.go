package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"modelfetch/internal/config"
)

// Version information - set via ldflags during build.
var Version = "dev"

var (
	configPath string
	logLevel   string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "modelfetch",
		Short:         "Download Stable Diffusion models with live progress",
		Long:          `modelfetch serves a model download endpoint that streams progress over server-sent events, and a client that renders that progress in the terminal.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (default: $"+config.EnvConfigFile+")")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug|info|warn|error")

	root.AddCommand(newServeCmd(), newGetCmd(), newListCmd())
	return root
}

// loadConfig builds the effective configuration: defaults, then the config
// file, then flags that were set explicitly.
func loadConfig(apply func(*config.Config)) (*config.Config, error) {
	cfg := config.New()
	cfg.Version = Version

	path := configPath
	if path == "" {
		path = os.Getenv(config.EnvConfigFile)
	}
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if apply != nil {
		apply(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration: %w", err)
	}
	return cfg, nil
}
