package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ayusman/pluginwarden/internal/app"
	"github.com/ayusman/pluginwarden/internal/config"
	"github.com/ayusman/pluginwarden/internal/logging"
	"github.com/ayusman/pluginwarden/internal/policy"
)

var version = "dev"

// rootOptions carries the persistent flags shared by every command.
type rootOptions struct {
	configPath string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "pluginwarden",
		Short: "Plugin trust, capability and sandbox tooling",
		Long: `pluginwarden decides which plugins may load, with which capabilities,
and runs them in resource-bounded sandboxes. Every decision is audited.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Config file (default: ./pluginwarden.yaml, ~/.pluginwarden/pluginwarden.yaml)")

	rootCmd.AddCommand(
		newHashCmd(),
		newAuditCmd(opts),
		newCheckCmd(opts),
		newVerifyCmd(opts),
		newSignCmd(),
		newKeygenCmd(),
		newLoadCmd(opts),
		newRunCmd(opts),
	)

	return rootCmd
}

func (o *rootOptions) settings() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func (o *rootOptions) logger(cfg *config.Config) (*logrus.Logger, func(), error) {
	logger, cleanup, err := logging.New(cfg.Logger.Logging())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	return logger, cleanup, nil
}

// openApp builds the application. The returned close func must be called.
func (o *rootOptions) openApp(approver policy.Approver) (*app.App, func(), error) {
	cfg, err := o.settings()
	if err != nil {
		return nil, nil, err
	}
	logger, cleanup, err := o.logger(cfg)
	if err != nil {
		return nil, nil, err
	}

	a, err := app.New(app.Config{
		Settings: cfg,
		Approver: approver,
		Logger:   logger,
	})
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	return a, func() {
		if err := a.Close(); err != nil {
			logger.WithError(err).Warn("failed to close store")
		}
		cleanup()
	}, nil
}
