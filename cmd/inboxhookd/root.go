package main

import (
	"github.com/spf13/cobra"

	"github.com/austindbirch/inbox_hooks/internal/config"
	"github.com/austindbirch/inbox_hooks/internal/logging"
)

const serviceName = "inbox-hooks"

type rootOptions struct {
	cfgFile  string
	logLevel string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "inboxhookd",
		Short: "Inbox webhook delivery engine",
		Long: `inboxhookd delivers newly created inbox messages to the webhooks users
have registered, signing every request and retrying failures on a fixed
backoff schedule.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "YAML config file merged over the built-in defaults")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override app.log_level (debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(opts),
		newSweepCmd(opts),
		newMigrateCmd(opts),
	)
	return root
}

// load reads configuration and applies logging settings.
func (o *rootOptions) load() (config.Config, *logging.Logger, error) {
	cfg, err := config.Load(o.cfgFile)
	if err != nil {
		return config.Config{}, nil, err
	}
	if o.logLevel != "" {
		cfg.App.LogLevel = o.logLevel
	}
	logging.SetLevel(cfg.App.LogLevel)
	name := cfg.App.Name
	if name == "" {
		name = serviceName
	}
	logging.SetDefaultService(name)
	return cfg, logging.New(name), nil
}
