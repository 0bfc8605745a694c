package main

import (
	"fmt"

	"github.com/Sternrassler/github-ingest/pkg/config"
	"github.com/Sternrassler/github-ingest/pkg/logging"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "gh-ingest.yaml"

// rootOptions is shared by every subcommand.
type rootOptions struct {
	configPath string
	logLevel   string
	pretty     bool

	cfg    *config.Config
	logger zerolog.Logger
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "gh-ingest",
		Short:         "Incrementally load GitHub REST collections",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load(cmd)
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "config file path")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error); overrides the config file")
	cmd.PersistentFlags().BoolVar(&opts.pretty, "pretty", false, "human-readable console logs")

	cmd.AddCommand(newRunCmd(opts), newWatermarkCmd(opts))
	return cmd
}

// load reads the config and sets up logging.
func (o *rootOptions) load(cmd *cobra.Command) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}

	if o.logLevel != "" {
		if _, err := logging.ParseLevel(o.logLevel); err != nil {
			return fmt.Errorf("--log-level: %w", err)
		}
		cfg.Logging.Level = o.logLevel
	}
	if cmd.Flags().Changed("pretty") {
		cfg.Logging.Pretty = o.pretty
	}

	lc := cfg.LoggingConfig()
	lc.Output = cmd.ErrOrStderr()
	logging.Setup(lc)

	o.cfg = cfg
	o.logger = logging.NewLogger("cli")
	return nil
}
