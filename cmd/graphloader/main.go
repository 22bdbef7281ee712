package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hanpama/graphloader/internal/config"
	"github.com/hanpama/graphloader/internal/logging"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		color.New(color.FgRed, color.Bold).Fprint(os.Stderr, "error: ")
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// rootOptions holds the global flags and what PersistentPreRunE derives from
// them.
type rootOptions struct {
	configPath string
	logLevel   string
	logDev     bool

	cfg    *config.Config
	logger *zap.Logger
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "graphloader",
		Short:         "Batching, caching GraphQL gateway with federated subgraphs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Log.Level = opts.logLevel
			}
			if cmd.Flags().Changed("log-dev") {
				cfg.Log.Development = opts.logDev
			}
			logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
			if err != nil {
				return err
			}
			opts.cfg, opts.logger = cfg, logger
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if opts.logger != nil {
				_ = opts.logger.Sync()
			}
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "YAML configuration file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level (debug|info|warn|error)")
	cmd.PersistentFlags().BoolVar(&opts.logDev, "log-dev", false, "human-readable development logging")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newSubgraphCommand(opts))
	cmd.AddCommand(newComposeCommand(opts))
	cmd.AddCommand(newProtoCommand(opts))
	return cmd
}

var (
	okMark   = color.New(color.FgGreen).SprintFunc()
	nameMark = color.New(color.FgCyan, color.Bold).SprintFunc()
)
