package cmd

import (
	"fmt"

	"github.com/fzft/go-reactor/config"
	"github.com/fzft/go-reactor/log"
	"github.com/spf13/cobra"
)

// RootOptions holds the flags shared by every command and the config they
// resolve to.
type RootOptions struct {
	ConfigPath string
	LogLevel   string
	LogFile    string

	Config *config.Config
}

// NewRootCommand creates the reactor command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "reactor",
		Short: "reactor - one loop per thread TCP networking",
		Long:  "Echo server, interactive client and load generator built on a multi-reactor event loop.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "YAML config file")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&opts.LogFile, "log-file", "", "append logs to this file instead of stderr")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewClientCommand(opts))
	cmd.AddCommand(NewBenchCommand(opts))
	cmd.AddCommand(NewVersionCommand())

	return cmd
}

// Execute runs the command tree against os.Args.
func Execute() error {
	defer log.Flush()
	return NewRootCommand().Execute()
}

// load reads the config file, applies the global flag overrides and
// initializes logging.
func (o *RootOptions) load(cmd *cobra.Command) error {
	cfg := config.Default()
	if o.ConfigPath != "" {
		var err error
		if cfg, err = config.Load(o.ConfigPath); err != nil {
			return err
		}
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = o.LogLevel
	}
	if cmd.Flags().Changed("log-file") {
		cfg.Log.File = o.LogFile
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if err := log.InitLogger(log.Options{
		Level:       cfg.Log.Level,
		File:        cfg.Log.File,
		Development: cfg.Log.Development,
	}); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	o.Config = cfg
	return nil
}
