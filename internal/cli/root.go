package cli

import (
	"github.com/soyeahso/parley/internal/config"
	"github.com/soyeahso/parley/internal/logging"
	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	logLevel string

	// loaded at init time
	paths config.Paths
	log   *logging.Logger
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "parley",
		Short: "Parley: peer chat and call signaling",
		Long:  "Parley relays chat messages and call signaling between peers and negotiates WebRTC media for calls.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			paths, err = config.ResolvePaths()
			if err != nil {
				return err
			}
			if cfgFile != "" {
				paths.Config = cfgFile
			}
			if err := config.LoadEnvFile(paths.Env); err != nil {
				return err
			}

			// Logging settings come from the config file unless overridden.
			level, style := logLevel, ""
			if cfg, err := config.Load(paths.Config); err == nil {
				if level == "" {
					level = cfg.Logging.Level
				}
				style = cfg.Logging.ConsoleStyle
			}
			if level == "" {
				level = "info"
			}
			log = logging.NewConsole(style, level)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.parley/config.yaml)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error, fatal, silent)")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newRelayCmd())
	cmd.AddCommand(newChatCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newStatusCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}
