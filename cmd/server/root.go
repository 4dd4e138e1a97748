package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/runotepad/backend/internal/config"
	"github.com/runotepad/backend/internal/logger"
)

func newRootCmd() *cobra.Command {
	v := viper.New()
	defaults := config.Default()

	rootCmd := &cobra.Command{
		Use:   "runotepad",
		Short: "Interactive runbook server",
		Long: `Runotepad serves browser terminals. Each WebSocket connection can run
many shell sessions on the host, all behind one access token.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			log, err := logger.New(cfg.LogLevel, os.Stderr)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("addr", defaults.Addr, "listen address")
	flags.StringP("config", "c", defaults.ConfigFile, "config file holding the access token")
	flags.String("log-level", defaults.LogLevel, "log level (trace, debug, info, warn, error)")
	_ = v.BindPFlag("addr", flags.Lookup("addr"))
	_ = v.BindPFlag("config_file", flags.Lookup("config"))
	_ = v.BindPFlag("log_level", flags.Lookup("log-level"))

	rootCmd.AddCommand(&cobra.Command{
		Use:   "token",
		Short: "Print the access token, creating it if needed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cfg.Token)
			return nil
		},
	})

	return rootCmd
}

func loadConfig(v *viper.Viper) (*config.Config, error) {
	config.SetDefaults(v)
	if err := config.ReadFile(v); err != nil {
		return nil, err
	}
	return config.Load(v)
}
