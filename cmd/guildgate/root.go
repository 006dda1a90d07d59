package main

import (
	"context"
	"fmt"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/danmuck/guildgate/internal/config"
	"github.com/danmuck/guildgate/internal/gateway"
	"github.com/danmuck/guildgate/internal/logging"
	"github.com/danmuck/guildgate/internal/protocol"
	"github.com/danmuck/guildgate/internal/shard"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

const defaultConfigPath = "guildgate.toml"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "guildgate",
		Short:         "Real-time chat gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newServeCmd(),
		newConfigCmd(),
		newShardForCmd(),
		newVersionCmd(),
	)
	return root
}

func newServeCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logging.ConfigureRuntime()
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			svc, err := gateway.New(cfg)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			log.Info().Str("config", path).Str("version", version).Msg("guildgate.start")
			return svc.Run(ctx)
		},
	}
	cmd.Flags().StringVarP(&path, "config", "c", defaultConfigPath, "path to the gateway config file")
	return cmd
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Write or check gateway config files",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a config template with development defaults",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := pathArg(args)
			if err := config.WriteTemplate(path, force); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return err
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	validateCmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Load a config file and report the first problem",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := pathArg(args)
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s ok: node=%s shards=%d store=%s\n",
				path, cfg.Gateway.Node, cfg.Shards.Count, cfg.Store.Backend)
			return err
		},
	}

	cmd.AddCommand(initCmd, validateCmd)
	return cmd
}

func pathArg(args []string) string {
	if len(args) == 0 {
		return defaultConfigPath
	}
	return args[0]
}

func newShardForCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shard-for <guild_id> <shard_count>",
		Short: "Print the shard a guild id maps to",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			count, err := strconv.Atoi(args[1])
			if err != nil || count < 1 {
				return fmt.Errorf("shard_count must be a positive integer, got %q", args[1])
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), shard.For(args[0], count))
			return err
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "guildgate %s (protocol v%d)\n", version, protocol.Version)
			return err
		},
	}
}
