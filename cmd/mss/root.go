package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/LaoMaoBoss/MultiSync-Stats/internal/node"
	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/config"
	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/logger"
	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/parser"
	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/stats"
	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/store"
)

// version is overridden at build time with -ldflags "-X main.version=..."
var version = "dev"

// cli carries the viper instance flags are bound to
type cli struct {
	v          *viper.Viper
	configPath string
}

func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New()}

	root := &cobra.Command{
		Use:   "mss",
		Short: "multi-node player statistics synchronization",
		Long: fmt.Sprintf(`MultiSync-Stats (%s)

Keeps per-player statistics consistent across game server nodes that share
one relational store. Configuration comes from a config file, environment
variables (e.g. SYNC_FLUSH_INTERVAL=2s) and the flags below.`, version),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// load env files
			_ = godotenv.Load(".env")
			_ = godotenv.Load(".env.local")

			flags := cmd.Root().PersistentFlags()
			if err := c.v.BindPFlag("log_level", flags.Lookup("log-level")); err != nil {
				return err
			}
			return c.v.BindPFlag("node.id", flags.Lookup("node-id"))
		},
	}

	root.PersistentFlags().StringVar(&c.configPath, "config", "", "path to a config file (yaml, json or toml)")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().String("node-id", config.DefaultNodeID, "unique identity of this node, used to tie-break conflicts")

	root.AddCommand(c.serveCmd(), c.statsCmd(), c.getCmd(), versionCmd())
	return root
}

func (c *cli) load() (*config.AppConfig, *logger.Logger, error) {
	cfg, err := config.LoadWith(c.v, c.configPath)
	if err != nil {
		return nil, nil, err
	}
	l, err := logger.New(logger.Config{
		Level:       cfg.LogLevel,
		Environment: cfg.Environment,
		ServiceName: cfg.ServiceName,
		NodeID:      cfg.Node.ID,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, l, nil
}

func (c *cli) openStore(ctx context.Context) (store.Backend, *logger.Logger, error) {
	cfg, l, err := c.load()
	if err != nil {
		return nil, nil, err
	}
	s, err := node.OpenStore(ctx, cfg, l)
	if err != nil {
		return nil, nil, err
	}
	return s, l, nil
}

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run a statistics node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, l, err := c.load()
			if err != nil {
				return err
			}
			defer l.Sync()

			l.Info("node initializing", zap.String("env", cfg.Environment), zap.String("version", version))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, err := node.NewService(ctx, cfg, l)
			if err != nil {
				l.Error("failed to initialize node", err)
				return err
			}
			if err := svc.Start(ctx); err != nil {
				l.Error("node stopped with errors", err)
				return err
			}
			l.Info("node stopped")
			return nil
		},
	}
}

func (c *cli) statsCmd() *cobra.Command {
	group := &cobra.Command{
		Use:   "stats",
		Short: "Manage tracked statistics",
	}

	var policy string
	add := &cobra.Command{
		Use:   "add [key]",
		Short: "Track a statistic and expose it as a placeholder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := stats.NormalizeKey(args[0])
			if err != nil {
				return err
			}
			p, err := stats.ParsePolicy(policy)
			if err != nil {
				return err
			}
			s, _, err := c.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			created, err := s.Track(cmd.Context(), key, p)
			if err != nil {
				return err
			}
			if created {
				fmt.Fprintf(cmd.OutOrStdout(), "tracking %s (%s)\n", key, p)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "updated %s (%s)\n", key, p)
			}
			return nil
		},
	}
	add.Flags().StringVar(&policy, "policy", "lww", "merge policy for concurrent updates (lww, max, sum)")

	remove := &cobra.Command{
		Use:   "remove [key]",
		Short: "Stop tracking a statistic; stored values are kept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := stats.NormalizeKey(args[0])
			if err != nil {
				return err
			}
			s, _, err := c.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			removed, err := s.Untrack(cmd.Context(), key)
			if err != nil {
				return err
			}
			if !removed {
				return fmt.Errorf("%s is not tracked", key)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", key)
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List tracked statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, _, err := c.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			tracked, err := s.Tracked(cmd.Context())
			if err != nil {
				return err
			}
			keys := make([]string, 0, len(tracked))
			for k := range tracked {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", k, tracked[k])
			}
			return nil
		},
	}

	group.AddCommand(add, remove, list)
	return group
}

func (c *cli) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get [player] [key]",
		Short: "Read a statistic straight from the store",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			player, err := stats.ParsePlayerID(args[0])
			if err != nil {
				return err
			}
			key, err := stats.NormalizeKey(args[1])
			if err != nil {
				return err
			}
			s, _, err := c.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			set, _, err := s.FetchOne(cmd.Context(), player)
			if err != nil {
				return err
			}
			row, ok := set.Rows[key]
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), parser.FormatValue(0))
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\tversion=%d\torigin=%s\n", parser.FormatValue(row.Value), row.Version, row.Origin)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mss %s\n", version)
		},
	}
}
