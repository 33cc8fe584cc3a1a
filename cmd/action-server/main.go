package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sema4ai/actionserver/pkg/api"
	"github.com/sema4ai/actionserver/pkg/artifacts"
	"github.com/sema4ai/actionserver/pkg/bus"
	"github.com/sema4ai/actionserver/pkg/catalog"
	"github.com/sema4ai/actionserver/pkg/config"
	"github.com/sema4ai/actionserver/pkg/envelope"
	"github.com/sema4ai/actionserver/pkg/environment"
	"github.com/sema4ai/actionserver/pkg/guardian"
	"github.com/sema4ai/actionserver/pkg/hooks"
	"github.com/sema4ai/actionserver/pkg/importer"
	"github.com/sema4ai/actionserver/pkg/lifecycle"
	"github.com/sema4ai/actionserver/pkg/lockfile"
	"github.com/sema4ai/actionserver/pkg/log"
	"github.com/sema4ai/actionserver/pkg/pool"
	"github.com/sema4ai/actionserver/pkg/schema"
	"github.com/sema4ai/actionserver/pkg/secrets"
	"github.com/sema4ai/actionserver/pkg/storage"
	"github.com/sema4ai/actionserver/pkg/types"
	"github.com/sema4ai/actionserver/pkg/watcher"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configFile string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "action-server",
	Short: "Action Server - expose user-authored actions as HTTP endpoints and tools",
	Long: `Action Server is a long-running service that exposes user-authored
functions ("actions") as HTTP endpoints and as tools over a
bidirectional tool protocol.

Actions live in packages, each with its own isolated runtime
environment; execution happens in a pool of pre-warmed worker
processes with bounded concurrency and cooperative cancellation.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Action Server version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(envCmd)
}

// loadConfig resolves configuration and initializes logging
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}

	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel, _ = cmd.Flags().GetString("log-level")
	}
	if cmd.Flags().Changed("log-json") {
		cfg.LogJSON, _ = cmd.Flags().GetBool("log-json")
	}

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	return cfg, nil
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the action server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		applyStartFlags(cmd, cfg)
		return runServer(cfg)
	},
}

func init() {
	startCmd.Flags().String("address", "", "Address to bind the HTTP API to")
	startCmd.Flags().String("datadir", "", "Data directory")
	startCmd.Flags().String("packages", "", "Action packages root directory")
	startCmd.Flags().Bool("watch", false, "Reimport packages on filesystem changes")
	startCmd.Flags().Bool("kill-lock-holder", false, "Terminate a prior lock holder instead of waiting")
	startCmd.Flags().Int("min-processes", -1, "Warm worker processes per environment")
	startCmd.Flags().Int("max-processes", -1, "Maximum worker processes per environment")
	startCmd.Flags().Bool("no-reuse-processes", false, "Terminate workers after every run")
	startCmd.Flags().StringSlice("whitelist-packages", nil, "Serve only these package slugs")
	startCmd.Flags().StringSlice("whitelist-actions", nil, "Serve only these action slugs")
}

func applyStartFlags(cmd *cobra.Command, cfg *config.Config) {
	if v, _ := cmd.Flags().GetString("address"); v != "" {
		cfg.Address = v
	}
	if v, _ := cmd.Flags().GetString("datadir"); v != "" {
		cfg.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("packages"); v != "" {
		cfg.PackagesDir = v
	}
	if v, _ := cmd.Flags().GetBool("watch"); v {
		cfg.Watch = true
	}
	if v, _ := cmd.Flags().GetBool("kill-lock-holder"); v {
		cfg.KillLockHolder = true
	}
	if v, _ := cmd.Flags().GetInt("min-processes"); v >= 0 {
		cfg.MinProcesses = v
	}
	if v, _ := cmd.Flags().GetInt("max-processes"); v >= 0 {
		cfg.MaxProcesses = v
	}
	if v, _ := cmd.Flags().GetBool("no-reuse-processes"); v {
		cfg.ReuseProcess = false
	}
	if v, _ := cmd.Flags().GetStringSlice("whitelist-packages"); len(v) > 0 {
		cfg.PackageWhitelist = v
	}
	if v, _ := cmd.Flags().GetStringSlice("whitelist-actions"); len(v) > 0 {
		cfg.ActionWhitelist = v
	}
}

// runServer wires the core and serves until a signal or the parent-pid
// guardian asks for shutdown
func runServer(cfg *config.Config) error {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	lock, err := lockfile.Acquire(cfg.DataDir, cfg.KillLockHolder)
	if err != nil {
		return err
	}
	defer lock.Release()

	store, err := storage.NewSQLiteStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	artStore, err := artifacts.NewStore(cfg.DataDir)
	if err != nil {
		return err
	}

	secretsMgr, err := secrets.NewManager(cfg.DataDir)
	if err != nil {
		return err
	}
	defer secretsMgr.Close()

	builder, err := environment.NewBuilder(environment.Config{
		DataDir:       cfg.DataDir,
		Argv:          cfg.EnvBuilder,
		ContainerHint: cfg.ContainerOptimized,
	})
	if err != nil {
		return err
	}
	defer builder.Close()

	broker := bus.NewBroker(256)
	defer broker.Close()

	cat := catalog.New(
		catalog.Whitelist{Packages: cfg.PackageWhitelist, Actions: cfg.ActionWhitelist},
		func(snap *catalog.Snapshot) {
			broker.Publish(types.TopicCatalog, types.EventCatalogChanged, catalogSummary(snap))
		},
	)
	broker.RegisterSnapshot(func(topic string) (json.RawMessage, bool) {
		if topic != types.TopicCatalog {
			return nil, false
		}
		raw, err := json.Marshal(catalogSummary(cat.Current()))
		if err != nil {
			return nil, false
		}
		return raw, true
	})

	ctx := context.Background()
	if err := cat.Rebuild(ctx, store); err != nil {
		return err
	}

	procPool := pool.New(pool.Config{
		MinProcesses: cfg.MinProcesses,
		MaxProcesses: cfg.MaxProcesses,
		MaxWaiters:   cfg.MaxWaiters,
		ReuseProcess: cfg.ReuseProcess,
		CancelGrace:  cfg.CancelGrace,
		Launcher:     pool.LaunchWorker,
	})

	hook, err := hooks.New(cfg.PostRunCommand)
	if err != nil {
		return err
	}

	manager := lifecycle.NewManager(lifecycle.Config{
		Store:     store,
		Pool:      procPool,
		Artifacts: artStore,
		Codec:     envelope.NewCodec(cfg.DecodedDecryptKeys()),
		Validator: schema.NewValidator(),
		Catalog:   cat,
		Broker:    broker,
		Secrets:   secretsMgr,
		Builder:   builder,
		Hook:      hook,
	})
	if err := manager.Boot(ctx); err != nil {
		return err
	}

	imp := importer.New(store, builder, cat, pool.LaunchWorker)
	if cfg.PackagesDir != "" {
		results, err := imp.ImportAll(ctx, cfg.PackagesDir)
		if err != nil {
			return err
		}
		for _, r := range results {
			if r.Err != nil {
				log.Logger.Warn().Err(r.Err).Str("dir", r.Directory).Msg("Package import failed")
			}
		}
	}

	if cfg.WarmEagerly {
		for _, entry := range cat.Current().Packages {
			if entry.Environment != nil {
				procPool.Warm(entry.Environment)
			}
		}
	}

	var watch *watcher.Watcher
	if cfg.Watch {
		watch, err = watcher.New(cfg.PackagesDir, cfg.WatchDebounce, func(ctx context.Context, dir string) error {
			result := imp.ImportPackage(ctx, dir)
			return result.Err
		})
		if err != nil {
			return err
		}
		watch.Start(ctx)
		defer watch.Stop()
	}

	server := api.NewServer(api.Config{
		Manager: manager,
		Catalog: cat,
		Broker:  broker,
		Secrets: secretsMgr,
		APIKey:  cfg.APIKey,
	})

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	if cfg.ParentPID > 0 {
		g := guardian.New(cfg.ParentPID, func() {
			shutdownCh <- syscall.SIGTERM
		})
		g.Start()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.Address)
	}()

	select {
	case sig := <-shutdownCh:
		log.Logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Logger.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	procPool.Shutdown(cfg.ShutdownGrace)
	return nil
}

// catalogSummary is the payload published on catalog changes
func catalogSummary(snap *catalog.Snapshot) map[string][]string {
	out := map[string][]string{}
	for slug, entry := range snap.Packages {
		names := make([]string, 0, len(entry.Actions))
		for _, a := range entry.Actions {
			names = append(names, a.Name)
		}
		out[slug] = names
	}
	return out
}

var importCmd = &cobra.Command{
	Use:   "import [DIR]",
	Short: "Import action packages without starting the server",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		root := cfg.PackagesDir
		if len(args) == 1 {
			root = args[0]
		}
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}

		lock, err := lockfile.Acquire(cfg.DataDir, cfg.KillLockHolder)
		if err != nil {
			return err
		}
		defer lock.Release()

		store, err := storage.NewSQLiteStore(cfg.DataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		builder, err := environment.NewBuilder(environment.Config{
			DataDir:       cfg.DataDir,
			Argv:          cfg.EnvBuilder,
			ContainerHint: cfg.ContainerOptimized,
		})
		if err != nil {
			return err
		}
		defer builder.Close()

		cat := catalog.New(catalog.Whitelist{}, nil)
		imp := importer.New(store, builder, cat, pool.LaunchWorker)
		results, err := imp.ImportAll(context.Background(), root)
		if err != nil {
			return err
		}

		failed := 0
		for _, r := range results {
			if r.Err != nil {
				failed++
				fmt.Fprintf(os.Stderr, "✗ %s: %v\n", r.Directory, r.Err)
				continue
			}
			fmt.Printf("✓ %s: %d action(s)\n", r.PackageID, r.ActionCount)
			for _, diag := range r.Skipped {
				fmt.Fprintf(os.Stderr, "  skipped: %s\n", diag)
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d package(s) failed to import", failed)
		}
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
		store, err := storage.NewSQLiteStore(cfg.DataDir)
		if err != nil {
			return err
		}
		defer store.Close()
		fmt.Println("Database is up to date")
		return nil
	},
}

var envCmd = &cobra.Command{
	Use:   "env",
	Short: "Manage action environments",
}

var envCleanCachesCmd = &cobra.Command{
	Use:   "clean-caches",
	Short: "Remove environment builder scratch state",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		builder, err := environment.NewBuilder(environment.Config{
			DataDir: cfg.DataDir,
			Argv:    cfg.EnvBuilder,
		})
		if err != nil {
			return err
		}
		defer builder.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := builder.CleanCaches(ctx); err != nil {
			return err
		}
		fmt.Println("Builder caches cleaned")
		return nil
	},
}

func init() {
	envCmd.AddCommand(envCleanCachesCmd)
}
