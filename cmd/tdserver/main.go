package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tabsdata/scheduler/internal/config"
	"github.com/tabsdata/scheduler/internal/httpapi"
	"github.com/tabsdata/scheduler/internal/materializer"
	"github.com/tabsdata/scheduler/internal/queue"
	"github.com/tabsdata/scheduler/internal/reconciler"
	"github.com/tabsdata/scheduler/internal/scheduler"
	"github.com/tabsdata/scheduler/internal/store/sqlite"
	"github.com/tabsdata/scheduler/internal/telemetry"
	"github.com/tabsdata/scheduler/internal/txpartition"
)

// Version and Build are set via -ldflags at release time; left at their
// zero value in dev builds.
var (
	Version = "dev"
	Build   = "unknown"
)

var (
	configDir     string
	dispatchEvery time.Duration

	rootCmd = &cobra.Command{
		Use:   "tdserver",
		Short: "tdserver - execution planner and dispatch loop for Tabsdata-style pipelines",
		Long:  `tdserver resolves dataflow graphs into executions, materializes runnable function runs, dispatches them to workers over NATS, and reconciles their status callbacks.`,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "print the server version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tdserver version %s (%s)\n", Version, Build)
		},
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "run the scheduler: HTTP surface, embedded NATS queue, and the dispatch/reconcile loop",
		RunE:  runServe,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", ".", "directory holding "+config.FileName)
	serveCmd.Flags().DurationVar(&dispatchEvery, "dispatch-interval", 2*time.Second, "how often the dispatch/unlock cycle runs")

	rootCmd.AddCommand(versionCmd, serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configDir, cmd.Flags())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level := slog.LevelInfo
	if cfg.LogLevel == "debug" {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	shutdownTelemetry, err := telemetry.Init("tdserver")
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	defer func() {
		shutdownCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			log.Error("telemetry shutdown", "error", err)
		}
	}()

	dbPath := cfg.DatabasePath
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(configDir, dbPath)
	}
	db, err := sqlite.Open(ctx, dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	repo := sqlite.NewRepository(db)
	catalog := sqlite.NewCatalog(db)
	history := sqlite.NewHistory(db)

	natsStoreDir := cfg.NATSStoreDir
	if !filepath.IsAbs(natsStoreDir) {
		natsStoreDir = filepath.Join(configDir, natsStoreDir)
	}
	mq, err := queue.Start(queue.Config{Port: cfg.NATSPort, StoreDir: natsStoreDir, Token: cfg.NATSToken})
	if err != nil {
		return fmt.Errorf("start queue: %w", err)
	}
	defer mq.Shutdown()
	log.Info("embedded queue listening", "port", mq.Port())

	callbackURL := func(functionRunID string) string {
		return fmt.Sprintf("http://127.0.0.1:%d/v1/function_runs/callback", cfg.CallbackPort)
	}
	dispatcher := scheduler.New(repo, mq, callbackURL, log)
	rec := reconciler.New(repo)

	planner := httpapi.Planner{
		Catalog: catalog,
		History: history,
		Repo:    repo,
		Mapper:  txpartition.PerFunctionName{},
		FuncInfo: func(ctx context.Context, functionVersionID string) (materializer.FunctionInfo, error) {
			return functionInfoFromCatalog(ctx, catalog, functionVersionID)
		},
	}
	server := httpapi.New(cfg.ListenAddr, cfg.NATSToken, planner, rec, log)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(ctx)
	}()

	ticker := time.NewTicker(dispatchEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return nil
		case err := <-serverErr:
			if err != nil {
				return fmt.Errorf("http server: %w", err)
			}
		case <-ticker.C:
			dispatched, err := dispatcher.Dispatch(ctx)
			if err != nil {
				log.Error("dispatch cycle", "error", err)
			} else if dispatched > 0 {
				log.Info("dispatched runs", "count", dispatched)
			}
			unlocked, rolledBack, err := dispatcher.UnlockWorkerMessages(ctx)
			if err != nil {
				log.Error("unlock cycle", "error", err)
			} else if unlocked+rolledBack > 0 {
				log.Info("unlock cycle", "unlocked", unlocked, "rolled_back", rolledBack)
			}
		}
	}
}

func functionInfoFromCatalog(ctx context.Context, catalog *sqlite.Catalog, functionVersionID string) (materializer.FunctionInfo, error) {
	outputs, err := catalog.OutputsOf(ctx, functionVersionID)
	if err != nil {
		return materializer.FunctionInfo{}, err
	}
	info := materializer.FunctionInfo{FunctionVersionID: functionVersionID}
	for _, o := range outputs {
		info.Outputs = append(info.Outputs, materializer.OutputTable{TableVersionID: o.TableVersionID, OutputPos: o.OutputPos})
	}
	return info, nil
}
