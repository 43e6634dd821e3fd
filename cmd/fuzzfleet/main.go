package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fuzzfleet/fuzzfleet/internal/engine"
	"github.com/fuzzfleet/fuzzfleet/internal/queues"
	"github.com/fuzzfleet/fuzzfleet/internal/storage"
	"github.com/fuzzfleet/fuzzfleet/pkg/config"
	"github.com/fuzzfleet/fuzzfleet/pkg/database"
	"github.com/fuzzfleet/fuzzfleet/pkg/logger"
)

var (
	configFile string

	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "fuzzfleet",
	Short: "FuzzFleet fleet orchestrator",
	Long:  "Orchestrates fuzzing jobs, tasks, pools, and nodes: scheduling, liveness, events, and webhooks.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("fuzzfleet %s (commit %s, built %s)\n", Version, GitCommit, BuildTime)
		fmt.Printf("Go version: %s\n", runtime.Version())
		fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func loadConfig() (*config.Config, error) {
	if configFile == "" {
		return config.New(), nil
	}
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		return config.New(), nil
	}
	return config.LoadFile(configFile)
}

func serve() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.New("fuzzfleet", Version)

	db, err := database.New(ctx, database.FromGlobalConfig(cfg))
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()

	store := storage.NewPGStore(db.Pool())
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate storage: %w", err)
	}

	rdb, err := database.NewRedis(ctx, database.RedisFromGlobalConfig(cfg))
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer rdb.Close()

	eng := engine.NewEngine(cfg, store, queues.NewRedisFactory(rdb.Client()), log)
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	addr := fmt.Sprintf("%s:%s",
		cfg.GetOrDefault("server.host", "0.0.0.0"),
		cfg.GetOrDefault("server.port", "8080"))
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      engine.NewServer(eng, log),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("listening on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Infof("received %s, shutting down", sig)
	case err := <-errCh:
		log.Errorf("http server: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf("http shutdown: %v", err)
	}
	if err := eng.Stop(shutdownCtx); err != nil {
		log.Errorf("engine shutdown: %v", err)
	}
	return nil
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "config.yaml", "Path to config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
