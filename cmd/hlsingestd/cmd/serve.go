package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/spf13/cobra"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/jmylchreest/tvarr-hlsingest/internal/api"
	"github.com/jmylchreest/tvarr-hlsingest/internal/config"
	"github.com/jmylchreest/tvarr-hlsingest/internal/httpclient"
	"github.com/jmylchreest/tvarr-hlsingest/internal/ingest"
	"github.com/jmylchreest/tvarr-hlsingest/internal/scheduler"
	"github.com/jmylchreest/tvarr-hlsingest/internal/storage"
	"github.com/jmylchreest/tvarr-hlsingest/internal/version"
)

const tickInterval = 40 * time.Millisecond

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HLS ingest pipeline",
	Long: `Run the HLS ingest pipeline: load sources.txt, drive the worker pool
and per-source playback contexts every tick, persist checkpoints, and
serve the introspection API.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "0.0.0.0", "Introspection API host to bind to")
	serveCmd.Flags().Int("port", 8080, "Introspection API port to listen on")
	serveCmd.Flags().String("sources-file", "sources.txt", "Path to the newline-delimited playlist URL list")
	serveCmd.Flags().String("database", "hlsingestd.db", "Checkpoint database DSN")

	mustBindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	mustBindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	mustBindPFlag("ingest.sources_file", serveCmd.Flags().Lookup("sources-file"))
	mustBindPFlag("database.dsn", serveCmd.Flags().Lookup("database"))
}

func runServe(c *cobra.Command, _ []string) error {
	logger := slog.Default()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	flags := c.Flags()
	if flags.Changed("host") {
		cfg.Server.Host, _ = flags.GetString("host")
	}
	if flags.Changed("port") {
		cfg.Server.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("sources-file") {
		cfg.Ingest.SourcesFile, _ = flags.GetString("sources-file")
	}
	if flags.Changed("database") {
		cfg.Database.DSN, _ = flags.GetString("database")
	}

	db, err := openDatabase(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	checkpoints, err := storage.NewCheckpointStore(db)
	if err != nil {
		return fmt.Errorf("initializing checkpoint store: %w", err)
	}

	if latest, err := checkpoints.Latest(); err != nil {
		logger.Warn("failed to load prior checkpoints", slog.Any("error", err))
	} else if len(latest) > 0 {
		logger.Info("resuming with prior checkpoint history", slog.Int("sources", len(latest)))
	}

	httpClientCfg := httpclient.DefaultConfig()
	httpClientCfg.Timeout = cfg.Ingest.HTTPTimeout
	httpClientCfg.RetryAttempts = cfg.Ingest.RetryAttempts
	httpClientCfg.RetryDelay = cfg.Ingest.RetryDelay
	httpClientCfg.CircuitThreshold = cfg.Ingest.CircuitBreakerThreshold
	httpClientCfg.CircuitTimeout = cfg.Ingest.CircuitBreakerTimeout
	httpClientCfg.Logger = logger
	client := httpclient.New(httpClientCfg)

	controller := ingest.NewController(logger, client)
	defer controller.Stop()

	reload := func() error {
		data, err := os.ReadFile(cfg.Ingest.SourcesFile)
		if err != nil {
			return fmt.Errorf("reading sources file %q: %w", cfg.Ingest.SourcesFile, err)
		}
		controller.LoadSources(data)
		logger.Info("sources loaded",
			slog.Int("count", controller.SourceCount()),
			slog.Uint64("sources_hash", uint64(controller.SourcesHash())))
		return nil
	}

	sched := scheduler.New(logger)
	sched.WatchSourcesFile(cfg.Ingest.SourcesFile, cfg.Scheduler.ScanInterval, reload)
	if err := sched.AddStatsSnapshot(cfg.Scheduler.StatsSnapshotCron, func() {
		snap := controller.Stats()
		logger.Info("cache stats snapshot",
			slog.Uint64("sources_hash", uint64(snap.SourcesHash)),
			slog.Uint64("url_pool_hits", snap.URLPool.Hits),
			slog.Uint64("url_pool_misses", snap.URLPool.Misses),
			slog.Uint64("media_cache_hits", snap.MediaCache.Hits),
			slog.Uint64("media_cache_misses", snap.MediaCache.Misses))
		if err := checkpoints.Save(snap); err != nil {
			logger.Error("saving checkpoints failed", slog.Any("error", err))
		}
	}); err != nil {
		return fmt.Errorf("scheduling stats snapshot: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	tickerDone := make(chan struct{})
	go func() {
		defer close(tickerDone)
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				controller.Tick()
			}
		}
	}()

	apiCfg := api.DefaultConfig()
	apiCfg.Host = cfg.Server.Host
	apiCfg.Port = cfg.Server.Port
	apiCfg.ReadTimeout = cfg.Server.ReadTimeout
	apiCfg.WriteTimeout = cfg.Server.WriteTimeout
	apiCfg.ShutdownTimeout = cfg.Server.ShutdownTimeout

	server := api.NewServer(apiCfg, logger, version.Version, controller, reload)

	logger.Info("starting hlsingestd",
		slog.String("version", version.Version),
		slog.String("sources_file", cfg.Ingest.SourcesFile))

	err = server.ListenAndServe(ctx)
	<-tickerDone
	return err
}

func openDatabase(driver, dsn string) (*gorm.DB, error) {
	gormCfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}

	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		dialector = sqlite.Open(dsn)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", driver, err)
	}
	return db, nil
}
