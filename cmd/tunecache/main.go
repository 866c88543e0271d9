// Package main provides the tunecache service entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"tunecache/internal/cache"
	"tunecache/internal/core"
	"tunecache/internal/health"
	httpserver "tunecache/internal/http"
	"tunecache/internal/pipeline"
	"tunecache/internal/provider"
	"tunecache/internal/queue"
	"tunecache/internal/store"
)

const (
	defaultServerHost = "0.0.0.0"
	// failureStoreCapacity bounds how many permanently failed track keys are
	// remembered at once.
	failureStoreCapacity = 10000
)

var (
	cfgFile string
	config  *core.Config
	logger  *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "tunecache",
	Short: "tunecache - resilient audio resolution and caching service",
	Long: `tunecache resolves track identifiers to playable audio URLs across several
unreliable upstream providers, deduplicates concurrent extraction work, and
keeps a bounded on-disk audio cache with LRU eviction.`,
	RunE: runTunecache,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .env)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("cache-dir", "./cache", "directory for cached audio files and the index")
	rootCmd.PersistentFlags().Float64("max-cache-size-gb", 50, "cache budget in gigabytes")
	rootCmd.PersistentFlags().Int("max-concurrent-extractions", 10, "maximum extraction jobs running at once")
	rootCmd.PersistentFlags().Int("retry-count", 2, "retries after a transient resolution failure")
	rootCmd.PersistentFlags().Int("retry-delay-ms", 2000, "delay between resolution retries in milliseconds")
	rootCmd.PersistentFlags().Int("cache-cleanup-interval-ms", 3600000, "cache eviction interval in milliseconds")
	rootCmd.PersistentFlags().Int("failure-ttl-ms", 900000, "how long a permanent failure is remembered in milliseconds")
	rootCmd.PersistentFlags().Int("provider-timeout-ms", 0, "single timeout applied to every provider, overriding the per-provider values (0 keeps them)")
	rootCmd.PersistentFlags().String("engine-url", "", "base URL of the local extraction engine (empty disables it)")
	rootCmd.PersistentFlags().Int("engine-timeout-ms", 30000, "extraction engine request timeout in milliseconds")
	rootCmd.PersistentFlags().StringSlice("relay-mirrors", nil, "comma-separated relay mirror base URLs")
	rootCmd.PersistentFlags().Int("relay-timeout-ms", 8000, "relay request timeout in milliseconds")
	rootCmd.PersistentFlags().String("catalog-url", "", "base URL of the decentralized catalog (empty disables it)")
	rootCmd.PersistentFlags().Int("catalog-timeout-ms", 6000, "catalog request timeout in milliseconds")
	rootCmd.PersistentFlags().String("server-host", defaultServerHost, "HTTP server host")
	rootCmd.PersistentFlags().Int("server-port", 8080, "HTTP server port")

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bind flags: %v\n", err)
		os.Exit(1)
	}
}

func initConfig() {
	// Load .env file explicitly using gotenv
	envFile := ".env"
	if cfgFile != "" {
		envFile = cfgFile
	}

	if err := gotenv.Load(envFile); err != nil {
		// Don't exit if .env file doesn't exist, just warn
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Error loading .env file: %v\n", err)
		}
	}

	// No env prefix: flags map straight to CACHE_DIR, MAX_CACHE_SIZE_GB etc.
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	config = buildConfig()
	logger = buildLogger(config.Log.Level)
}

func buildConfig() *core.Config {
	cfg := core.DefaultConfig()

	configureCache(cfg)
	configureQueue(cfg)
	configureProviders(cfg)
	configureServer(cfg)

	return cfg
}

func configureCache(cfg *core.Config) {
	cfg.Cache.Dir = viper.GetString("cache-dir")
	if cfg.Cache.Dir == "" {
		cfg.Cache.Dir = "./cache"
	}

	cfg.Cache.MaxSizeGB = viper.GetFloat64("max-cache-size-gb")
	if cfg.Cache.MaxSizeGB <= 0 {
		fmt.Fprintf(os.Stderr, "Warning: Invalid cache budget (%v GB), using default (50)\n", cfg.Cache.MaxSizeGB)
		cfg.Cache.MaxSizeGB = 50
	}

	if ms := viper.GetInt("cache-cleanup-interval-ms"); ms > 0 {
		cfg.Cache.CleanupInterval = time.Duration(ms) * time.Millisecond
	}
	if ms := viper.GetInt("failure-ttl-ms"); ms > 0 {
		cfg.Cache.FailureTTL = time.Duration(ms) * time.Millisecond
	}
}

func configureQueue(cfg *core.Config) {
	if n := viper.GetInt("max-concurrent-extractions"); n > 0 {
		cfg.Queue.MaxConcurrentExtractions = n
	}
	if n := viper.GetInt("retry-count"); n >= 0 {
		cfg.Queue.RetryCount = n
	}
	if ms := viper.GetInt("retry-delay-ms"); ms > 0 {
		cfg.Queue.RetryDelay = time.Duration(ms) * time.Millisecond
	}
}

func configureProviders(cfg *core.Config) {
	cfg.Providers.Engine.URL = strings.TrimRight(viper.GetString("engine-url"), "/")
	if ms := viper.GetInt("engine-timeout-ms"); ms > 0 {
		cfg.Providers.Engine.Timeout = time.Duration(ms) * time.Millisecond
	}

	mirrors := viper.GetStringSlice("relay-mirrors")
	cfg.Providers.Relay.Mirrors = cfg.Providers.Relay.Mirrors[:0]
	for _, m := range mirrors {
		m = strings.TrimRight(strings.TrimSpace(m), "/")
		if m != "" {
			cfg.Providers.Relay.Mirrors = append(cfg.Providers.Relay.Mirrors, m)
		}
	}
	if ms := viper.GetInt("relay-timeout-ms"); ms > 0 {
		cfg.Providers.Relay.Timeout = time.Duration(ms) * time.Millisecond
	}

	cfg.Providers.Catalog.URL = strings.TrimRight(viper.GetString("catalog-url"), "/")
	if ms := viper.GetInt("catalog-timeout-ms"); ms > 0 {
		cfg.Providers.Catalog.Timeout = time.Duration(ms) * time.Millisecond
	}

	// PROVIDER_TIMEOUT_MS is a blanket override across all providers.
	if ms := viper.GetInt("provider-timeout-ms"); ms > 0 {
		timeout := time.Duration(ms) * time.Millisecond
		cfg.Providers.Engine.Timeout = timeout
		cfg.Providers.Relay.Timeout = timeout
		cfg.Providers.Catalog.Timeout = timeout
	}
}

func configureServer(cfg *core.Config) {
	cfg.Server.Host = viper.GetString("server-host")
	if cfg.Server.Host == "" {
		cfg.Server.Host = defaultServerHost
	}
	cfg.Server.Port = viper.GetInt("server-port")
	cfg.Log.Level = viper.GetString("log-level")
}

func buildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch strings.ToLower(level) {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	builtLogger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("Failed to build logger: %v", err))
	}

	return builtLogger
}

func runTunecache(_ *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("Starting tunecache",
		zap.String("cacheDir", config.Cache.Dir),
		zap.Float64("cacheBudgetGB", config.Cache.MaxSizeGB),
		zap.Int("maxConcurrentExtractions", config.Queue.MaxConcurrentExtractions),
		zap.Bool("engineConfigured", config.Providers.Engine.URL != ""),
		zap.Int("relayMirrors", len(config.Providers.Relay.Mirrors)),
		zap.Bool("catalogConfigured", config.Providers.Catalog.URL != ""))

	services, err := initializeServices()
	if err != nil {
		return err
	}
	defer services.cache.Close()

	return runServices(ctx, services)
}

type services struct {
	cache      *cache.Store
	queue      *queue.Queue
	monitor    *health.Monitor
	httpServer *httpserver.Server
}

func initializeServices() (*services, error) {
	cacheStore, err := cache.Open(&config.Cache, logger.Named("cache"))
	if err != nil {
		return nil, fmt.Errorf("failed to open cache store: %w", err)
	}

	failures := store.NewFailureStore(failureStoreCapacity, config.Cache.FailureTTL, 0.001)

	providers := []provider.Provider{
		provider.NewEngine(&config.Providers.Engine, logger.Named("engine")),
		provider.NewRelay(&config.Providers.Relay, logger.Named("relay")),
		provider.NewCatalog(&config.Providers.Catalog, logger.Named("catalog")),
	}

	resolutionPipeline := pipeline.New(providers, logger.Named("pipeline"))
	extractionQueue := queue.New(&config.Queue, resolutionPipeline, cacheStore, failures, logger.Named("queue"))
	monitor := health.NewMonitor(providers, logger.Named("health"))
	httpServer := httpserver.NewServer(&config.Server, logger.Named("http"),
		extractionQueue, cacheStore, monitor)

	return &services{
		cache:      cacheStore,
		queue:      extractionQueue,
		monitor:    monitor,
		httpServer: httpServer,
	}, nil
}

func runServices(ctx context.Context, svcs *services) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return svcs.httpServer.Start(gCtx)
	})

	g.Go(func() error {
		svcs.cache.RunJanitor(gCtx)
		return nil
	})

	g.Go(func() error {
		svcs.monitor.Run(gCtx)
		return nil
	})

	logger.Info("tunecache started successfully",
		zap.String("http_addr", fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port)))

	if err := g.Wait(); err != nil {
		logger.Error("tunecache stopped with error", zap.Error(err))
		return err
	}

	logger.Info("tunecache stopped")
	return nil
}
