// Package main is the entrypoint for the tandem-go server.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/tandemlist/tandem-go/internal/api"
	"github.com/tandemlist/tandem-go/internal/invites"
	"github.com/tandemlist/tandem-go/internal/notify"
	"github.com/tandemlist/tandem-go/internal/partnership"
	"github.com/tandemlist/tandem-go/internal/platform/cache"
	"github.com/tandemlist/tandem-go/internal/platform/config"
	"github.com/tandemlist/tandem-go/internal/platform/server"
	"github.com/tandemlist/tandem-go/internal/ratelimit"
	"github.com/tandemlist/tandem-go/internal/store"
	"github.com/tandemlist/tandem-go/internal/taskreq"

	// Register cache drivers
	_ "github.com/tandemlist/tandem-go/internal/platform/cache/loader"

	// Register store drivers
	_ "github.com/tandemlist/tandem-go/internal/store/memory"
	_ "github.com/tandemlist/tandem-go/internal/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "Path to TOML config file (optional)")
	modeFlag := flag.String("mode", "", "Operating mode: strict or dev (overrides config)")
	listenAddr := flag.String("listen", "", "Listen address (overrides config)")
	publicOrigin := flag.String("public-origin", "", "Public origin for invite links (overrides config)")
	storeDriver := flag.String("store-driver", "", "Store driver: sqlite or memory (overrides config)")
	storeDataDir := flag.String("store-data-dir", "", "Data directory for the sqlite store (overrides config)")
	cacheDriver := flag.String("cache-driver", "", "Cache driver: memory or valkey (overrides config)")
	jwtSecret := flag.String("jwt-secret", "", "HMAC secret for bearer tokens (overrides config)")
	loggingLevel := flag.String("logging-level", "", "Log level: debug, info, warn, error (overrides config)")
	flag.Parse()

	// Bootstrap logger for config loading errors (uses default level)
	bootstrapLogger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(config.LoaderOptions{
		ConfigPath: *configPath,
		ModeFlag:   *modeFlag,
		FlagOverrides: config.FlagOverrides{
			ListenAddr:   listenAddr,
			PublicOrigin: publicOrigin,
			StoreDriver:  storeDriver,
			StoreDataDir: storeDataDir,
			CacheDriver:  cacheDriver,
			JWTSecret:    jwtSecret,
			LoggingLevel: loggingLevel,
		},
		Logger: bootstrapLogger,
	})
	if err != nil {
		bootstrapLogger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("effective configuration", "config", cfg.Redacted())

	st, err := openStore(cfg)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	cacheClient, err := cache.Open(cfg.Cache.Driver, driverOptions(cfg.Cache.Drivers, cfg.Cache.Driver))
	if err != nil {
		logger.Error("failed to open cache", "error", err)
		os.Exit(1)
	}
	defer cacheClient.Close()

	dispatcher := notify.NewLogDispatcher(logger)

	inviteManager := invites.NewManager(st, dispatcher, cfg.PublicHost(), logger)
	partnerManager := partnership.NewManager(st, dispatcher, logger)
	taskWorkflow := taskreq.NewWorkflow(st, dispatcher, logger)

	auth := api.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer, logger)
	handler := api.NewHandler(inviteManager, partnerManager, taskWorkflow, st, logger)

	var inviteLimit api.Middleware
	if cfg.RateLimitEnabled() {
		limiter := ratelimit.New(
			cacheClient,
			int64(cfg.RateLimit.Limit),
			time.Duration(cfg.RateLimit.WindowSeconds)*time.Second,
			nil,
			logger,
		)
		inviteLimit = limiter.Middleware
	}

	requestLogger := func(next http.Handler) http.Handler {
		return server.RequestLoggerMiddleware(logger)(server.AccessLogMiddleware(logger)(next))
	}

	router := api.NewRouter(handler, auth, requestLogger, inviteLimit)

	srv := server.New(cfg, router, logger)
	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Logging.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.Store.Driver == "sqlite" {
		if err := os.MkdirAll(cfg.Store.DataDir, 0o700); err != nil {
			return nil, err
		}
	}

	st, err := store.New(&store.DriverConfig{
		Driver:  cfg.Store.Driver,
		DataDir: cfg.Store.DataDir,
		Options: driverOptions(cfg.Store.Drivers, cfg.Store.Driver),
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := st.Init(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

// driverOptions extracts the per-driver options table, if present.
func driverOptions(drivers map[string]any, name string) map[string]any {
	if drivers == nil {
		return nil
	}
	opts, _ := drivers[name].(map[string]any)
	return opts
}
