package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"memechat/internal/config"
	"memechat/internal/db"
	"memechat/internal/handlers"
	"memechat/internal/hub"
	"memechat/internal/notify"
	"memechat/internal/services"
	"memechat/internal/store"
)

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDevelopment() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	}
	return zerolog.New(os.Stdout).
		With().
		Timestamp().
		Logger()
}

// Run wires the service together and serves until SIGINT or SIGTERM.
func Run() {
	cfg := config.Load()
	logger := newLogger(cfg)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Init DB
	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()

	logger.Info().Msg("running database migrations...")
	if err := db.Migrate(ctx, pool); err != nil {
		logger.Fatal().Err(err).Msg("migration failed")
	}

	st := store.NewPostgresStore(pool, cfg.NotifyChannel, logger)

	// Alert cache: Redis when configured, process memory otherwise.
	var cache notify.Cache
	if cfg.RedisURL != "" {
		rc, err := notify.NewRedisCache(ctx, cfg.RedisURL, cfg.AlertCacheTTL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer rc.Close()
		logger.Info().Msg("connected to Redis")
		cache = rc
	} else {
		logger.Warn().Msg("REDIS_URL not set, caching alerts in memory")
		cache = notify.NewMemoryCache(cfg.AlertCacheTTL)
	}

	// Services
	tokens := services.NewTokens(cfg.JWTSecret)
	userService := services.NewUserService(pool, tokens)
	chatService := services.NewChatService(st, userService, logger)

	h := hub.New(st, cfg.HistoryWindow, logger)
	if err := h.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start hub")
	}
	agg := notify.NewAggregator(st, cache, logger)
	if err := agg.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start notification aggregator")
	}

	// Fiber App
	app := fiber.New(fiber.Config{DisableStartupMessage: !cfg.IsDevelopment()})

	// Middleware
	app.Use(recover.New())
	app.Use(cors.New())
	app.Use(handlers.RequestLogger(logger))

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	handlers.Register(app, handlers.Deps{
		Chat:   chatService,
		Hub:    h,
		Alerts: agg,
		Tokens: tokens,
		Users:  userService,
		Conns:  handlers.NewConnManager(),
		Logger: logger,
	})

	// Start Server
	go func() {
		logger.Info().Str("port", cfg.Port).Str("env", cfg.Env).Msg("starting chat server")
		if err := app.Listen(":" + cfg.Port); err != nil {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("gracefully shutting down...")
	if err := app.ShutdownWithTimeout(30 * time.Second); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}
	stop()
	logger.Info().Msg("server shutdown complete")
}
