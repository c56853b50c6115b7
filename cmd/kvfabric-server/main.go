package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	_ "go.uber.org/automaxprocs"

	"github.com/xwxfox/discord-gateway-rpc/internal/auth"
	"github.com/xwxfox/discord-gateway-rpc/internal/bucket"
	"github.com/xwxfox/discord-gateway-rpc/internal/config"
	"github.com/xwxfox/discord-gateway-rpc/internal/monitoring"
	"github.com/xwxfox/discord-gateway-rpc/internal/relay"
	"github.com/xwxfox/discord-gateway-rpc/internal/server"
)

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	bootLogger := monitoring.NewLogger(monitoring.LoggerConfig{Level: "info", Format: "json"})

	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	cfg.LogConfig(logger)

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid KV_REDIS_URL")
	}
	if cfg.RedisDB != 0 {
		redisOpts.DB = cfg.RedisDB
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("Could not reach Redis")
	}

	buckets := bucket.NewManager(bucket.Config{
		Client: rdb,
		Logger: logger,
	})
	if err := buckets.Initialize(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize bucket manager")
	}
	defer buckets.Close()

	var validate auth.ValidateFunc
	switch cfg.AuthMode {
	case "static":
		validate = auth.StaticList(cfg.AuthTokens)
	case "jwt":
		validate = auth.JWT(cfg.JWTSecret)
	default:
		logger.Warn().Msg("Auth mode allow-all accepts every token; do not use in production")
		validate = auth.AllowAll()
	}

	var eventRelay server.EventRelay
	if cfg.NATSUrl != "" {
		r, err := relay.New(relay.Config{URL: cfg.NATSUrl, Logger: logger})
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect cross-node relay")
		}
		eventRelay = r
	}

	srv, err := server.New(server.Options{
		Addr:             cfg.Addr,
		ValidateToken:    validate,
		AdminGate:        auth.NewAdminGate(cfg.AdminTokens),
		Buckets:          buckets,
		Logger:           logger,
		MaxConnections:   cfg.MaxConnections,
		MsgRate:          cfg.MsgRate,
		MsgBurst:         cfg.MsgBurst,
		Relay:            eventRelay,
		HTTPReadTimeout:  cfg.HTTPReadTimeout,
		HTTPWriteTimeout: cfg.HTTPWriteTimeout,
		HTTPIdleTimeout:  cfg.HTTPIdleTimeout,
		ShutdownGrace:    cfg.ShutdownGrace,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create server")
	}

	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start server")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("Shutting down server")
	if err := srv.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("Error during shutdown")
	}
}
