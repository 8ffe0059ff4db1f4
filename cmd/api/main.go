package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/dm-gateway/backend/internal/config"
	"github.com/zhouzirui/dm-gateway/backend/internal/handler"
	"github.com/zhouzirui/dm-gateway/backend/internal/handler/gateway"
	"github.com/zhouzirui/dm-gateway/backend/internal/handler/health"
	"github.com/zhouzirui/dm-gateway/backend/internal/service/messaging"
	"github.com/zhouzirui/dm-gateway/backend/internal/service/registry"
	"github.com/zhouzirui/dm-gateway/backend/internal/service/upstream"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 加载 .env 文件
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := newLogger(cfg.Server)
	if envErr != nil {
		logger.Debug().Err(envErr).Msg("no .env file, using system environment only")
	}

	client := &http.Client{Timeout: cfg.Upstream.Timeout}

	verifier := newVerifier(cfg, client, logger)
	store := newMessageStore(cfg, client)
	directory := newDirectory(cfg, client)

	var redisCache *upstream.RedisCache
	if cfg.Redis.Enabled() {
		redisCache, err = upstream.NewRedisCache(ctx, cfg.Redis.URL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisCache.Close()
		directory = upstream.NewCachedDirectory(directory, redisCache, cfg.Redis.CacheTTL, logger)
		logger.Info().Dur("ttl", cfg.Redis.CacheTTL).Msg("recipient directory cache enabled")
	}

	reg := registry.New()
	messagingSvc := messaging.NewService(verifier, directory, store, reg, messaging.Options{
		CallTimeout:     cfg.Upstream.Timeout,
		WriteTimeout:    cfg.Gateway.WriteTimeout,
		CloseSuperseded: cfg.Gateway.CloseSuperseded,
	}, logger)

	gatewayHandler := gateway.New(messagingSvc, gateway.Options{
		MaxConnections: cfg.Gateway.MaxConnections,
		PingInterval:   cfg.Gateway.PingInterval,
		ReadTimeout:    cfg.Gateway.ReadTimeout,
		AllowedOrigins: cfg.Gateway.AllowedOrigins,
	}, logger)

	var pinger health.Pinger
	if redisCache != nil {
		pinger = redisCache
	}
	healthHandler := health.New(reg, gatewayHandler, pinger)

	router := handler.NewRouter(logger, gatewayHandler, healthHandler, cfg.Gateway.AllowedOrigins)

	startServer(ctx, cfg.Server, router, reg, logger)
}

func newLogger(serverCfg config.ServerConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(serverCfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if serverCfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}
	return logger.Level(level)
}

func newVerifier(cfg *config.Config, client *http.Client, logger zerolog.Logger) upstream.IdentityVerifier {
	if cfg.Upstream.Mode == config.UpstreamModeHTTP && cfg.Upstream.AuthURL != "" {
		logger.Info().Str("url", cfg.Upstream.AuthURL).Msg("verifying tokens via auth service")
		return upstream.NewHTTPVerifier(cfg.Upstream.AuthURL, client)
	}
	logger.Info().Str("algorithm", cfg.Auth.JWTAlgorithm).Msg("verifying tokens locally")
	return upstream.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.JWTAlgorithm)
}

func newDirectory(cfg *config.Config, client *http.Client) upstream.Directory {
	if cfg.Upstream.Mode == config.UpstreamModeMemory {
		return upstream.NewMemoryDirectory(cfg.Upstream.MemoryUsers...)
	}
	return upstream.NewHTTPDirectory(cfg.Upstream.UsersURL, client)
}

func newMessageStore(cfg *config.Config, client *http.Client) upstream.MessageStore {
	if cfg.Upstream.Mode == config.UpstreamModeMemory {
		return upstream.NewMemoryMessageStore()
	}
	return upstream.NewHTTPMessageStore(cfg.Upstream.MessagesURL, client)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, reg *registry.Registry, logger zerolog.Logger) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
		// 会话继承信号 context，关闭时能通知已劫持的连接
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	logger.Info().Str("addr", addr).Str("env", serverCfg.Env).Msg("dm gateway listening")
	if err := runServer(ctx, srv, reg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server error")
	}
	logger.Info().Msg("server stopped")
}

func runServer(ctx context.Context, srv *http.Server, reg *registry.Registry, logger zerolog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)

		// Shutdown 不会处理已劫持的连接
		logger.Info().Int("identities", reg.Count()).Msg("closing websocket sessions")
		reg.CloseAll(websocket.CloseGoingAway, "server shutting down")

		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
