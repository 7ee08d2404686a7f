// Package main is the entry point for the token gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vgrid/tokengate/internal/audit"
	"github.com/vgrid/tokengate/internal/auth/exchange"
	"github.com/vgrid/tokengate/internal/auth/jwks"
	"github.com/vgrid/tokengate/internal/auth/provider"
	"github.com/vgrid/tokengate/internal/auth/session"
	"github.com/vgrid/tokengate/internal/auth/verify"
	"github.com/vgrid/tokengate/internal/config"
	"github.com/vgrid/tokengate/internal/observability"
	"github.com/vgrid/tokengate/internal/ratelimit"
	"github.com/vgrid/tokengate/internal/server"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

const shutdownTimeout = 15 * time.Second

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags()

	if flags.showVersion {
		printVersion()
		return
	}

	logger := initLogger(flags)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting tokengate",
		observability.String("version", version),
		observability.String("config", flags.configPath),
	)

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		logger.Error("failed to load configuration", observability.Error(err))
		os.Exit(1)
	}

	srv, cleanup, err := buildServer(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize gateway", observability.Error(err))
		os.Exit(1)
	}
	defer cleanup()

	run(srv, logger)
}

// parseFlags parses command line flags.
func parseFlags() cliFlags {
	configPath := flag.String("config", getEnvOrDefault("TOKENGATE_CONFIG_PATH", "configs/tokengate.yaml"),
		"Path to configuration file")
	logLevel := flag.String("log-level", getEnvOrDefault("TOKENGATE_LOG_LEVEL", "info"),
		"Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", getEnvOrDefault("TOKENGATE_LOG_FORMAT", "json"),
		"Log format (json, console)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		showVersion: *showVersion,
	}
}

func printVersion() {
	fmt.Printf("tokengate version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

func initLogger(flags cliFlags) observability.Logger {
	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  flags.logLevel,
		Format: flags.logFormat,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// buildServer wires every component from validated configuration. The
// returned cleanup releases limiter and audit resources.
func buildServer(cfg *config.Config, logger observability.Logger) (*server.Server, func(), error) {
	registry, err := provider.NewRegistry(cfg.Providers)
	if err != nil {
		return nil, nil, fmt.Errorf("provider registry: %w", err)
	}

	cache := jwks.NewCache(
		jwks.WithTTL(cfg.JWKS.TTL.Duration()),
		jwks.WithLogger(logger),
		jwks.WithMetrics(jwks.NewMetrics("tokengate")),
	)

	verifier := verify.NewVerifier(cache,
		verify.WithClockSkew(cfg.Verification.ClockSkew.Duration()),
		verify.WithLogger(logger),
		verify.WithMetrics(verify.NewMetrics("tokengate")),
	)

	sessions, err := session.NewIssuer(cfg.SessionConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("session issuer: %w", err)
	}

	limiter, stopLimiter := buildLimiter(cfg, logger)

	auditLogger, err := audit.NewLogger(&cfg.Audit, audit.WithLoggerLogger(logger))
	if err != nil {
		stopLimiter()
		return nil, nil, fmt.Errorf("audit logger: %w", err)
	}

	exchanger := exchange.NewService(registry, verifier, sessions,
		exchange.WithMode(exchange.Mode(cfg.Mode)),
		exchange.WithLimiter(limiter),
		exchange.WithAuditLogger(auditLogger),
		exchange.WithLogger(logger),
	)

	srv := server.New(cfg.ServerConfig(), exchanger,
		server.WithLogger(logger),
		server.WithSessionIssuer(sessions),
	)

	cleanup := func() {
		stopLimiter()
		_ = auditLogger.Close()
	}
	return srv, cleanup, nil
}

func buildLimiter(cfg *config.Config, logger observability.Logger) (ratelimit.Limiter, func()) {
	if !cfg.RateLimit.Enabled {
		return ratelimit.NewNoopLimiter(), func() {}
	}

	if cfg.RateLimit.Store == config.StoreRedis {
		limiter := ratelimit.NewRedisLimiter(
			&ratelimit.RedisConfig{
				Address:  cfg.RateLimit.Redis.Address,
				Password: cfg.RateLimit.Redis.Password,
				DB:       cfg.RateLimit.Redis.DB,
				Prefix:   cfg.RateLimit.Redis.Prefix,
			},
			cfg.RateLimit.Requests,
			cfg.RateLimit.Window.Duration(),
			logger,
		)
		return limiter, func() { _ = limiter.Close() }
	}

	limiter := ratelimit.NewMemoryLimiter(cfg.LimiterConfig(),
		ratelimit.WithLimiterLogger(logger))
	return limiter, limiter.Stop
}

// run starts the server and blocks until a shutdown signal arrives.
func run(srv *server.Server, logger observability.Logger) {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(context.Background())
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", observability.Error(err))
			os.Exit(1)
		}
	case sig := <-sigCh:
		logger.Info("shutdown signal received", observability.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		logger.Error("graceful shutdown failed", observability.Error(err))
		os.Exit(1)
	}
}

func getEnvOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
