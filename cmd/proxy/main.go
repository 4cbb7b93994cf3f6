// Command proxy is the entrypoint wiring config, persistence, credential
// pool, token refresh, format registry, provider executors, the request
// pipeline and the HTTP router into a running server (spec §1-§7).
//
// Usage:
//
//	proxy serve                    # start the proxy
//	proxy serve --config cfg.yaml  # use a specific config file
//	proxy version                  # print version info
//	proxy health                   # ping a running instance's /health
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/llmproxy/proxy/internal/admin"
	"github.com/llmproxy/proxy/internal/apikeys"
	"github.com/llmproxy/proxy/internal/config"
	"github.com/llmproxy/proxy/internal/credpool"
	"github.com/llmproxy/proxy/internal/formats"
	"github.com/llmproxy/proxy/internal/httpapi"
	"github.com/llmproxy/proxy/internal/idempotency"
	"github.com/llmproxy/proxy/internal/metrics"
	"github.com/llmproxy/proxy/internal/pipeline"
	"github.com/llmproxy/proxy/internal/providers"
	"github.com/llmproxy/proxy/internal/refresh"
	"github.com/llmproxy/proxy/internal/server"
	"github.com/llmproxy/proxy/internal/store"
	"github.com/llmproxy/proxy/internal/telemetry"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "version":
		printVersion()
	case "health":
		runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	_ = fs.Parse(args)

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	telemetryProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Fatal("failed to init telemetry", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetryProviders.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting proxy",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	st, err := store.Open(store.Config{
		Driver:       cfg.Store.Driver,
		DSN:          filepath.Join(cfg.Store.DataDir, cfg.Store.MachineDSN),
		MaxOpenConns: cfg.Store.MaxOpenConns,
		MaxIdleConns: cfg.Store.MaxIdleConns,
	}, logger)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()

	locker := credpool.NewMemoryLocker()
	pool := credpool.New(st, locker, logger, cfg.Routing.FallbackStrategy, cfg.Routing.StickyRoundRobinLimit)
	refresher := refresh.New(st, refresh.Catalogue, logger)
	registry := formats.DefaultRegistry()
	executors := providers.BuildExecutors(logger)

	pipe := pipeline.New(st, pool, refresher, registry, executors, logger)
	verifier := apikeys.NewVerifier(cfg.Auth.CRCSecret)
	router := httpapi.NewRouter(pipe, st, verifier, executors, cfg.Auth.RequireAPIKey, logger)

	if cfg.Admin.Enabled {
		hub := admin.NewHub(logger)
		pool.WithNotifier(hub)
		pipe.WithNotifier(hub)
		router.Mount("/admin/stream", admin.NewHandler(hub, cfg.Admin.JWTSecret, logger))
	}

	if cfg.Observability.Enabled {
		collector := metrics.NewCollector("llmproxy", logger)
		pipe.WithMetrics(collector)
		router.WithMetrics(collector)
		startMetricsServer(cfg.Observability.MetricsAddr, logger)
	}
	router.WithTracing(cfg.Telemetry.Enabled)

	if cfg.Idempotency.Enabled {
		router.WithIdempotency(buildIdempotencyManager(cfg.Idempotency, logger))
	}

	mgr := server.NewManager(router.Handler(cfg.Server.AllowedOrigins), server.Config{
		Addr:            cfg.Server.Addr,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		MaxHeaderBytes:  cfg.Server.MaxHeaderBytes,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger)

	if err := mgr.Start(); err != nil {
		logger.Fatal("failed to start server", zap.Error(err))
	}

	mgr.WaitForShutdown()
	logger.Info("proxy stopped")
}

// startMetricsServer exposes /metrics on its own listener so Prometheus
// scrapes never compete with the proxy's own request handling.
func startMetricsServer(addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()
	logger.Info("metrics server listening", zap.String("addr", addr))
}

// buildIdempotencyManager prefers Redis when an address is configured, so
// cached responses survive restarts and are shared across replicas; falls
// back to an in-process cache otherwise.
func buildIdempotencyManager(cfg config.IdempotencyConfig, logger *zap.Logger) idempotency.Manager {
	if cfg.RedisAddr == "" {
		return idempotency.NewMemoryManager(logger, 5*time.Minute)
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return idempotency.NewRedisManager(client, cfg.Prefix, logger)
}

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8787", "server address")
	_ = fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "health check failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}
	fmt.Println("OK")
}

func printVersion() {
	fmt.Printf("proxy %s\n", Version)
	fmt.Printf("  build time: %s\n", BuildTime)
	fmt.Printf("  git commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`proxy - multi-provider LLM routing proxy

Usage:
  proxy <command> [options]

Commands:
  serve     start the proxy server
  version   show version information
  health    check a running instance's health
  help      show this help message

Options for 'serve':
  --config <path>   path to configuration file (YAML)`)
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := cfg.Format
	if encoding == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoding = "json"
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      encoding == "console",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapConfig.Build(zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
