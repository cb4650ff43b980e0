package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gridline/powermeter/internal/api"
	"github.com/gridline/powermeter/internal/auth"
	"github.com/gridline/powermeter/internal/cache"
	"github.com/gridline/powermeter/internal/circuitbreaker"
	"github.com/gridline/powermeter/internal/deadletter"
	"github.com/gridline/powermeter/internal/logging"
	"github.com/gridline/powermeter/internal/metrics"
	"github.com/gridline/powermeter/internal/mqttpool"
	"github.com/gridline/powermeter/internal/normalizer"
	"github.com/gridline/powermeter/internal/observability"
	"github.com/gridline/powermeter/internal/query"
	"github.com/gridline/powermeter/internal/reading"
	"github.com/gridline/powermeter/internal/retry"
	"github.com/gridline/powermeter/internal/subscriber"
	"github.com/gridline/powermeter/internal/subscription"
)

func serveCmd() *cobra.Command {
	var httpAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion pipeline and HTTP façade",
		Long:  "Boots the MQTT/TCP ingestion workers for every eligible device and serves the owner/admin HTTP façade until a shutdown signal arrives.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("http") {
				cfg.Daemon.HTTPAddr = httpAddr
			}

			logging.Init(cfg.Daemon.LogFormat, cfg.Daemon.LogLevel)

			if err := observability.Init(context.Background(), observability.Config{
				Enabled:     cfg.Tracing.Enabled,
				Exporter:    "otlp-http",
				Endpoint:    cfg.Tracing.Endpoint,
				ServiceName: cfg.Tracing.ServiceName,
				SampleRate:  cfg.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			var m metrics.Metrics = metrics.NoOp{}
			var promHandler http.Handler
			if cfg.Metrics.Enabled {
				pm := metrics.NewPrometheus(cfg.Metrics.Namespace)
				m = pm
				promHandler = pm.Handler()
			}

			ctx := context.Background()
			s, err := openStore(ctx, cfg)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer s.Close()

			var deviceCache cache.Cache
			if cfg.Redis.Enabled {
				l1 := cache.NewInMemoryCache()
				l2 := cache.NewRedisCache(cache.RedisCacheConfig{
					Addr:     cfg.Redis.Addr,
					Password: cfg.Redis.Password,
					DB:       cfg.Redis.DB,
				})
				deviceCache = cache.NewTieredCache(l1, l2, 0)
				defer deviceCache.Close()
			}

			breaker := circuitbreaker.New(circuitbreaker.Config{
				ErrorPct:       cfg.CircuitBreaker.ErrorPct,
				WindowDuration: cfg.CircuitBreaker.WindowDuration,
				OpenDuration:   cfg.CircuitBreaker.OpenDuration,
				HalfOpenProbes: cfg.CircuitBreaker.HalfOpenProbes,
			})
			readingRecorder := reading.NewRecorder(s, m, breaker)
			deadLetters := deadletter.NewRecorder(s, m)
			norm := normalizer.New(readingRecorder, deadLetters)
			registry := subscriber.New(m)

			policy := retry.Policy{
				BaseDelay:   cfg.Retry.BaseDelay,
				MaxDelay:    cfg.Retry.MaxDelay,
				MaxAttempts: cfg.Retry.MaxAttempts,
			}
			pool := mqttpool.New(m, deadLetters,
				mqttpool.WithQueueDepth(cfg.MQTTPool.QueueDepth),
				mqttpool.WithPublishAckTimeout(cfg.MQTTPool.PublishAckTimeout),
				mqttpool.WithRetryPolicy(policy),
			)

			subMgr := subscription.New(s, pool, norm, registry, deadLetters, m, policy)
			if err := subMgr.Startup(ctx); err != nil {
				return fmt.Errorf("subscription startup: %w", err)
			}
			defer subMgr.Shutdown()

			aggregator := query.NewInMemoryAggregator(s, s)

			signer := auth.NewSigner(cfg.Auth.JWTSecret)
			authService := auth.NewService(s, signer, m)

			var httpServer *http.Server
			if cfg.Daemon.HTTPAddr != "" {
				httpServer = api.StartHTTPServer(cfg.Daemon.HTTPAddr, api.ServerConfig{
					Store:        s,
					Pool:         pool,
					Subscription: subMgr,
					Aggregator:   aggregator,
					AuthService:  authService,
					Signer:       signer,
					Metrics:      m,
					Cache:        deviceCache,
					Prometheus:   promHandler,
					StartedAt:    time.Now().UTC(),
				})
				logging.Op().Info("HTTP façade started", "addr", cfg.Daemon.HTTPAddr)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			logging.Op().Info("shutdown signal received")

			if httpServer != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = httpServer.Shutdown(shutdownCtx)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP façade address (overrides config)")
	return cmd
}
