package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/atriaconnect/courier/internal/analytics"
	"github.com/atriaconnect/courier/internal/api"
	"github.com/atriaconnect/courier/internal/campaign"
	"github.com/atriaconnect/courier/internal/channel"
	"github.com/atriaconnect/courier/internal/circuitbreaker"
	"github.com/atriaconnect/courier/internal/config"
	"github.com/atriaconnect/courier/internal/metrics"
	"github.com/atriaconnect/courier/internal/observ"
	"github.com/atriaconnect/courier/internal/redis"
	"github.com/atriaconnect/courier/internal/selector"
	"github.com/atriaconnect/courier/internal/store"
	"github.com/atriaconnect/courier/internal/template"
	"github.com/atriaconnect/courier/internal/tracker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting courier gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	ctx := context.Background()

	// Message store: postgres when reachable, in-memory otherwise.
	var st store.Store
	pg, err := store.NewPostgres(ctx, store.PostgresConfig{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		logger.Warn("postgres unavailable, using in-memory store",
			zap.Error(err),
			zap.String("host", cfg.DBHost),
		)
		st = store.NewMemory()
	} else {
		defer pg.Close()
		st = pg
		logger.Info("database connection established",
			zap.String("host", cfg.DBHost),
			zap.String("database", cfg.DBName),
		)
		go func() {
			t := time.NewTicker(30 * time.Second)
			defer t.Stop()
			for range t.C {
				metrics.SetDBConnections(int(pg.Stat().TotalConns()))
			}
		}()
	}

	// Redis for API rate limiting and send dedup.
	var deduper *redis.Deduper
	var rateLimiter *redis.RateLimiter
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, idempotency and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	} else {
		defer redisClient.Close()
		deduper = redis.NewDeduper(redisClient, logger)
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.APIRateLimit,
			Window: cfg.APIRateWindow,
		})
	}

	registry := buildRegistry(cfg, logger)
	logger.Info("channel adapters registered",
		zap.Bool("whatsapp", cfg.WhatsAppEnabled),
		zap.Bool("sms", cfg.SMSEnabled),
		zap.Bool("email", cfg.EmailEnabled),
	)

	sel := selector.New(registry, selector.RuleAdvisor{}, logger)

	tr := tracker.New(st, registry, sel, tracker.Config{
		TickInterval: cfg.QueueTickInterval,
		BatchSize:    cfg.QueueBatchSize,
		RetryDelay:   cfg.QueueRetryDelay,
		ExpireAfter:  cfg.QueueExpireAfter,
	}, logger)

	trackerCtx, trackerCancel := context.WithCancel(context.Background())
	defer trackerCancel()
	go tr.Start(trackerCtx)
	logger.Info("delivery tracker started",
		zap.Duration("tick", cfg.QueueTickInterval),
		zap.Int("batch", cfg.QueueBatchSize),
	)

	renderer := template.NewRenderer()

	dispatcher := campaign.New(
		store.NewSegmentDirectory(st),
		tr,
		renderer,
		st,
		campaign.Config{
			ChunkSize:  cfg.CampaignChunkSize,
			ChunkPause: cfg.CampaignChunkPause,
		},
		logger,
	)

	aggregator := analytics.New(st, logger)

	// Setup router
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	var handler *api.Handler
	if deduper != nil {
		handler = api.NewHandlerWithDedup(logger, tr, dispatcher, aggregator, registry, st, renderer, deduper)
	} else {
		handler = api.NewHandler(logger, tr, dispatcher, aggregator, registry, st, renderer)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.ClientKeyFunc))
		r.Mount("/", handler.Routes())
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 10 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}

// buildRegistry wires the enabled channel adapters, each behind its
// own circuit breaker.
func buildRegistry(cfg *config.Config, logger *zap.Logger) *channel.Registry {
	registry := channel.NewRegistry()

	protect := func(a channel.Adapter) channel.Adapter {
		b := circuitbreaker.New(circuitbreaker.Config{
			Name:            string(a.Name()),
			MaxFailures:     5,
			RecoveryTimeout: 30 * time.Second,
		}, logger)
		return channel.Protect(a, b, logger)
	}

	if cfg.WhatsAppEnabled {
		wa := channel.NewWhatsAppAdapter(channel.WhatsAppConfig{
			PhoneNumberID: cfg.WhatsAppPhoneID,
			AccessToken:   cfg.WhatsAppAccessToken,
			VerifyToken:   cfg.WhatsAppVerifyToken,
		}, nil, logger)
		registry.Register(protect(wa))
	}
	if cfg.SMSEnabled {
		sms := channel.NewSMSAdapter(channel.SMSConfig{
			Provider:   cfg.SMSProvider,
			APIKey:     cfg.SMSAPIKey,
			FromNumber: cfg.SMSFromNumber,
		}, nil, logger)
		registry.Register(protect(sms))
	}
	if cfg.EmailEnabled {
		email := channel.NewEmailAdapter(channel.EmailConfig{
			Provider:  cfg.EmailProvider,
			FromEmail: cfg.EmailFromAddr,
			FromName:  cfg.EmailFromName,
		}, nil, logger)
		registry.Register(protect(email))
	}

	return registry
}
