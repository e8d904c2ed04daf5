package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/gregolly/identity-shield-sdk/gate"
	"github.com/gregolly/identity-shield-sdk/internal/audit"
	"github.com/gregolly/identity-shield-sdk/internal/config"
	"github.com/gregolly/identity-shield-sdk/internal/devicestore"
	"github.com/gregolly/identity-shield-sdk/internal/logging"
	"github.com/gregolly/identity-shield-sdk/internal/metrics"
	"github.com/gregolly/identity-shield-sdk/internal/ratelimit"
	"github.com/gregolly/identity-shield-sdk/internal/tracing"
	"github.com/gregolly/identity-shield-sdk/protocol"
	"github.com/gregolly/identity-shield-sdk/risk"
	"github.com/gregolly/identity-shield-sdk/verifier"
)

func main() {
	// Configuration
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing.Endpoint, cfg.Tracing.Version, logger)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}

	// Known-device history
	var devices devicestore.Store
	if cfg.Redis.URL != "" {
		client, err := devicestore.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			logger.Fatal("redis connection failed", zap.Error(err))
		}
		defer client.Close()
		devices = devicestore.NewRedisStore(client, cfg.Redis.DeviceTTL)
		logger.Info("device history backed by redis")
	} else {
		devices = devicestore.NewMemoryStore(cfg.Redis.DeviceTTL)
		logger.Info("device history in memory (no REDIS_URL set)")
	}

	// High-risk decision events
	var publisher audit.Publisher = audit.Noop{}
	if cfg.Audit.Enabled {
		kp, err := audit.NewKafkaPublisher(cfg.Audit.Kafka, logger)
		if err != nil {
			logger.Fatal("audit publisher init failed", zap.Error(err))
		}
		publisher = kp
		logger.Info("audit events enabled",
			zap.Strings("brokers", cfg.Audit.Kafka.Brokers),
			zap.String("topic", cfg.Audit.Kafka.Topic))
	}

	engine, err := newEngine(cfg.Risk, devices, logger)
	if err != nil {
		logger.Fatal("risk engine init failed", zap.Error(err))
	}

	var signer *protocol.TokenSigner
	if cfg.Token.Secret != "" {
		if signer, err = protocol.NewTokenSigner(cfg.Token.Secret, cfg.Token.TTL); err != nil {
			logger.Fatal("token signer init failed", zap.Error(err))
		}
	} else {
		logger.Warn("decision tokens disabled (no TOKEN_SECRET set)")
	}

	svc := verifier.New(engine,
		verifier.WithDeviceStore(devices),
		verifier.WithPublisher(publisher, cfg.Audit.PublishReview),
		verifier.WithSigner(signer),
		verifier.WithLogger(logger))

	guard := gate.New(svc,
		gate.WithSigner(signer),
		gate.WithTimeout(cfg.Gate.Timeout),
		gate.WithLogger(logger))

	limiter := ratelimit.New(cfg.RateLimit.Window, cfg.RateLimit.MaxRequests)
	stopSweep := sweepEvery(limiter, cfg.RateLimit.Window)
	defer stopSweep()

	r := newRouter(cfg, &server{
		verifier: svc,
		engine:   engine,
		gate:     guard,
		limiter:  limiter,
		logger:   logger,
	})

	// Server
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Graceful shutdown
	go func() {
		logger.Info("identity shield server starting", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	if err := publisher.Close(shutdownCtx); err != nil {
		logger.Error("audit publisher close error", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}
}

// newEngine builds the built-in rules and applies the configured toggles and thresholds
func newEngine(cfg config.RiskConfig, history risk.DeviceHistory, logger *zap.Logger) (*risk.Engine, error) {
	rules, err := risk.Builtins(cfg.Params, history)
	if err != nil {
		return nil, err
	}
	reg, err := risk.NewRegistry(rules...)
	if err != nil {
		return nil, err
	}
	engine := risk.NewEngine(reg, risk.WithEngineLogger(logger))

	th := cfg.Thresholds
	if err := engine.Apply(risk.Update{Rules: cfg.Rules, Thresholds: &th}); err != nil {
		return nil, err
	}
	return engine, nil
}

func newRouter(cfg *config.Config, s *server) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.Server.RequestTimeout))
	r.Use(metrics.Middleware)

	// CORS for browser collectors
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", gate.TokenHeader},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Routes
	r.Get("/health", healthHandler)
	r.Handle("/metrics", metrics.Handler())
	r.With(s.limiter.Middleware).Post(protocol.Path, s.verifyHandler())

	r.Route("/api/config", func(r chi.Router) {
		r.Get("/", s.configHandler())
		r.Put("/rules", s.rulesHandler())
		r.Put("/thresholds", s.thresholdsHandler())
	})

	r.With(s.limiter.Middleware, s.gate.Middleware("checkout")).Post("/api/checkout", checkoutHandler)

	return r
}

// requestLogger logs one line per request and stores a request-scoped logger in the context
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			reqLogger := logger.With(zap.String("request_id", middleware.GetReqID(r.Context())))

			next.ServeHTTP(ww, r.WithContext(logging.WithLogger(r.Context(), reqLogger)))

			reqLogger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("remote", r.RemoteAddr),
				zap.Duration("duration", time.Since(start)))
		})
	}
}

// sweepEvery forgets idle rate-limit keys until the returned stop is called
func sweepEvery(l *ratelimit.Limiter, every time.Duration) func() {
	ticker := time.NewTicker(every)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				l.Sweep()
			case <-done:
				return
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(done)
	}
}
