// Package server wires the scoring engine, stores and HTTP surface together.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/auditrisk/internal/anomaly"
	"github.com/mbd888/auditrisk/internal/api"
	"github.com/mbd888/auditrisk/internal/baseline"
	"github.com/mbd888/auditrisk/internal/config"
	"github.com/mbd888/auditrisk/internal/engine"
	"github.com/mbd888/auditrisk/internal/entity"
	"github.com/mbd888/auditrisk/internal/feedback"
	"github.com/mbd888/auditrisk/internal/health"
	"github.com/mbd888/auditrisk/internal/history"
	"github.com/mbd888/auditrisk/internal/idgen"
	"github.com/mbd888/auditrisk/internal/logging"
	"github.com/mbd888/auditrisk/internal/metrics"
	"github.com/mbd888/auditrisk/internal/ratelimit"
	"github.com/mbd888/auditrisk/internal/realtime"
	"github.com/mbd888/auditrisk/internal/retry"
	"github.com/mbd888/auditrisk/internal/security"
	"github.com/mbd888/auditrisk/internal/traces"
	"github.com/mbd888/auditrisk/migrations"
)

// Version is reported by health endpoints and traces. Set by ldflags in cmd/server.
var Version = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	engine        *engine.Engine
	history       history.Store
	feedback      *feedback.Service
	realtimeHub   *realtime.Hub
	checks        *health.Registry
	rateLimiter   *ratelimit.Limiter
	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	traceShutdown func(context.Context) error
	drainDelay    time.Duration
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers before
// closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTelEndpoint, Version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.traceShutdown = shutdown

	scoringCfg, err := cfg.ScoringConfig()
	if err != nil {
		return nil, err
	}

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	var (
		aliasStore    entity.AliasStore
		feedbackStore feedback.Store
		snapshot      *baseline.Snapshot
	)
	if cfg.DatabaseURL != "" {
		db, err := s.openDB(ctx)
		if err != nil {
			return nil, err
		}
		s.db = db
		s.history = history.NewPostgresStore(db)
		aliasStore = entity.NewPostgresStore(db)
		feedbackStore = feedback.NewPostgresStore(db)

		snapshot, err = s.loadBaselines(ctx, baseline.NewPostgresStore(db))
		if err != nil {
			return nil, err
		}
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		s.history = history.NewMemoryStore()
		feedbackStore = feedback.NewMemoryStore()

		snapshot, err = baseline.LoadFile(cfg.BaselinesPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load baselines: %w", err)
		}
	}
	s.logger.Info("baselines loaded", "groups", snapshot.Len(), "group_by", scoringCfg.BaselineGroupBy)

	resolver := entity.NewResolver(
		entity.WithMode(entity.Mode(cfg.ResolutionMode)),
		entity.WithThreshold(cfg.ResolutionThreshold),
		entity.WithStore(aliasStore),
		entity.WithLogger(s.logger),
	)
	if err := resolver.Load(ctx); err != nil {
		return nil, fmt.Errorf("failed to load vendor registry: %w", err)
	}

	eng, err := engine.New(snapshot,
		engine.WithConfig(scoringCfg),
		engine.WithResolver(resolver),
		engine.WithModel(s.loadModel()),
		engine.WithHistory(s.history),
		engine.WithFeedback(feedbackStore),
		engine.WithWorkers(cfg.Workers),
		engine.WithTimeout(cfg.ScoreTimeout),
		engine.WithLogger(s.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	s.engine = eng

	s.realtimeHub = realtime.NewHub(s.logger, realtime.WithAllowedOrigins(cfg.CORSOrigins))
	s.feedback = feedback.NewService(feedbackStore, eng, feedback.WithNotifier(s.realtimeHub))

	s.checks = health.NewRegistry()
	s.checks.Register("baselines", health.Baselines(eng.BaselineCount))
	s.checks.Register("anomaly_model", health.Model(eng.ModelInfo))
	s.checks.Register("realtime", health.Realtime(s.realtimeHub.Running))
	if s.db != nil {
		s.checks.Register("database", health.Database(s.db))
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

func (s *Server) openDB(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	policy := retry.StartupPolicy()
	policy.OnRetry = func(attempt int, wait time.Duration, err error) {
		s.logger.Warn("database not ready, retrying", "attempt", attempt, "wait", wait, "error", err)
	}
	if err := retry.Do(ctx, policy, db.PingContext); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))

	if s.cfg.AutoMigrate {
		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
		s.logger.Info("database migrations applied")
	}
	return db, nil
}

// loadBaselines prefers the baseline_profiles table. When it is empty the
// artifact file is loaded and written through so later restarts read the
// table.
func (s *Server) loadBaselines(ctx context.Context, store *baseline.PostgresStore) (*baseline.Snapshot, error) {
	snap, err := store.Load(ctx)
	if err == nil {
		return snap, nil
	}
	if !errors.Is(err, baseline.ErrNoBaselines) {
		return nil, fmt.Errorf("failed to load baselines: %w", err)
	}

	snap, err = baseline.LoadFile(s.cfg.BaselinesPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load baselines: %w", err)
	}
	if err := store.Save(ctx, snap.Profiles()); err != nil {
		s.logger.Warn("failed to seed baseline table", "error", err)
	} else {
		s.logger.Info("seeded baseline table from artifact", "path", s.cfg.BaselinesPath)
	}
	return snap, nil
}

// loadModel returns nil when no model is configured. A configured model
// that cannot be read degrades scoring instead of failing startup.
func (s *Server) loadModel() anomaly.Model {
	if s.cfg.ModelPath == "" {
		s.logger.Warn("no MODEL_PATH set, anomaly detection disabled")
		return nil
	}
	m, err := anomaly.LoadFile(s.cfg.ModelPath)
	if err != nil {
		s.logger.Warn("anomaly model unavailable, scoring degraded", "path", s.cfg.ModelPath, "error", err)
		return anomaly.Unavailable{Reason: err}
	}
	info := m.Info()
	s.logger.Info("anomaly model loaded", "trees", info.Trees, "sample_size", info.SampleSize)
	return m
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(security.RequestSizeMiddleware(security.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.FromRPS(s.cfg.RateLimitRPS))
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = idgen.New()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Debug("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	api.NewHandler(s.engine,
		api.WithHistory(s.history),
		api.WithBroadcaster(s.realtimeHub),
		api.WithAlertThreshold(s.cfg.AlertMinScore),
		api.WithAdminSecret(s.cfg.AdminSecret),
		api.WithLogger(s.logger),
	).RegisterRoutes(v1)
	feedback.NewHandler(s.feedback).RegisterRoutes(v1)
	v1.GET("/info", s.infoHandler)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	switch {
	case !healthy:
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	case health.Degraded(statuses):
		status = "degraded"
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	body := gin.H{
		"status":    "ready",
		"baselines": s.engine.BaselineCount(),
		"model":     s.engine.ModelInfo(),
		"realtime":  s.realtimeHub.Stats(),
	}
	if !s.ready.Load() {
		body["status"] = "not_ready"
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) infoHandler(c *gin.Context) {
	sc := s.engine.Config()
	c.JSON(http.StatusOK, gin.H{
		"name":           "auditrisk",
		"version":        Version,
		"resolutionMode": s.cfg.ResolutionMode,
		"baselineGroups": s.engine.BaselineCount(),
		"groupBy":        sc.BaselineGroupBy,
		"model":          s.engine.ModelInfo(),
		"storage":        s.storageKind(),
	})
}

func (s *Server) storageKind() string {
	if s.db != nil {
		return "postgres"
	}
	return "memory"
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.ScoreTimeout + 10*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "storage", s.storageKind())
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		cancel()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			errs = append(errs, err)
		}
	}

	// Hub closes client connections once its context is cancelled.
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace exporter shutdown error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
			errs = append(errs, err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return errors.Join(errs...)
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
