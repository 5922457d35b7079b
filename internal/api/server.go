package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"equity-screener/config"
	"equity-screener/internal/cache"
	"equity-screener/internal/candidate"
	"equity-screener/internal/circuit"
	"equity-screener/internal/events"
	"equity-screener/internal/logging"
)

// RateLimiter paces requests with one token bucket per key. Each bucket
// holds limit tokens and refills one every window/limit.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	every    rate.Limit
	burst    int
}

// NewRateLimiter allows limit requests per window for each key
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit < 1 {
		limit = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		every:    rate.Every(window / time.Duration(limit)),
		burst:    limit,
	}
}

// Allow checks if a request is allowed for the given key
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	l, ok := r.limiters[key]
	if !ok {
		l = rate.NewLimiter(r.every, r.burst)
		r.limiters[key] = l
	}
	r.mu.Unlock()
	return l.Allow()
}

// RunReader reads persisted runs and candidates
type RunReader interface {
	GetRun(ctx context.Context, idOrKey string) (*candidate.Run, error)
	ListRuns(ctx context.Context, typ candidate.ScreenerType, limit int) ([]*candidate.Run, error)
	LoadCandidates(ctx context.Context, runKey, stage string) ([]*candidate.Candidate, error)
}

// statsReporter is implemented by caches that expose connection stats
type statsReporter interface {
	GetStats() cache.Stats
}

// HealthCheck reports a dependency's health
type HealthCheck func(ctx context.Context) error

// Deps are the server's collaborators. Runs, Cache, Bus, Metrics and
// Breaker may be nil.
type Deps struct {
	Runner  *Runner
	Runs    RunReader
	Cache   cache.Cache
	Bus     *events.EventBus
	Metrics http.Handler
	Breaker *circuit.Breaker
	Health  map[string]HealthCheck
	Logger  *logging.Logger
}

// Server represents the HTTP API server
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	config      config.ServerConfig
	metricsPath string
	deps        Deps
	hub         *WSHub
	rateLimiter *RateLimiter
	logger      *logging.Logger
	startedAt   time.Time
}

// NewServer creates a new API server
func NewServer(cfg config.ServerConfig, metricsCfg config.MetricsConfig, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = logging.Default()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())

	corsConfig := cors.DefaultConfig()
	origins := splitOrigins(cfg.AllowedOrigins)
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = origins
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:      router,
		config:      cfg,
		deps:        deps,
		rateLimiter: NewRateLimiter(6, time.Minute), // run starts are expensive
		logger:      deps.Logger.WithComponent("api"),
		startedAt:   time.Now(),
	}
	if metricsCfg.Enabled && deps.Metrics != nil {
		s.metricsPath = metricsCfg.Path
	}

	if deps.Bus != nil {
		s.hub = InitWebSocket(deps.Bus, s.logger)
	}

	s.setupRoutes()
	return s
}

// Router exposes the handler for tests and embedding
func (s *Server) Router() http.Handler {
	return s.router
}

// rateLimitMiddleware rate limits requests by route
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		if !s.rateLimiter.Allow(path) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":   true,
				"message": "Too many run requests, slow down",
				"path":    path,
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	if s.metricsPath != "" {
		s.router.GET(s.metricsPath, gin.WrapH(s.deps.Metrics))
	}

	api := s.router.Group("/api")
	{
		api.POST("/runs", s.rateLimitMiddleware(), s.handleStartRun)
		api.GET("/runs", s.handleListRuns)
		api.GET("/runs/:id", s.handleGetRun)
		api.GET("/runs/:id/candidates", s.handleGetCandidates)
		api.GET("/runs/:id/progress", s.handleGetProgress)
		api.POST("/ai/breaker/reset", s.handleResetBreaker)
	}

	if s.hub != nil {
		s.router.GET("/ws/progress", s.handleWebSocket)
	}

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":  "API endpoint not found",
			"path":   c.Request.URL.Path,
			"method": c.Request.Method,
		})
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting HTTP server", "addr", addr)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}

	return nil
}

// handleHealth returns server health status
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	healthy := true
	checks := make(gin.H, len(s.deps.Health))
	for name, check := range s.deps.Health {
		if err := check(ctx); err != nil {
			healthy = false
			checks[name] = err.Error()
			continue
		}
		checks[name] = "healthy"
	}

	body := gin.H{
		"status": "healthy",
		"checks": checks,
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	}
	if s.deps.Runner != nil {
		body["active_run"] = s.deps.Runner.Active()
	}
	if s.deps.Breaker != nil {
		body["ai_breaker"] = s.deps.Breaker.Stats()
	}
	if sr, ok := s.deps.Cache.(statsReporter); ok {
		body["cache"] = sr.GetStats()
	}
	if s.hub != nil {
		body["ws_clients"] = s.hub.GetClientCount()
	}

	if !healthy {
		body["status"] = "unhealthy"
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	c.JSON(http.StatusOK, body)
}

// requestLogger logs each request with the api logging context
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		log := logging.APIContext(c.Request.Method, path, c.Writer.Status()).WithDuration(time.Since(start))
		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Warn("Request failed")
			return
		}
		log.Debug("Request served")
	}
}

func splitOrigins(s string) []string {
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// errorResponse is a helper to send error responses
func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

// successResponse is a helper to send success responses
func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}
