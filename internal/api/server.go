package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"regime-governor/internal/cache"
	"regime-governor/internal/database"
	"regime-governor/internal/events"
	"regime-governor/internal/governor"
	"regime-governor/internal/logging"
	"regime-governor/internal/playbook"
	"regime-governor/internal/profile"
	"regime-governor/internal/tuner"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// RateLimiter provides simple in-memory rate limiting per endpoint
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int           // max requests
	window   time.Duration // time window
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow checks if a request is allowed for the given key
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-r.window)

	// Filter out old requests
	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// Server represents the HTTP API server
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	config      ServerConfig
	repo        *database.Repository
	engine      *governor.Engine
	profiles    *profile.Store
	playbooks   *playbook.Engine
	tuner       *tuner.Tuner
	regimeCache *cache.RegimeCache
	bus         *events.Bus
	logger      *logging.Logger
	rateLimiter *RateLimiter
	wsHub       *WSHub
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int
	Host           string
	AllowedOrigins string
	ProductionMode bool
}

// NewServer creates a new API server. repo and regimeCache may be nil; the
// affected endpoints degrade to in-process state or 503.
func NewServer(
	config ServerConfig,
	repo *database.Repository,
	engine *governor.Engine,
	profiles *profile.Store,
	playbooks *playbook.Engine,
	tun *tuner.Tuner,
	regimeCache *cache.RegimeCache,
	bus *events.Bus,
	logger *logging.Logger,
) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()

	// Middleware
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	// CORS middleware
	corsConfig := cors.DefaultConfig()
	if config.AllowedOrigins == "" || config.AllowedOrigins == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = strings.Split(config.AllowedOrigins, ",")
		corsConfig.AllowCredentials = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	router.Use(cors.New(corsConfig))

	server := &Server{
		router:      router,
		config:      config,
		repo:        repo,
		engine:      engine,
		profiles:    profiles,
		playbooks:   playbooks,
		tuner:       tun,
		regimeCache: regimeCache,
		bus:         bus,
		logger:      logger.WithComponent("api"),
		rateLimiter: NewRateLimiter(240, time.Minute),
	}

	server.setupRoutes()
	server.wsHub = InitWebSocket(bus)

	return server
}

// rateLimitMiddleware rate limits requests by endpoint path. The snapshot
// and trade ingest paths are exempt: they arrive on every market tick and
// the pipeline already drops overlapping ticks itself.
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	noRateLimitPaths := map[string]bool{
		"/api/snapshots":      true,
		"/api/trades":         true,
		"/api/regime/current": true,
	}

	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		if noRateLimitPaths[path] {
			c.Next()
			return
		}

		if !s.rateLimiter.Allow(path) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded",
				"path":  path,
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	// Health check
	s.router.GET("/health", s.handleHealth)

	// WebSocket event stream
	s.router.GET("/ws", s.handleWebSocket)

	api := s.router.Group("/api")
	api.Use(s.rateLimitMiddleware())
	{
		// Ingest
		api.POST("/snapshots", s.handleIngestSnapshot)
		api.POST("/trades", s.handleIngestTrade)

		// Regime state and history
		api.GET("/regime/current", s.handleCurrentRegime)
		api.GET("/regime/history", s.handleRegimeHistory)
		api.GET("/regime/instances/:id/performance", s.handleInstancePerformance)

		// Playbooks
		api.GET("/playbooks", s.handleListPlaybooks)
		api.POST("/playbooks", s.handleCreatePlaybook)
		api.GET("/playbooks/matches", s.handlePlaybookMatches)
		api.POST("/playbooks/:id/apply", s.handleApplyPlaybook)
		api.POST("/playbooks/:id/active", s.handleSetPlaybookActive)
		api.POST("/playbooks/:id/rating", s.handleRatePlaybook)

		// Parameter profiles and governance
		api.GET("/profiles", s.handleListProfiles)
		api.POST("/profiles", s.handleCreateProfile)
		api.GET("/profiles/:id", s.handleGetProfile)
		api.POST("/profiles/:id/params", s.handleApplyParams)
		api.POST("/override", s.handleSetOverride)
		api.GET("/audit", s.handleAuditTrail)

		// Tuning sessions
		api.POST("/tuning/sessions", s.handleCreateSession)
		api.GET("/tuning/sessions", s.handleListSessions)
		api.GET("/tuning/sessions/:id", s.handleGetSession)
		api.POST("/tuning/sessions/:id/resolve", s.handleResolveSession)
		api.POST("/tuning/sessions/:id/recommendations/:param/apply", s.handleApplyRecommendation)
		api.POST("/tuning/sessions/:id/recommendations/:param/dismiss", s.handleDismissRecommendation)
	}
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.logger.Info("API server starting", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("API server shutting down")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	health := gin.H{
		"status":    "ok",
		"timestamp": time.Now(),
	}
	if s.repo != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.repo.HealthCheck(ctx); err != nil {
			health["status"] = "degraded"
			health["database"] = err.Error()
		} else {
			health["database"] = "ok"
		}
	}
	c.JSON(http.StatusOK, health)
}
