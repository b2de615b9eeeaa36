// Package api exposes the trading pipeline over HTTP and WebSocket.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"consensus-trading-bot/internal/auth"
	"consensus-trading-bot/internal/cache"
	"consensus-trading-bot/internal/circuit"
	"consensus-trading-bot/internal/database"
	"consensus-trading-bot/internal/events"
	"consensus-trading-bot/internal/gate"
	"consensus-trading-bot/internal/logging"
	"consensus-trading-bot/internal/trust"
	"consensus-trading-bot/internal/vault"
)

// RateLimiter provides simple in-memory rate limiting per key
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int
	window   time.Duration
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

// TradeExecutor runs one analyze-and-maybe-execute request through the
// pipeline
type TradeExecutor interface {
	Execute(ctx context.Context, req gate.Request) (*gate.Verdict, error)
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host           string
	Port           int
	ProductionMode bool
}

// Server is the HTTP API server
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	config      ServerConfig
	repo        *database.Repository
	db          *database.DB
	gate        TradeExecutor
	breaker     *circuit.Breaker
	ladder      *trust.Ladder
	cacheSvc    *cache.CacheService
	vaultClient *vault.Client
	authService *auth.Service
	eventBus    *events.EventBus
	rateLimiter *RateLimiter
	logger      *logging.Logger
}

// NewServer creates the API server and wires all routes. Cache and
// vault clients may be nil when those subsystems are disabled.
func NewServer(
	config ServerConfig,
	repo *database.Repository,
	db *database.DB,
	executor TradeExecutor,
	breaker *circuit.Breaker,
	ladder *trust.Ladder,
	cacheSvc *cache.CacheService,
	vaultClient *vault.Client,
	authService *auth.Service,
	eventBus *events.EventBus,
) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = []string{"http://localhost:5173", "http://localhost:8088"}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	server := &Server{
		router:      router,
		config:      config,
		repo:        repo,
		db:          db,
		gate:        executor,
		breaker:     breaker,
		ladder:      ladder,
		cacheSvc:    cacheSvc,
		vaultClient: vaultClient,
		authService: authService,
		eventBus:    eventBus,
		// Analysis endpoints fan out to model providers, keep them slow
		rateLimiter: NewRateLimiter(30, time.Minute),
		logger:      logging.WithComponent("api"),
	}

	server.setupRoutes()

	InitWebSocketHub(eventBus)

	return server
}

// rateLimitMiddleware limits expensive endpoints per user. When Redis
// is available the counter is shared across instances; otherwise the
// in-memory limiter covers this process.
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := auth.GetUserID(c)

		if s.cacheSvc != nil && s.cacheSvc.IsHealthy() {
			count, err := s.cacheSvc.IncrementProviderCalls(c.Request.Context(), userID, "api", time.Minute)
			if err == nil {
				if count > int64(s.rateLimiter.limit) {
					c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
						"error":   "RATE_LIMITED",
						"message": "too many requests, slow down",
					})
					return
				}
				c.Next()
				return
			}
		}

		if !s.rateLimiter.Allow(userID + ":" + c.FullPath()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "RATE_LIMITED",
				"message": "too many requests, slow down",
			})
			return
		}
		c.Next()
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	s.router.POST("/api/auth/register", s.authService.RegisterHandler)
	s.router.POST("/api/auth/login", s.authService.LoginHandler)

	// WebSocket authenticates itself: browsers cannot set an
	// Authorization header on the upgrade request
	s.router.GET("/ws", s.authenticatedWSHandler())

	api := s.router.Group("/api")
	api.Use(auth.Middleware(s.authService.GetJWTManager()))
	{
		api.POST("/analyze", s.rateLimitMiddleware(), s.handleAnalyze)
		api.POST("/execute", s.rateLimitMiddleware(), s.handleExecute)

		api.GET("/decisions", s.handleGetDecisions)
		api.GET("/decisions/stats", s.handleGetDecisionStats)
		api.GET("/decisions/:id", s.handleGetDecision)

		api.GET("/trades/open", s.handleGetOpenTrades)
		api.GET("/trades/closed", s.handleGetClosedTrades)
		api.POST("/trades/:id/close", s.handleCloseTrade)

		api.GET("/safety/circuit-breaker", s.handleCircuitBreakerStatus)
		api.GET("/safety/trust-ladder", s.handleTrustLadderStatus)
		api.POST("/safety/trust-ladder/evaluate", s.handleTrustLadderEvaluate)

		api.GET("/user/me", s.handleGetProfile)
		api.PUT("/user/risk-profile", s.handleUpdateRiskProfile)

		api.POST("/keys/provider", s.handleStoreProviderKey)
		api.GET("/keys/provider/:provider", s.handleGetProviderKey)
		api.POST("/keys/broker", s.handleStoreBrokerKey)
	}
}

// Start begins serving. Blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	s.logger.Info("API server starting", "addr", addr)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the gin engine for tests
func (s *Server) Router() *gin.Engine {
	return s.router
}
