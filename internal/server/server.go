package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/wardenos/warden/internal/api/middleware"
	"github.com/wardenos/warden/internal/bench"
	"github.com/wardenos/warden/internal/events"
	"github.com/wardenos/warden/internal/infrastructure/config"
	"github.com/wardenos/warden/internal/infrastructure/monitoring"
	"github.com/wardenos/warden/internal/kernel"
	"github.com/wardenos/warden/internal/loader"
	"github.com/wardenos/warden/internal/logging"
	"github.com/wardenos/warden/internal/registry"
	"github.com/wardenos/warden/internal/ws"
)

// Deps are the server's collaborators, wired by cmd/wardend.
type Deps struct {
	Kernel   *kernel.Kernel
	Loader   *loader.Loader
	Registry *registry.Registry
	Bench    *bench.Collector
	Events   *events.Hub
	Metrics  *monitoring.Metrics
	Logger   *logging.Logger
	Version  string
}

// Server is the control-plane HTTP server.
type Server struct {
	cfg    config.ServerConfig
	router *gin.Engine
	http   *http.Server
	log    *logging.Logger
}

// New builds the router with the full middleware stack and routes.
func New(cfg config.ServerConfig, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}
	log := deps.Logger.Named("server")

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(log))
	router.Use(monitoring.Middleware(deps.Metrics))

	router.Use(middleware.CORS(cfg.CORSOrigins))
	router.Use(middleware.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst))

	h := newHandlers(deps)
	router.GET("/health", h.Health)

	api := router.Group("/api")
	{
		api.GET("/tasks", h.ListTasks)
		api.GET("/tasks/:id", h.GetTask)
		api.DELETE("/tasks/:id", h.DestroyTask)
		api.GET("/modules", h.ListModules)
		api.POST("/modules", h.LoadModule)
		api.GET("/scheduler", h.SchedulerStats)
		api.GET("/endpoints", h.ListEndpoints)
		api.GET("/bench", h.Bench)
	}

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	wsHandler := ws.NewHandler(deps.Events, deps.Metrics, deps.Logger)
	router.GET("/ws/events", wsHandler.HandleConnection)

	return &Server{
		cfg:    cfg,
		router: router,
		log:    log,
		http: &http.Server{
			Addr:         cfg.Addr(),
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 0, // the event stream holds connections open
		},
	}
}

// Router exposes the gin engine; tests drive it with httptest.
func (s *Server) Router() *gin.Engine { return s.router }

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.log.Info("control plane listening", zap.String("addr", s.cfg.Addr()))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// requestLogger emits one structured line per request.
func requestLogger(log *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("dur", time.Since(start)))
	}
}
