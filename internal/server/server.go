package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/wasmhost/internal/config"
	"github.com/GriffinCanCode/wasmhost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/wasmhost/internal/loader"
	"github.com/GriffinCanCode/wasmhost/internal/logging"
	"github.com/GriffinCanCode/wasmhost/internal/middleware"
	"github.com/GriffinCanCode/wasmhost/internal/modules"
	"github.com/GriffinCanCode/wasmhost/internal/sandbox"
	"github.com/GriffinCanCode/wasmhost/internal/session"
	"github.com/GriffinCanCode/wasmhost/internal/ws"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	router   *gin.Engine
	http     *http.Server
	catalog  *modules.Catalog
	loader   *loader.Loader
	sessions *session.Manager
	logger   *logging.Logger
	config   *config.Config
	metrics  *monitoring.Metrics
}

// NewServer creates a new server instance
func NewServer(cfg *config.Config, logger *logging.Logger) (*Server, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	logger.Info("Initializing wasmhost server",
		zap.String("port", cfg.Server.Port),
		zap.String("module_dir", cfg.Modules.Dir),
	)

	metrics := monitoring.NewMetrics()

	catalog, err := modules.New(cfg.Modules.Dir, cfg.Modules.Pattern, logger.Logger)
	if err != nil {
		return nil, fmt.Errorf("module catalog: %w", err)
	}

	ld, err := loader.New(loader.Config{
		MaxSize:          cfg.Modules.MaxSize,
		CacheDir:         cfg.Modules.CacheDir,
		MemoryLimitPages: cfg.Runtime.MemoryLimitPages,
		FetchTimeout:     cfg.Modules.FetchTimeout,
		FetchRetries:     cfg.Modules.FetchRetries,
	}, logger.Logger)
	if err != nil {
		return nil, fmt.Errorf("loader: %w", err)
	}

	sb := sandbox.DefaultConfig()
	sb.Timeout = cfg.Runtime.PreludeTimeout
	sessions := session.NewManager(session.Config{
		Loader: ld,
		Resolve: func(name string) (string, error) {
			entry, err := catalog.Resolve(name)
			if err != nil {
				return "", err
			}
			return entry.Path, nil
		},
		Logger:      logger.Logger,
		Observer:    metrics,
		Sandbox:     sb,
		Prelude:     cfg.Runtime.Prelude,
		Timeout:     cfg.Runtime.Timeout,
		MaxSessions: cfg.Runtime.MaxSessions,
	})

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	log := logger.Named("http").Logger
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(log))
	router.Use(middleware.Recovery(log))
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		rl := middleware.DefaultRateLimitConfig()
		rl.RequestsPerSecond = cfg.RateLimit.RequestsPerSecond
		rl.Burst = cfg.RateLimit.Burst
		router.Use(middleware.RateLimit(rl))
	}

	s := &Server{
		router:   router,
		catalog:  catalog,
		loader:   ld,
		sessions: sessions,
		logger:   logger,
		config:   cfg,
		metrics:  metrics,
	}
	h := &handlers{catalog: catalog, sessions: sessions, metrics: metrics}
	wsHandler := ws.NewHandler(sessions, metrics, logger.Logger)

	router.GET("/health", h.Health)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	router.GET("/modules", h.ListModules)
	router.GET("/wasm/*name", h.ServeModule)

	router.POST("/run", h.Run)
	router.GET("/sessions", h.ListSessions)
	router.GET("/sessions/:id", h.GetSession)
	router.DELETE("/sessions/:id", h.DeleteSession)

	router.GET("/ws", wsHandler.HandleConnection)

	s.http = &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until Shutdown is called.
func (s *Server) Run() error {
	s.logger.Info("Starting wasmhost server", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, cancels running sessions and releases
// the loader.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	if serr := s.sessions.Shutdown(ctx); serr != nil {
		err = errors.Join(err, fmt.Errorf("sessions: %w", serr))
	}
	if lerr := s.loader.Close(ctx); lerr != nil {
		err = errors.Join(err, fmt.Errorf("loader: %w", lerr))
	}
	return err
}
