package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	apihttp "github.com/codewithdpk/ClaudeWire/internal/api/http"
	"github.com/codewithdpk/ClaudeWire/internal/api/middleware"
	"github.com/codewithdpk/ClaudeWire/internal/api/ws"
	"github.com/codewithdpk/ClaudeWire/internal/domain/dispatch"
	"github.com/codewithdpk/ClaudeWire/internal/domain/process"
	"github.com/codewithdpk/ClaudeWire/internal/domain/session"
	"github.com/codewithdpk/ClaudeWire/internal/infrastructure/config"
	"github.com/codewithdpk/ClaudeWire/internal/infrastructure/monitoring"
	"github.com/codewithdpk/ClaudeWire/internal/logging"
	"github.com/codewithdpk/ClaudeWire/internal/providers/audit"
	"github.com/codewithdpk/ClaudeWire/internal/providers/destination"
	"github.com/codewithdpk/ClaudeWire/internal/providers/project"
	"github.com/codewithdpk/ClaudeWire/internal/providers/store"
	"github.com/codewithdpk/ClaudeWire/internal/shared/sched"
)

// Version is the service version reported on the health endpoint.
const Version = "0.1.0"

const shutdownGrace = 15 * time.Second

// Server wraps the HTTP server and its dependencies.
type Server struct {
	httpServer *http.Server
	sessions   *session.Manager
	logger     *logging.Logger
	config     *config.Config
}

// NewServer creates a new server instance.
func NewServer(cfg *config.Config) (*Server, error) {
	var logger *logging.Logger
	if cfg.Logging.Development {
		logger = logging.NewDevelopment()
	} else {
		l, err := logging.New(logging.Config{
			Level:       cfg.Logging.Level,
			OutputPaths: []string{"stdout"},
		})
		if err != nil {
			return nil, err
		}
		logger = l
	}

	logger.Info("Initializing ClaudeWire",
		zap.String("port", cfg.Server.Port),
		zap.String("command", cfg.Process.Command),
	)

	metrics := monitoring.NewMetrics()
	scheduler := sched.New()

	sessionStore := store.NewMemory(scheduler, logger.Named("store"))
	auditLog := audit.NewLog(audit.Config{
		CollectorURL:  cfg.Audit.CollectorURL,
		MaxContentLen: cfg.Audit.MaxContentLen,
		RetryMax:      cfg.Audit.RetryMax,
		Timeout:       cfg.Audit.Timeout,
	}, logger.Named("audit"))
	projects := project.NewManager(project.Config{
		BaseDir:    cfg.Project.BaseDir,
		CreateDirs: cfg.Project.CreateDirs,
	}, logger.Named("project"))

	var dest dispatch.Destination
	if cfg.Destination.URL != "" {
		dest = destination.NewHTTP(destination.Config{
			BaseURL:    cfg.Destination.URL,
			Token:      cfg.Destination.Token,
			Timeout:    cfg.Destination.Timeout,
			RetryCount: cfg.Destination.RetryCount,
		})
		logger.Info("Using HTTP destination", zap.String("url", cfg.Destination.URL))
	} else {
		dest = destination.NewMemory()
		logger.Warn("No destination configured, delivery units stay in memory")
	}

	dispatchCfg := dispatch.Config{
		Debounce:       cfg.Dispatch.Debounce,
		MaxUnitLen:     cfg.Dispatch.MaxUnitLen,
		MaxInPlaceEdit: cfg.Dispatch.MaxInPlaceEdit,
	}
	newDispatcher := func(channel, thread string) session.Dispatcher {
		return dispatch.New(channel, thread, dispatchCfg, dest, scheduler, logger.Named("dispatch")).
			WithMetrics(metrics)
	}
	newProcess := func(sessionID, workingDir string) session.Process {
		procCfg := process.Config{
			Command:        cfg.Process.Command,
			Args:           cfg.Process.Args,
			WorkingDir:     workingDir,
			Cols:           cfg.Process.Cols,
			Rows:           cfg.Process.Rows,
			OutputDebounce: cfg.Process.OutputDebounce,
			ReadyDelay:     cfg.Process.ReadyDelay,
			KillDeadline:   cfg.Process.KillDeadline,
			ExitDirective:  cfg.Process.ExitDirective,
		}
		return process.NewWrapper(sessionID, procCfg, scheduler, logger.Named("process"))
	}

	sessions := session.NewManager(
		session.Config{InactivityTimeout: cfg.Session.InactivityTimeout},
		sessionStore,
		auditLog,
		projects,
		newProcess,
		newDispatcher,
		scheduler,
		logger.Named("session"),
	).WithMetrics(metrics)

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}

	handlers := apihttp.NewHandlers(sessions, Version)
	wsHandler := ws.NewHandler(sessions, logger.Named("ws"))

	router.GET("/", handlers.Root)
	router.GET("/health", handlers.Health)

	router.POST("/sessions", handlers.CreateSession)
	router.GET("/sessions/:userID", handlers.GetSession)
	router.POST("/sessions/:userID/input", handlers.SendInput)
	router.POST("/sessions/:userID/control", handlers.SendControl)
	router.DELETE("/sessions/:userID", handlers.TerminateSession)

	router.GET("/stream", wsHandler.HandleConnection)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	logger.Info("Server initialized successfully")

	return &Server{
		httpServer: &http.Server{
			Addr:    cfg.Server.Host + ":" + cfg.Server.Port,
			Handler: router,
		},
		sessions: sessions,
		logger:   logger,
		config:   cfg,
	}, nil
}

// Run starts the HTTP server and blocks until it stops.
func (s *Server) Run() error {
	s.logger.Info("Starting HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close gracefully shuts down the server: stop accepting requests, then
// terminate every live session.
func (s *Server) Close() error {
	s.logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("HTTP shutdown failed", zap.Error(err))
	}

	s.sessions.Shutdown(ctx)

	s.logger.Sync()
	return nil
}
