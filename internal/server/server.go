package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/amoylab/fleetstate/internal/common/cnst"
	"github.com/amoylab/fleetstate/internal/common/config"
	"github.com/amoylab/fleetstate/internal/common/errorx"
	"github.com/amoylab/fleetstate/internal/server/handler"
	"github.com/amoylab/fleetstate/internal/state"
	"github.com/amoylab/fleetstate/pkg/metrics"
)

// Server is the read-only ops HTTP surface of a worker
type Server struct {
	logger     *zap.Logger
	state      *state.Context
	metrics    *metrics.Metrics
	router     *gin.Engine
	httpServer *http.Server
}

// NewServer creates the ops server and registers its routes. m may be nil.
func NewServer(logger *zap.Logger, cfg config.ServerConfig, sc *state.Context, m *metrics.Metrics) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		logger:  logger.Named("server"),
		state:   sc,
		metrics: m,
		router:  gin.New(),
	}
	s.registerRoutes()
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes() {
	errs := errorx.NewErrorHandler(s.logger)
	s.router.Use(errs.RecoveryMiddleware())
	s.router.Use(otelgin.Middleware(cnst.AppName))
	s.router.Use(s.loggerMiddleware())
	s.router.Use(s.metrics.Middleware())

	health := handler.NewHealthHandler(s.state, errs)
	widgets := handler.NewWidgetHandler(s.state, errs)

	s.router.GET("/healthz", health.HandleHealth)
	s.router.GET("/info", health.HandleInfo)
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	s.router.GET("/widgets", widgets.HandleList)
	s.router.GET("/widgets/:id", widgets.HandleContent)
	s.router.GET("/widgets/:id/owner", widgets.HandleOwner)
	s.router.GET("/widgets/:id/verify", widgets.HandleVerify)
	s.router.GET("/workers/:id/connections", widgets.HandleWorkerConnections)
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("Starting ops server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
