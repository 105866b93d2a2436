// Package server provides the HTTP adapter: a thin gin layer that
// translates requests into pipeline and export service calls.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/comptapilot/comptapilot/internal/config"
	"github.com/comptapilot/comptapilot/internal/export"
	"github.com/comptapilot/comptapilot/internal/pipeline"
	"github.com/comptapilot/comptapilot/internal/queue"
	"github.com/comptapilot/comptapilot/internal/repository"
)

// Server is the HTTP adapter.
type Server struct {
	config     config.ServerConfig
	httpServer *http.Server
	router     *gin.Engine
	handlers   *Handlers
	verifier   *queue.Verifier
	logger     *zap.Logger
}

// New creates the HTTP server with all routes registered.
func New(
	cfg config.ServerConfig,
	pipelineService *pipeline.Service,
	exportService *export.Service,
	invoices *repository.InvoiceRepository,
	lines *repository.LedgerLineRepository,
	verifier *queue.Verifier,
	logger *zap.Logger,
) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		config:   cfg,
		router:   gin.New(),
		handlers: NewHandlers(pipelineService, exportService, invoices, lines, logger),
		verifier: verifier,
		logger:   logger,
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.Recovery())
	s.router.Use(requestLogger(s.logger))
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handlers.Health)

	api := s.router.Group("/api")
	{
		api.POST("/invoices", s.handlers.UploadInvoice)
		api.GET("/invoices", s.handlers.ListInvoices)
		api.GET("/invoices/:id", s.handlers.GetInvoice)
		api.POST("/invoices/:id/retry", s.handlers.RetryInvoice)
		api.POST("/invoices/:id/validate", s.handlers.ValidateInvoice)

		api.POST("/exports", s.handlers.CreateExport)
		api.GET("/exports", s.handlers.ListExports)
		api.GET("/exports/:id/download", s.handlers.DownloadExport)

		// Job callbacks carry the dispatch signature; unsigned or stale
		// deliveries are rejected before any handler runs.
		jobs := api.Group("/jobs", verifyDispatch(s.verifier))
		{
			jobs.POST("/ocr", s.handlers.ProcessOCRJob)
			jobs.POST("/classify", s.handlers.ProcessClassifyJob)
		}
	}
}

// Start runs the server until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("HTTP server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}
