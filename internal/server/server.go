package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/perago/internal/common"
	"github.com/ternarybob/perago/internal/interfaces"
	"github.com/ternarybob/perago/internal/monitor"
	"github.com/ternarybob/perago/internal/queue"
)

// Server is the runtime's operational HTTP surface: health, metrics and the
// inspection/administration API. It is not the application's own API.
type Server struct {
	logger      arbor.ILogger
	config      *common.Config
	httpServer  *http.Server
	monitor     *monitor.Service
	engine      *queue.Engine
	deadLetters *queue.DeadLetterService
	events      interfaces.EventManager
	sagas       interfaces.SagaService
}

// NewServer creates the ops server with routes registered
func NewServer(logger arbor.ILogger, config *common.Config, mon *monitor.Service, engine *queue.Engine, deadLetters *queue.DeadLetterService, events interfaces.EventManager, sagas interfaces.SagaService) *Server {
	s := &Server{
		logger:      logger,
		config:      config,
		monitor:     mon,
		engine:      engine,
		deadLetters: deadLetters,
		events:      events,
		sagas:       sagas,
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start begins serving. Blocks until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("Ops server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ops server failed: %w", err)
	}
	return nil
}

// Stop shuts the listener down gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Ops server stopping")
	return s.httpServer.Shutdown(ctx)
}
