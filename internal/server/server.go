// Package server exposes retrieval, feedback and extraction control over
// HTTP, and streams extraction progress over a WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/scrypster/mnemo/internal/config"
	"github.com/scrypster/mnemo/internal/engine"
	"github.com/scrypster/mnemo/pkg/types"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// Retriever answers ranked memory queries.
type Retriever interface {
	Retrieve(ctx context.Context, req engine.RetrieveRequest) []engine.RecalledMemory
}

// FeedbackRecorder stores feedback votes.
type FeedbackRecorder interface {
	RecordFeedback(ctx context.Context, memoryID string, polarity types.Polarity) (types.FeedbackCounters, error)
}

// ExtractionController starts extraction runs and reports on them.
type ExtractionController interface {
	Trigger(ctx context.Context) (string, error)
	Status() engine.Status
}

// MemoryReader reads stored memories.
type MemoryReader interface {
	Get(ctx context.Context, id string) (*types.Memory, error)
	Count(ctx context.Context) (int, error)
}

// Deps are the services the HTTP surface fronts. Events may be nil, in which
// case /ws streams nothing.
type Deps struct {
	Retriever  Retriever
	Feedback   FeedbackRecorder
	Extraction ExtractionController
	Memories   MemoryReader
	Events     *engine.EventBus
}

// Server is the HTTP server of mnemo.
type Server struct {
	cfg     *config.Config
	deps    Deps
	hub     *Hub
	limiter *RateLimiter
	handler http.Handler
}

// New builds the route table. Every dependency except Events is required.
func New(cfg *config.Config, deps Deps) (*Server, error) {
	switch {
	case cfg == nil:
		return nil, errors.New("config is required")
	case deps.Retriever == nil:
		return nil, errors.New("retriever is required")
	case deps.Feedback == nil:
		return nil, errors.New("feedback recorder is required")
	case deps.Extraction == nil:
		return nil, errors.New("extraction controller is required")
	case deps.Memories == nil:
		return nil, errors.New("memory reader is required")
	}

	s := &Server{
		cfg:     cfg,
		deps:    deps,
		hub:     NewHub(deps.Events, allowedOrigins(cfg)),
		limiter: NewRateLimiter(cfg.Security.RateLimit, cfg.Security.RateBurst),
	}
	s.handler = s.routes()
	return s, nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	api := http.NewServeMux()
	api.HandleFunc("/api/retrieve", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodPost:
			s.handleRetrieve(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	api.HandleFunc("POST /api/feedback", s.handleFeedback)
	api.HandleFunc("POST /api/extraction/run", s.handleRunExtraction)
	api.HandleFunc("GET /api/extraction/status", s.handleExtractionStatus)
	api.HandleFunc("GET /api/memories/{id}", s.handleGetMemory)

	// Health endpoint, no auth required
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("/api/", RequireAuth(api, s.cfg.Security))
	mux.Handle("/ws", RequireAuth(s.hub, s.cfg.Security))

	handler := RateLimitMiddleware(mux, s.limiter)
	return securityHeadersMiddleware(handler)
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub { return s.hub }

// Start listens on the configured address and serves until ctx is
// cancelled. It returns the actual address being listened on (useful with
// port 0).
func (s *Server) Start(ctx context.Context) (string, error) {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	hubCtx, stopHub := context.WithCancel(ctx)
	go s.hub.Run(hubCtx)

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("server: ERROR: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		stopHub()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("server: WARNING: shutdown: %v", err)
		}
	}()

	actual := listener.Addr().String()
	log.Printf("server: listening on %s", actual)
	return actual, nil
}

// allowedOrigins returns the configured WebSocket origins, or the local
// addresses of the server.
func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.Security.AllowedOrigins) > 0 {
		return cfg.Security.AllowedOrigins
	}
	return []string{
		fmt.Sprintf("localhost:%d", cfg.Server.Port),
		fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port),
	}
}
