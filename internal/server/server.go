package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/BadgerOps/tapevault/internal/inbox"
	"github.com/BadgerOps/tapevault/internal/store"
)

// Registrar records inbox packages as items.
type Registrar interface {
	Register(ctx context.Context, req inbox.Request) (*store.Item, error)
}

// Retrier requeues batches for another transfer attempt.
type Retrier interface {
	Retry(ctx context.Context, batchID string) error
}

// Server is the tapevault operator API.
type Server struct {
	store      *store.Store
	registrar  Registrar
	retrier    Retrier
	version    string
	logger     *slog.Logger
	httpServer *http.Server
}

// NewServer creates a new Server instance.
func NewServer(st *store.Store, reg Registrar, retrier Retrier, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:     st,
		registrar: reg,
		retrier:   retrier,
		version:   version,
		logger:    logger,
	}
	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start serves on listenAddr until Shutdown is called.
func (s *Server) Start(listenAddr string) error {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", listenAddr, err)
	}
	return s.Serve(ln)
}

// Serve serves on an existing listener until Shutdown is called. After
// Shutdown it returns immediately.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("starting HTTP server", "addr", ln.Addr().String())
	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the API routes.
// Uses Go 1.22+ enhanced routing with method prefixes and path variables.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/status", s.handleStatus)

	mux.HandleFunc("GET /api/batches", s.handleListBatches)
	mux.HandleFunc("GET /api/batches/{id}", s.handleGetBatch)
	mux.HandleFunc("POST /api/batches/{id}/retry", s.handleRetryBatch)

	mux.HandleFunc("POST /api/items", s.handleRegisterItem)
	mux.HandleFunc("GET /api/items/{id}", s.handleGetItem)

	return mux
}

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
