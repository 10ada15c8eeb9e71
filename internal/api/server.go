package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/tazhate/calsync/internal/conflict"
	"github.com/tazhate/calsync/internal/domain"
	"github.com/tazhate/calsync/internal/service"
)

// Events is the local mutation API.
type Events interface {
	CreateEvent(ctx context.Context, in service.EventInput) (*domain.Record, error)
	UpdateEvent(ctx context.Context, id string, in service.EventInput) (*domain.Record, error)
	DeleteEvent(ctx context.Context, id string) error
	Get(id string) (*domain.Record, error)
	ListRange(from, to time.Time) []*domain.Record
}

// Engine is the sync engine surface the API exposes.
type Engine interface {
	RunCycle(ctx context.Context, opts service.CycleOptions) (*service.CycleResult, error)
	SetActivity(a service.Activity) error
	Status() service.Status
	Conflicts() []conflict.Conflict
	ResolveConflict(entityID string, winner domain.Origin) (conflict.Resolution, error)
}

type Config struct {
	Username string
	Password string
	Location *time.Location
}

// APIResponse is the envelope of every JSON reply.
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

type Server struct {
	cfg    Config
	events Events
	engine Engine
	ws     http.Handler
	logger *slog.Logger
}

// New builds the API server. ws may be nil to disable /ws.
func New(cfg Config, events Events, engine Engine, ws http.Handler, logger *slog.Logger) *Server {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, events: events, engine: engine, ws: ws, logger: logger}
}

// Handler returns the routed handler. Everything but /health sits behind
// Basic Auth when credentials are configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/events", s.listEvents)
	mux.HandleFunc("POST /api/events", s.createEvent)
	mux.HandleFunc("GET /api/events/{id}", s.getEvent)
	mux.HandleFunc("PUT /api/events/{id}", s.updateEvent)
	mux.HandleFunc("DELETE /api/events/{id}", s.deleteEvent)
	mux.HandleFunc("POST /api/sync", s.sync)
	mux.HandleFunc("POST /api/activity", s.activity)
	mux.HandleFunc("GET /api/conflicts", s.conflicts)
	mux.HandleFunc("POST /api/conflicts/{id}", s.resolveConflict)
	mux.HandleFunc("GET /api/status", s.status)
	if s.ws != nil {
		mux.Handle("GET /ws", s.ws)
	}

	outer := http.NewServeMux()
	outer.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	outer.Handle("/", s.basicAuth(mux))
	return outer
}

// basicAuth middleware
func (s *Server) basicAuth(next http.Handler) http.Handler {
	if s.cfg.Username == "" && s.cfg.Password == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(username), []byte(s.cfg.Username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(password), []byte(s.cfg.Password)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="calsync API"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Serve runs the HTTP server on addr until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(APIResponse{Success: true, Data: data}); err != nil {
		s.logger.Debug("write response", "error", err)
	}
}

func (s *Server) jsonError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(APIResponse{Success: false, Error: msg}); err != nil {
		s.logger.Debug("write response", "error", err)
	}
}
