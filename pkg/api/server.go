package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/InnovativeAI-adaad/ADAAD/pkg/projection"
)

// Config configures the HTTP surface.
type Config struct {
	Addr      string
	JWTSecret []byte
	RPS       float64
	Burst     int
	Logger    *slog.Logger
}

// Server exposes projection queries over HTTP. It never writes to the ledger.
type Server struct {
	svc     *projection.Service
	cfg     Config
	logger  *slog.Logger
	limiter *RateLimiter
	handler http.Handler
}

// NewServer builds the handler chain: request id, access log, rate limit, auth, routes.
func NewServer(svc *projection.Service, cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "api")
	if cfg.RPS <= 0 {
		cfg.RPS = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}
	s := &Server{
		svc:     svc,
		cfg:     cfg,
		logger:  logger,
		limiter: NewRateLimiter(cfg.RPS, cfg.Burst),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.health)
	mux.HandleFunc("GET /v1/mutations/{id}", s.mutation)
	mux.HandleFunc("GET /v1/mutations/{id}/verdicts", s.mutationVerdicts)
	mux.HandleFunc("GET /v1/epochs", s.epochs)
	mux.HandleFunc("GET /v1/epochs/{id}", s.epoch)
	mux.HandleFunc("GET /v1/epochs/{id}/replay", s.replay)

	var h http.Handler = mux
	h = NewAuthenticator(cfg.JWTSecret).Middleware(h)
	h = s.limiter.Middleware(h)
	h = AccessLog(logger)(h)
	h = RequestID(h)
	s.handler = h
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("api: listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go s.limiter.Run(ctx, time.Minute)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.InfoContext(ctx, "api listening", "addr", ln.Addr().String(), "auth", len(s.cfg.JWTSecret) > 0)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, projection.ErrNotFound) {
		WriteError(w, r, http.StatusNotFound, err.Error())
		return
	}
	WriteInternal(w, r, s.logger, err)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	halt, err := s.svc.Halt(r.Context())
	if err != nil {
		WriteError(w, r, http.StatusServiceUnavailable, "ledger unreadable")
		return
	}
	writeJSON(w, map[string]any{"status": "ok", "promotion": halt})
}

func (s *Server) mutation(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.Mutation(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, rec)
}

func (s *Server) mutationVerdicts(w http.ResponseWriter, r *http.Request) {
	q, err := verdictQuery(r)
	if err != nil {
		WriteError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	q.MutationID = r.PathValue("id")
	verdicts, err := s.svc.Verdicts(r.Context(), q)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if len(verdicts) == 0 {
		WriteError(w, r, http.StatusNotFound, "no verdicts for mutation "+q.MutationID)
		return
	}
	writeJSON(w, map[string]any{"mutation_id": q.MutationID, "verdicts": verdicts})
}

func verdictQuery(r *http.Request) (projection.VerdictQuery, error) {
	values := r.URL.Query()
	q := projection.VerdictQuery{EpochID: values.Get("epoch_id")}
	for name, dst := range map[string]**time.Time{"after": &q.After, "before": &q.Before} {
		raw := values.Get(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return q, fmt.Errorf("%s must be RFC 3339", name)
		}
		*dst = &t
	}
	if raw := values.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return q, errors.New("limit must be a non-negative integer")
		}
		q.Limit = n
	}
	return q, nil
}

func (s *Server) epochs(w http.ResponseWriter, r *http.Request) {
	epochs, err := s.svc.Epochs(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"epochs": epochs})
}

func (s *Server) epoch(w http.ResponseWriter, r *http.Request) {
	view, err := s.svc.Epoch(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, view)
}

func (s *Server) replay(w http.ResponseWriter, r *http.Request) {
	d, err := s.svc.Replay(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, d)
}
