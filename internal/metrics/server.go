package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/ppiankov/conceptlink/internal/model"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// StatsFunc returns the live statistics of the current run
type StatsFunc func() model.Stats

// Server is a thin wrapper over chi + stdlib http.Server
type Server struct {
	srv    *http.Server
	logger zerolog.Logger
}

// NewServer mounts /metrics, /healthz and /stats on addr
func NewServer(addr string, recorder *Recorder, stats StatsFunc, logger zerolog.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           Router(recorder, stats),
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// Router builds the status routes
func Router(recorder *Recorder, stats StatsFunc) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(recorder.Registry(), promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		s := stats()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			model.Stats
			CacheHitRate float64 `json:"cache_hit_rate"`
		}{s, s.CacheHitRate()})
	})
	return r
}

// Run serves until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("status server listening")

	errc := make(chan error, 1)
	go func() { errc <- s.srv.Serve(ln) }()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}
