// Package web serves the monitor's read-only JSON API.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"time"

	"fleetwatch/internal/logging"
	"fleetwatch/internal/supervisor"
	"fleetwatch/pkg/model"
)

type MemberSource interface {
	Map() map[string]model.ClusterMember
	Version() int64
}

type TelemetrySource interface {
	Snapshot() map[string]model.TelemetryRecord
}

type StatsSource interface {
	Apps() map[string]model.AppStat
	Mismatch() map[string]model.AppStat
	UpdatedAt() time.Time
}

type HealthSource interface {
	Status() map[string]supervisor.Status
}

type Server struct {
	members   MemberSource
	telemetry TelemetrySource
	stats     StatsSource
	health    HealthSource
	staticDir string
	logger    *logging.Logger
}

func NewServer(members MemberSource, telemetry TelemetrySource, stats StatsSource, health HealthSource, staticDir string, logger *logging.Logger) *Server {
	return &Server{
		members:   members,
		telemetry: telemetry,
		stats:     stats,
		health:    health,
		staticDir: staticDir,
		logger:    logger,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/cluster", s.handleCluster)
	mux.HandleFunc("GET /api/v1/orcas", s.handleOrcas)
	mux.HandleFunc("GET /api/v1/apps", s.handleApps)
	mux.HandleFunc("GET /api/v1/mismatch", s.handleMismatch)
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	var static http.Handler
	if s.staticDir != "" {
		if fi, err := os.Stat(s.staticDir); err == nil && fi.IsDir() {
			static = http.FileServer(http.Dir(s.staticDir))
		} else {
			s.logger.Warnw("static dir unavailable", "dir", s.staticDir, "error", err)
		}
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if static != nil && r.Method == http.MethodGet && s.exists(r.URL.Path) {
			static.ServeHTTP(w, r)
			return
		}
		notFound(w)
	})

	return s.logRequests(mux)
}

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.logger.Infow("facade listening", "addr", addr)
	return Serve(ctx, addr, s.Handler())
}

// Serve runs an HTTP server until ctx is done, then closes it without
// waiting for in-flight requests.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		_ = srv.Close()
		if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return ctx.Err()
	}
}

// ClusterResponse is the /api/v1/cluster body.
type ClusterResponse struct {
	Version int64                          `json:"version"`
	Members map[string]model.ClusterMember `json:"members"`
}

type StatsResponse struct {
	UpdatedAt int64                    `json:"updated_at"`
	Apps      map[string]model.AppStat `json:"apps"`
}

func (s *Server) handleCluster(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ClusterResponse{
		Version: s.members.Version(),
		Members: s.members.Map(),
	})
}

func (s *Server) handleOrcas(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.telemetry.Snapshot())
}

func (s *Server) handleApps(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatsResponse{
		UpdatedAt: unix(s.stats.UpdatedAt()),
		Apps:      s.stats.Apps(),
	})
}

func (s *Server) handleMismatch(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatsResponse{
		UpdatedAt: unix(s.stats.UpdatedAt()),
		Apps:      s.stats.Mismatch(),
	})
}

// handleHealth answers 503 while any loop is outside Running.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.health.Status()
	code := http.StatusOK
	for _, st := range status {
		if st.State != supervisor.Running {
			code = http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, code, map[string]any{"loops": status})
}

func (s *Server) exists(path string) bool {
	f, err := http.Dir(s.staticDir).Open(path)
	if err != nil {
		return false
	}
	f.Close()
	return true
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		logger := s.logger.With("method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r.WithContext(logging.WithContext(r.Context(), logger)))
		logger.Debugw("request", "took", time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

const notFoundPage = `<!DOCTYPE html>
<html>
<head><title>Page not found</title></head>
<body><h1>Page not found</h1></body>
</html>
`

func notFound(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write([]byte(notFoundPage))
}

func unix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
