package mediafs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/atomic"
)

// Resolver hands out the current FileSystem for a backend name. The registry
// implements it.
type Resolver interface {
	Get(ctx context.Context, name string) (*FileSystem, error)
}

// ServerConfig configures the file server.
type ServerConfig struct {
	// Mounts lists the backend names served. A request is routed to the first
	// mount whose virtual path prefix owns the URL path.
	Mounts []string
	Log    *slog.Logger
	// Gatherer backs /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
	// DrainDuration is how long Serve keeps answering, with /readyz failing,
	// after its context is cancelled and before it shuts down.
	DrainDuration time.Duration
}

// Server serves backend objects by their public URL.
type Server struct {
	cfg      ServerConfig
	resolver Resolver
	log      *slog.Logger
	isReady  atomic.Bool
}

// NewServer constructs a server resolving backends through resolver.
func NewServer(cfg ServerConfig, resolver Resolver) (*Server, error) {
	if resolver == nil {
		return nil, fmt.Errorf("%w: resolver is required", ErrInvalidArgument)
	}
	if len(cfg.Mounts) == 0 {
		return nil, fmt.Errorf("%w: at least one mount is required", ErrInvalidArgument)
	}
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Server{
		cfg:      cfg,
		resolver: resolver,
		log:      cfg.Log,
	}
	s.isReady.Store(true)
	return s, nil
}

// Handler returns the HTTP routes: health endpoints, /metrics and every
// other GET or HEAD resolved against the mounts.
func (s *Server) Handler() http.Handler {
	mux := chi.NewRouter()
	mux.Use(s.httpLogger)

	mux.Get("/livez", s.handleLivenessCheck)
	mux.Get("/readyz", s.handleReadinessCheck)
	mux.Get("/drain", s.handleDrain)
	mux.Get("/undrain", s.handleUndrain)
	if s.cfg.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	mux.Get("/*", s.handleFile)
	mux.Head("/*", s.handleFile)
	return mux
}

func (s *Server) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(s.log, next)
}

// Serve listens on the provided socket or TCP address until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, socketPath, listenAddr string) error {
	if socketPath == "" && listenAddr == "" {
		listenAddr = "127.0.0.1:8080"
	}
	l, err := createListener(socketPath, listenAddr)
	if err != nil {
		return err
	}
	defer l.Close()
	s.log.Info("Serving media", slog.String("addr", l.Addr().String()), slog.Any("mounts", s.cfg.Mounts))

	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if serveErr := server.Serve(l); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		// Fail readiness first and keep serving for the drain period so load
		// balancers stop routing here before connections are closed.
		s.isReady.Store(false)
		if s.cfg.DrainDuration > 0 {
			s.log.Info("Draining before shutdown", slog.Duration("drain", s.cfg.DrainDuration))
			select {
			case <-time.After(s.cfg.DrainDuration):
			case serveErr := <-errCh:
				if serveErr != nil {
					return serveErr
				}
			}
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case serveErr := <-errCh:
		return serveErr
	}
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	for _, name := range s.cfg.Mounts {
		fsys, err := s.resolver.Get(ctx, name)
		if err != nil {
			s.log.Warn("Failed to resolve backend", slog.String("backend", name), "err", err)
			continue
		}
		if !fsys.Owns(r.URL.Path) {
			continue
		}
		info, err := fsys.FileProvider().FileInfo(ctx, fsys.RelativePath(r.URL.Path))
		if err != nil {
			writeHTTPError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if !info.Exists() {
			writeHTTPError(w, http.StatusNotFound, NotFoundError{Path: r.URL.Path}.Error())
			return
		}
		if ct := info.ContentType(); ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		http.ServeContent(w, r, info.Name(), info.ModTime(), info.Open())
		return
	}
	writeHTTPError(w, http.StatusNotFound, NotFoundError{Path: r.URL.Path}.Error())
}

func (s *Server) handleLivenessCheck(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (s *Server) handleReadinessCheck(w http.ResponseWriter, _ *http.Request) {
	if !s.isReady.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleDrain(w http.ResponseWriter, _ *http.Request) {
	if !s.isReady.Swap(false) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "already draining"})
		return
	}
	s.log.Info("Server marked as not ready", slog.Duration("drain", s.cfg.DrainDuration))

	go func() {
		// Load balancers need the drain period to notice /readyz failing.
		time.Sleep(s.cfg.DrainDuration)
		s.log.Info("Drain period completed")
	}()

	writeJSON(w, http.StatusOK, map[string]string{"status": "draining"})
}

func (s *Server) handleUndrain(w http.ResponseWriter, _ *http.Request) {
	if s.isReady.Swap(true) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "already ready"})
		return
	}
	s.log.Info("Server marked as ready")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func createListener(socketPath, listenAddr string) (net.Listener, error) {
	if socketPath != "" {
		if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
			return nil, fmt.Errorf("prepare socket dir: %w", err)
		}
		if err := os.RemoveAll(socketPath); err != nil {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
		l, err := net.Listen("unix", socketPath)
		if err != nil {
			return nil, fmt.Errorf("unix listen: %w", err)
		}
		return l, nil
	}
	l, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("tcp listen: %w", err)
	}
	return l, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeHTTPError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
