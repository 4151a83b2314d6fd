// Package server exposes backups and the workspace directory over HTTP.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hb-go/internal/hb"
)

// TokenCookie is the cookie holding the caller's access token.
const TokenCookie = "access_token"

// Server serves the backup endpoint, the directory proxy endpoints and metrics.
type Server struct {
	service *hb.BackupService
	dir     hb.Directory
	logger  hb.Logger
	clock   hb.Clock
	timeout time.Duration
	metrics *Collector
	router  *mux.Router
}

// New creates a Server. Directory proxy calls are bounded by timeout.
// The metrics collector is registered with registry.
func New(service *hb.BackupService, dir hb.Directory, logger hb.Logger, clock hb.Clock, timeout time.Duration, registry *prometheus.Registry) (*Server, error) {
	metrics := NewMetricsCollector()
	if err := registry.Register(metrics); err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}
	if timeout <= 0 {
		timeout = hb.DefaultTimeout
	}

	s := &Server{
		service: service,
		dir:     dir,
		logger:  logger,
		clock:   clock,
		timeout: timeout,
		metrics: metrics,
	}

	r := mux.NewRouter()
	r.Use(s.countRequests)
	api := r.PathPrefix("/api").Methods(http.MethodGet).Subrouter()
	api.HandleFunc("/backup", s.handleBackup)
	api.HandleFunc("/hubs", s.handleHubs)
	api.HandleFunc("/hubs/{hub_id}/projects", s.handleProjects)
	api.HandleFunc("/hubs/{hub_id}/projects/{project_id}/contents", s.handleContents)
	api.HandleFunc("/hubs/{hub_id}/projects/{project_id}/contents/{item_id}/versions", s.handleVersions)
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s.router = r

	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("server listening", "addr", addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("serving on %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

// token extracts the caller's credential from the cookie or the bearer header.
func token(r *http.Request) string {
	if c, err := r.Cookie(TokenCookie); err == nil && c.Value != "" {
		return c.Value
	}
	if auth, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(auth)
	}
	return ""
}

func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := hb.Request{
		Token:     token(r),
		HubID:     q.Get("hub_id"),
		ProjectID: q.Get("project_id"),
	}
	// A single project is small enough to buffer, which lets the response carry
	// a Content-Length and a proper error status.
	if req.Mode() == hb.ModeProject {
		req.Delivery = hb.DeliverBuffered
	}

	start := s.clock.Now()
	plan, err := s.service.Plan(r.Context(), req)
	if err != nil {
		s.metrics.observe(req.Mode(), hb.RunError, nil, s.clock.Now().Sub(start))
		s.writeError(w, err)
		return
	}

	s.metrics.inFlight.Inc()
	defer s.metrics.inFlight.Dec()

	filename := "backup." + s.service.Extension()
	if req.Mode() == hb.ModeProject {
		var buf bytes.Buffer
		report, err := s.service.Execute(r.Context(), plan, &buf)
		s.metrics.observe(req.Mode(), hb.RunStatus(report, err), report, s.clock.Now().Sub(start))
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.archiveHeaders(w, filename)
		w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
		if _, err := w.Write(buf.Bytes()); err != nil {
			s.logger.Warn("writing archive response failed", "error", err)
		}
		return
	}

	s.archiveHeaders(w, filename)
	w.WriteHeader(http.StatusOK)
	report, err := s.service.Execute(r.Context(), plan, &flushWriter{w: w, rc: http.NewResponseController(w)})
	s.metrics.observe(req.Mode(), hb.RunStatus(report, err), report, s.clock.Now().Sub(start))
	if err != nil {
		// Headers are gone; the truncated or short archive is all the client gets.
		s.logger.Error("streaming backup failed", "error", err)
	}
}

func (s *Server) archiveHeaders(w http.ResponseWriter, filename string) {
	w.Header().Set("Content-Type", s.service.ContentType())
	w.Header().Set("Content-Disposition", "attachment; filename="+filename)
	w.Header().Set("Cache-Control", "no-store")
}

func (s *Server) handleHubs(w http.ResponseWriter, r *http.Request) {
	s.proxy(w, r, func(ctx context.Context, tok string) (any, error) {
		return s.dir.ListHubs(ctx, tok)
	})
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	s.proxy(w, r, func(ctx context.Context, tok string) (any, error) {
		return s.dir.ListProjects(ctx, tok, vars["hub_id"])
	})
}

func (s *Server) handleContents(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	folderID := r.URL.Query().Get("folder_id")
	s.proxy(w, r, func(ctx context.Context, tok string) (any, error) {
		return s.dir.ListFolderChildren(ctx, tok, vars["hub_id"], vars["project_id"], folderID)
	})
}

func (s *Server) handleVersions(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	s.proxy(w, r, func(ctx context.Context, tok string) (any, error) {
		return s.dir.ListVersions(ctx, tok, vars["project_id"], vars["item_id"])
	})
}

// proxy runs one directory call for the caller and writes its result as JSON.
func (s *Server) proxy(w http.ResponseWriter, r *http.Request, call func(ctx context.Context, token string) (any, error)) {
	tok := token(r)
	if tok == "" {
		s.writeError(w, hb.ErrUnauthorized)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	data, err := call(ctx, tok)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

type apiError struct {
	Error string `json:"error"`
}

// statusFor maps an error to the response status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, hb.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, hb.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, hb.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := http.StatusText(status)
	switch status {
	case http.StatusBadRequest, http.StatusNotFound:
		msg = err.Error()
	case http.StatusInternalServerError:
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, apiError{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// flushWriter pushes every write to the client so the archive streams.
type flushWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func (f *flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err != nil {
		return n, err
	}
	if err := f.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return n, err
	}
	return n, nil
}

// statusRecorder captures the response code for request metrics.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.code == 0 {
		r.code = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if r.code == 0 {
		r.code = http.StatusOK
	}
	return r.ResponseWriter.Write(p)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		code := rec.code
		if code == 0 {
			code = http.StatusOK
		}
		s.metrics.requests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	})
}
