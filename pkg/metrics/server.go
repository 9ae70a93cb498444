// HTTP server for the Prometheus metrics endpoint
//
// Example usage:
//
//	m := metrics.New(true)
//	c.Subscribe(m)
//	srv := metrics.NewServer(m, metrics.DefaultServerConfig())
//	errCh := srv.StartAsync()
//	defer srv.Shutdown(context.Background())
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ercf-go/pkg/log"
)

// Server serves the metrics registry over HTTP.
type Server struct {
	metrics *Metrics
	server  *http.Server
	mux     *http.ServeMux
	scrape  http.Handler
	log     *log.Logger

	// Optional basic auth
	username string
	password string

	mu        sync.RWMutex
	addr      string
	running   bool
	startTime time.Time
	ready     func() bool
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	// Address to listen on, e.g. ":9100" or "127.0.0.1:9100"
	Address string

	Username string
	Password string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultServerConfig returns the default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      ":9100",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// NewServer creates a metrics server. Additional handlers may be mounted
// with Handle before Start.
func NewServer(m *Metrics, config ServerConfig) *Server {
	s := &Server{
		metrics:  m,
		addr:     config.Address,
		mux:      http.NewServeMux(),
		log:      log.New("metrics"),
		username: config.Username,
		password: config.Password,
	}
	s.scrape = promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{
		Registry:          m.Registry(),
		EnableOpenMetrics: true,
	})

	s.mux.HandleFunc("/metrics", s.handleMetrics)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/ready", s.handleReady)
	s.mux.HandleFunc("/", s.handleRoot)

	s.server = &http.Server{
		Handler:      s.mux,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
	return s
}

// Handle mounts an extra handler on the server mux.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// SetReady installs the readiness probe used by /ready in addition to the
// running state.
func (s *Server) SetReady(fn func() bool) {
	s.mu.Lock()
	s.ready = fn
	s.mu.Unlock()
}

// Start listens and serves until Shutdown.
func (s *Server) Start() error {
	s.mu.RLock()
	addr := s.addr
	s.mu.RUnlock()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics server error: %w", err)
	}
	return s.Serve(ln)
}

// Serve serves on an existing listener until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.running = true
	s.startTime = time.Now()
	s.mu.Unlock()
	s.log.Info("Serving metrics on %s", ln.Addr())

	err := s.server.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server error: %w", err)
	}
	return nil
}

// StartAsync starts the server in a goroutine. The channel yields the
// serve error, if any, and is closed when the server stops.
func (s *Server) StartAsync() chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.Start(); err != nil {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return s.server.Shutdown(ctx)
}

// IsRunning reports whether the server is serving.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Address returns the listen address, resolved once serving.
func (s *Server) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.checkAuth(w, r) {
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.Method == http.MethodHead {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		return
	}
	s.scrape.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK\n"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	ready := s.running && (s.ready == nil || s.ready())
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "text/plain")
	if ready {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("Ready\n"))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("Not Ready\n"))
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(`<!DOCTYPE html>
<html>
<head>
<title>ERCF</title>
<style>
body { font-family: sans-serif; margin: 40px; }
.endpoint { margin: 10px 0; }
</style>
</head>
<body>
<h1>ERCF filament controller</h1>
<div class="endpoint"><a href="/metrics">/metrics</a> - Prometheus metrics</div>
<div class="endpoint"><a href="/health">/health</a> - Health check</div>
<div class="endpoint"><a href="/ready">/ready</a> - Readiness check</div>
</body>
</html>`))
}

// checkAuth verifies basic auth if configured.
func (s *Server) checkAuth(w http.ResponseWriter, r *http.Request) bool {
	if s.username == "" && s.password == "" {
		return true
	}
	username, password, ok := r.BasicAuth()
	if ok {
		userMatch := subtle.ConstantTimeCompare([]byte(username), []byte(s.username)) == 1
		passMatch := subtle.ConstantTimeCompare([]byte(password), []byte(s.password)) == 1
		if userMatch && passMatch {
			return true
		}
	}
	w.Header().Set("WWW-Authenticate", `Basic realm="ERCF Metrics"`)
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
	return false
}

// Status returns server status for diagnostics.
func (s *Server) Status() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status := map[string]any{
		"address": s.addr,
		"running": s.running,
	}
	if s.running {
		status["uptime"] = time.Since(s.startTime).Seconds()
	}
	return status
}
