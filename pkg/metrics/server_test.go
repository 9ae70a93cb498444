// Unit tests for the metrics HTTP server
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ercf-go/pkg/ercf"
)

func newTestServer(config ServerConfig) *Server {
	m := New(false)
	m.Observe(ercf.Event{Kind: ercf.EventSelection, Tool: 1, Gate: 1})
	m.Observe(ercf.Event{Kind: ercf.EventMove, Motor: ercf.MotorGear, Gate: 1, Distance: 600})
	return NewServer(m, config)
}

func serve(s *Server, req *http.Request) (*http.Response, string) {
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)
	resp := w.Result()
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

// TestDefaultConfig tests default configuration
func TestDefaultConfig(t *testing.T) {
	config := DefaultServerConfig()
	if config.Address != ":9100" {
		t.Errorf("expected default address :9100, got %s", config.Address)
	}
	if config.ReadTimeout != 10*time.Second || config.WriteTimeout != 10*time.Second {
		t.Error("unexpected timeouts")
	}
	if s := newTestServer(config); s.Address() != ":9100" || s.IsRunning() {
		t.Error("server should keep the configured address until started")
	}
}

// TestHandleMetrics tests the /metrics endpoint
func TestHandleMetrics(t *testing.T) {
	s := newTestServer(DefaultServerConfig())
	resp, body := serve(s, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/plain") {
		t.Errorf("unexpected content type: %s", ct)
	}
	for _, want := range []string{
		"ercf_tool_selected 1",
		`ercf_gear_travel_mm_total{direction="load",gate="1"} 600`,
		"ercf_filament_position_level -1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q", want)
		}
	}
}

// TestHandleMetricsHead tests HEAD request to /metrics
func TestHandleMetricsHead(t *testing.T) {
	s := newTestServer(DefaultServerConfig())
	resp, body := serve(s, httptest.NewRequest(http.MethodHead, "/metrics", nil))
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}
	if body != "" {
		t.Error("HEAD response should have empty body")
	}
}

// TestHandleMetricsMethodNotAllowed tests unsupported methods
func TestHandleMetricsMethodNotAllowed(t *testing.T) {
	s := newTestServer(DefaultServerConfig())
	resp, _ := serve(s, httptest.NewRequest(http.MethodPost, "/metrics", nil))
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("expected status 405, got %d", resp.StatusCode)
	}
}

// TestHandleHealth tests the /health endpoint
func TestHandleHealth(t *testing.T) {
	s := newTestServer(DefaultServerConfig())
	resp, body := serve(s, httptest.NewRequest(http.MethodGet, "/health", nil))
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, "OK") {
		t.Errorf("health check returned %d %q", resp.StatusCode, body)
	}
}

// TestHandleReady tests the /ready endpoint and the readiness probe
func TestHandleReady(t *testing.T) {
	s := newTestServer(DefaultServerConfig())
	req := httptest.NewRequest(http.MethodGet, "/ready", nil)

	if resp, _ := serve(s, req); resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected status 503 when not running, got %d", resp.StatusCode)
	}

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	if resp, _ := serve(s, req); resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200 when running, got %d", resp.StatusCode)
	}

	enabled := false
	s.SetReady(func() bool { return enabled })
	if resp, _ := serve(s, req); resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected status 503 while the probe fails, got %d", resp.StatusCode)
	}
	enabled = true
	if resp, _ := serve(s, req); resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200 once the probe passes, got %d", resp.StatusCode)
	}
}

// TestHandleRoot tests the landing page and 404 for unknown paths
func TestHandleRoot(t *testing.T) {
	s := newTestServer(DefaultServerConfig())
	resp, body := serve(s, httptest.NewRequest(http.MethodGet, "/", nil))
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(body, "<html>") || !strings.Contains(body, "/metrics") {
		t.Error("root should link to /metrics")
	}

	resp, _ = serve(s, httptest.NewRequest(http.MethodGet, "/unknown", nil))
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", resp.StatusCode)
	}
}

// TestHandle tests mounting an extra handler
func TestHandle(t *testing.T) {
	s := newTestServer(DefaultServerConfig())
	s.Handle("/status", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("status"))
	}))
	if _, body := serve(s, httptest.NewRequest(http.MethodGet, "/status", nil)); body != "status" {
		t.Errorf("mounted handler returned %q", body)
	}
}

// TestBasicAuth tests basic authentication
func TestBasicAuth(t *testing.T) {
	config := DefaultServerConfig()
	config.Username = "admin"
	config.Password = "secret123"
	s := newTestServer(config)

	resp, _ := serve(s, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 without auth, got %d", resp.StatusCode)
	}
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Error("should set WWW-Authenticate header")
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.SetBasicAuth("admin", "wrongpassword")
	if resp, _ := serve(s, req); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 with wrong password, got %d", resp.StatusCode)
	}

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.SetBasicAuth("admin", "secret123")
	if resp, _ := serve(s, req); resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 with correct auth, got %d", resp.StatusCode)
	}

	// Probes stay open
	if resp, _ := serve(s, httptest.NewRequest(http.MethodGet, "/health", nil)); resp.StatusCode != http.StatusOK {
		t.Errorf("health should not require auth, got %d", resp.StatusCode)
	}
}

// TestShutdown tests serving on an ephemeral port and graceful shutdown
func TestShutdown(t *testing.T) {
	config := DefaultServerConfig()
	config.Address = "127.0.0.1:0"
	s := newTestServer(config)
	errCh := s.StartAsync()

	deadline := time.Now().Add(2 * time.Second)
	for !s.IsRunning() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !s.IsRunning() {
		t.Fatal("server should be running after StartAsync")
	}

	resp, err := http.Get("http://" + s.Address() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()

	status := s.Status()
	if _, ok := status["uptime"].(float64); !ok {
		t.Error("uptime should be tracked while running")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Errorf("shutdown failed: %v", err)
	}
	if s.IsRunning() {
		t.Error("server should not be running after Shutdown")
	}
	if err := <-errCh; err != nil {
		t.Errorf("server error: %v", err)
	}
}

// BenchmarkHandleMetrics benchmarks the metrics endpoint
func BenchmarkHandleMetrics(b *testing.B) {
	s := newTestServer(DefaultServerConfig())
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		w := httptest.NewRecorder()
		s.mux.ServeHTTP(w, req)
	}
}
