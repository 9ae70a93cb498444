// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"ercf-go/pkg/config"
	"ercf-go/pkg/ercf"
	hosterrors "ercf-go/pkg/errors"
	"ercf-go/pkg/gcode"
	"ercf-go/pkg/history"
	"ercf-go/pkg/log"
	"ercf-go/pkg/savevars"
	"ercf-go/pkg/sim"
)

type fakeStatus struct{ status map[string]any }

func (f *fakeStatus) Status() map[string]any { return f.status }
func (f *fakeStatus) DumpStats() string      { return "no swaps yet" }

type scriptFunc func(ctx context.Context, script string) ([]string, error)

func (f scriptFunc) Run(ctx context.Context, script string) ([]string, error) { return f(ctx, script) }

type fakeHistory struct {
	records []history.Record
	query   history.Query
}

func (f *fakeHistory) List(ctx context.Context, q history.Query) ([]history.Record, error) {
	f.query = q
	return f.records, nil
}

func (f *fakeHistory) Summarize(ctx context.Context) ([]history.Summary, error) {
	return []history.Summary{{Operation: "change_tool", Count: len(f.records)}}, nil
}

func quietLogger() *log.Logger {
	l := log.New("rpc")
	l.SetWriter(io.Discard)
	return l
}

func newTestServer() *Server {
	return New(Config{
		Status: &fakeStatus{status: map[string]any{
			"tool": 1, "gate": 1, "state": "idle", "position": "at_nozzle", "is_paused": false,
		}},
		Scripts: scriptFunc(func(ctx context.Context, script string) ([]string, error) {
			if strings.HasPrefix(script, "FAIL") {
				return []string{"partial"}, hosterrors.GateEmptyOrStuck(2, "no filament")
			}
			return []string{"ran " + script}, nil
		}),
		History: &fakeHistory{records: []history.Record{{ID: "a", Operation: "change_tool", Outcome: "ok"}}},
		Version: "test",
		Logger:  quietLogger(),
	})
}

func postRPC(t *testing.T, h http.Handler, body string) map[string]any {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/jsonrpc", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v (%s)", err, rec.Body.String())
	}
	return resp
}

func TestServerInfo(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/server/info", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("CORS header = %q", got)
	}
	var resp struct {
		Result map[string]any `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Result["state"] != "ready" || resp.Result["version"] != "test" {
		t.Errorf("result = %v", resp.Result)
	}
}

func TestObjectsQuery(t *testing.T) {
	s := newTestServer()
	resp := postRPC(t, s.Handler(), `{"jsonrpc":"2.0","method":"printer.objects.query","params":{"objects":{"ercf":["tool","state"],"toolhead":null}},"id":7}`)

	if resp["id"] != float64(7) {
		t.Errorf("id = %v", resp["id"])
	}
	status := resp["result"].(map[string]any)["status"].(map[string]any)
	if _, ok := status["toolhead"]; ok {
		t.Error("unknown objects are omitted")
	}
	ercfStatus := status["ercf"].(map[string]any)
	if len(ercfStatus) != 2 || ercfStatus["tool"] != float64(1) || ercfStatus["state"] != "idle" {
		t.Errorf("ercf = %v", ercfStatus)
	}

	req := httptest.NewRequest(http.MethodGet, "/printer/objects/query?ercf=position", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if !strings.Contains(rec.Body.String(), `"position":"at_nozzle"`) || strings.Contains(rec.Body.String(), `"tool"`) {
		t.Errorf("REST query = %s", rec.Body.String())
	}
}

func TestJSONRPCErrors(t *testing.T) {
	s := newTestServer()
	h := s.Handler()

	tests := []struct {
		name string
		body string
		code float64
	}{
		{"parse error", `{not json`, codeParseError},
		{"unknown method", `{"jsonrpc":"2.0","method":"printer.emergency_stop","id":1}`, codeMethodNotFound},
		{"missing objects", `{"jsonrpc":"2.0","method":"printer.objects.query","params":{},"id":1}`, codeInvalidParams},
		{"subscribe over http", `{"jsonrpc":"2.0","method":"printer.objects.subscribe","params":{"objects":{}},"id":1}`, codeInvalidParams},
		{"bad history limit", `{"jsonrpc":"2.0","method":"ercf.history","params":{"limit":"ten"},"id":1}`, codeInvalidParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postRPC(t, h, tt.body)
			e, ok := resp["error"].(map[string]any)
			if !ok {
				t.Fatalf("no error in %v", resp)
			}
			if e["code"] != tt.code {
				t.Errorf("code = %v, want %v", e["code"], tt.code)
			}
		})
	}

	resp := postRPC(t, h, `{"jsonrpc":"2.0","method":"printer.gcode.script","params":{"script":"FAIL NOW"},"id":2}`)
	e := resp["error"].(map[string]any)
	data := e["data"].(map[string]any)
	if data["error_code"] != string(hosterrors.ErrGateEmptyOrStuck) {
		t.Errorf("data = %v", data)
	}
	if r := data["responses"].([]any); len(r) != 1 || r[0] != "partial" {
		t.Errorf("responses = %v", r)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jsonrpc", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /jsonrpc = %d", rec.Code)
	}
}

func TestHistoryMethod(t *testing.T) {
	s := newTestServer()
	resp := postRPC(t, s.Handler(), `{"jsonrpc":"2.0","method":"ercf.history","params":{"limit":5,"gate":2,"failed":true,"operation":"change_tool"},"id":3}`)
	result := resp["result"].(map[string]any)
	ops := result["operations"].([]any)
	if len(ops) != 1 || ops[0].(map[string]any)["id"] != "a" {
		t.Errorf("operations = %v", ops)
	}
	q := s.history.(*fakeHistory).query
	if q.Limit != 5 || q.Gate == nil || *q.Gate != 2 || !q.Failed || q.Operation != "change_tool" {
		t.Errorf("query = %+v", q)
	}

	noHistory := New(Config{Logger: quietLogger()})
	resp = postRPC(t, noHistory.Handler(), `{"jsonrpc":"2.0","method":"ercf.history","id":4}`)
	if resp["error"] == nil {
		t.Error("history without a journal must fail")
	}
}

func TestClient(t *testing.T) {
	s := newTestServer()
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	c := NewClient(ts.URL, 5*time.Second)
	ctx := context.Background()

	out, err := c.Script(ctx, "ERCF_STATUS")
	if err != nil || len(out) != 1 || out[0] != "ran ERCF_STATUS" {
		t.Fatalf("Script = %v, %v", out, err)
	}

	out, err = c.Script(ctx, "FAIL")
	var rpcErr *Error
	if !errors.As(err, &rpcErr) || rpcErr.ErrorCode != string(hosterrors.ErrGateEmptyOrStuck) {
		t.Fatalf("Script error = %v", err)
	}
	if len(out) != 1 || out[0] != "partial" {
		t.Errorf("partial responses = %v", out)
	}

	status, err := c.Status(ctx)
	if err != nil || status["position"] != "at_nozzle" {
		t.Fatalf("Status = %v, %v", status, err)
	}

	var stats map[string]string
	if err := c.Call(ctx, "ercf.stats", nil, &stats); err != nil || stats["report"] != "no swaps yet" {
		t.Fatalf("stats = %v, %v", stats, err)
	}

	if got := NewClient(":7125", time.Second).url; got != "http://127.0.0.1:7125/jsonrpc" {
		t.Errorf("url = %s", got)
	}
}

func newController(t *testing.T) *ercf.Controller {
	t.Helper()
	m := sim.New(sim.Geometry{BowdenLength: 600}, []float64{4, 25, 46}, 0)
	settings, err := ercf.LoadSettings(config.NewSection("ercf", map[string]string{
		"colorselector":             "4, 25, 46",
		"calibration_bowden_length": "500",
		"home_position_to_nozzle":   "60",
	}), false)
	if err != nil {
		t.Fatal(err)
	}
	vars, err := savevars.Open(filepath.Join(t.TempDir(), "variables.cfg"))
	if err != nil {
		t.Fatal(err)
	}
	if err := vars.SetMany(map[string]any{"ercf_calib_ref": 600.0, "ercf_calib_version": 3}); err != nil {
		t.Fatal(err)
	}
	logger := log.New("ercf")
	logger.SetWriter(io.Discard)
	c, err := ercf.New(ercf.Options{
		Settings: settings,
		Hardware: m.Hardware(),
		Hooks:    m.Hooks(),
		Vars:     vars,
		Logger:   logger,
	})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

// readUntil reads messages until match returns true.
func readUntil(t *testing.T, conn *websocket.Conn, seen func(map[string]any), match func(map[string]any) bool) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if seen != nil {
			seen(msg)
		}
		if match(msg) {
			return msg
		}
	}
}

func hasID(id float64) func(map[string]any) bool {
	return func(m map[string]any) bool { return m["id"] == id }
}

func TestWebSocketToolChange(t *testing.T) {
	c := newController(t)
	cm := gcode.NewCommandManager()
	cm.SetLogger(quietLogger())
	gcode.RegisterERCF(cm, c)

	s := New(Config{Status: c, Scripts: cm, Logger: quietLogger()})
	c.Subscribe(s)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/websocket", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	readUntil(t, conn, nil, func(m map[string]any) bool { return m["method"] == "notify_ercf_ready" })

	conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "method": "server.connection.identify", "params": map[string]any{"client_name": "test"}, "id": 1})
	readUntil(t, conn, nil, hasID(1))

	conn.WriteJSON(map[string]any{
		"jsonrpc": "2.0",
		"method":  "printer.objects.subscribe",
		"params":  map[string]any{"objects": map[string]any{"ercf": []string{"tool", "position"}}},
		"id":      2,
	})
	sub := readUntil(t, conn, nil, hasID(2))
	initial := sub["result"].(map[string]any)["status"].(map[string]any)["ercf"].(map[string]any)
	if initial["tool"] != float64(ercf.ToolUnknown) {
		t.Errorf("initial status = %v", initial)
	}

	var updates, operations []map[string]any
	collect := func(m map[string]any) {
		switch m["method"] {
		case "notify_status_update":
			updates = append(updates, m)
		case "notify_ercf_operation":
			operations = append(operations, m)
		}
	}
	conn.WriteJSON(map[string]any{
		"jsonrpc": "2.0",
		"method":  "printer.gcode.script",
		"params":  map[string]any{"script": "ERCF_HOME\nERCF_CHANGE_TOOL TOOL=2"},
		"id":      3,
	})
	resp := readUntil(t, conn, collect, hasID(3))
	if resp["error"] != nil {
		t.Fatalf("script failed: %v", resp["error"])
	}
	// The operation notification is sent before the script returns.
	if len(operations) < 2 {
		t.Fatalf("operations = %v", operations)
	}
	last := operations[len(operations)-1]["params"].([]any)[0].(map[string]any)
	if last["operation"] != "change_tool" || last["outcome"] != "ok" || last["position"] != "at_nozzle" {
		t.Errorf("last operation = %v", last)
	}
	if len(updates) == 0 {
		t.Fatal("no status updates")
	}
	final := updates[len(updates)-1]["params"].([]any)[0].(map[string]any)["ercf"].(map[string]any)
	if final["tool"] != float64(2) || final["position"] != "at_nozzle" || len(final) != 2 {
		t.Errorf("final update = %v", final)
	}
	if s.ClientCount() != 1 {
		t.Errorf("clients = %d", s.ClientCount())
	}
}

func TestServeAndShutdown(t *testing.T) {
	s := newTestServer()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(ln) }()

	deadline := time.Now().Add(5 * time.Second)
	for !s.running.Load() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	resp, err := http.Post("http://"+s.Addr()+"/jsonrpc", "application/json",
		bytes.NewBufferString(`{"jsonrpc":"2.0","method":"printer.objects.list","id":1}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if err := <-errCh; err != nil {
		t.Errorf("Serve returned %v", err)
	}
}
