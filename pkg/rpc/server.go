// Package rpc serves the ERCF controller over JSON-RPC 2.0, on HTTP POST
// and on a websocket that also carries status notifications.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"ercf-go/pkg/ercf"
	hosterrors "ercf-go/pkg/errors"
	"ercf-go/pkg/history"
	"ercf-go/pkg/log"
)

// ObjectName is the status object carrying the controller status.
const ObjectName = "ercf"

// StatusSource provides the controller status.
type StatusSource interface {
	Status() map[string]any
	DumpStats() string
}

// ScriptRunner executes command scripts.
type ScriptRunner interface {
	Run(ctx context.Context, script string) ([]string, error)
}

// HistorySource lists journaled operations.
type HistorySource interface {
	List(ctx context.Context, q history.Query) ([]history.Record, error)
	Summarize(ctx context.Context) ([]history.Summary, error)
}

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":7125")
	Addr string

	Status  StatusSource
	Scripts ScriptRunner
	// History is optional.
	History HistorySource
	Version string
	Logger  *log.Logger
}

// Server is the JSON-RPC server.
type Server struct {
	status  StatusSource
	scripts ScriptRunner
	history HistorySource
	version string
	log     *log.Logger

	httpServer *http.Server
	addr       string
	addrMu     sync.RWMutex

	wsUpgrader websocket.Upgrader
	wsClients  map[int64]*WSClient
	wsClientMu sync.RWMutex
	nextWSID   int64

	// clientID -> object -> attributes, nil attributes meaning all
	subscriptions map[int64]map[string][]string
	subMu         sync.RWMutex

	// ctx is cancelled on shutdown and bounds running scripts.
	ctx    context.Context
	cancel context.CancelFunc

	running   atomic.Bool
	startTime time.Time
}

// New creates a server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = log.GetLogger("rpc")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		status:        cfg.Status,
		scripts:       cfg.Scripts,
		history:       cfg.History,
		version:       cfg.Version,
		log:           logger,
		addr:          cfg.Addr,
		wsClients:     make(map[int64]*WSClient),
		subscriptions: make(map[int64]map[string][]string),
		ctx:           ctx,
		cancel:        cancel,
		startTime:     time.Now(),
	}
	s.wsUpgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	return s
}

// Handler returns the HTTP handler with every endpoint registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/jsonrpc", s.handleJSONRPC)
	mux.HandleFunc("/websocket", s.handleWebSocket)
	mux.HandleFunc("/server/info", s.handleREST(func(*http.Request) (any, error) { return s.methodServerInfo() }))
	mux.HandleFunc("/printer/objects/list", s.handleREST(func(*http.Request) (any, error) { return s.methodObjectsList() }))
	mux.HandleFunc("/printer/objects/query", s.handleREST(func(r *http.Request) (any, error) {
		objects := map[string]any{}
		for name, attrs := range r.URL.Query() {
			if len(attrs) == 1 && attrs[0] == "" {
				objects[name] = nil
				continue
			}
			list := make([]any, len(attrs))
			for i, a := range attrs {
				list[i] = a
			}
			objects[name] = list
		}
		return s.methodObjectsQuery(map[string]any{"objects": objects})
	}))
	return s.corsMiddleware(mux)
}

// Start listens on the configured address and serves until shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("rpc listen %s: %w", s.addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.addrMu.Lock()
	s.addr = ln.Addr().String()
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.httpServer
	s.addrMu.Unlock()

	s.running.Store(true)
	s.log.WithField("addr", s.Addr()).Info("RPC server listening")
	err := srv.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Addr returns the listen address, resolved once serving.
func (s *Server) Addr() string {
	s.addrMu.RLock()
	defer s.addrMu.RUnlock()
	return s.addr
}

// Shutdown closes every websocket client, cancels running scripts and
// stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.running.Store(false)
	s.cancel()

	s.wsClientMu.Lock()
	for _, client := range s.wsClients {
		client.Close()
	}
	s.wsClients = make(map[int64]*WSClient)
	s.wsClientMu.Unlock()

	s.addrMu.RLock()
	srv := s.httpServer
	s.addrMu.RUnlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// ClientCount returns the number of connected websocket clients.
func (s *Server) ClientCount() int {
	s.wsClientMu.RLock()
	defer s.wsClientMu.RUnlock()
	return len(s.wsClients)
}

// JSON-RPC 2.0 structures

type jsonRPCRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
	ID      any            `json:"id,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method,omitempty"`
	Params  any           `json:"params,omitempty"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
	ID      any           `json:"id,omitempty"`
}

type jsonRPCError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
)

// rpcError carries a JSON-RPC error code through dispatch.
type rpcError struct {
	code int
	msg  string
}

func (e *rpcError) Error() string { return e.msg }

func invalidParams(format string, args ...any) error {
	return &rpcError{code: codeInvalidParams, msg: fmt.Sprintf(format, args...)}
}

// toRPCError maps err to a JSON-RPC error. Controller error codes are
// reported in data.
func toRPCError(err error, responses []string) *jsonRPCError {
	if re, ok := err.(*rpcError); ok {
		return &jsonRPCError{Code: re.code, Message: re.msg}
	}
	e := &jsonRPCError{Code: codeServerError, Message: err.Error()}
	data := map[string]any{}
	if code := hosterrors.CodeOf(err); code != "" {
		data["error_code"] = string(code)
	}
	if len(responses) > 0 {
		data["responses"] = responses
	}
	if len(data) > 0 {
		e.Data = data
	}
	return e
}

// scriptError keeps the responses of a partially executed script.
type scriptError struct {
	err       error
	responses []string
}

func (e *scriptError) Error() string { return e.err.Error() }
func (e *scriptError) Unwrap() error { return e.err }

func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req jsonRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, errorResponse(nil, &jsonRPCError{Code: codeParseError, Message: "Parse error"}))
		return
	}
	s.writeJSON(w, s.call(r.Context(), req, nil))
}

// call runs one request and builds its response.
func (s *Server) call(ctx context.Context, req jsonRPCRequest, client *WSClient) jsonRPCResponse {
	result, err := s.dispatchMethod(ctx, req.Method, req.Params, client)
	if err != nil {
		var responses []string
		if se, ok := err.(*scriptError); ok {
			responses = se.responses
		}
		s.log.WithFields(log.Fields{"method": req.Method}).WithError(err).Debug("RPC request failed")
		return errorResponse(req.ID, toRPCError(err, responses))
	}
	return jsonRPCResponse{JSONRPC: "2.0", Result: result, ID: req.ID}
}

func errorResponse(id any, e *jsonRPCError) jsonRPCResponse {
	return jsonRPCResponse{JSONRPC: "2.0", Error: e, ID: id}
}

// dispatchMethod routes a method call to the appropriate handler.
func (s *Server) dispatchMethod(ctx context.Context, method string, params map[string]any, client *WSClient) (any, error) {
	switch method {
	case "server.info":
		return s.methodServerInfo()
	case "printer.objects.list":
		return s.methodObjectsList()
	case "printer.objects.query":
		return s.methodObjectsQuery(params)
	case "printer.objects.subscribe":
		return s.methodObjectsSubscribe(params, client)
	case "printer.gcode.script":
		return s.methodGCodeScript(ctx, params)
	case "ercf.stats":
		return s.methodStats()
	case "ercf.history":
		return s.methodHistory(ctx, params)
	case "server.connection.identify":
		return s.methodIdentify(params, client)
	default:
		return nil, &rpcError{code: codeMethodNotFound, msg: fmt.Sprintf("method not found: %s", method)}
	}
}

func (s *Server) eventtime() float64 {
	return time.Since(s.startTime).Seconds()
}

func (s *Server) methodServerInfo() (any, error) {
	hostname, _ := os.Hostname()
	state := "ready"
	if s.status != nil {
		if locked, _ := s.status.Status()["is_paused"].(bool); locked {
			state = "paused"
		}
	}
	return map[string]any{
		"state":           state,
		"version":         s.version,
		"hostname":        hostname,
		"websocket_count": s.ClientCount(),
		"uptime":          s.eventtime(),
		"history":         s.history != nil,
	}, nil
}

func (s *Server) methodObjectsList() (any, error) {
	return map[string]any{"objects": []string{ObjectName}}, nil
}

// parseObjects reads {"objects": {name: null | [attr, ...]}}.
func parseObjects(params map[string]any) (map[string][]string, error) {
	raw, ok := params["objects"]
	if !ok {
		return nil, invalidParams("missing 'objects' parameter")
	}
	objects, ok := raw.(map[string]any)
	if !ok {
		return nil, invalidParams("'objects' must be an object")
	}
	out := make(map[string][]string, len(objects))
	for name, attrsVal := range objects {
		var attrs []string
		if list, ok := attrsVal.([]any); ok {
			for _, a := range list {
				if str, ok := a.(string); ok {
					attrs = append(attrs, str)
				}
			}
		}
		out[name] = attrs
	}
	return out, nil
}

// objectStatus returns the filtered status of a known object, or nil.
func (s *Server) objectStatus(name string, attrs []string) map[string]any {
	if name != ObjectName || s.status == nil {
		return nil
	}
	return filterStatus(s.status.Status(), attrs)
}

func filterStatus(status map[string]any, attrs []string) map[string]any {
	if len(attrs) == 0 {
		return status
	}
	filtered := make(map[string]any, len(attrs))
	for _, attr := range attrs {
		if v, ok := status[attr]; ok {
			filtered[attr] = v
		}
	}
	return filtered
}

func (s *Server) query(objects map[string][]string) map[string]any {
	result := make(map[string]any)
	for name, attrs := range objects {
		if st := s.objectStatus(name, attrs); st != nil {
			result[name] = st
		}
	}
	return result
}

func (s *Server) methodObjectsQuery(params map[string]any) (any, error) {
	objects, err := parseObjects(params)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"eventtime": s.eventtime(),
		"status":    s.query(objects),
	}, nil
}

func (s *Server) methodObjectsSubscribe(params map[string]any, client *WSClient) (any, error) {
	if client == nil {
		return nil, invalidParams("subscription requires WebSocket connection")
	}
	objects, err := parseObjects(params)
	if err != nil {
		return nil, err
	}
	s.subMu.Lock()
	s.subscriptions[client.id] = objects
	s.subMu.Unlock()

	return map[string]any{
		"eventtime": s.eventtime(),
		"status":    s.query(objects),
	}, nil
}

func (s *Server) methodGCodeScript(ctx context.Context, params map[string]any) (any, error) {
	script, ok := params["script"].(string)
	if !ok {
		return nil, invalidParams("missing 'script' parameter")
	}
	if s.scripts == nil {
		return nil, &rpcError{code: codeServerError, msg: "no command handler"}
	}
	s.log.WithField("script", script).Debug("Running script")
	responses, err := s.scripts.Run(ctx, script)
	if err != nil {
		return nil, &scriptError{err: err, responses: responses}
	}
	if responses == nil {
		responses = []string{}
	}
	return map[string]any{"responses": responses}, nil
}

func (s *Server) methodStats() (any, error) {
	if s.status == nil {
		return nil, &rpcError{code: codeServerError, msg: "no controller"}
	}
	return map[string]any{"report": s.status.DumpStats()}, nil
}

func (s *Server) methodHistory(ctx context.Context, params map[string]any) (any, error) {
	if s.history == nil {
		return nil, &rpcError{code: codeServerError, msg: "history is not enabled"}
	}
	var q history.Query
	if v, ok := params["limit"]; ok {
		n, ok := v.(float64)
		if !ok || n < 0 {
			return nil, invalidParams("'limit' must be a non-negative number")
		}
		q.Limit = int(n)
	}
	if v, ok := params["operation"]; ok {
		op, ok := v.(string)
		if !ok {
			return nil, invalidParams("'operation' must be a string")
		}
		q.Operation = op
	}
	if v, ok := params["gate"]; ok {
		n, ok := v.(float64)
		if !ok {
			return nil, invalidParams("'gate' must be a number")
		}
		g := int(n)
		q.Gate = &g
	}
	if v, ok := params["failed"]; ok {
		failed, ok := v.(bool)
		if !ok {
			return nil, invalidParams("'failed' must be a boolean")
		}
		q.Failed = failed
	}
	records, err := s.history.List(ctx, q)
	if err != nil {
		return nil, err
	}
	summary, err := s.history.Summarize(ctx)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []history.Record{}
	}
	return map[string]any{"operations": records, "summary": summary}, nil
}

func (s *Server) methodIdentify(params map[string]any, client *WSClient) (any, error) {
	name := "unknown"
	if n, ok := params["client_name"].(string); ok {
		name = n
	}
	var id int64
	if client != nil {
		id = client.id
		client.setName(name)
	}
	s.log.WithFields(log.Fields{"client": name, "connection_id": id}).Info("Client identified")
	return map[string]any{"connection_id": id}, nil
}

// Observe pushes status updates to subscribers and operation results to
// every client.
func (s *Server) Observe(e ercf.Event) {
	switch e.Kind {
	case ercf.EventState, ercf.EventPosition, ercf.EventSelection, ercf.EventGateStatus, ercf.EventPause:
		s.broadcastStatusUpdates()
	case ercf.EventOperation:
		result := map[string]any{
			"op_id":      e.OpID,
			"operation":  e.Operation,
			"tool":       e.Tool,
			"gate":       e.Gate,
			"position":   e.Position.String(),
			"duration":   e.Duration.Seconds(),
			"encoder_mm": e.EncoderMM,
			"outcome":    ercf.Outcome(e.Err),
		}
		if e.Err != nil {
			result["error"] = e.Err.Error()
		}
		s.broadcast(jsonRPCResponse{
			JSONRPC: "2.0",
			Method:  "notify_ercf_operation",
			Params:  []any{result},
		})
		s.broadcastStatusUpdates()
	}
}

func (s *Server) broadcast(msg any) {
	s.wsClientMu.RLock()
	clients := make([]*WSClient, 0, len(s.wsClients))
	for _, c := range s.wsClients {
		clients = append(clients, c)
	}
	s.wsClientMu.RUnlock()
	for _, c := range clients {
		c.Send(msg)
	}
}

// broadcastStatusUpdates sends the subscribed status to each subscriber.
func (s *Server) broadcastStatusUpdates() {
	s.subMu.RLock()
	ids := make([]int64, 0, len(s.subscriptions))
	for id := range s.subscriptions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	subs := make(map[int64]map[string][]string, len(ids))
	for _, id := range ids {
		subs[id] = s.subscriptions[id]
	}
	s.subMu.RUnlock()

	eventtime := s.eventtime()
	for _, id := range ids {
		s.wsClientMu.RLock()
		client, ok := s.wsClients[id]
		s.wsClientMu.RUnlock()
		if !ok {
			continue
		}
		status := s.query(subs[id])
		if len(status) == 0 {
			continue
		}
		client.Send(jsonRPCResponse{
			JSONRPC: "2.0",
			Method:  "notify_status_update",
			Params:  []any{status, eventtime},
		})
	}
}

// REST endpoint handlers

func (s *Server) handleREST(fn func(*http.Request) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		result, err := fn(r)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]any{"error": toRPCError(err, nil)})
			return
		}
		s.writeJSON(w, map[string]any{"result": result})
	}
}

// corsMiddleware allows cross-origin requests from web frontends.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.WithError(err).Debug("Response write failed")
	}
}
