// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// Client calls a running server over HTTP POST.
type Client struct {
	url    string
	http   *http.Client
	nextID int64
}

// Error is a JSON-RPC error returned by the server.
type Error struct {
	Code      int
	Message   string
	ErrorCode string
	Responses []string
}

func (e *Error) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("rpc error %d [%s]: %s", e.Code, e.ErrorCode, e.Message)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewClient creates a client for addr, a host:port or a URL.
func NewClient(addr string, timeout time.Duration) *Client {
	url := addr
	if !strings.Contains(url, "://") {
		if strings.HasPrefix(url, ":") {
			url = "127.0.0.1" + url
		}
		url = "http://" + url
	}
	return &Client{
		url:  strings.TrimSuffix(url, "/") + "/jsonrpc",
		http: &http.Client{Timeout: timeout},
	}
}

// Call invokes method and decodes the result into result when non-nil.
func (c *Client) Call(ctx context.Context, method string, params map[string]any, result any) error {
	body, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      atomic.AddInt64(&c.nextID, 1),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("rpc %s: %w", method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rpc %s: HTTP %s", method, resp.Status)
	}

	var out struct {
		Result json.RawMessage `json:"result"`
		Error  *jsonRPCError   `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("rpc %s: decode response: %w", method, err)
	}
	if out.Error != nil {
		e := &Error{Code: out.Error.Code, Message: out.Error.Message}
		if code, ok := out.Error.Data["error_code"].(string); ok {
			e.ErrorCode = code
		}
		if list, ok := out.Error.Data["responses"].([]any); ok {
			for _, r := range list {
				if s, ok := r.(string); ok {
					e.Responses = append(e.Responses, s)
				}
			}
		}
		return e
	}
	if result == nil || len(out.Result) == 0 {
		return nil
	}
	return json.Unmarshal(out.Result, result)
}

// Script runs a command script and returns its responses.
func (c *Client) Script(ctx context.Context, script string) ([]string, error) {
	var out struct {
		Responses []string `json:"responses"`
	}
	err := c.Call(ctx, "printer.gcode.script", map[string]any{"script": script}, &out)
	if e, ok := err.(*Error); ok {
		return e.Responses, err
	}
	return out.Responses, err
}

// Status returns the controller status object.
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	var out struct {
		Status map[string]map[string]any `json:"status"`
	}
	err := c.Call(ctx, "printer.objects.query", map[string]any{
		"objects": map[string]any{ObjectName: nil},
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Status[ObjectName], nil
}
