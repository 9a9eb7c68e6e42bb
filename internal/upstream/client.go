// Package upstream talks to the source-of-record ERP database. The wire
// protocol is Odoo's JSON-RPC envelope; the Extractor layers paging and
// field-level error recovery on top of the raw client.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"erpmirror/internal/logging"
	"erpmirror/internal/mirrorerr"
)

// Client executes remote calls against the upstream database.
type Client interface {
	// ExecuteKw invokes model.method(args, **kwargs) upstream.
	ExecuteKw(ctx context.Context, model, method string, args []interface{}, kwargs map[string]interface{}) (interface{}, error)
}

// Config holds upstream connection settings.
type Config struct {
	URL      string `yaml:"url"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Timeout  string `yaml:"timeout"` // per-call budget, default 60s
}

// JSONRPCClient is the production client. It authenticates lazily and
// caches the session uid.
type JSONRPCClient struct {
	cfg    Config
	client *http.Client

	mu  sync.Mutex
	uid int
}

// NewJSONRPCClient builds a client; no network traffic happens until the
// first call.
func NewJSONRPCClient(cfg Config) (*JSONRPCClient, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("upstream URL is required")
	}
	timeout := 60 * time.Second
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("bad upstream timeout %q: %w", cfg.Timeout, err)
		}
		timeout = d
	}
	return &JSONRPCClient{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}, nil
}

type rpcRequest struct {
	JSONRPC string                 `json:"jsonrpc"`
	Method  string                 `json:"method"`
	Params  map[string]interface{} `json:"params"`
	ID      int64                  `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Name    string `json:"name"`
		Message string `json:"message"`
		Debug   string `json:"debug"`
	} `json:"data"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// call performs one JSON-RPC round trip against the "call" service method.
func (c *JSONRPCClient) call(ctx context.Context, service, method string, args []interface{}) (json.RawMessage, error) {
	req := rpcRequest{
		JSONRPC: "2.0",
		Method:  "call",
		Params: map[string]interface{}{
			"service": service,
			"method":  method,
			"args":    args,
		},
		ID: time.Now().UnixNano(),
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal rpc request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.cfg.URL+"/jsonrpc", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build rpc request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", mirrorerr.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: status %d: %s", mirrorerr.ErrUpstreamUnavailable, resp.StatusCode, string(raw))
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("decode rpc response: %w", err)
	}
	if rpcResp.Error != nil {
		msg := rpcResp.Error.Data.Message
		if msg == "" {
			msg = rpcResp.Error.Message
		}
		return nil, &UpstreamError{Name: rpcResp.Error.Data.Name, Message: msg, Debug: rpcResp.Error.Data.Debug}
	}
	return rpcResp.Result, nil
}

// UpstreamError is an application-level error returned by the upstream
// (as opposed to a transport failure). Field-access refusals arrive as
// this type and are classified by the extractor.
type UpstreamError struct {
	Name    string
	Message string
	Debug   string
}

func (e *UpstreamError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("upstream error %s: %s", e.Name, e.Message)
	}
	return "upstream error: " + e.Message
}

// authenticate resolves and caches the session uid.
func (c *JSONRPCClient) authenticate(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.uid != 0 {
		return c.uid, nil
	}

	timer := logging.StartTimer(logging.CategoryUpstream, "authenticate")
	defer timer.Stop()

	raw, err := c.call(ctx, "common", "authenticate",
		[]interface{}{c.cfg.Database, c.cfg.User, c.cfg.Password, map[string]interface{}{}})
	if err != nil {
		return 0, err
	}
	var uid int
	if err := json.Unmarshal(raw, &uid); err != nil || uid == 0 {
		return 0, fmt.Errorf("%w: authentication rejected", mirrorerr.ErrUpstreamUnavailable)
	}
	c.uid = uid
	logging.Upstream("Authenticated as uid %d on %s", uid, c.cfg.Database)
	return uid, nil
}

// ExecuteKw invokes model.method(args, **kwargs) via the object service.
func (c *JSONRPCClient) ExecuteKw(ctx context.Context, model, method string, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	uid, err := c.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	if kwargs == nil {
		kwargs = map[string]interface{}{}
	}
	raw, err := c.call(ctx, "object", "execute_kw",
		[]interface{}{c.cfg.Database, uid, c.cfg.Password, model, method, args, kwargs})
	if err != nil {
		return nil, err
	}
	var result interface{}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode execute_kw result: %w", err)
	}
	return result, nil
}

// ClientFunc adapts a function to the Client interface. Used by tests and
// the resilience layer to interpose on calls.
type ClientFunc func(ctx context.Context, model, method string, args []interface{}, kwargs map[string]interface{}) (interface{}, error)

// ExecuteKw implements Client.
func (f ClientFunc) ExecuteKw(ctx context.Context, model, method string, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	return f(ctx, model, method, args, kwargs)
}
