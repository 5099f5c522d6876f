// Package httpclient implements a2a.Caller over JSON-RPC 2.0 HTTP POST,
// per the agent client and pool component (spec §4.6).
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/agentmesh/router/runtime/a2a"
	"github.com/agentmesh/router/runtime/a2a/types"
)

const methodMessageSend = "message/send"

type (
	// Option configures the HTTP client.
	Option func(*Client)

	// Client implements a2a.Caller over JSON-RPC 2.0 HTTP. One Client holds
	// one *http.Client and talks to exactly one remote endpoint; the pool
	// (see runtime/a2a.Pool) is responsible for sharing one Client per URL.
	Client struct {
		endpoint   string
		http       *http.Client
		headers    http.Header
		id         uint64
		maxRetries int
		retryDelay time.Duration
	}

	rpcRequest struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
		ID      uint64 `json:"id"`
		Params  any    `json:"params,omitempty"`
	}

	rpcParams struct {
		Message types.Message `json:"message"`
	}

	rpcResponse struct {
		JSONRPC string          `json:"jsonrpc"`
		Result  json.RawMessage `json:"result"`
		Error   *rpcError       `json:"error"`
		ID      uint64          `json:"id"`
	}

	rpcError struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
)

// Error implements the error interface for the wire rpcError shape.
func (e *rpcError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("a2a error %d: %s", e.Code, e.Message)
}

func (e *rpcError) callerError() *a2a.Error {
	if e == nil {
		return nil
	}
	return &a2a.Error{Code: e.Code, Message: e.Message}
}

// WithHTTPClient overrides the underlying *http.Client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithHeader adds a static header to all outgoing requests.
func WithHeader(name, value string) Option {
	return func(cl *Client) {
		if cl.headers == nil {
			cl.headers = make(http.Header)
		}
		cl.headers.Add(name, value)
	}
}

// WithRetry overrides the retry policy. maxRetries is the number of
// additional attempts after the first; delay is the base used by the
// delay formula base*(attempt+1).
func WithRetry(maxRetries int, delay time.Duration) Option {
	return func(cl *Client) {
		cl.maxRetries = maxRetries
		cl.retryDelay = delay
	}
}

// New constructs a Client implementing a2a.Caller. endpoint is the
// remote agent's JSON-RPC URL. Defaults: 30s per-attempt timeout, 3 max
// retries, 1s base retry delay — matching the outbound agent-to-agent
// defaults of spec §4.6.
func New(endpoint string, opts ...Option) (*Client, error) {
	if endpoint == "" {
		return nil, errors.New("httpclient: endpoint must not be empty")
	}
	cl := &Client{
		endpoint:   endpoint,
		http:       &http.Client{Timeout: 30 * time.Second},
		headers:    make(http.Header),
		maxRetries: 3,
		retryDelay: time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cl)
		}
	}
	return cl, nil
}

var _ a2a.Caller = (*Client)(nil)

func (c *Client) nextID() uint64 {
	return atomic.AddUint64(&c.id, 1)
}

// SendTask invokes message/send on the remote endpoint, retrying on
// network timeouts and HTTP 5xx responses only. 4xx responses and
// JSON-RPC error objects fail fast without retrying, per spec §4.6.
func (c *Client) SendTask(ctx context.Context, req a2a.SendTaskRequest) (a2a.SendTaskResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay * time.Duration(attempt)
			select {
			case <-ctx.Done():
				return a2a.SendTaskResponse{}, ctx.Err()
			case <-time.After(delay):
			}
		}

		resp, retryable, err := c.sendOnce(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable {
			return a2a.SendTaskResponse{}, err
		}
	}
	return a2a.SendTaskResponse{}, fmt.Errorf("httpclient: exhausted %d retries: %w", c.maxRetries, lastErr)
}

// sendOnce performs a single JSON-RPC attempt. The bool return reports
// whether the caller should retry the given error.
func (c *Client) sendOnce(ctx context.Context, req a2a.SendTaskRequest) (a2a.SendTaskResponse, bool, error) {
	rpcReq := rpcRequest{
		JSONRPC: "2.0",
		Method:  methodMessageSend,
		ID:      c.nextID(),
		Params:  rpcParams{Message: req.Message},
	}
	body, err := json.Marshal(rpcReq)
	if err != nil {
		return a2a.SendTaskResponse{}, false, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return a2a.SendTaskResponse{}, false, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, vs := range c.headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return a2a.SendTaskResponse{}, isRetryableTransportError(err), err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return a2a.SendTaskResponse{}, true, fmt.Errorf("httpclient: http status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return a2a.SendTaskResponse{}, false, fmt.Errorf("httpclient: http status %d", resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return a2a.SendTaskResponse{}, false, err
	}
	if rpcResp.Error != nil {
		return a2a.SendTaskResponse{}, false, rpcResp.Error.callerError()
	}
	if rpcResp.Result == nil {
		return a2a.SendTaskResponse{}, false, errors.New("httpclient: response has neither result nor error")
	}

	var msg types.Message
	if err := json.Unmarshal(rpcResp.Result, &msg); err != nil {
		return a2a.SendTaskResponse{}, false, fmt.Errorf("httpclient: decoding result: %w", err)
	}
	return a2a.SendTaskResponse{Message: msg}, false, nil
}

func isRetryableTransportError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// DelegateTask is a convenience wrapper that sends a single text part and
// returns the concatenated text of the reply's text parts.
func (c *Client) DelegateTask(ctx context.Context, text string, taskID string) (string, error) {
	resp, err := c.SendTask(ctx, a2a.SendTaskRequest{
		TaskID: taskID,
		Message: types.Message{
			Role:  "user",
			Parts: []types.Part{types.NewTextPart(text)},
		},
	})
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}

// HealthCheck issues a GET against the endpoint with a fixed 5s timeout
// and reports whether the remote agent answered with a 2xx status.
func (c *Client) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
