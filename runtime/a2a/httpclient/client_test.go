package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentmesh/router/runtime/a2a"
	"github.com/agentmesh/router/runtime/a2a/types"
)

func TestSendTaskSuccess(t *testing.T) {
	var captured rpcRequest

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		defer func() { _ = r.Body.Close() }()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		require.Equal(t, "2.0", captured.JSONRPC)
		require.Equal(t, methodMessageSend, captured.Method)

		resp := rpcResponse{
			JSONRPC: "2.0",
			Result:  json.RawMessage(`{"role":"agent","parts":[{"kind":"text","text":"hi there"}]}`),
			ID:      captured.ID,
		}
		require.NoError(t, json.NewEncoder(w).Encode(&resp))
	})

	server := httptest.NewServer(handler)
	defer server.Close()

	client, err := New(server.URL)
	require.NoError(t, err)

	resp, err := client.SendTask(context.Background(), a2a.SendTaskRequest{
		Message: types.Message{Role: "user", Parts: []types.Part{types.NewTextPart("hello")}},
	})
	require.NoError(t, err)
	require.Equal(t, "hi there", resp.Text())
}

func TestSendTaskJSONRPCErrorFailsFastWithoutRetry(t *testing.T) {
	var calls int

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		defer func() { _ = r.Body.Close() }()
		resp := rpcResponse{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: a2a.JSONRPCInvalidParams, Message: "invalid params"},
			ID:      1,
		}
		require.NoError(t, json.NewEncoder(w).Encode(&resp))
	})

	server := httptest.NewServer(handler)
	defer server.Close()

	client, err := New(server.URL, WithRetry(3, time.Millisecond))
	require.NoError(t, err)

	_, err = client.SendTask(context.Background(), a2a.SendTaskRequest{
		Message: types.Message{Role: "user", Parts: []types.Part{types.NewTextPart("hello")}},
	})
	require.Error(t, err)

	var a2aErr *a2a.Error
	require.True(t, errors.As(err, &a2aErr))
	require.Equal(t, a2a.JSONRPCInvalidParams, a2aErr.Code)
	require.Equal(t, 1, calls, "JSON-RPC errors must not be retried")
}

func TestSendTask4xxFailsFastWithoutRetry(t *testing.T) {
	var calls int
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	})
	server := httptest.NewServer(handler)
	defer server.Close()

	client, err := New(server.URL, WithRetry(3, time.Millisecond))
	require.NoError(t, err)

	_, err = client.SendTask(context.Background(), a2a.SendTaskRequest{
		Message: types.Message{Role: "user", Parts: []types.Part{types.NewTextPart("hello")}},
	})
	require.Error(t, err)
	require.Equal(t, 1, calls, "4xx responses must not be retried")
}

func TestSendTask5xxRetriesThenSucceeds(t *testing.T) {
	var calls int
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		defer func() { _ = r.Body.Close() }()
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp := rpcResponse{
			JSONRPC: "2.0",
			Result:  json.RawMessage(`{"role":"agent","parts":[{"kind":"text","text":"ok"}]}`),
			ID:      req.ID,
		}
		require.NoError(t, json.NewEncoder(w).Encode(&resp))
	})
	server := httptest.NewServer(handler)
	defer server.Close()

	client, err := New(server.URL, WithRetry(3, time.Millisecond))
	require.NoError(t, err)

	resp, err := client.SendTask(context.Background(), a2a.SendTaskRequest{
		Message: types.Message{Role: "user", Parts: []types.Part{types.NewTextPart("hello")}},
	})
	require.NoError(t, err)
	require.Equal(t, "ok", resp.Text())
	require.Equal(t, 3, calls)
}

func TestSendTask5xxExhaustsRetries(t *testing.T) {
	var calls int
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	})
	server := httptest.NewServer(handler)
	defer server.Close()

	client, err := New(server.URL, WithRetry(2, time.Millisecond))
	require.NoError(t, err)

	_, err = client.SendTask(context.Background(), a2a.SendTaskRequest{
		Message: types.Message{Role: "user", Parts: []types.Part{types.NewTextPart("hello")}},
	})
	require.Error(t, err)
	require.Equal(t, 3, calls, "1 initial attempt + 2 retries")
}

func TestWithHeader(t *testing.T) {
	var apiKey string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey = r.Header.Get("X-API-Key")
		resp := rpcResponse{JSONRPC: "2.0", Result: json.RawMessage(`{"role":"agent","parts":[]}`), ID: 1}
		require.NoError(t, json.NewEncoder(w).Encode(&resp))
	})
	server := httptest.NewServer(handler)
	defer server.Close()

	client, err := New(server.URL, WithHeader("X-API-Key", "apikey"))
	require.NoError(t, err)

	_, err = client.SendTask(context.Background(), a2a.SendTaskRequest{
		Message: types.Message{Role: "user", Parts: []types.Part{types.NewTextPart("hello")}},
	})
	require.NoError(t, err)
	require.Equal(t, "apikey", apiKey)
}

func TestDelegateTask(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := rpcResponse{
			JSONRPC: "2.0",
			Result:  json.RawMessage(`{"role":"agent","parts":[{"kind":"text","text":"part1"},{"kind":"text","text":"part2"}]}`),
			ID:      1,
		}
		require.NoError(t, json.NewEncoder(w).Encode(&resp))
	})
	server := httptest.NewServer(handler)
	defer server.Close()

	client, err := New(server.URL)
	require.NoError(t, err)

	text, err := client.DelegateTask(context.Background(), "hello", "")
	require.NoError(t, err)
	require.Equal(t, "part1part2", text)
}

func TestHealthCheck(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	server := httptest.NewServer(handler)
	defer server.Close()

	client, err := New(server.URL)
	require.NoError(t, err)
	require.True(t, client.HealthCheck(context.Background()))
}

func TestHealthCheckUnreachable(t *testing.T) {
	client, err := New("http://127.0.0.1:1")
	require.NoError(t, err)
	require.False(t, client.HealthCheck(context.Background()))
}
