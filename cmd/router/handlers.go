package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agentmesh/router/internal/apikey"
	"github.com/agentmesh/router/internal/apikey/store"
	"github.com/agentmesh/router/internal/auth"
	"github.com/agentmesh/router/internal/breaker"
	"github.com/agentmesh/router/internal/ratelimit"
	"github.com/agentmesh/router/internal/router"
	"github.com/agentmesh/router/internal/workflow"
	"github.com/agentmesh/router/runtime/a2a/types"
)

// adminScope gates every /admin/organizations route: a caller must hold
// this scope (or the wildcard scope) in addition to passing the auth
// middleware's key validation.
const adminScope = "admin:organizations"

// httpServer holds the already-constructed components main wires
// together and exposes them as chi handlers.
type httpServer struct {
	router       *router.Router
	orchestrator *workflow.Orchestrator
	apiKeys      *apikey.Service
	breakers     *breaker.Manager
	startedAt    time.Time
	version      string
}

// --- JSON-RPC message/send -------------------------------------------------

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	ID      uint64          `json:"id"`
	Params  json.RawMessage `json:"params"`
}

type rpcParams struct {
	Message types.Message `json:"message"`
	TaskID  string        `json:"taskId,omitempty"`
}

type rpcSuccess struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Result  types.Message `json:"result"`
}

type rpcFailure struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      uint64      `json:"id"`
	Error   rpcErrorObj `json:"error"`
}

type rpcErrorObj struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const methodMessageSend = "message/send"

// handleMessageSend implements the inbound JSON-RPC 2.0 endpoint (spec
// §6): only "message/send" is recognized; every other method name
// returns JSONRPCMethodNotFound.
func (h *httpServer) handleMessageSend(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPCError(w, 0, -32700, "parse error")
		return
	}
	if req.Method != methodMessageSend {
		writeRPCError(w, req.ID, -32601, "method not found")
		return
	}
	var params rpcParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		writeRPCError(w, req.ID, -32602, "invalid params")
		return
	}

	identity := clientIdentity(r)
	authCtx := auth.FromContext(r.Context())
	limits := ratelimitLimitsFor(authCtx)

	result, err := h.router.Handle(r.Context(), router.Request{
		Message:  params.Message,
		TaskID:   params.TaskID,
		UserID:   identity,
		Identity: identity,
		Limits:   limits,
	})
	if err != nil {
		writeRPCError(w, req.ID, -32603, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rpcSuccess{JSONRPC: "2.0", ID: req.ID, Result: router.MarshalResponse(result)})
}

func writeRPCError(w http.ResponseWriter, id uint64, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rpcFailure{JSONRPC: "2.0", ID: id, Error: rpcErrorObj{Code: code, Message: msg}})
}

func clientIdentity(r *http.Request) string {
	if authCtx := auth.FromContext(r.Context()); authCtx != nil {
		return authCtx.KeyID
	}
	host, _, err := splitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func splitHostPort(addr string) (string, string, error) {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i], addr[i+1:], nil
		}
	}
	return "", "", errors.New("no port in address")
}

func ratelimitLimitsFor(authCtx *auth.AuthContext) ratelimit.Limits {
	if authCtx == nil {
		return ratelimit.Limits{PerMinute: 60, PerHour: 1000, PerDay: 10000}
	}
	return ratelimit.Limits{
		PerMinute: authCtx.EffectiveRateMin,
		PerHour:   authCtx.EffectiveRateMin * 60,
		PerDay:    authCtx.EffectiveRateMin * 60 * 24,
	}
}

// --- health/ready/metrics ----------------------------------------------------

type healthResponse struct {
	Status         string           `json:"status"`
	Checks         map[string]bool  `json:"checks"`
	UptimeSeconds  float64          `json:"uptime_seconds"`
	Timestamp      time.Time        `json:"timestamp"`
	Version        string           `json:"version"`
}

func (h *httpServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]bool{"router": h.router != nil}
	status := "ok"
	for _, ok := range checks {
		if !ok {
			status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        status,
		Checks:        checks,
		UptimeSeconds: time.Since(h.startedAt).Seconds(),
		Timestamp:     time.Now(),
		Version:       h.version,
	})
}

type readyResponse struct {
	Ready  bool            `json:"ready"`
	Checks map[string]bool `json:"checks"`
}

func (h *httpServer) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := map[string]bool{"router": h.router != nil, "apikeys": h.apiKeys != nil}
	ready := true
	for _, ok := range checks {
		if !ok {
			ready = false
		}
	}
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, readyResponse{Ready: ready, Checks: checks})
}

// --- admin: organizations ----------------------------------------------------

type createOrganizationRequest struct {
	Name         string `json:"name"`
	Slug         string `json:"slug,omitempty"`
	Email        string `json:"email,omitempty"`
	Plan         string `json:"plan,omitempty"`
	RateLimit    int    `json:"rate_limit"`
	MaxAPIKeys   int    `json:"max_api_keys"`
	MonthlyLimit int    `json:"monthly_limit"`
}

// organizationResponse only carries the fields store.Organization
// actually persists. slug/email/plan are accepted on create (spec §6)
// but are neither stored nor returned in the response; see DESIGN.md.
type organizationResponse struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Active       bool      `json:"is_active"`
	RateLimit    int       `json:"rate_limit"`
	MaxAPIKeys   int       `json:"max_api_keys"`
	MonthlyLimit int       `json:"monthly_limit"`
	CreatedAt    time.Time `json:"created_at"`
}

func toOrganizationResponse(o store.Organization) organizationResponse {
	return organizationResponse{
		ID: o.ID, Name: o.Name, Active: o.Active, RateLimit: o.RateLimit,
		MaxAPIKeys: o.MaxAPIKeys, MonthlyLimit: o.MonthlyLimit, CreatedAt: o.CreatedAt,
	}
}

func (h *httpServer) handleCreateOrganization(w http.ResponseWriter, r *http.Request) {
	if !requireAdminScope(w, r) {
		return
	}
	var req createOrganizationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	org, err := h.apiKeys.CreateOrganization(r.Context(), apikey.OrganizationParams{
		Name: req.Name, RateLimit: req.RateLimit, MaxAPIKeys: req.MaxAPIKeys, MonthlyLimit: req.MonthlyLimit,
	})
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrganizationResponse(org))
}

func (h *httpServer) handleGetOrganization(w http.ResponseWriter, r *http.Request) {
	if !requireAdminScope(w, r) {
		return
	}
	org, err := h.apiKeys.GetOrganization(r.Context(), chi.URLParam(r, "orgID"))
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrganizationResponse(org))
}

type listOrganizationsResponse struct {
	Organizations []organizationResponse `json:"organizations"`
	Total         int                    `json:"total"`
	Limit         int                    `json:"limit"`
	Offset        int                    `json:"offset"`
}

func (h *httpServer) handleListOrganizations(w http.ResponseWriter, r *http.Request) {
	if !requireAdminScope(w, r) {
		return
	}
	limit := queryIntOr(r, "limit", 20)
	offset := queryIntOr(r, "offset", 0)
	var activeOnly *bool
	if v := r.URL.Query().Get("is_active"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err == nil {
			activeOnly = &parsed
		}
	}

	orgs, total, err := h.apiKeys.ListOrganizations(r.Context(), limit, offset, activeOnly)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	out := make([]organizationResponse, len(orgs))
	for i, o := range orgs {
		out[i] = toOrganizationResponse(o)
	}
	writeJSON(w, http.StatusOK, listOrganizationsResponse{Organizations: out, Total: total, Limit: limit, Offset: offset})
}

// --- admin: API keys ----------------------------------------------------------

type createAPIKeyRequest struct {
	Name            string   `json:"name"`
	Environment     string   `json:"environment"`
	Scopes          []string `json:"scopes,omitempty"`
	CustomRateLimit int      `json:"custom_rate_limit,omitempty"`
	ExpiresInDays   int      `json:"expires_in_days,omitempty"`
}

type createAPIKeyResponse struct {
	Key   string       `json:"key"`
	KeyID string       `json:"key_id"`
	Hint  string       `json:"key_hint"`
	Scopes []string    `json:"scopes"`
}

func (h *httpServer) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	if !requireAdminScope(w, r) {
		return
	}
	orgID := chi.URLParam(r, "orgID")
	var req createAPIKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	plaintext, key, err := h.apiKeys.Create(r.Context(), apikey.CreateParams{
		OrganizationID: orgID, Name: req.Name, Environment: apikey.Environment(req.Environment),
		Scopes: req.Scopes, CustomRateLimit: req.CustomRateLimit, ExpiresInDays: req.ExpiresInDays,
	})
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createAPIKeyResponse{Key: plaintext, KeyID: key.ID, Hint: key.KeyHint, Scopes: key.Scopes})
}

func (h *httpServer) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	if !requireAdminScope(w, r) {
		return
	}
	keys, err := h.apiKeys.List(r.Context(), chi.URLParam(r, "orgID"))
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (h *httpServer) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	if !requireAdminScope(w, r) {
		return
	}
	authCtx := auth.FromContext(r.Context())
	revokedBy := ""
	if authCtx != nil {
		revokedBy = authCtx.KeyID
	}
	if err := h.apiKeys.Revoke(r.Context(), chi.URLParam(r, "keyID"), "revoked via admin API", revokedBy); err != nil {
		writeServiceErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type usageSummaryResponse struct {
	OrganizationID string `json:"organization_id"`
	Year           int    `json:"year"`
	Month          int    `json:"month"`
	RequestCount   int    `json:"request_count"`
}

func (h *httpServer) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	if !requireAdminScope(w, r) {
		return
	}
	now := time.Now()
	year := queryIntOr(r, "year", now.Year())
	month := queryIntOr(r, "month", int(now.Month()))
	orgID := chi.URLParam(r, "orgID")

	count, err := h.apiKeys.UsageSummary(r.Context(), orgID, year, time.Month(month))
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, usageSummaryResponse{OrganizationID: orgID, Year: year, Month: month, RequestCount: count})
}

// --- shared helpers -----------------------------------------------------------

func requireAdminScope(w http.ResponseWriter, r *http.Request) bool {
	authCtx := auth.FromContext(r.Context())
	if authCtx == nil || !auth.CheckScope(authCtx.Scopes, adminScope) {
		http.Error(w, "insufficient scope", http.StatusForbidden)
		return false
	}
	return true
}

func queryIntOr(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeServiceErr(w http.ResponseWriter, err error) {
	var svcErr *apikey.Error
	if errors.As(err, &svcErr) {
		http.Error(w, svcErr.Reason, int(svcErr.Status))
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

// --- admin: workflows and circuit breakers -----------------------------------

func (h *httpServer) handleListActiveWorkflows(w http.ResponseWriter, r *http.Request) {
	if !requireAdminScope(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflow_ids": h.orchestrator.ListActiveWorkflows()})
}

func (h *httpServer) handleGetWorkflowStatus(w http.ResponseWriter, r *http.Request) {
	if !requireAdminScope(w, r) {
		return
	}
	res, ok := h.orchestrator.GetWorkflowStatus(chi.URLParam(r, "workflowID"))
	if !ok {
		http.Error(w, "workflow not found or already completed", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *httpServer) handleBreakerStatus(w http.ResponseWriter, r *http.Request) {
	if !requireAdminScope(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, h.breakers.Snapshots())
}
