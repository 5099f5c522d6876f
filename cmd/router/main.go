// Command router runs the agent-mesh router as an HTTP service: it
// exposes the inbound JSON-RPC message/send endpoint, health/readiness/
// metrics probes, and the admin organizations/API-keys REST surface,
// wiring together every internal component described by spec §4
// (C1-C13).
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"goa.design/pulse/rmap"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/agentmesh/router/internal/apikey"
	apikeymemory "github.com/agentmesh/router/internal/apikey/store/memory"
	apikeysql "github.com/agentmesh/router/internal/apikey/store/sql"
	"github.com/agentmesh/router/internal/audit"
	"github.com/agentmesh/router/internal/breaker"
	"github.com/agentmesh/router/internal/classifier"
	"github.com/agentmesh/router/internal/guardrails"
	"github.com/agentmesh/router/internal/handlers"
	"github.com/agentmesh/router/internal/ratelimit"
	"github.com/agentmesh/router/internal/router"
	"github.com/agentmesh/router/internal/workflow"
	"github.com/agentmesh/router/runtime/a2a"
	"github.com/agentmesh/router/runtime/agent/session/inmem"
	"github.com/agentmesh/router/runtime/agent/telemetry"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	addr := envOr("ROUTER_ADDR", ":8080")
	auditDir := envOr("AUDIT_DIR", "./audit-log")

	startedAt := time.Now()

	metricsRegistry := prometheus.NewRegistry()
	metrics := telemetry.NewPrometheusMetrics(metricsRegistry)

	sessions := inmem.New(inmem.WithMaxMessages(envIntOr("SESSION_MAX_MESSAGES", 200)))

	registry := a2a.NewRegistry()
	registry.LoadFromEnviron(os.Environ())
	if path := os.Getenv("AGENT_REGISTRY_FILE"); path != "" {
		if err := registry.LoadFromFile(path); err != nil {
			return fmt.Errorf("load agent registry file: %w", err)
		}
	}
	pool := a2a.NewPool(nil)
	defer pool.CloseAll()

	auditSink := audit.New(auditDir)

	limiter := ratelimit.New()
	guard := guardrails.New(
		guardrails.WithLimiter(limiter),
		guardrails.WithAudit(auditSink),
	)

	classifyOpts := []classifier.Option{
		classifier.WithProvider(classifier.ProviderFromEnv()),
		classifier.WithMetrics(metrics),
	}
	if budget, err := newClassifierBudget(ctx); err != nil {
		return fmt.Errorf("init classifier token budget: %w", err)
	} else if budget != nil {
		classifyOpts = append(classifyOpts, classifier.WithBudget(budget))
	}
	classify := classifier.New(classifyOpts...)

	breakers := breaker.NewManager(breaker.Config{
		FailureThreshold: envIntOr("BREAKER_FAILURE_THRESHOLD", 5),
		SuccessThreshold: envIntOr("BREAKER_SUCCESS_THRESHOLD", 2),
		Timeout:          envDurationOr("BREAKER_TIMEOUT", 60*time.Second),
	})

	orchestrator := workflow.New(workflow.Config{
		Registry:     registry,
		Pool:         pool,
		PollInterval: envDurationOr("WORKFLOW_POLL_INTERVAL", 100*time.Millisecond),
		Timeout:      envDurationOr("WORKFLOW_TIMEOUT", 300*time.Second),
	})

	rt := router.New(router.Config{
		Sessions:   sessions,
		Registry:   registry,
		Pool:       pool,
		Classifier: classify,
		Guard:      guard,
		Limiter:    limiter,
		Handlers:   handlers.Default(),
		Audit:      auditSink,
		Breakers:   breakers,
		A2AEnabled: envOr("A2A_ENABLED", "true") == "true",
	})

	svc, closeDB, err := newAPIKeyService()
	if err != nil {
		return fmt.Errorf("init api-key service: %w", err)
	}
	if closeDB != nil {
		defer closeDB()
	}
	authMW := apikey.NewMiddleware(svc, svc, svc, limiter)

	h := &httpServer{
		router:       rt,
		orchestrator: orchestrator,
		apiKeys:      svc,
		breakers:     breakers,
		startedAt:    startedAt,
		version:      envOr("ROUTER_VERSION", "dev"),
	}

	mux := chi.NewRouter()
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))
	mux.Get("/health", h.handleHealth)
	mux.Get("/ready", h.handleReady)
	mux.Get("/metrics", promhttp.HandlerFor(metricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	mux.Post("/", h.handleMessageSend)

	mux.Route("/admin/organizations", func(r chi.Router) {
		r.Use(authMW.Handler)
		r.Post("/", h.handleCreateOrganization)
		r.Get("/", h.handleListOrganizations)
		r.Get("/{orgID}", h.handleGetOrganization)
		r.Post("/{orgID}/keys", h.handleCreateAPIKey)
		r.Get("/{orgID}/keys", h.handleListAPIKeys)
		r.Delete("/{orgID}/keys/{keyID}", h.handleRevokeAPIKey)
		r.Get("/{orgID}/usage", h.handleUsageSummary)
	})
	mux.Route("/admin/workflows", func(r chi.Router) {
		r.Use(authMW.Handler)
		r.Get("/", h.handleListActiveWorkflows)
		r.Get("/{workflowID}", h.handleGetWorkflowStatus)
	})
	mux.Route("/admin/breakers", func(r chi.Router) {
		r.Use(authMW.Handler)
		r.Get("/", h.handleBreakerStatus)
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errc := make(chan error, 1)
	go func() {
		log.Printf("router listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
			return
		}
		errc <- nil
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		if err != nil {
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

// newAPIKeyService builds the api-key Service backed by Postgres/SQLite
// (DATABASE_URL / DATABASE_DRIVER) when configured, otherwise an
// in-memory store suitable for development and tests.
func newAPIKeyService() (*apikey.Service, func(), error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		orgs := apikeymemory.NewOrganizationStore()
		keys := apikeymemory.NewAPIKeyStore()
		usage := apikeymemory.NewUsageStore()
		return apikey.New(orgs, keys, usage), nil, nil
	}

	driver := envOr("DATABASE_DRIVER", "postgres")
	conn, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	if err := apikeysql.Migrate(conn, driver); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("migrate database: %w", err)
	}
	db := apikeysql.Open(conn)
	svc := apikey.New(db.Organizations(), db.APIKeys(), db.Usages())
	closeDB := func() {
		if err := conn.Close(); err != nil {
			log.Printf("close database: %v", err)
		}
	}
	return svc, closeDB, nil
}

// newClassifierBudget builds the LLM tier's adaptive token budget. When
// REDIS_URL is set, the budget coordinates its tokens-per-minute cap
// across every router process via a Pulse replicated map (so a fleet
// sharing one provider account doesn't collectively exceed it);
// otherwise each process tracks its own budget independently.
func newClassifierBudget(ctx context.Context) (*classifier.TokenBudget, error) {
	initialTPM := float64(envIntOr("CLASSIFIER_LLM_TPM", 60000))
	maxTPM := float64(envIntOr("CLASSIFIER_LLM_TPM_MAX", int(initialTPM)))

	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		return classifier.NewTokenBudget(ctx, nil, "", initialTPM, maxTPM), nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     redisURL,
		Password: os.Getenv("REDIS_PASSWORD"),
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	m, err := rmap.Join(ctx, "classifier-llm-budget", rdb)
	if err != nil {
		return nil, fmt.Errorf("join classifier budget map: %w", err)
	}
	return classifier.NewTokenBudget(ctx, m, "tpm", initialTPM, maxTPM), nil
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
