package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/time/rate"

	"github.com/claimlens/benchvault/internal/audit"
	"github.com/claimlens/benchvault/internal/dedup"
	"github.com/claimlens/benchvault/internal/engine"
	"github.com/claimlens/benchvault/internal/environment"
	"github.com/claimlens/benchvault/internal/history"
	"github.com/claimlens/benchvault/internal/journal"
	"github.com/claimlens/benchvault/internal/metrics"
	"github.com/claimlens/benchvault/internal/store"
	"github.com/claimlens/benchvault/pkg/otel"
)

func main() {
	ctx := context.Background()

	// Storage backend
	backend := getEnv("STORE_BACKEND", "memory")
	var (
		st  store.Store
		err error
	)
	switch backend {
	case "memory":
		snapshotPath := getEnv("STORE_SNAPSHOT", "data/store.json")
		st = store.NewMemoryStore(snapshotPath)
	case "postgres":
		connStr := getEnv("POSTGRES_CONN", "")
		if connStr == "" {
			log.Fatal("POSTGRES_CONN is required when STORE_BACKEND=postgres")
		}
		pg, err := store.NewPostgresStore(ctx, connStr)
		if err != nil {
			log.Fatalf("Failed to create Postgres store: %v", err)
		}
		if err := store.Migrate(ctx, pg.Pool()); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}
		st = pg
	default:
		log.Fatalf("Unknown STORE_BACKEND: %s", backend)
	}

	// Duplicate guard in front of the store
	var guard dedup.Guard
	switch guardBackend := getEnv("DEDUP_GUARD", "memory"); guardBackend {
	case "none":
		guard = dedup.NopGuard{}
	case "memory":
		guard = dedup.NewMemoryGuard()
	case "redis":
		redisAddr := getEnv("REDIS_ADDR", "localhost:6379")
		guard, err = dedup.NewRedisGuard(redisAddr, getEnv("REDIS_PASSWORD", ""), getEnvInt("REDIS_DB", 0))
		if err != nil {
			log.Fatalf("Failed to create Redis guard: %v", err)
		}
	default:
		log.Fatalf("Unknown DEDUP_GUARD: %s", guardBackend)
	}

	// Submission journal
	journalDir := getEnv("JOURNAL_DIR", "data/journal")
	jnl, err := journal.New(journalDir)
	if err != nil {
		log.Fatalf("Failed to create submission journal: %v", err)
	}

	// Audit trail
	auditDir := getEnv("AUDIT_DIR", "data/audit")
	trail, err := audit.NewTrail(auditDir)
	if err != nil {
		log.Fatalf("Failed to create audit trail: %v", err)
	}

	// Tracing (optional)
	var tp *sdktrace.TracerProvider
	if getEnv("OTEL_ENABLED", "") == "true" {
		cfg := otel.DefaultConfig("benchvault")
		cfg.CollectorEndpoint = getEnv("OTEL_COLLECTOR", cfg.CollectorEndpoint)
		cfg.Environment = getEnv("OTEL_ENVIRONMENT", cfg.Environment)
		tp, err = otel.InitTracer(ctx, cfg)
		if err != nil {
			log.Fatalf("Failed to init tracer: %v", err)
		}
	}

	m := metrics.New()
	envs := environment.NewDefaultRegistry()

	eng := engine.New(engine.Options{
		Store:   st,
		Guard:   guard,
		Envs:    envs,
		Trail:   trail,
		Metrics: m,
	})

	hist, err := history.NewService(st)
	if err != nil {
		log.Fatalf("Failed to create history service: %v", err)
	}

	tokenRate := getEnvInt("TOKEN_RATE", 100)
	srv := &Server{
		engine:  eng,
		history: hist,
		envs:    envs,
		journal: jnl,
		metrics: m,
		limiter: rate.NewLimiter(rate.Limit(tokenRate), tokenRate*2),
	}
	srv.metricsAuth.enabled = getEnv("METRICS_USER", "") != ""
	srv.metricsAuth.user = getEnv("METRICS_USER", "")
	srv.metricsAuth.password = getEnv("METRICS_PASS", "")

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/runs", srv.handleSubmitRun)
	mux.HandleFunc("/v1/snapshots/current", srv.handleCurrent)
	mux.HandleFunc("/v1/snapshots/history", srv.handleHistory)
	mux.HandleFunc("/v1/snapshots/checkout", srv.handleCheckout)
	mux.HandleFunc("/v1/timeseries", srv.handleTimeSeries)
	mux.HandleFunc("/v1/compare", srv.handleCompare)
	mux.Handle("/metrics", srv.metricsHandler())
	mux.HandleFunc("/health", handleHealth)

	port := getEnv("PORT", "8080")
	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Printf("Starting server on port %s (store=%s)", port, backend)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-shutdown
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	if err := jnl.Close(); err != nil {
		log.Printf("Error closing journal: %v", err)
	}
	if err := trail.Close(); err != nil {
		log.Printf("Error closing audit trail: %v", err)
	}
	if err := guard.Close(); err != nil {
		log.Printf("Error closing dedup guard: %v", err)
	}
	if err := st.Close(); err != nil {
		log.Printf("Error closing store: %v", err)
	}
	if tp != nil {
		if err := otel.Shutdown(context.Background(), tp); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}

	log.Println("Server stopped")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
