// agentd serves the conversational pipeline-authoring API: flows, threads,
// message intake, the staged generation Run Engine, and pipeline publishing.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rat-data/agentd/internal/api"
	"github.com/rat-data/agentd/internal/config"
	"github.com/rat-data/agentd/internal/domain"
	"github.com/rat-data/agentd/internal/eventbus"
	"github.com/rat-data/agentd/internal/idempotency"
	"github.com/rat-data/agentd/internal/intake"
	"github.com/rat-data/agentd/internal/leader"
	"github.com/rat-data/agentd/internal/llmport"
	"github.com/rat-data/agentd/internal/postgres"
	"github.com/rat-data/agentd/internal/runengine"
	"github.com/rat-data/agentd/internal/scheduler"
	"github.com/rat-data/agentd/internal/similarity"
	"github.com/rat-data/agentd/internal/storage"
	"github.com/rat-data/agentd/internal/summarizer"
	"github.com/rat-data/agentd/internal/validator"
)

func main() {
	// Built-in healthcheck for scratch containers (no wget/curl available).
	// Usage: /agentd healthcheck
	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		resp, err := http.Get("http://localhost:8080/health")
		if err != nil {
			os.Exit(1)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	baseHandler := slog.NewJSONHandler(os.Stdout, nil)
	logger := slog.New(api.NewContextHandler(baseHandler))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	var level slog.Level
	_ = level.UnmarshalText([]byte(cfg.LogLevel))
	slog.SetDefault(slog.New(api.NewContextHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))))
	slog.Info("configuration loaded", "http_addr", cfg.HTTPAddr, "rate_limit", cfg.RateLimit)

	if cfg.DatabaseURL == "" {
		slog.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	// Deferred first so it runs last, after every worker that uses the pool.
	defer pool.Close()
	if err := postgres.Migrate(ctx, pool); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	slog.Info("postgres stores initialized")

	flows := postgres.NewFlowStore(pool)
	threads := postgres.NewThreadStore(pool)
	messages := postgres.NewMessageStore(pool)
	schemas := postgres.NewSchemaStore(pool)
	pipelines := postgres.NewPipelineStore(pool)
	snapshots := postgres.NewSnapshotStore(pool)
	publishTx := postgres.NewPublishTx(pool)
	runs := postgres.NewRunStore(pool, pipelines, schemas, publishTx)
	summaries := postgres.NewSummaryStore(pool, threads, messages, publishTx)

	var pgBus postgres.EventBus
	pb := postgres.NewPgEventBus(pool)
	if err := pb.Start(ctx); err != nil {
		slog.Warn("cross-replica schema-change notifications disabled", "error", err)
	} else {
		pgBus = pb
		defer pb.Stop()
	}

	if err := seedSchemas(ctx, cfg.SchemaSeedFile, schemas, pgBus); err != nil {
		slog.Error("failed to seed schemas", "error", err)
		os.Exit(1)
	}

	matcher := similarity.New(pipelines)
	val := validator.New()

	llmMetrics := newLLMMetrics()
	llm := llmport.NewHTTPPort(llmport.Config{
		BaseURL: cfg.LLMProviderURL,
		APIKey:  cfg.LLMAPIKey,
		Timeout: cfg.LLMTimeout,
	}, llmMetrics)

	bus := eventbus.New(eventbus.Options{
		BufferSize: cfg.EventBusBufferSize,
		BufferTTL:  cfg.EventBusBufferTTL,
	})
	publisher := api.NewBusPublisher(bus)

	engine := runengine.New(runs, matcher, val, llm, publisher)
	dispatcher := runengine.NewDispatcher(engine, cfg.DispatcherWorkers)
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	summ := summarizer.New(summaries, llm)

	idempotent := idempotency.New(cfg.IdempotencyTTL, cfg.IdempotencyMaxEntries)
	intakeLimiter := intake.NewLimiter(cfg.IntakeWindow, cfg.IntakeMaxPerWindow)

	janitors := scheduler.New()
	janitors.AddJob("eventbus-prune", "@every 1m", func(context.Context) {
		bus.PruneExpired(cfg.EventBusBufferTTL)
	})

	runJanitors := func(ctx context.Context) func() {
		janitors.Start(ctx)
		return janitors.Stop
	}
	tryLock := func(ctx context.Context) (bool, error) {
		var acquired bool
		err := pool.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", leader.AdvisoryLockID).Scan(&acquired)
		return acquired, err
	}
	elector := leader.New(tryLock, leader.RetryInterval, runJanitors)
	elector.Start(ctx)
	defer elector.Stop()

	srv := &api.Server{
		Flows:      flows,
		Threads:    threads,
		Messages:   messages,
		Schemas:    schemas,
		Pipelines:  pipelines,
		Runs:       runs,
		Summaries:  summaries,
		Snapshots:  snapshots,
		Engine:     engine,
		Dispatcher: dispatcher,
		Bus:        bus,
		Idempotent: idempotent,
		IntakeRate: intakeLimiter,
		Validator:  val,
		Matcher:    matcher,
		LLM:        llm,
		Summarizer: summ,
		AuthToken:  cfg.AuthToken,
		DBHealth:   postgres.NewHealthChecker(pool),
		SSELimiter: api.NewSSELimiter(),
		CORSOrigins: corsOriginsOrWildcard(cfg.CORSOrigins),
		MessageMaxTextLen: cfg.IntakeMaxTextLen,
	}
	if cfg.RateLimit > 0 {
		rlCfg := api.DefaultRateLimitConfig()
		rlCfg.RequestsPerSecond = float64(cfg.RateLimit)
		srv.RateLimit = rlCfg
	}

	if cfg.AuditBucket != "" {
		audit, err := storage.NewAuditStore(ctx, storage.Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.AuditBucket,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			slog.Error("failed to connect to audit store", "error", err)
			os.Exit(1)
		}
		srv.AuditHealth = audit
		engine.SetAuditExporter(audit)
		slog.Info("audit store initialized", "bucket", cfg.AuditBucket)
	}

	router := api.NewRouter(srv)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
		TLSConfig:         &tls.Config{MinVersion: tls.VersionTLS13},
	}

	errCh := make(chan error, 1)
	go func() {
		tlsCertFile := os.Getenv("TLS_CERT_FILE")
		tlsKeyFile := os.Getenv("TLS_KEY_FILE")
		if tlsCertFile != "" && tlsKeyFile != "" {
			errCh <- httpServer.ListenAndServeTLS(tlsCertFile, tlsKeyFile)
		} else {
			errCh <- httpServer.ListenAndServe()
		}
	}()
	slog.Info("starting agentd", "addr", cfg.HTTPAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig)
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	slog.Info("agentd shutdown complete")
}

// seedSchemas applies the static schema seed file, if configured: ensures
// each seeded schema definition exists (idempotent across restarts) and
// points every seeded channel at its schema. This is the only way schema
// definitions enter the system outside of a future admin API.
func seedSchemas(ctx context.Context, path string, schemas *postgres.SchemaStore, bus postgres.EventBus) error {
	seed, err := config.LoadSchemaSeed(path)
	if err != nil {
		return err
	}
	if seed == nil {
		return nil
	}
	baseDir := filepath.Dir(path)

	defByNameVersion := make(map[string]domain.SchemaDefinition, len(seed.Schemas))
	for _, s := range seed.Schemas {
		existing, err := schemas.FindSchemaDefinitionByNameVersion(ctx, s.Name, s.Version)
		if err == nil {
			defByNameVersion[s.Name+"@"+s.Version] = *existing
			continue
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return err
		}

		raw, err := os.ReadFile(filepath.Join(baseDir, s.File))
		if err != nil {
			return err
		}
		sd := domain.SchemaDefinition{Name: s.Name, Version: s.Version, JSON: raw}
		if err := schemas.CreateSchemaDefinition(ctx, &sd); err != nil {
			return err
		}
		slog.Info("schema definition seeded", "name", s.Name, "version", s.Version)
		defByNameVersion[s.Name+"@"+s.Version] = sd
	}

	for _, c := range seed.Channels {
		sd, ok := defByNameVersion[c.SchemaName+"@"+c.SchemaVersion]
		if !ok {
			continue
		}
		if _, err := schemas.UpsertSchemaChannel(ctx, bus, c.Name, sd.ID); err != nil {
			return err
		}
		slog.Info("schema channel seeded", "channel", c.Name, "schema", c.SchemaName, "version", c.SchemaVersion)
	}
	return nil
}

// corsOriginsOrWildcard returns origins, or a permissive wildcard when none
// are configured — acceptable for local development, expected to be set
// explicitly (CORS_ORIGINS) in any deployment reachable from a browser.
func corsOriginsOrWildcard(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

// llmMetricsRegistry implements llmport.Metrics with simple in-process
// counters. They are not part of the /metrics exposition in
// internal/api/health.go; this stays a plain guarded map rather than pulling
// in a Prometheus client for three counters.
type llmMetricsRegistry struct {
	mu     sync.Mutex
	counts map[[3]string]int64
}

func newLLMMetrics() *llmMetricsRegistry {
	return &llmMetricsRegistry{counts: make(map[[3]string]int64)}
}

func (m *llmMetricsRegistry) IncLLMCall(method, provider, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[[3]string{method, provider, status}]++
}
