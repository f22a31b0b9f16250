package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/rat-data/agentd/internal/domain"
	"github.com/rat-data/agentd/internal/postgres"
)

// newTestUUID returns a fresh random UUID, used where a test only needs a
// well-formed ID that is guaranteed not to exist in the database.
func newTestUUID() uuid.UUID {
	return uuid.New()
}

// seedFlow inserts a flow with a unique slug so store tests that need a
// valid flow_id foreign key don't collide across test functions sharing a
// database.
func seedFlow(t *testing.T, pool *pgxpool.Pool) *domain.Flow {
	t.Helper()
	f := &domain.Flow{Slug: "flow-" + uuid.NewString(), Name: "Test Flow"}
	require.NoError(t, postgres.NewFlowStore(pool).CreateFlow(context.Background(), f))
	return f
}

// seedSchemaDefinition inserts a schema definition for use as a pipeline's
// or run's schema_def_id foreign key.
func seedSchemaDefinition(t *testing.T, pool *pgxpool.Pool) *domain.SchemaDefinition {
	t.Helper()
	sd := &domain.SchemaDefinition{Name: "pipeline", Version: "1.0." + uuid.NewString()[:4], JSON: []byte(`{}`)}
	require.NoError(t, postgres.NewSchemaStore(pool).CreateSchemaDefinition(context.Background(), sd))
	return sd
}

// testPool returns a pgxpool.Pool connected to the test database. It skips
// the test if POSTGRES_TEST_DSN is not set, so the default test run stays
// fast and hermetic; Postgres-backed store tests only run when a real
// database is explicitly provided. It runs migrations and truncates all
// tables before returning.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set, skipping integration test")
	}

	ctx := context.Background()

	pool, err := postgres.NewPool(ctx, dsn)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := postgres.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cleanTables(t, pool)

	return pool
}

// cleanTables truncates all tables in FK-safe order.
func cleanTables(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()

	ctx := context.Background()
	tables := []string{
		"validation_issues", "generation_runs", "thread_summaries",
		"messages", "threads", "context_snapshots", "flow_summaries",
		"pipelines", "schema_channels", "schema_definitions", "flows",
	}
	for _, table := range tables {
		if _, err := pool.Exec(ctx, "TRUNCATE "+table+" CASCADE"); err != nil {
			t.Fatalf("truncate %s: %v", table, err)
		}
	}
}
