package migrations

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func getTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping migration integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	return pool
}

func runSQL(t *testing.T, pool *pgxpool.Pool, filename string) {
	t.Helper()
	sql, err := os.ReadFile(filename)
	if err != nil {
		t.Fatalf("failed to read %s: %v", filename, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err = pool.Exec(ctx, string(sql))
	if err != nil {
		t.Fatalf("failed to execute %s: %v", filename, err)
	}
}

func tableExists(t *testing.T, pool *pgxpool.Pool, table string) bool {
	t.Helper()
	ctx := context.Background()
	var exists bool
	err := pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_name = $1)", table,
	).Scan(&exists)
	if err != nil {
		t.Fatalf("failed to check table %s: %v", table, err)
	}
	return exists
}

func TestMigration_UpCreatesAllTables(t *testing.T) {
	pool := getTestPool(t)
	defer pool.Close()

	runSQL(t, pool, "002_pipeline_states.up.sql")
	runSQL(t, pool, "003_retrieval_chunks.up.sql")
	runSQL(t, pool, "004_retrieval_chunks_fts.up.sql")

	for _, table := range []string{"pipeline_states", "retrieval_chunks"} {
		if !tableExists(t, pool, table) {
			t.Errorf("table %s does not exist after up migrations", table)
		}
	}
}

func TestMigration_UpIsIdempotent(t *testing.T) {
	pool := getTestPool(t)
	defer pool.Close()

	for i := 0; i < 2; i++ {
		runSQL(t, pool, "002_pipeline_states.up.sql")
		runSQL(t, pool, "003_retrieval_chunks.up.sql")
		runSQL(t, pool, "004_retrieval_chunks_fts.up.sql")
	}
}

func TestMigration_DownAndUpCycle(t *testing.T) {
	pool := getTestPool(t)
	defer pool.Close()

	// 004 and 003 must be undone before 003/002 so the generated column and
	// the table it lives on tear down in dependency order.
	runSQL(t, pool, "004_retrieval_chunks_fts.down.sql")
	runSQL(t, pool, "003_retrieval_chunks.down.sql")
	runSQL(t, pool, "002_pipeline_states.down.sql")

	runSQL(t, pool, "002_pipeline_states.up.sql")
	runSQL(t, pool, "003_retrieval_chunks.up.sql")
	runSQL(t, pool, "004_retrieval_chunks_fts.up.sql")

	for _, table := range []string{"pipeline_states", "retrieval_chunks"} {
		if !tableExists(t, pool, table) {
			t.Errorf("table %s does not exist after down+up cycle", table)
		}
	}
}

func TestMigration_VectorColumnExists(t *testing.T) {
	pool := getTestPool(t)
	defer pool.Close()

	runSQL(t, pool, "002_pipeline_states.up.sql")
	runSQL(t, pool, "003_retrieval_chunks.up.sql")

	ctx := context.Background()
	var dataType string
	err := pool.QueryRow(ctx, `
		SELECT udt_name FROM information_schema.columns
		WHERE table_name = 'retrieval_chunks' AND column_name = 'embedding'
	`).Scan(&dataType)
	if err != nil {
		t.Fatalf("failed to check embedding column: %v", err)
	}
	if dataType != "vector" {
		t.Errorf("embedding column type = %q, want %q", dataType, "vector")
	}
}

func TestMigration_FullTextSearchColumnExists(t *testing.T) {
	pool := getTestPool(t)
	defer pool.Close()

	runSQL(t, pool, "002_pipeline_states.up.sql")
	runSQL(t, pool, "003_retrieval_chunks.up.sql")
	runSQL(t, pool, "004_retrieval_chunks_fts.up.sql")

	ctx := context.Background()
	var dataType string
	err := pool.QueryRow(ctx, `
		SELECT udt_name FROM information_schema.columns
		WHERE table_name = 'retrieval_chunks' AND column_name = 'content_tsv'
	`).Scan(&dataType)
	if err != nil {
		t.Fatalf("failed to check content_tsv column: %v", err)
	}
	if dataType != "tsvector" {
		t.Errorf("content_tsv column type = %q, want %q", dataType, "tsvector")
	}
}
