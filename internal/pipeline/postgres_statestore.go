package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStateStore persists Pipeline State as jsonb, adapted from
// repository.DocumentRepo's pgx query style. The schema_version column is
// kept alongside the jsonb blob so a reader can reject an unsupported major
// version without first decoding the payload.
type PostgresStateStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStateStore creates a PostgresStateStore against an existing pool.
// The caller is expected to have applied the pipeline_states migration
// (index, document_id, schema_version, state jsonb, primary key (index, document_id)).
func NewPostgresStateStore(pool *pgxpool.Pool) *PostgresStateStore {
	return &PostgresStateStore{pool: pool}
}

var _ StateStore = (*PostgresStateStore)(nil)

func (p *PostgresStateStore) Load(ctx context.Context, index, documentID string) (*State, error) {
	var schemaVersion int
	var raw []byte

	err := p.pool.QueryRow(ctx, `
		SELECT schema_version, state
		FROM pipeline_states
		WHERE index_name = $1 AND document_id = $2`,
		index, documentID,
	).Scan(&schemaVersion, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pipeline.PostgresStateStore.Load: %w", err)
	}
	if schemaVersion > StateSchemaVersion {
		return nil, fmt.Errorf("pipeline.PostgresStateStore.Load: unsupported schema_version %d", schemaVersion)
	}

	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("pipeline.PostgresStateStore.Load: decode: %w", err)
	}
	return &s, nil
}

// Save updates an existing row in place and returns ErrNotFound if the row
// is gone — the signal a worker uses to detect a DeleteDocument that raced
// its Load, per the StateStore interface's abort-without-re-enqueue
// contract. It never inserts; use Put for that.
func (p *PostgresStateStore) Save(ctx context.Context, state *State) error {
	if state == nil {
		return fmt.Errorf("pipeline.PostgresStateStore.Save: nil state")
	}

	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("pipeline.PostgresStateStore.Save: encode: %w", err)
	}

	tag, err := p.pool.Exec(ctx, `
		UPDATE pipeline_states
		SET schema_version = $3, state = $4, updated_at = $5
		WHERE index_name = $1 AND document_id = $2`,
		state.Index, state.DocumentID, state.SchemaVersion, raw, state.LastUpdateTime,
	)
	if err != nil {
		return fmt.Errorf("pipeline.PostgresStateStore.Save: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Put unconditionally creates or replaces the row for (state.Index,
// state.DocumentID). Reserved for the Ingestor's create/replace path; the
// Orchestrator always uses Save once it has loaded a record.
func (p *PostgresStateStore) Put(ctx context.Context, state *State) error {
	if state == nil {
		return fmt.Errorf("pipeline.PostgresStateStore.Put: nil state")
	}

	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("pipeline.PostgresStateStore.Put: encode: %w", err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO pipeline_states (index_name, document_id, schema_version, state, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (index_name, document_id) DO UPDATE
		SET schema_version = EXCLUDED.schema_version,
			state = EXCLUDED.state,
			updated_at = EXCLUDED.updated_at`,
		state.Index, state.DocumentID, state.SchemaVersion, raw, state.LastUpdateTime,
	)
	if err != nil {
		return fmt.Errorf("pipeline.PostgresStateStore.Put: %w", err)
	}
	return nil
}

func (p *PostgresStateStore) Delete(ctx context.Context, index, documentID string) error {
	_, err := p.pool.Exec(ctx,
		`DELETE FROM pipeline_states WHERE index_name = $1 AND document_id = $2`,
		index, documentID,
	)
	if err != nil {
		return fmt.Errorf("pipeline.PostgresStateStore.Delete: %w", err)
	}
	return nil
}

func (p *PostgresStateStore) List(ctx context.Context, index string) ([]*State, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT schema_version, state
		FROM pipeline_states
		WHERE index_name = $1
		ORDER BY document_id`,
		index,
	)
	if err != nil {
		return nil, fmt.Errorf("pipeline.PostgresStateStore.List: %w", err)
	}
	defer rows.Close()

	var out []*State
	for rows.Next() {
		var schemaVersion int
		var raw []byte
		if err := rows.Scan(&schemaVersion, &raw); err != nil {
			return nil, fmt.Errorf("pipeline.PostgresStateStore.List: scan: %w", err)
		}
		if schemaVersion > StateSchemaVersion {
			return nil, fmt.Errorf("pipeline.PostgresStateStore.List: unsupported schema_version %d", schemaVersion)
		}
		var s State
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("pipeline.PostgresStateStore.List: decode: %w", err)
		}
		out = append(out, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pipeline.PostgresStateStore.List: %w", err)
	}
	return out, nil
}

func (p *PostgresStateStore) ListIndexes(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT DISTINCT index_name FROM pipeline_states ORDER BY index_name`)
	if err != nil {
		return nil, fmt.Errorf("pipeline.PostgresStateStore.ListIndexes: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("pipeline.PostgresStateStore.ListIndexes: scan: %w", err)
		}
		out = append(out, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pipeline.PostgresStateStore.ListIndexes: %w", err)
	}
	return out, nil
}
