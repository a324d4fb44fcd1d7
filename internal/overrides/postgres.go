package overrides

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/hoa/model"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS workflow_overrides (
	workflow_key TEXT PRIMARY KEY,
	version      BIGINT      NOT NULL,
	document     JSONB       NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
)`

// Migrate creates the workflow_overrides table if it does not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		return fmt.Errorf("create workflow_overrides: %w", err)
	}
	return nil
}

// PgRepository is a PostgreSQL-backed Repository using pgx/v5. Each
// workflow key is one row holding the document as JSONB.
type PgRepository struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPgRepository creates a PostgreSQL override repository.
func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool, now: time.Now}
}

// Get loads the stored document or returns an empty one at version 0.
func (r *PgRepository) Get(ctx context.Context, workflowKey string) (model.OverrideDocument, error) {
	var (
		raw       []byte
		version   int64
		updatedAt time.Time
	)
	err := r.pool.QueryRow(ctx, `
		SELECT document, version, updated_at
		FROM workflow_overrides
		WHERE workflow_key = $1`,
		workflowKey,
	).Scan(&raw, &version, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.EmptyOverrides(workflowKey), nil
	}
	if err != nil {
		return model.OverrideDocument{}, fmt.Errorf("query overrides %q: %w", workflowKey, err)
	}
	return decodeDocument(workflowKey, raw, version, updatedAt)
}

// Replace upserts the document inside a transaction. The existing row is
// locked with SELECT ... FOR UPDATE so concurrent writers serialize on the
// version check.
func (r *PgRepository) Replace(ctx context.Context, doc model.OverrideDocument) (model.OverrideDocument, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return model.OverrideDocument{}, fmt.Errorf("begin overrides tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var current int64
	err = tx.QueryRow(ctx, `
		SELECT version FROM workflow_overrides
		WHERE workflow_key = $1
		FOR UPDATE`,
		doc.WorkflowKey,
	).Scan(&current)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return model.OverrideDocument{}, fmt.Errorf("lock overrides %q: %w", doc.WorkflowKey, err)
	}

	stored, err := nextVersion(doc, current, r.now())
	if err != nil {
		return model.OverrideDocument{}, err
	}
	raw, err := json.Marshal(stored)
	if err != nil {
		return model.OverrideDocument{}, fmt.Errorf("marshal overrides: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO workflow_overrides (workflow_key, version, document, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (workflow_key) DO UPDATE SET
			version = EXCLUDED.version,
			document = EXCLUDED.document,
			updated_at = EXCLUDED.updated_at`,
		stored.WorkflowKey, stored.Version, raw, *stored.UpdatedAt,
	)
	if err != nil {
		return model.OverrideDocument{}, fmt.Errorf("upsert overrides %q: %w", doc.WorkflowKey, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.OverrideDocument{}, fmt.Errorf("commit overrides %q: %w", doc.WorkflowKey, err)
	}
	return stored, nil
}

// HealthCheck pings the pool.
func (r *PgRepository) HealthCheck(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// decodeDocument restores a stored document. The row's key, version and
// timestamp columns are authoritative over the JSON body.
func decodeDocument(workflowKey string, raw []byte, version int64, updatedAt time.Time) (model.OverrideDocument, error) {
	doc := model.EmptyOverrides(workflowKey)
	if err := json.Unmarshal(raw, &doc); err != nil {
		return model.OverrideDocument{}, fmt.Errorf("unmarshal overrides %q: %w", workflowKey, err)
	}
	doc.WorkflowKey = workflowKey
	doc.Version = version
	ts := updatedAt.UTC()
	doc.UpdatedAt = &ts
	return doc, nil
}
