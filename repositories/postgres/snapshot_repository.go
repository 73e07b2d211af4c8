package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/harinish45/xare-core/repositories"
)

// SnapshotRepository is a Postgres-backed SnapshotStore. Writes are
// upserts keyed on the composite snapshot key.
type SnapshotRepository struct {
	db *DB
}

var _ repositories.SnapshotStore = (*SnapshotRepository)(nil)

func NewSnapshotRepository(db *DB) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

func (r *SnapshotRepository) Put(ctx context.Context, key string, value []byte) error {
	query := `
		INSERT INTO snapshots (key, value, updated_at)
		VALUES ($1, $2, CURRENT_TIMESTAMP)
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, updated_at = CURRENT_TIMESTAMP`

	if _, err := r.db.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("failed to upsert snapshot %s: %w", key, err)
	}
	return nil
}

func (r *SnapshotRepository) Get(ctx context.Context, key string) ([]byte, error) {
	query := `SELECT value FROM snapshots WHERE key = $1`

	var value []byte
	err := r.db.QueryRowContext(ctx, query, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repositories.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot %s: %w", key, err)
	}
	return value, nil
}

func (r *SnapshotRepository) List(ctx context.Context, prefix string) ([]string, error) {
	query := `SELECT key FROM snapshots WHERE key LIKE $1 || '%' ORDER BY key`

	rows, err := r.db.QueryContext(ctx, query, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots with prefix %s: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate snapshot keys: %w", err)
	}
	return keys, nil
}

func (r *SnapshotRepository) Delete(ctx context.Context, key string) error {
	query := `DELETE FROM snapshots WHERE key = $1`

	res, err := r.db.ExecContext(ctx, query, key)
	if err != nil {
		return fmt.Errorf("failed to delete snapshot %s: %w", key, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete result for %s: %w", key, err)
	}
	if affected == 0 {
		return repositories.ErrSnapshotNotFound
	}
	return nil
}
