package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore is the Postgres-backed Store. All entity tables share one
// physical table keyed by (table_name, partition_key, row_key); the
// version column provides the compare-and-swap.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Migrate creates the entity table if it does not exist.
func (s *PGStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS entities (
			table_name    TEXT        NOT NULL,
			partition_key TEXT        NOT NULL,
			row_key       TEXT        NOT NULL,
			version       BIGINT      NOT NULL,
			data          JSONB       NOT NULL,
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (table_name, partition_key, row_key)
		)`)
	if err != nil {
		return fmt.Errorf("failed to create entities table: %w", err)
	}
	return nil
}

func (s *PGStore) Insert(ctx context.Context, table string, row *Row) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO entities (table_name, partition_key, row_key, version, data)
		VALUES ($1, $2, $3, 1, $4)
		ON CONFLICT DO NOTHING`,
		table, row.PartitionKey, row.RowKey, row.Data)
	if err != nil {
		return fmt.Errorf("insert %s row: %w", table, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRowExists
	}
	row.Version = 1
	return nil
}

func (s *PGStore) Get(ctx context.Context, table, partitionKey, rowKey string) (*Row, error) {
	row := &Row{PartitionKey: partitionKey, RowKey: rowKey}
	err := s.pool.QueryRow(ctx, `
		SELECT version, data, updated_at FROM entities
		WHERE table_name = $1 AND partition_key = $2 AND row_key = $3`,
		table, partitionKey, rowKey).Scan(&row.Version, &row.Data, &row.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s row: %w", table, err)
	}
	return row, nil
}

func (s *PGStore) Replace(ctx context.Context, table string, row *Row, expectedVersion int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE entities SET version = version + 1, data = $5, updated_at = now()
		WHERE table_name = $1 AND partition_key = $2 AND row_key = $3 AND version = $4`,
		table, row.PartitionKey, row.RowKey, expectedVersion, row.Data)
	if err != nil {
		return fmt.Errorf("replace %s row: %w", table, err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a lost race from a deleted row.
		if _, err := s.Get(ctx, table, row.PartitionKey, row.RowKey); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrVersionMismatch
	}
	row.Version = expectedVersion + 1
	return nil
}

func (s *PGStore) Upsert(ctx context.Context, table string, row *Row) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO entities (table_name, partition_key, row_key, version, data)
		VALUES ($1, $2, $3, 1, $4)
		ON CONFLICT (table_name, partition_key, row_key)
		DO UPDATE SET version = entities.version + 1, data = $4, updated_at = now()
		RETURNING version`,
		table, row.PartitionKey, row.RowKey, row.Data).Scan(&row.Version)
	if err != nil {
		return fmt.Errorf("upsert %s row: %w", table, err)
	}
	return nil
}

func (s *PGStore) Delete(ctx context.Context, table, partitionKey, rowKey string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM entities
		WHERE table_name = $1 AND partition_key = $2 AND row_key = $3`,
		table, partitionKey, rowKey)
	if err != nil {
		return fmt.Errorf("delete %s row: %w", table, err)
	}
	return nil
}

func (s *PGStore) QueryPartition(ctx context.Context, table, partitionKey string) ([]*Row, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT partition_key, row_key, version, data, updated_at FROM entities
		WHERE table_name = $1 AND partition_key = $2
		ORDER BY row_key`,
		table, partitionKey)
	if err != nil {
		return nil, fmt.Errorf("query %s partition: %w", table, err)
	}
	return collectRows(rows)
}

func (s *PGStore) Scan(ctx context.Context, table string) ([]*Row, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT partition_key, row_key, version, data, updated_at FROM entities
		WHERE table_name = $1
		ORDER BY partition_key, row_key`,
		table)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", table, err)
	}
	return collectRows(rows)
}

func collectRows(rows pgx.Rows) ([]*Row, error) {
	defer rows.Close()

	var result []*Row
	for rows.Next() {
		row := &Row{}
		if err := rows.Scan(&row.PartitionKey, &row.RowKey, &row.Version, &row.Data, &row.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return result, nil
}
