// Package postgres provides the Postgres-backed record persistor.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JakeFAU/upwork-harvester/internal/database"
	"github.com/JakeFAU/upwork-harvester/internal/harvest"
	"github.com/JakeFAU/upwork-harvester/internal/hash/sha256"
)

type execer interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
}

// Store upserts extracted records keyed by work item id, so a retried persist is idempotent.
type Store struct {
	pool  execer
	table string
}

// New constructs a Store over an existing pool.
func New(pool execer, table string) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "client_records"
	}
	if err := database.ValidateTable(table); err != nil {
		return nil, err
	}
	return &Store{pool: pool, table: table}, nil
}

// Save writes record for item. Rows whose payload checksum is unchanged are left alone so
// updated_at tracks real changes.
func (s *Store) Save(ctx context.Context, item harvest.WorkItem, record harvest.Record) error {
	if item.ID == "" {
		return harvest.Fatal("persist record", fmt.Errorf("item id is required"))
	}
	payload, err := json.Marshal(record.Payload)
	if err != nil {
		return harvest.Fatal("persist record", fmt.Errorf("marshal payload: %w", err))
	}
	query := fmt.Sprintf(`
INSERT INTO %[1]s (item_id, kind, payload, checksum, extracted_at, updated_at)
VALUES ($1, $2, $3, $4, $5, now())
ON CONFLICT (item_id) DO UPDATE
SET kind = EXCLUDED.kind,
	payload = EXCLUDED.payload,
	checksum = EXCLUDED.checksum,
	extracted_at = EXCLUDED.extracted_at,
	updated_at = now()
WHERE %[1]s.checksum IS DISTINCT FROM EXCLUDED.checksum`, s.table)

	checksum := sha256.Sum(payload)
	if _, err := s.pool.Exec(ctx, query, item.ID, record.Kind, payload, checksum, record.ExtractedAt); err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}
	return nil
}
