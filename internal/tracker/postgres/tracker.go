// Package postgres provides the Postgres-backed work item tracker.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JakeFAU/upwork-harvester/internal/database"
	"github.com/JakeFAU/upwork-harvester/internal/harvest"
)

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
}

// Tracker implements harvest.Tracker on a single table. Claims use FOR UPDATE SKIP LOCKED
// so concurrent runners never receive the same item.
type Tracker struct {
	pool  pool
	table string
	clock harvest.Clock
	ids   harvest.IDGenerator
}

// New constructs a Tracker over an existing pool.
func New(p pool, table string, clock harvest.Clock, ids harvest.IDGenerator) (*Tracker, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if ids == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	if table == "" {
		table = "work_items"
	}
	if err := database.ValidateTable(table); err != nil {
		return nil, err
	}
	return &Tracker{pool: p, table: table, clock: clock, ids: ids}, nil
}

// Enqueue inserts ids as pending; existing rows are left untouched.
func (t *Tracker) Enqueue(ctx context.Context, ids ...string) (int, error) {
	clean := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			clean = append(clean, id)
		}
	}
	if len(clean) == 0 {
		return 0, nil
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, status)
SELECT unnest($1::text[]), 'pending'
ON CONFLICT (id) DO NOTHING`, t.table)
	tag, err := t.pool.Exec(ctx, query, clean)
	if err != nil {
		return 0, fmt.Errorf("enqueue items: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ClaimBatch atomically claims up to n pending items. All items of one batch share a claim token.
func (t *Tracker) ClaimBatch(ctx context.Context, n int) ([]harvest.WorkItem, error) {
	if n <= 0 {
		return nil, nil
	}
	token, err := t.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("claim token: %w", err)
	}
	now := t.now()
	query := fmt.Sprintf(`
WITH picked AS (
	SELECT id FROM %[1]s
	WHERE status = 'pending'
	ORDER BY created_at, id
	LIMIT $1
	FOR UPDATE SKIP LOCKED
)
UPDATE %[1]s AS w
SET status = 'claimed',
	attempts = w.attempts + 1,
	claim_token = $2,
	claimed_at = $3,
	updated_at = $3
FROM picked
WHERE w.id = picked.id
RETURNING w.id, w.attempts, COALESCE(w.last_error, ''), w.claimed_at`, t.table)

	rows, err := t.pool.Query(ctx, query, n, token, now)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	defer rows.Close()

	var items []harvest.WorkItem
	for rows.Next() {
		var (
			item      harvest.WorkItem
			claimedAt time.Time
		)
		if err := rows.Scan(&item.ID, &item.Attempts, &item.LastError, &claimedAt); err != nil {
			return nil, fmt.Errorf("scan claimed item: %w", err)
		}
		item.Status = harvest.StatusClaimed
		item.ClaimToken = token
		item.ClaimedAt = &claimedAt
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim batch rows: %w", err)
	}
	return items, nil
}

// MarkDone transitions a claimed item to done.
func (t *Tracker) MarkDone(ctx context.Context, item harvest.WorkItem) error {
	query := fmt.Sprintf(`
UPDATE %s
SET status = 'done', last_error = NULL, claim_token = NULL, updated_at = $3
WHERE id = $1 AND status = 'claimed' AND claim_token = $2`, t.table)
	return t.guarded(ctx, "mark done", item, query, item.ID, item.ClaimToken, t.now())
}

// MarkFailed transitions a claimed item to failed.
func (t *Tracker) MarkFailed(ctx context.Context, item harvest.WorkItem, errText string) error {
	query := fmt.Sprintf(`
UPDATE %s
SET status = 'failed', last_error = $3, claim_token = NULL, updated_at = $4
WHERE id = $1 AND status = 'claimed' AND claim_token = $2`, t.table)
	return t.guarded(ctx, "mark failed", item, query, item.ID, item.ClaimToken, errText, t.now())
}

// Requeue returns a claimed item to pending.
func (t *Tracker) Requeue(ctx context.Context, item harvest.WorkItem, reason string) error {
	query := fmt.Sprintf(`
UPDATE %s
SET status = 'pending', last_error = $3, claim_token = NULL, claimed_at = NULL, updated_at = $4
WHERE id = $1 AND status = 'claimed' AND claim_token = $2`, t.table)
	return t.guarded(ctx, "requeue", item, query, item.ID, item.ClaimToken, reason, t.now())
}

// ResetStale resets claims older than olderThan back to pending.
func (t *Tracker) ResetStale(ctx context.Context, olderThan time.Duration) (int, error) {
	now := t.now()
	query := fmt.Sprintf(`
UPDATE %s
SET status = 'pending', claim_token = NULL, claimed_at = NULL, updated_at = $2
WHERE status = 'claimed' AND claimed_at <= $1`, t.table)
	tag, err := t.pool.Exec(ctx, query, now.Add(-olderThan), now)
	if err != nil {
		return 0, fmt.Errorf("reset stale claims: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Counts returns the number of items per status.
func (t *Tracker) Counts(ctx context.Context) (map[harvest.Status]int, error) {
	query := fmt.Sprintf(`SELECT status, count(*) FROM %s GROUP BY status`, t.table)
	rows, err := t.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("count items: %w", err)
	}
	defer rows.Close()

	counts := map[harvest.Status]int{
		harvest.StatusPending: 0,
		harvest.StatusClaimed: 0,
		harvest.StatusDone:    0,
		harvest.StatusFailed:  0,
	}
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[harvest.Status(status)] = int(n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count rows: %w", err)
	}
	return counts, nil
}

func (t *Tracker) guarded(ctx context.Context, op string, item harvest.WorkItem, query string, args ...any) error {
	tag, err := t.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %s: %w", op, item.ID, harvest.ErrClaimLost)
	}
	return nil
}

func (t *Tracker) now() time.Time {
	if t.clock == nil {
		return time.Now().UTC()
	}
	return t.clock.Now()
}
