package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/upwork-harvester/internal/harvest"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type staticIDs string

func (s staticIDs) NewID() (string, error) { return string(s), nil }

var testNow = time.Unix(1_700_000_000, 0).UTC()

func newTracker(t *testing.T) (*Tracker, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	tr, err := New(mock, "", fixedClock{now: testNow}, staticIDs("tok-1"))
	require.NoError(t, err)
	return tr, mock
}

func TestClaimBatchSkipsLockedRows(t *testing.T) {
	t.Parallel()

	tr, mock := newTracker(t)
	rows := pgxmock.NewRows([]string{"id", "attempts", "last_error", "claimed_at"}).
		AddRow("a", 1, "", testNow).
		AddRow("b", 3, "session lost", testNow)
	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WithArgs(2, "tok-1", testNow).
		WillReturnRows(rows)

	items, err := tr.ClaimBatch(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "a", items[0].ID)
	require.Equal(t, harvest.StatusClaimed, items[0].Status)
	require.Equal(t, "tok-1", items[0].ClaimToken)
	require.Equal(t, testNow, *items[0].ClaimedAt)
	require.Equal(t, 3, items[1].Attempts)
	require.Equal(t, "session lost", items[1].LastError)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimBatchErrors(t *testing.T) {
	t.Parallel()

	tr, mock := newTracker(t)
	items, err := tr.ClaimBatch(context.Background(), 0)
	require.NoError(t, err)
	require.Nil(t, items)

	mock.ExpectQuery(`UPDATE work_items`).WillReturnError(errors.New("deadlock detected"))
	_, err = tr.ClaimBatch(context.Background(), 5)
	require.ErrorContains(t, err, "claim batch")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionsAreTokenGuarded(t *testing.T) {
	t.Parallel()

	tr, mock := newTracker(t)
	item := harvest.WorkItem{ID: "a", ClaimToken: "tok-1"}

	mock.ExpectExec(`SET status = 'done'`).
		WithArgs("a", "tok-1", testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, tr.MarkDone(context.Background(), item))

	mock.ExpectExec(`SET status = 'failed'`).
		WithArgs("a", "tok-1", "boom", testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	require.ErrorIs(t, tr.MarkFailed(context.Background(), item, "boom"), harvest.ErrClaimLost)

	mock.ExpectExec(`SET status = 'pending'`).
		WithArgs("a", "tok-1", "session lost", testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, tr.Requeue(context.Background(), item, "session lost"))

	mock.ExpectExec(`SET status = 'done'`).WillReturnError(errors.New("conn closed"))
	err := tr.MarkDone(context.Background(), item)
	require.ErrorContains(t, err, "mark done")
	require.NotErrorIs(t, err, harvest.ErrClaimLost)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResetStaleUsesCutoff(t *testing.T) {
	t.Parallel()

	tr, mock := newTracker(t)
	mock.ExpectExec(`claimed_at <= \$1`).
		WithArgs(testNow.Add(-15*time.Minute), testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 4))

	n, err := tr.ResetStale(context.Background(), 15*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueAndCounts(t *testing.T) {
	t.Parallel()

	tr, mock := newTracker(t)
	mock.ExpectExec(`ON CONFLICT \(id\) DO NOTHING`).
		WithArgs([]string{"a", "b"}).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	added, err := tr.Enqueue(context.Background(), "a", "", "b")
	require.NoError(t, err)
	require.Equal(t, 1, added)

	added, err = tr.Enqueue(context.Background())
	require.NoError(t, err)
	require.Zero(t, added)

	mock.ExpectQuery(`GROUP BY status`).
		WillReturnRows(pgxmock.NewRows([]string{"status", "count"}).
			AddRow("pending", int64(7)).
			AddRow("failed", int64(2)))
	counts, err := tr.Counts(context.Background())
	require.NoError(t, err)
	require.Equal(t, 7, counts[harvest.StatusPending])
	require.Equal(t, 2, counts[harvest.StatusFailed])
	require.Equal(t, 0, counts[harvest.StatusDone])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewValidatesInput(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = New(nil, "", nil, staticIDs("x"))
	require.Error(t, err)
	_, err = New(mock, "", nil, nil)
	require.Error(t, err)
	_, err = New(mock, "items; drop", nil, staticIDs("x"))
	require.Error(t, err)
}
