package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/commentary-coordinator/internal/commentary"
	"github.com/JakeFAU/commentary-coordinator/internal/state"
)

func TestLoadCursorReturnsNotFoundOnEmptyTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT next_resource_id FROM commentary_cursor").
		WillReturnError(pgx.ErrNoRows)

	_, err = store.LoadCursor(context.Background())
	require.ErrorIs(t, err, state.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadCursorReadsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT next_resource_id FROM commentary_cursor").
		WillReturnRows(pgxmock.NewRows([]string{"next_resource_id"}).AddRow(int64(44641)))

	next, err := store.LoadCursor(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(44641), next)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveCursorUpsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO commentary_cursor").
		WithArgs(int64(44642), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = store.SaveCursor(context.Background(), 44642)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadStatusesScansRows(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock)
	require.NoError(t, err)

	until := time.Unix(1_700_000_000, 0).UTC()
	mock.ExpectQuery("SELECT email, banned, banned_until, ban_count FROM commentary_accounts").
		WillReturnRows(pgxmock.NewRows([]string{"email", "banned", "banned_until", "ban_count"}).
			AddRow("a@example.com", true, &until, 2).
			AddRow("b@example.com", false, (*time.Time)(nil), 0))

	statuses, err := store.LoadStatuses(context.Background())
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	require.True(t, statuses["a@example.com"].Banned)
	require.Equal(t, until, statuses["a@example.com"].BannedUntil)
	require.Equal(t, 2, statuses["a@example.com"].BanCount)
	require.False(t, statuses["b@example.com"].Banned)
	require.True(t, statuses["b@example.com"].BannedUntil.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveStatusesUpsertsEveryRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock)
	require.NoError(t, err)

	// Map iteration order is not fixed, so expectations cannot be ordered.
	mock.MatchExpectationsInOrder(false)
	mock.ExpectExec("INSERT INTO commentary_accounts").
		WithArgs("a@example.com", true, pgxmock.AnyArg(), 1, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO commentary_accounts").
		WithArgs("b@example.com", false, pgxmock.AnyArg(), 0, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = store.SaveStatuses(context.Background(), map[string]commentary.AccountStatus{
		"a@example.com": {Banned: true, BannedUntil: time.Unix(1_700_000_000, 0), BanCount: 1},
		"b@example.com": {},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewWithPoolRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil)
	require.Error(t, err)
}
