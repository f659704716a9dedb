package sqlite

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/fxledger/fifo"
	"github.com/warp/fxledger/money"
)

func newMock(t *testing.T, dialect Dialect) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db, dialect), mock
}

var lotRow = []string{"seq", "id", "purchase_id", "acquired_at", "original", "remaining", "unit_cost", "voided"}

func exact(query string) string {
	return "^" + regexp.QuoteMeta(query) + "$"
}

func TestRebind(t *testing.T) {
	q := `SELECT id FROM lots WHERE id = ? AND seq > ? LIMIT ?`

	assert.Equal(t, q, rebind(SQLite, q))
	assert.Equal(t, `SELECT id FROM lots WHERE id = $1 AND seq > $2 LIMIT $3`, rebind(Postgres, q))
}

func TestSQLiteDSN(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{":memory:", ":memory:?" + sqliteParams},
		{"/data/ledger.db", "/data/ledger.db?" + sqliteParams},
		{"file:ledger.db?cache=shared", "file:ledger.db?cache=shared&" + sqliteParams},
		{"file:ledger.db?mode=rwc&cache=shared", "file:ledger.db?mode=rwc&cache=shared&" + sqliteParams},
		{"file:ledger.db?", "file:ledger.db?" + sqliteParams},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := sqliteDSN(tt.path)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, 1, strings.Count(got, "?"))
		})
	}
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	// GIVEN: a function that writes, then fails
	s, mock := newMock(t, SQLite)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE lots SET remaining`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	// WHEN: it runs in WithTx
	err := s.WithTx(context.Background(), func(tx fifo.Tx) error {
		if err := tx.UpdateLot(context.Background(), fifo.Lot{ID: "lot-1", Remaining: money.FromInt(0, money.Foreign)}); err != nil {
			return err
		}
		return boom
	})

	// THEN: the error comes back and nothing is committed
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_WriteTxLocksLotRows(t *testing.T) {
	// GIVEN: a postgres store
	s, mock := newMock(t, Postgres)

	mock.ExpectBegin()
	mock.ExpectQuery(exact(`SELECT ` + lotColumns + ` FROM lots WHERE id = $1 FOR UPDATE`)).
		WithArgs("lot-1").
		WillReturnRows(sqlmock.NewRows(lotRow).
			AddRow(1, "lot-1", "p-1", "2025-03-03T09:00:00.000000000Z", "1000", "400", "4.0", false))
	mock.ExpectCommit()

	// WHEN: a lot is read inside a write transaction
	var lot fifo.Lot
	err := s.WithTx(context.Background(), func(tx fifo.Tx) error {
		var err error
		lot, err = tx.GetLot(context.Background(), "lot-1")
		return err
	})

	// THEN: the row is locked and decoded
	require.NoError(t, err)
	assert.Equal(t, int64(1), lot.Seq)
	assert.True(t, lot.Remaining.Equal(money.MustParse("400", money.Foreign)))
	assert.Equal(t, "4", lot.UnitCost.String())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ViewDoesNotLock(t *testing.T) {
	s, mock := newMock(t, Postgres)

	mock.ExpectBegin()
	mock.ExpectQuery(exact(`SELECT ` + lotColumns + ` FROM lots WHERE id = $1`)).
		WithArgs("lot-1").
		WillReturnRows(sqlmock.NewRows(lotRow))
	mock.ExpectRollback()

	err := s.View(context.Background(), func(tx fifo.Tx) error {
		_, err := tx.GetLot(context.Background(), "lot-1")
		return err
	})

	require.ErrorIs(t, err, fifo.ErrLotNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdate_MissingRowIsNotFound(t *testing.T) {
	s, mock := newMock(t, SQLite)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE sales SET status`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.WithTx(context.Background(), func(tx fifo.Tx) error {
		return tx.UpdateSale(context.Background(), fifo.Sale{ID: "missing", Status: fifo.SaleReversed})
	})

	require.ErrorIs(t, err, fifo.ErrSaleNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsert_UniqueViolationIsDuplicate(t *testing.T) {
	s, mock := newMock(t, SQLite)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO customers`).
		WillReturnError(errors.New("UNIQUE constraint failed: customers.id"))
	mock.ExpectRollback()

	err := s.WithTx(context.Background(), func(tx fifo.Tx) error {
		return tx.InsertCustomer(context.Background(), fifo.Customer{ID: "c-1", Name: "Chen", Receivable: money.Zero(money.Home)})
	})

	require.ErrorIs(t, err, fifo.ErrDuplicateID)
	require.NoError(t, mock.ExpectationsWereMet())
}
