package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/InnovativeAI-adaad/ADAAD/pkg/determinism"
)

func TestSQLStoreAppendPostgresPlaceholders(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewSQLStore(db, DialectPostgres)
	e := Entry{Sequence: 4, PrevHash: ZeroHash, Hash: "abc", TS: "2026-01-01T00:00:00Z", Type: KindTransition, Payload: []byte(`{"a":1}`)}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(
		"INSERT INTO ledger_entries (sequence, prev_hash, hash, ts, type, payload) VALUES ($1, $2, $3, $4, $5, $6)",
	)).
		WithArgs(int64(4), ZeroHash, "abc", "2026-01-01T00:00:00Z", "mutation_lifecycle_transition", `{"a":1}`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, store.Append(context.Background(), e))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreAppendRollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewSQLStore(db, DialectSQLite)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("VALUES (?, ?, ?, ?, ?, ?)")).
		WillReturnError(errors.New("constraint failed"))
	mock.ExpectRollback()

	err = store.Append(context.Background(), Entry{Sequence: 0, Payload: []byte(`{}`)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "constraint failed")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreScanPages(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewSQLStore(db, DialectPostgres)
	rows := sqlmock.NewRows([]string{"sequence", "prev_hash", "hash", "ts", "type", "payload"}).
		AddRow(int64(2), "p2", "h2", "t2", "epoch_start", `{"epoch_id":"e"}`).
		AddRow(int64(3), "h2", "h3", "t3", "epoch_checkpoint", `{"epoch_id":"e"}`)
	mock.ExpectQuery(regexp.QuoteMeta("FROM ledger_entries WHERE sequence >= $1 ORDER BY sequence LIMIT $2")).
		WithArgs(int64(2), int64(scanPageSize)).
		WillReturnRows(rows)

	var got []Entry
	for e, err := range store.Scan(context.Background(), 2) {
		require.NoError(t, err)
		got = append(got, e)
	}
	require.Len(t, got, 2)
	assert.Equal(t, uint64(3), got[1].Sequence)
	assert.Equal(t, KindEpochCheckpoint, got[1].Type)
	assert.JSONEq(t, `{"epoch_id":"e"}`, string(got[0].Payload))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreSQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "ledger.db")

	store, err := OpenSQLStore(ctx, "sqlite", dsn)
	require.NoError(t, err)
	l, err := Open(ctx, store, determinism.NewSeededProvider("sqlite"))
	require.NoError(t, err)
	for i := 0; i < 300; i++ {
		_, err := l.Append(ctx, KindTransition, map[string]any{"n": i})
		require.NoError(t, err)
	}
	head := l.Head()
	require.NoError(t, store.Close())

	store, err = OpenSQLStore(ctx, "sqlite3", dsn)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	reopened, err := Open(ctx, store, nil)
	require.NoError(t, err)
	assert.Equal(t, head, reopened.Head())
	assert.Equal(t, uint64(300), reopened.Len())

	e, err := reopened.Get(ctx, 299)
	require.NoError(t, err)
	assert.Equal(t, `{"n":299}`, string(e.Payload))
}

func TestOpenSQLStoreRejectsUnknownDriver(t *testing.T) {
	_, err := OpenSQLStore(context.Background(), "mysql", "dsn")
	require.Error(t, err)
}
