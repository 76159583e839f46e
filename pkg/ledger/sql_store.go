package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // sqlite driver
)

// Dialect selects placeholder syntax for SQLStore.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

const sqlSchema = `
CREATE TABLE IF NOT EXISTS ledger_entries (
	sequence BIGINT PRIMARY KEY,
	prev_hash TEXT NOT NULL,
	hash TEXT NOT NULL,
	ts TEXT NOT NULL,
	type TEXT NOT NULL,
	payload TEXT NOT NULL
);
`

const scanPageSize = 256

// SQLStore persists entries in a ledger_entries table. Works with Postgres and SQLite.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	owned   bool
}

// NewSQLStore wraps an open database. The caller keeps ownership of db.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// OpenSQLStore opens a database by driver name ("sqlite" or "postgres") and creates the schema.
func OpenSQLStore(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	var dialect Dialect
	switch driver {
	case "sqlite", "sqlite3":
		driver, dialect = "sqlite", DialectSQLite
	case "postgres", "postgresql":
		driver, dialect = "postgres", DialectPostgres
	default:
		return nil, fmt.Errorf("ledger: unsupported sql driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", driver, err)
	}
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: ping %s: %w", driver, err)
	}
	s := &SQLStore{db: db, dialect: dialect, owned: true}
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Init creates the ledger_entries table if it does not exist.
func (s *SQLStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqlSchema); err != nil {
		return fmt.Errorf("ledger: create schema: %w", err)
	}
	return nil
}

func (s *SQLStore) placeholders(n int) []string {
	out := make([]string, n)
	for i := range out {
		if s.dialect == DialectPostgres {
			out[i] = fmt.Sprintf("$%d", i+1)
		} else {
			out[i] = "?"
		}
	}
	return out
}

// Append inserts e in its own transaction. The primary key rejects a duplicate sequence.
func (s *SQLStore) Append(ctx context.Context, e Entry) error {
	p := s.placeholders(6)
	query := fmt.Sprintf(
		"INSERT INTO ledger_entries (sequence, prev_hash, hash, ts, type, payload) VALUES (%s)",
		strings.Join(p, ", "),
	)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: begin: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query,
		int64(e.Sequence), e.PrevHash, e.Hash, e.TS, string(e.Type), string(e.Payload),
	); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("ledger: insert sequence %d: %w", e.Sequence, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ledger: commit sequence %d: %w", e.Sequence, err)
	}
	return nil
}

// Scan pages through rows in sequence order. Each page is fully read before
// entries are yielded, so consumers may append while iterating.
func (s *SQLStore) Scan(ctx context.Context, from uint64) Seq {
	return func(yield func(Entry, error) bool) {
		p := s.placeholders(2)
		query := fmt.Sprintf(
			"SELECT sequence, prev_hash, hash, ts, type, payload FROM ledger_entries WHERE sequence >= %s ORDER BY sequence LIMIT %s",
			p[0], p[1],
		)
		cursor := from
		for {
			page, err := s.page(ctx, query, cursor)
			if err != nil {
				yield(Entry{}, err)
				return
			}
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
			}
			if len(page) < scanPageSize {
				return
			}
			cursor = page[len(page)-1].Sequence + 1
		}
	}
}

func (s *SQLStore) page(ctx context.Context, query string, from uint64) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, int64(from), scanPageSize)
	if err != nil {
		return nil, fmt.Errorf("ledger: query entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	page := make([]Entry, 0, scanPageSize)
	for rows.Next() {
		var (
			seq     int64
			e       Entry
			kind    string
			payload string
		)
		if err := rows.Scan(&seq, &e.PrevHash, &e.Hash, &e.TS, &kind, &payload); err != nil {
			return nil, fmt.Errorf("ledger: scan row: %w", err)
		}
		if seq < 0 {
			return nil, &IntegrityError{Sequence: from + uint64(len(page)), Reason: "negative sequence"}
		}
		e.Sequence = uint64(seq)
		e.Type = EventKind(kind)
		e.Payload = json.RawMessage(payload)
		page = append(page, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate rows: %w", err)
	}
	return page, nil
}

// Close closes the database if the store opened it.
func (s *SQLStore) Close() error {
	if s.owned {
		return s.db.Close()
	}
	return nil
}
