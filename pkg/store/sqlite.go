package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/snow-ghost/usagemeter/pkg/usage"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements a durable event store on SQLite
type SQLiteStore struct {
	db *sql.DB
}

const createUsageTable = `
CREATE TABLE IF NOT EXISTS usage_records (
	id TEXT PRIMARY KEY,
	ts INTEGER NOT NULL,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	tokens_in INTEGER NOT NULL,
	tokens_out INTEGER NOT NULL,
	cost_micros INTEGER NOT NULL,
	succeeded INTEGER NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	latency_ms INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_usage_records_ts ON usage_records(ts);
CREATE INDEX IF NOT EXISTS idx_usage_records_model ON usage_records(model);
CREATE INDEX IF NOT EXISTS idx_usage_records_provider ON usage_records(provider);
`

// NewSQLiteStore opens (or creates) the database at dbPath
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		dsn = "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open usage db: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec(createUsageTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage db: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Append inserts a record
func (s *SQLiteStore) Append(ctx context.Context, rec usage.Record) error {
	succeeded := 0
	if rec.Succeeded {
		succeeded = 1
	}

	_, err := s.db.ExecContext(ctx, `
	INSERT INTO usage_records (
		id, ts, provider, model, tokens_in, tokens_out, cost_micros, succeeded, session_id, latency_ms
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UnixNano(),
		rec.Provider,
		rec.Model,
		rec.TokensIn,
		rec.TokensOut,
		int64(rec.Cost),
		succeeded,
		rec.SessionID,
		rec.LatencyMS,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s", ErrDuplicateRecord, rec.ID)
		}
		return fmt.Errorf("append usage record: %w", err)
	}

	return nil
}

// Scan iterates records in [from, to) in timestamp order
func (s *SQLiteStore) Scan(ctx context.Context, from, to time.Time, fn func(usage.Record) error) error {
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, ts, provider, model, tokens_in, tokens_out, cost_micros, succeeded, session_id, latency_ms
	FROM usage_records
	WHERE ts >= ? AND ts < ?
	ORDER BY ts, id`,
		from.UnixNano(), to.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("scan usage records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rec       usage.Record
			ts        int64
			cost      int64
			succeeded int
		)
		err := rows.Scan(
			&rec.ID,
			&ts,
			&rec.Provider,
			&rec.Model,
			&rec.TokensIn,
			&rec.TokensOut,
			&cost,
			&succeeded,
			&rec.SessionID,
			&rec.LatencyMS,
		)
		if err != nil {
			return fmt.Errorf("scan usage row: %w", err)
		}
		rec.Timestamp = time.Unix(0, ts).UTC()
		rec.Cost = usage.Micros(cost)
		rec.Succeeded = succeeded == 1

		if err := fn(rec); err != nil {
			return err
		}
	}

	return rows.Err()
}

// Count returns the number of stored records
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM usage_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count usage records: %w", err)
	}
	return n, nil
}

// Ping checks the database connection
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
