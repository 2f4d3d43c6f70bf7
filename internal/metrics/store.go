package metrics

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Store is an append-only SQLite store for dispatch samples. Records
// are indexed by timestamp, request, and capability for aggregation
// queries. All public methods are safe for concurrent use (SQLite
// serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore creates a sample store at the given database path. The
// schema is created automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open metrics database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate metrics schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS dispatch_samples (
		id          TEXT PRIMARY KEY,
		timestamp   TEXT NOT NULL,
		request_id  TEXT NOT NULL,
		capability  TEXT NOT NULL,
		status      TEXT NOT NULL,
		success     INTEGER NOT NULL,
		attempts    INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		size_units  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_samples_timestamp ON dispatch_samples(timestamp);
	CREATE INDEX IF NOT EXISTS idx_samples_request ON dispatch_samples(request_id);
	CREATE INDEX IF NOT EXISTS idx_samples_capability ON dispatch_samples(capability);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists a sample. If s.ID is empty, a UUIDv7 is generated.
// The context is used for cancellation only.
func (st *Store) Record(ctx context.Context, s Sample) error {
	if s.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate sample ID: %w", err)
		}
		s.ID = id.String()
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}

	success := 0
	if s.Success {
		success = 1
	}

	_, err := st.db.ExecContext(ctx,
		`INSERT INTO dispatch_samples
			(id, timestamp, request_id, capability, status, success, attempts, duration_ms, size_units)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID,
		s.Timestamp.UTC().Format(time.RFC3339Nano),
		s.RequestID,
		s.Capability,
		s.Status,
		success,
		s.Attempts,
		s.Duration.Milliseconds(),
		s.SizeUnits,
	)
	if err != nil {
		return fmt.Errorf("insert dispatch sample: %w", err)
	}
	return nil
}

// Summary returns aggregated totals for samples within [start, end).
func (st *Store) Summary(start, end time.Time) (*Summary, error) {
	row := st.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(success), 0), COALESCE(SUM(duration_ms), 0), COALESCE(SUM(size_units), 0)
		 FROM dispatch_samples
		 WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC().Format(time.RFC3339Nano),
		end.UTC().Format(time.RFC3339Nano),
	)

	var sum Summary
	var totalDurationMS int64
	if err := row.Scan(&sum.Count, &sum.SuccessCount, &totalDurationMS, &sum.TotalSize); err != nil {
		return nil, fmt.Errorf("query metrics summary: %w", err)
	}
	if sum.Count > 0 {
		sum.SuccessRate = float64(sum.SuccessCount) / float64(sum.Count)
		sum.MeanDuration = time.Duration(totalDurationMS/int64(sum.Count)) * time.Millisecond
	}
	return &sum, nil
}

// SummaryByCapability returns per-capability aggregated totals for
// samples within [start, end). The sentinel no-match samples group
// under their empty capability name.
func (st *Store) SummaryByCapability(start, end time.Time) (map[string]*Summary, error) {
	rows, err := st.db.Query(
		`SELECT COALESCE(capability, ''), COUNT(*), COALESCE(SUM(success), 0), COALESCE(SUM(duration_ms), 0), COALESCE(SUM(size_units), 0)
		 FROM dispatch_samples
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY capability
		 ORDER BY COUNT(*) DESC`,
		start.UTC().Format(time.RFC3339Nano),
		end.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("query metrics by capability: %w", err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		var totalDurationMS int64
		if err := rows.Scan(&key, &sum.Count, &sum.SuccessCount, &totalDurationMS, &sum.TotalSize); err != nil {
			return nil, fmt.Errorf("scan metrics by capability: %w", err)
		}
		if sum.Count > 0 {
			sum.SuccessRate = float64(sum.SuccessCount) / float64(sum.Count)
			sum.MeanDuration = time.Duration(totalDurationMS/int64(sum.Count)) * time.Millisecond
		}
		result[key] = &sum
	}
	return result, rows.Err()
}
