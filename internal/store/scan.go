// ABOUTME: Per-file scan result tables keyed by package, file path and sha256
// ABOUTME: Holds found, not-found and pending rows; only misses expire

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// OutcomePending marks a submission whose analysis has not finished.
const OutcomePending Outcome = "pending"

// ScanKey identifies one scanned file.
type ScanKey struct {
	PackageName string `json:"package_name"`
	FilePath    string `json:"file_path"`
	SHA256      string `json:"sha256"`
}

// ScanRow is one stored scan result.
type ScanRow[R any] struct {
	ID      int64
	Key     ScanKey
	Outcome Outcome
	Record  R

	// PendingJob is the serialized job handle of an unfinished submission.
	PendingJob string

	RawResponse string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ScanConfig configures a ScanStore.
type ScanConfig struct {
	// TTL for not-found rows. Zero uses DefaultTTL.
	TTL time.Duration

	Now    func() time.Time
	Logger *slog.Logger
}

// ScanStore is the scan-result table for one provider.
type ScanStore[R any] struct {
	db      *sql.DB
	mapping Mapping[R]
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger

	selectCols string
}

// NewScanStore creates the table and its indexes if needed.
func NewScanStore[R any](ctx context.Context, db *sql.DB, m Mapping[R], cfg ScanConfig) (*ScanStore[R], error) {
	if err := m.validate(); err != nil {
		return nil, err
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &ScanStore[R]{
		db:         db,
		mapping:    m,
		ttl:        cfg.TTL,
		now:        cfg.Now,
		logger:     cfg.Logger.With(slog.String("table", m.Table)),
		selectCols: "id, package_name, file_path, sha256, " + m.columnList() + ", outcome, pending_job, raw_response, created_at, updated_at",
	}

	for _, stmt := range s.schema() {
		if _, err := execRetry(ctx, db, stmt); err != nil {
			return nil, fmt.Errorf("creating table %s: %w", m.Table, err)
		}
	}
	return s, nil
}

func (s *ScanStore[R]) schema() []string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "CREATE TABLE IF NOT EXISTS %s (\n", s.mapping.Table)
	sb.WriteString("\tid INTEGER PRIMARY KEY AUTOINCREMENT,\n")
	sb.WriteString("\tpackage_name TEXT NOT NULL,\n")
	sb.WriteString("\tfile_path TEXT NOT NULL,\n")
	sb.WriteString("\tsha256 TEXT NOT NULL,\n")
	for _, c := range s.mapping.Columns {
		fmt.Fprintf(&sb, "\t%s %s,\n", c.Name, c.Type)
	}
	sb.WriteString("\toutcome TEXT NOT NULL CHECK (outcome IN ('found', 'not_found', 'pending')),\n")
	sb.WriteString("\tpending_job TEXT,\n")
	sb.WriteString("\traw_response TEXT,\n")
	sb.WriteString("\tcreated_at INTEGER NOT NULL,\n")
	sb.WriteString("\tupdated_at INTEGER NOT NULL,\n")
	sb.WriteString("\tUNIQUE (package_name, file_path, sha256)\n")
	sb.WriteString(")")

	t := s.mapping.Table
	return []string{
		sb.String(),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_sha256 ON %s (sha256)", t, t),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_package ON %s (package_name)", t, t),
	}
}

// Table returns the table name.
func (s *ScanStore[R]) Table() string { return s.mapping.Table }

func (s *ScanStore[R]) scanRow(sc interface{ Scan(...any) error }) (*ScanRow[R], error) {
	var (
		row              ScanRow[R]
		outcome          string
		pending, raw     sql.NullString
		created, updated int64
	)
	dest := []any{&row.ID, &row.Key.PackageName, &row.Key.FilePath, &row.Key.SHA256}
	dest = append(dest, s.mapping.Targets(&row.Record)...)
	dest = append(dest, &outcome, &pending, &raw, &created, &updated)

	if err := sc.Scan(dest...); err != nil {
		return nil, err
	}
	row.Outcome = Outcome(outcome)
	row.PendingJob = pending.String
	row.RawResponse = raw.String
	row.CreatedAt = time.Unix(created, 0).UTC()
	row.UpdatedAt = time.Unix(updated, 0).UTC()
	return &row, nil
}

func (s *ScanStore[R]) query(ctx context.Context, where string, args ...any) ([]ScanRow[R], error) {
	q := "SELECT " + s.selectCols + " FROM " + s.mapping.Table + " WHERE " + where + " ORDER BY id"
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", s.mapping.Table, err)
	}
	defer rows.Close()

	var out []ScanRow[R]
	for rows.Next() {
		r, err := s.scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("reading %s row: %w", s.mapping.Table, err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// Find returns the row for key or ErrNotFound.
func (s *ScanStore[R]) Find(ctx context.Context, key ScanKey) (*ScanRow[R], error) {
	q := "SELECT " + s.selectCols + " FROM " + s.mapping.Table +
		" WHERE package_name = ? AND file_path = ? AND sha256 = ?"
	row, err := s.scanRow(s.db.QueryRowContext(ctx, q, key.PackageName, key.FilePath, key.SHA256))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s row: %w", s.mapping.Table, err)
	}
	return row, nil
}

// BySHA256 returns the most recently updated non-pending row for a digest,
// whichever package it was first seen in.
func (s *ScanStore[R]) BySHA256(ctx context.Context, sha256 string) (*ScanRow[R], error) {
	q := "SELECT " + s.selectCols + " FROM " + s.mapping.Table +
		" WHERE sha256 = ? AND outcome != ? ORDER BY updated_at DESC, id DESC LIMIT 1"
	row, err := s.scanRow(s.db.QueryRowContext(ctx, q, sha256, string(OutcomePending)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s row: %w", s.mapping.Table, err)
	}
	return row, nil
}

// ByPackage lists the rows of a package.
func (s *ScanStore[R]) ByPackage(ctx context.Context, pkg string) ([]ScanRow[R], error) {
	return s.query(ctx, "package_name = ?", pkg)
}

// Pending lists unfinished submissions.
func (s *ScanStore[R]) Pending(ctx context.Context) ([]ScanRow[R], error) {
	return s.query(ctx, "outcome = ?", string(OutcomePending))
}

// Packages lists the distinct package names with at least one row.
func (s *ScanStore[R]) Packages(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT package_name FROM "+s.mapping.Table+" ORDER BY package_name")
	if err != nil {
		return nil, fmt.Errorf("listing %s packages: %w", s.mapping.Table, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("listing %s packages: %w", s.mapping.Table, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Upsert looks the key up and updates the row in place or inserts a new one.
// created_at of an existing row is kept.
func (s *ScanStore[R]) Upsert(ctx context.Context, row ScanRow[R]) error {
	ts := s.now().Unix()
	values := s.mapping.Values(&row.Record)
	k := row.Key

	return runTx(ctx, s.db, func(tx *sql.Tx) error {
		var id int64
		err := tx.QueryRowContext(ctx,
			"SELECT id FROM "+s.mapping.Table+" WHERE package_name = ? AND file_path = ? AND sha256 = ?",
			k.PackageName, k.FilePath, k.SHA256).Scan(&id)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			args := append([]any{k.PackageName, k.FilePath, k.SHA256}, values...)
			args = append(args, string(row.Outcome), nullString(row.PendingJob), row.RawResponse, ts, ts)
			_, err = tx.ExecContext(ctx, fmt.Sprintf(
				"INSERT INTO %s (package_name, file_path, sha256, %s, outcome, pending_job, raw_response, created_at, updated_at) VALUES (?, ?, ?, %s, ?, ?, ?, ?, ?)",
				s.mapping.Table, s.mapping.columnList(), placeholders(len(s.mapping.Columns))), args...)
		case err == nil:
			args := append([]any{}, values...)
			args = append(args, string(row.Outcome), nullString(row.PendingJob), row.RawResponse, ts, id)
			_, err = tx.ExecContext(ctx, fmt.Sprintf(
				"UPDATE %s SET %s, outcome = ?, pending_job = ?, raw_response = ?, updated_at = ? WHERE id = ?",
				s.mapping.Table, s.mapping.assignList()), args...)
		}
		if err != nil {
			return fmt.Errorf("upserting %s row %s: %w", s.mapping.Table, k.FilePath, err)
		}
		return nil
	})
}

// IsStale reports whether a row should be looked up again. Found rows never
// expire; not-found rows follow the TTL; pending rows are never stale.
func (s *ScanStore[R]) IsStale(row *ScanRow[R], now time.Time) bool {
	if row.Outcome != OutcomeNotFound {
		return false
	}
	return IsStale(row.UpdatedAt, now, s.ttl)
}

// PurgeNotFound deletes not-found and terminal-miss rows.
func (s *ScanStore[R]) PurgeNotFound(ctx context.Context) (int64, error) {
	return s.deleteWhere(ctx, s.mapping.missCondition())
}

// PurgeStaleNotFound deletes not-found rows past the TTL.
func (s *ScanStore[R]) PurgeStaleNotFound(ctx context.Context, now time.Time) (int64, error) {
	return s.deleteWhere(ctx, s.mapping.missCondition()+" AND updated_at < ?", now.Add(-s.ttl).Unix())
}

// DeletePackage removes every row of a package.
func (s *ScanStore[R]) DeletePackage(ctx context.Context, pkg string) (int64, error) {
	return s.deleteWhere(ctx, "package_name = ?", pkg)
}

// Flush empties the table.
func (s *ScanStore[R]) Flush(ctx context.Context) (int64, error) {
	return s.deleteWhere(ctx, "1 = 1")
}

func (s *ScanStore[R]) deleteWhere(ctx context.Context, where string, args ...any) (int64, error) {
	res, err := execRetry(ctx, s.db, "DELETE FROM "+s.mapping.Table+" WHERE "+where, args...)
	if err != nil {
		return 0, fmt.Errorf("purging %s: %w", s.mapping.Table, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("scan rows purged", slog.Int64("rows", n))
	}
	return n, nil
}

// Count returns row counts by outcome.
func (s *ScanStore[R]) Count(ctx context.Context) (Counts, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT outcome, COUNT(*) FROM "+s.mapping.Table+" GROUP BY outcome")
	if err != nil {
		return Counts{}, fmt.Errorf("counting %s: %w", s.mapping.Table, err)
	}
	defer rows.Close()

	var c Counts
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return Counts{}, fmt.Errorf("counting %s: %w", s.mapping.Table, err)
		}
		switch Outcome(outcome) {
		case OutcomeFound:
			c.Found = n
		case OutcomeNotFound:
			c.NotFound = n
		case OutcomePending:
			c.Pending = n
		}
	}
	return c, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
