// ABOUTME: Generic per-provider metadata cache table backed by SQLite
// ABOUTME: One row per package id with a typed found/not_found outcome and a TTL

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

// ErrNotFound is returned when no row exists for a key.
var ErrNotFound = errors.New("cache entry not found")

// DefaultTTL is how long a cached row counts as fresh.
const DefaultTTL = 7 * 24 * time.Hour

// Outcome records whether the provider knew the package.
type Outcome string

// Row outcomes.
const (
	OutcomeFound    Outcome = "found"
	OutcomeNotFound Outcome = "not_found"
)

// Entry is one cached row.
type Entry[R any] struct {
	ID          int64
	PackageID   string
	Outcome     Outcome
	Record      R
	RawResponse string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Found reports whether the row holds a provider record.
func (e *Entry[R]) Found() bool { return e.Outcome == OutcomeFound }

// Counts summarises the rows in a table.
type Counts struct {
	Found    int `json:"found"`
	NotFound int `json:"not_found"`
	Pending  int `json:"pending,omitempty"`
}

// Total returns all rows.
func (c Counts) Total() int { return c.Found + c.NotFound + c.Pending }

// CacheConfig configures a CacheStore.
type CacheConfig struct {
	// TTL after which rows are stale. Zero uses DefaultTTL.
	TTL time.Duration

	Index IndexConfig

	// Now overrides the clock used for timestamps.
	Now func() time.Time

	Logger *slog.Logger
}

// CacheStore is the metadata table for one provider.
type CacheStore[R any] struct {
	db      *sql.DB
	mapping Mapping[R]
	ttl     time.Duration
	now     func() time.Time
	index   *Index
	logger  *slog.Logger

	selectSQL string
	upsertSQL string
}

// NewCacheStore creates the table if needed and seeds the bloom index.
func NewCacheStore[R any](ctx context.Context, db *sql.DB, m Mapping[R], cfg CacheConfig) (*CacheStore[R], error) {
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

	s := &CacheStore[R]{
		db:      db,
		mapping: m,
		ttl:     cfg.TTL,
		now:     cfg.Now,
		index:   NewIndex(cfg.Index),
		logger:  cfg.Logger.With(slog.String("table", m.Table)),
	}
	s.selectSQL = fmt.Sprintf("SELECT id, package_id, %s, outcome, raw_response, created_at, updated_at FROM %s WHERE package_id = ?",
		m.columnList(), m.Table)
	s.upsertSQL = fmt.Sprintf(`INSERT INTO %[1]s (package_id, %[2]s, outcome, raw_response, created_at, updated_at)
VALUES (?, %[3]s, ?, ?, ?, ?)
ON CONFLICT(package_id) DO UPDATE SET %[4]s, outcome = excluded.outcome, raw_response = excluded.raw_response, updated_at = excluded.updated_at`,
		m.Table, m.columnList(), placeholders(len(m.Columns)), m.updateList())

	if _, err := execRetry(ctx, db, m.createTableSQL()); err != nil {
		return nil, fmt.Errorf("creating table %s: %w", m.Table, err)
	}
	if err := s.seedIndex(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *CacheStore[R]) seedIndex(ctx context.Context) error {
	ids, err := s.PackageIDs(ctx)
	if err != nil {
		return err
	}
	s.index.Reset(ids)
	s.logger.Debug("cache index seeded", slog.Int("rows", len(ids)))
	return nil
}

// Table returns the table name.
func (s *CacheStore[R]) Table() string { return s.mapping.Table }

// TTL returns the freshness window.
func (s *CacheStore[R]) TTL() time.Duration { return s.ttl }

// Index exposes the bloom prefilter.
func (s *CacheStore[R]) Index() *Index { return s.index }

// MayContain reports whether a row for id might exist.
func (s *CacheStore[R]) MayContain(id string) bool { return s.index.MayContain(id) }

// Get returns the row for id or ErrNotFound.
func (s *CacheStore[R]) Get(ctx context.Context, id string) (*Entry[R], error) {
	var (
		e                Entry[R]
		outcome          string
		raw              sql.NullString
		created, updated int64
	)
	dest := append([]any{&e.ID, &e.PackageID}, s.mapping.Targets(&e.Record)...)
	dest = append(dest, &outcome, &raw, &created, &updated)

	err := s.db.QueryRowContext(ctx, s.selectSQL, id).Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s row %s: %w", s.mapping.Table, id, err)
	}

	e.Outcome = Outcome(outcome)
	e.RawResponse = raw.String
	e.CreatedAt = time.Unix(created, 0).UTC()
	e.UpdatedAt = time.Unix(updated, 0).UTC()
	return &e, nil
}

// Upsert stores a found record, keeping created_at of an existing row.
func (s *CacheStore[R]) Upsert(ctx context.Context, id string, rec R, raw string) (*Entry[R], error) {
	return s.write(ctx, id, rec, OutcomeFound, raw)
}

// UpsertNotFound stores a confirmed miss.
func (s *CacheStore[R]) UpsertNotFound(ctx context.Context, id, raw string) (*Entry[R], error) {
	var zero R
	return s.write(ctx, id, zero, OutcomeNotFound, raw)
}

func (s *CacheStore[R]) write(ctx context.Context, id string, rec R, outcome Outcome, raw string) (*Entry[R], error) {
	ts := s.now().Unix()

	args := append([]any{id}, s.mapping.Values(&rec)...)
	args = append(args, string(outcome), raw, ts, ts)

	if _, err := execRetry(ctx, s.db, s.upsertSQL, args...); err != nil {
		return nil, fmt.Errorf("upserting %s row %s: %w", s.mapping.Table, id, err)
	}
	s.index.Add(id)
	return s.Get(ctx, id)
}

// Delete removes the row for id. Deleting a missing row is not an error.
func (s *CacheStore[R]) Delete(ctx context.Context, id string) error {
	_, err := execRetry(ctx, s.db, "DELETE FROM "+s.mapping.Table+" WHERE package_id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting %s row %s: %w", s.mapping.Table, id, err)
	}
	return nil
}

// IsStale reports whether more than the TTL has passed since the row was updated.
func (s *CacheStore[R]) IsStale(e *Entry[R], now time.Time) bool {
	return IsStale(e.UpdatedAt, now, s.ttl)
}

// IsStale reports whether now is strictly more than ttl past updated.
func IsStale(updated, now time.Time, ttl time.Duration) bool {
	return now.Sub(updated) > ttl
}

// Fresh returns the row for id when it exists and is not stale.
// A stale or missing row yields ErrNotFound.
func (s *CacheStore[R]) Fresh(ctx context.Context, id string, now time.Time) (*Entry[R], error) {
	if !s.index.MayContain(id) {
		return nil, ErrNotFound
	}
	e, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.IsStale(e, now) {
		return nil, ErrNotFound
	}
	return e, nil
}

// PurgeNotFound deletes every not-found row.
func (s *CacheStore[R]) PurgeNotFound(ctx context.Context) (int64, error) {
	return s.deleteWhere(ctx, s.mapping.missCondition())
}

// PurgeStaleNotFound deletes not-found rows past the TTL.
func (s *CacheStore[R]) PurgeStaleNotFound(ctx context.Context, now time.Time) (int64, error) {
	return s.deleteWhere(ctx, s.mapping.missCondition()+" AND updated_at < ?", now.Add(-s.ttl).Unix())
}

// PurgeStale deletes every row past the TTL.
func (s *CacheStore[R]) PurgeStale(ctx context.Context, now time.Time) (int64, error) {
	return s.deleteWhere(ctx, "updated_at < ?", now.Add(-s.ttl).Unix())
}

// Flush empties the table and the index.
func (s *CacheStore[R]) Flush(ctx context.Context) (int64, error) {
	n, err := s.deleteWhere(ctx, "1 = 1")
	if err != nil {
		return 0, err
	}
	s.index.Reset(nil)
	return n, nil
}

func (s *CacheStore[R]) deleteWhere(ctx context.Context, where string, args ...any) (int64, error) {
	res, err := execRetry(ctx, s.db, "DELETE FROM "+s.mapping.Table+" WHERE "+where, args...)
	if err != nil {
		return 0, fmt.Errorf("purging %s: %w", s.mapping.Table, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("cache rows purged", slog.Int64("rows", n))
	}
	return n, nil
}

// Count returns row counts by outcome.
func (s *CacheStore[R]) Count(ctx context.Context) (Counts, error) {
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
		}
	}
	return c, rows.Err()
}

// PackageIDs lists every package id in the table.
func (s *CacheStore[R]) PackageIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT package_id FROM "+s.mapping.Table)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", s.mapping.Table, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("listing %s: %w", s.mapping.Table, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
