// ABOUTME: Tests for the generic metadata cache table
// ABOUTME: Upsert semantics, staleness boundary, negative rows and purges

package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/store"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/types"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

func strPtr(s string) *string { return &s }

func newFDroidStore(t *testing.T, c *clock) *store.CacheStore[types.FDroidApp] {
	t.Helper()
	db := store.OpenMemory(t)
	s, err := store.NewCacheStore(context.Background(), db, store.FDroidMapping, store.CacheConfig{Now: c.Now})
	if err != nil {
		t.Fatalf("Failed to create cache store: %v", err)
	}
	return s
}

func TestCacheStore_UpsertAndGet(t *testing.T) {
	t.Parallel()

	c := &clock{t: time.Unix(1_700_000_000, 0)}
	s := newFDroidStore(t, c)
	ctx := context.Background()

	rec := types.FDroidApp{
		Title:     "Example",
		Developer: "Jane",
		Version:   strPtr("1.0"),
		License:   strPtr("MIT"),
	}
	if _, err := s.Upsert(ctx, "com.example.app", rec, "<html/>"); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	got, err := s.Get(ctx, "com.example.app")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !got.Found() {
		t.Errorf("Outcome = %q, want found", got.Outcome)
	}
	if got.Record.Title != "Example" || got.Record.Developer != "Jane" {
		t.Errorf("Record = %+v", got.Record)
	}
	if got.Record.Version == nil || *got.Record.Version != "1.0" {
		t.Errorf("Version = %v, want 1.0", got.Record.Version)
	}
	if got.Record.Description != nil {
		t.Errorf("Description = %v, want nil", *got.Record.Description)
	}
	if got.RawResponse != "<html/>" {
		t.Errorf("RawResponse = %q", got.RawResponse)
	}

	if _, err := s.Get(ctx, "com.missing.app"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestCacheStore_UpsertPreservesCreatedAt(t *testing.T) {
	t.Parallel()

	c := &clock{t: time.Unix(1_700_000_000, 0)}
	s := newFDroidStore(t, c)
	ctx := context.Background()

	first, err := s.Upsert(ctx, "com.example.app", types.FDroidApp{Title: "Old"}, "")
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	c.t = c.t.Add(time.Hour)
	second, err := s.UpsertNotFound(ctx, "com.example.app", "404")
	if err != nil {
		t.Fatalf("UpsertNotFound() error = %v", err)
	}

	if second.ID != first.ID {
		t.Errorf("ID changed from %d to %d", first.ID, second.ID)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", second.CreatedAt, first.CreatedAt)
	}
	if !second.UpdatedAt.Equal(c.t.UTC()) {
		t.Errorf("UpdatedAt = %v, want %v", second.UpdatedAt, c.t.UTC())
	}
	if second.Outcome != store.OutcomeNotFound || second.Record.Title != "" {
		t.Errorf("row after not-found upsert = %+v", second)
	}

	counts, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if counts.Total() != 1 || counts.NotFound != 1 {
		t.Errorf("Count() = %+v, want one not-found row", counts)
	}
}

func TestCacheStore_StalenessBoundary(t *testing.T) {
	t.Parallel()

	base := time.Unix(1_700_000_000, 0)
	c := &clock{t: base}
	s := newFDroidStore(t, c)
	ctx := context.Background()

	if _, err := s.Upsert(ctx, "com.example.app", types.FDroidApp{Title: "X"}, ""); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if _, err := s.UpsertNotFound(ctx, "com.gone.app", ""); err != nil {
		t.Fatalf("UpsertNotFound() error = %v", err)
	}

	tests := []struct {
		name  string
		now   time.Time
		fresh bool
	}{
		{name: "just written", now: base, fresh: true},
		{name: "ttl minus one second", now: base.Add(store.DefaultTTL - time.Second), fresh: true},
		{name: "exactly ttl", now: base.Add(store.DefaultTTL), fresh: true},
		{name: "ttl plus one second", now: base.Add(store.DefaultTTL + time.Second), fresh: false},
	}

	for _, id := range []string{"com.example.app", "com.gone.app"} {
		for _, tt := range tests {
			_, err := s.Fresh(ctx, id, tt.now)
			if tt.fresh && err != nil {
				t.Errorf("%s %s: Fresh() error = %v, want fresh", id, tt.name, err)
			}
			if !tt.fresh && !errors.Is(err, store.ErrNotFound) {
				t.Errorf("%s %s: Fresh() error = %v, want ErrNotFound", id, tt.name, err)
			}
		}
	}
}

func TestCacheStore_MayContain(t *testing.T) {
	t.Parallel()

	s := newFDroidStore(t, &clock{t: time.Unix(1_700_000_000, 0)})
	ctx := context.Background()

	if s.MayContain("com.example.app") {
		t.Error("MayContain() = true on an empty table")
	}
	if _, err := s.Upsert(ctx, "com.example.app", types.FDroidApp{Title: "X"}, ""); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if !s.MayContain("com.example.app") {
		t.Error("MayContain() = false after upsert")
	}
}

func TestCacheStore_IndexSeededFromTable(t *testing.T) {
	t.Parallel()

	db := store.OpenMemory(t)
	ctx := context.Background()

	first, err := store.NewCacheStore(ctx, db, store.APKMirrorMapping, store.CacheConfig{})
	if err != nil {
		t.Fatalf("Failed to create cache store: %v", err)
	}
	if _, err := first.Upsert(ctx, "com.example.app", types.APKMirrorApp{Title: "X"}, ""); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	reopened, err := store.NewCacheStore(ctx, db, store.APKMirrorMapping, store.CacheConfig{})
	if err != nil {
		t.Fatalf("Failed to reopen cache store: %v", err)
	}
	if !reopened.MayContain("com.example.app") {
		t.Error("reopened index does not contain existing row")
	}
}

func TestCacheStore_PurgeAndFlush(t *testing.T) {
	t.Parallel()

	base := time.Unix(1_700_000_000, 0)
	c := &clock{t: base}
	s := newFDroidStore(t, c)
	ctx := context.Background()

	mustUpsert := func(id string, found bool) {
		t.Helper()
		var err error
		if found {
			_, err = s.Upsert(ctx, id, types.FDroidApp{Title: id}, "")
		} else {
			_, err = s.UpsertNotFound(ctx, id, "")
		}
		if err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}

	mustUpsert("com.old.found", true)
	mustUpsert("com.old.missing", false)
	c.t = base.Add(8 * 24 * time.Hour)
	mustUpsert("com.new.found", true)
	mustUpsert("com.new.missing", false)

	n, err := s.PurgeStaleNotFound(ctx, c.t)
	if err != nil {
		t.Fatalf("PurgeStaleNotFound() error = %v", err)
	}
	if n != 1 {
		t.Errorf("PurgeStaleNotFound() = %d, want 1", n)
	}

	n, err = s.PurgeNotFound(ctx)
	if err != nil {
		t.Fatalf("PurgeNotFound() error = %v", err)
	}
	if n != 1 {
		t.Errorf("PurgeNotFound() = %d, want 1", n)
	}

	n, err = s.PurgeStale(ctx, c.t)
	if err != nil {
		t.Fatalf("PurgeStale() error = %v", err)
	}
	if n != 1 {
		t.Errorf("PurgeStale() = %d, want 1", n)
	}

	n, err = s.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Flush() = %d, want 1", n)
	}
	if s.MayContain("com.new.found") {
		t.Error("index not reset by Flush")
	}
}

func TestCacheStore_HybridAnalysisLists(t *testing.T) {
	t.Parallel()

	db := store.OpenMemory(t)
	ctx := context.Background()

	s, err := store.NewCacheStore(ctx, db, store.HybridAnalysisMapping, store.CacheConfig{})
	if err != nil {
		t.Fatalf("Failed to create cache store: %v", err)
	}

	score := 42
	rec := types.HybridAnalysisReport{
		JobID:       "job-1",
		State:       types.HAStateSuccess,
		ThreatScore: &score,
		Tags:        []string{"banker", "trojan"},
	}
	if _, err := s.Upsert(ctx, "com.example.app", rec, ""); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if _, err := s.Upsert(ctx, "com.miss.app", types.HybridAnalysisReport{State: types.HAStateNotFound}, ""); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	got, err := s.Get(ctx, "com.example.app")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(got.Record.Tags) != 2 || got.Record.Tags[1] != "trojan" {
		t.Errorf("Tags = %v", got.Record.Tags)
	}
	if got.Record.ClassificationTags != nil {
		t.Errorf("ClassificationTags = %v, want nil", got.Record.ClassificationTags)
	}
	if got.Record.ThreatScore == nil || *got.Record.ThreatScore != 42 {
		t.Errorf("ThreatScore = %v", got.Record.ThreatScore)
	}

	n, err := s.PurgeNotFound(ctx)
	if err != nil {
		t.Fatalf("PurgeNotFound() error = %v", err)
	}
	if n != 1 {
		t.Errorf("PurgeNotFound() = %d, want the terminal not_found row", n)
	}
}

func TestNewCacheStore_InvalidMapping(t *testing.T) {
	t.Parallel()

	db := store.OpenMemory(t)
	bad := store.Mapping[types.APKMirrorApp]{
		Table:   "broken",
		Columns: []store.Column{{Name: "title", Type: "TEXT"}},
		Values:  func(r *types.APKMirrorApp) []any { return []any{r.Title, r.Developer} },
		Targets: func(r *types.APKMirrorApp) []any { return []any{&r.Title} },
	}
	if _, err := store.NewCacheStore(context.Background(), db, bad, store.CacheConfig{}); err == nil {
		t.Error("NewCacheStore() accepted a mapping with mismatched values")
	}
}

func TestIsStale(t *testing.T) {
	t.Parallel()

	updated := time.Unix(1_000, 0)
	if store.IsStale(updated, updated.Add(time.Hour), time.Hour) {
		t.Error("IsStale() at exactly ttl = true, want false")
	}
	if !store.IsStale(updated, updated.Add(time.Hour+time.Second), time.Hour) {
		t.Error("IsStale() past ttl = false, want true")
	}
}
