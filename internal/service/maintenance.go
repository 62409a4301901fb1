// ABOUTME: Periodic cache upkeep for the daemon
// ABOUTME: Purges stale not-found rows and re-polls parked scan submissions

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/ratelimit"
)

// PurgeStale deletes not-found rows older than the TTL in every table.
// It returns the deleted row count per provider.
func (s *Service) PurgeStale(ctx context.Context, now time.Time) (map[string]int64, error) {
	purged := make(map[string]int64)
	var errs []error
	for _, name := range append(s.FetcherNames(), s.ScannerNames()...) {
		t, err := s.Table(name)
		if err != nil {
			return purged, err
		}
		n, err := t.PurgeStaleNotFound(ctx, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		purged[name] = n
	}
	return purged, errors.Join(errs...)
}

// CheckPending re-polls parked submissions of every scanner.
// It returns how many were resolved per scanner.
func (s *Service) CheckPending(ctx context.Context) (map[string]int, error) {
	resolved := make(map[string]int)
	var errs []error
	for _, name := range s.ScannerNames() {
		n, err := s.scanners[name].CheckPending(ctx)
		resolved[name] = n
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return resolved, errors.Join(errs...)
}

// RunMaintenance runs purge and pending rounds until ctx is done.
// A failed round delays the next one by a growing backoff.
func (s *Service) RunMaintenance(ctx context.Context) error {
	mc := s.cfg.Maintenance
	if !mc.Enabled {
		<-ctx.Done()
		return nil
	}

	purgeEvery := mc.Interval.Std()
	if purgeEvery <= 0 {
		purgeEvery = time.Hour
	}
	pendingEvery := mc.PendingInterval.Std()
	if pendingEvery <= 0 {
		pendingEvery = 5 * time.Minute
	}

	purge := time.NewTicker(purgeEvery)
	defer purge.Stop()
	pending := time.NewTicker(pendingEvery)
	defer pending.Stop()

	backoff := ratelimit.NewBackoff(mc.GetRetry())
	s.logger.Info("maintenance loop started",
		slog.Duration("purge_interval", purgeEvery),
		slog.Duration("pending_interval", pendingEvery),
	)

	for {
		var err error
		select {
		case <-ctx.Done():
			return nil
		case <-purge.C:
			var purged map[string]int64
			purged, err = s.PurgeStale(ctx, time.Now())
			s.logger.Debug("stale not-found rows purged", slog.Any("rows", purged))
		case <-pending.C:
			var resolved map[string]int
			resolved, err = s.CheckPending(ctx)
			s.logger.Debug("pending submissions checked", slog.Any("resolved", resolved))
		}

		if err == nil {
			backoff.Reset()
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		delay := backoff.Next()
		s.logger.Warn("maintenance round failed",
			slog.Any("error", err),
			slog.Duration("retry_in", delay),
		)
		if ratelimit.SleepContext(ctx, delay) != nil {
			return nil
		}
	}
}
