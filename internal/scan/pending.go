// ABOUTME: Startup state restore and re-polling of parked submissions
// ABOUTME: Package statuses are rebuilt from stored rows

package scan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/observability"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/provider"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/store"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/upsert"
)

// Init restores package statuses from stored rows. Packages with rows become
// Completed and the rest Pending. A nil list restores every stored package.
func (s *Scanner[R]) Init(ctx context.Context, packages []string) error {
	if packages == nil {
		var err error
		if packages, err = s.results.Packages(ctx); err != nil {
			return fmt.Errorf("listing scanned packages: %w", err)
		}
	}

	for _, pkg := range packages {
		rows, err := s.results.ByPackage(ctx, pkg)
		if err != nil {
			return fmt.Errorf("loading rows of %s: %w", pkg, err)
		}
		s.restore(pkg, rows)
	}
	s.logger.Info("scanner state restored", slog.Int("packages", len(packages)))
	return nil
}

// restore leaves queued and active packages alone.
func (s *Scanner[R]) restore(pkg string, rows []store.ScanRow[R]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pkg == s.active {
		return
	}
	for _, r := range s.queue {
		if r.Package == pkg {
			return
		}
	}
	if len(rows) == 0 {
		s.states[pkg] = pendingStatus[R]()
		return
	}
	s.states[pkg] = completedStatus(resultFromRows(rows))
}

func resultFromRows[R any](rows []store.ScanRow[R]) Result[R] {
	res := Result[R]{FilesAttempted: len(rows), Files: make([]FileScanResult[R], 0, len(rows))}
	for _, row := range rows {
		res.Files = append(res.Files, fileFromRow(row))
	}
	return res
}

// CheckPending polls every parked submission once and stores finished reports.
// It returns how many submissions were resolved.
func (s *Scanner[R]) CheckPending(ctx context.Context) (int, error) {
	rows, err := s.results.Pending(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing pending submissions: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	resolved := 0
	touched := make(map[string]struct{})
	for _, row := range rows {
		logger := s.logger.With(slog.String("package", row.Key.PackageName), slog.String("file", row.Key.FilePath))

		var h provider.JobHandle
		if err := json.Unmarshal([]byte(row.PendingJob), &h); err != nil {
			logger.Warn("discarding undecodable job handle", slog.Any("error", err))
			continue
		}
		if h.SHA256 == "" {
			h.SHA256 = row.Key.SHA256
		}

		if err := s.limiter.Wait(ctx, s.cfg.Sleep); err != nil {
			return resolved, err
		}
		res, err := s.adapter.Poll(ctx, h)
		switch {
		case err == nil:
			s.persist(ctx, upsert.Task[R]{
				PackageName: row.Key.PackageName, FilePath: row.Key.FilePath, SHA256: row.Key.SHA256,
				Outcome: store.OutcomeFound, Record: res.Record, Raw: res.Raw,
			})
			resolved++
			touched[row.Key.PackageName] = struct{}{}
		case errors.Is(err, provider.ErrPending):
			logger.Debug("analysis still running", slog.String("job", h.RemoteID))
		case errors.Is(err, provider.ErrRateLimited):
			s.limiter.Cooldown(max(provider.RetryAfterOf(err), s.cfg.RateLimitBackoff))
		default:
			logger.Warn("poll failed", slog.String("error", observability.RedactSensitive(err.Error())))
		}
	}

	if s.writes != nil {
		if err := s.writes.Drain(ctx); err != nil {
			return resolved, err
		}
	}
	for pkg := range touched {
		rows, err := s.results.ByPackage(ctx, pkg)
		if err != nil {
			return resolved, fmt.Errorf("loading rows of %s: %w", pkg, err)
		}
		s.restore(pkg, rows)
	}

	s.logger.Info("pending submissions checked",
		slog.Int("pending", len(rows)),
		slog.Int("resolved", resolved),
	)
	return resolved, nil
}
