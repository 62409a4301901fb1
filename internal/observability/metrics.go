// ABOUTME: In-process fetch metrics per provider
// ABOUTME: Outcome counters, cache hits, queue depth and latency percentiles

package observability

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

// Outcome classifies a completed provider call.
type Outcome string

// Fetch outcomes.
const (
	OutcomeSuccess     Outcome = "success"
	OutcomeNotFound    Outcome = "not_found"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeError       Outcome = "error"
	OutcomePanic       Outcome = "panic"
)

const maxLatencySamples = 1000

// LatencyPercentiles contains a latency distribution.
type LatencyPercentiles struct {
	P50 time.Duration `json:"p50"`
	P90 time.Duration `json:"p90"`
	P99 time.Duration `json:"p99"`
	Max time.Duration `json:"max"`
}

// ProviderStat is a snapshot of one provider's counters.
type ProviderStat struct {
	Requests    int64              `json:"requests"`
	Successes   int64              `json:"successes"`
	NotFound    int64              `json:"not_found"`
	RateLimited int64              `json:"rate_limited"`
	Failures    int64              `json:"failures"`
	Panics      int64              `json:"panics"`
	CacheHits   int64              `json:"cache_hits"`
	QueueDepth  int64              `json:"queue_depth"`
	Latency     LatencyPercentiles `json:"latency"`
}

// MetricsSnapshot is a point-in-time copy of all provider stats.
type MetricsSnapshot struct {
	Providers map[string]ProviderStat `json:"providers"`
	Timestamp time.Time               `json:"timestamp"`
}

// String returns a compact one-line summary sorted by provider.
func (s MetricsSnapshot) String() string {
	names := make([]string, 0, len(s.Providers))
	for name := range s.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		p := s.Providers[name]
		parts = append(parts, fmt.Sprintf("%s: requests=%d ok=%d not_found=%d rate_limited=%d failed=%d hits=%d queue=%d",
			name, p.Requests, p.Successes, p.NotFound, p.RateLimited, p.Failures, p.CacheHits, p.QueueDepth))
	}
	return strings.Join(parts, "; ")
}

type providerCounters struct {
	stat      ProviderStat
	latencies []time.Duration
}

// FetchMetrics collects counters for workers and scanners. Safe for concurrent use.
type FetchMetrics struct {
	mu        sync.Mutex
	providers map[string]*providerCounters
}

// NewFetchMetrics creates an empty collector.
func NewFetchMetrics() *FetchMetrics {
	return &FetchMetrics{providers: make(map[string]*providerCounters)}
}

func (m *FetchMetrics) counters(provider string) *providerCounters {
	c, ok := m.providers[provider]
	if !ok {
		c = &providerCounters{latencies: make([]time.Duration, 0, 64)}
		m.providers[provider] = c
	}
	return c
}

// RecordFetch records a provider call and its latency.
func (m *FetchMetrics) RecordFetch(provider string, outcome Outcome, d time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.counters(provider)
	c.stat.Requests++
	switch outcome {
	case OutcomeSuccess:
		c.stat.Successes++
	case OutcomeNotFound:
		c.stat.NotFound++
	case OutcomeRateLimited:
		c.stat.RateLimited++
	case OutcomePanic:
		c.stat.Panics++
		c.stat.Failures++
	default:
		c.stat.Failures++
	}

	c.latencies = append(c.latencies, d)
	if len(c.latencies) > maxLatencySamples {
		c.latencies = c.latencies[len(c.latencies)-maxLatencySamples/2:]
	}
}

// RecordCacheHit records an item answered from the cache.
func (m *FetchMetrics) RecordCacheHit(provider string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.counters(provider).stat.CacheHits++
	m.mu.Unlock()
}

// SetQueueDepth records the number of pending items for provider.
func (m *FetchMetrics) SetQueueDepth(provider string, depth int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.counters(provider).stat.QueueDepth = int64(depth)
	m.mu.Unlock()
}

// Snapshot copies the current counters.
func (m *FetchMetrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{Providers: make(map[string]ProviderStat), Timestamp: time.Now().UTC()}
	if m == nil {
		return snap
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, c := range m.providers {
		stat := c.stat
		stat.Latency = percentiles(c.latencies)
		snap.Providers[name] = stat
	}
	return snap
}

// Reset drops all counters.
func (m *FetchMetrics) Reset() {
	m.mu.Lock()
	m.providers = make(map[string]*providerCounters)
	m.mu.Unlock()
}

func percentiles(samples []time.Duration) LatencyPercentiles {
	if len(samples) == 0 {
		return LatencyPercentiles{}
	}
	sorted := slices.Clone(samples)
	slices.Sort(sorted)
	return LatencyPercentiles{
		P50: percentile(sorted, 50),
		P90: percentile(sorted, 90),
		P99: percentile(sorted, 99),
		Max: sorted[len(sorted)-1],
	}
}

// percentile returns the pth percentile of a sorted slice.
func percentile(sorted []time.Duration, p int) time.Duration {
	idx := (p * len(sorted)) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
