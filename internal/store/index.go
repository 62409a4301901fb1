// ABOUTME: Bloom filter prefilter over the package ids present in a table
// ABOUTME: A negative answer skips the row read; a positive one still needs it

package store

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// IndexConfig sizes the bloom filter.
type IndexConfig struct {
	ExpectedItems     uint
	FalsePositiveRate float64
}

// DefaultIndexConfig fits a few thousand installed packages per device fleet.
var DefaultIndexConfig = IndexConfig{ExpectedItems: 50_000, FalsePositiveRate: 0.01}

// Index is a thread-safe bloom filter keyed by package id.
// Deleted ids stay set until Reset.
type Index struct {
	mu     sync.RWMutex
	filter *bloom.BloomFilter
	cfg    IndexConfig
}

// NewIndex creates an empty index.
func NewIndex(cfg IndexConfig) *Index {
	if cfg.ExpectedItems == 0 {
		cfg.ExpectedItems = DefaultIndexConfig.ExpectedItems
	}
	if cfg.FalsePositiveRate <= 0 || cfg.FalsePositiveRate >= 1 {
		cfg.FalsePositiveRate = DefaultIndexConfig.FalsePositiveRate
	}
	return &Index{
		filter: bloom.NewWithEstimates(cfg.ExpectedItems, cfg.FalsePositiveRate),
		cfg:    cfg,
	}
}

// Add records id.
func (ix *Index) Add(id string) {
	ix.mu.Lock()
	ix.filter.AddString(id)
	ix.mu.Unlock()
}

// MayContain is false only when id was never added since the last Reset.
func (ix *Index) MayContain(id string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.filter.TestString(id)
}

// Reset replaces the filter with one holding exactly ids.
func (ix *Index) Reset(ids []string) {
	f := bloom.NewWithEstimates(ix.cfg.ExpectedItems, ix.cfg.FalsePositiveRate)
	for _, id := range ids {
		f.AddString(id)
	}
	ix.mu.Lock()
	ix.filter = f
	ix.mu.Unlock()
}

// IndexStats describes the filter.
type IndexStats struct {
	Capacity          uint    `json:"capacity"`
	FalsePositiveRate float64 `json:"false_positive_rate"`
	Bits              uint    `json:"bits"`
	HashFunctions     uint    `json:"hash_functions"`
	ApproxItems       uint32  `json:"approx_items"`
}

// Stats returns the filter geometry and an estimate of the item count.
func (ix *Index) Stats() IndexStats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return IndexStats{
		Capacity:          ix.cfg.ExpectedItems,
		FalsePositiveRate: ix.cfg.FalsePositiveRate,
		Bits:              ix.filter.Cap(),
		HashFunctions:     ix.filter.K(),
		ApproxItems:       ix.filter.ApproximatedSize(),
	}
}
