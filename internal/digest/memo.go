// ABOUTME: BadgerDB memo of file SHA-256 digests keyed by path, size and mtime
// ABOUTME: A changed file gets a new key, so a hit never returns a stale digest

package digest

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const keyPrefix = "sha256:"

// DefaultTTL bounds how long an unused digest is kept.
const DefaultTTL = 30 * 24 * time.Hour

// Config configures a Memo.
type Config struct {
	// Path to the database directory. Required unless InMemory is true.
	Path string

	// InMemory runs the database in memory (for testing).
	InMemory bool

	// TTL of memo entries. Zero uses DefaultTTL.
	TTL time.Duration

	Logger *slog.Logger
}

// Stats counts memo lookups.
type Stats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Entries int64 `json:"entries"`
}

// Memo computes file digests and remembers them.
type Memo struct {
	db     *badger.DB
	ttl    time.Duration
	logger *slog.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// Open opens or creates the memo database.
func Open(cfg Config) (*Memo, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("digest memo path is required")
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	opts := badger.DefaultOptions(cfg.Path).WithLogger(nil)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger db: %w", err)
	}
	return &Memo{db: db, ttl: cfg.TTL, logger: cfg.Logger}, nil
}

// Close closes the database.
func (m *Memo) Close() error {
	if m.db == nil {
		return nil
	}
	return m.db.Close()
}

func memoKey(path string, info os.FileInfo) []byte {
	return []byte(keyPrefix + path + "\x00" +
		strconv.FormatInt(info.Size(), 10) + "\x00" +
		strconv.FormatInt(info.ModTime().UnixNano(), 10))
}

// SHA256 returns the hex digest of the file at path, hashing it on a miss.
func (m *Memo) SHA256(ctx context.Context, path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", path)
	}
	key := memoKey(path, info)

	if sum, ok, err := m.lookup(key); err != nil {
		m.logger.Warn("digest memo read failed", slog.String("path", path), slog.Any("error", err))
	} else if ok {
		m.hits.Add(1)
		return sum, nil
	}
	m.misses.Add(1)

	sum, err := HashFile(ctx, path)
	if err != nil {
		return "", err
	}

	err = m.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(key, []byte(sum))
		if m.ttl > 0 {
			entry = entry.WithTTL(m.ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		m.logger.Warn("digest memo write failed", slog.String("path", path), slog.Any("error", err))
	}
	return sum, nil
}

func (m *Memo) lookup(key []byte) (string, bool, error) {
	var sum string
	err := m.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("getting memo entry: %w", err)
		}
		return item.Value(func(val []byte) error {
			sum = string(val)
			return nil
		})
	})
	if err != nil {
		return "", false, err
	}
	return sum, sum != "", nil
}

// Clear removes every memo entry.
func (m *Memo) Clear() error {
	return m.db.DropPrefix([]byte(keyPrefix))
}

// Stats returns lookup counters and the entry count.
func (m *Memo) Stats() (Stats, error) {
	var n int64
	err := m.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return Stats{Hits: m.hits.Load(), Misses: m.misses.Load(), Entries: n}, err
}

// HashFile computes the hex SHA-256 of the file at path.
func HashFile(ctx context.Context, path string) (string, error) {
	return hashFile(ctx, path, sha256.New())
}

// MD5File computes the hex MD5 of the file at path, the digest APKMirror keys uploads by.
func MD5File(ctx context.Context, path string) (string, error) {
	return hashFile(ctx, path, md5.New())
}

func hashFile(ctx context.Context, path string, h hash.Hash) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	if _, err := io.Copy(h, ctxReader{ctx: ctx, r: f}); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
