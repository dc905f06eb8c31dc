// Package jsonfile implements storage.Store as one JSON document per record.
//
// The full data set lives in memory. Mutations mark records dirty and a
// debounced flush writes them with create-temp-then-rename. Close flushes
// synchronously.
package jsonfile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/highwizardry/internal/storage"
)

const (
	usersDir    = "users"
	playersDir  = "players"
	auctionsDir = "auctions"
)

// DefaultFlushDelay is the debounce interval between a mutation and its write.
const DefaultFlushDelay = time.Second

type change struct {
	dir    string
	name   string
	record any // nil removes the file
}

// Store is a file-backed storage.Store.
type Store struct {
	dir        string
	logger     *zap.Logger
	now        func() time.Time
	flushDelay time.Duration

	mu       sync.Mutex
	users    map[string]storage.User
	players  map[string]storage.Player
	auctions map[string]storage.Auction
	byEmail  map[string]string
	byPlayer map[string]string
	pending  map[string]change
	timer    *time.Timer
	closed   bool

	flushMu sync.Mutex
}

var _ storage.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithFlushDelay overrides DefaultFlushDelay.
func WithFlushDelay(d time.Duration) Option {
	return func(s *Store) { s.flushDelay = d }
}

// WithClock overrides the clock used to stamp UpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open loads every record under dir, creating the directory tree if needed.
//
// Precondition: logger must not be nil.
// Postcondition: Returns a loaded Store or a non-nil error.
func Open(dir string, logger *zap.Logger, opts ...Option) (*Store, error) {
	s := &Store{
		dir:        dir,
		logger:     logger,
		now:        time.Now,
		flushDelay: DefaultFlushDelay,
		users:      make(map[string]storage.User),
		players:    make(map[string]storage.Player),
		auctions:   make(map[string]storage.Auction),
		byEmail:    make(map[string]string),
		byPlayer:   make(map[string]string),
		pending:    make(map[string]change),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, sub := range []string{usersDir, playersDir, auctionsDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("creating %s directory: %w", sub, err)
		}
	}
	if err := loadDir(filepath.Join(dir, usersDir), func(u storage.User) {
		key := u.Key()
		s.users[key] = u
		s.byPlayer[u.ID] = key
		if u.Email != "" {
			s.byEmail[u.Email] = key
		}
	}); err != nil {
		return nil, err
	}
	if err := loadDir(filepath.Join(dir, playersDir), func(p storage.Player) {
		s.players[p.ID] = p
	}); err != nil {
		return nil, err
	}
	if err := loadDir(filepath.Join(dir, auctionsDir), func(a storage.Auction) {
		s.auctions[a.ID] = a
	}); err != nil {
		return nil, err
	}
	logger.Info("json store loaded",
		zap.String("dir", dir),
		zap.Int("users", len(s.users)),
		zap.Int("players", len(s.players)),
		zap.Int("auctions", len(s.auctions)),
	)
	return s, nil
}

func loadDir[T any](dir string, add func(T)) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return fmt.Errorf("reading %s: %w", e.Name(), err)
		}
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("decoding %s: %w", e.Name(), err)
		}
		add(v)
	}
	return nil
}

// fileName maps a record key to a file name that is safe on every filesystem.
func fileName(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:16]) + ".json"
}

func (s *Store) nowMs() int64 { return s.now().UnixMilli() }

// markLocked queues a write and arms the flush timer. Caller holds s.mu.
func (s *Store) markLocked(dir, key string, record any) {
	name := fileName(key)
	s.pending[dir+"/"+name] = change{dir: dir, name: name, record: record}
	if s.timer == nil && !s.closed {
		s.timer = time.AfterFunc(s.flushDelay, func() {
			if err := s.Flush(); err != nil {
				s.logger.Error("flushing json store", zap.Error(err))
			}
		})
	}
}

// Flush writes every pending change to disk.
func (s *Store) Flush() error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	batch := s.pending
	s.pending = make(map[string]change)
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	var errs []error
	var failed []string
	for id, c := range batch {
		if err := s.write(c); err != nil {
			errs = append(errs, err)
			failed = append(failed, id)
		}
	}
	if len(failed) > 0 {
		s.mu.Lock()
		for _, id := range failed {
			if _, requeued := s.pending[id]; !requeued {
				s.pending[id] = batch[id]
			}
		}
		s.mu.Unlock()
	}
	return errors.Join(errs...)
}

func (s *Store) write(c change) error {
	dir := filepath.Join(s.dir, c.dir)
	target := filepath.Join(dir, c.name)
	if c.record == nil {
		if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", target, err)
		}
		return nil
	}
	tmp, err := os.CreateTemp(dir, "record-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(c.record); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", target, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace %s: %w", target, err)
	}
	return nil
}

// HealthCheck verifies the data directory is still reachable.
func (s *Store) HealthCheck(_ context.Context) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return storage.ErrClosed
	}
	if _, err := os.Stat(s.dir); err != nil {
		return fmt.Errorf("stat data dir: %w", err)
	}
	return nil
}

// Close flushes pending writes. Subsequent calls are no-ops.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.Flush()
}

func (s *Store) lock() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return storage.ErrClosed
	}
	return nil
}
