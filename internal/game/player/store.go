package player

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/highwizardry/internal/apperr"
	"github.com/cory-johannsen/highwizardry/internal/storage"
)

// Backend is the persistence the Store reads through and flushes to.
type Backend interface {
	GetPlayer(ctx context.Context, id string) (storage.Player, error)
	UpdatePlayers(ctx context.Context, patches map[string]storage.PlayerPatch) (map[string]storage.Player, error)
}

// Mutator edits a materialized player in place. Returning an error abandons the change.
type Mutator func(p *storage.Player) error

// Config tunes a Store.
type Config struct {
	Rules Rules
	// JailLocation and ReleaseLocation drive read-through jail release.
	JailLocation    string
	ReleaseLocation string
	// FlushDelay bounds how long a write stays buffered.
	FlushDelay time.Duration
}

type entry struct {
	mu   sync.Mutex
	snap atomic.Pointer[storage.Player]
}

// Store serializes writes per player and serves lock-free snapshot reads.
type Store struct {
	backend Backend
	logger  *zap.Logger
	cfg     Config
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	dirty   map[string]struct{}
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore returns a Store over backend.
//
// Precondition: backend and logger must be non-nil; cfg.FlushDelay must be positive.
func NewStore(backend Backend, logger *zap.Logger, cfg Config, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
		entries: make(map[string]*entry),
		dirty:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Rules returns the progression rules in effect.
func (s *Store) Rules() Rules { return s.cfg.Rules }

func (s *Store) entry(ctx context.Context, id string) (*entry, error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	s.mu.Unlock()
	if ok {
		return e, nil
	}

	p, err := s.backend.GetPlayer(ctx, id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		return e, nil
	}
	e = &entry{}
	e.snap.Store(&p)
	s.entries[id] = e
	return e, nil
}

// materialize returns a private copy of the stored record with regeneration
// and jail release applied for now.
func (s *Store) materialize(stored *storage.Player, now time.Time) storage.Player {
	p := stored.Clone()
	s.cfg.Rules.Regenerate(&p, now)
	ReleaseIfServed(&p, now, s.cfg.JailLocation, s.cfg.ReleaseLocation)
	return p
}

// Get returns a snapshot of the player as of now.
//
// Postcondition: The result never aliases stored state. Unknown ids return storage.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (storage.Player, error) {
	e, err := s.entry(ctx, id)
	if err != nil {
		return storage.Player{}, err
	}
	return s.materialize(e.snap.Load(), s.now()), nil
}

// Update applies fn under the player's write lock and schedules a flush.
//
// Postcondition: On error the stored record is unchanged.
func (s *Store) Update(ctx context.Context, id string, fn Mutator) (storage.Player, error) {
	e, err := s.entry(ctx, id)
	if err != nil {
		return storage.Player{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := s.now()
	p := s.materialize(e.snap.Load(), now)
	if err := fn(&p); err != nil {
		return storage.Player{}, err
	}
	if err := Validate(p); err != nil {
		return storage.Player{}, err
	}
	p.UpdatedAt = max(p.UpdatedAt+1, now.UnixMilli())
	e.snap.Store(&p)

	s.mu.Lock()
	s.dirty[id] = struct{}{}
	s.mu.Unlock()
	return p.Clone(), nil
}

// Commit applies fn to several players at once and persists them before
// returning. Write locks are taken in ascending id order.
//
// Postcondition: Either every player is updated and durable, or none is.
// Persistence failures are classified as Internal.
func (s *Store) Commit(ctx context.Context, ids []string, fn func(players map[string]*storage.Player) error) (map[string]storage.Player, error) {
	ids = slices.Clone(ids)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	entries := make([]*entry, len(ids))
	for i, id := range ids {
		e, err := s.entry(ctx, id)
		if err != nil {
			return nil, err
		}
		entries[i] = e
	}
	for _, e := range entries {
		e.mu.Lock()
	}
	defer func() {
		for i := len(entries) - 1; i >= 0; i-- {
			entries[i].mu.Unlock()
		}
	}()

	now := s.now()
	working := make(map[string]*storage.Player, len(ids))
	for i, id := range ids {
		p := s.materialize(entries[i].snap.Load(), now)
		working[id] = &p
	}
	if err := fn(working); err != nil {
		return nil, err
	}

	patches := make(map[string]storage.PlayerPatch, len(ids))
	for id, p := range working {
		if err := Validate(*p); err != nil {
			return nil, err
		}
		patches[id] = storage.FullPatch(*p)
	}
	stored, err := s.backend.UpdatePlayers(ctx, patches)
	if err != nil {
		if apperr.KindOf(err) == apperr.NotFound {
			return nil, err
		}
		return nil, apperr.Wrap(apperr.Internal, err, "persisting players")
	}

	out := make(map[string]storage.Player, len(ids))
	s.mu.Lock()
	for i, id := range ids {
		p := stored[id]
		entries[i].snap.Store(&p)
		delete(s.dirty, id)
		out[id] = p.Clone()
	}
	s.mu.Unlock()
	return out, nil
}

// AddCurrency credits pennies to the player.
func (s *Store) AddCurrency(ctx context.Context, id string, pennies int64) (storage.Player, error) {
	return s.Update(ctx, id, func(p *storage.Player) error {
		AddCurrency(p, pennies)
		return nil
	})
}

// RemoveCurrency debits pennies from the player or fails with ErrInsufficient.
func (s *Store) RemoveCurrency(ctx context.Context, id string, pennies int64) (storage.Player, error) {
	return s.Update(ctx, id, func(p *storage.Player) error {
		return RemoveCurrency(p, pennies)
	})
}

// TotalPennies returns the player's balance in pennies.
func (s *Store) TotalPennies(ctx context.Context, id string) (int64, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return p.TotalPennies(), nil
}

// AddXP grants xp and returns the player with the number of levels gained.
func (s *Store) AddXP(ctx context.Context, id string, xp int64) (storage.Player, int, error) {
	var gained int
	p, err := s.Update(ctx, id, func(p *storage.Player) error {
		gained = s.cfg.Rules.AddXP(p, xp)
		return nil
	})
	return p, gained, err
}

// RecordLogin stamps LastLogin with the current time.
func (s *Store) RecordLogin(ctx context.Context, id string) (storage.Player, error) {
	return s.Update(ctx, id, func(p *storage.Player) error {
		p.LastLogin = s.now().UnixMilli()
		return nil
	})
}

// Jail confines the player until release and moves them to the jail location.
func (s *Store) Jail(ctx context.Context, id string, release time.Time) (storage.Player, error) {
	return s.Update(ctx, id, func(p *storage.Player) error {
		p.Jail = storage.Jail{InJail: true, JailReleaseTime: release.UnixMilli()}
		p.Location = s.cfg.JailLocation
		return nil
	})
}

// Flush writes every buffered change to the backend.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	ids := slices.Sorted(maps.Keys(s.dirty))
	s.dirty = make(map[string]struct{})
	s.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := s.flushOne(ctx, id); err != nil {
			s.logger.Error("flushing player", zap.String("player_id", id), zap.Error(err))
			s.mu.Lock()
			s.dirty[id] = struct{}{}
			s.mu.Unlock()
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Store) flushOne(ctx context.Context, id string) error {
	s.mu.Lock()
	e := s.entries[id]
	s.mu.Unlock()
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.snap.Load()
	_, err := s.backend.UpdatePlayers(ctx, map[string]storage.PlayerPatch{id: storage.FullPatch(*p)})
	return err
}

// Pending returns the number of players with buffered changes.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dirty)
}

// Run flushes buffered changes every FlushDelay until ctx is done.
func (s *Store) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.FlushDelay)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Flush(ctx); err != nil {
				s.logger.Warn("periodic player flush incomplete", zap.Error(err))
			}
		}
	}
}
