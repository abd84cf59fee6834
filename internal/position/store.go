package position

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const storeVersion = 1

// ErrDuplicate is returned by Put when a position for the same
// (symbol, side) already exists.
var ErrDuplicate = errors.New("position already open for symbol/side")

// ErrNotFound is returned by Remove when no matching position exists.
var ErrNotFound = errors.New("position not found")

// document is the on-disk shape of the store. The whole document is rewritten
// on every change so a crash can never leave a partially updated file.
type document struct {
	Version   int         `json:"version"`
	SavedAt   time.Time   `json:"saved_at"`
	Positions []*Position `json:"positions"`
}

// Store is the durable record of open positions. Every write goes
// temp-file -> fsync -> rename, then refreshes a backup copy; Load falls back
// to the backup when the primary is unreadable and treats total failure as an
// empty store, never as unknown state.
//
// The store mutex covers the full read-modify-write span of every mutating
// method, so concurrent entry and exit workers cannot interleave on the same
// record.
type Store struct {
	mu     sync.Mutex
	path   string
	backup string
	logger zerolog.Logger

	positions map[string]*Position
	loaded    bool
}

// NewStore creates a store persisted at path, with the backup copy next to it.
func NewStore(path string, logger zerolog.Logger) *Store {
	return &Store{
		path:      path,
		backup:    path + ".bak",
		logger:    logger.With().Str("component", "PositionStore").Logger(),
		positions: make(map[string]*Position),
	}
}

// Load reads the persisted document into memory. It never returns an error:
// a corrupt primary falls back to the backup, and if both are unreadable the
// store starts empty and relies on startup reconciliation.
func (s *Store) Load() []*Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()
	return s.snapshotLocked()
}

func (s *Store) loadLocked() {
	if s.loaded {
		return
	}
	s.loaded = true

	for _, path := range []string{s.path, s.backup} {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				s.logger.Error().Err(err).Str("file", path).Msg("failed to read position state")
			}
			continue
		}
		var doc document
		if err := json.Unmarshal(data, &doc); err != nil {
			s.logger.Error().Err(err).Str("file", path).Msg("corrupt position state, trying fallback")
			continue
		}
		for _, p := range doc.Positions {
			s.positions[p.Key()] = p
		}
		s.logger.Info().Int("positions", len(doc.Positions)).Str("file", path).Msg("position state loaded")
		return
	}
	s.logger.Warn().Msg("no readable position state, starting empty")
}

// saveLocked rewrites the whole document atomically. Callers must hold s.mu.
func (s *Store) saveLocked() error {
	doc := document{
		Version:   storeVersion,
		SavedAt:   time.Now().UTC(),
		Positions: s.snapshotLocked(),
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal position state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".positions-*.json")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace state file: %w", err)
	}

	// Backup refresh is best effort; the primary is already durable.
	if err := os.WriteFile(s.backup, data, 0o644); err != nil {
		s.logger.Warn().Err(err).Msg("failed to refresh state backup")
	}
	return nil
}

func (s *Store) snapshotLocked() []*Position {
	out := make([]*Position, 0, len(s.positions))
	for _, p := range s.positions {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

// Put inserts a new position, enforcing the one-per-(symbol, side) invariant,
// and persists the store.
func (s *Store) Put(p *Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()

	if _, ok := s.positions[p.Key()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, p.Key())
	}
	cp := *p
	s.positions[p.Key()] = &cp
	if err := s.saveLocked(); err != nil {
		delete(s.positions, p.Key())
		return err
	}
	return nil
}

// Remove deletes the position for (symbol, side) and persists the store.
// Returns ErrNotFound if no such position exists, which makes double-close
// attempts a visible no-op rather than a second order.
func (s *Store) Remove(symbol string, side Side) (*Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()

	key := (&Position{Symbol: symbol, Side: side}).Key()
	p, ok := s.positions[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	delete(s.positions, key)
	if err := s.saveLocked(); err != nil {
		s.positions[key] = p
		return nil, err
	}
	cp := *p
	return &cp, nil
}

// UpdateTrailingStop tightens the persisted trailing stop for (symbol, side).
// The new level is only persisted when it actually changed.
func (s *Store) UpdateTrailingStop(symbol string, side Side, stop float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()

	key := (&Position{Symbol: symbol, Side: side}).Key()
	p, ok := s.positions[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if p.TrailingStop == stop {
		return nil
	}
	prev := p.TrailingStop
	p.TrailingStop = stop
	if err := s.saveLocked(); err != nil {
		p.TrailingStop = prev
		return err
	}
	return nil
}

// IncrementBarsHeld bumps the holding-period counter for (symbol, side).
func (s *Store) IncrementBarsHeld(symbol string, side Side) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()

	key := (&Position{Symbol: symbol, Side: side}).Key()
	p, ok := s.positions[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	p.BarsHeld++
	return s.saveLocked()
}

// IsOpen reports whether a position exists for (symbol, side).
func (s *Store) IsOpen(symbol string, side Side) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()
	_, ok := s.positions[(&Position{Symbol: symbol, Side: side}).Key()]
	return ok
}

// Get returns a copy of the position for (symbol, side).
func (s *Store) Get(symbol string, side Side) (*Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()
	p, ok := s.positions[(&Position{Symbol: symbol, Side: side}).Key()]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

// All returns copies of every open position.
func (s *Store) All() []*Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()
	return s.snapshotLocked()
}

// Count returns the number of open positions.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()
	return len(s.positions)
}

// Symbols returns the distinct symbols with at least one open position.
func (s *Store) Symbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()

	seen := make(map[string]bool)
	var out []string
	for _, p := range s.positions {
		if !seen[p.Symbol] {
			seen[p.Symbol] = true
			out = append(out, p.Symbol)
		}
	}
	return out
}
