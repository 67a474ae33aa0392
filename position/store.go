package position

import (
	"sync"
	"time"

	"tradeflow/models"
)

// Store is the single source of truth for the net position of the
// traded instrument. Exactly one Store exists per instrument: the
// account gateway writes to it, the supervisor and risk controller read
// from it. The lock is held only for the copy itself, never across I/O.
type Store struct {
	mu     sync.RWMutex
	symbol string
	info   models.PositionInfo
	seen   bool
}

// NewStore creates an empty store for the instrument. The position is
// unknown until the first exchange-confirmed update arrives.
func NewStore(symbol string) *Store {
	return &Store{symbol: symbol}
}

// Symbol returns the instrument this store tracks.
func (s *Store) Symbol() string {
	return s.symbol
}

// Update atomically replaces the position record. Only exchange
// reported state goes through here; there are no optimistic local
// updates.
func (s *Store) Update(info models.PositionInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if info.UpdatedAt.IsZero() {
		info.UpdatedAt = time.Now().UTC()
	}
	s.info = info
	s.seen = true
}

// Snapshot returns a copy of the current position record. ok is false
// until the first update has been applied.
func (s *Store) Snapshot() (models.PositionInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info, s.seen
}

// Quantity returns the signed net position, zero while unknown.
func (s *Store) Quantity() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info.PositionAmt
}
