package sampler

import (
	"sync/atomic"
	"time"

	"github.com/skobkin/tegrastats-web/internal/tegrastats"
)

// Store caches the most recent decoded snapshot. Readers never block writers;
// replacement is a single pointer swap.
type Store struct {
	latest  atomic.Pointer[tegrastats.Snapshot]
	updates atomic.Uint64
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{}
}

// Set replaces the cached snapshot.
func (s *Store) Set(snap tegrastats.Snapshot) {
	s.latest.Store(&snap)
	s.updates.Add(1)
}

// Latest returns the cached snapshot. The boolean is false until the first Set.
func (s *Store) Latest() (tegrastats.Snapshot, bool) {
	snap := s.latest.Load()
	if snap == nil {
		return tegrastats.Snapshot{}, false
	}
	return *snap, true
}

// Ready reports whether at least one snapshot has been stored.
func (s *Store) Ready() bool {
	return s.latest.Load() != nil
}

// Updates returns how many snapshots have been stored so far.
func (s *Store) Updates() uint64 {
	return s.updates.Load()
}

// Age returns the time since the cached snapshot was captured.
func (s *Store) Age(now time.Time) (time.Duration, bool) {
	snap := s.latest.Load()
	if snap == nil {
		return 0, false
	}
	return now.Sub(snap.CapturedAt), true
}
