// Package sessionstore implements the concurrent session registry: a
// session_id -> *Session map guarded by a read-mostly lock (L1), handing
// out a per-session exclusive handle (L2) for callers that need to mutate
// or verify one session without contending with traffic on any other.
//
// Acquire order is always L1 then L2, and L2 is never held across an I/O
// suspension point (see spec §4.3 and §5).
package sessionstore

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Layr-Labs/kbs-go/pkg/session"
)

// entry pairs a session with the mutex that serializes attester calls on
// it. The map (L1) is only ever locked long enough to find or install an
// entry; entry.mu (L2) is held across the attester calls themselves.
type entry struct {
	mu      sync.Mutex
	session *session.Session
}

// Handle is a caller's exclusive lease on one session. Callers MUST call
// Unlock when done, and MUST NOT hold it across an async I/O suspension
// (policy/measurement lookup, vault fetch): acquire, drop, do the I/O,
// re-acquire, per spec §5.
type Handle struct {
	e *entry
}

// Lock acquires exclusive access to the session.
func (h *Handle) Lock() { h.e.mu.Lock() }

// Unlock releases exclusive access to the session.
func (h *Handle) Unlock() { h.e.mu.Unlock() }

// Session returns the underlying session. Only safe to read/mutate
// fields that the Session type itself doesn't protect while holding the
// Handle's lock.
func (h *Handle) Session() *session.Session { return h.e.session }

// Store is the concurrent session registry.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	logger   *zap.Logger

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// New constructs an empty Store.
func New(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		sessions: make(map[string]*entry),
		logger:   logger,
	}
}

// Insert adds sess to the registry under sess.ID(). Avoiding id collisions
// is the caller's responsibility via NewID's entropy; Insert does not check
// for a pre-existing id.
func (s *Store) Insert(sess *session.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID()] = &entry{session: sess}
}

// Lookup returns a Handle for id, or ok=false if no such session exists or
// it has expired (lazily evicting it in the latter case). The registry
// lock is held only for the lookup/evict, never across the caller's
// subsequent use of the Handle.
func (s *Store) Lookup(id string) (h *Handle, ok bool) {
	s.mu.RLock()
	e, found := s.sessions[id]
	s.mu.RUnlock()
	if !found {
		return nil, false
	}

	if e.session.Expired() {
		s.Evict(id)
		return nil, false
	}
	return &Handle{e: e}, true
}

// Evict removes id from the registry, if present. Safe to call whether or
// not id exists.
func (s *Store) Evict(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// Len returns the number of live entries, expired or not (an O(1)
// convenience for tests/metrics; it does not sweep).
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// sweep evicts every expired session. It takes the registry write lock
// once for the whole pass rather than once per entry, trading a slightly
// longer hold for fewer lock round-trips, acceptable because sweeps run
// off the request path.
func (s *Store) sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for id, e := range s.sessions {
		if e.session.Expired() {
			delete(s.sessions, id)
			evicted++
		}
	}
	return evicted
}

// StartSweeper launches a background goroutine that evicts expired
// sessions every interval, so long-lived processes don't accumulate dead
// attester state between accesses (spec §4.3 "SHOULD periodically
// sweep"). Call the returned stop function to shut it down; StartSweeper
// is a no-op after the first call.
func (s *Store) StartSweeper(interval time.Duration) (stop func()) {
	s.sweepOnce.Do(func() {
		s.stopSweep = make(chan struct{})
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if n := s.sweep(); n > 0 {
						s.logger.Sugar().Infow("swept expired sessions", "count", n)
					}
				case <-s.stopSweep:
					return
				}
			}
		}()
	})
	return func() {
		select {
		case <-s.stopSweep:
		default:
			close(s.stopSweep)
		}
	}
}
