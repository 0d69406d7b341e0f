package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/xkilldash9x/harvestbot/api/schemas"
)

// DefaultTTL is how long a session may sit untouched before it is evicted.
const DefaultTTL = 30 * time.Minute

var (
	// ErrNoSession is returned by Lookup when the user has no session at all.
	ErrNoSession = errors.New("no active session")
	// ErrBusy is returned by Claim when the existing session may not be replaced.
	ErrBusy = errors.New("a job is already in progress for this user")
)

// EvictFunc is called, outside the store lock, with every session removed
// because it expired.
type EvictFunc func(s *Session, snap Snapshot)

// Store maps user ids to their single active Session. All methods are safe
// for concurrent use and never perform I/O while holding the lock.
type Store struct {
	mu       sync.Mutex
	sessions map[int64]*Session
	ttl      time.Duration
	now      func() time.Time
	onEvict  EvictFunc
}

// Option configures a Store.
type Option func(*Store)

// WithClock injects the time source used for creation stamps and expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithEvictHook registers fn to run for every expired session.
func WithEvictHook(fn EvictFunc) Option {
	return func(s *Store) { s.onEvict = fn }
}

// NewStore creates a Store. A non-positive ttl falls back to DefaultTTL.
func NewStore(ttl time.Duration, opts ...Option) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	st := &Store{
		sessions: make(map[int64]*Session),
		ttl:      ttl,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(st)
	}
	return st
}

// Get returns the user's live session. Expired entries are evicted and
// reported as absent.
func (st *Store) Get(userID int64) (*Session, bool) {
	s, err := st.Lookup(userID)
	return s, err == nil
}

// Lookup is Get with the reason for a miss: ErrNoSession or
// schemas.ErrSessionExpired.
func (st *Store) Lookup(userID int64) (*Session, error) {
	st.mu.Lock()
	s, ok := st.sessions[userID]
	if !ok {
		st.mu.Unlock()
		return nil, ErrNoSession
	}
	if st.expiredLocked(s) {
		delete(st.sessions, userID)
		snap := s.snapshotLocked()
		st.mu.Unlock()
		st.evicted(s, snap)
		return nil, schemas.ErrSessionExpired
	}
	st.mu.Unlock()
	return s, nil
}

// Set installs s for its user, stamping its creation time. Any previous
// entry is returned so the caller can release it.
func (st *Store) Set(s *Session) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	prev := st.sessions[s.UserID]
	st.stampLocked(s)
	st.sessions[s.UserID] = s
	return prev
}

// Claim installs s unless the user already has a live session that
// canReplace rejects, in which case ErrBusy is returned and nothing changes.
// A replaced or expired previous entry is returned with its snapshot.
func (st *Store) Claim(s *Session, canReplace func(Snapshot) bool) (*Session, Snapshot, error) {
	st.mu.Lock()
	prev, ok := st.sessions[s.UserID]
	var snap Snapshot
	if ok {
		snap = prev.snapshotLocked()
		if !st.expiredLocked(prev) && (canReplace == nil || !canReplace(snap)) {
			st.mu.Unlock()
			return nil, Snapshot{}, ErrBusy
		}
	}
	st.stampLocked(s)
	st.sessions[s.UserID] = s
	st.mu.Unlock()
	return prev, snap, nil
}

// Remove deletes the user's entry and returns it.
func (st *Store) Remove(userID int64) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	s := st.sessions[userID]
	delete(st.sessions, userID)
	return s
}

// RemoveIf deletes the user's entry only if it is exactly s. Jobs finishing
// late must not remove a newer session.
func (st *Store) RemoveIf(s *Session) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.sessions[s.UserID] != s {
		return false
	}
	delete(st.sessions, s.UserID)
	return true
}

// Advance moves s from one phase to another if s is still the user's
// session and is currently in from. It also counts as activity.
func (st *Store) Advance(s *Session, from, to Phase) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.sessions[s.UserID] != s || s.phase != from {
		return false
	}
	s.phase = to
	s.lastSeen = st.now()
	return true
}

// Fail moves s to FAILED from any non-terminal phase. Sessions already
// removed from the store are still marked so late observers see the outcome.
func (st *Store) Fail(s *Session) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if s.phase.Terminal() {
		return false
	}
	s.phase = PhaseFailed
	return true
}

// Complete moves s from PACKAGING to DONE.
func (st *Store) Complete(s *Session) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if s.phase != PhasePackaging {
		return false
	}
	s.phase = PhaseDone
	return true
}

// SetParams records the collected job parameters and advances the phase.
func (st *Store) SetParams(s *Session, p schemas.JobParameters, from, to Phase) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.sessions[s.UserID] != s || s.phase != from {
		return false
	}
	s.params = &p
	s.phase = to
	s.lastSeen = st.now()
	return true
}

// Attach hands s the resources that must be released when it ends, plus the
// cancel function of its job context. It returns false if s has already
// left the store, in which case the caller still owns res.
func (st *Store) Attach(s *Session, res Resources, cancel context.CancelFunc) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.sessions[s.UserID] != s {
		return false
	}
	if res != nil {
		s.resources = res
	}
	if cancel != nil {
		s.cancel = cancel
	}
	return true
}

// Touch refreshes the session's idle timer.
func (st *Store) Touch(s *Session) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.sessions[s.UserID] == s {
		s.lastSeen = st.now()
	}
}

// Snapshot copies the mutable state of s.
func (st *Store) Snapshot(s *Session) Snapshot {
	st.mu.Lock()
	defer st.mu.Unlock()
	return s.snapshotLocked()
}

// Len returns the number of stored sessions, expired ones included.
func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// Drain empties the store and returns what it held.
func (st *Store) Drain() []*Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]*Session, 0, len(st.sessions))
	for id, s := range st.sessions {
		out = append(out, s)
		delete(st.sessions, id)
	}
	return out
}

// Sweep evicts every expired session. Lookups evict lazily; Sweep exists so
// abandoned sessions release their browsers even if the user never returns.
func (st *Store) Sweep() int {
	type evictee struct {
		s    *Session
		snap Snapshot
	}
	var gone []evictee

	st.mu.Lock()
	for id, s := range st.sessions {
		if st.expiredLocked(s) {
			gone = append(gone, evictee{s, s.snapshotLocked()})
			delete(st.sessions, id)
		}
	}
	st.mu.Unlock()

	for _, e := range gone {
		st.evicted(e.s, e.snap)
	}
	return len(gone)
}

func (st *Store) stampLocked(s *Session) {
	now := st.now()
	s.createdAt = now
	s.lastSeen = now
}

func (st *Store) expiredLocked(s *Session) bool {
	return st.now().Sub(s.lastSeen) > st.ttl
}

func (st *Store) evicted(s *Session, snap Snapshot) {
	if st.onEvict != nil {
		st.onEvict(s, snap)
	}
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		Phase:     s.phase,
		CreatedAt: s.createdAt,
		LastSeen:  s.lastSeen,
		Params:    s.params,
		Resources: s.resources,
		Cancel:    s.cancel,
	}
}
