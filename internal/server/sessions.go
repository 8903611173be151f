package server

import (
	"sync"
	"time"

	"github.com/vnmchuo/usage-meter/internal/filter"
)

const sweepInterval = 10 * time.Minute

type sessionEntry struct {
	session *filter.TurnSession
	expiry  time.Time
}

// SessionRegistry keeps turn sessions between the inlet and outlet calls of
// the host. Entries expire after ttl and are removed on the next sweep.
type SessionRegistry struct {
	mu        sync.Mutex
	data      map[string]sessionEntry
	ttl       time.Duration
	lastSweep time.Time
	now       func() time.Time
}

func NewSessionRegistry(ttl time.Duration) *SessionRegistry {
	return &SessionRegistry{
		data: make(map[string]sessionEntry),
		ttl:  ttl,
		now:  time.Now,
	}
}

func (r *SessionRegistry) Put(sess *filter.TurnSession) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if now.Sub(r.lastSweep) >= sweepInterval {
		r.sweep(now)
	}
	r.data[sess.ID] = sessionEntry{session: sess, expiry: now.Add(r.ttl)}
}

// Take removes and returns the session for id. A session can be taken once.
func (r *SessionRegistry) Take(id string) (*filter.TurnSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.data[id]
	if !exists {
		return nil, false
	}
	delete(r.data, id)
	if r.now().After(entry.expiry) {
		return nil, false
	}
	return entry.session, true
}

func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.data)
}

func (r *SessionRegistry) sweep(now time.Time) {
	for id, entry := range r.data {
		if now.After(entry.expiry) {
			delete(r.data, id)
		}
	}
	r.lastSweep = now
}
