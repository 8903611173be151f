package server

import (
	"testing"
	"time"

	"github.com/vnmchuo/usage-meter/internal/filter"
)

func TestSessionRegistry_TakeOnce(t *testing.T) {
	r := NewSessionRegistry(time.Hour)
	sess := &filter.TurnSession{ID: "s1"}
	r.Put(sess)

	got, ok := r.Take("s1")
	if !ok || got != sess {
		t.Fatalf("Expected session s1, got %v %v", got, ok)
	}
	if _, ok := r.Take("s1"); ok {
		t.Error("Expected second Take to miss")
	}
}

func TestSessionRegistry_Expiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewSessionRegistry(time.Minute)
	r.now = func() time.Time { return now }

	r.Put(&filter.TurnSession{ID: "old"})
	now = now.Add(2 * time.Minute)

	if _, ok := r.Take("old"); ok {
		t.Error("Expected expired session to miss")
	}
	if r.Len() != 0 {
		t.Errorf("Expected expired session to be dropped, %d left", r.Len())
	}
}

func TestSessionRegistry_SweepsOnPut(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewSessionRegistry(time.Minute)
	r.now = func() time.Time { return now }

	r.Put(&filter.TurnSession{ID: "a"})
	r.Put(&filter.TurnSession{ID: "b"})
	now = now.Add(sweepInterval + time.Second)
	r.Put(&filter.TurnSession{ID: "c"})

	if r.Len() != 1 {
		t.Errorf("Expected only the fresh session after sweep, got %d", r.Len())
	}
	if _, ok := r.Take("c"); !ok {
		t.Error("Expected fresh session c")
	}
}
