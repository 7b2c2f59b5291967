package web

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(maxSessions int, ttl time.Duration) (*SessionRegistry, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	sr := NewSessionRegistry(&echoBackend{}, testSettings(), maxSessions, ttl, nil)
	sr.now = clock.Now
	return sr, clock
}

func TestSessionRegistry_GetOrCreate(t *testing.T) {
	sr, _ := newTestRegistry(0, 0)
	defer sr.Close()

	a, err := sr.GetOrCreate("a")
	if err != nil {
		t.Fatal(err)
	}
	again, _ := sr.GetOrCreate("a")
	if a != again {
		t.Error("same id should return the same controller")
	}
	b, _ := sr.GetOrCreate("b")
	if a == b {
		t.Error("different ids should not share a controller")
	}
	if sr.Len() != 2 {
		t.Errorf("Len = %d, want 2", sr.Len())
	}
	if turns := a.Transcript(); len(turns) != 1 || turns[0].Text != testGreeting {
		t.Errorf("new conversation should start with the greeting: %+v", turns)
	}
}

func TestSessionRegistry_ControllerUsesSessionID(t *testing.T) {
	b := &echoBackend{}
	sr := NewSessionRegistry(b, testSettings(), 0, 0, nil)
	defer sr.Close()

	ctrl, _ := sr.GetOrCreate("abc")
	ctrl.Submit("hola")
	ctrl.Wait()

	calls := b.Calls()
	if len(calls) != 1 || calls[0].SessionID != "abc" {
		t.Errorf("calls = %+v", calls)
	}
}

func TestSessionRegistry_Sweep(t *testing.T) {
	sr, clock := newTestRegistry(0, time.Minute)
	defer sr.Close()

	sr.GetOrCreate("idle")
	clock.Advance(30 * time.Second)
	sr.GetOrCreate("recent")
	clock.Advance(45 * time.Second)

	if removed := sr.Sweep(); removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, ok := sr.Get("idle"); ok {
		t.Error("idle conversation should be swept")
	}
	if _, ok := sr.Get("recent"); !ok {
		t.Error("recent conversation should survive")
	}
}

func TestSessionRegistry_SweepSkipsInFlight(t *testing.T) {
	b := &echoBackend{hold: make(chan struct{})}
	clock := &fakeClock{now: time.Now()}
	sr := NewSessionRegistry(b, testSettings(), 0, time.Minute, nil)
	sr.now = clock.Now
	defer sr.Close()

	ctrl, _ := sr.GetOrCreate("busy")
	ctrl.Submit("hola")
	clock.Advance(time.Hour)

	if removed := sr.Sweep(); removed != 0 {
		t.Error("in-flight conversation swept")
	}
	close(b.hold)
	ctrl.Wait()
	if removed := sr.Sweep(); removed != 1 {
		t.Errorf("removed = %d after completion, want 1", removed)
	}
}

func TestSessionRegistry_WatchProtects(t *testing.T) {
	sr, clock := newTestRegistry(0, time.Minute)
	defer sr.Close()

	_, release, err := sr.Watch("w")
	if err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Hour)
	if sr.Sweep() != 0 {
		t.Error("watched conversation swept")
	}

	release()
	release()
	clock.Advance(30 * time.Second)
	if sr.Sweep() != 0 {
		t.Error("release should refresh last activity")
	}
	clock.Advance(time.Minute)
	if sr.Sweep() != 1 {
		t.Error("conversation should be swept after release and TTL")
	}
}

func TestSessionRegistry_MaxSessions(t *testing.T) {
	sr, clock := newTestRegistry(2, time.Minute)
	defer sr.Close()

	sr.GetOrCreate("a")
	sr.GetOrCreate("b")
	if _, err := sr.GetOrCreate("c"); !errors.Is(err, ErrTooManySessions) {
		t.Fatalf("err = %v, want ErrTooManySessions", err)
	}

	// A full registry evicts idle conversations to make room.
	clock.Advance(2 * time.Minute)
	if _, err := sr.GetOrCreate("c"); err != nil {
		t.Fatalf("GetOrCreate after idle = %v", err)
	}
	if sr.Len() != 1 {
		t.Errorf("Len = %d, want 1", sr.Len())
	}
}

func TestSessionRegistry_Remove(t *testing.T) {
	sr, _ := newTestRegistry(0, 0)
	defer sr.Close()

	ctrl, _ := sr.GetOrCreate("a")
	sr.Remove("a")
	sr.Remove("missing")

	if _, ok := sr.Get("a"); ok {
		t.Error("removed conversation still registered")
	}
	deadline := time.Now().Add(time.Second)
	for ctrl.Submit("hola") {
		if time.Now().After(deadline) {
			t.Fatal("removed controller still accepts messages")
		}
		ctrl.Wait()
	}
}

func TestSessionRegistry_Close(t *testing.T) {
	sr, _ := newTestRegistry(0, time.Minute)
	sr.StartSweeper(time.Millisecond)

	ctrl, _ := sr.GetOrCreate("a")
	sr.Close()
	sr.Close()

	if sr.Len() != 0 {
		t.Errorf("Len = %d after Close, want 0", sr.Len())
	}
	if ctrl.Submit("hola") {
		t.Error("closed controller accepted a message")
	}
}
