package shutdown

import (
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

func TestManager_ShutdownOnce(t *testing.T) {
	m := NewManager()

	var calls atomic.Int32
	m.AddCleanup(func(string) { calls.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Shutdown("test")
		}()
	}
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Errorf("cleanup ran %d times, want 1", n)
	}
}

func TestManager_CleanupOrder(t *testing.T) {
	m := NewManager()

	var order []int
	for i := 1; i <= 3; i++ {
		m.AddCleanup(func(string) { order = append(order, i) })
	}

	m.Shutdown("test")

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("cleanup order = %v, want [1 2 3]", order)
	}
}

func TestManager_ReasonAndDone(t *testing.T) {
	m := NewManager()

	if r := m.Reason(); r != "" {
		t.Errorf("Reason() before shutdown = %q", r)
	}
	select {
	case <-m.Done():
		t.Fatal("Done closed before shutdown")
	default:
	}

	var got string
	m.AddCleanup(func(reason string) { got = reason })
	m.Shutdown("quit")

	if got != "quit" || m.Reason() != "quit" {
		t.Errorf("cleanup saw %q, Reason() = %q, want quit", got, m.Reason())
	}
	select {
	case <-m.Done():
	default:
		t.Error("Done should be closed after shutdown")
	}
}

func TestManager_ContextCancelledBeforeCleanups(t *testing.T) {
	m := NewManager()

	var cancelled bool
	m.AddCleanup(func(string) {
		cancelled = m.Context().Err() != nil
	})
	m.Shutdown("test")

	if !cancelled {
		t.Error("context should be cancelled when cleanups run")
	}
}

func TestManager_Signal(t *testing.T) {
	m := NewManager()
	m.Start()

	if err := syscall.Kill(syscall.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatalf("kill: %v", err)
	}

	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown not triggered by SIGTERM")
	}
	if m.Reason() != "signal:terminated" {
		t.Errorf("Reason() = %q", m.Reason())
	}
}
