// Package shutdown coordinates graceful shutdown of Parley's front-ends.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/inercia/parley/internal/logging"
)

// Func performs cleanup during shutdown. It receives the shutdown reason.
type Func func(reason string)

// Manager runs registered cleanups exactly once, whether shutdown comes from
// a signal, a /quit command or the server stopping on its own.
//
// It is safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	once     sync.Once
	done     chan struct{}
	reason   string
	cleanups []Func

	ctx    context.Context
	cancel context.CancelFunc

	sigChan chan os.Signal
}

// NewManager creates a manager. Signals are not handled until Start.
func NewManager() *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// AddCleanup registers fn. Cleanups run in the order they were added.
func (m *Manager) AddCleanup(fn Func) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanups = append(m.cleanups, fn)
}

// Start listens for SIGINT and SIGTERM and shuts down on the first one.
func (m *Manager) Start() {
	logger := logging.Shutdown()
	logger.Debug("Shutdown manager started, listening for signals")

	m.mu.Lock()
	m.sigChan = make(chan os.Signal, 1)
	sigChan := m.sigChan
	m.mu.Unlock()
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("Signal received, initiating shutdown", "signal", sig.String())
			m.Shutdown("signal:" + sig.String())
		case <-m.done:
		}
	}()
}

// Context is cancelled as soon as shutdown begins, before cleanups run.
func (m *Manager) Context() context.Context {
	return m.ctx
}

// Shutdown runs the cleanups with the given reason and blocks until they
// finish. Only the first call does anything.
func (m *Manager) Shutdown(reason string) {
	m.once.Do(func() {
		m.doShutdown(reason)
	})
}

func (m *Manager) doShutdown(reason string) {
	logger := logging.Shutdown()
	logger.Info("Starting shutdown sequence", "reason", reason)

	m.mu.Lock()
	m.reason = reason
	cleanups := append([]Func(nil), m.cleanups...)
	sigChan := m.sigChan
	m.mu.Unlock()

	if sigChan != nil {
		signal.Stop(sigChan)
	}
	m.cancel()

	for i, fn := range cleanups {
		logger.Debug("Running cleanup function", "index", i, "total", len(cleanups))
		fn(reason)
	}

	logger.Info("Shutdown sequence complete", "reason", reason)
	close(m.done)
}

// Done is closed once every cleanup has run.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Reason returns why shutdown happened, or "" if it has not.
func (m *Manager) Reason() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reason
}
