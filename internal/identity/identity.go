// Package identity manages the conversation session identifier.
//
// The identifier is reflected into two stores: a session-scoped storage slot
// and a link-carried slot (the page query string for the web UI, the
// --session flag for the terminal client). A Manager resolves the canonical
// value from both on initialization, keeps them in agreement afterwards and
// regenerates the value whenever they diverge.
package identity

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Action describes how Init settled on the canonical identifier.
type Action string

const (
	// ActionCreated means neither store had a value and a new one was generated.
	ActionCreated Action = "created"
	// ActionRestored means storage had a value that was copied to the query slot.
	ActionRestored Action = "restored"
	// ActionConfirmed means both stores already agreed.
	ActionConfirmed Action = "confirmed"
	// ActionReset means the query slot disagreed with storage and a new value was generated.
	ActionReset Action = "reset"
	// ActionDegraded means storage is unavailable and the value lives in memory only.
	ActionDegraded Action = "degraded"
)

// Resolution is the outcome of Init.
type Resolution struct {
	// ID is the canonical identifier.
	ID string
	// Action is the branch Init took.
	Action Action
	// QueryWritten reports whether the query slot was rewritten.
	QueryWritten bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithGenerator replaces the identifier generator (UUID v4 by default).
func WithGenerator(fn func() string) Option {
	return func(m *Manager) {
		m.generate = fn
	}
}

// WithLogger sets the diagnostic logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// Manager owns the canonical session identifier.
// It is safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	storage  Store
	query    Store
	generate func() string
	logger   *slog.Logger

	current     string
	resolved    bool
	initialized bool
	resolution  Resolution

	// degraded is set once storage reports ErrUnavailable (or any error);
	// from then on storage is neither read nor written.
	degraded bool

	observers []func(old, new string)
}

// NewManager creates a Manager reflecting the identifier into storage and query.
func NewManager(storage, query Store, opts ...Option) *Manager {
	m := &Manager{
		storage:  storage,
		query:    query,
		generate: uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnChange registers fn to be called after every Reset with the previous and
// new identifier. The previous value is "" when none was resolved.
func (m *Manager) OnChange(fn func(old, new string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// Init resolves the canonical identifier. It runs once; later calls return
// the first resolution.
func (m *Manager) Init() Resolution {
	m.mu.Lock()
	if m.initialized {
		res := m.resolution
		m.mu.Unlock()
		return res
	}
	m.initialized = true

	stored, err := m.storage.Read()
	if err != nil {
		m.markDegradedLocked("read", err)
		stored = ""
	}
	linked, err := m.query.Read()
	if err != nil {
		m.logWarn("Query slot unreadable, treating as absent", "error", err)
		linked = ""
	}

	var (
		res    Resolution
		old    string
		notify bool
	)

	switch {
	case m.degraded:
		if linked != "" {
			res = Resolution{ID: linked, Action: ActionDegraded}
		} else {
			id := m.generate()
			res = Resolution{ID: id, Action: ActionDegraded, QueryWritten: true}
			m.writeQueryLocked(id)
		}
		m.current = res.ID

	case stored == "" && linked == "":
		id := m.generate()
		m.writeStorageLocked(id)
		m.writeQueryLocked(id)
		m.current = id
		res = Resolution{ID: id, Action: ActionCreated, QueryWritten: true}

	case linked == "":
		m.writeQueryLocked(stored)
		m.current = stored
		res = Resolution{ID: stored, Action: ActionRestored, QueryWritten: true}

	case stored == linked:
		m.current = stored
		res = Resolution{ID: stored, Action: ActionConfirmed}

	default:
		// Link value without matching storage: stale or tampered link.
		m.logWarn("Session identifier mismatch between storage and link, resetting",
			"stored_present", stored != "")
		old = m.current
		id := m.resetLocked()
		res = Resolution{ID: id, Action: ActionReset, QueryWritten: true}
		notify = true
	}

	m.resolved = true
	m.resolution = res
	observers := m.observersLocked()
	m.mu.Unlock()

	if notify {
		for _, fn := range observers {
			fn(old, res.ID)
		}
	}
	return res
}

// Current returns the canonical identifier, or false before Init.
func (m *Manager) Current() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, m.resolved
}

// Degraded reports whether storage is unavailable and the identifier will
// not survive a reload.
func (m *Manager) Degraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degraded
}

// Reset discards the stored identifier, generates a fresh one, reflects it
// into both stores and notifies observers.
func (m *Manager) Reset() string {
	m.mu.Lock()
	old := m.current
	id := m.resetLocked()
	m.initialized = true
	m.resolved = true
	m.resolution = Resolution{ID: id, Action: ActionReset, QueryWritten: true}
	observers := m.observersLocked()
	m.mu.Unlock()

	for _, fn := range observers {
		fn(old, id)
	}
	return id
}

func (m *Manager) resetLocked() string {
	m.writeStorageLocked("")
	id := m.generate()
	m.writeStorageLocked(id)
	m.writeQueryLocked(id)
	m.current = id
	return id
}

func (m *Manager) writeStorageLocked(value string) {
	if m.degraded {
		return
	}
	if err := m.storage.Write(value); err != nil {
		m.markDegradedLocked("write", err)
	}
}

func (m *Manager) writeQueryLocked(value string) {
	if err := m.query.Write(value); err != nil {
		m.logWarn("Failed to write query slot", "error", err)
	}
}

func (m *Manager) markDegradedLocked(op string, err error) {
	m.degraded = true
	if errors.Is(err, ErrUnavailable) {
		m.logDebug("Session storage unavailable, identifier kept in memory", "op", op, "error", err)
		return
	}
	m.logWarn("Session storage failed, identifier kept in memory", "op", op, "error", err)
}

func (m *Manager) observersLocked() []func(old, new string) {
	observers := make([]func(old, new string), len(m.observers))
	copy(observers, m.observers)
	return observers
}

func (m *Manager) logWarn(msg string, args ...any) {
	if m.logger != nil {
		m.logger.Warn(msg, args...)
	}
}

func (m *Manager) logDebug(msg string, args ...any) {
	if m.logger != nil {
		m.logger.Debug(msg, args...)
	}
}
