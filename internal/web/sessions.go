package web

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/inercia/parley/internal/chat"
)

// ErrTooManySessions is returned when the registry is full of active
// conversations and none can be evicted.
var ErrTooManySessions = errors.New("too many active sessions")

// sessionID is the chat.IdentitySource of a registered conversation.
// A conversation is keyed by its identifier, so the identifier never changes.
type sessionID string

func (s sessionID) Current() (string, bool) { return string(s), s != "" }

type conversation struct {
	ctrl     *chat.Controller
	lastSeen time.Time
	watchers int
}

// SessionRegistry maps session identifiers to their chat controllers.
//
// Conversations idle for longer than the TTL, with nothing in flight and no
// event stream attached, are closed by Sweep.
// It is safe for concurrent use.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*conversation
	settings chat.Settings

	backend     chat.Backend
	maxSessions int
	idleTTL     time.Duration
	logger      *slog.Logger
	now         func() time.Time

	stop      chan struct{}
	closeOnce sync.Once
}

// NewSessionRegistry creates a registry whose controllers send through b.
// maxSessions <= 0 means unbounded and idleTTL <= 0 disables eviction.
func NewSessionRegistry(b chat.Backend, settings chat.Settings, maxSessions int, idleTTL time.Duration, logger *slog.Logger) *SessionRegistry {
	return &SessionRegistry{
		sessions:    make(map[string]*conversation),
		settings:    settings,
		backend:     b,
		maxSessions: maxSessions,
		idleTTL:     idleTTL,
		logger:      logger,
		now:         time.Now,
		stop:        make(chan struct{}),
	}
}

// StartSweeper evicts idle conversations every interval until Close.
func (sr *SessionRegistry) StartSweeper(interval time.Duration) {
	if sr.idleTTL <= 0 || interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-sr.stop:
				return
			case <-ticker.C:
				sr.Sweep()
			}
		}
	}()
}

// GetOrCreate returns the controller for id, creating it if needed.
func (sr *SessionRegistry) GetOrCreate(id string) (*chat.Controller, error) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	conv, err := sr.getOrCreateLocked(id)
	if err != nil {
		return nil, err
	}
	return conv.ctrl, nil
}

// Watch marks id as having a live event stream, which keeps it from being
// swept, and returns its controller. Call release when the stream ends.
func (sr *SessionRegistry) Watch(id string) (*chat.Controller, func(), error) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	conv, err := sr.getOrCreateLocked(id)
	if err != nil {
		return nil, nil, err
	}
	conv.watchers++

	var once sync.Once
	release := func() {
		once.Do(func() {
			sr.mu.Lock()
			defer sr.mu.Unlock()
			conv.watchers--
			conv.lastSeen = sr.now()
		})
	}
	return conv.ctrl, release, nil
}

func (sr *SessionRegistry) getOrCreateLocked(id string) (*conversation, error) {
	if conv, ok := sr.sessions[id]; ok {
		conv.lastSeen = sr.now()
		return conv, nil
	}

	if sr.maxSessions > 0 && len(sr.sessions) >= sr.maxSessions {
		sr.sweepLocked()
		if len(sr.sessions) >= sr.maxSessions {
			return nil, ErrTooManySessions
		}
	}

	var opts []chat.Option
	if sr.logger != nil {
		opts = append(opts, chat.WithLogger(sr.logger.With("session_id", id)))
	}
	conv := &conversation{
		ctrl:     chat.NewController(sr.backend, sessionID(id), sr.settings, opts...),
		lastSeen: sr.now(),
	}
	sr.sessions[id] = conv

	if sr.logger != nil {
		sr.logger.Debug("Conversation created", "session_id", id, "active", len(sr.sessions))
	}
	return conv, nil
}

// Get returns the controller for id if one exists.
func (sr *SessionRegistry) Get(id string) (*chat.Controller, bool) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	conv, ok := sr.sessions[id]
	if !ok {
		return nil, false
	}
	return conv.ctrl, true
}

// Remove closes and forgets the conversation for id.
func (sr *SessionRegistry) Remove(id string) {
	sr.mu.Lock()
	conv, ok := sr.sessions[id]
	delete(sr.sessions, id)
	sr.mu.Unlock()

	if ok {
		go conv.ctrl.Close()
		if sr.logger != nil {
			sr.logger.Debug("Conversation removed", "session_id", id)
		}
	}
}

// Len returns the number of live conversations.
func (sr *SessionRegistry) Len() int {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return len(sr.sessions)
}

// Sweep closes idle conversations and returns how many were removed.
func (sr *SessionRegistry) Sweep() int {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.sweepLocked()
}

func (sr *SessionRegistry) sweepLocked() int {
	if sr.idleTTL <= 0 {
		return 0
	}

	cutoff := sr.now().Add(-sr.idleTTL)
	removed := 0
	for id, conv := range sr.sessions {
		if conv.watchers > 0 || conv.lastSeen.After(cutoff) || conv.ctrl.Sending() {
			continue
		}
		delete(sr.sessions, id)
		go conv.ctrl.Close()
		removed++
	}

	if removed > 0 && sr.logger != nil {
		sr.logger.Debug("Swept idle conversations", "removed", removed, "active", len(sr.sessions))
	}
	return removed
}

// UpdateSettings applies settings to every live and future conversation.
func (sr *SessionRegistry) UpdateSettings(settings chat.Settings) {
	sr.mu.Lock()
	sr.settings = settings
	ctrls := make([]*chat.Controller, 0, len(sr.sessions))
	for _, conv := range sr.sessions {
		ctrls = append(ctrls, conv.ctrl)
	}
	sr.mu.Unlock()

	for _, ctrl := range ctrls {
		ctrl.UpdateSettings(settings)
	}
}

// Close stops the sweeper and closes every conversation, waiting for
// in-flight requests to be cancelled.
func (sr *SessionRegistry) Close() {
	sr.closeOnce.Do(func() {
		close(sr.stop)

		sr.mu.Lock()
		convs := sr.sessions
		sr.sessions = make(map[string]*conversation)
		sr.mu.Unlock()

		for _, conv := range convs {
			conv.ctrl.Close()
		}
	})
}
