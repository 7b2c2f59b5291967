// Package chat implements the dispatch controller behind a chat view.
//
// A Controller owns an append-only transcript and a single-flight guard:
// at most one message is in flight at a time, and submissions made while
// one is pending are dropped rather than queued. Every accepted submission
// appends exactly one user turn and, once the backend call resolves, exactly
// one assistant turn (the reply, or a fixed apology on failure).
package chat

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/inercia/parley/internal/backend"
)

const (
	// DefaultApology is the assistant turn appended when the backend fails.
	DefaultApology = "❗ Hubo un error al obtener la respuesta. Por favor, intenta de nuevo."

	// DefaultTimeout bounds a single backend call.
	DefaultTimeout = 60 * time.Second

	// DefaultMaxInputChars is the input buffer limit, counted in runes.
	DefaultMaxInputChars = 200
)

// ErrUnknownPreset is returned by SelectPreset for an id with no preset.
var ErrUnknownPreset = errors.New("unknown preset")

// Backend delivers one message to the assistant and returns its reply.
type Backend interface {
	Send(ctx context.Context, msg backend.Message) (string, error)
}

// IdentitySource exposes the current session identifier, if resolved.
type IdentitySource interface {
	Current() (string, bool)
}

// Settings are the tunable parts of a Controller.
type Settings struct {
	// Greeting, when set, seeds a new transcript with an assistant turn.
	Greeting string
	// Apology is the assistant text used when the backend call fails.
	Apology string
	// Timeout bounds each backend call. Zero or negative disables the bound.
	Timeout time.Duration
	// MaxInputChars truncates the input buffer. Zero or negative disables it.
	MaxInputChars int
	// Presets are canned prompts selectable by id.
	Presets []Preset
}

// DefaultSettings returns the settings used when none are configured.
func DefaultSettings() Settings {
	return Settings{
		Apology:       DefaultApology,
		Timeout:       DefaultTimeout,
		MaxInputChars: DefaultMaxInputChars,
	}
}

func (s Settings) normalized() Settings {
	if s.Apology == "" {
		s.Apology = DefaultApology
	}
	s.Presets = append([]Preset(nil), s.Presets...)
	return s
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger for dispatch diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithClock replaces time.Now for turn timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// Controller serializes message submissions for one chat view.
// It is safe for concurrent use.
type Controller struct {
	backend  Backend
	identity IdentitySource
	logger   *slog.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	// emitMu is taken before mu and held from a state change until its
	// events are delivered, so subscribers see changes in the order made.
	emitMu sync.Mutex

	mu         sync.Mutex
	idle       *sync.Cond
	inflight   int
	settings   Settings
	sending    bool
	loading    bool
	closed     bool
	input      string
	transcript []Turn
	seq        uint64
	subs       map[int]func(Event)
	nextSub    int
}

// NewController creates a Controller sending through b.
// identity may be nil, in which case messages never carry a session id.
func NewController(b Backend, identity IdentitySource, settings Settings, opts ...Option) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		backend:  b,
		identity: identity,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		settings: settings.normalized(),
		subs:     make(map[int]func(Event)),
	}
	c.idle = sync.NewCond(&c.mu)
	for _, opt := range opts {
		opt(c)
	}

	if c.settings.Greeting != "" {
		c.appendLocked(RoleAssistant, c.settings.Greeting)
	}
	return c
}

// Submit starts a send cycle for text and reports whether it was accepted.
// It is a no-op when a cycle is already in flight or text is blank.
// Completion is observed through Subscribe, Transcript or Wait.
func (c *Controller) Submit(text string) bool {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	if c.sending || c.closed {
		c.mu.Unlock()
		return false
	}
	if strings.TrimSpace(text) == "" {
		c.mu.Unlock()
		return false
	}

	c.sending = true
	turn := c.appendLocked(RoleUser, text)
	c.input = ""
	c.loading = true
	timeout := c.settings.Timeout
	c.inflight++
	subs := c.subscribersLocked()
	c.mu.Unlock()

	emit(subs,
		Event{Type: EventTurnAppended, Turn: &turn},
		Event{Type: EventInput, Input: ""},
		Event{Type: EventLoading, Loading: true},
	)

	go c.dispatch(text, timeout)
	return true
}

// SubmitInput submits the current input buffer.
func (c *Controller) SubmitInput() bool {
	return c.Submit(c.Input())
}

func (c *Controller) dispatch(text string, timeout time.Duration) {
	defer c.finish()

	var sessionID string
	if c.identity != nil {
		sessionID, _ = c.identity.Current()
	}

	ctx, cancel := c.ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(c.ctx, timeout)
	}
	defer cancel()

	reply, err := c.backend.Send(ctx, backend.Message{Text: text, SessionID: sessionID})
	if err != nil {
		if c.logger != nil {
			c.logger.Error("Assistant request failed",
				"session_id", sessionID,
				"error", err,
			)
		}
		c.append(RoleAssistant, c.apology())
		return
	}
	c.append(RoleAssistant, reply)
}

// finish is the terminal step of every cycle.
func (c *Controller) finish() {
	c.emitMu.Lock()
	c.mu.Lock()
	c.loading = false
	c.sending = false
	subs := c.subscribersLocked()
	c.mu.Unlock()

	emit(subs,
		Event{Type: EventLoading, Loading: false},
		Event{Type: EventFocus},
	)
	c.emitMu.Unlock()

	c.mu.Lock()
	c.inflight--
	if c.inflight == 0 {
		c.idle.Broadcast()
	}
	c.mu.Unlock()
}

func (c *Controller) apology() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings.Apology
}

func (c *Controller) append(role Role, text string) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	turn := c.appendLocked(role, text)
	subs := c.subscribersLocked()
	c.mu.Unlock()

	emit(subs, Event{Type: EventTurnAppended, Turn: &turn})
}

func (c *Controller) appendLocked(role Role, text string) Turn {
	c.seq++
	turn := Turn{
		ID:        strconv.FormatUint(c.seq, 10),
		Role:      role,
		Text:      text,
		CreatedAt: c.now(),
	}
	c.transcript = append(c.transcript, turn)
	return turn
}

// SetInput replaces the input buffer, truncated to MaxInputChars runes,
// and returns the stored value.
func (c *Controller) SetInput(text string) string {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	if limit := c.settings.MaxInputChars; limit > 0 && utf8.RuneCountInString(text) > limit {
		text = string([]rune(text)[:limit])
	}
	c.input = text
	subs := c.subscribersLocked()
	c.mu.Unlock()

	emit(subs, Event{Type: EventInput, Input: text})
	return text
}

// Input returns the input buffer.
func (c *Controller) Input() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.input
}

// SelectPreset loads the preset text for id into the input buffer.
func (c *Controller) SelectPreset(id string) error {
	c.mu.Lock()
	var text string
	found := false
	for _, p := range c.settings.Presets {
		if p.ID == id {
			text, found = p.Text, true
			break
		}
	}
	c.mu.Unlock()

	if !found {
		if c.logger != nil {
			c.logger.Warn("Preset has no associated text", "preset", id)
		}
		return ErrUnknownPreset
	}

	c.SetInput(text)
	c.emitFocus()
	return nil
}

func (c *Controller) emitFocus() {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	subs := c.subscribersLocked()
	c.mu.Unlock()
	emit(subs, Event{Type: EventFocus})
}

// Presets returns the configured presets.
func (c *Controller) Presets() []Preset {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Preset(nil), c.settings.Presets...)
}

// Settings returns the current settings.
func (c *Controller) Settings() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings.normalized()
}

// UpdateSettings replaces the settings. The transcript is untouched, so a
// changed greeting only affects new controllers; a cycle already in flight
// keeps its timeout.
func (c *Controller) UpdateSettings(settings Settings) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings = settings.normalized()
}

// Transcript returns a copy of the transcript.
func (c *Controller) Transcript() []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Turn(nil), c.transcript...)
}

// Sending reports whether the single-flight guard is held.
func (c *Controller) Sending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sending
}

// Loading reports whether the loading indicator is raised.
func (c *Controller) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading
}

// Subscribe registers fn for every subsequent event and returns a function
// that removes it. Events are delivered one at a time in the order the
// state changed. fn may read the Controller but must not block or call
// methods that change it.
func (c *Controller) Subscribe(fn func(Event)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// Wait blocks until no cycle is in flight. It may be called concurrently
// with Submit; a cycle accepted while Wait is blocked is waited for too.
func (c *Controller) Wait() {
	c.mu.Lock()
	for c.inflight > 0 {
		c.idle.Wait()
	}
	c.mu.Unlock()
}

// Close rejects further submissions, cancels an in-flight backend call
// (which then resolves as a failure) and waits for it to finish.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.Wait()
}

func (c *Controller) subscribersLocked() []func(Event) {
	if len(c.subs) == 0 {
		return nil
	}
	subs := make([]func(Event), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	return subs
}

func emit(subs []func(Event), events ...Event) {
	for _, ev := range events {
		for _, fn := range subs {
			fn(ev)
		}
	}
}
