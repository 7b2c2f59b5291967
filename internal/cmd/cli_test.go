package cmd

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/inercia/parley/internal/backend"
	"github.com/inercia/parley/internal/chat"
	"github.com/inercia/parley/internal/client"
	"github.com/inercia/parley/internal/config"
	"github.com/inercia/parley/internal/identity"
	"github.com/inercia/parley/internal/web"
)

type recordingBackend struct {
	mu    sync.Mutex
	calls []backend.Message
}

func (b *recordingBackend) Send(ctx context.Context, msg backend.Message) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, msg)
	return "respuesta a " + msg.Text, nil
}

func (b *recordingBackend) Calls() []backend.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]backend.Message(nil), b.calls...)
}

func testCLISettings() chat.Settings {
	return chat.Settings{
		Greeting: "Bienvenido",
		Timeout:  time.Second,
		Presets: []chat.Preset{
			{ID: "devotional", Label: "Devocional", Text: "Dame un devocional"},
			{ID: "bible-study", Label: "Estudio", Text: "Estudio bíblico"},
		},
	}
}

func newTestCLISession(t *testing.T, storage identity.Store, link string) (*cliSession, *recordingBackend, *bytes.Buffer) {
	t.Helper()
	b := &recordingBackend{}
	var out bytes.Buffer
	s := newCLISession(&out, storage, link, b, testCLISettings())
	t.Cleanup(s.close)
	return s, b, &out
}

func TestCompleteInput(t *testing.T) {
	presets := testCLISettings().Presets

	tests := []struct {
		name        string
		line        string
		cursor      int
		wantMatches bool
	}{
		{"empty input", "", 0, false},
		{"plain text", "hola", 4, false},
		{"slash only", "/", 1, true},
		{"partial command", "/pre", 4, true},
		{"unknown command", "/xyz", 4, false},
		{"preset ids", "/preset dev", 11, true},
		{"unknown preset id", "/preset zzz", 11, false},
		{"cursor beyond line", "/h", 100, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Completions does not expose its values; check the matchers it
			// is built from and that building it does not panic.
			_ = completeInput(tt.line, tt.cursor, presets)

			text := tt.line
			if tt.cursor < len(text) {
				text = text[:tt.cursor]
			}
			var got bool
			if rest, ok := strings.CutPrefix(text, "/preset "); ok {
				got = len(matchPresets(presets, rest)) > 0
			} else if strings.HasPrefix(text, "/") {
				got = len(matchCommands(text)) > 0
			}
			if got != tt.wantMatches {
				t.Errorf("matches = %v, want %v", got, tt.wantMatches)
			}
		})
	}
}

func TestMatchCommands(t *testing.T) {
	tests := []struct {
		prefix string
		want   []string
	}{
		{"/h", []string{"/help", "/h"}},
		{"/pre", []string{"/preset", "/presets"}},
		{"/q", []string{"/quit", "/q"}},
		{"/reset", []string{"/reset"}},
	}
	for _, tt := range tests {
		var got []string
		for _, cmd := range matchCommands(tt.prefix) {
			got = append(got, cmd.name)
		}
		if strings.Join(got, ",") != strings.Join(tt.want, ",") {
			t.Errorf("matchCommands(%q) = %v, want %v", tt.prefix, got, tt.want)
		}
	}
}

func TestSlashCommandsDefinition(t *testing.T) {
	seen := make(map[string]bool)
	for _, cmd := range slashCommands {
		if !strings.HasPrefix(cmd.name, "/") {
			t.Errorf("command %q does not start with /", cmd.name)
		}
		if cmd.description == "" {
			t.Errorf("command %s has empty description", cmd.name)
		}
		if seen[cmd.name] {
			t.Errorf("command %s defined twice", cmd.name)
		}
		seen[cmd.name] = true
	}
	for _, name := range []string{"/help", "/reset", "/preset", "/presets", "/session", "/quit"} {
		if !seen[name] {
			t.Errorf("expected command %s not found", name)
		}
	}
}

func TestCLISession_NewSession(t *testing.T) {
	storage := identity.NewMemoryStore("")
	s, _, out := newTestCLISession(t, storage, "")

	id, ok := s.manager.Current()
	if !ok || id == "" {
		t.Fatal("no session resolved")
	}
	if storage.Value() != id {
		t.Errorf("stored = %q, want %q", storage.Value(), id)
	}
	if !strings.Contains(out.String(), "--session "+id) {
		t.Errorf("resume hint missing: %q", out.String())
	}
	if s.action != identity.ActionCreated {
		t.Errorf("action = %s, want created", s.action)
	}
	if s.greeting() != "Bienvenido" {
		t.Errorf("greeting = %q", s.greeting())
	}
}

func TestCLISession_ResumesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session")

	first, _, _ := newTestCLISession(t, identity.NewFileStore(path), "")
	id, _ := first.manager.Current()

	second, _, _ := newTestCLISession(t, identity.NewFileStore(path), "")
	if got, _ := second.manager.Current(); got != id {
		t.Errorf("resumed session = %q, want %q", got, id)
	}
	if second.action != identity.ActionRestored {
		t.Errorf("action = %s, want restored", second.action)
	}

	third, _, _ := newTestCLISession(t, identity.NewFileStore(path), id)
	if third.action != identity.ActionConfirmed {
		t.Errorf("action with matching --session = %s, want confirmed", third.action)
	}
}

func TestCLISession_MismatchedFlagResets(t *testing.T) {
	storage := identity.NewMemoryStore("stored")
	s, _, _ := newTestCLISession(t, storage, "other")

	id, _ := s.manager.Current()
	if id == "stored" || id == "other" {
		t.Errorf("session = %q, want a fresh one", id)
	}
	if s.ctrl == nil {
		t.Fatal("controller not created")
	}
	if storage.Value() != id {
		t.Errorf("stored = %q, want %q", storage.Value(), id)
	}
}

func TestCLISession_FlagCannotPickSession(t *testing.T) {
	storage := identity.NewMemoryStore("")
	s, _, _ := newTestCLISession(t, storage, "someone-else")

	id, _ := s.manager.Current()
	if id == "" || id == "someone-else" {
		t.Errorf("session = %q, want a fresh one", id)
	}
	if s.action != identity.ActionReset {
		t.Errorf("action = %s, want reset", s.action)
	}

	if strings.Contains(cliCmd.Long, "continue a specific") {
		t.Error("help should not offer --session as a way to pick a conversation")
	}
	if !strings.Contains(cliCmd.Long, "starts a new conversation") {
		t.Error("help should say a mismatched --session starts over")
	}
}

func TestCLISession_Send(t *testing.T) {
	s, b, _ := newTestCLISession(t, identity.NewMemoryStore(""), "")

	if reply := s.send("hola"); reply != "respuesta a hola" {
		t.Errorf("reply = %q", reply)
	}
	if reply := s.send("   "); reply != "" {
		t.Errorf("blank message should not be sent, got %q", reply)
	}

	id, _ := s.manager.Current()
	calls := b.Calls()
	if len(calls) != 1 || calls[0].SessionID != id {
		t.Errorf("calls = %+v, want one with session %s", calls, id)
	}
}

func TestHandleCommand_Reset(t *testing.T) {
	s, _, out := newTestCLISession(t, identity.NewMemoryStore(""), "")
	old, _ := s.manager.Current()
	s.send("hola")

	if err := handleCommand(s, "/reset"); err != nil {
		t.Fatal(err)
	}
	id, _ := s.manager.Current()
	if id == old {
		t.Error("reset kept the old session")
	}
	if turns := s.ctrl.Transcript(); len(turns) != 1 {
		t.Errorf("new conversation has %d turns, want only the greeting", len(turns))
	}
	if !strings.Contains(out.String(), "New conversation "+id) {
		t.Errorf("output = %q", out.String())
	}
}

func TestHandleCommand_Preset(t *testing.T) {
	s, b, out := newTestCLISession(t, identity.NewMemoryStore(""), "")

	if err := handleCommand(s, "/preset devotional"); err != nil {
		t.Fatal(err)
	}
	calls := b.Calls()
	if len(calls) != 1 || calls[0].Text != "Dame un devocional" {
		t.Errorf("calls = %+v", calls)
	}
	if !strings.Contains(out.String(), "respuesta a Dame un devocional") {
		t.Errorf("reply not printed: %q", out.String())
	}

	err := handleCommand(s, "/preset missing")
	if err == nil || !strings.Contains(err.Error(), "unknown preset") {
		t.Errorf("err = %v, want unknown preset", err)
	}
	if err := handleCommand(s, "/preset"); err == nil {
		t.Error("missing argument should fail")
	}
}

func TestHandleCommand_Misc(t *testing.T) {
	s, _, out := newTestCLISession(t, identity.NewMemoryStore(""), "")

	if err := handleCommand(s, "/quit"); !errors.Is(err, errQuit) {
		t.Errorf("/quit = %v, want errQuit", err)
	}
	if err := handleCommand(s, "/EXIT"); !errors.Is(err, errQuit) {
		t.Errorf("/EXIT = %v, want errQuit", err)
	}
	if err := handleCommand(s, `/preset "unterminated`); err == nil {
		t.Error("unbalanced quotes should fail to parse")
	}

	out.Reset()
	handleCommand(s, "/presets")
	if !strings.Contains(out.String(), "devotional") || !strings.Contains(out.String(), "bible-study") {
		t.Errorf("/presets output = %q", out.String())
	}

	out.Reset()
	handleCommand(s, "/session")
	id, _ := s.manager.Current()
	if !strings.Contains(out.String(), id) {
		t.Errorf("/session output = %q", out.String())
	}

	out.Reset()
	handleCommand(s, "/bogus")
	if !strings.Contains(out.String(), "Unknown command") {
		t.Errorf("/bogus output = %q", out.String())
	}
}

func TestChatSettings(t *testing.T) {
	c, err := config.Parse([]byte("backend:\n  timeout: 5s\nchat:\n  greeting: Hola\n"))
	if err != nil {
		t.Fatal(err)
	}

	settings := chatSettings(c)
	if settings.Greeting != "Hola" {
		t.Errorf("Greeting = %q", settings.Greeting)
	}
	if settings.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v", settings.Timeout)
	}
	if len(settings.Presets) != len(c.Chat.Presets) || len(settings.Presets) == 0 {
		t.Errorf("Presets = %d, want %d", len(settings.Presets), len(c.Chat.Presets))
	}
	if settings.MaxInputChars != 200 {
		t.Errorf("MaxInputChars = %d, want 200", settings.MaxInputChars)
	}
}

func TestNewBackend(t *testing.T) {
	c, err := config.Parse([]byte("backend:\n  url: http://hook.local/x\n"))
	if err != nil {
		t.Fatal(err)
	}
	if got := newBackend(c).URL(); got != "http://hook.local/x" {
		t.Errorf("URL = %q", got)
	}
}

func TestRunRemoteOnce(t *testing.T) {
	b := &recordingBackend{}
	srv, err := web.NewServer(web.Config{Backend: b, Settings: testCLISettings()})
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	defer srv.Shutdown(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out bytes.Buffer
	if err := runRemoteOnce(ctx, &out, client.New(ts.URL), "hola"); err != nil {
		t.Fatalf("runRemoteOnce failed: %v", err)
	}
	if strings.TrimSpace(out.String()) != "respuesta a hola" {
		t.Errorf("output = %q", out.String())
	}
	if calls := b.Calls(); len(calls) != 1 || calls[0].SessionID == "" {
		t.Errorf("calls = %+v", calls)
	}

	err = runRemoteOnce(ctx, &out, client.New("http://127.0.0.1:1"), "hola")
	if err == nil || !strings.Contains(err.Error(), "cannot reach") {
		t.Errorf("unreachable server err = %v", err)
	}
}
