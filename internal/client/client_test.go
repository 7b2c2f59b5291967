package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/inercia/parley/internal/backend"
	"github.com/inercia/parley/internal/chat"
	"github.com/inercia/parley/internal/web"
)

type echoBackend struct{}

func (echoBackend) Send(ctx context.Context, msg backend.Message) (string, error) {
	return "**eco:** " + msg.Text, nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	settings := chat.DefaultSettings()
	settings.Greeting = "Bienvenido"
	settings.Presets = []chat.Preset{
		{ID: "devotional", Label: "Devocional", Text: "Dame un devocional"},
	}

	srv, err := web.NewServer(web.Config{Backend: echoBackend{}, Settings: settings})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Shutdown(context.Background())
	})
	return ts
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestClient_OpenAndSendAndWait(t *testing.T) {
	ts := newTestServer(t)
	ctx := testContext(t)
	c := New(ts.URL)

	id, err := c.Open(ctx)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if id == "" || c.Session() != id {
		t.Fatalf("session = %q, Session() = %q", id, c.Session())
	}
	if c.Degraded() {
		t.Error("client with cookies should not be degraded")
	}

	reply, err := c.SendAndWait(ctx, "hola")
	if err != nil {
		t.Fatalf("SendAndWait failed: %v", err)
	}
	if reply.Text != "**eco:** hola" {
		t.Errorf("reply text = %q", reply.Text)
	}
	if !strings.Contains(reply.HTML, "<strong>eco:</strong>") {
		t.Errorf("reply HTML = %q", reply.HTML)
	}

	tr, err := c.Transcript(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if tr.Session != id || len(tr.Turns) != 3 {
		t.Errorf("transcript = %+v, want 3 turns in %s", tr, id)
	}
	if tr.Turns[0].Text != "Bienvenido" || tr.Turns[1].Role != "user" {
		t.Errorf("turns = %+v", tr.Turns)
	}
}

func TestClient_OpenTwiceKeepsSession(t *testing.T) {
	ts := newTestServer(t)
	ctx := testContext(t)
	c := New(ts.URL)

	first, err := c.Open(ctx)
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.Open(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("second Open = %q, want %q", second, first)
	}
}

func TestClient_StaleLinkFollowsServer(t *testing.T) {
	ts := newTestServer(t)
	ctx := testContext(t)
	c := New(ts.URL)

	old, err := c.Open(ctx)
	if err != nil {
		t.Fatal(err)
	}
	c.mu.Lock()
	c.link.Set(c.queryParam, "stale")
	c.mu.Unlock()

	tr, err := c.Transcript(ctx)
	if err != nil {
		t.Fatalf("Transcript after stale link failed: %v", err)
	}
	id := c.Session()
	if id == old || id == "stale" {
		t.Errorf("session = %q, want a fresh one", id)
	}
	if tr.Session != id {
		t.Errorf("transcript session = %q, want %q", tr.Session, id)
	}
	if c.Degraded() {
		t.Error("marker should be gone once the cookie is confirmed")
	}
}

func TestClient_WithoutCookies(t *testing.T) {
	ts := newTestServer(t)
	ctx := testContext(t)
	c := New(ts.URL, WithHTTPClient(&http.Client{Timeout: 5 * time.Second}))

	id, err := c.Open(ctx)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !c.Degraded() {
		t.Fatal("client without cookies should be degraded")
	}

	accepted, err := c.Send(ctx, "hola")
	if err != nil || !accepted {
		t.Fatalf("Send = %v, %v", accepted, err)
	}
	tr, err := c.Transcript(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if tr.Session != id || !tr.Degraded {
		t.Errorf("transcript = %+v, want degraded session %s", tr, id)
	}
}

func TestClient_CopiedDegradedLinkStartsOver(t *testing.T) {
	ts := newTestServer(t)
	ctx := testContext(t)
	owner := New(ts.URL, WithHTTPClient(&http.Client{Timeout: 5 * time.Second}))

	ownerID, err := owner.Open(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if accepted, err := owner.Send(ctx, "mi secreto"); err != nil || !accepted {
		t.Fatalf("Send = %v, %v", accepted, err)
	}

	other := New(ts.URL,
		WithHTTPClient(&http.Client{Timeout: 5 * time.Second}),
		WithUserAgent("another-browser"),
	)
	other.mu.Lock()
	other.link = owner.currentLink()
	other.mu.Unlock()

	tr, err := other.Transcript(ctx)
	if err != nil {
		t.Fatalf("Transcript failed: %v", err)
	}
	if tr.Session == ownerID || other.Session() == ownerID {
		t.Fatalf("copied link joined the owner's conversation %s", ownerID)
	}
	for _, turn := range tr.Turns {
		if turn.Text == "mi secreto" {
			t.Error("copied link exposed the owner's transcript")
		}
	}
}

func TestClient_Reset(t *testing.T) {
	ts := newTestServer(t)
	ctx := testContext(t)
	c := New(ts.URL)

	old, err := c.Open(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.SendAndWait(ctx, "hola"); err != nil {
		t.Fatal(err)
	}

	id, err := c.Reset(ctx)
	if err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if id == old || c.Session() != id {
		t.Errorf("Reset = %q (old %q), Session() = %q", id, old, c.Session())
	}

	tr, err := c.Transcript(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if tr.Session != id || len(tr.Turns) != 1 {
		t.Errorf("transcript after reset = %+v", tr)
	}
}

func TestClient_SelectPreset(t *testing.T) {
	ts := newTestServer(t)
	ctx := testContext(t)
	c := New(ts.URL)

	input, err := c.SelectPreset(ctx, "devotional")
	if err != nil {
		t.Fatalf("SelectPreset failed: %v", err)
	}
	if input != "Dame un devocional" {
		t.Errorf("input = %q", input)
	}

	_, err = c.SelectPreset(ctx, "missing")
	if !errors.Is(err, ErrUnknownPreset) {
		t.Errorf("err = %v, want ErrUnknownPreset", err)
	}
}

func TestClient_SendBlank(t *testing.T) {
	ts := newTestServer(t)
	ctx := testContext(t)
	c := New(ts.URL)

	accepted, err := c.Send(ctx, "   ")
	if err != nil {
		t.Fatal(err)
	}
	if accepted {
		t.Error("blank message accepted")
	}
	if _, err := c.SendAndWait(ctx, ""); !errors.Is(err, ErrNotAccepted) {
		t.Errorf("SendAndWait(\"\") = %v, want ErrNotAccepted", err)
	}
}

func TestClient_ConnectAfterStaleLink(t *testing.T) {
	ts := newTestServer(t)
	ctx := testContext(t)
	c := New(ts.URL)

	if _, err := c.Open(ctx); err != nil {
		t.Fatal(err)
	}
	c.mu.Lock()
	c.link.Set(c.queryParam, "stale")
	c.mu.Unlock()

	snapshots := make(chan Transcript, 1)
	ev, err := c.Connect(ctx, EventCallbacks{
		OnSnapshot: func(tr Transcript) { snapshots <- tr },
	})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer ev.Close()

	select {
	case tr := <-snapshots:
		if tr.Session != c.Session() || tr.Session == "stale" {
			t.Errorf("snapshot session = %q, client session = %q", tr.Session, c.Session())
		}
	case <-ctx.Done():
		t.Fatal("no snapshot")
	}

	ev.Close()
	select {
	case <-ev.Done():
	case <-time.After(2 * time.Second):
		t.Error("stream did not end after Close")
	}
}

func TestClient_Health(t *testing.T) {
	ts := newTestServer(t)
	c := New(ts.URL + "/")

	h, err := c.Health(testContext(t))
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if h.Status != "healthy" {
		t.Errorf("status = %q", h.Status)
	}
	if c.BaseURL() != ts.URL {
		t.Errorf("BaseURL = %q, want trailing slash trimmed", c.BaseURL())
	}
}

func TestAPIError(t *testing.T) {
	err := decodeError(503, []byte(`{"error":"session_unavailable","message":"full"}`))
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "session_unavailable" || apiErr.Status != 503 {
		t.Errorf("decodeError = %#v", err)
	}
	if got := decodeError(500, []byte("boom\n")).Error(); got != "status 500: boom" {
		t.Errorf("plain error = %q", got)
	}
}
