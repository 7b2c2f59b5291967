package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultQueryParam is the query parameter carrying the session identifier.
	DefaultQueryParam = "sesion"
	// DefaultUserAgent identifies the client. The server binds link markers
	// to it, so every request of one client must send the same value.
	DefaultUserAgent = "parley-client/1"

	freshParam = "fresh"
)

var (
	// ErrUnknownPreset is returned by SelectPreset for an id the server does
	// not know.
	ErrUnknownPreset = errors.New("unknown preset")
	// ErrNotAccepted is returned when the server refuses a message: it was
	// blank or a reply is still pending.
	ErrNotAccepted = errors.New("message not accepted")
)

// APIError is a non-success answer from the server.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("status %d: %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("status %d: %s", e.Status, e.Message)
}

// Client talks to the Parley HTTP API on behalf of one conversation.
// It is safe for concurrent use.
type Client struct {
	baseURL    string
	queryParam string
	userAgent  string
	httpClient *http.Client

	mu   sync.Mutex
	link url.Values
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client. Its Jar is used as is; a client
// without a jar behaves like a browser that refuses cookies.
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(client *Client) {
		client.httpClient.Timeout = d
	}
}

// WithQueryParam sets the query parameter carrying the session identifier.
func WithQueryParam(name string) Option {
	return func(client *Client) {
		client.queryParam = name
	}
}

// WithUserAgent sets the User-Agent sent on every request.
func WithUserAgent(ua string) Option {
	return func(client *Client) {
		client.userAgent = ua
	}
}

// New creates a client for the server at baseURL (e.g. "http://localhost:8080").
func New(baseURL string, opts ...Option) *Client {
	jar, _ := cookiejar.New(nil)
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		queryParam: DefaultQueryParam,
		userAgent:  DefaultUserAgent,
		httpClient: &http.Client{
			Jar:     jar,
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the base URL of the client.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Session returns the session identifier the client is bound to, or "" before Open.
func (c *Client) Session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link.Get(c.queryParam)
}

// Degraded reports whether the server could not keep the session in a
// cookie and the link alone carries it.
func (c *Client) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link.Get(freshParam) != ""
}

// Open loads the chat page, following the server's redirects until the
// session identifier is settled, and returns it.
func (c *Client) Open(ctx context.Context) (string, error) {
	return c.openPage(ctx, "/?"+c.currentLink().Encode())
}

func (c *Client) openPage(ctx context.Context, target string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("open: parse %q: %w", target, err)
	}
	// Only the query is trusted from the server.
	page := c.baseURL + "/"
	if u.RawQuery != "" {
		page += "?" + u.RawQuery
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, page, nil)
	if err != nil {
		return "", fmt.Errorf("open: %w", err)
	}
	resp, err := c.send(req)
	if err != nil {
		return "", fmt.Errorf("open: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("open: %w", &APIError{Status: resp.StatusCode, Message: resp.Status})
	}

	final := resp.Request.URL.Query()
	id := final.Get(c.queryParam)
	if id == "" {
		return "", fmt.Errorf("open: no session identifier in %s", resp.Request.URL)
	}

	c.setLink(id, final.Get(freshParam))
	return id, nil
}

// setLink records the link the server settled on. marker is kept verbatim;
// it is only present while the server cannot use the cookie.
func (c *Client) setLink(id, marker string) {
	link := url.Values{}
	link.Set(c.queryParam, id)
	if marker != "" {
		link.Set(freshParam, marker)
	}
	c.mu.Lock()
	c.link = link
	c.mu.Unlock()
}

// send runs req with the client's User-Agent, which the server's link
// markers are bound to.
func (c *Client) send(req *http.Request) (*http.Response, error) {
	req.Header.Set("User-Agent", c.userAgent)
	return c.httpClient.Do(req)
}

func (c *Client) currentLink() url.Values {
	c.mu.Lock()
	defer c.mu.Unlock()
	link := url.Values{}
	for k, v := range c.link {
		link[k] = append([]string(nil), v...)
	}
	return link
}

// ensureOpen opens the page once when the client has no session yet.
func (c *Client) ensureOpen(ctx context.Context) error {
	if c.Session() != "" {
		return nil
	}
	_, err := c.Open(ctx)
	return err
}

// apiURL builds an API URL carrying the current link.
func (c *Client) apiURL(path string) string {
	return c.baseURL + path + "?" + c.currentLink().Encode()
}

// conflict is the body of a 409 answer.
type conflict struct {
	Session string `json:"session"`
	URL     string `json:"url"`
}

// do runs an API call. A 409 means the link went stale: the client follows
// the server to the canonical page and retries once.
func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	if err := c.ensureOpen(ctx); err != nil {
		return err
	}

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("marshal: %w", err)
		}
	}

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, c.apiURL(path), bytes.NewReader(payload))
		if err != nil {
			return err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.send(req)
		if err != nil {
			return err
		}
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}

		if resp.StatusCode == http.StatusConflict && attempt == 0 {
			if err := c.followConflict(ctx, data); err != nil {
				return err
			}
			continue
		}
		if resp.StatusCode >= 300 {
			return decodeError(resp.StatusCode, data)
		}
		if out != nil {
			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("decode: %w", err)
			}
		}
		return nil
	}
}

func (c *Client) followConflict(ctx context.Context, data []byte) error {
	var body conflict
	if err := json.Unmarshal(data, &body); err != nil || body.URL == "" {
		return decodeError(http.StatusConflict, data)
	}
	if _, err := c.openPage(ctx, body.URL); err != nil {
		return fmt.Errorf("follow stale link: %w", err)
	}
	return nil
}

func decodeError(status int, data []byte) error {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return &APIError{Status: status, Code: body.Error, Message: body.Message}
	}
	return &APIError{Status: status, Message: strings.TrimSpace(string(data))}
}

// Turn is one transcript entry as served by the API.
type Turn struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	HTML      string    `json:"html"`
	CreatedAt time.Time `json:"created_at"`
}

// Preset is a canned prompt offered by the server.
type Preset struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Text  string `json:"text"`
}

// Transcript is the full observable state of the conversation.
type Transcript struct {
	Session  string   `json:"session"`
	Degraded bool     `json:"degraded"`
	Turns    []Turn   `json:"turns"`
	Loading  bool     `json:"loading"`
	Input    string   `json:"input"`
	Presets  []Preset `json:"presets"`
}

// Send submits a message. It reports whether the conversation accepted it;
// blank text or a pending reply are refused.
func (c *Client) Send(ctx context.Context, text string) (bool, error) {
	var resp struct {
		Accepted bool `json:"accepted"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/messages", map[string]string{"message": text}, &resp); err != nil {
		return false, fmt.Errorf("send: %w", err)
	}
	return resp.Accepted, nil
}

// Reset abandons the conversation and returns the new session identifier.
func (c *Client) Reset(ctx context.Context) (string, error) {
	var resp conflict
	if err := c.do(ctx, http.MethodPost, "/api/reset", nil, &resp); err != nil {
		return "", fmt.Errorf("reset: %w", err)
	}

	u, err := url.Parse(resp.URL)
	if err != nil {
		return "", fmt.Errorf("reset: parse %q: %w", resp.URL, err)
	}
	c.setLink(resp.Session, u.Query().Get(freshParam))
	return resp.Session, nil
}

// SelectPreset loads a preset into the input buffer and returns the buffer.
func (c *Client) SelectPreset(ctx context.Context, id string) (string, error) {
	var resp struct {
		Input string `json:"input"`
	}
	err := c.do(ctx, http.MethodPost, "/api/presets/"+url.PathEscape(id), nil, &resp)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return "", fmt.Errorf("select preset %q: %w", id, ErrUnknownPreset)
		}
		return "", fmt.Errorf("select preset %q: %w", id, err)
	}
	return resp.Input, nil
}

// Transcript returns the current conversation state.
func (c *Client) Transcript(ctx context.Context) (*Transcript, error) {
	var t Transcript
	if err := c.do(ctx, http.MethodGet, "/api/transcript", nil, &t); err != nil {
		return nil, fmt.Errorf("transcript: %w", err)
	}
	return &t, nil
}

// Health is the server health report.
type Health struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Sessions  struct {
		Active int `json:"active"`
	} `json:"sessions"`
}

// Health queries /api/health. It needs no session.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/health", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.send(req)
	if err != nil {
		return nil, fmt.Errorf("health: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("health: %w", decodeError(resp.StatusCode, data))
	}
	var h Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, fmt.Errorf("health: decode: %w", err)
	}
	return &h, nil
}
