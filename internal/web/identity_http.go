package web

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"net/url"
	"strings"

	"github.com/inercia/parley/internal/identity"
	"github.com/inercia/parley/internal/logging"
)

// freshParam marks a URL the server redirected to right after setting the
// session cookie. Arriving with a valid marker and without the cookie means
// the browser refuses cookies, and the identifier then lives in the URL alone.
//
// The marker is an HMAC of the identifier bound to the client it was issued
// to, so a link copied to another browser does not verify and resets instead
// of joining the conversation.
const freshParam = "fresh"

// linkMarker returns the marker for id as issued to the given client.
func (s *Server) linkMarker(clientIP, userAgent, id string) string {
	mac := hmac.New(sha256.New, s.linkSecret)
	mac.Write([]byte(id))
	mac.Write([]byte{0})
	mac.Write([]byte(clientIP))
	mac.Write([]byte{0})
	mac.Write([]byte(userAgent))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil)[:16])
}

func (s *Server) validMarker(clientIP, userAgent, id, marker string) bool {
	if id == "" || marker == "" {
		return false
	}
	return hmac.Equal([]byte(marker), []byte(s.linkMarker(clientIP, userAgent, id)))
}

// cookieStore is the storage slot: a browser-session cookie.
type cookieStore struct {
	w           http.ResponseWriter
	r           *http.Request
	name        string
	secure      bool
	unavailable bool
}

func (c *cookieStore) Read() (string, error) {
	if c.unavailable {
		return "", identity.ErrUnavailable
	}
	cookie, err := c.r.Cookie(c.name)
	if err != nil {
		return "", nil
	}
	return cookie.Value, nil
}

func (c *cookieStore) Write(value string) error {
	if c.unavailable {
		return identity.ErrUnavailable
	}
	cookie := &http.Cookie{
		Name:     c.name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	}
	if value == "" {
		cookie.MaxAge = -1
	}

	// Only the last write reaches the browser: one Set-Cookie per name.
	prefix := c.name + "="
	header := c.w.Header()
	var kept []string
	for _, v := range header.Values("Set-Cookie") {
		if !strings.HasPrefix(v, prefix) {
			kept = append(kept, v)
		}
	}
	header.Del("Set-Cookie")
	for _, v := range kept {
		header.Add("Set-Cookie", v)
	}
	http.SetCookie(c.w, cookie)
	return nil
}

// queryStore is the link-carried slot: a query parameter. Writes are only
// recorded here; the handler turns them into a redirect.
type queryStore struct {
	value   string
	written bool
}

func (q *queryStore) Read() (string, error) {
	return q.value, nil
}

func (q *queryStore) Write(value string) error {
	q.value = value
	q.written = true
	return nil
}

// requestIdentity is the identity resolved for one request.
type requestIdentity struct {
	manager    *identity.Manager
	resolution identity.Resolution
	query      *queryStore
	clientIP   string
	userAgent  string
}

// ID returns the canonical identifier.
func (ri *requestIdentity) ID() string {
	id, _ := ri.manager.Current()
	return id
}

// Degraded reports whether the browser refuses the session cookie.
func (ri *requestIdentity) Degraded() bool {
	return ri.manager.Degraded()
}

// Rewritten reports whether the query slot changed, i.e. the URL the
// request came in on is no longer canonical.
func (ri *requestIdentity) Rewritten() bool {
	return ri.query.written
}

// resolveIdentity runs identity resolution against the request's cookie and
// query parameter. Cookie writes land on w immediately.
func (s *Server) resolveIdentity(w http.ResponseWriter, r *http.Request) *requestIdentity {
	params := r.URL.Query()
	_, cookieErr := r.Cookie(s.config.CookieName)
	clientIP := s.proxies.ClientIP(r)
	userAgent := r.UserAgent()
	logger := logging.WithClient(s.logger, clientIP, "")

	linked := params.Get(s.config.QueryParam)
	refused := false
	if cookieErr != nil && params.Has(freshParam) {
		refused = s.validMarker(clientIP, userAgent, linked, params.Get(freshParam))
		if !refused {
			logger.Warn("Link marker does not verify for this client, ignoring it")
		}
	}

	cookies := &cookieStore{
		w:           w,
		r:           r,
		name:        s.config.CookieName,
		secure:      s.config.SecureCookie,
		unavailable: refused,
	}
	query := &queryStore{value: linked}

	prior := ""
	if cookieErr == nil {
		prior, _ = cookies.Read()
	}

	m := identity.NewManager(cookies, query, identity.WithLogger(logger))
	m.OnChange(func(old, _ string) {
		if old != "" {
			s.sessions.Remove(old)
		}
	})

	res := m.Init()
	if res.Action == identity.ActionReset && prior != "" && prior != res.ID {
		// The stored conversation was abandoned along with the cookie.
		s.sessions.Remove(prior)
	}

	logger.Debug("Session identity resolved",
		"session_id", res.ID,
		"action", string(res.Action),
		"path", r.URL.Path,
	)

	return &requestIdentity{
		manager:    m,
		resolution: res,
		query:      query,
		clientIP:   clientIP,
		userAgent:  userAgent,
	}
}

// canonicalURL returns u with the query parameter set to the canonical
// identifier. withMarker adds the fresh marker used to detect refused cookies.
func (s *Server) canonicalURL(u *url.URL, ri *requestIdentity, withMarker bool) string {
	params := u.Query()
	params.Set(s.config.QueryParam, ri.ID())
	if withMarker || ri.Degraded() {
		params.Set(freshParam, s.linkMarker(ri.clientIP, ri.userAgent, ri.ID()))
	} else {
		params.Del(freshParam)
	}

	path := u.Path
	if path == "" {
		path = "/"
	}
	return (&url.URL{Path: path, RawQuery: params.Encode()}).String()
}
