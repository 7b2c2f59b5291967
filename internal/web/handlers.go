package web

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/inercia/parley/internal/chat"
	"github.com/inercia/parley/internal/identity"
)

// handlePage renders the chat page for the canonical session, redirecting
// first whenever identity resolution rewrote the link.
func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	ri := s.resolveIdentity(w, r)
	if ri.Rewritten() {
		http.Redirect(w, r, s.canonicalURL(r.URL, ri, true), http.StatusSeeOther)
		return
	}
	if ri.resolution.Action == identity.ActionConfirmed && r.URL.Query().Has(freshParam) {
		// The cookie came back, so the marker is no longer needed.
		http.Redirect(w, r, s.canonicalURL(r.URL, ri, false), http.StatusSeeOther)
		return
	}

	ctrl, ok := s.controller(w, ri, false)
	if !ok {
		return
	}

	settings := ctrl.Settings()
	data := pageData{
		SessionID:     ri.ID(),
		Degraded:      ri.Degraded(),
		Turns:         s.renderer.turns(ctrl.Transcript()),
		Loading:       ctrl.Loading(),
		Input:         ctrl.Input(),
		MaxInputChars: settings.MaxInputChars,
		Presets:       ctrl.Presets(),
		SelfURL:       s.canonicalURL(r.URL, ri, false),
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := s.renderer.page.Execute(w, data); err != nil {
		s.logger.Error("Failed to render page", "session_id", ri.ID(), "error", err)
	}
}

// handleForm serves the page's forms when scripts are off. Exactly one of
// the message, preset or reset fields is acted on, then the browser is sent
// back to the page.
func (s *Server) handleForm(w http.ResponseWriter, r *http.Request) {
	ri := s.resolveIdentity(w, r)
	if ri.Rewritten() {
		http.Redirect(w, r, s.canonicalURL(r.URL, ri, true), http.StatusSeeOther)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	switch {
	case r.PostForm.Has("reset"):
		ri.manager.Reset()
		http.Redirect(w, r, s.canonicalURL(r.URL, ri, true), http.StatusSeeOther)
		return

	case r.PostForm.Get("preset") != "":
		ctrl, ok := s.controller(w, ri, false)
		if !ok {
			return
		}
		if err := ctrl.SelectPreset(r.PostForm.Get("preset")); err != nil {
			s.logger.Warn("Unknown preset selected", "session_id", ri.ID(), "preset", r.PostForm.Get("preset"))
		}

	default:
		ctrl, ok := s.controller(w, ri, false)
		if !ok {
			return
		}
		ctrl.Submit(r.PostForm.Get("message"))
	}

	http.Redirect(w, r, s.canonicalURL(r.URL, ri, false), http.StatusSeeOther)
}

type messageRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	ri, ok := s.apiIdentity(w, r)
	if !ok {
		return
	}
	var req messageRequest
	if !parseJSONBody(w, r, &req, maxJSONBody) {
		return
	}
	ctrl, ok := s.controller(w, ri, true)
	if !ok {
		return
	}

	accepted := ctrl.Submit(req.Message)
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": accepted})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	ri, ok := s.apiIdentity(w, r)
	if !ok {
		return
	}
	id := ri.manager.Reset()

	writeJSONOK(w, map[string]string{
		"session": id,
		"url":     s.canonicalURL(&pageURL, ri, false),
	})
}

func (s *Server) handlePreset(w http.ResponseWriter, r *http.Request) {
	ri, ok := s.apiIdentity(w, r)
	if !ok {
		return
	}
	ctrl, ok := s.controller(w, ri, true)
	if !ok {
		return
	}

	presetID := r.PathValue("id")
	if err := ctrl.SelectPreset(presetID); err != nil {
		if errors.Is(err, chat.ErrUnknownPreset) {
			s.logger.Warn("Unknown preset selected", "session_id", ri.ID(), "preset", presetID)
			writeErrorJSON(w, http.StatusNotFound, "unknown_preset", "Unknown preset: "+presetID)
			return
		}
		writeErrorJSON(w, http.StatusInternalServerError, "preset_failed", err.Error())
		return
	}
	writeJSONOK(w, map[string]string{"input": ctrl.Input()})
}

type transcriptResponse struct {
	Session  string        `json:"session"`
	Degraded bool          `json:"degraded"`
	Turns    []turnView    `json:"turns"`
	Loading  bool          `json:"loading"`
	Input    string        `json:"input"`
	Presets  []chat.Preset `json:"presets"`
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	ri, ok := s.apiIdentity(w, r)
	if !ok {
		return
	}
	ctrl, ok := s.controller(w, ri, true)
	if !ok {
		return
	}
	writeJSONOK(w, s.snapshot(ri, ctrl))
}

func (s *Server) snapshot(ri *requestIdentity, ctrl *chat.Controller) transcriptResponse {
	return transcriptResponse{
		Session:  ri.ID(),
		Degraded: ri.Degraded(),
		Turns:    s.renderer.turns(ctrl.Transcript()),
		Loading:  ctrl.Loading(),
		Input:    ctrl.Input(),
		Presets:  ctrl.Presets(),
	}
}

// pageURL is where API clients are sent after a reset.
var pageURL = url.URL{Path: "/"}

// apiIdentity resolves the identity of an API request. When resolution
// rewrote the link the client is on a stale URL: it answers 409 with the
// canonical identifier and reports false.
func (s *Server) apiIdentity(w http.ResponseWriter, r *http.Request) (*requestIdentity, bool) {
	ri := s.resolveIdentity(w, r)
	if ri.Rewritten() {
		writeJSON(w, http.StatusConflict, map[string]string{
			"session": ri.ID(),
			"url":     s.canonicalURL(&pageURL, ri, true),
		})
		return nil, false
	}
	return ri, true
}

// controller returns the conversation for ri, answering 503 when the
// registry is full.
func (s *Server) controller(w http.ResponseWriter, ri *requestIdentity, api bool) (*chat.Controller, bool) {
	ctrl, err := s.sessions.GetOrCreate(ri.ID())
	if err == nil {
		return ctrl, true
	}

	s.logger.Warn("Cannot open conversation", "session_id", ri.ID(), "client_ip", ri.clientIP, "error", err)
	status := http.StatusInternalServerError
	if errors.Is(err, ErrTooManySessions) {
		status = http.StatusServiceUnavailable
	}
	if api {
		writeErrorJSON(w, status, "session_unavailable", err.Error())
	} else {
		http.Error(w, http.StatusText(status), status)
	}
	return nil, false
}
