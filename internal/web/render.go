package web

import (
	"fmt"
	"html/template"
	"io/fs"
	"time"

	"github.com/inercia/parley/internal/chat"
	"github.com/inercia/parley/internal/conversion"
)

// turnView is a transcript turn as the page and the event stream see it.
type turnView struct {
	ID        string        `json:"id"`
	Role      chat.Role     `json:"role"`
	Text      string        `json:"text"`
	HTML      template.HTML `json:"html"`
	CreatedAt time.Time     `json:"created_at"`
}

// pageData feeds templates/chat.html.
type pageData struct {
	SessionID     string
	Degraded      bool
	Turns         []turnView
	Loading       bool
	Input         string
	MaxInputChars int
	Presets       []chat.Preset
	// SelfURL is the canonical URL of the page; forms post back to it.
	SelfURL string
}

// renderer turns transcript turns into HTML.
type renderer struct {
	converter *conversion.Converter
	page      *template.Template
}

func newRenderer(templates fs.FS, converter *conversion.Converter) (*renderer, error) {
	page, err := template.ParseFS(templates, "templates/chat.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse page template: %w", err)
	}
	return &renderer{converter: converter, page: page}, nil
}

// turn renders one turn. Assistant text is markdown; user text is shown as
// typed.
func (rd *renderer) turn(t chat.Turn) turnView {
	var body string
	if t.Role == chat.RoleAssistant {
		body = rd.converter.ConvertToSafeHTML(t.Text)
	} else {
		body = conversion.PlainToHTML(t.Text)
	}
	return turnView{
		ID:        t.ID,
		Role:      t.Role,
		Text:      t.Text,
		HTML:      template.HTML(body),
		CreatedAt: t.CreatedAt,
	}
}

func (rd *renderer) turns(turns []chat.Turn) []turnView {
	views := make([]turnView, len(turns))
	for i, t := range turns {
		views[i] = rd.turn(t)
	}
	return views
}
