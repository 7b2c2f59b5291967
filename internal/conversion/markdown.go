// Package conversion renders chat turns to HTML.
//
// Assistant replies are markdown and go through goldmark, then a bluemonday
// policy. User turns are plain text and are only escaped.
package conversion

import (
	"bytes"
	"encoding/base64"
	"html"
	"net/url"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting/v2"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	gmhtml "github.com/yuin/goldmark/renderer/html"
	"go.abhg.dev/goldmark/mermaid"
)

// DefaultStyle is the chroma style used by DefaultConverter.
const DefaultStyle = "monokai"

// Converter turns markdown into HTML.
type Converter struct {
	extensions []goldmark.Extender
	sanitizer  *bluemonday.Policy
	md         goldmark.Markdown
}

// Option configures the Converter.
type Option func(*Converter)

// WithHighlighting colours fenced code blocks with the given chroma style.
func WithHighlighting(style string) Option {
	return func(c *Converter) {
		c.extensions = append(c.extensions, highlighting.NewHighlighting(
			highlighting.WithStyle(style),
		))
	}
}

// WithMermaid turns ```mermaid blocks into <pre class="mermaid"> elements
// that the page renders client side.
func WithMermaid() Option {
	return func(c *Converter) {
		c.extensions = append(c.extensions, &mermaid.Extender{
			RenderMode: mermaid.RenderModeClient,
			NoScript:   true,
		})
	}
}

// WithSanitization filters the rendered HTML through policy.
func WithSanitization(policy *bluemonday.Policy) Option {
	return func(c *Converter) {
		c.sanitizer = policy
	}
}

// NewConverter creates a Converter. Without options it renders GitHub
// flavoured markdown with hard line breaks and no sanitization.
func NewConverter(opts ...Option) *Converter {
	c := &Converter{
		extensions: []goldmark.Extender{extension.GFM},
	}
	for _, opt := range opts {
		opt(c)
	}

	c.md = goldmark.New(
		goldmark.WithExtensions(c.extensions...),
		goldmark.WithParserOptions(
			parser.WithAutoHeadingID(),
		),
		goldmark.WithRendererOptions(
			gmhtml.WithHardWraps(),
			gmhtml.WithXHTML(),
		),
	)
	return c
}

// DefaultConverter returns the converter used for assistant replies.
func DefaultConverter() *Converter {
	return NewConverter(
		WithMermaid(),
		WithHighlighting(DefaultStyle),
		WithSanitization(CreateSanitizer()),
	)
}

// CreateSanitizer returns a policy that keeps what rendered markdown needs.
func CreateSanitizer() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()

	// Highlighting and mermaid both rely on classes.
	p.AllowAttrs("class").Matching(bluemonday.SpaceSeparatedTokens).OnElements("code", "pre", "span", "div")
	p.AllowStyles("color", "background-color", "font-weight", "font-style", "text-decoration").Globally()

	p.AllowURLSchemeWithCustomPolicy("data", isRasterDataImage)
	p.AllowAttrs("id").Matching(bluemonday.Paragraph).OnElements("h1", "h2", "h3", "h4", "h5", "h6")

	// Links in replies open outside the chat.
	p.RequireNoFollowOnLinks(true)
	p.AddTargetBlankToFullyQualifiedLinks(true)

	return p
}

// rasterDataImage matches inline images that cannot carry script.
var rasterDataImage = regexp.MustCompile(`^image/(gif|jpeg|png|webp);base64,`)

func isRasterDataImage(u *url.URL) bool {
	prefix := rasterDataImage.FindString(u.Opaque)
	if prefix == "" {
		return false
	}
	_, err := base64.StdEncoding.DecodeString(u.Opaque[len(prefix):])
	return err == nil
}

// Convert renders markdown as HTML.
func (c *Converter) Convert(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := c.md.Convert([]byte(markdown), &buf); err != nil {
		return "", err
	}

	out := buf.String()
	if c.sanitizer != nil {
		out = c.sanitizer.Sanitize(out)
	}
	return out, nil
}

// ConvertToSafeHTML renders markdown, falling back to an escaped <pre> block
// if rendering fails.
func (c *Converter) ConvertToSafeHTML(markdown string) string {
	out, err := c.Convert(markdown)
	if err != nil {
		return "<pre>" + EscapeHTML(markdown) + "</pre>"
	}
	return out
}

// EscapeHTML escapes special HTML characters.
func EscapeHTML(s string) string {
	return html.EscapeString(s)
}

// PlainToHTML escapes text and turns its line breaks into <br/>.
func PlainToHTML(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(EscapeHTML(s), "\n", "<br/>")
}
