package cmd

import (
	"github.com/inercia/parley/internal/backend"
	"github.com/inercia/parley/internal/chat"
	"github.com/inercia/parley/internal/config"
	"github.com/inercia/parley/internal/logging"
)

// chatSettings maps the chat and backend sections onto controller settings.
func chatSettings(c *config.Config) chat.Settings {
	settings := chat.Settings{
		Greeting:      c.Chat.Greeting,
		Apology:       c.Chat.Apology,
		Timeout:       c.Backend.Timeout,
		MaxInputChars: c.Chat.MaxInputChars,
	}
	for _, p := range c.Chat.Presets {
		settings.Presets = append(settings.Presets, chat.Preset{
			ID:    p.ID,
			Label: p.Label,
			Text:  p.Text,
		})
	}
	return settings
}

// newBackend builds the webhook client described by the backend section.
func newBackend(c *config.Config) *backend.Client {
	opts := []backend.Option{
		backend.WithTimeout(c.Backend.Timeout),
		backend.WithFieldNames(c.Backend.MessageField, c.Backend.SessionField),
		backend.WithSessionHeader(c.Backend.SessionHeader),
		backend.WithMaxResponseBytes(c.Backend.MaxResponseBytes),
		backend.WithRateLimit(c.Backend.RateLimit, c.Backend.RateBurst),
		backend.WithLogger(logging.Backend()),
	}
	for k, v := range c.Backend.Headers {
		opts = append(opts, backend.WithHeader(k, v))
	}
	return backend.New(c.Backend.URL, opts...)
}
