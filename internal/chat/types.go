package chat

import "time"

// Role identifies who authored a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry of the transcript.
type Turn struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Preset is a canned prompt that can be loaded into the input buffer.
type Preset struct {
	ID    string `json:"id" yaml:"id"`
	Label string `json:"label" yaml:"label"`
	Text  string `json:"text" yaml:"text"`
}

// EventType names a controller event.
type EventType string

const (
	// EventTurnAppended carries a newly appended turn.
	EventTurnAppended EventType = "turn_appended"
	// EventLoading carries the new loading flag.
	EventLoading EventType = "loading"
	// EventInput carries the new input buffer contents.
	EventInput EventType = "input"
	// EventFocus asks the view to return focus to the entry field.
	EventFocus EventType = "focus"
)

// Event is emitted to subscribers when observable state changes.
type Event struct {
	Type    EventType `json:"type"`
	Turn    *Turn     `json:"turn,omitempty"`
	Loading bool      `json:"loading"`
	Input   string    `json:"input"`
}
