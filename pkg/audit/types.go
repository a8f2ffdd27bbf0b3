package audit

import "context"

// Levels mirror the severity names persisted by the event log.
const (
	LevelInfo    = "INFO"
	LevelWarning = "WARNING"
	LevelError   = "ERROR"
)

// Entry records one system event for the persisted trail.
type Entry struct {
	EntryID   string `json:"entry_id"`
	Timestamp int64  `json:"timestamp"`
	Level     string `json:"level"`
	Component string `json:"component"` // "fingerprinting", "challenge", "sandbox", "verification", "tasks"
	Message   string `json:"message"`
	Metadata  string `json:"metadata"` // JSON object, may be empty
}

// Logger writes system events to storage.
type Logger interface {
	Log(ctx context.Context, entry *Entry) error
	LogAsync(entry *Entry)
	Close() error
}

// Filter narrows QueryEntries. Zero values disable each criterion.
type Filter struct {
	Level     string
	Component string
	Search    string
	Limit     int
}
