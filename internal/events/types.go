package events

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	// Build lifecycle events
	BuildChanged    EventType = "build_changed"
	BuildLogUpdated EventType = "build_log_updated"

	// Registry events
	PluginCreated   EventType = "plugin_created"
	VersionUpdated  EventType = "version_updated"
	VersionReleased EventType = "version_released"
)

// Event is the payload published through the bus.
type Event struct {
	Type         EventType       `json:"type"`
	PluginSlug   string          `json:"plugin_slug,omitempty"`
	BuildID      int64           `json:"build_id,omitempty"`
	State        string          `json:"state,omitempty"`
	BuildInfo    json.RawMessage `json:"build_info,omitempty"`
	ManifestInfo json.RawMessage `json:"manifest_info,omitempty"`
	Message      string          `json:"message,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}
