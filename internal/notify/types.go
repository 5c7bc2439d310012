package notify

import "time"

// NotificationService is a configured Shoutrrr destination.
type NotificationService struct {
	ID              int64     `json:"id"`
	Name            string    `json:"name"`
	ServiceType     string    `json:"service_type"`
	ConfigJSON      string    `json:"config_json"`
	Enabled         bool      `json:"enabled"`
	NotifyOnFailure bool      `json:"notify_on_failure"`
	NotifyOnSuccess bool      `json:"notify_on_success"`
	NotifyOnRelease bool      `json:"notify_on_release"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// EventRule controls per-event-type notification behaviour for a service.
type EventRule struct {
	ID        int64  `json:"id"`
	ServiceID int64  `json:"service_id"`
	EventType string `json:"event_type"`
	Enabled   bool   `json:"enabled"`
	Cooldown  int    `json:"cooldown_secs"` // minimum seconds between repeated alerts
}

// NotificationRecord is a row from notification_history.
type NotificationRecord struct {
	ID           int64     `json:"id"`
	SettingID    int64     `json:"setting_id"`
	EventType    string    `json:"event_type"`
	PluginSlug   string    `json:"plugin_slug"`
	BuildID      int64     `json:"build_id,omitempty"`
	Message      string    `json:"message"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	SentAt       time.Time `json:"sent_at,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
