package settings

import "time"

// Value types a setting may declare. Values are stored as strings and
// validated against the declared type on update.
const (
	TypeString = "string"
	TypeInt    = "int"
	TypeBool   = "bool"
	TypeJSON   = "json"
)

// Setting is one tunable server value, keyed by category and name.
// Categories mirror the subsystems they configure: builds, versions,
// notifications.
type Setting struct {
	ID          int64     `json:"id"`
	Category    string    `json:"category"`
	Key         string    `json:"key"`
	Value       string    `json:"value"`
	ValueType   string    `json:"value_type"`
	Description string    `json:"description,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SettingUpdate is the request body for changing one setting.
type SettingUpdate struct {
	Value string `json:"value"`
}

// SettingsGrouped maps category to its settings, the shape the API
// returns.
type SettingsGrouped map[string][]Setting
