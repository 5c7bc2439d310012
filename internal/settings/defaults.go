package settings

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// DefaultSettings defines the default configuration values
var DefaultSettings = []Setting{
	// Build settings
	{Category: "builds", Key: "default_git_ref", Value: "master", ValueType: TypeString, Description: "Git ref used when a build request omits one"},
	{Category: "builds", Key: "log_retention_days", Value: "30", ValueType: TypeInt, Description: "Days to keep build log lines"},
	{Category: "builds", Key: "keep_volumes", Value: "false", ValueType: TypeBool, Description: "Keep build volume directories after completion (debugging)"},

	// Version settings
	{Category: "versions", Key: "list_prereleases", Value: "true", ValueType: TypeBool, Description: "Include pre-release versions in public listings"},

	// Notification settings
	{Category: "notifications", Key: "history_limit", Value: "100", ValueType: TypeInt, Description: "Notification history rows returned by the API"},
}

// validateSettingValue validates a value against its expected type
func validateSettingValue(valueType, value string) error {
	switch valueType {
	case TypeInt:
		if _, err := strconv.Atoi(value); err != nil {
			return fmt.Errorf("value must be an integer")
		}
	case TypeBool:
		if value != "true" && value != "false" {
			return fmt.Errorf("value must be 'true' or 'false'")
		}
	case TypeJSON:
		if !json.Valid([]byte(value)) {
			return fmt.Errorf("value must be valid JSON")
		}
	}
	return nil
}
