package handlers

import (
	"encoding/json"
	"log"
	"net/http"

	"forge/internal/db"
	"forge/internal/settings"
)

// GetSettings returns all settings grouped by category.
// GET /api/settings
func GetSettings(w http.ResponseWriter, r *http.Request) {
	grouped, err := settings.GetSettingsGrouped(db.DB)
	if err != nil {
		log.Printf("❌ Get settings: %v", err)
		JSONError(w, "Failed to load settings", http.StatusInternalServerError)
		return
	}
	JSONResponse(w, grouped)
}

// UpdateSetting changes one setting value.
// PUT /api/settings/{category}/{key}
func UpdateSetting(w http.ResponseWriter, r *http.Request) {
	category := r.PathValue("category")
	key := r.PathValue("key")

	var req settings.SettingUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if err := settings.UpdateSetting(db.DB, category, key, req.Value); err != nil {
		JSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	log.Printf("⚙️  Setting updated: %s.%s = %s", category, key, req.Value)
	JSONResponse(w, map[string]string{"status": "updated"})
}

// ResetSettings restores all settings to their defaults.
// POST /api/settings/reset
func ResetSettings(w http.ResponseWriter, r *http.Request) {
	if err := settings.ResetAllToDefaults(db.DB); err != nil {
		log.Printf("❌ Reset settings: %v", err)
		JSONError(w, "Failed to reset settings", http.StatusInternalServerError)
		return
	}
	JSONResponse(w, map[string]string{"status": "reset"})
}
