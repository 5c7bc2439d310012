package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"forge/internal/auth"
	"forge/internal/events"
)

// CreatePlugin registers a new plugin slug.
// POST /api/plugins
func CreatePlugin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Slug        string `json:"slug"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	plugin, err := Plugins.Create(req.Slug, req.Description)
	if err != nil {
		if strings.Contains(err.Error(), "already exists") {
			JSONError(w, "Plugin slug already taken", http.StatusConflict)
			return
		}
		JSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	// The creating user becomes the primary owner
	if session := auth.SessionFromContext(r); session != nil {
		if err := Plugins.AddOwner(session.UserID, plugin.Slug, true); err != nil {
			log.Printf("⚠️  Could not record owner for %s: %v", plugin.Slug, err)
		}
	}

	Bus.Publish(events.Event{
		Type:       events.PluginCreated,
		PluginSlug: plugin.Slug,
	})

	log.Printf("🧩 Plugin created: %s", plugin.Slug)
	JSONResponse(w, plugin)
}

// ListPlugins returns publicly listed plugins. Authenticated admins can
// request everything with ?all=true.
// GET /api/plugins
func ListPlugins(w http.ResponseWriter, r *http.Request) {
	publicOnly := true
	if r.URL.Query().Get("all") == "true" {
		if session := auth.SessionFromRequest(r); session != nil && session.IsAdmin {
			publicOnly = false
		}
	}

	list, err := Plugins.List(publicOnly)
	if err != nil {
		log.Printf("❌ List plugins: %v", err)
		JSONError(w, "Failed to list plugins", http.StatusInternalServerError)
		return
	}
	JSONResponse(w, list)
}

// GetPlugin returns one plugin with its versions.
// GET /api/plugins/{slug}
func GetPlugin(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")

	plugin, err := Plugins.Get(slug)
	if err != nil {
		log.Printf("❌ Get plugin %s: %v", slug, err)
		JSONError(w, "Failed to get plugin", http.StatusInternalServerError)
		return
	}
	if plugin == nil {
		JSONError(w, "Plugin not found", http.StatusNotFound)
		return
	}

	versionList, err := Versions.List(slug)
	if err != nil {
		log.Printf("❌ List versions for %s: %v", slug, err)
		JSONError(w, "Failed to list versions", http.StatusInternalServerError)
		return
	}

	JSONResponse(w, map[string]interface{}{
		"plugin":   plugin,
		"versions": versionList,
	})
}

// SetPluginVisibility changes a plugin's listing visibility.
// PUT /api/plugins/{slug}/visibility
func SetPluginVisibility(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")
	if !requireOwnership(w, r, slug) {
		return
	}

	var req struct {
		Visibility string `json:"visibility"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if err := Plugins.SetVisibility(slug, req.Visibility); err != nil {
		JSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	JSONResponse(w, map[string]string{"status": "updated", "visibility": req.Visibility})
}

// DeletePlugin removes a plugin and everything attached to it.
// DELETE /api/plugins/{slug}
func DeletePlugin(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")

	session := auth.SessionFromContext(r)
	if Config.AuthEnabled && (session == nil || !session.IsAdmin) {
		JSONError(w, "Admin access required", http.StatusForbidden)
		return
	}

	if err := Plugins.Delete(slug); err != nil {
		JSONError(w, err.Error(), http.StatusNotFound)
		return
	}

	log.Printf("🗑️  Plugin deleted: %s", slug)
	JSONResponse(w, map[string]string{"status": "deleted"})
}
