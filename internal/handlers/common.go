package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"forge/internal/auth"
	"forge/internal/builds"
	"forge/internal/events"
	"forge/internal/models"
	"forge/internal/notify"
	"forge/internal/plugins"
	"forge/internal/versions"
)

// Package-level wiring, set once from main before the routes are registered.
var (
	Config   models.Config
	Bus      *events.Bus
	Plugins  *plugins.Store
	Versions *versions.Store
	Builds   *builds.Store
	Orch     *builds.Orchestrator

	// NotifySender enables test-fire of notification services.
	NotifySender notify.Sender
)

// JSONResponse sends a JSON response
func JSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("⚠️  Failed to encode JSON response: %v", err)
	}
}

// JSONError sends a JSON error response
func JSONError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// parseID extracts an integer path value.
func parseID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(r.PathValue(name), 10, 64)
}

// requireOwnership checks that the request's session may act on the
// plugin. Admins may act on any plugin. With auth disabled everything is
// permitted. Writes the error response itself when denied.
func requireOwnership(w http.ResponseWriter, r *http.Request, slug string) bool {
	if !Config.AuthEnabled {
		return true
	}

	session := auth.SessionFromContext(r)
	if session == nil {
		session = auth.SessionFromRequest(r)
	}
	if session == nil {
		JSONError(w, "Unauthorized", http.StatusUnauthorized)
		return false
	}
	if session.IsAdmin {
		return true
	}

	owns, err := Plugins.UserOwnsPlugin(session.UserID, slug)
	if err != nil {
		log.Printf("❌ Ownership check for %s: %v", slug, err)
		JSONError(w, "Internal error", http.StatusInternalServerError)
		return false
	}
	if !owns {
		JSONError(w, "You do not own this plugin", http.StatusForbidden)
		return false
	}
	return true
}
