package handlers

import (
	"net/http"

	"forge/internal/version"
)

// ReleaseChecker is set from main when update checks are enabled.
var ReleaseChecker *version.Checker

// Health is a trivial liveness probe.
// GET /api/health
func Health(w http.ResponseWriter, r *http.Request) {
	JSONResponse(w, map[string]string{"status": "ok", "version": version.Current})
}

// CheckForUpdates reports whether a newer server release exists.
// GET /api/system/update-check
func CheckForUpdates(w http.ResponseWriter, r *http.Request) {
	if ReleaseChecker == nil {
		JSONError(w, "Update checks disabled", http.StatusNotFound)
		return
	}

	info, err := ReleaseChecker.Check()
	if err != nil {
		JSONError(w, err.Error(), http.StatusBadGateway)
		return
	}
	JSONResponse(w, info)
}
