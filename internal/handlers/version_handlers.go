package handlers

import (
	"encoding/json"
	"log"
	"net/http"

	"forge/internal/builds"
	"forge/internal/db"
	"forge/internal/events"
	"forge/internal/settings"
	"forge/internal/versions"
)

// ListVersions returns a plugin's versions, newest first. Pre-releases are
// included unless the admin turned the setting off; owners always see them.
// GET /api/plugins/{slug}/versions
func ListVersions(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")

	list, err := Versions.List(slug)
	if err != nil {
		log.Printf("❌ List versions for %s: %v", slug, err)
		JSONError(w, "Failed to list versions", http.StatusInternalServerError)
		return
	}

	if !settings.GetBoolSettingWithDefault(db.DB, "versions", "list_prereleases", true) {
		released := list[:0]
		for _, v := range list {
			if !v.PreRelease {
				released = append(released, v)
			}
		}
		list = released
	}
	if list == nil {
		list = []versions.Version{}
	}
	JSONResponse(w, list)
}

// VersionCommand applies a release-state command to a version.
// POST /api/plugins/{slug}/versions/{ver}/{command}
// Commands: release, unrelease, sign (sign requires a signature proof).
func VersionCommand(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")
	ver := r.PathValue("ver")
	if !requireOwnership(w, r, slug) {
		return
	}

	var command string
	switch r.PathValue("command") {
	case "release":
		command = versions.CommandRelease
	case "unrelease":
		command = versions.CommandUnrelease
	case "sign":
		command = versions.CommandSignRelease
	default:
		JSONError(w, "Unknown command", http.StatusNotFound)
		return
	}

	var proof string
	if command == versions.CommandSignRelease {
		var req struct {
			SignatureProof string `json:"signature_proof"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SignatureProof == "" {
			JSONError(w, "signature_proof is required", http.StatusBadRequest)
			return
		}
		proof = req.SignatureProof
	}

	changed, err := Versions.UpdateReleaseStatus(slug, ver, command, proof)
	if err != nil {
		JSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !changed {
		JSONError(w, "Version not found or already in the requested state", http.StatusConflict)
		return
	}

	if command != versions.CommandUnrelease {
		Bus.Publish(events.Event{
			Type:       events.VersionReleased,
			PluginSlug: slug,
			Message:    ver,
		})
	}

	log.Printf("📦 Version %s/%s: %s", slug, ver, command)
	JSONResponse(w, map[string]string{"status": command})
}

// RemoveVersion deletes a version from the registry and marks its build
// removed so the artifact no longer counts as installable.
// DELETE /api/plugins/{slug}/versions/{ver}
func RemoveVersion(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")
	ver := r.PathValue("ver")
	if !requireOwnership(w, r, slug) {
		return
	}

	existing, err := Versions.Get(slug, ver)
	if err != nil {
		JSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if existing == nil {
		JSONError(w, "Version not found", http.StatusNotFound)
		return
	}

	removed, err := Versions.Remove(slug, ver)
	if err != nil {
		log.Printf("❌ Remove version %s/%s: %v", slug, ver, err)
		JSONError(w, "Failed to remove version", http.StatusInternalServerError)
		return
	}
	if !removed {
		JSONError(w, "Version not found", http.StatusNotFound)
		return
	}

	fid := builds.FullBuildID{PluginSlug: slug, BuildID: existing.BuildID}
	if err := Builds.Update(fid, builds.StateRemoved, nil, nil); err != nil {
		log.Printf("⚠️  Could not mark build %s removed: %v", fid, err)
	} else {
		Bus.Publish(events.Event{
			Type:       events.BuildChanged,
			PluginSlug: slug,
			BuildID:    existing.BuildID,
			State:      string(builds.StateRemoved),
		})
	}

	log.Printf("🗑️  Version removed: %s/%s", slug, ver)
	JSONResponse(w, map[string]string{"status": "removed"})
}
