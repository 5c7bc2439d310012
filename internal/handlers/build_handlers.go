package handlers

import (
	"encoding/json"
	"log"
	"net/http"

	"forge/internal/builds"
	"forge/internal/db"
	"forge/internal/settings"
)

// TriggerBuild queues a build for a plugin and returns its full build id
// without waiting for the build to run.
// POST /api/plugins/{slug}/builds
func TriggerBuild(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")
	if !requireOwnership(w, r, slug) {
		return
	}

	var req builds.BuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.GitRef == "" {
		req.GitRef = settings.GetStringSettingWithDefault(db.DB, "builds", "default_git_ref", "master")
	}

	fid, err := Orch.Trigger(slug, req)
	if err != nil {
		JSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	log.Printf("🏗️  Build queued: %s", fid)
	JSONResponse(w, map[string]interface{}{
		"plugin_slug": fid.PluginSlug,
		"build_id":    fid.BuildID,
	})
}

// ListBuilds returns recent builds for a plugin, newest first.
// GET /api/plugins/{slug}/builds
func ListBuilds(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")

	list, err := Builds.List(slug, 50)
	if err != nil {
		log.Printf("❌ List builds for %s: %v", slug, err)
		JSONError(w, "Failed to list builds", http.StatusInternalServerError)
		return
	}
	JSONResponse(w, list)
}

// GetBuild returns one build snapshot.
// GET /api/plugins/{slug}/builds/{id}
func GetBuild(w http.ResponseWriter, r *http.Request) {
	fid, ok := buildID(w, r)
	if !ok {
		return
	}

	b, err := Builds.Get(fid)
	if err != nil {
		log.Printf("❌ Get build %s: %v", fid, err)
		JSONError(w, "Failed to get build", http.StatusInternalServerError)
		return
	}
	if b == nil {
		JSONError(w, "Build not found", http.StatusNotFound)
		return
	}
	JSONResponse(w, b)
}

// GetBuildLogs returns the captured output lines for a build, in order.
// GET /api/plugins/{slug}/builds/{id}/logs
func GetBuildLogs(w http.ResponseWriter, r *http.Request) {
	fid, ok := buildID(w, r)
	if !ok {
		return
	}

	lines, err := Builds.Logs(fid)
	if err != nil {
		log.Printf("❌ Get logs for %s: %v", fid, err)
		JSONError(w, "Failed to get logs", http.StatusInternalServerError)
		return
	}
	if lines == nil {
		lines = []string{}
	}
	JSONResponse(w, map[string]interface{}{
		"plugin_slug": fid.PluginSlug,
		"build_id":    fid.BuildID,
		"logs":        lines,
	})
}

func buildID(w http.ResponseWriter, r *http.Request) (builds.FullBuildID, bool) {
	id, err := parseID(r, "id")
	if err != nil {
		JSONError(w, "Invalid build ID", http.StatusBadRequest)
		return builds.FullBuildID{}, false
	}
	return builds.FullBuildID{PluginSlug: r.PathValue("slug"), BuildID: id}, true
}
