// Package builds drives plugin builds: the persisted build records, the
// buffered log capture and the orchestrator state machine.
package builds

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"
)

// Store persists build records and their per-plugin id counters.
type Store struct {
	db *sql.DB
}

// NewStore creates a build record store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Allocate increments the plugin's build counter and inserts the new build
// row in the queued state in one transaction, so the counter and the row
// can never diverge. Build ids are strictly increasing per plugin and are
// never reused, even for failed builds.
func (s *Store) Allocate(slug string, info BuildInfo) (FullBuildID, error) {
	infoJSON, err := json.Marshal(info)
	if err != nil {
		return FullBuildID{}, fmt.Errorf("marshal build info: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return FullBuildID{}, fmt.Errorf("begin allocate: %w", err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRow(
		`INSERT INTO builds_ids (plugin_slug, curr_id) VALUES (?, 1)
		 ON CONFLICT(plugin_slug) DO UPDATE SET curr_id = curr_id + 1
		 RETURNING curr_id`,
		slug,
	).Scan(&id)
	if err != nil {
		return FullBuildID{}, fmt.Errorf("allocate build id for %s: %w", slug, err)
	}

	_, err = tx.Exec(
		`INSERT INTO builds (plugin_slug, id, state, build_info) VALUES (?, ?, ?, ?)`,
		slug, id, string(StateQueued), string(infoJSON),
	)
	if err != nil {
		return FullBuildID{}, fmt.Errorf("insert build %s/%d: %w", slug, id, err)
	}

	if err := tx.Commit(); err != nil {
		return FullBuildID{}, fmt.Errorf("commit allocate: %w", err)
	}
	return FullBuildID{PluginSlug: slug, BuildID: id}, nil
}

// Update overwrites the build's state, merges the partial build info onto
// the stored JSON (existing fields survive, new fields overlay) and, when
// provided, replaces the manifest. The merge happens inside sqlite via
// json_patch so concurrent readers never observe a half-written document.
func (s *Store) Update(fid FullBuildID, state State, info *BuildInfo, manifest json.RawMessage) error {
	overlay := []byte("{}")
	if info != nil {
		var err error
		if overlay, err = json.Marshal(info); err != nil {
			return fmt.Errorf("marshal build info: %w", err)
		}
	}

	var manifestArg any
	if len(manifest) > 0 {
		manifestArg = string(manifest)
	}

	res, err := s.db.Exec(
		`UPDATE builds
		 SET state = ?,
		     build_info = json_patch(COALESCE(build_info, '{}'), ?),
		     manifest_info = COALESCE(?, manifest_info)
		 WHERE plugin_slug = ? AND id = ?`,
		string(state), string(overlay), manifestArg, fid.PluginSlug, fid.BuildID,
	)
	if err != nil {
		return fmt.Errorf("update build %s: %w", fid, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("build %s not found", fid)
	}
	return nil
}

// Get returns a read-only snapshot of the build, or nil if absent.
func (s *Store) Get(fid FullBuildID) (*Build, error) {
	row := s.db.QueryRow(
		`SELECT plugin_slug, id, state, COALESCE(build_info, '{}'), COALESCE(manifest_info, ''), created_at
		 FROM builds WHERE plugin_slug = ? AND id = ?`,
		fid.PluginSlug, fid.BuildID,
	)
	b, err := scanBuild(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// List returns a plugin's builds, newest first.
func (s *Store) List(slug string, limit int) ([]Build, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT plugin_slug, id, state, COALESCE(build_info, '{}'), COALESCE(manifest_info, ''), created_at
		 FROM builds WHERE plugin_slug = ? ORDER BY id DESC LIMIT ?`,
		slug, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list builds: %w", err)
	}
	defer rows.Close()

	var out []Build
	for rows.Next() {
		b, err := scanBuild(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// RecoverStale sweeps builds left in a non-terminal state by a previous
// process lifetime to failed. No orchestrator survives a restart to resume
// them; without the sweep they would appear stuck forever.
func (s *Store) RecoverStale() (int, error) {
	rows, err := s.db.Query(
		`SELECT plugin_slug, id FROM builds WHERE state IN (?, ?, ?, ?)`,
		string(StateQueued), string(StateRunning), string(StateWaitingUpload), string(StateUploading),
	)
	if err != nil {
		return 0, fmt.Errorf("find stale builds: %w", err)
	}
	defer rows.Close()

	var stale []FullBuildID
	for rows.Next() {
		var fid FullBuildID
		if err := rows.Scan(&fid.PluginSlug, &fid.BuildID); err != nil {
			return 0, err
		}
		stale = append(stale, fid)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, fid := range stale {
		err := s.Update(fid, StateFailed, &BuildInfo{Error: "server restarted during build"}, nil)
		if err != nil {
			return 0, err
		}
		log.Printf("builds: swept stale build %s to failed", fid)
	}
	return len(stale), nil
}

// Logs returns the captured output batches for a build, oldest first.
func (s *Store) Logs(fid FullBuildID) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT logs FROM builds_logs WHERE plugin_slug = ? AND build_id = ? ORDER BY id`,
		fid.PluginSlug, fid.BuildID,
	)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, err
		}
		out = append(out, line)
	}
	return out, rows.Err()
}

func scanBuild(scan func(dest ...any) error) (*Build, error) {
	var b Build
	var stateStr, infoJSON, manifestJSON, createdAt string
	if err := scan(&b.PluginSlug, &b.ID, &stateStr, &infoJSON, &manifestJSON, &createdAt); err != nil {
		return nil, err
	}

	state, err := ParseState(stateStr)
	if err != nil {
		return nil, fmt.Errorf("build %s/%d: %w", b.PluginSlug, b.ID, err)
	}
	b.State = state

	var info BuildInfo
	if err := json.Unmarshal([]byte(infoJSON), &info); err != nil {
		return nil, fmt.Errorf("build %s/%d info: %w", b.PluginSlug, b.ID, err)
	}
	b.BuildInfo = &info

	if manifestJSON != "" {
		b.ManifestInfo = json.RawMessage(manifestJSON)
	}
	b.CreatedAt, _ = time.Parse("2006-01-02 15:04:05", createdAt)
	return &b, nil
}
