package builds

import (
	"encoding/json"
	"fmt"
	"time"
)

// State is the closed set of build lifecycle states.
type State string

const (
	StateQueued        State = "queued"
	StateRunning       State = "running"
	StateWaitingUpload State = "waiting-upload"
	StateUploading     State = "uploading"
	StateUploaded      State = "uploaded"
	StateFailed        State = "failed"
	StateRemoved       State = "removed"
)

// ParseState maps a stored string onto a known state. Unknown strings are
// a data-integrity error, never silently accepted.
func ParseState(s string) (State, error) {
	switch State(s) {
	case StateQueued, StateRunning, StateWaitingUpload, StateUploading,
		StateUploaded, StateFailed, StateRemoved:
		return State(s), nil
	}
	return "", fmt.Errorf("unknown build state %q", s)
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateUploaded || s == StateFailed || s == StateRemoved
}

// FullBuildID is the composite key of one build attempt.
type FullBuildID struct {
	PluginSlug string `json:"plugin_slug"`
	BuildID    int64  `json:"build_id"`
}

func (f FullBuildID) String() string {
	return fmt.Sprintf("%s/%d", f.PluginSlug, f.BuildID)
}

// BuildInfo is structured build metadata, merged incrementally as phases
// learn fields: git details are known at trigger time, the commit after
// the container resolves the ref, the URL only after upload. Fields use
// omitempty so a partial marshal overlays cleanly onto the stored JSON.
type BuildInfo struct {
	GitRepository string `json:"gitRepository,omitempty"`
	GitRef        string `json:"gitRef,omitempty"`
	PluginDir     string `json:"pluginDir,omitempty"`
	BuildConfig   string `json:"buildConfig,omitempty"`
	GitCommit     string `json:"gitCommit,omitempty"`
	AssemblyName  string `json:"assemblyName,omitempty"`
	URL           string `json:"url,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Manifest is the plugin manifest JSON produced by a successful build.
type Manifest struct {
	Identifier       string `json:"identifier"`
	Name             string `json:"name,omitempty"`
	Version          string `json:"version"`
	BTCPayMinVersion string `json:"btcpayMinVersion,omitempty"`
	Description      string `json:"description,omitempty"`
}

// Validate checks the fields the registry depends on.
func (m *Manifest) Validate() error {
	if m.Identifier == "" {
		return fmt.Errorf("manifest missing identifier")
	}
	if m.Version == "" {
		return fmt.Errorf("manifest missing version")
	}
	return nil
}

// Build is one build attempt.
type Build struct {
	PluginSlug   string          `json:"plugin_slug"`
	ID           int64           `json:"id"`
	State        State           `json:"state"`
	BuildInfo    *BuildInfo      `json:"build_info,omitempty"`
	ManifestInfo json.RawMessage `json:"manifest_info,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// FullID returns the composite key of the build.
func (b *Build) FullID() FullBuildID {
	return FullBuildID{PluginSlug: b.PluginSlug, BuildID: b.ID}
}
