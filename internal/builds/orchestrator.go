package builds

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"forge/internal/events"
	"forge/internal/plugins"
	"forge/internal/runner"
	"forge/internal/storage"
	"forge/internal/versions"
)

// BuildRequest carries the source parameters for one build.
type BuildRequest struct {
	GitRepository string `json:"git_repository"`
	GitRef        string `json:"git_ref"`
	PluginDir     string `json:"plugin_dir,omitempty"`
	BuildConfig   string `json:"build_config,omitempty"`
}

// buildEnv is the build-environment descriptor the container writes into
// the volume on success.
type buildEnv struct {
	AssemblyName string `json:"assemblyName"`
	GitCommit    string `json:"gitCommit,omitempty"`
}

// Orchestrator drives a build from queued through container execution to
// uploaded or failed. One shared instance per process; the semaphore
// bounds simultaneous container builds regardless of how many are queued.
type Orchestrator struct {
	store    *Store
	logs     *LogCapture
	plugins  *plugins.Store
	versions *versions.Store
	blob     storage.BlobStore
	bus      *events.Bus

	baseCtx        context.Context
	builderCommand string
	builderArgs    []string
	volumesDir     string
	sem            chan struct{}
}

// NewOrchestrator wires the orchestrator to its collaborators. ctx is the
// server lifetime: cancelling it kills in-flight container builds instead
// of orphaning them across a shutdown. maxConcurrent caps simultaneously
// running container builds.
func NewOrchestrator(
	ctx context.Context,
	store *Store,
	logs *LogCapture,
	pluginStore *plugins.Store,
	versionStore *versions.Store,
	blob storage.BlobStore,
	bus *events.Bus,
	builderCommand string,
	builderArgs []string,
	volumesDir string,
	maxConcurrent int,
) *Orchestrator {
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return &Orchestrator{
		baseCtx:        ctx,
		store:          store,
		logs:           logs,
		plugins:        pluginStore,
		versions:       versionStore,
		blob:           blob,
		bus:            bus,
		builderCommand: builderCommand,
		builderArgs:    builderArgs,
		volumesDir:     volumesDir,
		sem:            make(chan struct{}, maxConcurrent),
	}
}

// Trigger allocates a build record and detaches its execution. The caller
// gets the full build id immediately; the build itself proceeds in the
// background, its errors observed and logged rather than awaited.
func (o *Orchestrator) Trigger(slug string, req BuildRequest) (FullBuildID, error) {
	if req.GitRepository == "" {
		return FullBuildID{}, fmt.Errorf("git repository is required")
	}
	if req.GitRef == "" {
		req.GitRef = "master"
	}

	plugin, err := o.plugins.Get(slug)
	if err != nil {
		return FullBuildID{}, err
	}
	if plugin == nil {
		return FullBuildID{}, fmt.Errorf("plugin %q not found", slug)
	}

	fid, err := o.store.Allocate(slug, BuildInfo{
		GitRepository: req.GitRepository,
		GitRef:        req.GitRef,
		PluginDir:     req.PluginDir,
		BuildConfig:   req.BuildConfig,
	})
	if err != nil {
		return FullBuildID{}, err
	}
	o.publish(fid, StateQueued, nil)

	go func() {
		if err := o.execute(o.baseCtx, fid, req); err != nil {
			log.Printf("builds: %s failed: %v", fid, err)
		}
	}()

	return fid, nil
}

// execute runs the state machine for one build. Transitions are strictly
// sequential, so subscribers observe them in true chronological order for
// this build id.
func (o *Orchestrator) execute(ctx context.Context, fid FullBuildID, req BuildRequest) error {
	select {
	case o.sem <- struct{}{}:
	case <-ctx.Done():
		return o.fail(fid, "cancelled while queued", ctx.Err())
	}
	defer func() { <-o.sem }()

	volume := filepath.Join(o.volumesDir, fmt.Sprintf("%s-%d-%s", fid.PluginSlug, fid.BuildID, uuid.NewString()[:8]))
	if err := os.MkdirAll(volume, 0755); err != nil {
		return o.fail(fid, "create build volume", err)
	}

	if err := o.transition(fid, StateRunning, nil, nil); err != nil {
		return err
	}

	sink := func(line string) {
		o.logs.Append(fid.PluginSlug, fid.BuildID, line)
	}
	exitCode, err := runner.Run(ctx, runner.Spec{
		Path: o.builderCommand,
		Args: append(append([]string{}, o.builderArgs...), volume),
		Env: map[string]string{
			"GIT_REPO":     req.GitRepository,
			"GIT_REF":      req.GitRef,
			"PLUGIN_DIR":   req.PluginDir,
			"BUILD_CONFIG": req.BuildConfig,
		},
		Stdout: sink,
		Stderr: sink,
	})
	if err != nil {
		return o.fail(fid, "run build container", err)
	}
	if exitCode != 0 {
		return o.fail(fid, "", fmt.Errorf("container build failed with exit code %d", exitCode))
	}

	env, manifest, manifestRaw, err := readBuildOutput(volume)
	if err != nil {
		return o.fail(fid, "invalid plugin manifest", err)
	}

	err = o.transition(fid, StateWaitingUpload, &BuildInfo{
		GitCommit:    env.GitCommit,
		AssemblyName: env.AssemblyName,
	}, manifestRaw)
	if err != nil {
		return err
	}

	if err := o.transition(fid, StateUploading, nil, nil); err != nil {
		return err
	}

	artifact := filepath.Join(volume, env.AssemblyName+".btcpay")
	blobName := fmt.Sprintf("%s/%d/%s.btcpay", fid.PluginSlug, fid.BuildID, env.AssemblyName)
	url, err := o.blob.Upload(ctx, artifact, blobName)
	if err != nil {
		// Earlier merged fields (git metadata, commit) survive the failure.
		return o.fail(fid, "upload artifact", err)
	}

	if err := o.transition(fid, StateUploaded, &BuildInfo{URL: url}, nil); err != nil {
		return err
	}

	return o.registerVersion(fid, manifest)
}

// registerVersion binds the uploaded build to its manifest-declared
// version, provided this slug owns the manifest identifier. A denied claim
// leaves the build uploaded but unregistered; the conflict is a warning,
// not a failure.
func (o *Orchestrator) registerVersion(fid FullBuildID, manifest *Manifest) error {
	owned, err := o.plugins.EnsureIdentifierOwnership(fid.PluginSlug, manifest.Identifier)
	if err != nil {
		return fmt.Errorf("identifier ownership for %s: %w", fid, err)
	}
	if !owned {
		log.Printf("builds: %s uploaded but identifier %q belongs to another plugin, version not registered",
			fid, manifest.Identifier)
		o.bus.Publish(events.Event{
			Type:       events.BuildChanged,
			PluginSlug: fid.PluginSlug,
			BuildID:    fid.BuildID,
			State:      string(StateUploaded),
			Message:    fmt.Sprintf("identifier %q is owned by another plugin", manifest.Identifier),
		})
		return nil
	}

	// Every successful build becomes an installable pre-release; promotion
	// to a full release is a separate, explicit action.
	written, err := o.versions.SetVersionBuild(
		fid.PluginSlug, manifest.Version, fid.BuildID, manifest.BTCPayMinVersion, true)
	if err != nil {
		return fmt.Errorf("register version for %s: %w", fid, err)
	}
	if !written {
		log.Printf("builds: %s: version %s is released and was not replaced", fid, manifest.Version)
		return nil
	}

	o.bus.Publish(events.Event{
		Type:       events.VersionUpdated,
		PluginSlug: fid.PluginSlug,
		BuildID:    fid.BuildID,
		Message:    manifest.Version,
	})
	return nil
}

// transition persists the state change and publishes the updated snapshot,
// so subscribers always see a superset-consistent view of the row.
func (o *Orchestrator) transition(fid FullBuildID, state State, info *BuildInfo, manifest json.RawMessage) error {
	if err := o.store.Update(fid, state, info, manifest); err != nil {
		return err
	}
	o.publish(fid, state, manifest)
	return nil
}

func (o *Orchestrator) publish(fid FullBuildID, state State, manifest json.RawMessage) {
	e := events.Event{
		Type:       events.BuildChanged,
		PluginSlug: fid.PluginSlug,
		BuildID:    fid.BuildID,
		State:      string(state),
	}
	if b, err := o.store.Get(fid); err == nil && b != nil {
		if infoJSON, err := json.Marshal(b.BuildInfo); err == nil {
			e.BuildInfo = infoJSON
		}
		e.ManifestInfo = b.ManifestInfo
	} else if len(manifest) > 0 {
		e.ManifestInfo = manifest
	}
	o.bus.Publish(e)
}

// fail records the failed state with the error message merged into the
// build info, then returns the original error for the detached task log.
func (o *Orchestrator) fail(fid FullBuildID, step string, cause error) error {
	err := cause
	if step != "" {
		err = fmt.Errorf("%s: %w", step, cause)
	}
	if updateErr := o.transition(fid, StateFailed, &BuildInfo{Error: err.Error()}, nil); updateErr != nil {
		log.Printf("builds: %s: record failure: %v", fid, updateErr)
	}
	return err
}

// readBuildOutput loads the two files a successful container build leaves
// in the volume: the build-environment descriptor and the manifest named
// after the resolved assembly.
func readBuildOutput(volume string) (*buildEnv, *Manifest, json.RawMessage, error) {
	envRaw, err := os.ReadFile(filepath.Join(volume, "build-env.json"))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("read build-env.json: %w", err)
	}
	var env buildEnv
	if err := json.Unmarshal(envRaw, &env); err != nil {
		return nil, nil, nil, fmt.Errorf("parse build-env.json: %w", err)
	}
	if env.AssemblyName == "" {
		return nil, nil, nil, fmt.Errorf("build-env.json missing assemblyName")
	}

	manifestRaw, err := os.ReadFile(filepath.Join(volume, env.AssemblyName+".btcpay.json"))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("read manifest: %w", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(manifestRaw, &manifest); err != nil {
		return nil, nil, nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := manifest.Validate(); err != nil {
		return nil, nil, nil, err
	}
	return &env, &manifest, json.RawMessage(manifestRaw), nil
}
