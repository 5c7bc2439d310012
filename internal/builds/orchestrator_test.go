package builds

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"forge/internal/events"
	"forge/internal/plugins"
	"forge/internal/storage"
	"forge/internal/versions"
)

// The fake build tool reads the identifier and version to declare from
// BUILD_CONFIG, mirroring how the real container derives them from the
// checked-out source.
const builderScript = `#!/bin/sh
vol="$1"
set -- $BUILD_CONFIG
id="${1:-Test.Plugin}"
ver="${2:-1.0.0}"
echo "cloning $GIT_REPO at $GIT_REF"
printf '{"assemblyName":"%s","gitCommit":"abc1234"}' "$id" > "$vol/build-env.json"
printf '{"identifier":"%s","version":"%s","btcpayMinVersion":"2.0.0"}' "$id" "$ver" > "$vol/$id.btcpay.json"
echo "artifact bytes" > "$vol/$id.btcpay"
`

const failingScript = `#!/bin/sh
echo "something went wrong" >&2
exit 3
`

type testEnv struct {
	db       *sql.DB
	store    *Store
	plugins  *plugins.Store
	versions *versions.Store
	bus      *events.Bus
	orch     *Orchestrator
	volumes  string
	shutdown context.CancelFunc
}

func newTestEnv(t *testing.T, script string, maxConcurrent int) *testEnv {
	t.Helper()
	d := setupTestDB(t)

	dir := t.TempDir()
	builder := filepath.Join(dir, "fake-builder.sh")
	if err := os.WriteFile(builder, []byte(script), 0755); err != nil {
		t.Fatal(err)
	}

	blob, err := storage.NewLocalStore(filepath.Join(dir, "artifacts"), "https://cdn.example.com/artifacts")
	if err != nil {
		t.Fatal(err)
	}

	bus := events.NewBus()
	store := NewStore(d)
	capture := NewLogCapture(d, bus)
	t.Cleanup(capture.Close)
	pluginStore := plugins.NewStore(d)
	versionStore := versions.NewStore(d)
	volumes := filepath.Join(dir, "volumes")

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	orch := NewOrchestrator(ctx, store, capture, pluginStore, versionStore, blob, bus,
		builder, nil, volumes, maxConcurrent)

	return &testEnv{
		db:       d,
		store:    store,
		plugins:  pluginStore,
		versions: versionStore,
		bus:      bus,
		orch:     orch,
		volumes:  volumes,
		shutdown: cancel,
	}
}

func (env *testEnv) waitForTerminal(t *testing.T, fid FullBuildID) *Build {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		b, err := env.store.Get(fid)
		if err != nil {
			t.Fatal(err)
		}
		if b != nil && b.State.Terminal() {
			return b
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("build %s never reached a terminal state", fid)
	return nil
}

func TestBuildEndToEnd(t *testing.T) {
	env := newTestEnv(t, builderScript, 2)
	env.plugins.Create("rockets", "")

	fid, err := env.orch.Trigger("rockets", BuildRequest{
		GitRepository: "https://example.com/rockets.git",
		GitRef:        "v1.0.0",
		PluginDir:     "src/Rockets",
		BuildConfig:   "Rockets.Plugin 1.0.0",
	})
	if err != nil {
		t.Fatal(err)
	}
	if fid.BuildID != 1 {
		t.Errorf("build id = %d, want 1", fid.BuildID)
	}

	b := env.waitForTerminal(t, fid)
	if b.State != StateUploaded {
		t.Fatalf("state = %s (error %q), want uploaded", b.State, b.BuildInfo.Error)
	}
	if b.BuildInfo.URL == "" {
		t.Error("missing download URL")
	}
	if b.BuildInfo.GitCommit != "abc1234" {
		t.Errorf("gitCommit = %q", b.BuildInfo.GitCommit)
	}
	if b.BuildInfo.GitRepository != "https://example.com/rockets.git" {
		t.Errorf("early build info lost: %+v", b.BuildInfo)
	}
	if len(b.ManifestInfo) == 0 {
		t.Error("missing manifest info")
	}

	// The successful build registered itself as a pre-release version.
	v, err := env.versions.Get("rockets", "1.0.0")
	if err != nil {
		t.Fatal(err)
	}
	if v == nil {
		t.Fatal("expected registered version")
	}
	if v.BuildID != fid.BuildID || !v.PreRelease {
		t.Errorf("version = %+v", v)
	}

	// Captured container output is queryable.
	deadline := time.Now().Add(5 * time.Second)
	for {
		lines, _ := env.store.Logs(fid)
		if len(lines) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no build logs captured")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestBuildFailureRecordsError(t *testing.T) {
	env := newTestEnv(t, failingScript, 2)
	env.plugins.Create("rockets", "")

	fid, err := env.orch.Trigger("rockets", BuildRequest{GitRepository: "https://example.com/r.git"})
	if err != nil {
		t.Fatal(err)
	}

	b := env.waitForTerminal(t, fid)
	if b.State != StateFailed {
		t.Fatalf("state = %s, want failed", b.State)
	}
	if b.BuildInfo.Error == "" {
		t.Error("missing error message")
	}
	// Fields merged before the failure survive it.
	if b.BuildInfo.GitRepository != "https://example.com/r.git" {
		t.Errorf("build info lost: %+v", b.BuildInfo)
	}

	// No version was registered.
	list, _ := env.versions.List("rockets")
	if len(list) != 0 {
		t.Errorf("unexpected versions: %+v", list)
	}
}

func TestBuildIdentifierHijackDenied(t *testing.T) {
	env := newTestEnv(t, builderScript, 2)
	env.plugins.Create("slug-a", "")
	env.plugins.Create("slug-b", "")

	// Slug A builds first and claims the identifier.
	fidA, err := env.orch.Trigger("slug-a", BuildRequest{
		GitRepository: "https://example.com/a.git",
		BuildConfig:   "Foo.Bar 1.0.0",
	})
	if err != nil {
		t.Fatal(err)
	}
	if b := env.waitForTerminal(t, fidA); b.State != StateUploaded {
		t.Fatalf("slug-a state = %s", b.State)
	}

	// Slug B's manifest declares the same identifier. The build succeeds
	// but no version is registered under slug-b.
	fidB, err := env.orch.Trigger("slug-b", BuildRequest{
		GitRepository: "https://example.com/b.git",
		BuildConfig:   "Foo.Bar 2.0.0",
	})
	if err != nil {
		t.Fatal(err)
	}
	if b := env.waitForTerminal(t, fidB); b.State != StateUploaded {
		t.Fatalf("slug-b state = %s", b.State)
	}

	listB, _ := env.versions.List("slug-b")
	if len(listB) != 0 {
		t.Errorf("slug-b must have no versions, got %+v", listB)
	}

	owner, err := env.plugins.GetByIdentifier("Foo.Bar")
	if err != nil {
		t.Fatal(err)
	}
	if owner == nil || owner.Slug != "slug-a" {
		t.Errorf("identifier owner = %+v, want slug-a", owner)
	}
}

func TestBuildInvalidManifestFails(t *testing.T) {
	script := `#!/bin/sh
vol="$1"
printf '{"assemblyName":"Broken"}' > "$vol/build-env.json"
printf 'not json at all' > "$vol/Broken.btcpay.json"
`
	env := newTestEnv(t, script, 2)
	env.plugins.Create("rockets", "")

	fid, _ := env.orch.Trigger("rockets", BuildRequest{GitRepository: "https://example.com/r.git"})
	b := env.waitForTerminal(t, fid)
	if b.State != StateFailed {
		t.Fatalf("state = %s, want failed", b.State)
	}
}

func TestConcurrencyGateBoundsRunningBuilds(t *testing.T) {
	// The build tool blocks until a flag file appears, holding its permit.
	script := `#!/bin/sh
vol="$1"
dir=$(dirname "$vol")
while [ ! -f "$dir/release" ]; do sleep 0.05; done
id="Gated.Plugin"
printf '{"assemblyName":"%s"}' "$id" > "$vol/build-env.json"
printf '{"identifier":"%s","version":"1.0.0"}' "$id" > "$vol/$id.btcpay.json"
echo "bytes" > "$vol/$id.btcpay"
`
	env := newTestEnv(t, script, 1)
	env.plugins.Create("rockets", "")

	first, err := env.orch.Trigger("rockets", BuildRequest{GitRepository: "https://example.com/r.git"})
	if err != nil {
		t.Fatal(err)
	}

	// Wait until the first build holds the permit.
	deadline := time.Now().Add(10 * time.Second)
	for {
		b, _ := env.store.Get(first)
		if b != nil && b.State == StateRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first build never started running")
		}
		time.Sleep(20 * time.Millisecond)
	}

	second, err := env.orch.Trigger("rockets", BuildRequest{GitRepository: "https://example.com/r.git"})
	if err != nil {
		t.Fatal(err)
	}

	// The second build waits on the gate, observably still queued.
	time.Sleep(300 * time.Millisecond)
	b, _ := env.store.Get(second)
	if b.State != StateQueued {
		t.Fatalf("second build state = %s, want queued while gate is held", b.State)
	}

	// Release the gate; both builds run to completion.
	if err := os.WriteFile(filepath.Join(env.volumes, "release"), nil, 0644); err != nil {
		t.Fatal(err)
	}
	if b := env.waitForTerminal(t, first); b.State != StateUploaded {
		t.Errorf("first build state = %s", b.State)
	}
	if b := env.waitForTerminal(t, second); b.State != StateUploaded {
		t.Errorf("second build state = %s", b.State)
	}
}

func TestShutdownCancelsRunningBuild(t *testing.T) {
	// The build tool never finishes on its own; only cancellation of the
	// server lifetime context can end it.
	script := `#!/bin/sh
echo "building forever"
sleep 300
`
	env := newTestEnv(t, script, 2)
	env.plugins.Create("rockets", "")

	fid, err := env.orch.Trigger("rockets", BuildRequest{GitRepository: "https://example.com/r.git"})
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		b, _ := env.store.Get(fid)
		if b != nil && b.State == StateRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("build never started running")
		}
		time.Sleep(20 * time.Millisecond)
	}

	env.shutdown()

	b := env.waitForTerminal(t, fid)
	if b.State != StateFailed {
		t.Fatalf("state = %s, want failed after shutdown", b.State)
	}
	if b.BuildInfo.Error == "" {
		t.Error("missing error message on cancelled build")
	}
}

func TestTriggerUnknownPlugin(t *testing.T) {
	env := newTestEnv(t, builderScript, 2)
	if _, err := env.orch.Trigger("ghost", BuildRequest{GitRepository: "https://example.com/r.git"}); err == nil {
		t.Fatal("expected error for unknown plugin")
	}
}

func TestTriggerRequiresRepository(t *testing.T) {
	env := newTestEnv(t, builderScript, 2)
	env.plugins.Create("rockets", "")
	if _, err := env.orch.Trigger("rockets", BuildRequest{}); err == nil {
		t.Fatal("expected error for missing repository")
	}
}
