package versions

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"forge/internal/db"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	d, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.Exec(db.Schema()); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Exec(`INSERT INTO plugins (slug) VALUES ('rockets')`); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestSetVersionBuildInsert(t *testing.T) {
	store := NewStore(setupTestDB(t))

	ok, err := store.SetVersionBuild("rockets", "1.0.0", 1, "2.2.1", true)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("insert should succeed")
	}

	v, err := store.Get("rockets", "1.0.0")
	if err != nil {
		t.Fatal(err)
	}
	if v == nil {
		t.Fatal("expected version row")
	}
	if v.BuildID != 1 || !v.PreRelease || v.BTCPayMinVersion != "2.2.1" {
		t.Errorf("got %+v", v)
	}
}

func TestSetVersionBuildRejectsInvalidSemver(t *testing.T) {
	store := NewStore(setupTestDB(t))
	if _, err := store.SetVersionBuild("rockets", "not-a-version", 1, "", true); err == nil {
		t.Fatal("expected semver error")
	}
}

func TestSetVersionBuildIdempotentNoOp(t *testing.T) {
	store := NewStore(setupTestDB(t))
	store.SetVersionBuild("rockets", "1.0.0", 1, "2.0.0", true)

	// Identical arguments: the second call changes nothing and reports it.
	ok, err := store.SetVersionBuild("rockets", "1.0.0", 1, "2.0.0", true)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("identical rewrite should be rejected as a no-op")
	}

	v, _ := store.Get("rockets", "1.0.0")
	if v.BuildID != 1 || v.BTCPayMinVersion != "2.0.0" || !v.PreRelease {
		t.Errorf("row changed: %+v", v)
	}
}

func TestSetVersionBuildUpdatesPreRelease(t *testing.T) {
	store := NewStore(setupTestDB(t))
	store.SetVersionBuild("rockets", "1.0.0", 1, "", true)

	// A later build may replace a pre-release version in place.
	ok, err := store.SetVersionBuild("rockets", "1.0.0", 2, "", true)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("replacing a pre-release build should succeed")
	}
	v, _ := store.Get("rockets", "1.0.0")
	if v.BuildID != 2 {
		t.Errorf("build id = %d, want 2", v.BuildID)
	}
}

func TestReleasedVersionIsImmutable(t *testing.T) {
	store := NewStore(setupTestDB(t))
	store.SetVersionBuild("rockets", "1.0.0", 1, "", true)

	ok, err := store.UpdateReleaseStatus("rockets", "1.0.0", CommandRelease, "")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("release should succeed")
	}

	// Released rows reject every SetVersionBuild write.
	ok, err = store.SetVersionBuild("rockets", "1.0.0", 9, "", true)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("released version must not be overwritten")
	}
	v, _ := store.Get("rockets", "1.0.0")
	if v.BuildID != 1 || v.PreRelease {
		t.Errorf("row changed: %+v", v)
	}

	// Until an explicit unrelease restores pre-release status.
	ok, err = store.UpdateReleaseStatus("rockets", "1.0.0", CommandUnrelease, "")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("unrelease should succeed")
	}
	ok, err = store.SetVersionBuild("rockets", "1.0.0", 9, "", true)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("unreleased version should accept a new build")
	}
}

func TestReleaseCommands(t *testing.T) {
	store := NewStore(setupTestDB(t))
	store.SetVersionBuild("rockets", "1.0.0", 1, "", true)

	// Releasing an already-released version is a no-op.
	store.UpdateReleaseStatus("rockets", "1.0.0", CommandRelease, "")
	ok, err := store.UpdateReleaseStatus("rockets", "1.0.0", CommandRelease, "")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("double release should report false")
	}

	// Signing sets the proof and implies released.
	store.UpdateReleaseStatus("rockets", "1.0.0", CommandUnrelease, "")
	ok, err = store.UpdateReleaseStatus("rockets", "1.0.0", CommandSignRelease, "sig-proof-abc")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("sign_release should succeed")
	}
	v, _ := store.Get("rockets", "1.0.0")
	if v.PreRelease || v.SignatureProof != "sig-proof-abc" {
		t.Errorf("got %+v", v)
	}

	// Unrelease clears the signature.
	store.UpdateReleaseStatus("rockets", "1.0.0", CommandUnrelease, "")
	v, _ = store.Get("rockets", "1.0.0")
	if !v.PreRelease || v.SignatureProof != "" {
		t.Errorf("got %+v", v)
	}

	// Signing without a proof is an error.
	if _, err := store.UpdateReleaseStatus("rockets", "1.0.0", CommandSignRelease, ""); err == nil {
		t.Error("expected error for empty signature proof")
	}

	// Unknown commands are rejected.
	if _, err := store.UpdateReleaseStatus("rockets", "1.0.0", "promote", ""); err == nil {
		t.Error("expected error for unknown command")
	}
}

func TestVersionNormalization(t *testing.T) {
	store := NewStore(setupTestDB(t))
	store.SetVersionBuild("rockets", "v1.2.0", 1, "", true)

	// "v1.2.0" and "1.2.0" are the same row.
	v, err := store.Get("rockets", "1.2.0")
	if err != nil {
		t.Fatal(err)
	}
	if v == nil {
		t.Fatal("expected normalized version to resolve")
	}
}

func TestListOrdersBySemverDescending(t *testing.T) {
	store := NewStore(setupTestDB(t))
	store.SetVersionBuild("rockets", "1.2.0", 1, "", true)
	store.SetVersionBuild("rockets", "1.10.0", 2, "", true)
	store.SetVersionBuild("rockets", "0.9.1", 3, "", true)

	list, err := store.List("rockets")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"1.10.0", "1.2.0", "0.9.1"}
	if len(list) != len(want) {
		t.Fatalf("got %d versions", len(list))
	}
	for i, w := range want {
		if list[i].Version != w {
			t.Errorf("list[%d] = %s, want %s", i, list[i].Version, w)
		}
	}
}

func TestRemoveVersion(t *testing.T) {
	store := NewStore(setupTestDB(t))
	store.SetVersionBuild("rockets", "1.0.0", 1, "", true)

	ok, err := store.Remove("rockets", "1.0.0")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("remove should succeed")
	}
	v, _ := store.Get("rockets", "1.0.0")
	if v != nil {
		t.Errorf("expected row gone, got %+v", v)
	}

	ok, _ = store.Remove("rockets", "1.0.0")
	if ok {
		t.Error("removing a missing version should report false")
	}
}
