package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestLocalStoreUpload(t *testing.T) {
	root := t.TempDir()
	store, err := NewLocalStore(root, "https://cdn.example.com/artifacts")
	if err != nil {
		t.Fatal(err)
	}

	src := filepath.Join(t.TempDir(), "Rockets.btcpay")
	if err := os.WriteFile(src, []byte("artifact bytes"), 0644); err != nil {
		t.Fatal(err)
	}

	url, err := store.Upload(context.Background(), src, "rockets/1/Rockets.btcpay")
	if err != nil {
		t.Fatal(err)
	}
	if url != "https://cdn.example.com/artifacts/rockets/1/Rockets.btcpay" {
		t.Errorf("url = %q", url)
	}

	data, err := os.ReadFile(filepath.Join(root, "rockets", "1", "Rockets.btcpay"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "artifact bytes" {
		t.Errorf("stored bytes = %q", data)
	}
}

func TestLocalStoreRejectsPathTraversal(t *testing.T) {
	store, err := NewLocalStore(t.TempDir(), "/artifacts")
	if err != nil {
		t.Fatal(err)
	}

	src := filepath.Join(t.TempDir(), "x.btcpay")
	if err := os.WriteFile(src, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := store.Upload(context.Background(), src, "../escape.btcpay"); err == nil {
		t.Fatal("expected error for path traversal")
	}
}

func TestLocalStoreUploadMissingSource(t *testing.T) {
	store, err := NewLocalStore(t.TempDir(), "/artifacts")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Upload(context.Background(), "/nonexistent/file", "a/b"); err == nil {
		t.Fatal("expected error for missing source")
	}
}
