// Package storage abstracts artifact blob storage. The production
// deployment can sit behind any store that implements BlobStore; a
// local-directory implementation ships for single-node setups and tests.
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// BlobStore uploads a local file under a blob name and returns its
// public download URL.
type BlobStore interface {
	Upload(ctx context.Context, localPath, name string) (string, error)
}

// LocalStore stores artifacts in a directory served as static files.
type LocalStore struct {
	root    string
	baseURL string
}

// NewLocalStore creates a directory-backed blob store rooted at root.
// Returned URLs are baseURL + "/" + name.
func NewLocalStore(root, baseURL string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create artifacts dir %s: %w", root, err)
	}
	return &LocalStore{root: root, baseURL: strings.TrimSuffix(baseURL, "/")}, nil
}

// Root returns the directory artifacts are written to, for static serving.
func (s *LocalStore) Root() string {
	return s.root
}

// Upload copies the file into the store.
func (s *LocalStore) Upload(ctx context.Context, localPath, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name = filepath.ToSlash(filepath.Clean(name))
	if strings.HasPrefix(name, "..") || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("invalid blob name %q", name)
	}

	dst := filepath.Join(s.root, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", fmt.Errorf("create blob dir: %w", err)
	}

	src, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("create blob: %w", err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(dst)
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("close blob: %w", err)
	}

	return s.baseURL + "/" + name, nil
}
