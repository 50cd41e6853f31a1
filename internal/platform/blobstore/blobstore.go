// Package blobstore persists report bodies outside the database. The task
// ledger keeps only a URL and digest; the bytes live here.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrBlobNotFound = errors.New("blob not found")

// Blob identifies a stored report body.
type Blob struct {
	URL    string
	Digest string // hex sha256 of the content
	Size   int64
}

// Store is the report-body storage contract. Upload names the blob after the
// owning report and the lifecycle action that produced it, so successive
// stages of one report never overwrite each other.
type Store interface {
	Upload(ctx context.Context, action string, reportID uuid.UUID, content []byte) (Blob, error)
	Download(ctx context.Context, url string) ([]byte, error)
	Delete(ctx context.Context, url string) error
}

// FileStore keeps blobs on the local filesystem under root/action/date/name.
type FileStore struct {
	root string
}

func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: create root: %w", err)
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) Upload(_ context.Context, action string, reportID uuid.UUID, content []byte) (Blob, error) {
	sum := sha256.Sum256(content)
	rel := filepath.Join(action, time.Now().UTC().Format("2006/01/02"), reportID.String())
	path := filepath.Join(s.root, rel)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Blob{}, fmt.Errorf("blobstore: create dir: %w", err)
	}
	// Write-then-rename so a crashed upload never leaves a readable partial.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return Blob{}, fmt.Errorf("blobstore: write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return Blob{}, fmt.Errorf("blobstore: rename: %w", err)
	}

	return Blob{
		URL:    "file://" + filepath.ToSlash(rel),
		Digest: hex.EncodeToString(sum[:]),
		Size:   int64(len(content)),
	}, nil
}

func (s *FileStore) Download(_ context.Context, url string) ([]byte, error) {
	rel, err := s.relPath(url)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(filepath.Join(s.root, rel))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("blobstore: read: %w", err)
	}
	return content, nil
}

func (s *FileStore) Delete(_ context.Context, url string) error {
	rel, err := s.relPath(url)
	if err != nil {
		return err
	}
	err = os.Remove(filepath.Join(s.root, rel))
	if errors.Is(err, os.ErrNotExist) {
		return ErrBlobNotFound
	}
	return err
}

// relPath validates a blob URL and rejects anything escaping the root.
func (s *FileStore) relPath(url string) (string, error) {
	rel, ok := strings.CutPrefix(url, "file://")
	if !ok {
		return "", fmt.Errorf("blobstore: unsupported url %q", url)
	}
	rel = filepath.FromSlash(rel)
	if rel == "" || filepath.IsAbs(rel) || strings.Contains(rel, "..") {
		return "", fmt.Errorf("blobstore: invalid blob path %q", url)
	}
	return rel, nil
}

// MemoryStore is an in-memory Store for tests.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (s *MemoryStore) Upload(_ context.Context, action string, reportID uuid.UUID, content []byte) (Blob, error) {
	sum := sha256.Sum256(content)
	url := "mem://" + action + "/" + reportID.String()

	s.mu.Lock()
	s.blobs[url] = append([]byte(nil), content...)
	s.mu.Unlock()

	return Blob{URL: url, Digest: hex.EncodeToString(sum[:]), Size: int64(len(content))}, nil
}

func (s *MemoryStore) Download(_ context.Context, url string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	content, ok := s.blobs[url]
	if !ok {
		return nil, ErrBlobNotFound
	}
	return append([]byte(nil), content...), nil
}

func (s *MemoryStore) Delete(_ context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[url]; !ok {
		return ErrBlobNotFound
	}
	delete(s.blobs, url)
	return nil
}
