package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestFileStoreRoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	reportID := uuid.New()
	content := []byte("MSH|^~\\&|LabRelay\rPID|1||MRN1\r")

	blob, err := store.Upload(ctx, "receive", reportID, content)
	if err != nil {
		t.Fatal(err)
	}
	want := sha256.Sum256(content)
	if blob.Digest != hex.EncodeToString(want[:]) {
		t.Errorf("digest = %s", blob.Digest)
	}
	if blob.Size != int64(len(content)) {
		t.Errorf("size = %d, want %d", blob.Size, len(content))
	}

	got, err := store.Download(ctx, blob.URL)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(content) {
		t.Error("downloaded content differs from uploaded")
	}

	if err := store.Delete(ctx, blob.URL); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Download(ctx, blob.URL); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("expected ErrBlobNotFound after delete, got %v", err)
	}
}

func TestFileStoreStagesDoNotCollide(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	reportID := uuid.New()

	received, err := store.Upload(ctx, "receive", reportID, []byte("original"))
	if err != nil {
		t.Fatal(err)
	}
	batched, err := store.Upload(ctx, "batch", reportID, []byte("merged"))
	if err != nil {
		t.Fatal(err)
	}
	if received.URL == batched.URL {
		t.Fatal("different lifecycle actions must produce different URLs")
	}

	got, _ := store.Download(ctx, received.URL)
	if string(got) != "original" {
		t.Errorf("receive-stage body = %q", got)
	}
}

func TestFileStoreRejectsBadURLs(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	for _, url := range []string{"http://x/y", "file:///etc/passwd", "file://../escape", "file://"} {
		if _, err := store.Download(ctx, url); err == nil || errors.Is(err, ErrBlobNotFound) {
			t.Errorf("expected validation error for %q, got %v", url, err)
		}
	}
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	blob, err := store.Upload(ctx, "receive", uuid.New(), []byte("body"))
	if err != nil {
		t.Fatal(err)
	}
	got, err := store.Download(ctx, blob.URL)
	if err != nil || string(got) != "body" {
		t.Fatalf("download = %q, %v", got, err)
	}
	if err := store.Delete(ctx, blob.URL); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Download(ctx, blob.URL); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("expected ErrBlobNotFound, got %v", err)
	}
}
