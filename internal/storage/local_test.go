package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}
	return p
}

func TestLocalStorage_UploadDownload(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	ctx := context.Background()
	srcDir := t.TempDir()
	srcPath := writeFile(t, srcDir, "segment.log", "hello world")

	objectPath := "journal/2026/01/02/segment.log"
	if err := storage.Upload(ctx, srcPath, objectPath); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	exists, err := storage.Exists(ctx, objectPath)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if !exists {
		t.Error("expected object to exist")
	}

	dstPath := filepath.Join(srcDir, "out", "downloaded.log")
	if err := storage.Download(ctx, objectPath, dstPath); err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	got, err := os.ReadFile(dstPath)
	if err != nil {
		t.Fatalf("failed to read downloaded file: %v", err)
	}
	if string(got) != "hello world" {
		t.Errorf("content mismatch: got %q", got)
	}

	if err := storage.Delete(ctx, objectPath); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	exists, err = storage.Exists(ctx, objectPath)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if exists {
		t.Error("expected object to be deleted")
	}

	// Deleting twice is not an error.
	if err := storage.Delete(ctx, objectPath); err != nil {
		t.Errorf("second Delete failed: %v", err)
	}
}

func TestLocalStorage_DownloadMissing(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	err = storage.Download(context.Background(), "nope", filepath.Join(t.TempDir(), "x"))
	if !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("expected ErrObjectNotFound, got %v", err)
	}
}

func TestLocalStorage_ListObjects(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	ctx := context.Background()
	src := writeFile(t, t.TempDir(), "f", "x")

	for _, p := range []string{"a/1", "a/b/2", "c/3"} {
		if err := storage.Upload(ctx, src, p); err != nil {
			t.Fatalf("Upload %s failed: %v", p, err)
		}
	}

	objects, err := storage.ListObjects(ctx, "a")
	if err != nil {
		t.Fatalf("ListObjects failed: %v", err)
	}
	sort.Strings(objects)
	if len(objects) != 2 || objects[0] != "a/1" || objects[1] != "a/b/2" {
		t.Errorf("unexpected objects: %v", objects)
	}

	objects, err = storage.ListObjects(ctx, "missing")
	if err != nil {
		t.Fatalf("ListObjects on missing prefix failed: %v", err)
	}
	if len(objects) != 0 {
		t.Errorf("expected no objects, got %v", objects)
	}
}

func TestLocalStorage_CancelledContext(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := storage.Upload(ctx, "x", "y"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if _, err := storage.Exists(ctx, "y"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
