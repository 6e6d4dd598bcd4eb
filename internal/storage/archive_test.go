package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/arkilian/sink/internal/config"
)

func TestArchiver_ArchiveAndRestore(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	a := NewArchiver(storage, "/journal/")
	a.now = func() time.Time { return time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC) }
	ctx := context.Background()

	seg := writeFile(t, t.TempDir(), "journal_0000000000000001.log", "frames")

	first, err := a.Archive(ctx, seg)
	if err != nil {
		t.Fatalf("Archive failed: %v", err)
	}
	if first != "journal/2026/03/04/journal_0000000000000001.log" {
		t.Errorf("unexpected object path %s", first)
	}

	second, err := a.Archive(ctx, seg)
	if err != nil {
		t.Fatalf("second Archive failed: %v", err)
	}
	if second == first || !strings.HasPrefix(second, first+".") {
		t.Errorf("second archive should get a suffixed name, got %s", second)
	}

	dir := t.TempDir()
	restored, err := a.Restore(ctx, dir, 2)
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if len(restored) != 2 {
		t.Fatalf("expected 2 restored files, got %v", restored)
	}
	for _, p := range restored {
		if filepath.Dir(p) != dir {
			t.Errorf("restored file %s outside %s", p, dir)
		}
		got, err := os.ReadFile(p)
		if err != nil || string(got) != "frames" {
			t.Errorf("bad restored content in %s: %q %v", p, got, err)
		}
	}

	objects, err := storage.ListObjects(ctx, "journal")
	if err != nil {
		t.Fatalf("ListObjects failed: %v", err)
	}
	if len(objects) != 0 {
		t.Errorf("restored objects should be deleted, got %v", objects)
	}
}

func TestFromConfig(t *testing.T) {
	ctx := context.Background()

	s, err := FromConfig(ctx, config.ArchiveConfig{Type: "none"})
	if err != nil || s != nil {
		t.Errorf("expected no storage for none, got %v %v", s, err)
	}

	s, err = FromConfig(ctx, config.ArchiveConfig{Type: "local", Path: t.TempDir()})
	if err != nil {
		t.Fatalf("local FromConfig failed: %v", err)
	}
	if _, ok := s.(*LocalStorage); !ok {
		t.Errorf("expected *LocalStorage, got %T", s)
	}

	if _, err := FromConfig(ctx, config.ArchiveConfig{Type: "ftp"}); err == nil {
		t.Error("expected error for unknown type")
	}
}
