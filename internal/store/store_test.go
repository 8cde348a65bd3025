package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"instanceforge/pkg/types"
)

func TestWriteAndReadMetadataRoundTrip(t *testing.T) {
	s := New(t.TempDir())
	meta := &types.InstanceMetadata{ID: "pack-1", Name: "Pack One", Status: types.StatusInstalled}

	if err := os.MkdirAll(s.InstanceDir(meta.ID), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := s.WriteMetadata(meta); err != nil {
		t.Fatalf("WriteMetadata: %v", err)
	}

	got, err := s.ReadMetadata(meta.ID)
	if err != nil {
		t.Fatalf("ReadMetadata: %v", err)
	}
	if got.Name != meta.Name || got.Status != meta.Status {
		t.Errorf("got %+v, want %+v", got, meta)
	}
}

func TestListSkipsStagingAndUninstalled(t *testing.T) {
	s := New(t.TempDir())
	meta := &types.InstanceMetadata{ID: "pack-1", Status: types.StatusInstalled}
	os.MkdirAll(s.InstanceDir(meta.ID), 0o755)
	s.WriteMetadata(meta)

	os.MkdirAll(s.InstanceDir("pack-2"), 0o755) // no instance.json yet
	os.MkdirAll(s.StagingDir("pack-3"), 0o755)

	ids, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ids) != 1 || ids[0] != "pack-1" {
		t.Errorf("List() = %v, want [pack-1]", ids)
	}
}

func TestTransactionCommitMovesStagedSubtreeAndWritesJournal(t *testing.T) {
	s := New(t.TempDir())
	id := "pack-1"

	tx, err := s.Begin(id)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := os.MkdirAll(tx.SubtreeDir("mods"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(tx.SubtreeDir("mods"), "a.jar"), []byte("jar"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	meta := &types.InstanceMetadata{ID: id, Status: types.StatusInstalled, InstalledAt: time.Unix(0, 0)}
	if err := tx.Commit(meta); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if _, err := os.Stat(filepath.Join(s.InstanceDir(id), "mods", "a.jar")); err != nil {
		t.Errorf("committed mods/a.jar missing: %v", err)
	}
	if _, err := os.Stat(s.StagingDir(id)); !os.IsNotExist(err) {
		t.Errorf("staging dir should be removed after commit, got err=%v", err)
	}
	if _, err := os.Stat(s.MetadataPath(id)); err != nil {
		t.Errorf("instance.json missing after commit: %v", err)
	}
}

func TestBeginClearsStaleStaging(t *testing.T) {
	s := New(t.TempDir())
	stale := s.StagingDir("pack-1")
	os.MkdirAll(stale, 0o755)
	os.WriteFile(filepath.Join(stale, "leftover"), []byte("x"), 0o644)

	tx, err := s.Begin("pack-1")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := os.Stat(filepath.Join(tx.Dir(), "leftover")); !os.IsNotExist(err) {
		t.Error("expected stale staging contents to be cleared")
	}
}

func TestCachePutAndGetRoundTrip(t *testing.T) {
	s := New(t.TempDir())
	src := filepath.Join(t.TempDir(), "mod.jar")
	if err := os.WriteFile(src, []byte("jar bytes"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	const hash = "ab12cd34"
	if _, ok := s.CacheGet(hash); ok {
		t.Fatal("cache should start empty")
	}
	if err := s.CachePut(hash, src); err != nil {
		t.Fatalf("CachePut: %v", err)
	}

	path, ok := s.CacheGet(hash)
	if !ok {
		t.Fatal("CacheGet should find the entry after CachePut")
	}
	if filepath.Dir(path) != filepath.Join(s.MetaDir(), "cache", "ab") {
		t.Errorf("cache entry not fanned out by hash prefix: %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "jar bytes" {
		t.Errorf("cached bytes = %q, %v", data, err)
	}
}

func TestGenerateInstanceIDIsSlugPlusTimestamp(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	got := GenerateInstanceID("My Pack", now)
	want := "my-pack-20260102-030405"
	if got != want {
		t.Errorf("GenerateInstanceID = %q, want %q", got, want)
	}
}
