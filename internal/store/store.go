// Package store owns the on-disk instance tree: the per-instance directory
// layout, the instance.json metadata journal, the content-addressed cache,
// and the staging and commit protocol mutating operations use to apply
// changes atomically.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"instanceforge/internal/engineerr"
	"instanceforge/internal/hashio"
	"instanceforge/pkg/types"
)

// subtreeCommitOrder is the order staged subtrees are renamed over the live
// instance directory. instance.json is committed last so a crash mid-commit
// never leaves a journal pointing at a half-applied tree.
var subtreeCommitOrder = []string{"mods", "config", "scripts", "resourcepacks"}

// Store roots every instance and the shared meta tree under DataDir.
type Store struct {
	DataDir string
}

// New roots a Store at dataDir.
func New(dataDir string) *Store {
	return &Store{DataDir: dataDir}
}

func (s *Store) InstancesDir() string { return filepath.Join(s.DataDir, "instances") }
func (s *Store) MetaDir() string      { return filepath.Join(s.DataDir, "meta") }

// InstanceDir is the live, committed directory for id.
func (s *Store) InstanceDir(id string) string {
	return filepath.Join(s.InstancesDir(), id)
}

// StagingDir is where a mutating operation assembles its result before
// commit: "<data>/instances/<id>.staging/".
func (s *Store) StagingDir(id string) string {
	return filepath.Join(s.InstancesDir(), id+".staging")
}

func (s *Store) MetadataPath(id string) string {
	return filepath.Join(s.InstanceDir(id), "instance.json")
}

// CachePath returns the content-addressed location for a hash, fanned out
// by the first two hex characters (meta/cache/<hh>/<hash>) to keep any one
// directory from growing unbounded.
func (s *Store) CachePath(hash string) string {
	prefix := hash
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	return filepath.Join(s.MetaDir(), "cache", prefix, hash)
}

// CacheGet reports whether the content-addressed cache holds hash, returning
// the on-disk path when it does. Readers see either a valid file or no file:
// writers only ever rename fully-written temp files into place.
func (s *Store) CacheGet(hash string) (string, bool) {
	if hash == "" {
		return "", false
	}
	path := s.CachePath(hash)
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}

// CachePut copies the file at srcPath into the cache under hash. The write
// stages to a temp name and renames, so concurrent writers of the same hash
// converge on one valid entry.
func (s *Store) CachePut(hash, srcPath string) error {
	if hash == "" {
		return nil
	}
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()
	return hashio.WriteAtomic(s.CachePath(hash), src, 0o644)
}

// ReadMetadata loads instance.json for id. Per its own invariant, the file
// exists iff the instance is installed or outdated.
func (s *Store) ReadMetadata(id string) (*types.InstanceMetadata, error) {
	data, err := os.ReadFile(s.MetadataPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, engineerr.New(engineerr.Unknown, fmt.Sprintf("instance %s has no metadata journal", id), err)
		}
		return nil, err
	}
	var meta types.InstanceMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, engineerr.Wrap(engineerr.CorruptArchive, err)
	}
	return &meta, nil
}

// WriteMetadata atomically persists meta as the instance's journal.
func (s *Store) WriteMetadata(meta *types.InstanceMetadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return hashio.WriteAtomic(s.MetadataPath(meta.ID), strings.NewReader(string(data)), 0o644)
}

// List returns every instance ID with a metadata journal.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.InstancesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasSuffix(e.Name(), ".staging") {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.InstanceDir(e.Name()), "instance.json")); err == nil {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// Transaction stages a mutating operation's output for instance id. Callers
// populate the subdirectories under Dir() (mods/, config/, scripts/,
// resourcepacks/) and whatever aesthetic-only/user-territory paths they
// preserve unchanged, then call Commit to atomically swap the result in.
type Transaction struct {
	store *Store
	id    string
	dir   string
}

// Begin creates a fresh staging directory for id, removing any stale one
// left behind by a prior crash (its contents were never committed, so they
// carry no state worth preserving).
func (s *Store) Begin(id string) (*Transaction, error) {
	dir := s.StagingDir(id)
	if err := os.RemoveAll(dir); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Transaction{store: s, id: id, dir: dir}, nil
}

// Dir is the staging root operations should write files under.
func (t *Transaction) Dir() string { return t.dir }

// SubtreeDir is the staging path for one of the managed subtrees.
func (t *Transaction) SubtreeDir(name string) string {
	return filepath.Join(t.dir, name)
}

// Commit renames each managed subtree from staging over the live instance
// directory in the fixed order mods, config, scripts, resourcepacks, then
// writes meta as instance.json. If a rename fails partway, the instance is
// left with whatever subtrees already landed; the caller is responsible for
// marking status Error and relying on repair's idempotent convergence.
func (t *Transaction) Commit(meta *types.InstanceMetadata) error {
	live := t.store.InstanceDir(t.id)
	if err := os.MkdirAll(live, 0o755); err != nil {
		return err
	}

	for _, name := range subtreeCommitOrder {
		staged := t.SubtreeDir(name)
		if _, err := os.Stat(staged); os.IsNotExist(err) {
			continue // operation didn't touch this subtree; leave the live one as-is
		}
		dest := filepath.Join(live, name)
		if err := renameReplacing(staged, dest); err != nil {
			return engineerr.Wrap(engineerr.PermissionDenied, err)
		}
	}

	if err := t.store.WriteMetadata(meta); err != nil {
		return err
	}

	return os.RemoveAll(t.dir)
}

// Abandon discards a staging directory without committing anything.
func (t *Transaction) Abandon() error {
	return os.RemoveAll(t.dir)
}

// renameReplacing swaps staged in over dest, removing any previous dest
// first so the rename is a plain move rather than a merge.
func renameReplacing(staged, dest string) error {
	if err := os.RemoveAll(dest); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	if err := os.Rename(staged, dest); err != nil {
		return fmt.Errorf("store: committing %s: %w", filepath.Base(dest), err)
	}
	return nil
}

// GenerateInstanceID derives a stable-looking instance directory name from a
// modpack identifier and the time the instance is being created.
func GenerateInstanceID(modpackID string, now time.Time) string {
	slug := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(modpackID), " ", "-"))
	return fmt.Sprintf("%s-%s", slug, now.Format("20060102-150405"))
}
