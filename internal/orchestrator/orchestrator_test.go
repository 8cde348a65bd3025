package orchestrator

import (
	"os"
	"path/filepath"
	"testing"

	"instanceforge/internal/hashio"
	"instanceforge/internal/manifest"
	"instanceforge/internal/protection"
	"instanceforge/internal/store"
	"instanceforge/pkg/types"
)

func TestStatusDefaultsToNotInstalled(t *testing.T) {
	e := &Engine{Store: store.New(t.TempDir()), statuses: map[string]types.InstanceStatus{}}
	if got := e.Status("missing"); got != types.StatusNotInstalled {
		t.Errorf("Status() = %q, want not_installed", got)
	}
}

func TestStatusReflectsInFlightOperation(t *testing.T) {
	e := &Engine{Store: store.New(t.TempDir()), statuses: map[string]types.InstanceStatus{}}
	e.setStatus("pack-1", types.StatusInstalling)
	if got := e.Status("pack-1"); got != types.StatusInstalling {
		t.Errorf("Status() = %q, want installing", got)
	}
}

func TestMergeWithBaselinePreservesUserTerritory(t *testing.T) {
	e := &Engine{}
	dataDir := t.TempDir()
	s := store.New(dataDir)
	liveDir := s.InstanceDir("pack-1")

	if err := os.MkdirAll(filepath.Join(liveDir, "mods"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(liveDir, "mods", "user-added.jar"), []byte("mine"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	tx, err := s.Begin("pack-1")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	files := []types.ResolvedFile{
		{Kind: types.KindMod, TargetPath: "mods/upstream.jar", URL: "https://example.invalid/upstream.jar"},
	}
	toDownload, err := e.mergeWithBaseline(tx, liveDir, files, protection.Flags{}, false)
	if err != nil {
		t.Fatalf("mergeWithBaseline: %v", err)
	}
	if len(toDownload) != 1 || toDownload[0].TargetPath != "mods/upstream.jar" {
		t.Errorf("toDownload = %+v, want upstream.jar only", toDownload)
	}
	if _, err := os.Stat(filepath.Join(tx.Dir(), "mods", "user-added.jar")); err != nil {
		t.Errorf("user-added.jar should have been copied into staging: %v", err)
	}
}

func TestMergeWithBaselineKeepsRelaxedFileWhenHashMatches(t *testing.T) {
	e := &Engine{}
	s := store.New(t.TempDir())
	liveDir := s.InstanceDir("pack-1")

	if err := os.MkdirAll(filepath.Join(liveDir, "mods"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	content := []byte("same-bytes")
	if err := os.WriteFile(filepath.Join(liveDir, "mods", "a.jar"), content, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	hash := sha256Hex(t, content)

	tx, err := s.Begin("pack-1")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	files := []types.ResolvedFile{
		{Kind: types.KindMod, TargetPath: "mods/a.jar", URL: "https://example.invalid/a.jar", ExpectedHash: hash, HashAlgo: types.HashSHA256},
	}
	flags := protection.Flags{AllowCustomMods: true}
	toDownload, err := e.mergeWithBaseline(tx, liveDir, files, flags, false)
	if err != nil {
		t.Fatalf("mergeWithBaseline: %v", err)
	}
	if len(toDownload) != 0 {
		t.Errorf("toDownload = %+v, want none (hash already matches)", toDownload)
	}
	if _, err := os.Stat(filepath.Join(tx.Dir(), "mods", "a.jar")); err != nil {
		t.Errorf("matching relaxed file should have been preserved into staging: %v", err)
	}
}

func TestMergeWithBaselineKeepsCustomizedRelaxedFile(t *testing.T) {
	e := &Engine{}
	s := store.New(t.TempDir())
	liveDir := s.InstanceDir("pack-1")

	if err := os.MkdirAll(filepath.Join(liveDir, "resourcepacks"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(liveDir, "resourcepacks", "custom.zip"), []byte("user-tweaked"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	upstreamHash := sha256Hex(t, []byte("upstream-version"))

	tx, err := s.Begin("pack-1")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	files := []types.ResolvedFile{
		{Kind: types.KindOverride, TargetPath: "resourcepacks/custom.zip", URL: "https://example.invalid/custom.zip", ExpectedHash: upstreamHash, HashAlgo: types.HashSHA256},
	}
	flags := protection.Flags{AllowCustomResourcepacks: true}
	toDownload, err := e.mergeWithBaseline(tx, liveDir, files, flags, false)
	if err != nil {
		t.Fatalf("mergeWithBaseline: %v", err)
	}
	if len(toDownload) != 0 {
		t.Errorf("customized relaxed file should not be re-downloaded, got %+v", toDownload)
	}
	got, err := os.ReadFile(filepath.Join(tx.Dir(), "resourcepacks", "custom.zip"))
	if err != nil || string(got) != "user-tweaked" {
		t.Errorf("user customization not preserved into staging: %q, %v", got, err)
	}
}

func TestMergeWithBaselineReinstallForcesUpstreamReplacement(t *testing.T) {
	e := &Engine{}
	s := store.New(t.TempDir())
	liveDir := s.InstanceDir("pack-1")

	if err := os.MkdirAll(filepath.Join(liveDir, "config"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(liveDir, "config", "edited.cfg"), []byte("user-edited"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	hash := sha256Hex(t, []byte("upstream-bytes"))

	tx, err := s.Begin("pack-1")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	files := []types.ResolvedFile{
		{Kind: types.KindOverride, TargetPath: "config/edited.cfg", URL: "https://example.invalid/edited.cfg", ExpectedHash: hash, HashAlgo: types.HashSHA256},
	}
	flags := protection.Flags{AllowCustomConfigs: true}
	toDownload, err := e.mergeWithBaseline(tx, liveDir, files, flags, true)
	if err != nil {
		t.Fatalf("mergeWithBaseline: %v", err)
	}
	if len(toDownload) != 1 {
		t.Errorf("reinstall should force re-download of the relaxed file even though it's allowed custom, got %+v", toDownload)
	}
}

func TestCheckOutdatedTransitionsOnVersionMismatch(t *testing.T) {
	s := store.New(t.TempDir())
	e := &Engine{Store: s, statuses: map[string]types.InstanceStatus{}}

	meta := &types.InstanceMetadata{ID: "pack-1", InstalledVersion: "1.0.0", Status: types.StatusInstalled}
	os.MkdirAll(s.InstanceDir(meta.ID), 0o755)
	if err := s.WriteMetadata(meta); err != nil {
		t.Fatalf("WriteMetadata: %v", err)
	}

	outdated, err := e.CheckOutdated("pack-1", "1.0.0")
	if err != nil || outdated {
		t.Errorf("same version: outdated=%v err=%v", outdated, err)
	}

	outdated, err = e.CheckOutdated("pack-1", "1.1.0")
	if err != nil || !outdated {
		t.Fatalf("newer version: outdated=%v err=%v", outdated, err)
	}
	if got := e.Status("pack-1"); got != types.StatusOutdated {
		t.Errorf("Status = %q, want outdated", got)
	}
}

func TestReconcileRestrictedSatisfiedByOverride(t *testing.T) {
	resolved := &manifest.Resolved{Overrides: types.NewOverridesBundle()}
	resolved.Overrides.Put("mods/restricted-mod.jar", []byte("user-supplied"))

	failed := []types.FailedMod{
		{ProjectID: 1, FileID: 2, FileName: "restricted-mod.jar", Reason: types.ReasonRestricted},
		{ProjectID: 3, FileID: 4, FileName: "still-missing.jar", Reason: types.ReasonRestricted},
	}
	kept := reconcileRestricted(resolved, failed)
	if len(kept) != 1 || kept[0].FileName != "still-missing.jar" {
		t.Errorf("reconcileRestricted = %+v, want only still-missing.jar", kept)
	}
}

func TestRequiredFailuresOnlyReportsRequiredPairs(t *testing.T) {
	resolved := &manifest.Resolved{
		Manifest: types.ModpackManifest{
			Files: []types.ManifestFileRef{
				{ProjectID: 1, FileID: 2, Required: true},
				{ProjectID: 3, FileID: 4, Required: false},
			},
		},
	}
	failed := []types.FailedMod{
		{ProjectID: 1, FileID: 2, Reason: types.ReasonMissing},
		{ProjectID: 3, FileID: 4, Reason: types.ReasonMissing},
	}
	unmet := requiredFailures(resolved, failed)
	if len(unmet) != 1 || unmet[0].ProjectID != 1 {
		t.Errorf("requiredFailures = %+v, want only project 1", unmet)
	}
}

func sha256Hex(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tmp")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write tmp: %v", err)
	}
	h, err := hashio.HashFile(path, types.HashSHA256)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	return h
}
