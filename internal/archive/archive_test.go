package archive

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"instanceforge/pkg/types"
)

func writeTestZip(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zw.Create: %v", err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zw.Close: %v", err)
	}
}

func TestExtractFiltersByPrefix(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "pack.zip")
	writeTestZip(t, zipPath, map[string]string{
		"manifest.json":          `{}`,
		"overrides/config/a.cfg": "a=1",
		"overrides/mods/x.jar":   "binary",
	})

	destDir := t.TempDir()
	warnings, err := Extract(zipPath, destDir, PathPrefix("overrides"))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}

	if _, err := os.Stat(filepath.Join(destDir, "manifest.json")); !os.IsNotExist(err) {
		t.Errorf("manifest.json should not have been extracted")
	}
	got, err := os.ReadFile(filepath.Join(destDir, "overrides", "config", "a.cfg"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "a=1" {
		t.Errorf("got %q, want a=1", got)
	}
}

func TestInjectIsByteStableForPassthrough(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.zip")
	writeTestZip(t, src, map[string]string{
		"manifest.json": `{"name":"test"}`,
	})

	out := filepath.Join(dir, "out.zip")
	warnings, err := Inject(src, out, types.NewOverridesBundle())
	if err != nil {
		t.Fatalf("Inject: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}

	got, err := ReadEntry(out, "manifest.json")
	if err != nil {
		t.Fatalf("ReadEntry: %v", err)
	}
	if !bytes.Equal(got, []byte(`{"name":"test"}`)) {
		t.Errorf("got %q", got)
	}
}

func TestInjectRoutesAdditionsByExtension(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.zip")
	writeTestZip(t, src, map[string]string{"manifest.json": `{}`})

	bundle := types.NewOverridesBundle()
	bundle.Put("cool-mod.jar", []byte("jarbytes"))
	bundle.Put("pack.zip", []byte("zipbytes"))
	bundle.Put("readme.txt", []byte("ignored"))

	out := filepath.Join(dir, "out.zip")
	warnings, err := Inject(src, out, bundle)
	if err != nil {
		t.Fatalf("Inject: %v", err)
	}
	if len(warnings) != 1 {
		t.Fatalf("expected 1 warning for unroutable readme.txt, got %v", warnings)
	}

	if !HasEntry(out, "overrides/mods/cool-mod.jar") {
		t.Error("expected overrides/mods/cool-mod.jar in output")
	}
	if !HasEntry(out, "overrides/resourcepacks/pack.zip") {
		t.Error("expected overrides/resourcepacks/pack.zip in output")
	}
}
