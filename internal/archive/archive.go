// Package archive streams ZIP entries in and out of modpack archives.
// Entries are never fully buffered in memory, and Inject preserves
// passthrough entries byte-for-byte (no recompression).
package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"instanceforge/internal/engineerr"
	"instanceforge/pkg/types"
)

// Entry describes one lazily-readable member of a ZIP archive.
type Entry struct {
	Path  string
	Size  int64
	IsDir bool
	Mode  os.FileMode
	Open  func() (io.ReadCloser, error)
	zipF  *zip.File
}

// OpenZip opens path for reading and validates its central directory.
// An invalid or truncated central directory is fatal.
func OpenZip(path string) (*zip.ReadCloser, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, engineerr.New(engineerr.CorruptArchive, "opening archive "+path, err)
	}
	return r, nil
}

// IterEntries yields every entry of an already-open archive lazily; each
// Entry.Open call returns a fresh reader over just that entry.
func IterEntries(r *zip.ReadCloser) []Entry {
	entries := make([]Entry, 0, len(r.File))
	for _, f := range r.File {
		f := f
		entries = append(entries, Entry{
			Path:  f.Name,
			Size:  int64(f.UncompressedSize64),
			IsDir: f.FileInfo().IsDir(),
			Mode:  f.FileInfo().Mode(),
			Open:  func() (io.ReadCloser, error) { return f.Open() },
			zipF:  f,
		})
	}
	return entries
}

// Filter decides whether an entry should be extracted.
type Filter func(path string) bool

// AllEntries is a Filter that accepts everything.
func AllEntries(string) bool { return true }

// PathPrefix returns a Filter accepting entries under prefix.
func PathPrefix(prefix string) Filter {
	prefix = strings.TrimSuffix(prefix, "/") + "/"
	return func(path string) bool { return strings.HasPrefix(path, prefix) }
}

// Extract writes every entry matching filter into dest, preserving relative
// paths. Entries that are neither directories nor regular files (symlinks,
// device files) are skipped with a returned warning list rather than
// failing the whole extraction.
func Extract(archivePath, dest string, filter Filter) (warnings []string, err error) {
	r, err := OpenZip(archivePath)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	for _, e := range IterEntries(r) {
		if !filter(e.Path) {
			continue
		}
		if strings.Contains(e.Path, "..") {
			warnings = append(warnings, "skipped path-traversal entry: "+e.Path)
			continue
		}
		if !e.IsDir && !e.Mode.IsRegular() {
			warnings = append(warnings, "skipped unsupported entry type: "+e.Path)
			continue
		}
		destPath := filepath.Join(dest, filepath.FromSlash(e.Path))

		if e.IsDir {
			if err := os.MkdirAll(destPath, 0o755); err != nil {
				return warnings, fmt.Errorf("archive: creating dir %s: %w", destPath, err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return warnings, fmt.Errorf("archive: creating parent dir for %s: %w", destPath, err)
		}

		rc, err := e.Open()
		if err != nil {
			warnings = append(warnings, "skipped unreadable entry: "+e.Path)
			continue
		}
		mode := e.Mode
		if mode == 0 {
			mode = 0o644
		}
		werr := func() error {
			defer rc.Close()
			out, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
			if err != nil {
				return err
			}
			defer out.Close()
			_, err = io.Copy(out, rc)
			return err
		}()
		if werr != nil {
			return warnings, fmt.Errorf("archive: extracting %s: %w", e.Path, werr)
		}
	}
	return warnings, nil
}

// ReadEntry reads one named entry fully into memory; used for small manifest
// files (manifest.json, modrinth.index.json, pack.toml) where streaming
// would be needless ceremony.
func ReadEntry(archivePath, entryPath string) ([]byte, error) {
	r, err := OpenZip(archivePath)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	for _, f := range r.File {
		if f.Name == entryPath {
			rc, err := f.Open()
			if err != nil {
				return nil, err
			}
			defer rc.Close()
			return io.ReadAll(rc)
		}
	}
	return nil, fmt.Errorf("archive: entry %q not found", entryPath)
}

// HasEntry reports whether name exists in the archive.
func HasEntry(archivePath, name string) bool {
	r, err := OpenZip(archivePath)
	if err != nil {
		return false
	}
	defer r.Close()
	for _, f := range r.File {
		if f.Name == name {
			return true
		}
	}
	return false
}

// routeOverridePath applies the extension routing policy for an
// injected user file: "<name>.jar" -> "overrides/mods/<name>.jar",
// "<name>.zip" -> "overrides/resourcepacks/<name>.zip". Other extensions
// are not routed (caller should skip with a warning).
func routeOverridePath(name string) (string, bool) {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".jar":
		return "overrides/mods/" + name, true
	case ".zip":
		return "overrides/resourcepacks/" + name, true
	default:
		return "", false
	}
}

// Inject copies every entry of zipIn into zipOut unchanged (byte-stable,
// same compression method and CRC), then appends additions routed through
// routeOverridePath. Inject(z, empty-bundle) is byte-stable: every
// passthrough entry keeps its original compressed bytes.
func Inject(zipInPath, zipOutPath string, additions *types.OverridesBundle) (warnings []string, err error) {
	in, err := OpenZip(zipInPath)
	if err != nil {
		return nil, err
	}
	defer in.Close()

	outFile, err := os.Create(zipOutPath)
	if err != nil {
		return nil, fmt.Errorf("archive: creating output archive: %w", err)
	}
	defer outFile.Close()

	zw := zip.NewWriter(outFile)

	for _, f := range in.File {
		if err := copyRawEntry(zw, f); err != nil {
			return warnings, fmt.Errorf("archive: copying entry %s: %w", f.Name, err)
		}
	}

	if additions != nil {
		for name, data := range additions.Files {
			routed, ok := routeOverridePath(name)
			if !ok {
				warnings = append(warnings, "skipped unroutable override: "+name)
				continue
			}
			w, err := zw.CreateHeader(&zip.FileHeader{
				Name:   routed,
				Method: zip.Store,
			})
			if err != nil {
				return warnings, err
			}
			if _, err := w.Write(data); err != nil {
				return warnings, err
			}
		}
	}

	if err := zw.Close(); err != nil {
		return warnings, fmt.Errorf("archive: finalizing output archive: %w", err)
	}
	return warnings, nil
}

// copyRawEntry copies a zip.File's raw (still-compressed) bytes into w,
// preserving method/CRC/size so passthrough entries never get recompressed.
func copyRawEntry(w *zip.Writer, f *zip.File) error {
	rc, err := f.OpenRaw()
	if err != nil {
		return err
	}
	header := f.FileHeader
	dest, err := w.CreateRaw(&header)
	if err != nil {
		return err
	}
	_, err = io.Copy(dest, rc)
	return err
}
