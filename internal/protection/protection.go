// Package protection classifies instance paths for update/repair: which
// files must be replaced with upstream bytes, which may be left alone if
// the user edited them, and which must never be touched.
package protection

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"instanceforge/pkg/types"
)

// Class is the outcome of classifying one instance-relative path.
type Class string

const (
	ClassUpstreamProtected Class = "upstream_protected"
	ClassUpstreamRelaxed   Class = "upstream_relaxed"
	ClassUserTerritory     Class = "user_territory"
	ClassAesthetic         Class = "aesthetic"
)

// aestheticPrefixes are always preserved regardless of manifest membership
// or flags.
var aestheticPrefixes = []string{"shaderpacks/", "screenshots/", "saves/", "logs/"}

// Flags mirrors the allow_custom_* fields of InstanceMetadata that gate
// whether an upstream-owned tree is protected or relaxed.
type Flags struct {
	AllowCustomMods          bool
	AllowCustomResourcepacks bool
	AllowCustomConfigs bool
}

// FlagsFrom extracts the relevant flags out of a persisted instance journal.
func FlagsFrom(meta *types.InstanceMetadata) Flags {
	return Flags{
		AllowCustomMods:          meta.AllowCustomMods,
		AllowCustomResourcepacks: meta.AllowCustomResourcepacks,
		AllowCustomConfigs:       meta.AllowCustomConfigs,
	}
}

// Classify determines which bucket an instance-relative, slash-separated
// path falls into. inManifest reports whether path is part of the upstream
// file set for the operation in progress.
func Classify(path string, inManifest bool, flags Flags) Class {
	path = strings.TrimPrefix(filepath.ToSlash(path), "/")

	for _, prefix := range aestheticPrefixes {
		if strings.HasPrefix(path, prefix) {
			return ClassAesthetic
		}
	}

	if !inManifest {
		return ClassUserTerritory
	}

	if relaxed(path, flags) {
		return ClassUpstreamRelaxed
	}
	return ClassUpstreamProtected
}

func relaxed(path string, flags Flags) bool {
	switch {
	case strings.HasPrefix(path, "mods/"):
		return flags.AllowCustomMods
	case strings.HasPrefix(path, "resourcepacks/"):
		return flags.AllowCustomResourcepacks
	case strings.HasPrefix(path, "config/"), strings.HasPrefix(path, "scripts/"):
		return flags.AllowCustomConfigs
	default:
		return false
	}
}

// ShouldReplace reports whether an update/repair should overwrite an
// existing on-disk file with the upstream copy, given its class and whether
// its content hash already matches upstream. A relaxed file whose hash
// differs is a user customization and is kept; one that still matches
// upstream is safe to refresh. reinstall forces replacement of every
// upstream-owned path (protected or relaxed) regardless of flags, while
// still never touching user territory or aesthetic paths.
func ShouldReplace(class Class, hashMatches bool, reinstall bool) bool {
	switch class {
	case ClassUserTerritory, ClassAesthetic:
		return false
	case ClassUpstreamProtected:
		return true
	case ClassUpstreamRelaxed:
		return reinstall || hashMatches
	default:
		return true
	}
}

// CopyFile copies src to dst, truncating any existing dst.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

// CopyDir recursively copies every file under src into dst.
func CopyDir(src, dst string) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		srcPath := filepath.Join(src, entry.Name())
		dstPath := filepath.Join(dst, entry.Name())
		if entry.IsDir() {
			if err := CopyDir(srcPath, dstPath); err != nil {
				return err
			}
			continue
		}
		if err := CopyFile(srcPath, dstPath); err != nil {
			return err
		}
	}
	return nil
}
