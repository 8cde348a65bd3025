// Package manifest resolves an on-disk modpack archive into a normalized
// ResolvedFile plan. It recognizes three shapes: CurseForge (manifest.json),
// Modrinth (modrinth.index.json), and packwiz (pack.toml + index.toml).
package manifest

import (
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/BurntSushi/toml"

	"instanceforge/internal/archive"
	"instanceforge/internal/engineerr"
	"instanceforge/pkg/types"
)

const (
	curseForgeManifestEntry = "manifest.json"
	modrinthManifestEntry   = "modrinth.index.json"
	packwizManifestEntry    = "pack.toml"
)

// Resolved is the output of Resolve: a normalized file plan plus the
// overrides carried inline in the archive.
type Resolved struct {
	Manifest  types.ModpackManifest
	Files     []types.ResolvedFile
	Overrides *types.OverridesBundle
}

// Resolve inspects archivePath and dispatches to the matching parser.
// Archives lacking all three recognized shapes fail with UnknownManifest.
func Resolve(archivePath string) (*Resolved, error) {
	switch {
	case archive.HasEntry(archivePath, curseForgeManifestEntry):
		return resolveCurseForge(archivePath)
	case archive.HasEntry(archivePath, modrinthManifestEntry):
		return resolveModrinth(archivePath)
	case archive.HasEntry(archivePath, packwizManifestEntry):
		return resolvePackwiz(archivePath)
	default:
		return nil, engineerr.New(engineerr.UnknownManifest, archivePath, nil)
	}
}

// --- CurseForge -------------------------------------------------------

type curseForgeManifest struct {
	Minecraft struct {
		Version    string `json:"version"`
		ModLoaders []struct {
			ID      string `json:"id"`
			Primary bool   `json:"primary"`
		} `json:"modLoaders"`
	} `json:"minecraft"`
	Name      string `json:"name"`
	Version   string `json:"version"`
	Overrides string `json:"overrides"`
	Files     []struct {
		ProjectID int64 `json:"projectID"`
		FileID    int64 `json:"fileID"`
		Required  bool  `json:"required"`
	} `json:"files"`
}

func resolveCurseForge(archivePath string) (*Resolved, error) {
	raw, err := archive.ReadEntry(archivePath, curseForgeManifestEntry)
	if err != nil {
		return nil, engineerr.New(engineerr.CorruptArchive, "reading manifest.json", err)
	}
	var m curseForgeManifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, engineerr.New(engineerr.CorruptArchive, "parsing manifest.json", err)
	}

	overridesRoot := m.Overrides
	if overridesRoot == "" {
		overridesRoot = "overrides"
	}

	loader := parseCurseForgeLoaderID(primaryLoaderID(m.Minecraft.ModLoaders))

	out := &Resolved{
		Manifest: types.ModpackManifest{
			Kind:             types.ManifestCurseForge,
			Name:             m.Name,
			Version:          m.Version,
			MinecraftVersion: m.Minecraft.Version,
			Loader:           loader,
			OverridesRoot:    overridesRoot,
		},
	}

	for _, f := range m.Files {
		ref := types.ManifestFileRef{ProjectID: f.ProjectID, FileID: f.FileID, Required: f.Required}
		out.Manifest.Files = append(out.Manifest.Files, ref)
		out.Files = append(out.Files, types.ResolvedFile{
			Kind:      types.KindMod,
			Required:  f.Required,
			HashAlgo:  types.HashSHA1,
			SourceRef: ref,
		})
	}

	bundle, err := extractOverrides(archivePath, overridesRoot)
	if err != nil {
		return nil, err
	}
	out.Overrides = bundle
	appendOverrideFiles(out, bundle)
	dedupeByTargetPath(out)

	return out, nil
}

func primaryLoaderID(loaders []struct {
	ID      string `json:"id"`
	Primary bool   `json:"primary"`
}) string {
	for _, l := range loaders {
		if l.Primary {
			return l.ID
		}
	}
	if len(loaders) > 0 {
		return loaders[0].ID
	}
	return ""
}

// parseCurseForgeLoaderID turns "forge-47.2.0" into LoaderRef{Forge, "47.2.0"}.
func parseCurseForgeLoaderID(id string) types.LoaderRef {
	parts := strings.SplitN(id, "-", 2)
	if len(parts) != 2 {
		return types.LoaderRef{}
	}
	kind := types.LoaderKind(strings.ToLower(parts[0]))
	switch kind {
	case types.LoaderForge, types.LoaderFabric, types.LoaderQuilt, types.LoaderNeoForge:
		return types.LoaderRef{Kind: kind, Version: parts[1]}
	default:
		return types.LoaderRef{}
	}
}

// --- Modrinth -----------------------------------------------------------

type modrinthIndex struct {
	Name         string            `json:"name"`
	VersionID    string            `json:"versionId"`
	Dependencies map[string]string `json:"dependencies"`
	Files        []modrinthFile    `json:"files"`
}

type modrinthFile struct {
	Path      string            `json:"path"`
	Downloads []string          `json:"downloads"`
	Hashes    map[string]string `json:"hashes"`
	FileSize  int64             `json:"fileSize"`
}

func resolveModrinth(archivePath string) (*Resolved, error) {
	raw, err := archive.ReadEntry(archivePath, modrinthManifestEntry)
	if err != nil {
		return nil, engineerr.New(engineerr.CorruptArchive, "reading modrinth.index.json", err)
	}
	var m modrinthIndex
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, engineerr.New(engineerr.CorruptArchive, "parsing modrinth.index.json", err)
	}

	loader := modrinthLoader(m.Dependencies)
	mcVersion := m.Dependencies["minecraft"]

	out := &Resolved{
		Manifest: types.ModpackManifest{
			Kind:             types.ManifestModrinth,
			Name:             m.Name,
			Version:          m.VersionID,
			MinecraftVersion: mcVersion,
			Loader:           loader,
			OverridesRoot:    "overrides",
		},
	}

	for _, f := range m.Files {
		if len(f.Downloads) == 0 {
			continue
		}
		sha512 := f.Hashes["sha512"]
		ref := types.ManifestFileRef{
			URL:      f.Downloads[0],
			Path:     f.Path,
			Hash:     sha512,
			HashAlgo: types.HashSHA512,
			Size:     f.FileSize,
			Required: true,
		}
		out.Manifest.Files = append(out.Manifest.Files, ref)
		out.Files = append(out.Files, types.ResolvedFile{
			Kind:         types.KindMod,
			TargetPath:   f.Path,
			URL:          f.Downloads[0],
			ExpectedHash: sha512,
			HashAlgo:     types.HashSHA512,
			Size:         f.FileSize,
			Required:     true,
			SourceRef:    ref,
		})
	}

	bundle, err := extractOverrides(archivePath, "overrides")
	if err != nil {
		return nil, err
	}
	out.Overrides = bundle
	appendOverrideFiles(out, bundle)
	dedupeByTargetPath(out)

	return out, nil
}

func modrinthLoader(deps map[string]string) types.LoaderRef {
	for _, kind := range []types.LoaderKind{types.LoaderForge, types.LoaderFabric, types.LoaderQuilt, types.LoaderNeoForge} {
		key := string(kind) + "-loader"
		if v, ok := deps[key]; ok {
			return types.LoaderRef{Kind: kind, Version: v}
		}
	}
	return types.LoaderRef{Kind: types.LoaderVanilla}
}

// --- packwiz (supplemented) ----------------------------------------------

// packToml is packwiz's pack.toml shape: a pack descriptor plus a pointer
// to index.toml, which in turn lists every file's hash.
type packToml struct {
	Name     string `toml:"name"`
	Version  string `toml:"version"`
	Versions struct {
		Minecraft string `toml:"minecraft"`
		Forge     string `toml:"forge"`
		Fabric    string `toml:"fabric"`
		Quilt     string `toml:"quilt"`
		NeoForge  string `toml:"neoforge"`
	} `toml:"versions"`
	Index struct {
		File       string `toml:"file"`
		HashFormat string `toml:"hash-format"`
	} `toml:"index"`
}

type packwizIndex struct {
	HashFormat string `toml:"hash-format"`
	Files      []struct {
		File       string `toml:"file"`
		Hash       string `toml:"hash"`
		HashFormat string `toml:"hash-format"`
		Metafile   bool   `toml:"metafile"`
	} `toml:"files"`
}

func resolvePackwiz(archivePath string) (*Resolved, error) {
	raw, err := archive.ReadEntry(archivePath, packwizManifestEntry)
	if err != nil {
		return nil, engineerr.New(engineerr.CorruptArchive, "reading pack.toml", err)
	}
	var pack packToml
	if err := toml.Unmarshal(raw, &pack); err != nil {
		return nil, engineerr.New(engineerr.CorruptArchive, "parsing pack.toml", err)
	}

	indexEntry := pack.Index.File
	if indexEntry == "" {
		indexEntry = "index.toml"
	}
	rawIndex, err := archive.ReadEntry(archivePath, indexEntry)
	if err != nil {
		return nil, engineerr.New(engineerr.CorruptArchive, "reading "+indexEntry, err)
	}
	var idx packwizIndex
	if err := toml.Unmarshal(rawIndex, &idx); err != nil {
		return nil, engineerr.New(engineerr.CorruptArchive, "parsing "+indexEntry, err)
	}

	loaderKind, loaderVersion := packwizLoader(pack)

	out := &Resolved{
		Manifest: types.ModpackManifest{
			Kind:             types.ManifestPackwiz,
			Name:             pack.Name,
			Version:          pack.Version,
			MinecraftVersion: pack.Versions.Minecraft,
			Loader:           types.LoaderRef{Kind: loaderKind, Version: loaderVersion},
			OverridesRoot:    "",
		},
	}

	defaultAlgo := packwizHashAlgo(idx.HashFormat)
	for _, f := range idx.Files {
		if f.Metafile {
			rf, ok, err := resolvePackwizMetafile(archivePath, f.File)
			if err != nil {
				return nil, err
			}
			if ok {
				out.Manifest.Files = append(out.Manifest.Files, rf.SourceRef)
				out.Files = append(out.Files, rf)
			}
			continue
		}
		algo := defaultAlgo
		if f.HashFormat != "" {
			algo = packwizHashAlgo(f.HashFormat)
		}
		// Non-metafile entries ship their bytes inside the pack itself,
		// alongside pack.toml; carry them so staging never needs a URL.
		data, err := archive.ReadEntry(archivePath, f.File)
		if err != nil {
			return nil, engineerr.New(engineerr.CorruptArchive, "reading "+f.File, err)
		}
		ref := types.ManifestFileRef{Path: f.File, Hash: f.Hash, HashAlgo: algo, Required: true}
		out.Manifest.Files = append(out.Manifest.Files, ref)
		out.Files = append(out.Files, types.ResolvedFile{
			Kind:          classifyPackwizPath(f.File),
			TargetPath:    f.File,
			ExpectedHash:  f.Hash,
			HashAlgo:      algo,
			Required:      true,
			SourceRef:     ref,
			OverrideBytes: data,
		})
	}

	dedupeByTargetPath(out)
	return out, nil
}

// packwizMetafile is a mod pointer file (mods/<slug>.pw.toml): the real
// artifact's filename plus either a direct download block or a CurseForge
// update block for registry resolution.
type packwizMetafile struct {
	Name     string `toml:"name"`
	Filename string `toml:"filename"`
	Side     string `toml:"side"`
	Download struct {
		URL        string `toml:"url"`
		Hash       string `toml:"hash"`
		HashFormat string `toml:"hash-format"`
	} `toml:"download"`
	Update struct {
		CurseForge struct {
			ProjectID int64 `toml:"project-id"`
			FileID    int64 `toml:"file-id"`
		} `toml:"curseforge"`
	} `toml:"update"`
	Option struct {
		Optional bool `toml:"optional"`
	} `toml:"option"`
}

// resolvePackwizMetafile parses one metafile into a download plan entry:
// direct-URL mods come out fully resolved; CurseForge-backed mods come out
// as a (project_id, file_id) pair for the mod URL resolver. Server-only
// mods and metafiles with neither source are skipped (ok=false).
func resolvePackwizMetafile(archivePath, entryPath string) (types.ResolvedFile, bool, error) {
	raw, err := archive.ReadEntry(archivePath, entryPath)
	if err != nil {
		return types.ResolvedFile{}, false, engineerr.New(engineerr.CorruptArchive, "reading "+entryPath, err)
	}
	var mf packwizMetafile
	if err := toml.Unmarshal(raw, &mf); err != nil {
		return types.ResolvedFile{}, false, engineerr.New(engineerr.CorruptArchive, "parsing "+entryPath, err)
	}
	if mf.Side == "server" || mf.Filename == "" {
		return types.ResolvedFile{}, false, nil
	}

	targetPath := mf.Filename
	if dir := path.Dir(entryPath); dir != "." {
		targetPath = dir + "/" + mf.Filename
	}
	required := !mf.Option.Optional

	if mf.Download.URL != "" {
		algo := packwizHashAlgo(mf.Download.HashFormat)
		ref := types.ManifestFileRef{
			URL:      mf.Download.URL,
			Path:     targetPath,
			Hash:     mf.Download.Hash,
			HashAlgo: algo,
			Required: required,
		}
		return types.ResolvedFile{
			Kind:         types.KindMod,
			TargetPath:   targetPath,
			URL:          mf.Download.URL,
			ExpectedHash: mf.Download.Hash,
			HashAlgo:     algo,
			Required:     required,
			SourceRef:    ref,
		}, true, nil
	}

	cf := mf.Update.CurseForge
	if cf.ProjectID != 0 && cf.FileID != 0 {
		ref := types.ManifestFileRef{
			ProjectID: cf.ProjectID,
			FileID:    cf.FileID,
			Path:      targetPath,
			Required:  required,
		}
		return types.ResolvedFile{
			Kind:      types.KindMod,
			HashAlgo:  types.HashSHA1,
			Required:  required,
			SourceRef: ref,
		}, true, nil
	}

	return types.ResolvedFile{}, false, nil
}

func packwizLoader(p packToml) (types.LoaderKind, string) {
	switch {
	case p.Versions.Forge != "":
		return types.LoaderForge, p.Versions.Forge
	case p.Versions.Fabric != "":
		return types.LoaderFabric, p.Versions.Fabric
	case p.Versions.Quilt != "":
		return types.LoaderQuilt, p.Versions.Quilt
	case p.Versions.NeoForge != "":
		return types.LoaderNeoForge, p.Versions.NeoForge
	default:
		return types.LoaderVanilla, ""
	}
}

func packwizHashAlgo(format string) types.HashAlgo {
	switch strings.ToLower(format) {
	case "sha1":
		return types.HashSHA1
	case "sha512":
		return types.HashSHA512
	default:
		return types.HashSHA256
	}
}

func classifyPackwizPath(p string) types.ResolvedFileKind {
	switch {
	case strings.HasPrefix(p, "mods/"):
		return types.KindMod
	default:
		return types.KindOverride
	}
}

// --- shared helpers -------------------------------------------------------

func extractOverrides(archivePath, overridesRoot string) (*types.OverridesBundle, error) {
	bundle := types.NewOverridesBundle()
	r, err := archive.OpenZip(archivePath)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	prefix := strings.TrimSuffix(overridesRoot, "/") + "/"
	for _, e := range archive.IterEntries(r) {
		if e.IsDir || !strings.HasPrefix(e.Path, prefix) {
			continue
		}
		rc, err := e.Open()
		if err != nil {
			continue
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			continue
		}
		bundle.Put(strings.TrimPrefix(e.Path, prefix), data)
	}
	return bundle, nil
}

func appendOverrideFiles(out *Resolved, bundle *types.OverridesBundle) {
	for p, data := range bundle.Files {
		out.Files = append(out.Files, types.ResolvedFile{
			Kind:          types.KindOverride,
			TargetPath:    p,
			Required:      true,
			OverrideBytes: data,
		})
	}
}

// dedupeByTargetPath keeps the last definition per path; overrides are
// appended after mod files, so they always win.
func dedupeByTargetPath(out *Resolved) {
	byPath := make(map[string]int)
	deduped := out.Files[:0]
	for _, f := range out.Files {
		key := f.TargetPath
		if key == "" {
			key = fmt.Sprintf("%d:%d", f.SourceRef.ProjectID, f.SourceRef.FileID)
		}
		if idx, ok := byPath[key]; ok {
			deduped[idx] = f
			continue
		}
		byPath[key] = len(deduped)
		deduped = append(deduped, f)
	}
	out.Files = deduped
}