// Package loader installs Minecraft's vanilla runtime plus one of
// {Forge, Fabric, Quilt, NeoForge} into the shared meta/ tree: fetch the
// version manifest, resolve the library set, and download straight into
// meta/versions and meta/libraries.
package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"instanceforge/internal/archive"
	"instanceforge/internal/elog"
	"instanceforge/internal/engineerr"
	"instanceforge/internal/fetch"
	"instanceforge/internal/hashio"
	"instanceforge/pkg/types"
)

const (
	mojangVersionManifestURL = "https://piston-meta.mojang.com/mc/game/version_manifest_v2.json"
	maxConcurrentLibraries   = 8
	fetchTimeout             = 30 * time.Second
)

// Tree is the shared meta/ directory layout: versions/, libraries/, java/,
// cache/.
type Tree struct {
	Root string // <data>/meta
}

func (t Tree) VersionsDir() string   { return filepath.Join(t.Root, "versions") }
func (t Tree) LibrariesDir() string  { return filepath.Join(t.Root, "libraries") }
func (t Tree) VersionJSONPath(id string) string {
	return filepath.Join(t.VersionsDir(), id+".json")
}

// Installer resolves and materializes the library set for a
// (minecraft_version, loader) pair into a Tree.
type Installer struct {
	Tree   Tree
	Client *http.Client
	Fetch  *fetch.Pool
	Log    *elog.Logger
	sem    *semaphore.Weighted
}

// NewInstaller builds an Installer. fetchPool is reused from the caller so
// all downloads — mod files and loader libraries alike — share one
// concurrency budget and retry policy.
func NewInstaller(tree Tree, fetchPool *fetch.Pool, log *elog.Logger) *Installer {
	return &Installer{
		Tree:   tree,
		Client: &http.Client{Timeout: fetchTimeout},
		Fetch:  fetchPool,
		Log:    log,
		sem:    semaphore.NewWeighted(maxConcurrentLibraries),
	}
}

// versionManifest is Mojang's top-level version index.
type versionManifest struct {
	Versions []struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	} `json:"versions"`
}

// versionJSON is the subset of Mojang's per-version package manifest the
// installer needs: library list and declared Java major version.
type versionJSON struct {
	ID          string `json:"id"`
	JavaVersion struct {
		MajorVersion int `json:"majorVersion"`
	} `json:"javaVersion"`
	Libraries []struct {
		Name      string `json:"name"`
		Downloads struct {
			Artifact struct {
				Path string `json:"path"`
				URL  string `json:"url"`
				SHA1 string `json:"sha1"`
				Size int64  `json:"size"`
			} `json:"artifact"`
		} `json:"downloads"`
		Rules []struct {
			Action string `json:"action"`
			OS     struct {
				Name string `json:"name"`
			} `json:"os"`
		} `json:"rules"`
	} `json:"libraries"`
	MainClass string `json:"mainClass"`
	Arguments struct {
		Game []json.RawMessage `json:"game"`
		JVM  []json.RawMessage `json:"jvm"`
	} `json:"arguments"`
}

// Resolved is the fully materialized install: every library downloaded,
// the version JSON cached, and the facts build_launch_command needs.
// LoaderJSONPath is empty for vanilla; otherwise it points at the cached
// loader version JSON whose mainClass and extra arguments layer on top of
// the vanilla ones at launch.
type Resolved struct {
	VersionJSONPath string
	LoaderJSONPath  string
	JavaMajor       int
	MainClass       string
	Libraries       []string // absolute paths, classpath order
}

// Install ensures mcVersion and ref are present in the shared tree,
// downloading anything missing. Once this returns success a launch command
// can be built with no further network I/O.
func (in *Installer) Install(ctx context.Context, mcVersion string, ref types.LoaderRef) (*Resolved, error) {
	if err := in.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer in.sem.Release(1)

	vjson, err := in.resolveVersionJSON(ctx, mcVersion)
	if err != nil {
		return nil, err
	}

	libs, err := in.installLibraries(ctx, vjson)
	if err != nil {
		return nil, err
	}

	var loaderJSONPath string
	if ref.Kind != types.LoaderVanilla {
		loaderLibs, jsonPath, err := in.installLoader(ctx, mcVersion, ref)
		if err != nil {
			return nil, err
		}
		libs = append(libs, loaderLibs...)
		loaderJSONPath = jsonPath
	}

	return &Resolved{
		VersionJSONPath: in.Tree.VersionJSONPath(mcVersion),
		LoaderJSONPath:  loaderJSONPath,
		JavaMajor:       vjson.JavaVersion.MajorVersion,
		MainClass:       vjson.MainClass,
		Libraries:       libs,
	}, nil
}

// loaderVersionID names the cached loader JSON under meta/versions, e.g.
// "1.20.1-forge-47.2.0".
func loaderVersionID(mcVersion string, ref types.LoaderRef) string {
	return fmt.Sprintf("%s-%s-%s", mcVersion, ref.Kind, ref.Version)
}

// resolveVersionJSON returns the cached version JSON for mcVersion,
// fetching and caching it under meta/versions/<id>.json if absent.
func (in *Installer) resolveVersionJSON(ctx context.Context, mcVersion string) (*versionJSON, error) {
	cachedPath := in.Tree.VersionJSONPath(mcVersion)
	if raw, err := readIfExists(cachedPath); err == nil && raw != nil {
		var vjson versionJSON
		if err := json.Unmarshal(raw, &vjson); err == nil {
			return &vjson, nil
		}
	}

	manifestURL, err := in.findVersionURL(ctx, mcVersion)
	if err != nil {
		return nil, err
	}

	raw, err := in.getJSON(ctx, manifestURL)
	if err != nil {
		return nil, err
	}

	if err := hashio.WriteAtomic(cachedPath, strings.NewReader(string(raw)), 0o644); err != nil {
		return nil, fmt.Errorf("loader: caching version json: %w", err)
	}

	var vjson versionJSON
	if err := json.Unmarshal(raw, &vjson); err != nil {
		return nil, engineerr.New(engineerr.LoaderIncomplete, "parsing version json", err)
	}
	return &vjson, nil
}

func (in *Installer) findVersionURL(ctx context.Context, mcVersion string) (string, error) {
	raw, err := in.getJSON(ctx, mojangVersionManifestURL)
	if err != nil {
		return "", err
	}
	var m versionManifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", engineerr.New(engineerr.LoaderIncomplete, "parsing version manifest", err)
	}
	for _, v := range m.Versions {
		if v.ID == mcVersion {
			return v.URL, nil
		}
	}
	return "", engineerr.New(engineerr.LoaderIncomplete, "unknown minecraft version "+mcVersion, nil)
}

func (in *Installer) getJSON(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := in.Client.Do(req)
	if err != nil {
		return nil, engineerr.New(engineerr.RegistryNetwork, "fetching "+url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, engineerr.New(engineerr.RegistryNetwork, fmt.Sprintf("%s returned %d", url, resp.StatusCode), nil)
	}
	buf := make([]byte, 0, 64*1024)
	chunk := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if rerr != nil {
			break
		}
	}
	return buf, nil
}

// installLibraries downloads every OS-applicable library named in vjson
// that isn't already present under meta/libraries. The tree is
// write-once-by-hash: two concurrent installs of the same library converge
// via WriteAtomic's rename, so no additional locking is needed here.
func (in *Installer) installLibraries(ctx context.Context, vjson *versionJSON) ([]string, error) {
	var jobs []fetch.Job
	var paths []string

	for _, lib := range vjson.Libraries {
		if !appliesToThisOS(lib.Rules) {
			continue
		}
		if lib.Downloads.Artifact.Path == "" {
			continue
		}
		dest := filepath.Join(in.Tree.LibrariesDir(), filepath.FromSlash(lib.Downloads.Artifact.Path))
		paths = append(paths, dest)
		if fileExists(dest) {
			continue
		}
		jobs = append(jobs, fetch.Job{
			URL:          lib.Downloads.Artifact.URL,
			TargetPath:   dest,
			ExpectedHash: lib.Downloads.Artifact.SHA1,
			HashAlgo:     types.HashSHA1,
			Size:         lib.Downloads.Artifact.Size,
		})
	}

	if len(jobs) > 0 {
		result := in.Fetch.Run(ctx, jobs)
		if len(result.Failed) > 0 {
			return nil, engineerr.New(engineerr.LoaderIncomplete, fmt.Sprintf("%d core libraries failed to download", len(result.Failed)), nil)
		}
	}

	return paths, nil
}

// installLoader dispatches to the loader-specific library resolver. Fabric
// and Quilt publish a meta API listing the extra jars; Forge and NeoForge
// ship an installer jar whose embedded version.json carries the library
// list. All four funnel through the same fetch pool so retries/backoff stay
// uniform, and all four leave a cached loader JSON under meta/versions.
func (in *Installer) installLoader(ctx context.Context, mcVersion string, ref types.LoaderRef) ([]string, string, error) {
	switch ref.Kind {
	case types.LoaderFabric:
		return in.installFabricLike(ctx, "https://meta.fabricmc.net/v2", "https://maven.fabricmc.net/", mcVersion, ref)
	case types.LoaderQuilt:
		return in.installFabricLike(ctx, "https://meta.quiltmc.org/v3", "https://maven.quiltmc.org/repository/release/", mcVersion, ref)
	case types.LoaderForge:
		url := fmt.Sprintf("https://maven.minecraftforge.net/net/minecraftforge/forge/%s-%s/forge-%s-%s-installer.jar",
			mcVersion, ref.Version, mcVersion, ref.Version)
		return in.installFromInstallerJar(ctx, url, mcVersion, ref)
	case types.LoaderNeoForge:
		url := fmt.Sprintf("https://maven.neoforged.net/releases/net/neoforged/neoforge/%s/neoforge-%s-installer.jar",
			ref.Version, ref.Version)
		return in.installFromInstallerJar(ctx, url, mcVersion, ref)
	default:
		return nil, "", nil
	}
}

// fabricLoaderMeta matches both Fabric's and Quilt's /versions/loader/<mc>/<loader>
// response shape: the loader and intermediary maven coordinates plus
// launcherMeta.libraries.common as the extra jars layered on top of vanilla.
// mainClass is a plain string in old responses and a {client, server} object
// in current ones.
type fabricLoaderMeta struct {
	Loader struct {
		Maven string `json:"maven"`
	} `json:"loader"`
	Intermediary struct {
		Maven string `json:"maven"`
	} `json:"intermediary"`
	LauncherMeta struct {
		MainClass json.RawMessage `json:"mainClass"`
		Libraries struct {
			Common []struct {
				Name string `json:"name"`
				URL  string `json:"url"`
			} `json:"common"`
		} `json:"libraries"`
	} `json:"launcherMeta"`
}

func (in *Installer) installFabricLike(ctx context.Context, metaBase, mavenBase, mcVersion string, ref types.LoaderRef) ([]string, string, error) {
	url := fmt.Sprintf("%s/versions/loader/%s/%s", metaBase, mcVersion, ref.Version)
	raw, err := in.getJSON(ctx, url)
	if err != nil {
		return nil, "", err
	}
	var meta fabricLoaderMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, "", engineerr.New(engineerr.LoaderIncomplete, "parsing fabric/quilt loader meta", err)
	}

	type coordSource struct {
		coord string
		base  string
	}
	sources := []coordSource{
		{meta.Loader.Maven, mavenBase},
		{meta.Intermediary.Maven, "https://maven.fabricmc.net/"},
	}
	for _, lib := range meta.LauncherMeta.Libraries.Common {
		sources = append(sources, coordSource{lib.Name, lib.URL})
	}

	var jobs []fetch.Job
	var paths []string
	for _, src := range sources {
		relPath := mavenCoordToPath(src.coord)
		if relPath == "" {
			continue
		}
		dest := filepath.Join(in.Tree.LibrariesDir(), filepath.FromSlash(relPath))
		paths = append(paths, dest)
		if fileExists(dest) {
			continue
		}
		jobs = append(jobs, fetch.Job{
			URL:        strings.TrimSuffix(src.base, "/") + "/" + relPath,
			TargetPath: dest,
		})
	}

	if len(jobs) > 0 {
		result := in.Fetch.Run(ctx, jobs)
		if len(result.Failed) > 0 {
			return nil, "", engineerr.New(engineerr.LoaderIncomplete, fmt.Sprintf("%d loader libraries failed to download", len(result.Failed)), nil)
		}
	}

	jsonPath, err := in.cacheLoaderJSON(mcVersion, ref, fabricMainClass(meta.LauncherMeta.MainClass), nil)
	if err != nil {
		return nil, "", err
	}
	return paths, jsonPath, nil
}

// fabricMainClass extracts the client main class from either encoding of
// launcherMeta.mainClass.
func fabricMainClass(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Client string `json:"client"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Client
	}
	return ""
}

// installFromInstallerJar downloads a Forge/NeoForge installer jar, reads the
// version.json it embeds, caches that JSON under meta/versions, and
// materializes its library list: entries with a download URL go through the
// fetch pool; entries shipped inside the installer (empty URL, present path)
// are extracted from its maven/ directory.
func (in *Installer) installFromInstallerJar(ctx context.Context, installerURL, mcVersion string, ref types.LoaderRef) ([]string, string, error) {
	installerPath := filepath.Join(os.TempDir(), fmt.Sprintf("instanceforge-%s-%s-installer.jar", ref.Kind, ref.Version))
	result := in.Fetch.Run(ctx, []fetch.Job{{URL: installerURL, TargetPath: installerPath}})
	if len(result.Failed) > 0 {
		return nil, "", engineerr.New(engineerr.LoaderIncomplete, fmt.Sprintf("downloading %s installer", ref.Kind), nil)
	}
	defer os.Remove(installerPath)

	raw, err := archive.ReadEntry(installerPath, "version.json")
	if err != nil {
		return nil, "", engineerr.New(engineerr.LoaderIncomplete, "installer jar carries no version.json", err)
	}
	var vjson versionJSON
	if err := json.Unmarshal(raw, &vjson); err != nil {
		return nil, "", engineerr.New(engineerr.LoaderIncomplete, "parsing installer version.json", err)
	}

	jsonPath := in.Tree.VersionJSONPath(loaderVersionID(mcVersion, ref))
	if err := hashio.WriteAtomic(jsonPath, strings.NewReader(string(raw)), 0o644); err != nil {
		return nil, "", fmt.Errorf("loader: caching loader json: %w", err)
	}

	var jobs []fetch.Job
	var paths []string
	for _, lib := range vjson.Libraries {
		if !appliesToThisOS(lib.Rules) {
			continue
		}
		art := lib.Downloads.Artifact
		if art.Path == "" {
			continue
		}
		dest := filepath.Join(in.Tree.LibrariesDir(), filepath.FromSlash(art.Path))
		paths = append(paths, dest)
		if fileExists(dest) {
			continue
		}
		if art.URL == "" {
			if err := in.extractBundledLibrary(installerPath, art.Path, dest); err != nil {
				return nil, "", err
			}
			continue
		}
		jobs = append(jobs, fetch.Job{
			URL:          art.URL,
			TargetPath:   dest,
			ExpectedHash: art.SHA1,
			HashAlgo:     types.HashSHA1,
			Size:         art.Size,
		})
	}

	if len(jobs) > 0 {
		result := in.Fetch.Run(ctx, jobs)
		if len(result.Failed) > 0 {
			return nil, "", engineerr.New(engineerr.LoaderIncomplete, fmt.Sprintf("%d loader libraries failed to download", len(result.Failed)), nil)
		}
	}
	return paths, jsonPath, nil
}

// extractBundledLibrary copies maven/<relPath> out of the installer jar into
// the shared libraries tree. A library the installer neither hosts nor
// bundles is fatal.
func (in *Installer) extractBundledLibrary(installerPath, relPath, dest string) error {
	data, err := archive.ReadEntry(installerPath, "maven/"+relPath)
	if err != nil {
		return engineerr.New(engineerr.LoaderIncomplete, "library "+relPath+" missing from installer", err)
	}
	return hashio.WriteAtomic(dest, strings.NewReader(string(data)), 0o644)
}

// cacheLoaderJSON writes a minimal loader version JSON (mainClass plus any
// extra game arguments) under meta/versions so launch can layer it over the
// vanilla version JSON without re-contacting the loader's meta API.
func (in *Installer) cacheLoaderJSON(mcVersion string, ref types.LoaderRef, mainClass string, gameArgs []string) (string, error) {
	doc := map[string]any{"id": loaderVersionID(mcVersion, ref)}
	if mainClass != "" {
		doc["mainClass"] = mainClass
	}
	if len(gameArgs) > 0 {
		doc["arguments"] = map[string]any{"game": gameArgs}
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", err
	}
	jsonPath := in.Tree.VersionJSONPath(loaderVersionID(mcVersion, ref))
	if err := hashio.WriteAtomic(jsonPath, strings.NewReader(string(raw)), 0o644); err != nil {
		return "", fmt.Errorf("loader: caching loader json: %w", err)
	}
	return jsonPath, nil
}

// mavenCoordToPath converts "group:artifact:version" into the maven
// repository-relative path group/with/slashes/artifact/version/artifact-version.jar.
func mavenCoordToPath(coord string) string {
	parts := strings.Split(coord, ":")
	if len(parts) != 3 {
		return ""
	}
	group, artifact, version := parts[0], parts[1], parts[2]
	groupPath := strings.ReplaceAll(group, ".", "/")
	return fmt.Sprintf("%s/%s/%s/%s-%s.jar", groupPath, artifact, version, artifact, version)
}

func appliesToThisOS(rules []struct {
	Action string `json:"action"`
	OS     struct {
		Name string `json:"name"`
	} `json:"os"`
}) bool {
	if len(rules) == 0 {
		return true
	}
	allowed := false
	for _, r := range rules {
		matchesOS := r.OS.Name == "" || r.OS.Name == currentOSName()
		if !matchesOS {
			continue
		}
		allowed = r.Action == "allow"
	}
	return allowed
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func readIfExists(path string) ([]byte, error) {
	if !fileExists(path) {
		return nil, nil
	}
	return os.ReadFile(path)
}

func currentOSName() string {
	switch runtime.GOOS {
	case "windows":
		return "windows"
	case "darwin":
		return "osx"
	default:
		return "linux"
	}
}
