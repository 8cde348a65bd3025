// Package javart provisions a JRE matching a Minecraft version's declared
// javaVersion.majorVersion: a PrismLauncher meta lookup to find the
// required major, an Adoptium API call for the archive, and extraction into
// the shared meta/java/<major>/<platform> tree.
package javart

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"instanceforge/internal/elog"
	"instanceforge/internal/engineerr"
	"instanceforge/internal/hashio"
)

const (
	defaultJavaMajor    = 17
	prismMetaURLPattern = "https://raw.githubusercontent.com/PrismLauncher/meta-launcher/refs/heads/master/net.minecraft/%s.json"
	adoptiumURLPattern  = "https://api.adoptium.net/v3/assets/latest/%d/hotspot?architecture=%s&image_type=jre&os=%s"
	fetchTimeout        = 30 * time.Second
	installTimeout      = 10 * time.Minute
)

// Provisioner resolves and installs a JRE into the shared meta tree.
type Provisioner struct {
	MetaDir string // <data>/meta/java
	Client  *http.Client
	Log     *elog.Logger
}

// NewProvisioner builds a Provisioner rooted at metaDir (typically
// <data>/meta/java).
func NewProvisioner(metaDir string, log *elog.Logger) *Provisioner {
	return &Provisioner{
		MetaDir: metaDir,
		Client:  &http.Client{Timeout: fetchTimeout},
		Log:     log,
	}
}

type javaCompatibility struct {
	JavaVersion struct {
		MajorVersion int `json:"majorVersion"`
	} `json:"javaVersion"`
	CompatibleJavaMajors []int `json:"compatibleJavaMajors"`
}

// RequiredMajor resolves the Java major version a Minecraft version
// requires, consulting PrismLauncher's meta-launcher index. Falls back to
// defaultJavaMajor on any lookup failure — a missing Java compatibility
// entry must not block an otherwise-resolvable install.
func (p *Provisioner) RequiredMajor(ctx context.Context, mcVersion string) int {
	mcVersion = strings.TrimSpace(mcVersion)
	if mcVersion == "" {
		return defaultJavaMajor
	}

	url := fmt.Sprintf(prismMetaURLPattern, mcVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return defaultJavaMajor
	}
	req.Header.Set("User-Agent", "instanceforge/1.0")

	resp, err := p.Client.Do(req)
	if err != nil {
		p.logWarn("fetching java compatibility", "minecraft_version", mcVersion, "error", err)
		return defaultJavaMajor
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		p.logWarn("java compatibility lookup returned non-200", "minecraft_version", mcVersion, "status", resp.StatusCode)
		return defaultJavaMajor
	}

	var data javaCompatibility
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return defaultJavaMajor
	}

	if data.JavaVersion.MajorVersion > 0 {
		return data.JavaVersion.MajorVersion
	}
	best := 0
	for _, m := range data.CompatibleJavaMajors {
		if m > best {
			best = m
		}
	}
	if best > 0 {
		return best
	}
	return defaultJavaMajor
}

// InstallDir is where a major version's JRE lives once provisioned:
// <MetaDir>/<major>/<platform>.
func (p *Provisioner) InstallDir(major int) string {
	return filepath.Join(p.MetaDir, strconv.Itoa(major), platformTag())
}

// JavaBinary returns the path to the java executable inside an installed
// JRE, or "" and false if that executable isn't there yet.
func (p *Provisioner) JavaBinary(major int) (string, bool) {
	dir := p.InstallDir(major)
	bin := "java"
	if runtime.GOOS == "windows" {
		bin = "java.exe"
	}
	path := filepath.Join(dir, "bin", bin)
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}

// Ensure installs a JRE for major if it isn't already present, returning the
// java binary path. Once Ensure succeeds a subsequent launch needs no
// further network I/O for this major version.
func (p *Provisioner) Ensure(ctx context.Context, major int) (string, error) {
	if bin, ok := p.JavaBinary(major); ok {
		return bin, nil
	}

	url, err := p.downloadURL(ctx, major)
	if err != nil {
		return "", err
	}

	archivePath := filepath.Join(os.TempDir(), fmt.Sprintf("instanceforge-jre-%d-%d.zip", major, time.Now().UnixNano()))
	if err := p.downloadArchive(ctx, url, archivePath); err != nil {
		return "", err
	}
	defer os.Remove(archivePath)

	dest := p.InstallDir(major)
	if err := extractStrippingRoot(archivePath, dest); err != nil {
		return "", engineerr.Wrap(engineerr.JavaError, err)
	}

	bin, ok := p.JavaBinary(major)
	if !ok {
		return "", engineerr.New(engineerr.JavaError, fmt.Sprintf("java binary missing after extracting JRE %d", major), nil)
	}
	return bin, nil
}

type adoptiumAsset struct {
	Binaries []struct {
		Package struct {
			Link string `json:"link"`
		} `json:"package"`
	} `json:"binaries"`
}

func (p *Provisioner) downloadURL(ctx context.Context, major int) (string, error) {
	url := fmt.Sprintf(adoptiumURLPattern, major, adoptiumArch(), adoptiumOS())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("javart: building adoptium request: %w", err)
	}
	req.Header.Set("User-Agent", "instanceforge/1.0")

	resp, err := p.Client.Do(req)
	if err != nil {
		return "", engineerr.New(engineerr.RegistryNetwork, "adoptium request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", engineerr.New(engineerr.JavaError, fmt.Sprintf("adoptium returned %d for java %d", resp.StatusCode, major), nil)
	}

	var assets []adoptiumAsset
	if err := json.NewDecoder(resp.Body).Decode(&assets); err != nil {
		return "", engineerr.Wrap(engineerr.JavaError, err)
	}
	for _, a := range assets {
		for _, b := range a.Binaries {
			if strings.HasSuffix(strings.ToLower(b.Package.Link), ".zip") {
				return b.Package.Link, nil
			}
		}
	}
	return "", engineerr.New(engineerr.JavaError, fmt.Sprintf("no JRE archive found for java %d on %s/%s", major, adoptiumOS(), adoptiumArch()), nil)
}

func (p *Provisioner) downloadArchive(ctx context.Context, url, dest string) error {
	ctx, cancel := context.WithTimeout(ctx, installTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("javart: building download request: %w", err)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return engineerr.New(engineerr.RegistryNetwork, "downloading JRE archive", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return engineerr.New(engineerr.RegistryNetwork, fmt.Sprintf("JRE archive download returned %d", resp.StatusCode), nil)
	}

	return hashio.WriteAtomic(dest, resp.Body, 0o644)
}

// extractStrippingRoot extracts archivePath into dest, stripping the single
// top-level directory Adoptium zips wrap everything in (e.g.
// "jdk-17.0.9+9-jre/").
func extractStrippingRoot(archivePath, dest string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return engineerr.New(engineerr.CorruptArchive, "opening JRE archive", err)
	}
	defer r.Close()

	root := commonRootPrefix(r.File)

	for _, f := range r.File {
		rel := strings.TrimPrefix(f.Name, root)
		if rel == "" {
			continue
		}
		target := filepath.Join(dest, filepath.FromSlash(rel))

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := extractOne(f, target); err != nil {
			return err
		}
	}
	return nil
}

func extractOne(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	mode := f.FileInfo().Mode()
	if mode == 0 {
		mode = 0o644
	}
	return hashio.WriteAtomic(target, rc, mode)
}

// commonRootPrefix returns the shared top-level directory (with trailing
// slash) of every entry in files, or "" if they don't share one.
func commonRootPrefix(files []*zip.File) string {
	if len(files) == 0 {
		return ""
	}
	first := files[0].Name
	idx := strings.Index(first, "/")
	if idx < 0 {
		return ""
	}
	root := first[:idx+1]
	for _, f := range files {
		if !strings.HasPrefix(f.Name, root) {
			return ""
		}
	}
	return root
}

func adoptiumArch() string {
	switch runtime.GOARCH {
	case "amd64":
		return "x64"
	case "arm64":
		return "aarch64"
	case "386":
		return "x32"
	default:
		return runtime.GOARCH
	}
}

func adoptiumOS() string {
	switch runtime.GOOS {
	case "windows":
		return "windows"
	case "darwin":
		return "mac"
	default:
		return "linux"
	}
}

func platformTag() string {
	return runtime.GOOS + "-" + runtime.GOARCH
}

func (p *Provisioner) logWarn(msg string, args ...any) {
	if p.Log != nil {
		p.Log.Warn(msg, args...)
	}
}
