// Package types holds the data shapes shared across the instance engine:
// manifests, resolved download plans, instance metadata, and progress
// events. None of these types carry behavior of their own.
package types

import "time"

// ManifestKind tags which upstream format a ModpackManifest was parsed from.
type ManifestKind string

const (
	ManifestCurseForge ManifestKind = "curseforge"
	ManifestModrinth   ManifestKind = "modrinth"
	ManifestPackwiz    ManifestKind = "packwiz"
)

// LoaderKind identifies a Minecraft modding runtime.
type LoaderKind string

const (
	LoaderForge    LoaderKind = "forge"
	LoaderFabric   LoaderKind = "fabric"
	LoaderQuilt    LoaderKind = "quilt"
	LoaderNeoForge LoaderKind = "neoforge"
	LoaderVanilla  LoaderKind = "vanilla"
)

// LoaderRef pins a loader kind to a version string.
type LoaderRef struct {
	Kind    LoaderKind `json:"kind"`
	Version string     `json:"version"`
}

// ModpackManifest is the immutable, parsed form of an upstream package,
// regardless of which on-disk shape it came from.
type ModpackManifest struct {
	Kind             ManifestKind      `json:"kind"`
	Name             string            `json:"name"`
	Version          string            `json:"version"`
	MinecraftVersion string            `json:"minecraft_version"`
	Loader           LoaderRef         `json:"loader"`
	Files            []ManifestFileRef `json:"files"`
	OverridesRoot    string            `json:"overrides_root"`
	RecommendedRAMMB int               `json:"recommended_ram_mb,omitempty"`
}

// ManifestFileRef is one entry of a ModpackManifest's file list. CurseForge
// entries carry a (ProjectID, FileID) pair with no URL; Modrinth entries
// carry the URL and hash inline; packwiz entries carry a path-relative hash
// from index.toml.
type ManifestFileRef struct {
	ProjectID int64    `json:"project_id,omitempty"`
	FileID    int64    `json:"file_id,omitempty"`
	URL       string   `json:"url,omitempty"`
	Path      string   `json:"path,omitempty"`
	Hash      string   `json:"hash,omitempty"`
	HashAlgo  HashAlgo `json:"hash_algo,omitempty"`
	Size      int64    `json:"size,omitempty"`
	Required  bool     `json:"required"`
}

// HashAlgo names the digest algorithm a ResolvedFile's ExpectedHash uses.
// The manifest resolver always tags this explicitly per source format —
// CurseForge uses SHA1, Modrinth uses SHA512, packwiz declares its own in
// index.toml — never inferred or cross-compared.
type HashAlgo string

const (
	HashSHA1   HashAlgo = "sha1"
	HashSHA256 HashAlgo = "sha256"
	HashSHA512 HashAlgo = "sha512"
)

// ResolvedFileKind classifies what a ResolvedFile materializes into.
type ResolvedFileKind string

const (
	KindMod       ResolvedFileKind = "mod"
	KindLoaderLib ResolvedFileKind = "loader_lib"
	KindMcAsset   ResolvedFileKind = "mc_asset"
	KindOverride  ResolvedFileKind = "override"
)

// ResolvedFile is a concrete, normalized download plan entry produced by the
// manifest resolver and mod URL resolver.
type ResolvedFile struct {
	Kind         ResolvedFileKind `json:"kind"`
	TargetPath   string           `json:"target_path"`
	URL          string           `json:"url,omitempty"`
	ExpectedHash string           `json:"expected_hash,omitempty"`
	HashAlgo     HashAlgo         `json:"hash_algo,omitempty"`
	Size         int64            `json:"size,omitempty"`
	Restricted   bool             `json:"restricted"`
	Required     bool             `json:"required"`
	SourceRef    ManifestFileRef  `json:"source_ref"`
	// OverrideBytes carries in-archive bytes (overrides entries, and packwiz
	// files shipped inside the pack) so staging writes them straight to disk
	// instead of downloading them.
	OverrideBytes []byte `json:"-"`
}

// OverridesBundle is a byte-addressable map of user- or archive-provided
// files keyed by instance-relative path. It lives only in memory until its
// contents are committed into the instance tree or injected into an
// archive.
type OverridesBundle struct {
	Files map[string][]byte
}

// NewOverridesBundle returns an empty bundle.
func NewOverridesBundle() *OverridesBundle {
	return &OverridesBundle{Files: make(map[string][]byte)}
}

// Put stores bytes for a path, overwriting any previous entry.
func (b *OverridesBundle) Put(path string, data []byte) {
	b.Files[path] = data
}

// Get returns the bytes for path and whether they were present.
func (b *OverridesBundle) Get(path string) ([]byte, bool) {
	data, ok := b.Files[path]
	return data, ok
}

// RAMMode selects how an instance's JVM heap size is computed.
type RAMMode string

const (
	RAMRecommended RAMMode = "recommended"
	RAMGlobal      RAMMode = "global"
	RAMCustom      RAMMode = "custom"
)

// InstanceStatus is the orchestrator's per-instance state machine value.
type InstanceStatus string

const (
	StatusNotInstalled InstanceStatus = "not_installed"
	StatusInstalling   InstanceStatus = "installing"
	StatusInstalled    InstanceStatus = "installed"
	StatusOutdated     InstanceStatus = "outdated"
	StatusUpdating     InstanceStatus = "updating"
	StatusRepairing    InstanceStatus = "repairing"
	StatusReinstalling InstanceStatus = "reinstalling"
	StatusLaunching    InstanceStatus = "launching"
	StatusRunning      InstanceStatus = "running"
	StatusStopping     InstanceStatus = "stopping"
	StatusError        InstanceStatus = "error"
)

// InstanceMetadata is the persisted JSON journal at <instance>/instance.json.
// It is present if and only if the instance is installed or outdated.
type InstanceMetadata struct {
	ID                       string         `json:"id"`
	Name                     string         `json:"name"`
	InstalledVersion         string         `json:"installed_version"`
	MinecraftVersion         string         `json:"minecraft_version"`
	Loader                   LoaderRef      `json:"loader"`
	InstalledAt              time.Time      `json:"installed_at"`
	RAMAllocation            RAMMode        `json:"ram_allocation"`
	CustomRAMMB              int            `json:"custom_ram_mb,omitempty"`
	AllowCustomMods          bool           `json:"allow_custom_mods"`
	AllowCustomResourcepacks bool           `json:"allow_custom_resourcepacks"`
	AllowCustomConfigs       bool           `json:"allow_custom_configs"`
	RecommendedRAMMB         int            `json:"recommended_ram_mb,omitempty"`
	Category                 string         `json:"category,omitempty"`
	Status                   InstanceStatus `json:"status"`
}

// ProtectionManifest is the derived (never persisted) set of path globs the
// engine considers upstream-owned for one operation.
type ProtectionManifest struct {
	Globs []string
}

// CacheEntry describes one object in the content-addressed cache.
type CacheEntry struct {
	Hash      string    `json:"hash"`
	Size      int64     `json:"size"`
	SourceURL string    `json:"source_url,omitempty"`
	LastSeen  time.Time `json:"last_seen"`
}

// FailReason classifies why a ResolvedFile did not end up on disk.
type FailReason string

const (
	ReasonMissing      FailReason = "missing"
	ReasonRestricted   FailReason = "restricted"
	ReasonHashMismatch FailReason = "hash_mismatch"
	ReasonNetwork      FailReason = "network"
)

// FailedMod records one file the engine could not (or deliberately did not)
// materialize.
type FailedMod struct {
	ProjectID int64      `json:"project_id,omitempty"`
	FileID    int64      `json:"file_id,omitempty"`
	FileName  string     `json:"file_name,omitempty"`
	Reason    FailReason `json:"reason"`
}

// DownloadResult is the outcome of running a batch of ResolvedFile through
// the fetch pool.
type DownloadResult struct {
	Succeeded []ResolvedFile
	Failed    []FailedMod
}

// ProgressStep names the phase a ProgressSample belongs to.
type ProgressStep string

const (
	StepResolving ProgressStep = "resolving"
	StepLoader    ProgressStep = "loader"
	StepMods      ProgressStep = "mods"
	StepStaging   ProgressStep = "staging"
	StepDone      ProgressStep = "done"
)

// ProgressSample is one tick emitted on the progress bus.
type ProgressSample struct {
	Percentage  float64      `json:"percentage"`
	Step        ProgressStep `json:"step"`
	CurrentItem int          `json:"current_item,omitempty"`
	TotalItems  int          `json:"total_items,omitempty"`
	File        string       `json:"file,omitempty"`
	BytesPerSec int64        `json:"bytes_per_sec,omitempty"`
	ETASeconds  int64        `json:"eta_seconds,omitempty"`
}

// LogLine is one line of streamed JVM output.
type LogLine struct {
	Text      string    `json:"text"`
	Stream    string    `json:"stream"` // "stdout" or "stderr"
	Timestamp time.Time `json:"timestamp"`
}
