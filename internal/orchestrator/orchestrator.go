// Package orchestrator drives the per-instance state machine: install,
// update, repair, reinstall, launch, stop. The subsystem packages —
// manifest, modresolver, fetch, loader, javart, store, protection, launch,
// sysmem — each own one concern; this package is only the wiring and the
// state machine around them.
package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"instanceforge/internal/elog"
	"instanceforge/internal/engcfg"
	"instanceforge/internal/engineerr"
	"instanceforge/internal/fetch"
	"instanceforge/internal/hashio"
	"instanceforge/internal/javart"
	"instanceforge/internal/launch"
	"instanceforge/internal/loader"
	"instanceforge/internal/manifest"
	"instanceforge/internal/modresolver"
	"instanceforge/internal/progress"
	"instanceforge/internal/protection"
	"instanceforge/internal/store"
	"instanceforge/internal/sysmem"
	"instanceforge/pkg/types"
)

// managedSubtrees mirrors store's subtreeCommitOrder; it is the set of
// instance directories a mutating operation may ever touch. Everything
// outside these four directories (saves/, screenshots/, shaderpacks/,
// logs/, and root files like options.txt) is never staged and therefore
// never at risk, by construction rather than by a check anyone has to
// remember to run.
var managedSubtrees = []string{"mods", "config", "scripts", "resourcepacks"}

// Engine owns every subsystem a mutating or launching operation needs and
// the per-instance locks that keep two such operations from racing.
type Engine struct {
	Store      *store.Store
	Fetch      *fetch.Pool
	Loader     *loader.Installer
	Java       *javart.Provisioner
	CurseForge *modresolver.Client
	Cfg        *engcfg.Config
	Log        *elog.Logger

	// Progress, if set, receives weighted-phase samples for every mutating
	// operation. One Engine should only ever run one progress-reported
	// operation at a time (the engine's own per-instance locks already
	// serialize writes to a given instance, but two *different* instances
	// installing concurrently would interleave samples on the same
	// Aggregator) — cmd/engine only ever runs one operation per process,
	// so this is never a problem in practice.
	Progress *progress.Aggregator

	mu        sync.Mutex
	locks     map[string]*sync.Mutex
	statuses  map[string]types.InstanceStatus
	processes map[string]*launch.ProcessHandle
}

// New builds an Engine rooted at cfg.DataDir, wiring the fetch pool into
// both the loader installer and the orchestrator's own mod downloads so
// every network operation shares one concurrency budget and retry policy.
func New(cfg *engcfg.Config, log *elog.Logger) *Engine {
	st := store.New(cfg.DataDir)
	fetchPool := fetch.NewPool(cfg.DownloadConcurrency, log)
	return &Engine{
		Store:      st,
		Fetch:      fetchPool,
		Loader:     loader.NewInstaller(loader.Tree{Root: st.MetaDir()}, fetchPool, log),
		Java:       javart.NewProvisioner(filepath.Join(st.MetaDir(), "java"), log),
		CurseForge: modresolver.NewClient(cfg.CurseForgeAPIKey, log),
		Cfg:        cfg,
		Log:        log,
		locks:      make(map[string]*sync.Mutex),
		statuses:   make(map[string]types.InstanceStatus),
		processes:  make(map[string]*launch.ProcessHandle),
	}
}

// OpResult is the outcome of a completed mutating operation: the committed
// journal plus any per-file failures that didn't block overall success
// (optional files the registry couldn't serve, restricted files with no
// override supplied). A required file failing fails the whole operation
// instead of landing here.
type OpResult struct {
	Meta   *types.InstanceMetadata
	Failed []types.FailedMod
}

// InstallOptions carries the user-chosen knobs that live in instance.json
// but aren't discovered from the archive itself.
type InstallOptions struct {
	Name                     string
	RAMAllocation            types.RAMMode
	CustomRAMMB              int
	AllowCustomMods          bool
	AllowCustomResourcepacks bool
	AllowCustomConfigs       bool
	Category                 string
}

func (e *Engine) lockFor(id string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	return l
}

func (e *Engine) setStatus(id string, s types.InstanceStatus) {
	e.mu.Lock()
	e.statuses[id] = s
	e.mu.Unlock()
}

// Status reports an instance's current state machine value. An instance
// with no journal and no in-flight operation is NotInstalled.
func (e *Engine) Status(id string) types.InstanceStatus {
	e.mu.Lock()
	s, ok := e.statuses[id]
	e.mu.Unlock()
	if ok {
		return s
	}
	if meta, err := e.Store.ReadMetadata(id); err == nil {
		return meta.Status
	}
	return types.StatusNotInstalled
}

// CheckOutdated compares an installed instance's journal against the latest
// available modpack version and transitions it to Outdated on mismatch. It
// takes the shared read path: no per-instance mutex, since it never touches
// the tree.
func (e *Engine) CheckOutdated(id, availableVersion string) (bool, error) {
	meta, err := e.Store.ReadMetadata(id)
	if err != nil {
		return false, err
	}
	if meta.InstalledVersion == availableVersion {
		return false, nil
	}
	e.setStatus(id, types.StatusOutdated)
	return true, nil
}

// Install resolves archivePath, downloads every upstream component, and
// commits a brand-new instance tree: resolve, fill in registry URLs,
// download Minecraft/loader and mods/overrides, stage, commit.
func (e *Engine) Install(ctx context.Context, id, archivePath string, opts InstallOptions) (*OpResult, error) {
	lock := e.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	e.setStatus(id, types.StatusInstalling)
	res, err := e.installOrReinstall(ctx, id, archivePath, opts, false)
	if err != nil {
		e.setStatus(id, types.StatusError)
		return nil, err
	}
	e.setStatus(id, types.StatusInstalled)
	return res, nil
}

// Reinstall forces a full rebuild of every upstream-owned path, ignoring
// allow_custom_* flags, while still never touching user territory or
// aesthetic paths (they were never part of the managed subtrees to begin
// with).
func (e *Engine) Reinstall(ctx context.Context, id, archivePath string, opts InstallOptions) (*OpResult, error) {
	lock := e.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	e.setStatus(id, types.StatusReinstalling)
	res, err := e.installOrReinstall(ctx, id, archivePath, opts, true)
	if err != nil {
		e.setStatus(id, types.StatusError)
		return nil, err
	}
	e.setStatus(id, types.StatusInstalled)
	return res, nil
}

// Update re-resolves archivePath against the existing instance tree,
// replacing upstream-owned files per the protection policy and preserving
// anything the policy classifies as user territory or aesthetic.
func (e *Engine) Update(ctx context.Context, id, archivePath string, opts InstallOptions) (*OpResult, error) {
	lock := e.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	e.setStatus(id, types.StatusUpdating)
	res, err := e.installOrReinstall(ctx, id, archivePath, opts, false)
	if err != nil {
		e.setStatus(id, types.StatusError)
		return nil, err
	}
	e.setStatus(id, types.StatusInstalled)
	return res, nil
}

// Repair reinstalls only the Minecraft runtime, loader libraries, and Java,
// leaving mods/config/scripts/resourcepacks entirely alone — a corrupt mod
// jar is the user's problem; a corrupt shared library is the engine's.
func (e *Engine) Repair(ctx context.Context, id string) (*types.InstanceMetadata, error) {
	lock := e.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	e.setStatus(id, types.StatusRepairing)
	meta, err := e.Store.ReadMetadata(id)
	if err != nil {
		e.setStatus(id, types.StatusError)
		return nil, err
	}

	if _, err := e.Loader.Install(ctx, meta.MinecraftVersion, meta.Loader); err != nil {
		e.setStatus(id, types.StatusError)
		return nil, err
	}
	javaMajor := e.Java.RequiredMajor(ctx, meta.MinecraftVersion)
	if _, err := e.Java.Ensure(ctx, javaMajor); err != nil {
		e.setStatus(id, types.StatusError)
		return nil, err
	}

	meta.Status = types.StatusInstalled
	if err := e.Store.WriteMetadata(meta); err != nil {
		e.setStatus(id, types.StatusError)
		return nil, err
	}
	e.setStatus(id, types.StatusInstalled)
	return meta, nil
}

// installOrReinstall is the shared body of Install/Update/Reinstall. A
// fresh install has no baseline to merge against (the live instance
// directory doesn't exist yet), which is exactly what mergeWithBaseline
// does when there's nothing on disk to walk.
func (e *Engine) installOrReinstall(ctx context.Context, id, archivePath string, opts InstallOptions, reinstall bool) (*OpResult, error) {
	resolved, err := manifest.Resolve(archivePath)
	if err != nil {
		return nil, err
	}
	if e.Progress != nil {
		e.Progress.Finish(types.StepResolving)
	}

	flags := protection.Flags{
		AllowCustomMods:          opts.AllowCustomMods,
		AllowCustomResourcepacks: opts.AllowCustomResourcepacks,
		AllowCustomConfigs:       opts.AllowCustomConfigs,
	}

	files, failed, err := e.buildFilePlan(ctx, resolved)
	if err != nil {
		return nil, err
	}
	failed = reconcileRestricted(resolved, failed)
	if unmet := requiredFailures(resolved, failed); len(unmet) > 0 {
		return nil, engineerr.New(engineerr.Unknown,
			fmt.Sprintf("%d required files could not be resolved (first: %s)", len(unmet), describeFailure(unmet[0])), nil)
	}
	for _, f := range failed {
		e.Log.Warn("optional file not materialized", "file", describeFailure(f), "reason", string(f.Reason))
	}

	tx, err := e.Store.Begin(id)
	if err != nil {
		return nil, err
	}

	liveDir := e.Store.InstanceDir(id)
	toDownload, err := e.mergeWithBaseline(tx, liveDir, files, flags, reinstall)
	if err != nil {
		tx.Abandon()
		return nil, err
	}

	stageFailed, err := e.stageFiles(ctx, tx, toDownload)
	if err != nil {
		tx.Abandon()
		return nil, err
	}
	failed = append(failed, stageFailed...)

	mcVersion := resolved.Manifest.MinecraftVersion
	loaderRef := resolved.Manifest.Loader
	loaderResolved, err := e.Loader.Install(ctx, mcVersion, loaderRef)
	if err != nil {
		tx.Abandon()
		return nil, err
	}
	if e.Progress != nil {
		// The loader installer plans its own library set internally, so
		// its byte-level progress can't be pre-sized here the way the mods
		// phase's job list can; it still contributes its full phase weight
		// once done rather than reporting silently.
		e.Progress.Finish(types.StepLoader)
	}
	if _, err := e.Java.Ensure(ctx, loaderResolved.JavaMajor); err != nil {
		tx.Abandon()
		return nil, err
	}

	name := opts.Name
	if name == "" {
		name = resolved.Manifest.Name
	}
	meta := &types.InstanceMetadata{
		ID:                       id,
		Name:                     name,
		InstalledVersion:         resolved.Manifest.Version,
		MinecraftVersion:         mcVersion,
		Loader:                   loaderRef,
		InstalledAt:              time.Now(),
		RAMAllocation:            opts.RAMAllocation,
		CustomRAMMB:              opts.CustomRAMMB,
		AllowCustomMods:          opts.AllowCustomMods,
		AllowCustomResourcepacks: opts.AllowCustomResourcepacks,
		AllowCustomConfigs:       opts.AllowCustomConfigs,
		RecommendedRAMMB:         resolved.Manifest.RecommendedRAMMB,
		Category:                 opts.Category,
		Status:                   types.StatusInstalled,
	}

	if err := tx.Commit(meta); err != nil {
		return nil, err
	}
	if e.Progress != nil {
		e.Progress.Finish(types.StepStaging)
		e.Progress.Finish(types.StepDone)
	}
	return &OpResult{Meta: meta, Failed: failed}, nil
}

// reconcileRestricted drops restricted failures that the modpack's own
// overrides bundle already satisfies: a restricted mods/<name> whose bytes
// ship inside the archive is not a failure at all — the override entry is
// already in the file plan and will be staged.
func reconcileRestricted(resolved *manifest.Resolved, failed []types.FailedMod) []types.FailedMod {
	if resolved.Overrides == nil {
		return failed
	}
	kept := failed[:0]
	for _, f := range failed {
		if f.Reason == types.ReasonRestricted && f.FileName != "" {
			if _, ok := resolved.Overrides.Get("mods/" + f.FileName); ok {
				continue
			}
		}
		kept = append(kept, f)
	}
	return kept
}

// requiredFailures filters failed down to entries the manifest marks
// required. Only (project_id, file_id) pairs are matched here: those of
// CurseForge manifests and of packwiz metafiles with a CurseForge update
// block, the only entries that go through the registry stage.
func requiredFailures(resolved *manifest.Resolved, failed []types.FailedMod) []types.FailedMod {
	required := make(map[[2]int64]bool)
	for _, ref := range resolved.Manifest.Files {
		if ref.ProjectID != 0 && ref.FileID != 0 {
			required[[2]int64{ref.ProjectID, ref.FileID}] = ref.Required
		}
	}
	var unmet []types.FailedMod
	for _, f := range failed {
		if required[[2]int64{f.ProjectID, f.FileID}] {
			unmet = append(unmet, f)
		}
	}
	return unmet
}

func describeFailure(f types.FailedMod) string {
	if f.FileName != "" {
		return f.FileName
	}
	return fmt.Sprintf("project %d file %d", f.ProjectID, f.FileID)
}

// buildFilePlan splits a manifest's file list into files it can already
// fetch directly (Modrinth, packwiz, and in-archive overrides) and
// CurseForge (project_id, file_id) pairs that still need a registry round
// trip, then merges the resolved CurseForge URLs back in.
func (e *Engine) buildFilePlan(ctx context.Context, resolved *manifest.Resolved) ([]types.ResolvedFile, []types.FailedMod, error) {
	var direct []types.ResolvedFile
	var pairs []modresolver.Pair

	for _, f := range resolved.Files {
		if f.URL == "" && len(f.OverrideBytes) == 0 && f.SourceRef.ProjectID != 0 && f.SourceRef.FileID != 0 {
			pairs = append(pairs, modresolver.Pair{ProjectID: f.SourceRef.ProjectID, FileID: f.SourceRef.FileID, Required: f.Required})
			continue
		}
		direct = append(direct, f)
	}

	var failed []types.FailedMod
	if len(pairs) > 0 {
		resolutions, err := e.CurseForge.Resolve(ctx, pairs)
		if err != nil {
			return nil, nil, err
		}
		cfFiles, cfFailed := modresolver.ToResolvedFiles(resolutions)
		direct = append(direct, cfFiles...)
		failed = append(failed, cfFailed...)
	}

	return direct, failed, nil
}

// mergeWithBaseline walks the existing live instance tree (if any) and
// decides, per protection.Classify/ShouldReplace, which on-disk files to
// carry forward into staging unchanged and which manifest-listed files
// still need a fresh download. It returns the filtered subset of files
// that should actually be fetched.
func (e *Engine) mergeWithBaseline(tx *store.Transaction, liveDir string, files []types.ResolvedFile, flags protection.Flags, reinstall bool) ([]types.ResolvedFile, error) {
	byPath := make(map[string]types.ResolvedFile, len(files))
	for _, f := range files {
		byPath[f.TargetPath] = f
	}

	skip := make(map[string]bool)

	for _, subtree := range managedSubtrees {
		liveSub := filepath.Join(liveDir, subtree)
		rels, err := walkRelFiles(liveSub)
		if err != nil {
			return nil, err
		}
		for _, rel := range rels {
			targetPath := filepath.ToSlash(filepath.Join(subtree, rel))
			mf, inManifest := byPath[targetPath]
			class := protection.Classify(targetPath, inManifest, flags)

			if !inManifest {
				if err := protection.CopyFile(filepath.Join(liveSub, rel), filepath.Join(tx.Dir(), subtree, rel)); err != nil {
					return nil, err
				}
				continue
			}

			hashMatches := false
			if mf.ExpectedHash != "" {
				if h, herr := hashio.HashFile(filepath.Join(liveSub, rel), mf.HashAlgo); herr == nil && h == mf.ExpectedHash {
					hashMatches = true
				}
			}

			// A file whose hash already equals upstream's satisfies
			// "replace with upstream bytes" from disk; no download needed.
			if hashMatches || !protection.ShouldReplace(class, hashMatches, reinstall) {
				if err := protection.CopyFile(filepath.Join(liveSub, rel), filepath.Join(tx.Dir(), subtree, rel)); err != nil {
					return nil, err
				}
				skip[targetPath] = true
			}
		}
	}

	var toDownload []types.ResolvedFile
	for _, f := range files {
		if skip[f.TargetPath] {
			continue
		}
		toDownload = append(toDownload, f)
	}
	return toDownload, nil
}

// stageFiles writes every file's bytes into the staging tree: in-archive
// overrides go straight to disk, cached hashes are copied out of the
// content-addressed cache, and everything else goes through the fetch pool.
// Downloaded files with a known hash are fed back into the cache so other
// instances never re-download identical bytes. Failures of files marked
// required abort the operation; optional failures are returned for the
// caller's FailedMod report. If Progress is set, this is also where StepMods
// samples come from: the fetch pool's per-job byte ticks become Aggregator
// deltas.
func (e *Engine) stageFiles(ctx context.Context, tx *store.Transaction, files []types.ResolvedFile) ([]types.FailedMod, error) {
	var jobs []fetch.Job
	requiredByName := make(map[string]bool)
	for _, f := range files {
		if f.TargetPath == "" {
			continue // a CurseForge pair the registry reported missing/restricted
		}
		dest := filepath.Join(tx.Dir(), filepath.FromSlash(f.TargetPath))
		if len(f.OverrideBytes) > 0 {
			if err := hashio.WriteAtomic(dest, bytes.NewReader(f.OverrideBytes), 0o644); err != nil {
				return nil, err
			}
			continue
		}
		if cached, ok := e.Store.CacheGet(f.ExpectedHash); ok {
			if err := protection.CopyFile(cached, dest); err != nil {
				return nil, err
			}
			continue
		}
		if f.URL == "" {
			continue
		}
		requiredByName[filepath.Base(f.TargetPath)] = f.Required
		jobs = append(jobs, fetch.Job{
			URL:          f.URL,
			TargetPath:   dest,
			ExpectedHash: f.ExpectedHash,
			HashAlgo:     f.HashAlgo,
			Size:         f.Size,
		})
	}

	if len(jobs) == 0 {
		return nil, nil
	}

	if e.Progress != nil {
		var total int64
		for _, j := range jobs {
			total += j.Size
		}
		e.Progress.SetTotal(types.StepMods, total)
		seen := make(map[string]int64, len(jobs))
		var mu sync.Mutex
		prevHook := e.Fetch.OnProgress
		e.Fetch.OnProgress = func(job fetch.Job, downloaded, _ int64, bps int64) {
			mu.Lock()
			delta := downloaded - seen[job.TargetPath]
			seen[job.TargetPath] = downloaded
			mu.Unlock()
			if delta > 0 {
				e.Progress.Advance(types.StepMods, delta, bps)
			}
		}
		defer func() { e.Fetch.OnProgress = prevHook }()
	}

	result := e.Fetch.Run(ctx, jobs)

	for _, rf := range result.Succeeded {
		if rf.ExpectedHash == "" {
			continue
		}
		if err := e.Store.CachePut(rf.ExpectedHash, rf.TargetPath); err != nil {
			e.Log.Warn("caching downloaded file", "file", rf.TargetPath, "error", err)
		}
	}

	var optionalFailed []types.FailedMod
	for _, fm := range result.Failed {
		if requiredByName[fm.FileName] {
			kind := engineerr.RegistryNetwork
			if fm.Reason == types.ReasonHashMismatch {
				kind = engineerr.HashMismatch
			}
			return nil, engineerr.New(kind, fmt.Sprintf("required file %s failed to download", fm.FileName), nil)
		}
		optionalFailed = append(optionalFailed, fm)
	}

	if e.Progress != nil {
		e.Progress.Finish(types.StepMods)
	}
	return optionalFailed, nil
}

func walkRelFiles(root string) ([]string, error) {
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil, nil
	}
	var rels []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rels = append(rels, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rels, nil
}

// Launch resolves RAM and classpath for id and spawns its JVM. A second
// Launch call while one is already running for the same id fails fast
// instead of racing two JVMs over the same world files.
func (e *Engine) Launch(ctx context.Context, id string, auth launch.Auth) (*launch.ProcessHandle, error) {
	lock := e.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	e.mu.Lock()
	if _, running := e.processes[id]; running {
		e.mu.Unlock()
		return nil, engineerr.New(engineerr.Unknown, fmt.Sprintf("instance %s is already running", id), nil)
	}
	e.mu.Unlock()

	meta, err := e.Store.ReadMetadata(id)
	if err != nil {
		return nil, err
	}

	loaderResolved, err := e.Loader.Install(ctx, meta.MinecraftVersion, meta.Loader)
	if err != nil {
		return nil, err
	}
	javaBin, err := e.Java.Ensure(ctx, loaderResolved.JavaMajor)
	if err != nil {
		return nil, err
	}

	sysInfo, err := sysmem.Read(ctx)
	if err != nil {
		return nil, err
	}
	heapMB := sysmem.ResolveHeapMB(sysInfo, meta.RAMAllocation, meta.RecommendedRAMMB, e.Cfg.GlobalRAMMB, meta.CustomRAMMB)

	e.setStatus(id, types.StatusLaunching)
	handle, err := launch.Launch(ctx, launch.Options{
		InstanceDir:     e.Store.InstanceDir(id),
		AssetsDir:       filepath.Join(e.Store.MetaDir(), "assets"),
		VersionJSONPath: loaderResolved.VersionJSONPath,
		LoaderJSONPath:  loaderResolved.LoaderJSONPath,
		JavaBinary:      javaBin,
		Classpath:       loaderResolved.Libraries,
		Auth:            auth,
		RAM:             launch.RAM{HeapMB: heapMB},
	})
	if err != nil {
		e.setStatus(id, types.StatusError)
		return nil, err
	}

	e.mu.Lock()
	e.processes[id] = handle
	e.mu.Unlock()
	e.setStatus(id, types.StatusRunning)

	go func() {
		// A non-zero exit still lands on Installed, not Error: a game
		// crash is not an engine failure.
		<-handle.Exit()
		e.mu.Lock()
		delete(e.processes, id)
		e.mu.Unlock()
		e.setStatus(id, types.StatusInstalled)
	}()

	return handle, nil
}

// Stop requests graceful shutdown of id's running JVM, if any.
func (e *Engine) Stop(ctx context.Context, id string) error {
	e.mu.Lock()
	handle, running := e.processes[id]
	e.mu.Unlock()
	if !running {
		return nil
	}
	e.setStatus(id, types.StatusStopping)
	return handle.Stop(ctx)
}
