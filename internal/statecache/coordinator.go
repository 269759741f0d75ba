package statecache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nerrad567/statepanel/internal/artifact"
	"github.com/nerrad567/statepanel/internal/fileio"
	"github.com/nerrad567/statepanel/internal/infrastructure/config"
	"github.com/nerrad567/statepanel/internal/infrastructure/logging"
	"github.com/nerrad567/statepanel/internal/state"
)

// lockFileName is the hidden store file backing the cross-process reload lock.
const lockFileName = ".reload.lock"

// cacheWaitStep paces the bounded wait for another party's reload to land.
const cacheWaitStep = 500 * time.Millisecond

// housekeepingInterval spaces out the periodic maintenance tasks.
const housekeepingInterval = time.Hour

// ErrNoDeviceName rejects a save of a document without a usable DeviceName.
var ErrNoDeviceName = errors.New("statecache: document has no DeviceName")

// ReloadListener is notified after every successful reload with the new
// device snapshot. Listeners run on the reloading goroutine and must not
// block.
type ReloadListener func(devices state.Collection, loadedAt time.Time)

// housekeepingTask is a named periodic maintenance job.
type housekeepingTask struct {
	name string
	fn   func() error
}

// Coordinator owns the in-process device snapshot and the reload protocol
// described in the package comment.
type Coordinator struct {
	storeDir string
	lockPath string
	metaPath string

	graceWindow  time.Duration
	waitTimeout  time.Duration
	lockDefer    time.Duration
	pollInterval time.Duration

	gen artifact.Generator
	log *logging.Logger

	// group collapses concurrent cold loads into one store scan.
	group singleflight.Group

	// mu guards the snapshot fields. The snapshot is replaced wholesale on
	// reload; devices handed out to readers are never mutated.
	mu         sync.RWMutex
	loaded     bool
	devices    state.Collection
	loadedAt   time.Time
	latestSave time.Time

	// checkMu guards the change fingerprint and the deferred-reload flag.
	checkMu         sync.Mutex
	fingerprintInit bool
	fingerprint     string
	maxMtime        time.Time
	pendingReload   bool

	hkMu             sync.Mutex
	lastHousekeeping time.Time
	tasks            []housekeepingTask

	subMu     sync.Mutex
	listeners []ReloadListener

	stop          chan struct{}
	done          chan struct{}
	stopOnce      sync.Once
	workerOnce    sync.Once
	workerRunning atomic.Bool
}

// New builds a coordinator over the configured store directory.
// The artifact generator may be nil when no artifacts are wanted.
func New(cfg config.StoreConfig, gen artifact.Generator, log *logging.Logger) *Coordinator {
	return &Coordinator{
		storeDir:     cfg.Path,
		lockPath:     filepath.Join(cfg.Path, lockFileName),
		metaPath:     filepath.Join(cfg.Path, metadataFileName),
		graceWindow:  cfg.GetGraceWindow(),
		waitTimeout:  cfg.GetWaitTimeout(),
		lockDefer:    cfg.GetLockDefer(),
		pollInterval: cfg.GetPollInterval(),
		gen:          gen,
		log:          log.With("component", "statecache"),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Devices returns the current snapshot. The returned collection is immutable
// and safe to hold across reloads.
func (c *Coordinator) Devices() state.Collection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.devices
}

// Device finds a device by name or URL name in the current snapshot.
func (c *Coordinator) Device(name string) *state.Device {
	return c.Devices().ByName(name)
}

// Loaded reports whether an initial snapshot exists.
func (c *Coordinator) Loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded
}

// LastReloadTime returns when this process last swapped in a snapshot, or
// the zero time if it never has.
func (c *Coordinator) LastReloadTime() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loadedAt
}

// LatestStoreModificationTime returns the newest device save timestamp seen
// across all reloads.
func (c *Coordinator) LatestStoreModificationTime() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latestSave
}

// OnReload registers a listener for snapshot swaps.
func (c *Coordinator) OnReload(fn ReloadListener) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// RegisterHousekeepingTask adds a named job to the hourly maintenance pass.
func (c *Coordinator) RegisterHousekeepingTask(name string, fn func() error) {
	c.hkMu.Lock()
	defer c.hkMu.Unlock()
	c.tasks = append(c.tasks, housekeepingTask{name: name, fn: fn})
}

// EnsureFresh guarantees a usable snapshot exists, loading it if necessary.
//
// The fast path is a lock-free check of the local cache. On a cold start the
// coordinator consults the shared metadata hint: if another process reloaded
// moments ago, it briefly waits for the background worker to pick that up
// rather than scanning the store again. Otherwise it attempts the reload
// itself under the cross-process lock. If the lock is held elsewhere it
// defers briefly and serves whatever is cached, which may be an empty
// snapshot; the worker converges it shortly after.
func (c *Coordinator) EnsureFresh(ctx context.Context) error {
	if c.Loaded() {
		return nil
	}
	_, err, _ := c.group.Do("cold-load", func() (any, error) {
		return nil, c.coldLoad(ctx)
	})
	return err
}

// coldLoad performs the one-time initial population, deduplicated by the
// singleflight group.
func (c *Coordinator) coldLoad(ctx context.Context) error {
	if c.Loaded() {
		return nil
	}

	// Freshness hint: a reload by another process within the grace window
	// plus our wait budget means its worker sibling in this process is about
	// to populate the cache anyway.
	if meta := readCacheMetadata(c.metaPath); meta != nil {
		age := time.Since(meta.loadedAt())
		if age < c.graceWindow+c.waitTimeout && meta.LastLoadPID != os.Getpid() {
			c.log.Debug("Recent reload by another process, waiting for cache",
				"pid", meta.LastLoadPID,
				"age", age.Round(100*time.Millisecond))
			deadline := time.Now().Add(c.waitTimeout)
			for time.Now().Before(deadline) {
				if err := sleepCtx(ctx, cacheWaitStep); err != nil {
					return err
				}
				if c.Loaded() {
					return nil
				}
			}
		}
	}

	lock, err := fileio.TryLockExclusive(c.lockPath)
	if errors.Is(err, fileio.ErrLockHeld) {
		c.log.Debug("Reload lock held elsewhere, deferring initial load")
		if err := sleepCtx(ctx, c.lockDefer); err != nil {
			return err
		}
		if c.Loaded() {
			return nil
		}
		// Serve the empty snapshot; the worker converges once the other
		// process finishes.
		c.log.Warn("Initial load deferred to another process, serving empty snapshot")
		return nil
	}
	if err != nil {
		return err
	}
	defer lock.Unlock()

	return c.reloadLocked()
}

// Reload refreshes the snapshot from the store if the cross-process lock is
// free. A held lock means another process is scanning right now; the reload
// is deferred, remembered, and retried by the worker.
func (c *Coordinator) Reload(ctx context.Context) error {
	lock, err := fileio.TryLockExclusive(c.lockPath)
	if errors.Is(err, fileio.ErrLockHeld) {
		c.log.Debug("Reload in progress in another process, deferring")
		c.setPendingReload(true)
		return sleepCtx(ctx, c.lockDefer)
	}
	if err != nil {
		// The change observation was already consumed by CheckForChanges;
		// park it so a later tick retries once the lock file is usable again.
		c.setPendingReload(true)
		return err
	}
	defer lock.Unlock()

	if err := c.reloadLocked(); err != nil {
		c.setPendingReload(true)
		return err
	}
	return nil
}

// reloadLocked scans the store, rebuilds the snapshot, regenerates artifacts
// and publishes the result. The caller must hold the cross-process lock.
func (c *Coordinator) reloadLocked() error {
	now := time.Now()

	var devices state.Collection
	latest := time.Time{}

	entries, err := os.ReadDir(c.storeDir)

	// Capture the change fingerprint before any file is read. A write landing
	// while the scan runs then differs from this baseline and is re-detected
	// on the next change check instead of being silently absorbed.
	preNames, preMtime := fingerprintEntries(entries)

	switch {
	case os.IsNotExist(err):
		c.log.Warn("State store directory does not exist", "path", c.storeDir)
	case err != nil:
		return fmt.Errorf("statecache: listing store %s: %w", c.storeDir, err)
	default:
		names := storeFileNames(entries)
		if len(names) == 0 {
			c.log.Warn("No state files found in store", "path", c.storeDir)
		}
		for idx, name := range names {
			path := filepath.Join(c.storeDir, name)

			doc, err := fileio.ReadJSON(path, c.log)
			if err != nil {
				c.log.Error("Failed to load state file", "path", path, "error", err)
				continue
			}
			if doc == nil {
				c.log.Warn("Skipped empty or unreadable state file", "path", path)
				continue
			}

			dev, err := state.BuildDevice(name, doc, idx, now)
			if err != nil {
				c.log.Error("Failed to decode state file", "path", path, "error", err)
				continue
			}

			if c.gen != nil {
				dev.Artifacts = c.gen.Generate(dev, now)
				if dev.Artifacts != nil {
					dev.Raw["TempProbeCharts"] = dev.Artifacts
				}
			}

			if dev.LocalLastSaveTime.After(latest) {
				latest = dev.LocalLastSaveTime
			}
			devices = append(devices, dev)
		}
	}

	metaWritten := true
	if err := writeCacheMetadata(c.metaPath, now, c.log); err != nil {
		c.log.Warn("Failed to update cache metadata", "error", err)
		metaWritten = false
	}

	// Prime the change fingerprint from the pre-scan listing so the worker
	// does not immediately re-trigger on the load we just did. The metadata
	// file we write ourselves is folded in by name.
	names := preNames
	if metaWritten && !slices.Contains(names, metadataFileName) {
		names = append(names, metadataFileName)
		sort.Strings(names)
	}
	c.checkMu.Lock()
	c.fingerprint = strings.Join(names, "\n")
	c.maxMtime = preMtime
	c.fingerprintInit = true
	c.pendingReload = false
	c.checkMu.Unlock()

	c.mu.Lock()
	c.devices = devices
	c.loaded = true
	c.loadedAt = now
	if latest.After(c.latestSave) {
		c.latestSave = latest
	}
	c.mu.Unlock()

	c.log.Debug("State snapshot reloaded", "devices", len(devices))

	c.subMu.Lock()
	listeners := make([]ReloadListener, len(c.listeners))
	copy(listeners, c.listeners)
	c.subMu.Unlock()
	for _, fn := range listeners {
		fn(devices, now)
	}
	return nil
}

// CheckForChanges reports whether the store differs from the last snapshot:
// a newer file modification time, or a change in the set of file names.
// The observation is consumed; a true result obliges the caller to reload
// (or to record the debt with setPendingReload).
func (c *Coordinator) CheckForChanges() bool {
	c.checkMu.Lock()
	defer c.checkMu.Unlock()

	fingerprint, maxMtime := c.computeFingerprint()

	changed := !c.fingerprintInit
	if fingerprint != c.fingerprint {
		changed = true
	}
	if maxMtime.After(c.maxMtime) {
		changed = true
	}

	c.fingerprint = fingerprint
	if maxMtime.After(c.maxMtime) {
		c.maxMtime = maxMtime
	}
	c.fingerprintInit = true
	return changed
}

// computeFingerprint derives the change fingerprint from a fresh store
// listing. Caller holds checkMu.
func (c *Coordinator) computeFingerprint() (string, time.Time) {
	entries, err := os.ReadDir(c.storeDir)
	if err != nil {
		return "", time.Time{}
	}
	names, maxMtime := fingerprintEntries(entries)
	return strings.Join(names, "\n"), maxMtime
}

// fingerprintEntries reduces a store listing to the sorted .json file names
// (detects adds, removes and renames, hidden files included) and the newest
// modification time of the visible files.
func fingerprintEntries(entries []os.DirEntry) ([]string, time.Time) {
	var names []string
	var maxMtime time.Time
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(maxMtime) {
			maxMtime = info.ModTime()
		}
	}
	return names, maxMtime
}

// setPendingReload records (or clears) a detected change that could not be
// acted on yet, so the worker retries after the grace period instead of
// losing it.
func (c *Coordinator) setPendingReload(v bool) {
	c.checkMu.Lock()
	c.pendingReload = v
	c.checkMu.Unlock()
}

func (c *Coordinator) hasPendingReload() bool {
	c.checkMu.Lock()
	defer c.checkMu.Unlock()
	return c.pendingReload
}

// SaveDeviceState writes a validated device document to the store under
// <DeviceName>.json. The caller is responsible for triggering Housekeeping
// afterwards so the change propagates to the snapshot.
func (c *Coordinator) SaveDeviceState(doc map[string]any) (string, error) {
	name, _ := doc["DeviceName"].(string)
	if name == "" {
		return "", ErrNoDeviceName
	}
	path := filepath.Join(c.storeDir, name+".json")
	if err := fileio.WriteJSON(path, doc, c.log); err != nil {
		return "", fmt.Errorf("statecache: saving %s: %w", name, err)
	}
	c.log.Debug("Saved device state", "device", name, "path", path)
	return name, nil
}

// Housekeeping reloads the snapshot if the store changed, and at most once
// per hour runs the registered maintenance tasks. Returns true when any
// work was done.
func (c *Coordinator) Housekeeping(ctx context.Context) bool {
	didWork := false

	if c.CheckForChanges() {
		c.log.Debug("Reloading state files for new changes")
		if err := c.Reload(ctx); err != nil {
			c.log.Error("Housekeeping reload failed", "error", err)
		} else {
			didWork = true
		}
	}

	c.hkMu.Lock()
	if !c.lastHousekeeping.IsZero() && time.Since(c.lastHousekeeping) < housekeepingInterval {
		c.hkMu.Unlock()
		return didWork
	}
	c.lastHousekeeping = time.Now()
	tasks := make([]housekeepingTask, len(c.tasks))
	copy(tasks, c.tasks)
	c.hkMu.Unlock()

	for _, t := range tasks {
		if err := t.fn(); err != nil {
			c.log.Warn("Housekeeping task failed", "task", t.name, "error", err)
		}
	}
	return true
}

// storeFileNames filters a directory listing down to the visible JSON state
// files, preserving the lexicographic order of os.ReadDir.
func storeFileNames(entries []os.DirEntry) []string {
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		names = append(names, name)
	}
	return names
}

// sleepCtx sleeps for d unless the context is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
