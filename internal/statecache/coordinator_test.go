package statecache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nerrad567/statepanel/internal/fileio"
	"github.com/nerrad567/statepanel/internal/infrastructure/config"
	"github.com/nerrad567/statepanel/internal/infrastructure/logging"
	"github.com/nerrad567/statepanel/internal/state"
)

func testStoreConfig(dir string) config.StoreConfig {
	return config.StoreConfig{
		Path:         dir,
		PollInterval: 1,
		GraceWindow:  10,
		WaitTimeout:  0,
		LockDefer:    0,
	}
}

func newTestCoordinator(t *testing.T, dir string) *Coordinator {
	t.Helper()
	c := New(testStoreConfig(dir), nil, logging.Default())
	t.Cleanup(c.StopWorker)
	return c
}

func writeDevice(t *testing.T, dir, device string, extra map[string]any) {
	t.Helper()
	doc := map[string]any{
		"StateFileType": "PowerController",
		"DeviceName":    device,
		"SaveTime":      time.Now().Format("2006-01-02T15:04:05"),
		"SchemaVersion": 2,
		"Output":        map[string]any{"Type": "shelly", "IsOn": false},
		"Scheduler":     map[string]any{},
	}
	for k, v := range extra {
		doc[k] = v
	}
	path := filepath.Join(dir, device+".json")
	if err := fileio.WriteJSON(path, doc, nil); err != nil {
		t.Fatalf("failed to write device file: %v", err)
	}
}

func TestEnsureFresh_LoadsStore(t *testing.T) {
	dir := t.TempDir()
	writeDevice(t, dir, "Boiler", nil)
	writeDevice(t, dir, "Pump", nil)

	c := newTestCoordinator(t, dir)
	if err := c.EnsureFresh(context.Background()); err != nil {
		t.Fatalf("EnsureFresh() error = %v", err)
	}

	devices := c.Devices()
	if len(devices) != 2 {
		t.Fatalf("Devices() = %d devices, want 2", len(devices))
	}
	// Store listing order is lexicographic by file name.
	if devices[0].DeviceName != "Boiler" || devices[1].DeviceName != "Pump" {
		t.Errorf("device order = %s, %s, want Boiler, Pump",
			devices[0].DeviceName, devices[1].DeviceName)
	}
	if devices[0].DeviceDescription != "Power Controller" {
		t.Errorf("DeviceDescription = %q, want Power Controller", devices[0].DeviceDescription)
	}

	// A successful reload records this process in the shared metadata hint.
	meta := readCacheMetadata(filepath.Join(dir, metadataFileName))
	if meta == nil {
		t.Fatal("cache metadata not written after reload")
	}
	if meta.LastLoadPID != os.Getpid() {
		t.Errorf("metadata PID = %d, want %d", meta.LastLoadPID, os.Getpid())
	}
	if time.Since(meta.loadedAt()) > time.Minute {
		t.Errorf("metadata load time %v is not recent", meta.loadedAt())
	}

	if c.LastReloadTime().IsZero() {
		t.Error("LastReloadTime() is zero after a reload")
	}
	if c.LatestStoreModificationTime().IsZero() {
		t.Error("LatestStoreModificationTime() is zero after a reload")
	}
}

func TestEnsureFresh_SecondCallIsSnapshotIdentical(t *testing.T) {
	dir := t.TempDir()
	writeDevice(t, dir, "Pump", nil)

	c := newTestCoordinator(t, dir)
	if err := c.EnsureFresh(context.Background()); err != nil {
		t.Fatalf("EnsureFresh() error = %v", err)
	}
	first := c.Devices()

	if err := c.EnsureFresh(context.Background()); err != nil {
		t.Fatalf("second EnsureFresh() error = %v", err)
	}
	second := c.Devices()

	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("snapshot sizes = %d, %d, want 1, 1", len(first), len(second))
	}
	// No reload happened, so the devices are the same objects.
	if first[0] != second[0] {
		t.Error("EnsureFresh() replaced the snapshot without a store change")
	}
}

func TestEnsureFresh_SkipsMalformedAndEmptyFiles(t *testing.T) {
	dir := t.TempDir()
	writeDevice(t, dir, "Good", nil)
	if err := os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{not json"), 0600); err != nil {
		t.Fatalf("failed to write malformed file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "empty.json"), nil, 0600); err != nil {
		t.Fatalf("failed to write empty file: %v", err)
	}

	c := newTestCoordinator(t, dir)
	if err := c.EnsureFresh(context.Background()); err != nil {
		t.Fatalf("EnsureFresh() error = %v", err)
	}
	devices := c.Devices()
	if len(devices) != 1 || devices[0].DeviceName != "Good" {
		t.Errorf("Devices() = %+v, want only Good", devices)
	}
}

func TestEnsureFresh_EmptyStoreDirectory(t *testing.T) {
	c := newTestCoordinator(t, t.TempDir())
	if err := c.EnsureFresh(context.Background()); err != nil {
		t.Fatalf("EnsureFresh() error = %v", err)
	}
	if !c.Loaded() {
		t.Error("Loaded() = false, want true for empty store")
	}
	if len(c.Devices()) != 0 {
		t.Errorf("Devices() = %d, want 0", len(c.Devices()))
	}
}

func TestEnsureFresh_MissingStoreDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "missing")
	// The lock and metadata files live inside the store directory, so it
	// must exist for the lock; create it but remove before reload is not a
	// realistic setup. A missing directory is served as an empty snapshot.
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	c := newTestCoordinator(t, dir)
	if err := c.EnsureFresh(context.Background()); err != nil {
		t.Fatalf("EnsureFresh() error = %v", err)
	}
	if len(c.Devices()) != 0 {
		t.Errorf("Devices() = %d, want 0", len(c.Devices()))
	}
}

func TestCheckForChanges(t *testing.T) {
	dir := t.TempDir()
	writeDevice(t, dir, "Pump", nil)

	c := newTestCoordinator(t, dir)
	if err := c.EnsureFresh(context.Background()); err != nil {
		t.Fatalf("EnsureFresh() error = %v", err)
	}

	// The reload primed the fingerprint; nothing has changed since.
	if c.CheckForChanges() {
		t.Error("CheckForChanges() = true immediately after reload")
	}

	// Touching a file forward in time is a change.
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(filepath.Join(dir, "Pump.json"), future, future); err != nil {
		t.Fatalf("Chtimes() error = %v", err)
	}
	if !c.CheckForChanges() {
		t.Error("CheckForChanges() = false after mtime bump")
	}
	// The observation is consumed.
	if c.CheckForChanges() {
		t.Error("CheckForChanges() = true twice for one change")
	}

	// Adding a file changes the name fingerprint.
	writeDevice(t, dir, "Heater", nil)
	if !c.CheckForChanges() {
		t.Error("CheckForChanges() = false after adding a file")
	}

	// Removing a file changes the name fingerprint even though the newest
	// mtime goes backwards.
	c.CheckForChanges()
	if err := os.Remove(filepath.Join(dir, "Heater.json")); err != nil {
		t.Fatal(err)
	}
	if !c.CheckForChanges() {
		t.Error("CheckForChanges() = false after removing a file")
	}
}

func TestReload_PicksUpSavedDevice(t *testing.T) {
	dir := t.TempDir()
	writeDevice(t, dir, "Pump", nil)

	c := newTestCoordinator(t, dir)
	if err := c.EnsureFresh(context.Background()); err != nil {
		t.Fatalf("EnsureFresh() error = %v", err)
	}
	before := c.Devices()

	doc := map[string]any{
		"StateFileType":     "LightingControl",
		"DeviceName":        "Garden",
		"LastStateSaveTime": time.Now().Format("2006-01-02T15:04:05"),
		"SchemaVersion":     1,
		"RandomOffsets":     map[string]any{},
		"SwitchStates":      []any{},
	}
	name, err := c.SaveDeviceState(doc)
	if err != nil {
		t.Fatalf("SaveDeviceState() error = %v", err)
	}
	if name != "Garden" {
		t.Errorf("SaveDeviceState() = %q, want Garden", name)
	}

	if !c.Housekeeping(context.Background()) {
		t.Error("Housekeeping() = false, want true after a save")
	}

	after := c.Devices()
	if len(after) != 2 {
		t.Fatalf("Devices() = %d after save, want 2", len(after))
	}
	if dev := after.ByName("Garden"); dev == nil || dev.FileType != state.FileTypeLightingControl {
		t.Errorf("saved device not in snapshot: %+v", dev)
	}
	if &before[0] == &after[0] && len(before) == len(after) {
		t.Error("snapshot was not replaced by the reload")
	}
}

func TestSaveDeviceState_RequiresDeviceName(t *testing.T) {
	c := newTestCoordinator(t, t.TempDir())
	if _, err := c.SaveDeviceState(map[string]any{"StateFileType": "PowerController"}); !errors.Is(err, ErrNoDeviceName) {
		t.Errorf("SaveDeviceState() error = %v, want ErrNoDeviceName", err)
	}
}

func TestReload_DeferredWhileLockHeld(t *testing.T) {
	dir := t.TempDir()
	writeDevice(t, dir, "Pump", nil)

	c := newTestCoordinator(t, dir)
	if err := c.EnsureFresh(context.Background()); err != nil {
		t.Fatalf("EnsureFresh() error = %v", err)
	}
	before := c.Devices()

	// Simulate a reload in progress elsewhere.
	lock, err := fileio.TryLockExclusive(filepath.Join(dir, lockFileName))
	if err != nil {
		t.Fatalf("TryLockExclusive() error = %v", err)
	}
	defer lock.Unlock()

	writeDevice(t, dir, "Heater", nil)
	if err := c.Reload(context.Background()); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}

	// The snapshot is untouched and the change is parked for the worker.
	after := c.Devices()
	if len(after) != len(before) {
		t.Errorf("snapshot changed while lock was held elsewhere")
	}
	if !c.hasPendingReload() {
		t.Error("deferred reload was not recorded as pending")
	}

	// Once the lock is free the pending reload converges.
	lock.Unlock()
	if err := c.Reload(context.Background()); err != nil {
		t.Fatalf("Reload() after unlock error = %v", err)
	}
	if len(c.Devices()) != 2 {
		t.Errorf("Devices() = %d after convergence, want 2", len(c.Devices()))
	}
	if c.hasPendingReload() {
		t.Error("pending flag not cleared by successful reload")
	}
}

// storeTouchingGenerator writes a new device file the first time it runs,
// simulating a submission landing while a reload is scanning the store.
type storeTouchingGenerator struct {
	t    *testing.T
	dir  string
	once sync.Once
}

func (g *storeTouchingGenerator) Generate(dev *state.Device, now time.Time) []string {
	g.once.Do(func() {
		writeDevice(g.t, g.dir, "Latecomer", nil)
	})
	return nil
}

func TestReload_WriteLandingMidScanIsRedetected(t *testing.T) {
	dir := t.TempDir()
	writeDevice(t, dir, "Pump", nil)

	gen := &storeTouchingGenerator{t: t, dir: dir}
	c := New(testStoreConfig(dir), gen, logging.Default())
	t.Cleanup(c.StopWorker)

	if err := c.EnsureFresh(context.Background()); err != nil {
		t.Fatalf("EnsureFresh() error = %v", err)
	}
	// The write landed after the reload took its file listing.
	if len(c.Devices()) != 1 {
		t.Fatalf("Devices() = %d, want 1", len(c.Devices()))
	}

	// The mid-scan write must not be absorbed into the primed fingerprint.
	if !c.CheckForChanges() {
		t.Fatal("CheckForChanges() = false for a write that landed during the reload scan")
	}
	if err := c.Reload(context.Background()); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if len(c.Devices()) != 2 {
		t.Errorf("Devices() = %d after convergence, want 2", len(c.Devices()))
	}
}

func TestEnsureFresh_WaitsOutRecentForeignReload(t *testing.T) {
	dir := t.TempDir()
	writeDevice(t, dir, "Pump", nil)

	cfg := testStoreConfig(dir)
	cfg.WaitTimeout = 1
	c := New(cfg, nil, logging.Default())
	t.Cleanup(c.StopWorker)

	// Metadata claims another process loaded moments ago. No sibling worker
	// exists to populate our cache, so after the bounded wait the
	// coordinator loads the store itself.
	err := writeCacheMetadata(filepath.Join(dir, metadataFileName), time.Now(), nil)
	if err != nil {
		t.Fatalf("failed to seed metadata: %v", err)
	}
	seedForeignPID(t, filepath.Join(dir, metadataFileName))

	start := time.Now()
	if err := c.EnsureFresh(context.Background()); err != nil {
		t.Fatalf("EnsureFresh() error = %v", err)
	}
	if len(c.Devices()) != 1 {
		t.Fatalf("Devices() = %d, want 1", len(c.Devices()))
	}
	if elapsed := time.Since(start); elapsed < cacheWaitStep {
		t.Errorf("EnsureFresh() returned in %v, expected it to wait for the hint window", elapsed)
	}
}

// seedForeignPID rewrites the metadata file to carry a PID other than ours.
func seedForeignPID(t *testing.T, path string) {
	t.Helper()
	meta := readCacheMetadata(path)
	if meta == nil {
		t.Fatal("metadata missing")
	}
	doc := map[string]any{
		"last_load_time":     meta.LastLoadTime,
		"last_load_pid":      os.Getpid() + 1,
		"last_load_datetime": meta.LastLoadDatetime,
	}
	if err := fileio.WriteJSON(path, doc, nil); err != nil {
		t.Fatalf("failed to rewrite metadata: %v", err)
	}
}

func TestEnsureFresh_ConcurrentCallersShareOneLoad(t *testing.T) {
	dir := t.TempDir()
	writeDevice(t, dir, "Pump", nil)

	gen := &countingGenerator{}
	c := New(testStoreConfig(dir), gen, logging.Default())
	t.Cleanup(c.StopWorker)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.EnsureFresh(context.Background()); err != nil {
				t.Errorf("EnsureFresh() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if calls := gen.calls.Load(); calls != 1 {
		t.Errorf("store scanned %d times for concurrent cold starts, want 1", calls)
	}
}

func TestTwoCoordinators_ReloadsNeverOverlap(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 4; i++ {
		writeDevice(t, dir, fmt.Sprintf("Device%02d", i), nil)
	}

	gen := &countingGenerator{delay: 2 * time.Millisecond}
	a := New(testStoreConfig(dir), gen, logging.Default())
	b := New(testStoreConfig(dir), gen, logging.Default())
	t.Cleanup(a.StopWorker)
	t.Cleanup(b.StopWorker)

	var wg sync.WaitGroup
	for _, c := range []*Coordinator{a, b} {
		wg.Add(1)
		go func(c *Coordinator) {
			defer wg.Done()
			if err := c.EnsureFresh(context.Background()); err != nil {
				t.Errorf("EnsureFresh() error = %v", err)
			}
		}(c)
	}
	wg.Wait()

	if gen.overlapped.Load() {
		t.Error("two reloads ran concurrently despite the cross-process lock")
	}
}

// countingGenerator counts store scans (via per-scan first-device calls) and
// detects overlapping generation runs.
type countingGenerator struct {
	delay      time.Duration
	running    atomic.Int32
	overlapped atomic.Bool
	calls      atomic.Int32
}

func (g *countingGenerator) Generate(dev *state.Device, now time.Time) []string {
	if g.running.Add(1) > 1 {
		g.overlapped.Store(true)
	}
	if g.delay > 0 {
		time.Sleep(g.delay)
	}
	if dev.DeviceName == "Pump" || dev.DeviceName == "Device00" {
		g.calls.Add(1)
	}
	g.running.Add(-1)
	return nil
}

func TestHousekeeping_RunsTasksAtMostHourly(t *testing.T) {
	dir := t.TempDir()
	writeDevice(t, dir, "Pump", nil)
	c := newTestCoordinator(t, dir)

	var runs atomic.Int32
	c.RegisterHousekeepingTask("count", func() error {
		runs.Add(1)
		return nil
	})
	c.RegisterHousekeepingTask("failing", func() error {
		return errors.New("boom")
	})

	// First pass loads the store and runs the tasks.
	if !c.Housekeeping(context.Background()) {
		t.Error("first Housekeeping() = false, want true")
	}
	if runs.Load() != 1 {
		t.Errorf("task runs = %d after first pass, want 1", runs.Load())
	}
	if !c.Loaded() {
		t.Error("Housekeeping() did not load the store")
	}

	// Second pass inside the hour: no store change, no task run.
	if c.Housekeeping(context.Background()) {
		t.Error("second Housekeeping() = true, want false")
	}
	if runs.Load() != 1 {
		t.Errorf("task runs = %d after second pass, want 1", runs.Load())
	}

	// Once the interval has elapsed the tasks run again.
	c.hkMu.Lock()
	c.lastHousekeeping = time.Now().Add(-2 * housekeepingInterval)
	c.hkMu.Unlock()
	if !c.Housekeeping(context.Background()) {
		t.Error("third Housekeeping() = false, want true")
	}
	if runs.Load() != 2 {
		t.Errorf("task runs = %d after third pass, want 2", runs.Load())
	}
}

func TestOnReload_ListenersNotified(t *testing.T) {
	dir := t.TempDir()
	writeDevice(t, dir, "Pump", nil)
	c := newTestCoordinator(t, dir)

	var notified atomic.Int32
	c.OnReload(func(devices state.Collection, loadedAt time.Time) {
		if len(devices) != 1 {
			t.Errorf("listener got %d devices, want 1", len(devices))
		}
		if loadedAt.IsZero() {
			t.Error("listener got zero load time")
		}
		notified.Add(1)
	})

	if err := c.EnsureFresh(context.Background()); err != nil {
		t.Fatalf("EnsureFresh() error = %v", err)
	}
	if notified.Load() != 1 {
		t.Errorf("listener notified %d times, want 1", notified.Load())
	}
}
