package statecache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nerrad567/statepanel/internal/fileio"
	"github.com/nerrad567/statepanel/internal/infrastructure/logging"
)

func TestWorker_PicksUpStoreChanges(t *testing.T) {
	dir := t.TempDir()
	writeDevice(t, dir, "Pump", nil)

	c := New(testStoreConfig(dir), nil, logging.Default())
	c.pollInterval = 20 * time.Millisecond
	t.Cleanup(c.StopWorker)

	if err := c.EnsureFresh(context.Background()); err != nil {
		t.Fatalf("EnsureFresh() error = %v", err)
	}
	c.StartWorker()
	c.StartWorker() // repeated starts are no-ops

	// The metadata hint names this process, so the worker reloads without
	// deferring to the grace window.
	writeDevice(t, dir, "Heater", nil)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(c.Devices()) == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(c.Devices()) != 2 {
		t.Fatalf("worker did not pick up new device, have %d devices", len(c.Devices()))
	}

	// Shutdown is prompt and idempotent.
	start := time.Now()
	c.StopWorker()
	c.StopWorker()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("StopWorker() took %v, want prompt exit", elapsed)
	}
}

func TestStopWorker_WithoutStart(t *testing.T) {
	c := New(testStoreConfig(t.TempDir()), nil, logging.Default())
	done := make(chan struct{})
	go func() {
		c.StopWorker()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("StopWorker() blocked with no worker running")
	}
}

func TestWorkerTick_DefersToRecentForeignReload(t *testing.T) {
	dir := t.TempDir()
	writeDevice(t, dir, "Pump", nil)

	c := New(testStoreConfig(dir), nil, logging.Default())
	// Pre-close the stop channel so the grace pause returns immediately.
	c.stopOnce.Do(func() { close(c.stop) })

	// Another process claims a reload moments ago.
	metaPath := filepath.Join(dir, metadataFileName)
	if err := writeCacheMetadata(metaPath, time.Now(), nil); err != nil {
		t.Fatalf("failed to seed metadata: %v", err)
	}
	seedForeignPID(t, metaPath)

	c.workerTick()

	if c.Loaded() {
		t.Error("workerTick() reloaded despite the foreign grace window")
	}
	if !c.hasPendingReload() {
		t.Error("skipped change was not parked as pending")
	}

	// Once the foreign reload is old news, the parked change is honoured
	// even though CheckForChanges no longer reports it.
	old := time.Now().Add(-time.Minute)
	if err := writeCacheMetadata(metaPath, old, nil); err != nil {
		t.Fatalf("failed to age metadata: %v", err)
	}
	seedForeignPID(t, metaPath)

	c.workerTick()

	if !c.Loaded() {
		t.Error("workerTick() did not honour the pending reload after grace expiry")
	}
	if c.hasPendingReload() {
		t.Error("pending flag survived a successful reload")
	}
	if len(c.Devices()) != 1 {
		t.Errorf("Devices() = %d, want 1", len(c.Devices()))
	}
}

func TestWorkerTick_NoChangeNoReload(t *testing.T) {
	dir := t.TempDir()
	writeDevice(t, dir, "Pump", nil)

	c := New(testStoreConfig(dir), nil, logging.Default())
	if err := c.EnsureFresh(context.Background()); err != nil {
		t.Fatalf("EnsureFresh() error = %v", err)
	}
	before := c.LastReloadTime()

	c.workerTick()

	if !c.LastReloadTime().Equal(before) {
		t.Error("workerTick() reloaded with no store change")
	}
}

func TestWorkerTick_SurvivesHeldLock(t *testing.T) {
	dir := t.TempDir()
	writeDevice(t, dir, "Pump", nil)

	c := New(testStoreConfig(dir), nil, logging.Default())
	if err := c.EnsureFresh(context.Background()); err != nil {
		t.Fatalf("EnsureFresh() error = %v", err)
	}

	lock, err := fileio.TryLockExclusive(filepath.Join(dir, lockFileName))
	if err != nil {
		t.Fatalf("TryLockExclusive() error = %v", err)
	}
	defer lock.Unlock()

	writeDevice(t, dir, "Heater", nil)
	c.workerTick()

	if len(c.Devices()) != 1 {
		t.Error("snapshot changed while the reload lock was held elsewhere")
	}
	if !c.hasPendingReload() {
		t.Error("change lost while the reload lock was held elsewhere")
	}

	lock.Unlock()
	c.workerTick()
	if len(c.Devices()) != 2 {
		t.Errorf("Devices() = %d after lock release, want 2", len(c.Devices()))
	}
}

func TestWorkerTick_SurvivesUnusableLockFile(t *testing.T) {
	dir := t.TempDir()
	writeDevice(t, dir, "Pump", nil)

	c := New(testStoreConfig(dir), nil, logging.Default())
	if err := c.EnsureFresh(context.Background()); err != nil {
		t.Fatalf("EnsureFresh() error = %v", err)
	}

	// Replace the lock file with a directory so acquiring it fails outright
	// rather than reporting contention.
	lockPath := filepath.Join(dir, lockFileName)
	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		t.Fatal(err)
	}
	if err := os.Mkdir(lockPath, 0o755); err != nil {
		t.Fatal(err)
	}

	writeDevice(t, dir, "Heater", nil)
	c.workerTick()

	if len(c.Devices()) != 1 {
		t.Fatal("snapshot changed despite the unusable lock file")
	}
	if !c.hasPendingReload() {
		t.Error("change lost when the lock file could not be opened")
	}

	// Once the lock file is usable again the parked change converges even
	// though CheckForChanges no longer reports it.
	if err := os.Remove(lockPath); err != nil {
		t.Fatal(err)
	}
	c.workerTick()

	if len(c.Devices()) != 2 {
		t.Errorf("Devices() = %d after lock recovery, want 2", len(c.Devices()))
	}
	if c.hasPendingReload() {
		t.Error("pending flag survived a successful reload")
	}
}
