package statecache

import (
	"context"
	"os"
	"time"
)

// workerJoinTimeout bounds how long StopWorker waits for the loop to exit.
const workerJoinTimeout = 5 * time.Second

// graceRecheckDelay is the extra pause after skipping a reload because
// another process did one moments ago.
const graceRecheckDelay = 2 * time.Second

// StartWorker launches the background refresh loop. At most one loop runs
// per coordinator; repeated calls are no-ops.
func (c *Coordinator) StartWorker() {
	c.workerOnce.Do(func() {
		c.workerRunning.Store(true)
		c.log.Debug("Starting state loader worker",
			"pid", os.Getpid(),
			"interval", c.pollInterval)
		go c.workerLoop()
	})
}

// StopWorker signals the loop to stop and waits for it, bounded by
// workerJoinTimeout. Safe to call multiple times and without a prior
// StartWorker.
func (c *Coordinator) StopWorker() {
	c.stopOnce.Do(func() { close(c.stop) })
	if !c.workerRunning.Load() {
		return
	}
	select {
	case <-c.done:
	case <-time.After(workerJoinTimeout):
		c.log.Warn("State loader worker did not stop within timeout")
	}
}

// workerLoop polls the store on the configured interval and refreshes the
// snapshot when it changes.
func (c *Coordinator) workerLoop() {
	defer close(c.done)

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
		}
		c.workerTick()
	}
}

// workerTick is one poll cycle.
//
// A detected change is never dropped: when the reload is skipped because
// another process loaded within the grace window, the change is parked as a
// pending reload and retried on later ticks until this process's own
// snapshot has caught up.
func (c *Coordinator) workerTick() {
	changed := c.CheckForChanges()
	if !changed && !c.hasPendingReload() {
		return
	}

	if meta := readCacheMetadata(c.metaPath); meta != nil {
		age := time.Since(meta.loadedAt())
		if age < c.graceWindow && meta.LastLoadPID != os.Getpid() {
			c.log.Debug("Deferring reload, another process loaded recently",
				"pid", meta.LastLoadPID,
				"age", age.Round(100*time.Millisecond))
			c.setPendingReload(true)
			c.waitOrStop(graceRecheckDelay)
			return
		}
	}

	if err := c.Reload(context.Background()); err != nil {
		c.log.Error("Worker reload failed", "error", err)
	}
}

// waitOrStop pauses for d, returning early if the worker is stopping.
func (c *Coordinator) waitOrStop(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-c.stop:
	case <-t.C:
	}
}
