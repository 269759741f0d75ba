// Package statecache maintains the in-process snapshot of the device state
// store and coordinates reloads across the processes sharing it.
//
// Several coordination layers stack up, cheapest first:
//
//  1. The local cache: once loaded, reads are lock-free snapshot reads.
//  2. The cache metadata file: a freshness hint recording which process
//     loaded last and when, used to skip reloads another process just did.
//  3. The reload lock: a non-blocking exclusive flock that guarantees at
//     most one process scans the store and regenerates artifacts at a time.
//
// The metadata hint is advisory; only the flock provides mutual exclusion.
// A background worker polls the store for changes and refreshes the cache
// so request paths almost never pay for a reload.
package statecache
