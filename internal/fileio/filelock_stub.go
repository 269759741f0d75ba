//go:build !unix

package fileio

import "os"

// Advisory file locking is a no-op on platforms without flock semantics.
// Atomic rename still protects readers from torn writes.

func lockShared(*os.File) error { return nil }

func lockExclusive(*os.File) error { return nil }

func tryLockExclusive(*os.File) (bool, error) { return true, nil }

func unlockFile(*os.File) error { return nil }
