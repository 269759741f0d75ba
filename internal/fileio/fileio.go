package fileio

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// Retry policy for transient I/O failures. Persistent failures are returned
// to the caller after the final attempt.
const (
	maxAttempts = 3
	retryDelay  = 100 * time.Millisecond
)

// ErrLockHeld indicates a non-blocking exclusive lock attempt found the lock
// already held by another process. This is a coordination signal, not a
// failure.
var ErrLockHeld = errors.New("file lock held by another process")

// Logger defines the logging interface used by this package.
// A nil Logger is valid; warnings are then discarded.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

func orNoop(log Logger) Logger {
	if log == nil {
		return noopLogger{}
	}
	return log
}

// ReadJSON reads and parses a JSON document under a shared advisory lock.
//
// Zero-length files are treated as "not yet written" rather than corrupt:
// a warning is logged and (nil, nil) is returned so the caller can skip the
// file. Transient open/lock/parse failures are retried up to maxAttempts
// with a short fixed delay; the last error is returned after exhaustion.
//
// Parameters:
//   - path: File to read
//   - log: Optional logger for retry and empty-file warnings
//
// Returns:
//   - map[string]any: Parsed document, or nil for an empty file
//   - error: nil on success or skip, otherwise the final attempt's error
func ReadJSON(path string, log Logger) (map[string]any, error) {
	log = orNoop(log)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		doc, empty, err := readJSONOnce(path)
		if err == nil {
			if empty {
				log.Warn("skipping empty state file", "path", path)
				return nil, nil
			}
			return doc, nil
		}

		lastErr = err
		if attempt < maxAttempts {
			log.Warn("read failed, retrying",
				"path", path,
				"attempt", attempt,
				"max_attempts", maxAttempts,
				"error", err,
			)
			time.Sleep(retryDelay)
		}
	}

	return nil, fmt.Errorf("reading %s: %w", path, lastErr)
}

// readJSONOnce performs a single locked read attempt.
func readJSONOnce(path string) (doc map[string]any, empty bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	if err := lockShared(f); err != nil {
		return nil, false, fmt.Errorf("acquiring shared lock: %w", err)
	}
	defer unlockFile(f)

	info, err := f.Stat()
	if err != nil {
		return nil, false, err
	}
	if info.Size() == 0 {
		return nil, true, nil
	}

	if err := json.NewDecoder(f).Decode(&doc); err != nil {
		return nil, false, fmt.Errorf("decoding JSON: %w", err)
	}
	return doc, false, nil
}

// WriteJSON atomically writes a JSON document to path.
//
// The document is written to a sibling temporary file under an exclusive
// advisory lock, flushed to stable storage, and renamed over the destination.
// A concurrent reader therefore always observes either the old or the new
// complete document, never a partial write. OS failures are retried up to
// maxAttempts; the final error propagates.
//
// Parameters:
//   - path: Destination file
//   - doc: Value to marshal as indented JSON
//   - log: Optional logger for retry warnings
//
// Returns:
//   - error: nil on success, otherwise the final attempt's error
func WriteJSON(path string, doc any, log Logger) error {
	log = orNoop(log)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := writeJSONOnce(path, doc)
		if err == nil {
			return nil
		}

		lastErr = err
		if attempt < maxAttempts {
			log.Warn("write failed, retrying",
				"path", path,
				"attempt", attempt,
				"max_attempts", maxAttempts,
				"error", err,
			)
			time.Sleep(retryDelay)
		}
	}

	return fmt.Errorf("writing %s: %w", path, lastErr)
}

// writeJSONOnce performs a single locked temp-then-rename write attempt.
func writeJSONOnce(path string, doc any) error {
	tmpPath := path + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	if err := lockExclusive(f); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("acquiring exclusive lock: %w", err)
	}

	enc := json.NewEncoder(f)
	enc.SetIndent("", "    ")
	if err := enc.Encode(doc); err != nil {
		unlockFile(f)
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("encoding JSON: %w", err)
	}

	if err := f.Sync(); err != nil {
		unlockFile(f)
		f.Close()
		os.Remove(tmpPath)
		return err
	}

	unlockFile(f)
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// FileLock is an exclusive, filesystem-backed mutual-exclusion token.
//
// It is advisory: all cooperating processes must acquire it through
// TryLockExclusive. The lock is released by Unlock and implicitly by
// process exit, so a crashed holder never wedges its siblings.
type FileLock struct {
	f    *os.File
	path string
}

// TryLockExclusive attempts a non-blocking exclusive lock on path,
// creating the file if needed.
//
// Returns:
//   - *FileLock: Held lock on success
//   - error: ErrLockHeld when another process holds the lock; any other
//     error indicates the lock file itself is unusable
func TryLockExclusive(path string) (*FileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file %s: %w", path, err)
	}

	acquired, err := tryLockExclusive(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}
	if !acquired {
		f.Close()
		return nil, ErrLockHeld
	}

	return &FileLock{f: f, path: path}, nil
}

// Unlock releases the lock and closes the underlying file.
// Safe to call once per acquired lock.
func (l *FileLock) Unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unlockFile(l.f)
	closeErr := l.f.Close()
	l.f = nil
	if err != nil {
		return fmt.Errorf("unlocking %s: %w", l.path, err)
	}
	return closeErr
}

// Path returns the lock file path.
func (l *FileLock) Path() string {
	return l.path
}
