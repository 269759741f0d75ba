package statecache

import (
	"encoding/json"
	"os"
	"time"

	"github.com/nerrad567/statepanel/internal/fileio"
)

// metadataFileName is the hidden store file recording which process last
// reloaded and when. It is a freshness hint shared between processes, not a
// lock.
const metadataFileName = ".cache_metadata.json"

// cacheMetadata mirrors the on-disk metadata document. LastLoadTime is Unix
// seconds with fractional precision; LastLoadDatetime is a human-readable
// duplicate for inspection.
type cacheMetadata struct {
	LastLoadTime     float64 `json:"last_load_time"`
	LastLoadPID      int     `json:"last_load_pid"`
	LastLoadDatetime string  `json:"last_load_datetime"`
}

// loadedAt converts the recorded load time to a time.Time.
func (m *cacheMetadata) loadedAt() time.Time {
	sec := int64(m.LastLoadTime)
	nsec := int64((m.LastLoadTime - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec)
}

// readCacheMetadata returns the metadata document, or nil if it is missing
// or unreadable. Corruption is treated as absence; the caller falls back to
// the lock.
func readCacheMetadata(path string) *cacheMetadata {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var m cacheMetadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return &m
}

// writeCacheMetadata records a completed reload. Failures are non-fatal;
// the hint simply goes stale and other processes fall back to the lock.
func writeCacheMetadata(path string, at time.Time, log fileio.Logger) error {
	doc := map[string]any{
		"last_load_time":     float64(at.UnixNano()) / float64(time.Second),
		"last_load_pid":      os.Getpid(),
		"last_load_datetime": at.Format(time.RFC3339Nano),
	}
	return fileio.WriteJSON(path, doc, log)
}
