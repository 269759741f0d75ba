package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/statepanel/internal/state"
)

// deviceSummary is the list-view projection of a cached device.
type deviceSummary struct {
	DeviceName        string         `json:"device_name"`
	FileType          state.FileType `json:"file_type"`
	Description       string         `json:"description"`
	URLName           string         `json:"url_name"`
	LocalLastSaveTime time.Time      `json:"local_last_save_time"`
	Artifacts         []string       `json:"artifacts,omitempty"`
}

// handleListDevices returns summaries of all cached devices.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s.cache.Housekeeping(ctx)
	if err := s.cache.EnsureFresh(ctx); err != nil {
		s.logger.Error("devices list: cache refresh failed", "error", err)
		writeInternalError(w, "failed to load device state")
		return
	}

	devices := s.cache.Devices()
	summaries := make([]deviceSummary, 0, len(devices))
	for _, dev := range devices {
		summaries = append(summaries, deviceSummary{
			DeviceName:        dev.DeviceName,
			FileType:          dev.FileType,
			Description:       dev.DeviceDescription,
			URLName:           dev.URLName,
			LocalLastSaveTime: dev.LocalLastSaveTime,
			Artifacts:         dev.Artifacts,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"devices": summaries,
		"count":   len(summaries),
	})
}

// handleGetDevice returns the full raw document for one device.
// The path segment matches either the URL-safe name or the plain DeviceName.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s.cache.Housekeeping(ctx)
	if err := s.cache.EnsureFresh(ctx); err != nil {
		s.logger.Error("device detail: cache refresh failed", "error", err)
		writeInternalError(w, "failed to load device state")
		return
	}

	dev := s.findDevice(chi.URLParam(r, "name"))
	if dev == nil {
		writeNotFound(w, "device not found")
		return
	}

	writeJSON(w, http.StatusOK, dev.Raw)
}

// handleDeviceHistory returns recent accepted submissions for one device.
func (s *Server) handleDeviceHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeNotFound(w, "submission history is not enabled")
		return
	}

	ctx := r.Context()
	s.cache.Housekeeping(ctx)
	if err := s.cache.EnsureFresh(ctx); err != nil {
		s.logger.Error("device history: cache refresh failed", "error", err)
		writeInternalError(w, "failed to load device state")
		return
	}

	// Resolve URL-safe names back to the stored device name. Devices no
	// longer present in the store can still be queried by their plain name.
	name := chi.URLParam(r, "name")
	if dev := s.findDevice(name); dev != nil {
		name = dev.DeviceName
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := s.history.ListByDevice(ctx, name, limit)
	if err != nil {
		s.logger.Error("device history: query failed", "device", name, "error", err)
		writeInternalError(w, "failed to load submission history")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device_name": name,
		"entries":     entries,
		"count":       len(entries),
	})
}

// findDevice looks a device up by URL-safe name first, then plain name.
func (s *Server) findDevice(name string) *state.Device {
	devices := s.cache.Devices()
	for _, dev := range devices {
		if dev.URLName == name {
			return dev
		}
	}
	return devices.ByName(name)
}
