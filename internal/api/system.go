package api

import (
	"net/http"
	"time"
)

// handleSystem reports cache and store status for dashboards and monitoring.
func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s.cache.Housekeeping(ctx)
	if err := s.cache.EnsureFresh(ctx); err != nil {
		s.logger.Error("system: cache refresh failed", "error", err)
		writeInternalError(w, "failed to load device state")
		return
	}

	resp := map[string]any{
		"version":           s.version,
		"device_count":      len(s.cache.Devices()),
		"websocket_clients": 0,
	}
	if s.hub != nil {
		resp["websocket_clients"] = s.hub.ClientCount()
	}
	if t := s.cache.LastReloadTime(); !t.IsZero() {
		resp["last_reload_time"] = t.UTC().Format(time.RFC3339)
	}
	if t := s.cache.LatestStoreModificationTime(); !t.IsZero() {
		resp["latest_store_modification"] = t.UTC().Format(time.RFC3339)
	}

	writeJSON(w, http.StatusOK, resp)
}
