package api

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/nerrad567/statepanel/internal/state"
)

// Submission endpoint response messages. These are a wire contract with the
// submitting devices' firmware; do not reword them.
const (
	msgInvalidContentType = "Invalid content type. Expected JSON."
	msgAccessForbidden    = "Access forbidden."
	msgGzipFailed         = "Failed to decompress gzip payload."
	msgNotAnObject        = "Invalid JSON format. Expected a JSON object."
	msgSubmitAccepted     = "Data received and validated successfully."
)

// handleSubmit accepts a device state document, validates it against the
// per-type required key tables, and persists it to the store. Accepted
// documents are recorded in the submission history and announced to
// WebSocket clients and the external notifier.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if !isJSONContentType(r.Header.Get("Content-Type")) {
		s.logger.Warn("submit: content posted is not JSON data", "content_type", r.Header.Get("Content-Type"))
		writeSubmitError(w, http.StatusBadRequest, msgInvalidContentType)
		return
	}

	if !s.accessKeyAllowed(r) {
		s.logger.Warn("submit: invalid access key used", "remote", r.RemoteAddr)
		writeSubmitError(w, http.StatusForbidden, msgAccessForbidden)
		return
	}

	doc, errMsg := decodeSubmission(r)
	if errMsg != "" {
		s.logger.Warn("submit: rejected payload", "reason", errMsg)
		writeSubmitError(w, http.StatusBadRequest, errMsg)
		return
	}

	fileType, err := state.ValidateSubmission(doc)
	if err != nil {
		var vErr *state.ValidationError
		if errors.As(err, &vErr) {
			s.logger.Warn("submit: validation failed", "reason", vErr.Message)
			writeSubmitError(w, http.StatusBadRequest, vErr.Message)
			return
		}
		s.logger.Error("submit: validation error", "error", err)
		writeInternalError(w, "failed to validate submission")
		return
	}

	deviceName, err := s.cache.SaveDeviceState(doc)
	if err != nil {
		s.logger.Error("submit: failed to persist state", "error", err)
		writeInternalError(w, "failed to save state")
		return
	}
	s.logger.Debug("received valid state data", "device", deviceName, "file_type", fileType)

	ctx := r.Context()
	if s.history != nil {
		if err := s.history.Record(ctx, deviceName, fileType, doc); err != nil {
			// History is an audit convenience; the submission already landed.
			s.logger.Warn("submit: history record failed", "device", deviceName, "error", err)
		}
	}

	if s.hub != nil {
		s.hub.Broadcast(ChannelDeviceUpdated, map[string]any{
			"device_name": deviceName,
			"file_type":   fileType,
		})
	}
	if s.notifier != nil {
		s.notifier.PublishDeviceUpdated(deviceName, doc)
	}

	// The save bumped the store fingerprint; fold it into the cache now
	// rather than waiting for the next worker tick.
	s.cache.Housekeeping(ctx)

	writeJSON(w, http.StatusOK, map[string]string{"message": msgSubmitAccepted})
}

// decodeSubmission reads the request body into a JSON object, transparently
// handling gzip-compressed payloads. Returns a client-facing error message
// on failure.
func decodeSubmission(r *http.Request) (map[string]any, string) {
	var body io.Reader = r.Body

	if strings.EqualFold(r.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			return nil, msgGzipFailed
		}
		defer gz.Close()
		body = gz
	}

	var decoded any
	if err := json.NewDecoder(body).Decode(&decoded); err != nil {
		if body != r.Body {
			// Truncated or corrupt compressed stream
			return nil, msgGzipFailed
		}
		return nil, msgNotAnObject
	}

	doc, ok := decoded.(map[string]any)
	if !ok {
		return nil, msgNotAnObject
	}
	return doc, ""
}

// isJSONContentType reports whether the Content-Type header declares a JSON
// payload, ignoring parameters such as charset.
func isJSONContentType(header string) bool {
	if header == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}
