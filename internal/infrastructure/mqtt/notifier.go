package mqtt

import (
	"encoding/json"
	"time"

	"github.com/nerrad567/statepanel/internal/state"
)

// PublishDeviceUpdated announces an accepted device submission on the
// device's retained state topic. Failures are logged, never fatal; the
// submission has already been persisted by the time this runs.
//
// Parameters:
//   - deviceName: The device the submission belongs to
//   - doc: The accepted state document
func (c *Client) PublishDeviceUpdated(deviceName string, doc map[string]any) {
	fileType := state.ParseFileType(asString(doc["StateFileType"], "PowerController"))

	msg := map[string]any{
		"device_name": deviceName,
		"file_type":   fileType,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	}
	if field := state.SaveTimeField(fileType); field != "" {
		if saveTime, ok := doc[field].(string); ok {
			msg["save_time"] = saveTime
		}
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}

	topic := Topics{}.DeviceState(state.URLEncodeDeviceName(deviceName))
	if err := c.PublishRetained(topic, payload); err != nil {
		if logger := c.getLogger(); logger != nil {
			logger.Warn("device update publish failed", "device", deviceName, "error", err)
		}
	}
}

// PublishReload announces a cache reload on the system reload topic.
// Not retained: reload events are transient.
//
// Parameters:
//   - deviceCount: Number of devices in the fresh snapshot
func (c *Client) PublishReload(deviceCount int) {
	msg := map[string]any{
		"device_count": deviceCount,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}

	if err := c.Publish(Topics{}.SystemReload(), payload, byte(c.cfg.QoS), false); err != nil {
		if logger := c.getLogger(); logger != nil {
			logger.Warn("reload publish failed", "error", err)
		}
	}
}

// asString returns v as a string, or def when v is not a string.
func asString(v any, def string) string {
	if s, ok := v.(string); ok {
		return s
	}
	return def
}
