package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/statepanel/internal/state"
)

// probeTemperatureMeasurement is the measurement probe readings land in.
const probeTemperatureMeasurement = "probe_temperature"

// WriteProbeReadings writes the newest temperature reading of every probe in
// the collection. Intended to run on each cache reload; writes are batched
// and asynchronous, so this returns immediately.
//
// Only TempProbes devices contribute points. Readings whose timestamp cannot
// be parsed are skipped.
//
// Parameters:
//   - devices: The freshly loaded device snapshot
//
// Returns:
//   - int: Number of points queued for writing
func (c *Client) WriteProbeReadings(devices state.Collection) int {
	if !c.IsConnected() {
		return 0
	}

	queued := 0
	for _, dev := range devices {
		payload, ok := dev.Payload.(state.TempProbesPayload)
		if !ok {
			continue
		}

		for probe, reading := range latestReadings(payload.TempProbeLogging.History) {
			c.writeAPI.WritePoint(write.NewPoint(
				probeTemperatureMeasurement,
				map[string]string{
					"device": dev.DeviceName,
					"probe":  probe,
				},
				map[string]interface{}{
					"temperature": reading.temperature,
				},
				reading.at,
			))
			queued++
		}
	}
	return queued
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for measurements that don't fit the probe helper.
//
// Parameters:
//   - measurement: The measurement name (table)
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// probeReading is the newest observation for one probe.
type probeReading struct {
	at          time.Time
	temperature float64
}

// latestReadings reduces a probe history to the newest reading per probe.
func latestReadings(history []state.ProbeReading) map[string]probeReading {
	latest := make(map[string]probeReading)
	for _, entry := range history {
		at, ok := state.ParseSaveTime(entry.Timestamp)
		if !ok || entry.ProbeName == "" {
			continue
		}
		if current, exists := latest[entry.ProbeName]; !exists || at.After(current.at) {
			latest[entry.ProbeName] = probeReading{at: at, temperature: entry.Temperature}
		}
	}
	return latest
}
