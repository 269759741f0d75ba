package state

import "encoding/json"

// Payload is the typed view of a device document. Exactly one concrete
// variant exists per known FileType.
type Payload interface {
	payloadFileType() FileType
}

// PowerController documents describe a single switched output with an
// optional schedule.
type PowerControllerPayload struct {
	SchemaVersion int            `json:"SchemaVersion"`
	Output        Output         `json:"Output"`
	Scheduler     map[string]any `json:"Scheduler"`
}

// Output is the switched output section of a power controller document.
type Output struct {
	Type string `json:"Type"`
	IsOn bool   `json:"IsOn"`
}

func (PowerControllerPayload) payloadFileType() FileType { return FileTypePowerController }

// LightingControl documents describe a bank of switches with randomised
// schedule offsets.
type LightingControlPayload struct {
	SchemaVersion int              `json:"SchemaVersion"`
	RandomOffsets map[string]any   `json:"RandomOffsets"`
	SwitchStates  []map[string]any `json:"SwitchStates"`
	SwitchEvents  []map[string]any `json:"SwitchEvents"`
}

func (LightingControlPayload) payloadFileType() FileType { return FileTypeLightingControl }

// TempProbes documents carry probe configuration, a rolling reading history
// and the chart definitions rendered during reload.
type TempProbesPayload struct {
	SchemaVersion    int          `json:"SchemaVersion"`
	TempProbeLogging ProbeLogging `json:"TempProbeLogging"`
	Charting         Charting     `json:"Charting"`
}

// ProbeLogging holds probe configuration and the recorded reading history.
// Agents write these two section keys in lowercase.
type ProbeLogging struct {
	Probes  []ProbeConfig  `json:"probes"`
	History []ProbeReading `json:"history"`
}

// ProbeConfig describes one temperature probe.
type ProbeConfig struct {
	Name        string `json:"Name"`
	DisplayName string `json:"DisplayName"`
	Colour      string `json:"Colour"`
}

// ProbeReading is one logged temperature sample. Timestamp stays a string
// because agents write it in more than one layout; use ParseSaveTime.
type ProbeReading struct {
	Timestamp   string  `json:"Timestamp"`
	ProbeName   string  `json:"ProbeName"`
	Temperature float64 `json:"Temperature"`
}

// Charting configures the chart artifacts rendered for a probe device.
type Charting struct {
	Enable bool        `json:"Enable"`
	Charts []ChartSpec `json:"Charts"`
}

// ChartSpec defines one chart: which probes to plot over how many days.
type ChartSpec struct {
	Name       string   `json:"Name"`
	DaysToShow int      `json:"DaysToShow"`
	Probes     []string `json:"Probes"`
}

func (TempProbesPayload) payloadFileType() FileType { return FileTypeTempProbes }

// OutputMetering documents summarise per-output energy usage.
type OutputMeteringPayload struct {
	SchemaVersion int             `json:"SchemaVersion"`
	Summary       MeteringSummary `json:"Summary"`
	Meters        []Meter         `json:"Meters"`
}

// MeteringSummary spans the full recorded metering period.
type MeteringSummary struct {
	FirstDate string `json:"FirstDate"`
	LastDate  string `json:"LastDate"`
}

// Meter is the usage record for one metered output.
type Meter struct {
	Output      string       `json:"Output"`
	DisplayName string       `json:"DisplayName"`
	FirstDate   string       `json:"FirstDate"`
	Usage       []UsageEntry `json:"Usage"`
}

// UsageEntry is one day of recorded energy usage.
type UsageEntry struct {
	Date       string  `json:"Date"`
	EnergyUsed float64 `json:"EnergyUsed"`
	Cost       float64 `json:"Cost"`
}

func (OutputMeteringPayload) payloadFileType() FileType { return FileTypeOutputMetering }

// decodePayload builds the typed payload for a document of the given type.
// The raw document is round-tripped through JSON so nested sections decode
// with standard struct tag rules. Unknown types yield a nil payload.
func decodePayload(ft FileType, raw map[string]any) (Payload, error) {
	if ft == FileTypeUnknown {
		return nil, nil
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	switch ft {
	case FileTypePowerController:
		var p PowerControllerPayload
		if err := json.Unmarshal(buf, &p); err != nil {
			return nil, err
		}
		return p, nil
	case FileTypeLightingControl:
		var p LightingControlPayload
		if err := json.Unmarshal(buf, &p); err != nil {
			return nil, err
		}
		return p, nil
	case FileTypeTempProbes:
		var p TempProbesPayload
		if err := json.Unmarshal(buf, &p); err != nil {
			return nil, err
		}
		return p, nil
	case FileTypeOutputMetering:
		var p OutputMeteringPayload
		if err := json.Unmarshal(buf, &p); err != nil {
			return nil, err
		}
		return p, nil
	}
	return nil, nil
}
