package state

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Device descriptions assigned by type, with the power controller variants
// keyed off the output type hint.
const (
	descLightingControl = "Lighting Controller"
	descPowerController = "Power Controller"
	descTeslaCharging   = "Tesla Charging"
	descEnergyMeter     = "Energy Meter"
	descTempProbes      = "Temperature Probes"
	descOutputMetering  = "Metered Outputs"
	descUnknown         = "Unknown Device"
)

// BuildDevice turns one decoded store document into an annotated Device.
//
// index is the zero-based position of the file in the sorted store listing;
// it seeds the fallback device name for documents without a DeviceName.
// now supplies the synthesised save time for documents without a usable
// timestamp.
func BuildDevice(fileName string, raw map[string]any, index int, now time.Time) (*Device, error) {
	if raw == nil {
		return nil, fmt.Errorf("state: empty document in %s", fileName)
	}

	ft := FileTypeUnknown
	if s, ok := raw["StateFileType"].(string); ok {
		ft = ParseFileType(s)
	}

	payload, err := decodePayload(ft, raw)
	if err != nil {
		return nil, fmt.Errorf("state: decode %s payload from %s: %w", ft, fileName, err)
	}

	name, ok := raw["DeviceName"].(string)
	if !ok || name == "" {
		name = fmt.Sprintf("Device%d", index+1)
	}

	d := &Device{
		DeviceName:        name,
		FileName:          fileName,
		FileType:          ft,
		Payload:           payload,
		Raw:               raw,
		DeviceDescription: describe(ft, payload),
		URLName:           URLEncodeDeviceName(name),
		LocalLastSaveTime: saveTime(ft, raw, now),
	}

	// Annotations are written back into the raw document so clients reading
	// the full document see them alongside the agent-supplied fields.
	raw["LocalLastSaveTime"] = d.LocalLastSaveTime.Format(time.RFC3339)
	raw["DeviceDescription"] = d.DeviceDescription
	raw["StateURLName"] = d.URLName

	return d, nil
}

// describe derives the human label for a device.
func describe(ft FileType, payload Payload) string {
	switch ft {
	case FileTypeLightingControl:
		return descLightingControl
	case FileTypePowerController:
		p, _ := payload.(PowerControllerPayload)
		switch p.Output.Type {
		case "teslamate":
			return descTeslaCharging
		case "meter":
			return descEnergyMeter
		default:
			return descPowerController
		}
	case FileTypeTempProbes:
		return descTempProbes
	case FileTypeOutputMetering:
		return descOutputMetering
	default:
		return descUnknown
	}
}

// SaveTimeField names the document field carrying the save timestamp for a
// given file type. Lighting controllers use a different field name.
func SaveTimeField(ft FileType) string {
	if ft == FileTypeLightingControl {
		return "LastStateSaveTime"
	}
	return "SaveTime"
}

// saveTime extracts and normalises the document save timestamp, falling back
// to now when absent or unparseable.
func saveTime(ft FileType, raw map[string]any, now time.Time) time.Time {
	if s, ok := raw[SaveTimeField(ft)].(string); ok && s != "" {
		if t, ok := ParseSaveTime(s); ok {
			return t
		}
	}
	return now.Local()
}

// DeviceNameFromFile strips the directory and .json extension from a store
// file name.
func DeviceNameFromFile(fileName string) string {
	base := filepath.Base(fileName)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
