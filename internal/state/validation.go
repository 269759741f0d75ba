package state

import (
	"fmt"
	"math"
)

// jsonKind is the JSON value shape expected for a required document key.
type jsonKind int

const (
	kindString jsonKind = iota
	kindInteger
	kindObject
	kindArray
)

func (k jsonKind) String() string {
	switch k {
	case kindString:
		return "string"
	case kindInteger:
		return "integer"
	case kindObject:
		return "object"
	default:
		return "array"
	}
}

func (k jsonKind) matches(v any) bool {
	switch k {
	case kindString:
		_, ok := v.(string)
		return ok
	case kindInteger:
		f, ok := v.(float64)
		return ok && f == math.Trunc(f)
	case kindObject:
		_, ok := v.(map[string]any)
		return ok
	default:
		_, ok := v.([]any)
		return ok
	}
}

// requiredKey pairs a document key with its expected JSON shape.
type requiredKey struct {
	name string
	kind jsonKind
}

// requiredKeys lists, per accepted file type, the document keys a submission
// must carry and their expected JSON shapes. Order matters: the first missing
// or mismatched key in table order is the one reported.
var requiredKeys = map[FileType][]requiredKey{
	FileTypePowerController: {
		{"SaveTime", kindString},
		{"SchemaVersion", kindInteger},
		{"DeviceName", kindString},
		{"Output", kindObject},
		{"Scheduler", kindObject},
	},
	FileTypeLightingControl: {
		{"LastStateSaveTime", kindString},
		{"SchemaVersion", kindInteger},
		{"DeviceName", kindString},
		{"RandomOffsets", kindObject},
		{"SwitchStates", kindArray},
	},
	FileTypeTempProbes: {
		{"SaveTime", kindString},
		{"SchemaVersion", kindInteger},
		{"DeviceName", kindString},
		{"TempProbeLogging", kindObject},
	},
	FileTypeOutputMetering: {
		{"SaveTime", kindString},
		{"SchemaVersion", kindInteger},
		{"DeviceName", kindString},
		{"Summary", kindObject},
		{"Meters", kindArray},
	},
}

// ValidateSubmission checks an incoming device state document against the
// per-type required key tables. Documents without a StateFileType are
// treated as power controllers. Returns the resolved file type so callers
// can route the document without re-parsing.
func ValidateSubmission(doc map[string]any) (FileType, error) {
	typeName := "PowerController"
	if s, ok := doc["StateFileType"].(string); ok {
		typeName = s
	} else if _, present := doc["StateFileType"]; present {
		return FileTypeUnknown, &ValidationError{
			Message: fmt.Sprintf("Invalid state file type: %v", doc["StateFileType"]),
		}
	}

	ft := ParseFileType(typeName)
	if ft == FileTypeUnknown {
		return FileTypeUnknown, &ValidationError{
			Message: fmt.Sprintf("Invalid state file type: %s", typeName),
		}
	}

	for _, rk := range requiredKeys[ft] {
		v, present := doc[rk.name]
		if !present {
			return ft, &ValidationError{
				Message: fmt.Sprintf("Missing required key: %s", rk.name),
			}
		}
		if !rk.kind.matches(v) {
			return ft, &ValidationError{
				Message: fmt.Sprintf("Invalid type for key: %s. Expected %s.", rk.name, rk.kind),
			}
		}
	}
	return ft, nil
}
