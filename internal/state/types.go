package state

import (
	"net/url"
	"strings"
	"time"
)

// FileType identifies the kind of device a state file describes.
type FileType string

// Recognised state file types. Unknown is used for files whose
// StateFileType field is missing or unrecognised.
const (
	FileTypePowerController FileType = "PowerController"
	FileTypeLightingControl FileType = "LightingControl"
	FileTypeTempProbes      FileType = "TempProbes"
	FileTypeOutputMetering  FileType = "OutputMetering"
	FileTypeUnknown         FileType = "Unknown"
)

// ParseFileType converts the raw StateFileType string to a FileType.
func ParseFileType(s string) FileType {
	switch FileType(s) {
	case FileTypePowerController, FileTypeLightingControl, FileTypeTempProbes, FileTypeOutputMetering:
		return FileType(s)
	default:
		return FileTypeUnknown
	}
}

// KnownFileTypes lists every file type accepted by the ingestion endpoint.
func KnownFileTypes() []FileType {
	return []FileType{
		FileTypePowerController,
		FileTypeLightingControl,
		FileTypeTempProbes,
		FileTypeOutputMetering,
	}
}

// Device is one parsed device state file plus the annotations assigned
// during a reload.
//
// Devices are immutable once built: each reload constructs fresh Device
// values and the collection is swapped wholesale, so concurrent readers can
// hold a Device without synchronisation.
type Device struct {
	// DeviceName uniquely identifies the device. Taken from the document's
	// DeviceName field, falling back to the file name without extension.
	DeviceName string

	// FileName is the store file this device was loaded from.
	FileName string

	// FileType classifies the document.
	FileType FileType

	// Payload is the typed view of the document, one variant per FileType.
	// Nil when the FileType is Unknown.
	Payload Payload

	// Raw is the full decoded document. It preserves fields the typed
	// payload does not model, and backs the generic Value traversal.
	Raw map[string]any

	// LocalLastSaveTime is the document's save timestamp normalised to
	// local time. Synthesised as the load time when the document carries
	// no usable timestamp.
	LocalLastSaveTime time.Time

	// DeviceDescription is the human label derived from type and payload hints.
	DeviceDescription string

	// URLName is the URL-safe form of DeviceName used in routes.
	URLName string

	// Artifacts lists the derived chart files generated for this device
	// during the reload that produced it.
	Artifacts []string
}

// Value traverses the raw document by a sequence of keys.
// String keys index objects; int keys index arrays.
// Returns nil if the path does not exist.
func (d *Device) Value(keys ...any) any {
	if d == nil {
		return nil
	}
	return traverse(d.Raw, keys)
}

// ValueOr is Value with a default for missing paths. The default is also
// returned when the path exists but holds a JSON null.
func (d *Device) ValueOr(def any, keys ...any) any {
	v := d.Value(keys...)
	if v == nil {
		return def
	}
	return v
}

// traverse walks an untyped JSON structure by keys.
func traverse(value any, keys []any) any {
	for _, key := range keys {
		switch k := key.(type) {
		case string:
			m, ok := value.(map[string]any)
			if !ok {
				return nil
			}
			value = m[k]
		case int:
			s, ok := value.([]any)
			if !ok || k < 0 || k >= len(s) {
				return nil
			}
			value = s[k]
		default:
			return nil
		}
	}
	return value
}

// Collection is an ordered sequence of devices, lexicographic by file name
// at load time. It is replaced atomically on reload and never mutated in
// place, so a Collection handle is always internally consistent.
type Collection []*Device

// Device returns the device at index i, or nil if out of range.
func (c Collection) Device(i int) *Device {
	if i < 0 || i >= len(c) {
		return nil
	}
	return c[i]
}

// ByName finds a device by DeviceName or URLName.
func (c Collection) ByName(name string) *Device {
	for _, d := range c {
		if d.DeviceName == name || d.URLName == name {
			return d
		}
	}
	return nil
}

// Value traverses the raw document of the device at index i.
func (c Collection) Value(i int, keys ...any) any {
	return c.Device(i).Value(keys...)
}

// ValueOr is Value with a default for missing devices or paths.
func (c Collection) ValueOr(def any, i int, keys ...any) any {
	v := c.Value(i, keys...)
	if v == nil {
		return def
	}
	return v
}

// URLEncodeDeviceName produces the URL-safe form of a device name.
// Spaces, slashes, backslashes and hyphens are stripped before encoding.
func URLEncodeDeviceName(name string) string {
	stripped := strings.NewReplacer(" ", "", "/", "", "\\", "", "-", "").Replace(name)
	return url.PathEscape(stripped)
}

// saveTimeLayouts are the accepted formats for document save timestamps.
// Agents write either RFC 3339 or a naive local timestamp.
var saveTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
}

// ParseSaveTime parses a document timestamp string, normalised to local time.
func ParseSaveTime(s string) (time.Time, bool) {
	for _, layout := range saveTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Local(), true
		}
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
