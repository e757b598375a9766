package nn

import (
	"fmt"
	"strings"

	"github.com/cyclopcam/itemscan/pkg/gen"
)

// Package nn describes what the external perception component hands us:
// detections, frames, and the normalized geometry that goes with them.

// DetectorType identifies which detector produced a detection
type DetectorType int

const (
	DetectorUnknown DetectorType = iota
	DetectorObject
	DetectorBarcode
	DetectorDocument
)

// AllDetectorTypes lists the known detector types (excluding DetectorUnknown)
var AllDetectorTypes = []DetectorType{DetectorObject, DetectorBarcode, DetectorDocument}

var detectorTypeNames = map[DetectorType]string{
	DetectorUnknown:  "UNKNOWN",
	DetectorObject:   "OBJECT",
	DetectorBarcode:  "BARCODE",
	DetectorDocument: "DOCUMENT",
}

func (t DetectorType) String() string {
	if s, ok := detectorTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("DetectorType(%d)", int(t))
}

// ParseDetectorType is case-insensitive. Anything unrecognized becomes DetectorUnknown.
func ParseDetectorType(s string) DetectorType {
	s = strings.ToUpper(strings.TrimSpace(s))
	for t, name := range detectorTypeNames {
		if name == s {
			return t
		}
	}
	return DetectorUnknown
}

func (t DetectorType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *DetectorType) UnmarshalText(b []byte) error {
	*t = ParseDetectorType(string(b))
	return nil
}

// Detection is a single detector output for a single frame.
// SourceID is assigned by the detector, and may change from one frame to the next
// for the same physical object.
type Detection struct {
	SourceID      string       `json:"sourceId"`
	Box           Rect         `json:"box"`
	Confidence    float32      `json:"confidence"` // 0..1
	Category      string       `json:"category"`
	LabelText     string       `json:"labelText,omitempty"`
	TimestampMs   int64        `json:"timestampMs"`
	DetectorType  DetectorType `json:"detectorType"`
	BarcodeValue  string       `json:"barcodeValue,omitempty"`  // Raw scanned value, for barcode detections
	BarcodeFormat string       `json:"barcodeFormat,omitempty"` // eg "EAN_13"
}

// Frame is the set of detections produced from one camera frame
type Frame struct {
	TimestampMs int64       `json:"timestampMs"`
	Detections  []Detection `json:"detections"`
}

// Sanitize returns a copy of the detection that is safe to process.
// The box is clamped into the unit square (inverted boxes become zero-area),
// confidence is clamped to [0,1], and a missing timestamp is taken from the frame.
// The boolean result is true if the geometry or confidence needed repair.
func (d Detection) Sanitize(frameTimeMs int64) (Detection, bool) {
	repaired := false
	if !d.Box.IsNormalized() {
		d.Box = d.Box.Clamped()
		repaired = true
	}
	if !gen.InUnitRange(d.Confidence) {
		d.Confidence = gen.Clamp01(d.Confidence)
		repaired = true
	}
	if d.TimestampMs == 0 {
		d.TimestampMs = frameTimeMs
	}
	return d, repaired
}

// IsBarcodeValue is true if this detection carries a raw barcode value that can be deduplicated by value
func (d *Detection) IsBarcodeValue() bool {
	return d.DetectorType == DetectorBarcode && d.BarcodeValue != ""
}
