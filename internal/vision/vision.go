// Package vision holds the detection types shared by the camera, the
// announce gate and the presence tracker.
package vision

import (
	"context"
	"fmt"
	"image"
)

const LabelPerson = "person"

// VehicleClasses are the COCO labels treated as vehicles.
var VehicleClasses = map[string]struct{}{
	"car":        {},
	"truck":      {},
	"bus":        {},
	"motorcycle": {},
	"bicycle":    {},
}

// Detection is one labelled object reported by the detector.
type Detection struct {
	Label      string           `json:"label"`
	Confidence float64          `json:"confidence"`
	BBox       *image.Rectangle `json:"bbox,omitempty"`
}

func (d Detection) String() string {
	return fmt.Sprintf("%s:%.2f", d.Label, d.Confidence)
}

// Detector runs object detection on an encoded (JPEG) frame.
type Detector interface {
	Detect(ctx context.Context, frame []byte) ([]Detection, error)
	Close() error
}

func IsVehicle(label string) bool {
	_, ok := VehicleClasses[label]
	return ok
}

func IsPersonOrVehicle(label string) bool {
	return label == LabelPerson || IsVehicle(label)
}

// ContainsPersonOrVehicle reports whether any detection routes to a conversation.
func ContainsPersonOrVehicle(dets []Detection) bool {
	for _, d := range dets {
		if IsPersonOrVehicle(d.Label) {
			return true
		}
	}
	return false
}

// Top returns the highest-confidence detection accepted by keep, if any.
func Top(dets []Detection, keep func(Detection) bool) (Detection, bool) {
	var best Detection
	found := false
	for _, d := range dets {
		if keep != nil && !keep(d) {
			continue
		}
		if !found || d.Confidence > best.Confidence {
			best = d
			found = true
		}
	}
	return best, found
}

// NonPerson filters out person detections.
func NonPerson(d Detection) bool {
	return d.Label != LabelPerson
}

// Labels renders detections as "label:0.82" strings in input order.
func Labels(dets []Detection) []string {
	out := make([]string, 0, len(dets))
	for _, d := range dets {
		out = append(out, d.String())
	}
	return out
}
