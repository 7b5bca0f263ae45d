// Package motion turns per-frame contour areas into debounced motion triggers.
package motion

import (
	"time"

	"github.com/kitmage/jarvipy/internal/vision"
)

// Event is one triggered motion with the detections found in its snapshot.
type Event struct {
	Timestamp    time.Time          `json:"timestamp"`
	SnapshotPath string             `json:"snapshot_path"`
	Detections   []vision.Detection `json:"detections"`
	// DetectErr is set when the detector failed; Detections is then empty.
	DetectErr error `json:"-"`
}

// Trigger fires once a frame's largest contour area has exceeded the area
// threshold for RequiredFrames consecutive frames, outside the cooldown.
type Trigger struct {
	areaThreshold  float64
	requiredFrames int
	cooldown       time.Duration

	hits        int
	lastTrigger time.Time
	triggered   bool
}

func NewTrigger(areaThreshold float64, requiredFrames int, cooldown time.Duration) *Trigger {
	return &Trigger{
		areaThreshold:  areaThreshold,
		requiredFrames: requiredFrames,
		cooldown:       cooldown,
	}
}

// Update consumes one frame metric and reports whether motion triggered.
func (t *Trigger) Update(contourArea float64, now time.Time) bool {
	if contourArea > t.areaThreshold {
		t.hits++
	} else {
		t.hits = 0
	}

	if t.hits < t.requiredFrames {
		return false
	}

	if t.triggered && now.Sub(t.lastTrigger) < t.cooldown {
		return false
	}

	t.lastTrigger = now
	t.triggered = true
	t.hits = 0
	return true
}

// CoolingDown reports whether a trigger at now would be suppressed.
func (t *Trigger) CoolingDown(now time.Time) bool {
	return t.triggered && now.Sub(t.lastTrigger) < t.cooldown
}
