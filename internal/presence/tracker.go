// Package presence turns periodic detection snapshots taken during a
// conversation into a present/absent signal with hysteresis.
package presence

import (
	"time"

	"github.com/kitmage/jarvipy/internal/config"
	"github.com/kitmage/jarvipy/internal/vision"
)

type Config struct {
	ConfidenceThreshold float64
	MissesRequired      int
	Mode                string
	AbsenceTimeout      time.Duration
}

func ConfigFrom(cfg *config.Config) Config {
	return Config{
		ConfidenceThreshold: cfg.PresenceConfidenceThreshold,
		MissesRequired:      cfg.AbsenceMissesRequired,
		Mode:                cfg.KeepAliveClassMode,
		AbsenceTimeout:      cfg.AbsenceTimeout(),
	}
}

// Sample is one re-check outcome.
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	Qualifies bool      `json:"qualifies"`
}

// Tracker counts consecutive non-qualifying samples; once the count reaches
// MissesRequired it starts an absence timer, which any qualifying sample clears.
type Tracker struct {
	cfg          Config
	misses       int
	absentSince  time.Time
	absenceArmed bool
}

func NewTracker(cfg Config) *Tracker {
	return &Tracker{cfg: cfg}
}

// Update folds one detection snapshot into the tracker.
func (t *Tracker) Update(dets []vision.Detection, now time.Time) Sample {
	s := Sample{Timestamp: now, Qualifies: t.Qualifies(dets)}

	if s.Qualifies {
		t.misses = 0
		t.absenceArmed = false
		return s
	}

	t.misses++
	if t.misses >= t.cfg.MissesRequired && !t.absenceArmed {
		t.absentSince = now
		t.absenceArmed = true
	}
	return s
}

// Qualifies reports whether a snapshot keeps the conversation alive.
func (t *Tracker) Qualifies(dets []vision.Detection) bool {
	for _, d := range dets {
		if d.Confidence < t.cfg.ConfidenceThreshold {
			continue
		}
		if t.cfg.Mode == config.KeepAlivePersonOnly {
			if d.Label == vision.LabelPerson {
				return true
			}
			continue
		}
		if vision.IsPersonOrVehicle(d.Label) {
			return true
		}
	}
	return false
}

// ShouldExit reports whether the absence timer has run for AbsenceTimeout.
func (t *Tracker) ShouldExit(now time.Time) bool {
	return t.absenceArmed && now.Sub(t.absentSince) >= t.cfg.AbsenceTimeout
}

// Absent reports whether absence is currently counted, and since when.
func (t *Tracker) Absent() (time.Time, bool) {
	return t.absentSince, t.absenceArmed
}

func (t *Tracker) Misses() int {
	return t.misses
}

// Reset clears the tracker for a new session.
func (t *Tracker) Reset() {
	t.misses = 0
	t.absenceArmed = false
	t.absentSince = time.Time{}
}
