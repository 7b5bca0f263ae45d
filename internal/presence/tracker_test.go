package presence

import (
	"testing"
	"time"

	"github.com/kitmage/jarvipy/internal/config"
	"github.com/kitmage/jarvipy/internal/vision"
)

func defaultConfig() Config {
	return Config{
		ConfidenceThreshold: 0.65,
		MissesRequired:      3,
		Mode:                config.KeepAlivePersonOrVehicle,
		AbsenceTimeout:      20 * time.Second,
	}
}

func d(label string, conf float64) []vision.Detection {
	return []vision.Detection{{Label: label, Confidence: conf}}
}

// Samples arrive every 2s. Absence is counted at t=10, cleared at t=18,
// counted again at t=24 and the session exits at t=44.
func TestTrackerWorkedTimeline(t *testing.T) {
	base := time.Date(2024, 1, 1, 15, 0, 0, 0, time.UTC)
	at := func(s int) time.Time { return base.Add(time.Duration(s) * time.Second) }

	tr := NewTracker(defaultConfig())

	steps := []struct {
		t          int
		dets       []vision.Detection
		qualifies  bool
		misses     int
		absent     bool
		absentFrom int
	}{
		{0, d("person", 0.78), true, 0, false, 0},
		{2, nil, false, 1, false, 0},
		{4, d("bicycle", 0.72), true, 0, false, 0},
		{6, d("car", 0.60), false, 1, false, 0},
		{8, nil, false, 2, false, 0},
		{10, nil, false, 3, true, 10},
		{12, nil, false, 4, true, 10},
		{14, nil, false, 5, true, 10},
		{16, nil, false, 6, true, 10},
		{18, d("person", 0.80), true, 0, false, 0},
		{20, nil, false, 1, false, 0},
		{22, nil, false, 2, false, 0},
		{24, nil, false, 3, true, 24},
	}

	for _, s := range steps {
		sample := tr.Update(s.dets, at(s.t))
		if sample.Qualifies != s.qualifies {
			t.Errorf("t=%d: qualifies = %v, want %v", s.t, sample.Qualifies, s.qualifies)
		}
		if tr.Misses() != s.misses {
			t.Errorf("t=%d: misses = %d, want %d", s.t, tr.Misses(), s.misses)
		}
		since, absent := tr.Absent()
		if absent != s.absent {
			t.Errorf("t=%d: absent = %v, want %v", s.t, absent, s.absent)
		}
		if absent && !since.Equal(at(s.absentFrom)) {
			t.Errorf("t=%d: absent since %v, want t=%d", s.t, since.Sub(base), s.absentFrom)
		}
		if tr.ShouldExit(at(s.t)) {
			t.Fatalf("t=%d: exit before timeout", s.t)
		}
	}

	for s := 26; s < 44; s += 2 {
		tr.Update(nil, at(s))
		if tr.ShouldExit(at(s)) {
			t.Fatalf("t=%d: exit before t=44", s)
		}
		if since, _ := tr.Absent(); !since.Equal(at(24)) {
			t.Fatalf("t=%d: absence timer restarted at %v", s, since.Sub(base))
		}
	}

	tr.Update(nil, at(44))
	if !tr.ShouldExit(at(44)) {
		t.Error("t=44: no exit after 20s of counted absence")
	}
}

func TestTrackerKeepAliveModes(t *testing.T) {
	tests := []struct {
		mode string
		dets []vision.Detection
		want bool
	}{
		{config.KeepAlivePersonOrVehicle, d("truck", 0.7), true},
		{config.KeepAlivePersonOrVehicle, d("person", 0.65), true},
		{config.KeepAlivePersonOrVehicle, d("person", 0.649), false},
		{config.KeepAlivePersonOrVehicle, d("dog", 0.99), false},
		{config.KeepAlivePersonOnly, d("truck", 0.9), false},
		{config.KeepAlivePersonOnly, d("person", 0.9), true},
		{config.KeepAlivePersonOnly, []vision.Detection{{Label: "car", Confidence: 0.9}, {Label: "person", Confidence: 0.7}}, true},
	}

	for _, tt := range tests {
		cfg := defaultConfig()
		cfg.Mode = tt.mode
		tr := NewTracker(cfg)
		if got := tr.Qualifies(tt.dets); got != tt.want {
			t.Errorf("%s %v: Qualifies = %v, want %v", tt.mode, vision.Labels(tt.dets), got, tt.want)
		}
	}
}

func TestTrackerReset(t *testing.T) {
	tr := NewTracker(defaultConfig())
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		tr.Update(nil, now)
	}
	if _, absent := tr.Absent(); !absent {
		t.Fatal("absence not counted after 3 misses")
	}
	tr.Reset()
	if _, absent := tr.Absent(); absent || tr.Misses() != 0 {
		t.Error("Reset left tracker state behind")
	}
}
