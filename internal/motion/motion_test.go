package motion

import (
	"testing"
	"time"
)

func TestTriggerRequiresConsecutiveFrames(t *testing.T) {
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	trig := NewTrigger(500, 6, 8*time.Second)

	now := start
	for i := 0; i < 5; i++ {
		if trig.Update(900, now) {
			t.Fatalf("triggered after %d frames", i+1)
		}
		now = now.Add(100 * time.Millisecond)
	}

	// A quiet frame resets the run.
	if trig.Update(100, now) {
		t.Fatal("triggered on a quiet frame")
	}
	for i := 0; i < 5; i++ {
		now = now.Add(100 * time.Millisecond)
		if trig.Update(900, now) {
			t.Fatalf("triggered %d frames after reset", i+1)
		}
	}
	now = now.Add(100 * time.Millisecond)
	if !trig.Update(900, now) {
		t.Fatal("did not trigger on sixth consecutive frame")
	}
}

func TestTriggerAreaMustExceedThreshold(t *testing.T) {
	trig := NewTrigger(500, 1, time.Second)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	if trig.Update(500, now) {
		t.Error("area equal to threshold triggered")
	}
	if !trig.Update(501, now) {
		t.Error("area above threshold did not trigger")
	}
}

func TestTriggerCooldown(t *testing.T) {
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	trig := NewTrigger(500, 1, 8*time.Second)

	if !trig.Update(1000, start) {
		t.Fatal("first trigger suppressed")
	}
	if !trig.CoolingDown(start.Add(7 * time.Second)) {
		t.Error("CoolingDown = false inside cooldown")
	}
	if trig.Update(1000, start.Add(7*time.Second)) {
		t.Error("triggered inside cooldown")
	}
	if !trig.Update(1000, start.Add(8*time.Second)) {
		t.Error("did not trigger once cooldown elapsed")
	}
}
