package device

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestSpeaker() *Speaker {
	return &Speaker{notify: make(chan struct{})}
}

func TestSpeakerPlayAfterCancelQueuesNothing(t *testing.T) {
	s := newTestSpeaker()
	ctx, cancel := context.WithCancel(context.Background())

	// Barge-in order: cancel the chunk, then halt.
	cancel()
	s.Halt()

	if err := s.Play(ctx, make([]byte, 1920)); !errors.Is(err, context.Canceled) {
		t.Fatalf("Play = %v, want context.Canceled", err)
	}

	out := make([]byte, 640)
	for i := range out {
		out[i] = 0xff
	}
	s.fill(out)
	for i, b := range out {
		if b != 0 {
			t.Fatalf("byte %d = %#x after halt, want silence", i, b)
		}
	}
}

func TestSpeakerPlayReturnsOnceConsumed(t *testing.T) {
	s := newTestSpeaker()

	done := make(chan error, 1)
	go func() { done <- s.Play(context.Background(), []byte{1, 2, 3, 4}) }()

	out := make([]byte, 4)
	deadline := time.Now().Add(2 * time.Second)
	for {
		s.fill(out)
		if out[0] == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("chunk never reached the device")
		}
		time.Sleep(time.Millisecond)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Play = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Play did not return after the device consumed the chunk")
	}
	if want := []byte{1, 2, 3, 4}; string(out) != string(want) {
		t.Errorf("device got %v, want %v", out, want)
	}
}
