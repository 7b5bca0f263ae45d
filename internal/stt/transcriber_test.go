package stt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kitmage/jarvipy/internal/audio"
	"github.com/kitmage/jarvipy/internal/resilience"
)

type fakeTranscriber struct {
	mu    sync.Mutex
	calls int
	fails int
	err   error
	text  string
}

func (f *fakeTranscriber) Transcribe(_ context.Context, chunk *audio.Chunk) ([]audio.Utterance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.fails {
		return nil, f.err
	}
	return []audio.Utterance{{ID: uuid.New(), ChunkID: chunk.ID, Text: f.text, TSEnd: chunk.End}}, nil
}

func (f *fakeTranscriber) Close() error { return nil }

func quickPolicy() resilience.Policy {
	return resilience.Policy{Base: time.Millisecond, Factor: 1, Max: time.Millisecond, MaxAttempts: 3}
}

func TestPoolTranscribes(t *testing.T) {
	tr := &fakeTranscriber{text: "hello there"}
	pool := NewTranscriberPool(tr, 2, quickPolicy())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := pool.Start(ctx); err == nil {
		t.Error("second Start() should fail")
	}

	chunk := &audio.Chunk{ID: uuid.New(), PCM: make([]int16, 320)}
	if err := pool.Submit(chunk); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	select {
	case u := <-pool.Utterances():
		if u.Text != "hello there" || u.ChunkID != chunk.ID {
			t.Errorf("utterance = %+v", u)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no utterance")
	}

	pool.Stop()
	if _, ok := <-pool.Utterances(); ok {
		t.Error("utterances channel not closed after Stop")
	}
}

func TestPoolRetriesRecoverableErrors(t *testing.T) {
	tr := &fakeTranscriber{
		text:  "ok",
		fails: 2,
		err:   fmt.Errorf("%w: 503", resilience.ErrSTTService),
	}
	pool := NewTranscriberPool(tr, 1, quickPolicy())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	pool.Submit(&audio.Chunk{ID: uuid.New()})

	select {
	case u := <-pool.Utterances():
		if u.Text != "ok" {
			t.Errorf("text = %q", u.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no utterance after retries")
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.calls != 3 {
		t.Errorf("calls = %d, want 3", tr.calls)
	}
}

func TestPoolSkipsBlankText(t *testing.T) {
	tr := &fakeTranscriber{text: "   ", fails: 1, err: errors.New("permanent")}
	pool := NewTranscriberPool(tr, 1, quickPolicy())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	pool.Submit(&audio.Chunk{ID: uuid.New()})
	pool.Submit(&audio.Chunk{ID: uuid.New()})
	pool.Stop()

	if u, ok := <-pool.Utterances(); ok {
		t.Errorf("unexpected utterance %+v", u)
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.calls != 2 {
		t.Errorf("calls = %d, want 2 (no retry on permanent error)", tr.calls)
	}
}

func TestSubmitDropsWhenFull(t *testing.T) {
	pool := NewTranscriberPool(&fakeTranscriber{}, 1, quickPolicy())
	// Not started: queue holds workers*2 chunks.
	for i := 0; i < 2; i++ {
		if err := pool.Submit(&audio.Chunk{ID: uuid.New()}); err != nil {
			t.Fatalf("Submit(%d) error = %v", i, err)
		}
	}
	if err := pool.Submit(&audio.Chunk{ID: uuid.New()}); err == nil {
		t.Error("expected error when queue is full")
	}
}
