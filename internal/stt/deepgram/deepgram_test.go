package deepgram

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kitmage/jarvipy/internal/audio"
	"github.com/kitmage/jarvipy/internal/resilience"
)

func testChunk() *audio.Chunk {
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	return &audio.Chunk{
		ID:    uuid.New(),
		PCM:   make([]int16, 1600),
		Start: start,
		End:   start.Add(100 * time.Millisecond),
	}
}

func TestTranscribe(t *testing.T) {
	var gotAuth, gotModel string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotModel = r.URL.Query().Get("model")
		gotBody, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{"results":{"channels":[{"alternatives":[{"transcript":"what time is it","confidence":0.91},{"transcript":"watt time","confidence":0.2}]}]}}`))
	}))
	defer srv.Close()

	d := NewDeepgramTranscriber("key", "nova-2", audio.CaptureRate, WithEndpoint(srv.URL))
	chunk := testChunk()

	utts, err := d.Transcribe(context.Background(), chunk)
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if len(utts) != 1 {
		t.Fatalf("utterances = %d, want 1", len(utts))
	}
	u := utts[0]
	if u.Text != "what time is it" || u.Confidence != 0.91 || u.Source != "deepgram" {
		t.Errorf("utterance = %+v", u)
	}
	if u.ChunkID != chunk.ID || !u.TSEnd.Equal(chunk.End) {
		t.Errorf("utterance not tied to chunk: %+v", u)
	}
	if gotAuth != "Token key" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotModel != "nova-2" {
		t.Errorf("model = %q", gotModel)
	}
	if len(gotBody) != 44+3200 {
		t.Errorf("body size = %d, want %d", len(gotBody), 44+3200)
	}
	if rate := binary.LittleEndian.Uint32(gotBody[24:28]); rate != audio.CaptureRate {
		t.Errorf("wav sample rate = %d, want %d", rate, audio.CaptureRate)
	}
}

func TestTranscribeServerErrorIsRecoverable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := NewDeepgramTranscriber("key", "", audio.CaptureRate, WithEndpoint(srv.URL))
	_, err := d.Transcribe(context.Background(), testChunk())
	if !errors.Is(err, resilience.ErrSTTService) {
		t.Errorf("error = %v, want ErrSTTService", err)
	}
}

func TestTranscribeClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	d := NewDeepgramTranscriber("key", "", audio.CaptureRate, WithEndpoint(srv.URL))
	_, err := d.Transcribe(context.Background(), testChunk())
	if err == nil || resilience.IsRecoverable(err) {
		t.Errorf("error = %v, want non-recoverable error", err)
	}
}

func TestTranscribeEmptyChunk(t *testing.T) {
	d := NewDeepgramTranscriber("key", "", audio.CaptureRate, WithEndpoint("http://127.0.0.1:1"))
	utts, err := d.Transcribe(context.Background(), &audio.Chunk{})
	if err != nil || utts != nil {
		t.Errorf("Transcribe(empty) = %v, %v", utts, err)
	}
}
