package conversation

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kitmage/jarvipy/internal/bargein"
	"github.com/kitmage/jarvipy/internal/clock"
	"github.com/kitmage/jarvipy/internal/config"
	"github.com/kitmage/jarvipy/internal/presence"
	"github.com/kitmage/jarvipy/internal/vision"
)

type spoken struct {
	id   uuid.UUID
	text string
}

type fakeVoice struct {
	mu       sync.Mutex
	current  uuid.UUID
	spoken   []spoken
	finished []uuid.UUID
	stops    int
}

func (v *fakeVoice) Begin() uuid.UUID {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.current = uuid.New()
	return v.current
}

func (v *fakeVoice) Enqueue(id uuid.UUID, text string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.spoken = append(v.spoken, spoken{id, text})
}

func (v *fakeVoice) Finish(id uuid.UUID) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.finished = append(v.finished, id)
}

func (v *fakeVoice) Stop() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.stops++
}

func (v *fakeVoice) texts() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]string, 0, len(v.spoken))
	for _, s := range v.spoken {
		out = append(out, s.text)
	}
	return out
}

type chanStream struct {
	ctx    context.Context
	tokens <-chan string
	err    error
}

func (c *chanStream) Recv() (string, error) {
	select {
	case tok, ok := <-c.tokens:
		if !ok {
			if c.err != nil {
				return "", c.err
			}
			return "", io.EOF
		}
		return tok, nil
	case <-c.ctx.Done():
		return "", c.ctx.Err()
	}
}

func (c *chanStream) Close() error { return nil }

type fakeStreamer struct {
	tokens  chan string
	err     error
	openErr error

	mu        sync.Mutex
	histories [][]Exchange
	ctxs      []context.Context
}

func (f *fakeStreamer) StreamReply(ctx context.Context, _ string, history []Exchange) (TokenStream, error) {
	f.mu.Lock()
	f.histories = append(f.histories, history)
	f.ctxs = append(f.ctxs, ctx)
	f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	return &chanStream{ctx: ctx, tokens: f.tokens, err: f.err}, nil
}

func (f *fakeStreamer) lastCtx() context.Context {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ctxs[len(f.ctxs)-1]
}

func testSessionConfig() Config {
	return Config{
		NoSpeechTimeout: 60 * time.Second,
		MaxDuration:     5 * time.Minute,
		TurnTimeout:     30 * time.Second,
		Presence: presence.Config{
			ConfidenceThreshold: 0.65,
			MissesRequired:      3,
			Mode:                config.KeepAlivePersonOrVehicle,
			AbsenceTimeout:      20 * time.Second,
		},
	}
}

type harness struct {
	clk      *clock.Fake
	voice    *fakeVoice
	streamer *fakeStreamer
	out      chan StreamEvent
	records  []TurnRecord
	session  *Session
}

func newHarness() *harness {
	h := &harness{
		clk:      clock.NewFake(time.Date(2024, 1, 1, 15, 0, 0, 0, time.UTC)),
		voice:    &fakeVoice{},
		streamer: &fakeStreamer{tokens: make(chan string, 16)},
		out:      make(chan StreamEvent, 16),
	}
	h.session = NewSession(testSessionConfig(), h.clk, h.streamer, h.voice, h.out, func(r TurnRecord) {
		h.records = append(h.records, r)
	})
	return h
}

func (h *harness) next(t *testing.T) StreamEvent {
	t.Helper()
	select {
	case ev := <-h.out:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream event")
		return StreamEvent{}
	}
}

func TestSessionGreets(t *testing.T) {
	h := newHarness()
	h.session.Start(h.clk.Now())
	if got := h.voice.texts(); len(got) != 1 || got[0] != Greeting {
		t.Errorf("spoken = %q, want greeting", got)
	}
}

func TestSessionTurnStreamsSentencesAndRecordsTimestamps(t *testing.T) {
	h := newHarness()
	h.session.Start(h.clk.Now())

	h.clk.Advance(2 * time.Second)
	h.session.OnTranscript(context.Background(), "what's the weather", h.clk.Now())
	tStart := h.clk.Now()
	responseID := h.session.current.responseID

	h.clk.Advance(400 * time.Millisecond)
	h.streamer.tokens <- "It is sunny. "
	h.session.OnStream(h.next(t))

	// First sentence goes to speech before the reply is complete.
	if got := h.voice.texts(); len(got) != 2 || got[1] != "It is sunny." {
		t.Fatalf("spoken = %q, want first sentence relayed", got)
	}

	h.clk.Advance(300 * time.Millisecond)
	h.session.OnPlayback(bargein.Event{Kind: bargein.EventStarted, ResponseID: responseID, At: h.clk.Now()})

	h.streamer.tokens <- "Enjoy the day"
	h.session.OnStream(h.next(t))
	close(h.streamer.tokens)
	if _, exit := h.session.OnStream(h.next(t)); exit {
		t.Fatal("successful turn requested exit")
	}

	if len(h.records) != 1 {
		t.Fatalf("records = %d, want 1", len(h.records))
	}
	rec := h.records[0]
	if !rec.TStart.Equal(tStart) {
		t.Errorf("TStart = %v, want %v", rec.TStart, tStart)
	}
	if rec.TLLMFirst.Before(rec.TStart) || rec.TTTSStart.Before(rec.TLLMFirst) {
		t.Errorf("timestamps out of order: %v %v %v", rec.TStart, rec.TLLMFirst, rec.TTTSStart)
	}
	if rec.AssistantText != "It is sunny. Enjoy the day" || rec.Interrupted {
		t.Errorf("record = %+v", rec)
	}

	mem := h.session.Memory()
	if len(mem) != 1 || mem[0].UserText != "what's the weather" {
		t.Errorf("memory = %+v", mem)
	}
	if got := h.voice.texts(); got[len(got)-1] != "Enjoy the day" {
		t.Errorf("remainder not flushed: %q", got)
	}
}

func TestSessionMemoryPassedToNextTurn(t *testing.T) {
	h := newHarness()
	h.session.Start(h.clk.Now())

	h.session.OnTranscript(context.Background(), "first", h.clk.Now())
	h.streamer.tokens <- "One."
	h.session.OnStream(h.next(t))
	h.streamer.tokens <- ""
	close(h.streamer.tokens)
	h.session.OnStream(h.next(t))

	h.streamer.tokens = make(chan string, 4)
	h.session.OnTranscript(context.Background(), "second", h.clk.Now())
	close(h.streamer.tokens)
	h.session.OnStream(h.next(t))

	h.streamer.mu.Lock()
	defer h.streamer.mu.Unlock()
	if len(h.streamer.histories) != 2 {
		t.Fatalf("streams opened = %d", len(h.streamer.histories))
	}
	if hist := h.streamer.histories[1]; len(hist) != 1 || hist[0].AssistantText != "One." {
		t.Errorf("second turn history = %+v", hist)
	}
}

func TestSessionBargeInRecordsPartialTurn(t *testing.T) {
	h := newHarness()
	h.session.Start(h.clk.Now())

	h.session.OnTranscript(context.Background(), "tell me a story", h.clk.Now())
	responseID := h.session.current.responseID

	h.clk.Advance(200 * time.Millisecond)
	h.streamer.tokens <- "Once upon a time. "
	h.session.OnStream(h.next(t))

	h.clk.Advance(300 * time.Millisecond)
	h.session.OnPlayback(bargein.Event{Kind: bargein.EventStarted, ResponseID: responseID, At: h.clk.Now()})

	h.clk.Advance(time.Second)
	h.session.OnPlayback(bargein.Event{Kind: bargein.EventInterrupted, ResponseID: responseID, At: h.clk.Now()})

	if len(h.records) != 1 {
		t.Fatalf("records = %d, want 1", len(h.records))
	}
	rec := h.records[0]
	if !rec.Interrupted || rec.AssistantText != "Once upon a time." {
		t.Errorf("record = %+v, want interrupted partial", rec)
	}
	if rec.TTTSStart.Before(rec.TLLMFirst) || rec.TLLMFirst.Before(rec.TStart) {
		t.Errorf("timestamps out of order: %+v", rec)
	}

	select {
	case <-h.streamer.lastCtx().Done():
	case <-time.After(time.Second):
		t.Error("stream context not cancelled after barge-in")
	}

	if h.session.InTurn() {
		t.Error("session still in turn after barge-in")
	}
}

func TestSessionInterruptedBeforeAudioStillRecorded(t *testing.T) {
	h := newHarness()
	h.session.Start(h.clk.Now())

	h.session.OnTranscript(context.Background(), "hello", h.clk.Now())
	responseID := h.session.current.responseID
	h.clk.Advance(time.Second)
	h.session.OnPlayback(bargein.Event{Kind: bargein.EventInterrupted, ResponseID: responseID, At: h.clk.Now()})

	if len(h.records) != 1 {
		t.Fatalf("records = %d, want 1", len(h.records))
	}
	rec := h.records[0]
	if rec.TLLMFirst.Before(rec.TStart) || rec.TTTSStart.Before(rec.TLLMFirst) {
		t.Errorf("timestamps out of order: %+v", rec)
	}
}

func TestSessionNewTranscriptAbortsTurnInFlight(t *testing.T) {
	h := newHarness()
	h.session.Start(h.clk.Now())

	h.session.OnTranscript(context.Background(), "one", h.clk.Now())
	h.streamer.tokens <- "Partial"
	h.session.OnStream(h.next(t))

	h.session.OnTranscript(context.Background(), "two", h.clk.Now())
	if len(h.records) != 1 || !h.records[0].Interrupted {
		t.Fatalf("records = %+v, want interrupted first turn", h.records)
	}
	if h.session.Turns() != 2 {
		t.Errorf("Turns = %d, want 2", h.session.Turns())
	}
}

func TestSessionStreamErrorExits(t *testing.T) {
	h := newHarness()
	h.streamer.openErr = errors.New("endpoint unreachable")
	h.session.Start(h.clk.Now())

	h.session.OnTranscript(context.Background(), "hi", h.clk.Now())
	reason, exit := h.session.OnStream(h.next(t))
	if !exit || reason != ExitCollaboratorError {
		t.Errorf("OnStream = %s, %v; want collaborator_error exit", reason, exit)
	}
	if len(h.records) != 1 || h.records[0].Error == "" {
		t.Errorf("records = %+v, want one errored turn", h.records)
	}
}

func TestSessionTurnTimeoutAlwaysDelivered(t *testing.T) {
	cfg := testSessionConfig()
	cfg.TurnTimeout = time.Millisecond

	for i := 0; i < 100; i++ {
		h := newHarness()
		h.session = NewSession(cfg, h.clk, h.streamer, h.voice, h.out, func(r TurnRecord) {
			h.records = append(h.records, r)
		})
		h.session.Start(h.clk.Now())

		h.session.OnTranscript(context.Background(), "anyone there", h.clk.Now())
		ev := h.next(t)
		if !ev.Done || !errors.Is(ev.Err, context.DeadlineExceeded) {
			t.Fatalf("run %d: event = %+v, want Done with deadline error", i, ev)
		}
		reason, exit := h.session.OnStream(ev)
		if !exit || reason != ExitCollaboratorError {
			t.Fatalf("run %d: OnStream = %s, %v; want collaborator_error exit", i, reason, exit)
		}
		if len(h.records) != 1 {
			t.Fatalf("run %d: %d turn records, want 1", i, len(h.records))
		}
	}
}

func TestSessionStaleStreamEventsIgnored(t *testing.T) {
	h := newHarness()
	h.session.Start(h.clk.Now())
	h.session.OnTranscript(context.Background(), "hi", h.clk.Now())

	if _, exit := h.session.OnStream(StreamEvent{Session: "other", Turn: 1, Done: true, Err: errors.New("x")}); exit {
		t.Error("event from another session was applied")
	}
	if _, exit := h.session.OnStream(StreamEvent{Session: h.session.ID, Turn: 7, Done: true, Err: errors.New("x")}); exit {
		t.Error("event from another turn was applied")
	}
}

func TestSessionNoSpeechTimeout(t *testing.T) {
	h := newHarness()
	h.session.Start(h.clk.Now())

	h.clk.Advance(59 * time.Second)
	if _, exit := h.session.CheckTimers(h.clk.Now()); exit {
		t.Fatal("exit before 60s of silence")
	}
	h.clk.Advance(time.Second)
	if reason, exit := h.session.CheckTimers(h.clk.Now()); !exit || reason != ExitNoSpeech {
		t.Errorf("CheckTimers = %s, %v; want no_speech_timeout", reason, exit)
	}
}

func TestSessionNoSpeechResetsAfterTurn(t *testing.T) {
	h := newHarness()
	h.session.Start(h.clk.Now())

	h.clk.Advance(50 * time.Second)
	h.session.OnTranscript(context.Background(), "hi", h.clk.Now())
	close(h.streamer.tokens)
	h.session.OnStream(h.next(t))

	h.clk.Advance(30 * time.Second)
	if _, exit := h.session.CheckTimers(h.clk.Now()); exit {
		t.Error("no-speech timer not reset by completed turn")
	}
}

func TestSessionMaxDuration(t *testing.T) {
	h := newHarness()
	h.session.Start(h.clk.Now())

	// Keep talking so the no-speech timer never fires.
	for i := 0; i < 5; i++ {
		h.clk.Advance(50 * time.Second)
		h.streamer.tokens = make(chan string)
		h.session.OnTranscript(context.Background(), "still here", h.clk.Now())
		close(h.streamer.tokens)
		h.session.OnStream(h.next(t))
		if _, exit := h.session.CheckTimers(h.clk.Now()); exit {
			t.Fatalf("exit after %v", time.Duration(i+1)*50*time.Second)
		}
	}

	h.clk.Advance(50 * time.Second)
	reason, exit := h.session.CheckTimers(h.clk.Now())
	if !exit || reason != ExitMaxSession {
		t.Errorf("CheckTimers = %s, %v; want max_session", reason, exit)
	}
}

func TestSessionPresenceExitSoonestWins(t *testing.T) {
	h := newHarness()
	h.session.Start(h.clk.Now())

	// Third miss at t=6 starts absence; presence deadline t=26, no-speech t=60.
	for i := 0; i < 3; i++ {
		h.clk.Advance(2 * time.Second)
		h.session.OnPresence(nil, h.clk.Now())
	}
	h.clk.Advance(19 * time.Second)
	if _, exit := h.session.CheckTimers(h.clk.Now()); exit {
		t.Fatal("exit before absence timeout")
	}
	h.clk.Advance(time.Second)
	if reason, exit := h.session.CheckTimers(h.clk.Now()); !exit || reason != ExitPresence {
		t.Errorf("CheckTimers = %s, %v; want presence_exit", reason, exit)
	}

	// Both deadlines passed: the earlier one is reported.
	h.clk.Advance(40 * time.Second)
	if reason, _ := h.session.CheckTimers(h.clk.Now()); reason != ExitPresence {
		t.Errorf("reason = %s, want the earlier presence deadline", reason)
	}
}

func TestSessionPresenceKeepsSessionAlive(t *testing.T) {
	h := newHarness()
	h.session.Start(h.clk.Now())
	person := []vision.Detection{{Label: "person", Confidence: 0.9}}

	for i := 0; i < 25; i++ {
		h.clk.Advance(2 * time.Second)
		h.session.OnPresence(person, h.clk.Now())
		if reason, exit := h.session.CheckTimers(h.clk.Now()); exit && reason == ExitPresence {
			t.Fatal("presence exit while a person is visible")
		}
	}
}

func TestSessionCloseSpeaksExitPhrase(t *testing.T) {
	h := newHarness()
	h.session.Start(h.clk.Now())
	h.session.OnTranscript(context.Background(), "hi", h.clk.Now())

	h.session.Close(ExitNoSpeech, h.clk.Now())

	if h.voice.stops != 1 {
		t.Errorf("voice stops = %d, want 1", h.voice.stops)
	}
	got := h.voice.texts()
	if got[len(got)-1] != ExitPhrase {
		t.Errorf("last spoken = %q, want %q", got[len(got)-1], ExitPhrase)
	}
	if len(h.records) != 1 || !h.records[0].Interrupted {
		t.Errorf("in-flight turn not recorded on close: %+v", h.records)
	}

	// Closing twice is a no-op and transcripts are ignored afterwards.
	h.session.Close(ExitNoSpeech, h.clk.Now())
	h.session.OnTranscript(context.Background(), "again", h.clk.Now())
	if h.session.Turns() != 1 {
		t.Errorf("Turns = %d after close", h.session.Turns())
	}
}

func TestConfigFromEnvDefaults(t *testing.T) {
	cfg, err := config.FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}

	got := ConfigFrom(cfg)
	want := testSessionConfig()
	if got != want {
		t.Errorf("ConfigFrom = %+v, want %+v", got, want)
	}
}
