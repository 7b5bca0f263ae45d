// Package conversation runs one presence-gated voice session: greeting,
// transcript-driven turns streamed from the LLM into speech, and the three
// exit timers.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kitmage/jarvipy/internal/bargein"
	"github.com/kitmage/jarvipy/internal/clock"
	"github.com/kitmage/jarvipy/internal/config"
	"github.com/kitmage/jarvipy/internal/presence"
	"github.com/kitmage/jarvipy/internal/vision"
	"github.com/rs/zerolog/log"
)

const (
	Greeting   = "Hello. How can I help?"
	ExitPhrase = "Standing by."
)

type ExitReason string

const (
	ExitPresence          ExitReason = "presence_exit"
	ExitNoSpeech          ExitReason = "no_speech_timeout"
	ExitMaxSession        ExitReason = "max_session"
	ExitCollaboratorError ExitReason = "collaborator_error"
	ExitShutdown          ExitReason = "shutdown"
)

// TokenStream is a finite reply stream; Recv returns io.EOF after the last token.
type TokenStream interface {
	Recv() (string, error)
	Close() error
}

// Streamer opens a streaming reply for a transcript and the session history.
type Streamer interface {
	StreamReply(ctx context.Context, userText string, history []Exchange) (TokenStream, error)
}

// Voice speaks text as one response per id.
type Voice interface {
	Begin() uuid.UUID
	Enqueue(id uuid.UUID, text string)
	Finish(id uuid.UUID)
	Stop()
}

// TurnRecord carries the per-turn timestamps used for latency accounting.
type TurnRecord struct {
	SessionID     string    `json:"session_id"`
	Turn          int       `json:"turn"`
	ResponseID    uuid.UUID `json:"response_id"`
	UserText      string    `json:"user_text"`
	AssistantText string    `json:"assistant_text"`
	TStart        time.Time `json:"t_start"`
	TLLMFirst     time.Time `json:"t_llm_first"`
	TTTSStart     time.Time `json:"t_tts_start"`
	Interrupted   bool      `json:"interrupted"`
	Error         string    `json:"error,omitempty"`
}

// StreamEvent is handed from a turn's stream reader to the coordinator.
type StreamEvent struct {
	Session string
	Turn    int
	Token   string
	Done    bool
	Err     error
	At      time.Time
}

type Config struct {
	NoSpeechTimeout time.Duration
	MaxDuration     time.Duration
	TurnTimeout     time.Duration
	Presence        presence.Config
}

func ConfigFrom(cfg *config.Config) Config {
	return Config{
		NoSpeechTimeout: cfg.NoSpeechTimeout(),
		MaxDuration:     cfg.MaxSession(),
		TurnTimeout:     cfg.TurnTimeout(),
		Presence:        presence.ConfigFrom(cfg),
	}
}

type turn struct {
	n          int
	userText   string
	responseID uuid.UUID
	cancel     context.CancelFunc

	text      strings.Builder
	sentences sentenceBuffer

	tStart    time.Time
	tLLMFirst time.Time
	tTTSStart time.Time

	streamDone  bool
	drained     bool
	interrupted bool
	err         error
}

// Session is owned by the coordinator goroutine; none of its methods are
// safe for concurrent use. The stream readers it spawns talk back only
// through the StreamEvent channel.
type Session struct {
	ID string

	cfg      Config
	clock    clock.Clock
	streamer Streamer
	voice    Voice
	presence *presence.Tracker
	memory   *Memory
	out      chan<- StreamEvent
	onTurn   func(TurnRecord)

	started  time.Time
	noSpeech clock.Deadline
	maxDur   clock.Deadline
	current  *turn
	turns    int
	closed   bool
}

// NewSession prepares a session; Start greets and arms the timers.
// onTurn receives every finished turn record, interrupted ones included.
func NewSession(cfg Config, clk clock.Clock, streamer Streamer, voice Voice, out chan<- StreamEvent, onTurn func(TurnRecord)) *Session {
	if onTurn == nil {
		onTurn = func(TurnRecord) {}
	}
	return &Session{
		ID:       uuid.NewString(),
		cfg:      cfg,
		clock:    clk,
		streamer: streamer,
		voice:    voice,
		presence: presence.NewTracker(cfg.Presence),
		memory:   NewMemory(MaxExchanges),
		out:      out,
		onTurn:   onTurn,
	}
}

func (s *Session) Start(now time.Time) {
	s.started = now
	s.maxDur.Arm(now, s.cfg.MaxDuration)
	s.noSpeech.Arm(now, s.cfg.NoSpeechTimeout)
	s.say(Greeting)

	log.Info().
		Str("event_type", "session_start").
		Str("session_id", s.ID).
		Msg("Conversation session started")
}

// OnTranscript starts a turn for a final transcript. A turn still in flight
// is cancelled and recorded as interrupted first.
func (s *Session) OnTranscript(ctx context.Context, text string, now time.Time) {
	text = strings.TrimSpace(text)
	if s.closed || text == "" {
		return
	}

	if s.current != nil {
		s.abortTurn(now, nil)
	}

	s.turns++
	turnCtx, cancel := context.WithTimeout(ctx, s.cfg.TurnTimeout)
	t := &turn{
		n:          s.turns,
		userText:   text,
		responseID: s.voice.Begin(),
		cancel:     cancel,
		tStart:     now,
	}
	s.current = t
	s.noSpeech.Disarm()

	history := s.memory.Exchanges()
	go s.read(ctx, turnCtx, t.n, text, history)

	log.Info().
		Str("session_id", s.ID).
		Int("turn", t.n).
		Str("response_id", t.responseID.String()).
		Str("user_text", text).
		Msg("Turn started")
}

// read runs on its own goroutine and owns the token stream. turnCtx bounds
// the stream; events are delivered until ctx is done, so the Done event of a
// timed out turn still reaches the session.
func (s *Session) read(ctx, turnCtx context.Context, n int, text string, history []Exchange) {
	send := func(ev StreamEvent) bool {
		ev.Session = s.ID
		ev.Turn = n
		ev.At = s.clock.Now()
		select {
		case s.out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	stream, err := s.streamer.StreamReply(turnCtx, text, history)
	if err != nil {
		send(StreamEvent{Done: true, Err: err})
		return
	}
	defer stream.Close()

	for {
		token, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			send(StreamEvent{Done: true})
			return
		}
		if err != nil {
			send(StreamEvent{Done: true, Err: err})
			return
		}
		if token == "" {
			continue
		}
		if !send(StreamEvent{Token: token}) {
			return
		}
	}
}

// OnStream applies a stream event. It reports an exit when the LLM failed
// before producing any text.
func (s *Session) OnStream(ev StreamEvent) (ExitReason, bool) {
	t := s.current
	if t == nil || ev.Session != s.ID || ev.Turn != t.n || t.streamDone {
		return "", false
	}

	if ev.Token != "" {
		if t.tLLMFirst.IsZero() {
			t.tLLMFirst = latest(ev.At, t.tStart)
		}
		t.text.WriteString(ev.Token)
		for _, sentence := range t.sentences.Write(ev.Token) {
			s.voice.Enqueue(t.responseID, sentence)
		}
	}

	if !ev.Done {
		return "", false
	}

	if rest := t.sentences.Flush(); rest != "" {
		s.voice.Enqueue(t.responseID, rest)
	}
	s.voice.Finish(t.responseID)

	if ev.Err != nil {
		t.err = ev.Err
		log.Warn().
			Err(ev.Err).
			Str("session_id", s.ID).
			Int("turn", t.n).
			Msg("Reply stream failed")
	}

	s.completeStream(t, ev.At)
	failed := t.err != nil && strings.TrimSpace(t.text.String()) == ""
	if failed {
		t.drained = true
	}
	s.maybeEmit(ev.At)

	if failed {
		return ExitCollaboratorError, true
	}
	return "", false
}

// OnPlayback applies a playback event from the barge-in controller.
func (s *Session) OnPlayback(ev bargein.Event) {
	t := s.current
	if t == nil || ev.ResponseID != t.responseID {
		return
	}

	switch ev.Kind {
	case bargein.EventStarted:
		if t.tTTSStart.IsZero() {
			t.tTTSStart = latest(ev.At, t.tLLMFirst, t.tStart)
		}
	case bargein.EventDrained:
		t.drained = true
	case bargein.EventInterrupted:
		s.abortTurn(ev.At, nil)
		return
	}
	s.maybeEmit(ev.At)
}

// OnPresence folds a presence re-check into the tracker.
func (s *Session) OnPresence(dets []vision.Detection, now time.Time) presence.Sample {
	return s.presence.Update(dets, now)
}

// CheckTimers reports the exit whose deadline passed first, if any.
func (s *Session) CheckTimers(now time.Time) (ExitReason, bool) {
	type candidate struct {
		reason ExitReason
		at     time.Time
	}
	var expired []candidate

	if s.presence.ShouldExit(now) {
		since, _ := s.presence.Absent()
		expired = append(expired, candidate{ExitPresence, since.Add(s.cfg.Presence.AbsenceTimeout)})
	}
	if s.noSpeech.Expired(now) {
		expired = append(expired, candidate{ExitNoSpeech, s.noSpeech.At()})
	}
	if s.maxDur.Expired(now) {
		expired = append(expired, candidate{ExitMaxSession, s.started.Add(s.cfg.MaxDuration)})
	}
	if len(expired) == 0 {
		return "", false
	}

	first := expired[0]
	for _, c := range expired[1:] {
		if c.at.Before(first.at) {
			first = c
		}
	}
	return first.reason, true
}

// Close ends the session: any turn in flight is cancelled and recorded,
// pending speech is dropped and the exit phrase is spoken.
func (s *Session) Close(reason ExitReason, now time.Time) {
	if s.closed {
		return
	}
	if s.current != nil {
		s.abortTurn(now, fmt.Errorf("session closed: %s", reason))
	}
	s.closed = true
	s.voice.Stop()
	s.say(ExitPhrase)

	log.Info().
		Str("event_type", "session_end").
		Str("session_id", s.ID).
		Str("reason", string(reason)).
		Int("turns", s.turns).
		Dur("duration", now.Sub(s.started)).
		Msg("Conversation session ended")
}

// abortTurn cancels the current turn, keeping the partial reply for memory
// and the timing log.
func (s *Session) abortTurn(now time.Time, err error) {
	t := s.current
	if t == nil {
		return
	}
	t.cancel()
	t.interrupted = true
	if err != nil && t.err == nil {
		t.err = err
	}
	if !t.streamDone {
		s.completeStream(t, now)
	}
	t.drained = true
	s.maybeEmit(now)
}

// completeStream appends the exchange and restarts the no-speech timer.
func (s *Session) completeStream(t *turn, now time.Time) {
	t.streamDone = true
	assistant := strings.TrimSpace(t.text.String())
	if assistant != "" || t.err == nil {
		s.memory.Add(Exchange{
			UserText:      t.userText,
			AssistantText: assistant,
			Timestamp:     now,
		})
	}
	s.noSpeech.Arm(now, s.cfg.NoSpeechTimeout)
}

// maybeEmit records the turn once its stream is done and playback has
// started, drained or been cut off.
func (s *Session) maybeEmit(now time.Time) {
	t := s.current
	if t == nil || !t.streamDone {
		return
	}
	if t.tTTSStart.IsZero() && !t.drained {
		return
	}
	t.cancel()

	if t.tLLMFirst.IsZero() {
		t.tLLMFirst = t.tStart
	}
	if t.tTTSStart.IsZero() {
		t.tTTSStart = latest(now, t.tLLMFirst)
	}

	rec := TurnRecord{
		SessionID:     s.ID,
		Turn:          t.n,
		ResponseID:    t.responseID,
		UserText:      t.userText,
		AssistantText: strings.TrimSpace(t.text.String()),
		TStart:        t.tStart,
		TLLMFirst:     t.tLLMFirst,
		TTTSStart:     t.tTTSStart,
		Interrupted:   t.interrupted,
	}
	if t.err != nil {
		rec.Error = t.err.Error()
	}
	s.current = nil

	log.Info().
		Str("event_type", "turn_complete").
		Str("session_id", s.ID).
		Int("turn", rec.Turn).
		Bool("interrupted", rec.Interrupted).
		Dur("llm_first_latency", rec.TLLMFirst.Sub(rec.TStart)).
		Dur("tts_start_latency", rec.TTTSStart.Sub(rec.TStart)).
		Msg("Turn recorded")

	s.onTurn(rec)
}

func (s *Session) say(text string) {
	id := s.voice.Begin()
	s.voice.Enqueue(id, text)
	s.voice.Finish(id)
}

// Memory returns the session's exchanges, oldest first.
func (s *Session) Memory() []Exchange {
	return s.memory.Exchanges()
}

// Turns returns how many turns have started.
func (s *Session) Turns() int {
	return s.turns
}

func (s *Session) Started() time.Time {
	return s.started
}

// InTurn reports whether a turn is streaming or awaiting playback.
func (s *Session) InTurn() bool {
	return s.current != nil
}

// latest returns the latest of the given times.
func latest(ts ...time.Time) time.Time {
	var out time.Time
	for _, t := range ts {
		if t.After(out) {
			out = t
		}
	}
	return out
}
