// Package bargein owns assistant playback and its interruption contract:
// user speech during playback halts output, discards queued audio and
// invalidates the response so late chunks are dropped on arrival.
package bargein

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kitmage/jarvipy/internal/clock"
	"github.com/rs/zerolog/log"
)

type State int

const (
	StateIdle State = iota
	StateSpeaking
	StateInterrupting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateSpeaking:
		return "SPEAKING"
	case StateInterrupting:
		return "INTERRUPTING"
	default:
		return "UNKNOWN"
	}
}

// Sink is the audio output device.
type Sink interface {
	// Play blocks until pcm has been consumed by the device or ctx is done.
	Play(ctx context.Context, pcm []byte) error
	// Halt silences output at once, discarding anything the device buffered.
	Halt()
}

type EventKind int

const (
	// EventStarted fires when the first chunk of a response reaches the sink.
	EventStarted EventKind = iota
	// EventInterrupted fires after a barge-in halted playback.
	EventInterrupted
	// EventDrained fires when a finished response has played out completely.
	EventDrained
)

type Event struct {
	Kind       EventKind
	ResponseID uuid.UUID
	At         time.Time
	// Dropped counts queued chunks discarded by an interruption.
	Dropped int
	// HaltLatency is the time from speech detection to silenced output.
	HaltLatency time.Duration
}

type chunk struct {
	responseID uuid.UUID
	pcm        []byte
}

// Controller serialises playback through a single player goroutine (Run).
// mu guards all playback state and is never held across sink I/O.
type Controller struct {
	sink  Sink
	clock clock.Clock

	mu         sync.Mutex
	state      State
	queue      []chunk
	responseID uuid.UUID
	finished   bool
	playing    bool
	started    bool
	playCancel context.CancelFunc
	played     int
	startedAt  time.Time
	holdoff    time.Duration

	wake   chan struct{}
	events chan Event
}

func NewController(sink Sink, clk clock.Clock) *Controller {
	return &Controller{
		sink:   sink,
		clock:  clk,
		wake:   make(chan struct{}, 1),
		events: make(chan Event, 64),
	}
}

// SetHoldoff makes SpeechStart ignore speech detected less than d after the
// first chunk of a response started playing.
func (c *Controller) SetHoldoff(d time.Duration) {
	c.mu.Lock()
	c.holdoff = d
	c.mu.Unlock()
}

// Events delivers playback lifecycle events to the coordinator.
func (c *Controller) Events() <-chan Event {
	return c.events
}

// Begin opens a new response and returns its id. Any response still queued
// or playing is discarded.
func (c *Controller) Begin() uuid.UUID {
	c.mu.Lock()
	cancel := c.discardLocked()
	c.responseID = uuid.New()
	c.finished = false
	c.started = false
	id := c.responseID
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		c.sink.Halt()
	}
	return id
}

// Enqueue appends a chunk to the response. Chunks for any other response
// id are dropped and false is returned.
func (c *Controller) Enqueue(id uuid.UUID, pcm []byte) bool {
	c.mu.Lock()
	if id == uuid.Nil || id != c.responseID || c.finished {
		c.mu.Unlock()
		log.Debug().Str("response_id", id.String()).Msg("Dropping stale playback chunk")
		return false
	}
	c.queue = append(c.queue, chunk{responseID: id, pcm: pcm})
	if c.state == StateIdle {
		c.state = StateSpeaking
	}
	c.mu.Unlock()

	c.signal()
	return true
}

// Finish marks the response complete; it drains once the queue has played.
func (c *Controller) Finish(id uuid.UUID) {
	c.mu.Lock()
	if id != c.responseID {
		c.mu.Unlock()
		return
	}
	c.finished = true
	drained := c.drainedLocked()
	c.mu.Unlock()

	if drained {
		c.emit(Event{Kind: EventDrained, ResponseID: id, At: c.clock.Now()})
	}
	c.signal()
}

// SpeechStart handles a VAD speech-start detected at detectedAt. If a
// response is playing it is halted, its queue discarded and its id
// invalidated. It does not wait for a chunk boundary.
func (c *Controller) SpeechStart(detectedAt time.Time) bool {
	c.mu.Lock()
	if c.state != StateSpeaking {
		c.mu.Unlock()
		return false
	}
	if c.holdoff > 0 && c.started && detectedAt.Sub(c.startedAt) < c.holdoff {
		c.mu.Unlock()
		log.Debug().Time("detected_at", detectedAt).Msg("Speech start inside barge-in holdoff, ignored")
		return false
	}
	c.state = StateInterrupting
	id := c.responseID
	dropped := len(c.queue)
	cancel := c.discardLocked()
	c.responseID = uuid.Nil
	c.state = StateIdle
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.sink.Halt()

	now := c.clock.Now()
	latency := now.Sub(detectedAt)
	if latency < 0 {
		latency = 0
	}

	log.Info().
		Str("event_type", "barge_in").
		Str("response_id", id.String()).
		Int("dropped_chunks", dropped).
		Dur("halt_latency", latency).
		Msg("Playback interrupted")

	c.emit(Event{Kind: EventInterrupted, ResponseID: id, At: now, Dropped: dropped, HaltLatency: latency})
	return true
}

// Stop discards the current response without a barge-in event.
func (c *Controller) Stop() {
	c.mu.Lock()
	cancel := c.discardLocked()
	c.responseID = uuid.Nil
	c.state = StateIdle
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.sink.Halt()
}

// discardLocked drops queued audio and returns the in-flight play cancel.
func (c *Controller) discardLocked() context.CancelFunc {
	c.queue = nil
	cancel := c.playCancel
	c.playCancel = nil
	if c.state != StateIdle {
		c.state = StateIdle
	}
	return cancel
}

func (c *Controller) drainedLocked() bool {
	if !c.finished || c.playing || len(c.queue) > 0 {
		return false
	}
	c.state = StateIdle
	return true
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Speaking reports whether audio is queued or playing.
func (c *Controller) Speaking() bool {
	return c.State() == StateSpeaking
}

func (c *Controller) ResponseID() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.responseID
}

// Played returns how many chunks have completed playback.
func (c *Controller) Played() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.played
}

// Run is the player loop. It returns when ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	for {
		ch, playCtx, first, ok := c.next(ctx)
		if !ok {
			select {
			case <-ctx.Done():
				c.Stop()
				return ctx.Err()
			case <-c.wake:
			}
			continue
		}

		if first {
			c.emit(Event{Kind: EventStarted, ResponseID: ch.responseID, At: c.clock.Now()})
		}

		err := c.sink.Play(playCtx, ch.pcm)
		c.done(ch, err)

		if ctx.Err() != nil {
			c.Stop()
			return ctx.Err()
		}
	}
}

func (c *Controller) next(ctx context.Context) (chunk, context.Context, bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.queue) == 0 {
		return chunk{}, nil, false, false
	}

	ch := c.queue[0]
	c.queue[0] = chunk{}
	c.queue = c.queue[1:]

	playCtx, cancel := context.WithCancel(ctx)
	c.playCancel = cancel
	c.playing = true

	first := !c.started
	c.started = true
	if first {
		c.startedAt = c.clock.Now()
	}
	return ch, playCtx, first, true
}

func (c *Controller) done(ch chunk, err error) {
	c.mu.Lock()
	if c.playCancel != nil {
		c.playCancel()
		c.playCancel = nil
	}
	c.playing = false

	current := ch.responseID == c.responseID
	if err == nil && current {
		c.played++
	}
	drained := current && c.drainedLocked()
	c.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		log.Warn().Err(err).Str("response_id", ch.responseID.String()).Msg("Playback chunk failed")
	}
	if drained {
		c.emit(Event{Kind: EventDrained, ResponseID: ch.responseID, At: c.clock.Now()})
	}
}

func (c *Controller) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Controller) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		log.Warn().Int("kind", int(ev.Kind)).Msg("Playback event dropped, coordinator not keeping up")
	}
}
