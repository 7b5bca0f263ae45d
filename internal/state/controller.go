package state

import (
	"context"
	"sync"
	"time"

	"github.com/kitmage/jarvipy/internal/announce"
	"github.com/kitmage/jarvipy/internal/bargein"
	"github.com/kitmage/jarvipy/internal/clock"
	"github.com/kitmage/jarvipy/internal/conversation"
	"github.com/kitmage/jarvipy/internal/invariant"
	"github.com/kitmage/jarvipy/internal/motion"
	"github.com/kitmage/jarvipy/internal/observe"
	"github.com/kitmage/jarvipy/internal/vision"
	"github.com/rs/zerolog/log"
)

const (
	historySize     = 20
	defaultTick     = 200 * time.Millisecond
	deviceStream    = "device"
	motionQueueSize = 8
)

// Announcer evaluates one non-person motion event.
type Announcer interface {
	Evaluate(ctx context.Context, ev motion.Event) announce.Decision
}

// Prober takes a fresh detection snapshot for a presence re-check.
type Prober interface {
	Probe(ctx context.Context) ([]vision.Detection, error)
}

// Recorder persists structured events; it must not block.
type Recorder interface {
	Record(stream, kind string, payload any) bool
}

type Options struct {
	Announcer Announcer
	Streamer  conversation.Streamer
	Voice     conversation.Voice
	Prober    Prober
	// Playback delivers barge-in controller events.
	Playback <-chan bargein.Event
	Recorder Recorder
	Metrics  *observe.Metrics
	Clock    clock.Clock

	Session         conversation.Config
	PresencePoll    time.Duration
	AnnounceTimeout time.Duration

	// Ticks drives deadline checks; a ticker is created when nil.
	Ticks <-chan time.Time
}

// Snapshot is a consistent copy of the controller's externally visible state.
type Snapshot struct {
	State        State              `json:"state"`
	Since        time.Time          `json:"since"`
	SessionID    string             `json:"session_id,omitempty"`
	Turns        int                `json:"turns"`
	Transitions  []Transition       `json:"transitions"`
	LastDecision *announce.Decision `json:"last_decision,omitempty"`
}

type transcript struct {
	text string
	at   time.Time
}

type presenceResult struct {
	sessionID  string
	detections []vision.Detection
	err        error
	at         time.Time
}

// Controller is the coordinator. Only Run's goroutine touches state,
// session and the probe bookkeeping; collaborators report back over
// channels. Snapshot is the only method safe to call while Run is active
// besides the event inputs Motion and Transcript.
type Controller struct {
	opts  Options
	clock clock.Clock

	motion      chan motion.Event
	transcripts chan transcript
	decisions   chan announce.Decision
	presence    chan presenceResult
	stream      chan conversation.StreamEvent

	state   State
	session *conversation.Session
	// probing stays set until the in-flight probe reports, whichever
	// session it was started for.
	probing      bool
	probeSession string
	lastProbe    time.Time

	mu   sync.Mutex
	snap Snapshot
}

func New(opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.PresencePoll <= 0 {
		opts.PresencePoll = 2 * time.Second
	}
	if opts.AnnounceTimeout <= 0 {
		opts.AnnounceTimeout = 30 * time.Second
	}
	if opts.Metrics == nil {
		opts.Metrics = observe.DefaultMetrics()
	}
	now := opts.Clock.Now()
	return &Controller{
		opts:        opts,
		clock:       opts.Clock,
		motion:      make(chan motion.Event, motionQueueSize),
		transcripts: make(chan transcript, 4),
		decisions:   make(chan announce.Decision, 1),
		presence:    make(chan presenceResult, 1),
		stream:      make(chan conversation.StreamEvent, 64),
		state:       Standby,
		snap:        Snapshot{State: Standby, Since: now},
	}
}

// Motion hands a triggered motion event to the coordinator. It never
// blocks; when the queue is full the event is dropped.
func (c *Controller) Motion(ev motion.Event) bool {
	select {
	case c.motion <- ev:
		return true
	default:
		log.Warn().Time("motion_at", ev.Timestamp).Msg("Motion queue full, dropping event")
		return false
	}
}

// Transcript hands a final transcript to the coordinator.
func (c *Controller) Transcript(ctx context.Context, text string, at time.Time) error {
	select {
	case c.transcripts <- transcript{text: text, at: at}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.snap
	s.Transitions = append([]Transition(nil), c.snap.Transitions...)
	if c.snap.LastDecision != nil {
		d := *c.snap.LastDecision
		s.LastDecision = &d
	}
	return s
}

// Run is the coordinator loop. It returns when ctx is done, closing any
// running conversation first.
func (c *Controller) Run(ctx context.Context) error {
	ticks := c.opts.Ticks
	if ticks == nil {
		ticker := time.NewTicker(defaultTick)
		defer ticker.Stop()
		ticks = ticker.C
	}

	log.Info().Str("state", string(c.state)).Msg("State controller started")

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()
		case ev := <-c.motion:
			c.onMotion(ctx, ev)
		case d := <-c.decisions:
			c.onDecision(d)
		case tr := <-c.transcripts:
			c.onTranscript(ctx, tr)
		case ev := <-c.stream:
			c.onStream(ev)
		case ev := <-c.opts.Playback:
			c.onPlayback(ev)
		case p := <-c.presence:
			c.onPresence(p)
		case <-ticks:
			c.onTick(ctx)
		}
	}
}

func (c *Controller) onMotion(ctx context.Context, ev motion.Event) {
	if c.state != Standby {
		log.Debug().
			Str("state", string(c.state)).
			Strs("detections", vision.Labels(ev.Detections)).
			Msg("Motion ignored outside standby")
		return
	}

	if ev.DetectErr != nil {
		log.Warn().Err(ev.DetectErr).Msg("Detector failed, treating motion as no qualifying detection")
		ev.Detections = nil
	}

	now := c.clock.Now()
	if vision.ContainsPersonOrVehicle(ev.Detections) {
		c.startConversation(ctx, now)
		return
	}

	c.transition(Announce, ReasonOtherObject, now)
	go c.evaluate(ctx, ev)
}

// evaluate runs on its own goroutine so a slow LLM never stalls the loop.
func (c *Controller) evaluate(ctx context.Context, ev motion.Event) {
	evalCtx, cancel := context.WithTimeout(ctx, c.opts.AnnounceTimeout)
	defer cancel()

	d := c.opts.Announcer.Evaluate(evalCtx, ev)
	select {
	case c.decisions <- d:
	case <-ctx.Done():
	}
}

func (c *Controller) onDecision(d announce.Decision) {
	if !invariant.Check(c.state == Announce, "announce decision delivered in state %s", c.state) {
		return
	}

	if d.Speak {
		id := c.opts.Voice.Begin()
		c.opts.Voice.Enqueue(id, d.Text)
		c.opts.Voice.Finish(id)
	}

	c.opts.Metrics.RecordAnnounce(context.Background(), string(d.Reason))
	c.record(deviceStream, "announce_decision", d)

	c.mu.Lock()
	c.snap.LastDecision = &d
	c.mu.Unlock()

	c.transition(Standby, ReasonAnnouncePrefix+string(d.Reason), c.clock.Now())
}

func (c *Controller) startConversation(ctx context.Context, now time.Time) {
	s := conversation.NewSession(c.opts.Session, c.clock, c.opts.Streamer, c.opts.Voice, c.stream, c.onTurn)
	c.session = s
	c.lastProbe = now

	c.transition(Conversation, ReasonPersonOrVehicle, now)
	c.opts.Metrics.ActiveSessions.Add(ctx, 1)
	s.Start(now)
}

func (c *Controller) endConversation(reason conversation.ExitReason, now time.Time) {
	s := c.session
	if s == nil {
		return
	}
	// The exit phrase is queued before the state changes.
	s.Close(reason, now)
	c.transition(Standby, string(reason), now)
	c.session = nil
	c.opts.Metrics.ActiveSessions.Add(context.Background(), -1)
}

func (c *Controller) onTranscript(ctx context.Context, tr transcript) {
	if c.state != Conversation || c.session == nil {
		log.Debug().Str("state", string(c.state)).Msg("Transcript ignored outside conversation")
		return
	}
	c.session.OnTranscript(ctx, tr.text, tr.at)
	c.setTurns(c.session.Turns())
}

func (c *Controller) onStream(ev conversation.StreamEvent) {
	if c.session == nil {
		return
	}
	if reason, exit := c.session.OnStream(ev); exit {
		c.endConversation(reason, c.clock.Now())
	}
}

func (c *Controller) onPlayback(ev bargein.Event) {
	if ev.Kind == bargein.EventInterrupted {
		c.opts.Metrics.RecordBargeIn(context.Background(), ev.HaltLatency)
	}
	if c.session != nil {
		c.session.OnPlayback(ev)
	}
}

func (c *Controller) onTurn(rec conversation.TurnRecord) {
	c.opts.Metrics.RecordTurn(context.Background(), rec.TStart, rec.TLLMFirst, rec.TTTSStart, rec.Interrupted)
	c.record(rec.SessionID, "turn", rec)
}

func (c *Controller) onTick(ctx context.Context) {
	if c.state != Conversation || c.session == nil {
		return
	}
	now := c.clock.Now()

	if !c.probing && now.Sub(c.lastProbe) >= c.opts.PresencePoll {
		c.probing = true
		c.probeSession = c.session.ID
		c.lastProbe = now
		go c.probe(ctx, c.session.ID)
	}

	if reason, exit := c.session.CheckTimers(now); exit {
		c.endConversation(reason, now)
	}
}

// probe runs on its own goroutine.
func (c *Controller) probe(ctx context.Context, sessionID string) {
	dets, err := c.opts.Prober.Probe(ctx)
	select {
	case c.presence <- presenceResult{sessionID: sessionID, detections: dets, err: err, at: c.clock.Now()}:
	case <-ctx.Done():
	}
}

func (c *Controller) onPresence(p presenceResult) {
	if p.sessionID == c.probeSession {
		c.probing = false
	}
	if c.session == nil || p.sessionID != c.session.ID {
		return
	}
	if p.err != nil {
		log.Warn().Err(p.err).Msg("Presence probe failed, counting as a miss")
		p.detections = nil
	}

	sample := c.session.OnPresence(p.detections, p.at)
	c.opts.Metrics.RecordPresence(context.Background(), sample.Qualifies)
	c.record(c.session.ID, "presence", sample)

	log.Debug().
		Str("session_id", c.session.ID).
		Bool("qualifies", sample.Qualifies).
		Strs("detections", vision.Labels(p.detections)).
		Msg("Presence sample")

	if reason, exit := c.session.CheckTimers(p.at); exit {
		c.endConversation(reason, p.at)
	}
}

func (c *Controller) shutdown() {
	if c.state == Conversation {
		c.endConversation(conversation.ExitShutdown, c.clock.Now())
	}
	c.opts.Voice.Stop()
	log.Info().Str("state", string(c.state)).Msg("State controller stopped")
}

// transition moves to the next state. An illegal move is refused.
func (c *Controller) transition(to State, reason string, now time.Time) {
	from := c.state
	if !invariant.Check(canTransition(from, to), "illegal transition %s -> %s (%s)", from, to, reason) {
		return
	}
	c.state = to

	tr := Transition{From: from, To: to, Reason: reason, At: now}
	if c.session != nil {
		tr.SessionID = c.session.ID
	}

	log.Info().
		Str("event_type", "state_transition").
		Str("from_state", string(from)).
		Str("to_state", string(to)).
		Str("reason", reason).
		Time("timestamp", now).
		Str("session_id", tr.SessionID).
		Msg("State transition")

	c.opts.Metrics.RecordTransition(context.Background(), string(from), string(to), reason)
	c.record(deviceStream, "transition", tr)

	c.mu.Lock()
	c.snap.State = to
	c.snap.Since = now
	c.snap.SessionID = ""
	c.snap.Turns = 0
	if to == Conversation {
		c.snap.SessionID = tr.SessionID
	}
	c.snap.Transitions = append(c.snap.Transitions, tr)
	if over := len(c.snap.Transitions) - historySize; over > 0 {
		c.snap.Transitions = append([]Transition(nil), c.snap.Transitions[over:]...)
	}
	c.mu.Unlock()
}

func (c *Controller) setTurns(n int) {
	c.mu.Lock()
	c.snap.Turns = n
	c.mu.Unlock()
}

func (c *Controller) record(stream, kind string, payload any) {
	if c.opts.Recorder == nil {
		return
	}
	c.opts.Recorder.Record(stream, kind, payload)
}
