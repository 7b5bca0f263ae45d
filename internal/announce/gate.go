// Package announce decides whether a non-person motion event is worth a
// spoken remark.
package announce

import (
	"context"
	"fmt"
	"time"

	"github.com/kitmage/jarvipy/internal/clock"
	"github.com/kitmage/jarvipy/internal/config"
	"github.com/kitmage/jarvipy/internal/motion"
	"github.com/kitmage/jarvipy/internal/vision"
	"github.com/rs/zerolog/log"
)

// Reason codes are stable; they are logged, stored and exported as metric labels.
type Reason string

const (
	ReasonQuietHours         Reason = "QUIET_HOURS"
	ReasonLowConfidence      Reason = "LOW_CONFIDENCE"
	ReasonNoRepeatOrPriority Reason = "NO_REPEAT_OR_PRIORITY"
	ReasonJSONParseError     Reason = "JSON_PARSE_ERROR"
	ReasonLLMError           Reason = "LLM_ERROR"
	ReasonOK                 Reason = "OK"
)

// Reasons lists every reason code in evaluation order.
var Reasons = []Reason{
	ReasonQuietHours,
	ReasonLowConfidence,
	ReasonNoRepeatOrPriority,
	ReasonJSONParseError,
	ReasonLLMError,
	ReasonOK,
}

const noSummary = "none"

// Decision is the outcome of one gate evaluation.
type Decision struct {
	Speak      bool      `json:"speak"`
	Reason     Reason    `json:"reason"`
	Text       string    `json:"text,omitempty"`
	Label      string    `json:"label,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	Priority   Priority  `json:"priority,omitempty"`
	Repeated   bool      `json:"repeated"`
	At         time.Time `json:"at"`
}

// Request is what the LLM sees for an announcement.
type Request struct {
	Detections           []vision.Detection
	LocalTime            time.Time
	PreviousEventSummary string
}

// Completer produces the raw JSON text for an announcement.
type Completer interface {
	CompleteAnnounce(ctx context.Context, req Request) (string, error)
}

type Config struct {
	QuietHours    config.QuietHours
	MinConfidence float64
	RepeatWindow  time.Duration
	// LLMRequiresRepeat skips the LLM call when the label has not repeated.
	LLMRequiresRepeat bool
}

func ConfigFrom(cfg *config.Config) Config {
	return Config{
		QuietHours:        cfg.QuietHours(),
		MinConfidence:     cfg.AnnounceMinConfidence,
		RepeatWindow:      cfg.RepeatWindow(),
		LLMRequiresRepeat: cfg.AnnounceLLMRequiresRepeat,
	}
}

// HistoryEntry records one non-person label sighting.
type HistoryEntry struct {
	Label string
	At    time.Time
}

// Gate evaluates the announce rules. It is not safe for concurrent use; the
// state controller runs at most one evaluation at a time.
type Gate struct {
	cfg     Config
	llm     Completer
	clock   clock.Clock
	history []HistoryEntry
	summary string
}

func NewGate(cfg Config, llm Completer, clk clock.Clock) *Gate {
	return &Gate{
		cfg:     cfg,
		llm:     llm,
		clock:   clk,
		summary: noSummary,
	}
}

// Evaluate runs the gating rules for one motion event. The event's
// non-person labels are added to the history whatever the outcome.
func (g *Gate) Evaluate(ctx context.Context, ev motion.Event) Decision {
	local := g.clock.Now()
	at := ev.Timestamp
	if at.IsZero() {
		at = local
	}

	g.purge(at)
	d := g.evaluate(ctx, ev.Detections, local, at)
	d.At = at

	g.record(ev.Detections, at)
	if d.Speak {
		g.summary = fmt.Sprintf("spoke:%s:%.2f", d.Label, d.Confidence)
	}

	log.Info().
		Str("event_type", "announce_decision").
		Str("reason", string(d.Reason)).
		Bool("speak", d.Speak).
		Str("label", d.Label).
		Float64("confidence", d.Confidence).
		Bool("repeated", d.Repeated).
		Strs("detections", vision.Labels(ev.Detections)).
		Msg("Announce gate evaluated")

	return d
}

func (g *Gate) evaluate(ctx context.Context, dets []vision.Detection, local, at time.Time) Decision {
	// Rule 1: quiet hours
	if g.cfg.QuietHours.Contains(local) {
		return Decision{Reason: ReasonQuietHours}
	}

	// Rule 2: top non-person confidence
	top, ok := vision.Top(dets, vision.NonPerson)
	if !ok || top.Confidence < g.cfg.MinConfidence {
		return Decision{Reason: ReasonLowConfidence, Label: top.Label, Confidence: top.Confidence}
	}

	decision := Decision{
		Label:      top.Label,
		Confidence: top.Confidence,
		Repeated:   g.repeated(top.Label, at),
	}

	// Rule 3, first pass
	if g.cfg.LLMRequiresRepeat && !decision.Repeated {
		decision.Reason = ReasonNoRepeatOrPriority
		return decision
	}

	raw, err := g.llm.CompleteAnnounce(ctx, Request{
		Detections:           dets,
		LocalTime:            local,
		PreviousEventSummary: g.summary,
	})
	if err != nil {
		log.Warn().Err(err).Str("label", top.Label).Msg("Announce completion failed")
		decision.Reason = ReasonLLMError
		return decision
	}

	resp, err := ParseResponse(raw)
	if err != nil {
		log.Warn().Err(err).Str("raw", raw).Msg("Announce response rejected")
		decision.Reason = ReasonJSONParseError
		return decision
	}
	decision.Priority = resp.Priority

	// Rule 3, final pass
	if !decision.Repeated && resp.Priority != PriorityHigh {
		decision.Reason = ReasonNoRepeatOrPriority
		return decision
	}

	decision.Speak = true
	decision.Reason = ReasonOK
	decision.Text = resp.Say
	return decision
}

// repeated reports whether label was already seen within the window before at.
func (g *Gate) repeated(label string, at time.Time) bool {
	for _, e := range g.history {
		if e.Label != label {
			continue
		}
		if age := at.Sub(e.At); age >= 0 && age <= g.cfg.RepeatWindow {
			return true
		}
	}
	return false
}

func (g *Gate) record(dets []vision.Detection, at time.Time) {
	seen := make(map[string]struct{}, len(dets))
	for _, d := range dets {
		if !vision.NonPerson(d) {
			continue
		}
		if _, dup := seen[d.Label]; dup {
			continue
		}
		seen[d.Label] = struct{}{}
		g.history = append(g.history, HistoryEntry{Label: d.Label, At: at})
	}

	if top, ok := vision.Top(dets, nil); ok {
		g.summary = fmt.Sprintf("seen:%s:%.2f", top.Label, top.Confidence)
	}
}

// purge drops history entries older than the repeat window.
func (g *Gate) purge(at time.Time) {
	keep := g.history[:0]
	for _, e := range g.history {
		if at.Sub(e.At) <= g.cfg.RepeatWindow {
			keep = append(keep, e)
		}
	}
	g.history = keep
}

// Summary returns the previous-event summary passed to the LLM.
func (g *Gate) Summary() string {
	return g.summary
}

// History returns a copy of the current history.
func (g *Gate) History() []HistoryEntry {
	out := make([]HistoryEntry, len(g.history))
	copy(out, g.history)
	return out
}
