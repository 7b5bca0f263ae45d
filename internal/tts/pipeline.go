// Package tts turns reply text into short PCM chunks for the barge-in
// controller, one response at a time.
package tts

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// SampleRate is the PCM rate every synthesizer produces: 16-bit mono.
const SampleRate = 24000

// Synthesizer renders text to 16-bit little-endian mono PCM at SampleRate.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Playback is the chunked output; bargein.Controller implements it.
type Playback interface {
	Begin() uuid.UUID
	Enqueue(id uuid.UUID, pcm []byte) bool
	Finish(id uuid.UUID)
	Stop()
}

type job struct {
	id     uuid.UUID
	text   string
	finish bool
}

// Pipeline synthesizes queued text in order on its Run goroutine. Its
// methods never block on synthesis.
type Pipeline struct {
	synth      Synthesizer
	out        Playback
	chunkBytes int

	mu      sync.Mutex
	current uuid.UUID
	jobs    []job
	cancel  context.CancelFunc
	wake    chan struct{}
}

// NewPipeline splits synthesized audio into chunkMS pieces so an
// interruption never waits on more than one chunk.
func NewPipeline(synth Synthesizer, out Playback, chunkMS int) *Pipeline {
	if chunkMS <= 0 {
		chunkMS = 40
	}
	return &Pipeline{
		synth:      synth,
		out:        out,
		chunkBytes: SampleRate * 2 * chunkMS / 1000,
		wake:       make(chan struct{}, 1),
	}
}

// Begin starts a new response, dropping whatever the previous one had queued.
func (p *Pipeline) Begin() uuid.UUID {
	id := p.out.Begin()

	p.mu.Lock()
	p.current = id
	p.jobs = nil
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return id
}

func (p *Pipeline) Enqueue(id uuid.UUID, text string) {
	p.push(job{id: id, text: text})
}

// Finish marks the end of the response's text.
func (p *Pipeline) Finish(id uuid.UUID) {
	p.push(job{id: id, finish: true})
}

func (p *Pipeline) push(j job) {
	p.mu.Lock()
	if j.id != p.current {
		p.mu.Unlock()
		return
	}
	p.jobs = append(p.jobs, j)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Stop drops pending text and silences playback.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	p.current = uuid.Nil
	p.jobs = nil
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.out.Stop()
}

// Pending returns how many text jobs are waiting for synthesis.
func (p *Pipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.jobs)
}

func (p *Pipeline) Run(ctx context.Context) error {
	for {
		j, jobCtx, ok := p.next(ctx)
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-p.wake:
			}
			continue
		}

		if j.finish {
			p.out.Finish(j.id)
			continue
		}
		p.speak(jobCtx, j)
	}
}

func (p *Pipeline) next(ctx context.Context) (job, context.Context, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.jobs) == 0 {
		return job{}, nil, false
	}
	j := p.jobs[0]
	p.jobs = p.jobs[1:]

	jobCtx, cancel := context.WithCancel(ctx)
	if p.cancel != nil {
		p.cancel()
	}
	p.cancel = cancel
	return j, jobCtx, true
}

func (p *Pipeline) speak(ctx context.Context, j job) {
	pcm, err := p.synth.Synthesize(ctx, j.text)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn().Err(err).Str("response_id", j.id.String()).Msg("Speech synthesis failed, skipping text")
		}
		return
	}

	for off := 0; off < len(pcm); off += p.chunkBytes {
		end := off + p.chunkBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		if !p.out.Enqueue(j.id, pcm[off:end]) {
			p.dropResponse(j.id)
			return
		}
	}
}

// dropResponse discards queued text for a response playback has abandoned.
func (p *Pipeline) dropResponse(id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.jobs[:0]
	for _, j := range p.jobs {
		if j.id != id {
			kept = append(kept, j)
		}
	}
	p.jobs = kept
	if p.current == id {
		p.current = uuid.Nil
	}
}
