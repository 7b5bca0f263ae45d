package store

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/kitmage/jarvipy/internal/clock"
	"github.com/kitmage/jarvipy/internal/observe"
)

type record struct {
	stream  string
	kind    string
	payload any
	at      time.Time
}

// Recorder queues events for the FileStore on a background goroutine.
// Record never blocks; a full queue drops the event.
type Recorder struct {
	store   *FileStore
	clock   clock.Clock
	metrics *observe.Metrics
	queue   chan record

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func NewRecorder(store *FileStore, clk clock.Clock, metrics *observe.Metrics, size int) *Recorder {
	if size < 1 {
		size = 256
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Recorder{
		store:   store,
		clock:   clk,
		metrics: metrics,
		queue:   make(chan record, size),
		done:    make(chan struct{}),
	}
}

func (r *Recorder) Record(stream, kind string, payload any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}

	select {
	case r.queue <- record{stream: stream, kind: kind, payload: payload, at: r.clock.Now()}:
		return true
	default:
		r.metrics.RecorderDrops.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("kind", kind)))
		log.Warn().Str("stream", stream).Str("kind", kind).Msg("Recorder queue full, dropping event")
		return false
	}
}

// Run writes queued events until Close is called, then drains the queue.
func (r *Recorder) Run(ctx context.Context) error {
	defer close(r.done)

	for {
		select {
		case rec, ok := <-r.queue:
			if !ok {
				return r.store.Close()
			}
			r.write(rec)
		case <-ctx.Done():
			r.Close()
			for rec := range r.queue {
				r.write(rec)
			}
			return r.store.Close()
		}
	}
}

func (r *Recorder) write(rec record) {
	if err := r.store.Append(rec.stream, rec.kind, rec.at, rec.payload); err != nil {
		log.Error().Err(err).Str("stream", rec.stream).Str("kind", rec.kind).Msg("Failed to store event")
	}
}

// Close stops accepting events. Run finishes once the queue is drained.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	close(r.queue)
}

// Done is closed after Run has written everything and returned.
func (r *Recorder) Done() <-chan struct{} {
	return r.done
}
