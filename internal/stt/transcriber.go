// Package stt turns utterance chunks into text.
package stt

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/kitmage/jarvipy/internal/audio"
	"github.com/kitmage/jarvipy/internal/resilience"
)

// Transcriber interface for STT backends
type Transcriber interface {
	Transcribe(ctx context.Context, chunk *audio.Chunk) ([]audio.Utterance, error)
	Close() error
}

// TranscriberPool runs a fixed number of STT workers over submitted chunks.
type TranscriberPool struct {
	transcriber   Transcriber
	workers       int
	policy        resilience.Policy
	chunkChan     chan *audio.Chunk
	utteranceChan chan audio.Utterance
	wg            sync.WaitGroup
	started       bool
	mutex         sync.Mutex
}

func NewTranscriberPool(transcriber Transcriber, workers int, policy resilience.Policy) *TranscriberPool {
	if workers < 1 {
		workers = 1
	}
	return &TranscriberPool{
		transcriber:   transcriber,
		workers:       workers,
		policy:        policy,
		chunkChan:     make(chan *audio.Chunk, workers*2),
		utteranceChan: make(chan audio.Utterance, workers*4),
	}
}

func (p *TranscriberPool) Start(ctx context.Context) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.started {
		return fmt.Errorf("pool already started")
	}
	p.started = true

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}

	log.Info().Int("workers", p.workers).Msg("Started STT worker pool")
	return nil
}

func (p *TranscriberPool) worker(ctx context.Context, workerID int) {
	defer p.wg.Done()

	log.Debug().Int("worker_id", workerID).Msg("STT worker started")
	defer log.Debug().Int("worker_id", workerID).Msg("STT worker stopped")

	for {
		select {
		case chunk, ok := <-p.chunkChan:
			if !ok {
				return
			}

			var utterances []audio.Utterance
			err := resilience.Retry(ctx, "stt", p.policy, func() error {
				var err error
				utterances, err = p.transcriber.Transcribe(ctx, chunk)
				return err
			})
			if err != nil {
				log.Error().
					Err(err).
					Str("chunk_id", chunk.ID.String()).
					Int("worker_id", workerID).
					Msg("Failed to transcribe chunk")
				continue
			}

			for _, u := range utterances {
				if strings.TrimSpace(u.Text) == "" {
					continue
				}
				select {
				case p.utteranceChan <- u:
					log.Debug().
						Str("chunk_id", chunk.ID.String()).
						Str("source", u.Source).
						Int("worker_id", workerID).
						Msg("Transcribed chunk")
				case <-ctx.Done():
					return
				}
			}

		case <-ctx.Done():
			return
		}
	}
}

// Submit queues a chunk without blocking; a full queue drops it.
func (p *TranscriberPool) Submit(chunk *audio.Chunk) error {
	select {
	case p.chunkChan <- chunk:
		return nil
	default:
		return fmt.Errorf("chunk queue full, dropping chunk %s", chunk.ID)
	}
}

func (p *TranscriberPool) Utterances() <-chan audio.Utterance {
	return p.utteranceChan
}

// Stop waits for in-flight chunks and closes the utterance channel.
func (p *TranscriberPool) Stop() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if !p.started {
		return
	}

	close(p.chunkChan)
	p.wg.Wait()
	close(p.utteranceChan)

	p.started = false
	log.Info().Msg("Stopped STT worker pool")
}
