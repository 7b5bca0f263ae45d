package audio

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type ListenerConfig struct {
	SampleRate  int
	StartFrames int // consecutive speech frames that open an utterance
	EndFrames   int // consecutive silent frames that close it
	PreRoll     int // frames kept from before the utterance opened
	MaxLength   time.Duration
}

func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{
		SampleRate:  CaptureRate,
		StartFrames: 3,
		EndFrames:   25,
		PreRoll:     10,
		MaxLength:   15 * time.Second,
	}
}

// Listener runs VAD over capture frames. It reports the moment speech is
// confirmed and cuts the audio into utterance chunks for speech-to-text.
type Listener struct {
	vad           VAD
	cfg           ListenerConfig
	onSpeechStart func(at time.Time)
	chunks        chan Chunk

	speaking   bool
	speechRun  int
	silenceRun int
	preRoll    []Frame
	buf        []int16
	start      time.Time
	last       time.Time
}

func NewListener(vad VAD, cfg ListenerConfig, onSpeechStart func(at time.Time)) *Listener {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = CaptureRate
	}
	if cfg.StartFrames < 1 {
		cfg.StartFrames = 1
	}
	if cfg.EndFrames < 1 {
		cfg.EndFrames = 1
	}
	if cfg.PreRoll < cfg.StartFrames {
		cfg.PreRoll = cfg.StartFrames
	}
	if onSpeechStart == nil {
		onSpeechStart = func(time.Time) {}
	}
	return &Listener{
		vad:           vad,
		cfg:           cfg,
		onSpeechStart: onSpeechStart,
		chunks:        make(chan Chunk, 8),
	}
}

// Chunks delivers completed utterances. It is closed when Run returns.
func (l *Listener) Chunks() <-chan Chunk {
	return l.chunks
}

func (l *Listener) Run(ctx context.Context, frames <-chan Frame) error {
	defer close(l.chunks)
	defer log.Debug().Msg("Listener stopped")

	for {
		select {
		case f, ok := <-frames:
			if !ok {
				l.flush()
				return nil
			}
			l.Push(f)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Push feeds one frame. It must not be called concurrently with Run.
func (l *Listener) Push(f Frame) {
	speech := l.vad.IsSpeech(f.PCM, l.cfg.SampleRate)
	l.last = f.At.Add(Duration(len(f.PCM), l.cfg.SampleRate))

	if !l.speaking {
		l.preRoll = append(l.preRoll, f)
		if len(l.preRoll) > l.cfg.PreRoll {
			l.preRoll = l.preRoll[len(l.preRoll)-l.cfg.PreRoll:]
		}
		if !speech {
			l.speechRun = 0
			return
		}
		l.speechRun++
		if l.speechRun < l.cfg.StartFrames {
			return
		}
		l.open(f.At)
		return
	}

	l.buf = append(l.buf, f.PCM...)
	if speech {
		l.silenceRun = 0
	} else {
		l.silenceRun++
	}

	if l.silenceRun >= l.cfg.EndFrames || Duration(len(l.buf), l.cfg.SampleRate) >= l.cfg.MaxLength {
		l.emit()
	}
}

// Speaking reports whether an utterance is open.
func (l *Listener) Speaking() bool {
	return l.speaking
}

func (l *Listener) open(at time.Time) {
	l.speaking = true
	l.silenceRun = 0
	l.start = l.preRoll[0].At
	l.buf = l.buf[:0]
	for _, f := range l.preRoll {
		l.buf = append(l.buf, f.PCM...)
	}
	l.preRoll = l.preRoll[:0]

	log.Debug().Time("at", at).Msg("Speech start")
	l.onSpeechStart(at)
}

func (l *Listener) flush() {
	if l.speaking && len(l.buf) > 0 {
		l.emit()
	}
}

func (l *Listener) emit() {
	chunk := Chunk{
		ID:    uuid.New(),
		PCM:   append([]int16(nil), l.buf...),
		Start: l.start,
		End:   l.last,
	}
	l.speaking = false
	l.speechRun = 0
	l.silenceRun = 0
	l.buf = l.buf[:0]

	select {
	case l.chunks <- chunk:
		log.Debug().
			Str("chunk_id", chunk.ID.String()).
			Dur("duration", chunk.End.Sub(chunk.Start)).
			Msg("Utterance chunk ready")
	default:
		log.Warn().Str("chunk_id", chunk.ID.String()).Msg("Chunk queue full, dropping utterance")
	}
}
