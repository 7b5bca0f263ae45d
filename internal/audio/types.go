// Package audio holds microphone frames, voice activity detection, the
// utterance segmenter and the Opus codec used to archive utterances.
package audio

import (
	"time"

	"github.com/google/uuid"
)

const (
	// CaptureRate is the microphone sample rate; VAD and STT expect it.
	CaptureRate = 16000
	// FrameMS is the capture frame length fed to the VAD.
	FrameMS = 20
	// FrameSamples is one capture frame at CaptureRate.
	FrameSamples = CaptureRate * FrameMS / 1000
)

// Frame is one capture period of 16-bit mono PCM.
type Frame struct {
	PCM []int16
	At  time.Time
}

// Chunk is a complete user utterance handed to speech-to-text.
type Chunk struct {
	ID    uuid.UUID
	PCM   []int16
	Start time.Time
	End   time.Time
}

// Utterance is the transcription of one chunk.
type Utterance struct {
	ID         uuid.UUID `json:"id"`
	ChunkID    uuid.UUID `json:"chunk_id"`
	TSStart    time.Time `json:"ts_start"`
	TSEnd      time.Time `json:"ts_end"`
	Text       string    `json:"text"`
	Source     string    `json:"source"` // "vosk" or "deepgram"
	Confidence float64   `json:"confidence,omitempty"`
}

// VAD interface for Voice Activity Detection
type VAD interface {
	IsSpeech(pcm []int16, sampleRate int) bool
	Close() error
}

// Duration returns the audio length of n samples at rate.
func Duration(n, rate int) time.Duration {
	return time.Duration(n) * time.Second / time.Duration(rate)
}

// Int16ToBytes encodes samples as little-endian 16-bit PCM.
func Int16ToBytes(samples []int16) []byte {
	bytes := make([]byte, len(samples)*2)
	for i, sample := range samples {
		bytes[i*2] = byte(sample)
		bytes[i*2+1] = byte(sample >> 8)
	}
	return bytes
}

// BytesToInt16 decodes little-endian 16-bit PCM; a trailing odd byte is ignored.
func BytesToInt16(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return samples
}
