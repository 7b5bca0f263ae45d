package vosk

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	vosk "github.com/alphacep/vosk-api/go"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/kitmage/jarvipy/internal/audio"
)

// VoskTranscriber runs the offline recognizer. One recognizer serves all
// callers, one chunk at a time.
type VoskTranscriber struct {
	model      *vosk.VoskModel
	recognizer *vosk.VoskRecognizer
	sampleRate int
	mu         sync.Mutex
}

type VoskResult struct {
	Text   string     `json:"text"`
	Result []VoskWord `json:"result"`
}

type VoskWord struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Conf  float64 `json:"conf"`
}

func NewVoskTranscriber(modelPath string, sampleRate int) (*VoskTranscriber, error) {
	log.Info().Str("model_path", modelPath).Msg("Loading Vosk model")

	model, err := vosk.NewModel(modelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load Vosk model from %s: %w", modelPath, err)
	}

	recognizer, err := vosk.NewRecognizer(model, float64(sampleRate))
	if err != nil {
		model.Free()
		return nil, fmt.Errorf("failed to create Vosk recognizer: %w", err)
	}
	recognizer.SetWords(1)

	log.Info().Msg("Vosk model loaded successfully")

	return &VoskTranscriber{
		model:      model,
		recognizer: recognizer,
		sampleRate: sampleRate,
	}, nil
}

func (v *VoskTranscriber) Transcribe(ctx context.Context, chunk *audio.Chunk) ([]audio.Utterance, error) {
	if len(chunk.PCM) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v.mu.Lock()
	if v.recognizer.AcceptWaveform(audio.Int16ToBytes(chunk.PCM)) == -1 {
		v.mu.Unlock()
		return nil, fmt.Errorf("failed to process audio chunk %s", chunk.ID)
	}
	jsonResult := v.recognizer.FinalResult()
	v.mu.Unlock()

	var voskResult VoskResult
	if err := json.Unmarshal([]byte(jsonResult), &voskResult); err != nil {
		log.Warn().
			Err(err).
			Str("json", jsonResult).
			Msg("Failed to parse Vosk result")
		return nil, nil
	}

	if voskResult.Text == "" {
		return nil, nil
	}

	utterance := audio.Utterance{
		ID:         uuid.New(),
		ChunkID:    chunk.ID,
		TSStart:    chunk.Start,
		TSEnd:      chunk.End,
		Text:       voskResult.Text,
		Source:     "vosk",
		Confidence: voskResult.confidence(),
	}

	log.Debug().
		Str("chunk_id", chunk.ID.String()).
		Str("text", utterance.Text).
		Float64("confidence", utterance.Confidence).
		Msg("Vosk transcription completed")

	return []audio.Utterance{utterance}, nil
}

// confidence is the mean word confidence.
func (r VoskResult) confidence() float64 {
	if len(r.Result) == 0 {
		return 0
	}
	var sum float64
	for _, w := range r.Result {
		sum += w.Conf
	}
	return sum / float64(len(r.Result))
}

func (v *VoskTranscriber) Close() error {
	if v.recognizer != nil {
		v.recognizer.Free()
	}
	if v.model != nil {
		v.model.Free()
	}
	return nil
}
