// Package openai synthesizes speech with the OpenAI audio API.
package openai

import (
	"context"
	"fmt"
	"io"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/kitmage/jarvipy/internal/resilience"
)

type Synthesizer struct {
	client oai.Client
	model  string
	voice  string
}

func New(apiKey, model, voice string) (*Synthesizer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai tts: apiKey must not be empty")
	}
	return &Synthesizer{
		client: oai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
		voice:  voice,
	}, nil
}

// Synthesize returns raw 24 kHz 16-bit mono PCM.
func (s *Synthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	resp, err := s.client.Audio.Speech.New(ctx, oai.AudioSpeechNewParams{
		Input:          text,
		Model:          oai.SpeechModel(s.model),
		Voice:          oai.AudioSpeechNewParamsVoice(s.voice),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	})
	if err != nil {
		return nil, fmt.Errorf("openai tts: %w: %w", resilience.ErrLLMService, err)
	}
	defer resp.Body.Close()

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai tts: read audio: %w", err)
	}
	return pcm, nil
}
