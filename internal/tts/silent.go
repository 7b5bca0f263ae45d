package tts

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Silent logs text instead of speaking it. Used when TTS_BACKEND=none.
type Silent struct{}

func (Silent) Synthesize(_ context.Context, text string) ([]byte, error) {
	log.Info().Str("text", text).Msg("Speaking (silent backend)")
	return nil, nil
}
