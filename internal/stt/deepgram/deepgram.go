package deepgram

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/kitmage/jarvipy/internal/audio"
	"github.com/kitmage/jarvipy/internal/resilience"
)

const DefaultEndpoint = "https://api.deepgram.com/v1/listen"

type DeepgramTranscriber struct {
	apiKey     string
	model      string
	sampleRate int
	endpoint   string
	client     *http.Client
}

type DeepgramResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

type Option func(*DeepgramTranscriber)

func WithEndpoint(endpoint string) Option {
	return func(d *DeepgramTranscriber) { d.endpoint = endpoint }
}

func WithHTTPClient(client *http.Client) Option {
	return func(d *DeepgramTranscriber) { d.client = client }
}

func NewDeepgramTranscriber(apiKey, model string, sampleRate int, opts ...Option) *DeepgramTranscriber {
	d := &DeepgramTranscriber{
		apiKey:     apiKey,
		model:      model,
		sampleRate: sampleRate,
		endpoint:   DefaultEndpoint,
		client:     &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *DeepgramTranscriber) Transcribe(ctx context.Context, chunk *audio.Chunk) ([]audio.Utterance, error) {
	if len(chunk.PCM) == 0 {
		return nil, nil
	}

	params := url.Values{}
	if d.model != "" {
		params.Set("model", d.model)
	}
	params.Set("punctuate", "true")
	params.Set("smart_format", "true")
	params.Set("language", "en")
	fullURL := d.endpoint + "?" + params.Encode()

	wavData := pcmToWAV(chunk.PCM, d.sampleRate)

	log.Debug().
		Str("model", d.model).
		Int("audio_size_bytes", len(wavData)).
		Msg("Making Deepgram API request")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fullURL, bytes.NewReader(wavData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+d.apiKey)
	req.Header.Set("Content-Type", "audio/wav")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: deepgram request: %w", resilience.ErrSTTService, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response body: %w", resilience.ErrSTTService, err)
	}

	if resp.StatusCode != http.StatusOK {
		log.Warn().
			Int("status_code", resp.StatusCode).
			Str("response_body", string(body)).
			Msg("Deepgram API error response")
		err := fmt.Errorf("deepgram API error %d: %s", resp.StatusCode, string(body))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("%w: %w", resilience.ErrSTTService, err)
		}
		return nil, err
	}

	var result DeepgramResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if len(result.Results.Channels) == 0 {
		log.Debug().Msg("No channels in Deepgram response")
		return nil, nil
	}

	var utterances []audio.Utterance
	for _, alternative := range result.Results.Channels[0].Alternatives {
		if alternative.Transcript == "" {
			continue
		}
		utterances = append(utterances, audio.Utterance{
			ID:         uuid.New(),
			ChunkID:    chunk.ID,
			TSStart:    chunk.Start,
			TSEnd:      chunk.End,
			Text:       alternative.Transcript,
			Source:     "deepgram",
			Confidence: alternative.Confidence,
		})
		// First alternative is the best one.
		break
	}

	log.Debug().
		Str("chunk_id", chunk.ID.String()).
		Int("utterances", len(utterances)).
		Msg("Deepgram transcription completed")

	return utterances, nil
}

// pcmToWAV wraps mono 16-bit PCM in a RIFF header.
func pcmToWAV(pcm []int16, sampleRate int) []byte {
	dataSize := uint32(len(pcm) * 2)
	buf := bytes.NewBuffer(make([]byte, 0, 44+dataSize))

	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, 36+dataSize)
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(buf, binary.LittleEndian, uint16(1)) // mono
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate*2))
	binary.Write(buf, binary.LittleEndian, uint16(2))
	binary.Write(buf, binary.LittleEndian, uint16(16))

	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, dataSize)
	buf.Write(audio.Int16ToBytes(pcm))

	return buf.Bytes()
}

func (d *DeepgramTranscriber) Close() error {
	return nil
}
