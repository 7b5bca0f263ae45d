package audio

import (
	"encoding/binary"
	"errors"
	"fmt"

	"layeh.com/gopus"
)

const (
	Channels      = 1 // Mono
	maxPacketSize = 4000
)

var ErrCorruptClip = errors.New("corrupt opus clip")

// OpusCodec packs utterance PCM into a clip of length-prefixed Opus packets,
// one 20ms frame per packet.
type OpusCodec struct {
	sampleRate int
	frameSize  int
}

func NewOpusCodec(sampleRate int) (*OpusCodec, error) {
	switch sampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return nil, fmt.Errorf("unsupported opus sample rate %d", sampleRate)
	}
	return &OpusCodec{
		sampleRate: sampleRate,
		frameSize:  sampleRate * FrameMS / 1000,
	}, nil
}

// Encode compresses pcm. The last frame is padded with silence.
func (c *OpusCodec) Encode(pcm []int16) ([]byte, error) {
	encoder, err := gopus.NewEncoder(c.sampleRate, Channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus encoder: %w", err)
	}

	var clip []byte
	frame := make([]int16, c.frameSize)
	for off := 0; off < len(pcm); off += c.frameSize {
		n := copy(frame, pcm[off:])
		clear(frame[n:])

		packet, err := encoder.Encode(frame, c.frameSize, maxPacketSize)
		if err != nil {
			return nil, fmt.Errorf("failed to encode opus: %w", err)
		}
		clip = binary.BigEndian.AppendUint16(clip, uint16(len(packet)))
		clip = append(clip, packet...)
	}
	return clip, nil
}

func (c *OpusCodec) Decode(clip []byte) ([]int16, error) {
	decoder, err := gopus.NewDecoder(c.sampleRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus decoder: %w", err)
	}

	var pcm []int16
	for len(clip) > 0 {
		if len(clip) < 2 {
			return nil, ErrCorruptClip
		}
		size := int(binary.BigEndian.Uint16(clip))
		clip = clip[2:]
		if size > len(clip) {
			return nil, ErrCorruptClip
		}

		frame, err := decoder.Decode(clip[:size], c.frameSize, false)
		if err != nil {
			return nil, fmt.Errorf("failed to decode opus: %w", err)
		}
		pcm = append(pcm, frame...)
		clip = clip[size:]
	}
	return pcm, nil
}

// FrameSize is the number of samples per packet.
func (c *OpusCodec) FrameSize() int {
	return c.frameSize
}
