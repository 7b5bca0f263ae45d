package audio

import (
	"fmt"
	"math"

	"github.com/maxhawkins/go-webrtcvad"
)

type WebRTCVAD struct {
	vad          *webrtcvad.VAD
	rmsThreshold float64
}

// NewWebRTCVAD creates a detector with aggressiveness mode 0-3, 3 being the
// most aggressive at rejecting non-speech.
func NewWebRTCVAD(mode int) (*WebRTCVAD, error) {
	if mode < 0 || mode > 3 {
		return nil, fmt.Errorf("invalid VAD mode %d", mode)
	}

	vad, err := webrtcvad.New()
	if err != nil {
		return nil, err
	}
	vad.SetMode(mode)

	return &WebRTCVAD{
		vad:          vad,
		rmsThreshold: 500.0, // Fallback RMS threshold
	}, nil
}

func (v *WebRTCVAD) IsSpeech(pcm []int16, sampleRate int) bool {
	// WebRTC VAD only takes 10, 20 or 30 ms frames
	if !validFrame(len(pcm), sampleRate) {
		return rmsIsSpeech(pcm, v.rmsThreshold)
	}

	isSpeech, err := v.vad.Process(sampleRate, Int16ToBytes(pcm))
	if err != nil {
		return rmsIsSpeech(pcm, v.rmsThreshold)
	}
	return isSpeech
}

func (v *WebRTCVAD) Close() error {
	if v.vad != nil {
		v.vad.Close()
	}
	return nil
}

func validFrame(samples, sampleRate int) bool {
	switch sampleRate {
	case 8000, 16000, 32000, 48000:
	default:
		return false
	}
	for _, ms := range []int{10, 20, 30} {
		if samples == sampleRate*ms/1000 {
			return true
		}
	}
	return false
}

// EnergyVAD is the RMS detector alone, for frames WebRTC cannot take.
type EnergyVAD struct {
	Threshold float64
}

func (e EnergyVAD) IsSpeech(pcm []int16, _ int) bool {
	return rmsIsSpeech(pcm, e.Threshold)
}

func (EnergyVAD) Close() error {
	return nil
}

func rmsIsSpeech(pcm []int16, threshold float64) bool {
	if len(pcm) == 0 {
		return false
	}

	var sum float64
	for _, sample := range pcm {
		sum += float64(sample) * float64(sample)
	}

	rms := math.Sqrt(sum / float64(len(pcm)))
	return rms > threshold
}
