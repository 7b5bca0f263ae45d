// Package device binds capture and playback to the sound card through
// miniaudio.
package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog/log"

	"github.com/kitmage/jarvipy/internal/audio"
	"github.com/kitmage/jarvipy/internal/resilience"
)

type Context struct {
	ctx *malgo.AllocatedContext
}

func NewContext() (*Context, error) {
	cfg := malgo.ContextConfig{}
	cfg.ThreadPriority = malgo.ThreadPriorityRealtime

	ctx, err := malgo.InitContext(nil, cfg, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", resilience.ErrAudioDeviceUnavailable, err)
	}
	return &Context{ctx: ctx}, nil
}

func (c *Context) Close() {
	_ = c.ctx.Uninit()
	c.ctx.Free()
}

// Microphone delivers fixed 20ms frames of mono 16-bit PCM.
type Microphone struct {
	device     *malgo.Device
	sampleRate int
	frames     chan audio.Frame

	mu      sync.Mutex
	pending []int16
	dropped int
}

func (c *Context) NewMicrophone(sampleRate int) (*Microphone, error) {
	m := &Microphone{
		sampleRate: sampleRate,
		frames:     make(chan audio.Frame, 50),
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = uint32(sampleRate)
	deviceConfig.PeriodSizeInMilliseconds = audio.FrameMS

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			m.onData(input)
		},
	}

	device, err := malgo.InitDevice(c.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return nil, fmt.Errorf("%w: init microphone: %w", resilience.ErrAudioDeviceUnavailable, err)
	}
	m.device = device
	return m, nil
}

func (m *Microphone) Frames() <-chan audio.Frame {
	return m.frames
}

func (m *Microphone) onData(input []byte) {
	frameSamples := m.sampleRate * audio.FrameMS / 1000
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.pending = append(m.pending, audio.BytesToInt16(input)...)
	for len(m.pending) >= frameSamples {
		pcm := make([]int16, frameSamples)
		copy(pcm, m.pending)
		m.pending = m.pending[frameSamples:]

		select {
		case m.frames <- audio.Frame{PCM: pcm, At: now}:
		default:
			m.dropped++
			if m.dropped%50 == 1 {
				log.Warn().Int("dropped", m.dropped).Msg("Capture frame queue full")
			}
		}
	}
}

// Run starts capture and blocks until ctx is done.
func (m *Microphone) Run(ctx context.Context) error {
	if err := m.device.Start(); err != nil {
		return fmt.Errorf("%w: start microphone: %w", resilience.ErrAudioDeviceUnavailable, err)
	}
	log.Info().Int("sample_rate", m.sampleRate).Msg("Microphone started")

	<-ctx.Done()

	_ = m.device.Stop()
	m.device.Uninit()
	close(m.frames)
	return nil
}

// Speaker plays mono 16-bit PCM and satisfies bargein.Sink.
type Speaker struct {
	device *malgo.Device

	mu       sync.Mutex
	buf      []byte
	written  int64
	consumed int64
	notify   chan struct{}
}

func (c *Context) NewSpeaker(sampleRate int) (*Speaker, error) {
	s := &Speaker{notify: make(chan struct{})}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = 1
	deviceConfig.SampleRate = uint32(sampleRate)
	deviceConfig.PeriodSizeInMilliseconds = audio.FrameMS

	callbacks := malgo.DeviceCallbacks{
		Data: func(output, _ []byte, _ uint32) {
			s.fill(output)
		},
	}

	device, err := malgo.InitDevice(c.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return nil, fmt.Errorf("%w: init speaker: %w", resilience.ErrAudioDeviceUnavailable, err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, fmt.Errorf("%w: start speaker: %w", resilience.ErrAudioDeviceUnavailable, err)
	}
	s.device = device
	return s, nil
}

func (s *Speaker) fill(out []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := copy(out, s.buf)
	clear(out[n:])
	if n == 0 {
		return
	}
	s.buf = s.buf[n:]
	s.consumed += int64(n)
	close(s.notify)
	s.notify = make(chan struct{})
}

// Play queues pcm and waits until the device has taken all of it. Nothing is
// queued once ctx is done, so a chunk cancelled before a Halt stays silent.
func (s *Speaker) Play(ctx context.Context, pcm []byte) error {
	s.mu.Lock()
	if err := ctx.Err(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.buf = append(s.buf, pcm...)
	s.written += int64(len(pcm))
	target := s.written
	s.mu.Unlock()

	for {
		s.mu.Lock()
		done := s.consumed >= target
		notify := s.notify
		s.mu.Unlock()
		if done {
			return nil
		}

		select {
		case <-notify:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Halt discards everything not yet handed to the device.
func (s *Speaker) Halt() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.consumed += int64(len(s.buf))
	s.buf = s.buf[:0]
	close(s.notify)
	s.notify = make(chan struct{})
}

func (s *Speaker) Close() {
	_ = s.device.Stop()
	s.device.Uninit()
}
