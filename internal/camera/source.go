// Package camera reads frames from the webcam, watches them for motion and
// answers presence re-check probes.
package camera

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"gocv.io/x/gocv"

	"github.com/kitmage/jarvipy/internal/resilience"
)

type SourceConfig struct {
	Index     int
	Width     int
	Height    int
	TargetFPS int
}

// Source is a shared video capture. Reads are serialized so the motion
// watcher and the presence prober can use the same device.
type Source struct {
	cfg    SourceConfig
	policy resilience.Policy

	mu      sync.Mutex
	capture *gocv.VideoCapture
}

func NewSource(cfg SourceConfig, policy resilience.Policy) *Source {
	return &Source{cfg: cfg, policy: policy}
}

func (s *Source) openLocked() error {
	capture, err := gocv.OpenVideoCapture(s.cfg.Index)
	if err != nil {
		return fmt.Errorf("%w: open camera %d: %w", resilience.ErrCameraDisconnected, s.cfg.Index, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return fmt.Errorf("%w: camera %d not opened", resilience.ErrCameraDisconnected, s.cfg.Index)
	}

	capture.Set(gocv.VideoCaptureFrameWidth, float64(s.cfg.Width))
	capture.Set(gocv.VideoCaptureFrameHeight, float64(s.cfg.Height))
	capture.Set(gocv.VideoCaptureFPS, float64(s.cfg.TargetFPS))

	s.capture = capture
	log.Info().
		Int("camera_index", s.cfg.Index).
		Int("width", s.cfg.Width).
		Int("height", s.cfg.Height).
		Msg("Camera opened")
	return nil
}

func (s *Source) closeLocked() {
	if s.capture != nil {
		s.capture.Close()
		s.capture = nil
	}
}

// Read fills dst with the next frame, reopening the device with backoff
// when it has gone away.
func (s *Source) Read(ctx context.Context, dst *gocv.Mat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return resilience.Retry(ctx, "camera_read", s.policy, func() error {
		if s.capture == nil {
			if err := s.openLocked(); err != nil {
				return err
			}
		}
		if !s.capture.Read(dst) || dst.Empty() {
			s.closeLocked()
			return fmt.Errorf("%w: read failed", resilience.ErrCameraDisconnected)
		}
		return nil
	})
}

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closeLocked()
	return nil
}

// encodeJPEG returns a copy of img as JPEG bytes.
func encodeJPEG(img gocv.Mat) ([]byte, error) {
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, img)
	if err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	defer buf.Close()

	return append([]byte(nil), buf.GetBytes()...), nil
}
