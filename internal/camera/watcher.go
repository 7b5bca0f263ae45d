package camera

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"gocv.io/x/gocv"

	"github.com/kitmage/jarvipy/internal/clock"
	"github.com/kitmage/jarvipy/internal/motion"
	"github.com/kitmage/jarvipy/internal/vision"
)

const (
	blurSize       = 21
	diffThreshold  = 25
	dilateIters    = 2
	detectTimeout  = 5 * time.Second
	snapshotLayout = "20060102T150405"
)

type WatcherConfig struct {
	SnapshotDir string
	TargetFPS   int
}

// Watcher compares each frame against the first one and reports debounced
// motion, with the detections found in the triggering frame.
type Watcher struct {
	source   *Source
	trigger  *motion.Trigger
	detector vision.Detector
	clock    clock.Clock
	cfg      WatcherConfig

	background gocv.Mat
	hasBG      bool
}

func NewWatcher(source *Source, trigger *motion.Trigger, detector vision.Detector, clk clock.Clock, cfg WatcherConfig) *Watcher {
	if cfg.TargetFPS <= 0 {
		cfg.TargetFPS = 10
	}
	return &Watcher{
		source:   source,
		trigger:  trigger,
		detector: detector,
		clock:    clk,
		cfg:      cfg,
	}
}

// Run polls frames at the target rate until ctx is done. emit must not block.
// Each call starts over with a fresh background, so Run may be called again
// after it returns.
func (w *Watcher) Run(ctx context.Context, emit func(motion.Event)) error {
	w.resetBackground()
	defer w.background.Close()

	if err := os.MkdirAll(w.cfg.SnapshotDir, 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	frame := gocv.NewMat()
	defer frame.Close()

	ticker := time.NewTicker(time.Second / time.Duration(w.cfg.TargetFPS))
	defer ticker.Stop()

	log.Info().Int("fps", w.cfg.TargetFPS).Msg("Motion watcher started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if err := w.source.Read(ctx, &frame); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		area := w.largestContour(frame)
		now := w.clock.Now()
		if !w.trigger.Update(area, now) {
			continue
		}

		log.Info().Float64("contour_area", area).Msg("Motion triggered")
		emit(w.event(ctx, frame, now))
	}
}

func (w *Watcher) resetBackground() {
	w.background = gocv.NewMat()
	w.hasBG = false
}

// largestContour returns the biggest changed area against the background.
// The first frame seen becomes the background.
func (w *Watcher) largestContour(frame gocv.Mat) float64 {
	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(frame, &gray, gocv.ColorBGRToGray)
	gocv.GaussianBlur(gray, &gray, image.Pt(blurSize, blurSize), 0, 0, gocv.BorderDefault)

	if !w.hasBG {
		gray.CopyTo(&w.background)
		w.hasBG = true
		return 0
	}

	delta := gocv.NewMat()
	defer delta.Close()
	gocv.AbsDiff(w.background, gray, &delta)
	gocv.Threshold(delta, &delta, diffThreshold, 255, gocv.ThresholdBinary)

	kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Pt(3, 3))
	defer kernel.Close()
	for i := 0; i < dilateIters; i++ {
		gocv.Dilate(delta, &delta, kernel)
	}

	contours := gocv.FindContours(delta, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	var largest float64
	for i := 0; i < contours.Size(); i++ {
		if area := gocv.ContourArea(contours.At(i)); area > largest {
			largest = area
		}
	}
	return largest
}

func (w *Watcher) event(ctx context.Context, frame gocv.Mat, now time.Time) motion.Event {
	ev := motion.Event{Timestamp: now}

	path := snapshotPath(w.cfg.SnapshotDir, now)
	if gocv.IMWrite(path, frame) {
		ev.SnapshotPath = path
	} else {
		log.Warn().Str("file", path).Msg("Failed to write snapshot")
	}

	dets, err := detect(ctx, w.detector, frame)
	if err != nil {
		log.Error().Err(err).Msg("Detection failed on motion frame")
		ev.DetectErr = err
		return ev
	}
	ev.Detections = dets
	return ev
}

func detect(ctx context.Context, detector vision.Detector, frame gocv.Mat) ([]vision.Detection, error) {
	jpeg, err := encodeJPEG(frame)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, detectTimeout)
	defer cancel()
	return detector.Detect(ctx, jpeg)
}

func snapshotPath(dir string, at time.Time) string {
	at = at.UTC()
	name := fmt.Sprintf("motion_%s%06dZ.jpg", at.Format(snapshotLayout), at.Nanosecond()/1000)
	return filepath.Join(dir, name)
}

// Prober grabs a fresh frame and runs detection on it for presence
// re-checks during a conversation.
type Prober struct {
	source   *Source
	detector vision.Detector
}

func NewProber(source *Source, detector vision.Detector) *Prober {
	return &Prober{source: source, detector: detector}
}

func (p *Prober) Probe(ctx context.Context) ([]vision.Detection, error) {
	frame := gocv.NewMat()
	defer frame.Close()

	if err := p.source.Read(ctx, &frame); err != nil {
		return nil, err
	}
	return detect(ctx, p.detector, frame)
}
