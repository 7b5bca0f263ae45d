// Package device assembles the camera, microphone, speaker and remote
// services around the state controller and runs them together.
package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/kitmage/jarvipy/internal/announce"
	"github.com/kitmage/jarvipy/internal/audio"
	audiodev "github.com/kitmage/jarvipy/internal/audio/device"
	"github.com/kitmage/jarvipy/internal/bargein"
	"github.com/kitmage/jarvipy/internal/camera"
	"github.com/kitmage/jarvipy/internal/clock"
	"github.com/kitmage/jarvipy/internal/config"
	"github.com/kitmage/jarvipy/internal/conversation"
	"github.com/kitmage/jarvipy/internal/invariant"
	"github.com/kitmage/jarvipy/internal/llm"
	"github.com/kitmage/jarvipy/internal/llm/gemini"
	"github.com/kitmage/jarvipy/internal/llm/openai"
	"github.com/kitmage/jarvipy/internal/motion"
	"github.com/kitmage/jarvipy/internal/observe"
	"github.com/kitmage/jarvipy/internal/resilience"
	"github.com/kitmage/jarvipy/internal/state"
	"github.com/kitmage/jarvipy/internal/store"
	"github.com/kitmage/jarvipy/internal/stt"
	"github.com/kitmage/jarvipy/internal/stt/deepgram"
	"github.com/kitmage/jarvipy/internal/stt/vosk"
	"github.com/kitmage/jarvipy/internal/tts"
	ttsopenai "github.com/kitmage/jarvipy/internal/tts/openai"
	"github.com/kitmage/jarvipy/internal/vision"
	"github.com/kitmage/jarvipy/internal/vision/yolo"
	"github.com/kitmage/jarvipy/internal/web"
)

const (
	recorderQueueSize = 256
	restartDelay      = 5 * time.Second
)

type Device struct {
	cfg     *config.Config
	clock   clock.Clock
	metrics *observe.Metrics
	version string

	store    *store.FileStore
	recorder *store.Recorder

	detector vision.Detector
	source   *camera.Source
	watcher  *camera.Watcher

	backend llm.Backend

	audioCtx *audiodev.Context
	mic      *audiodev.Microphone
	speaker  *audiodev.Speaker
	playback *bargein.Controller
	voice    *tts.Pipeline
	vad      audio.VAD
	listener *audio.Listener
	codec    *audio.OpusCodec

	transcriber stt.Transcriber
	pool        *stt.TranscriberPool

	ctrl *state.Controller
	web  *web.Server
}

// New opens every collaborator. On error the ones already opened are closed.
func New(ctx context.Context, cfg *config.Config, version string) (dev *Device, err error) {
	invariant.SetStrict(cfg.DebugInvariants)

	d := &Device{
		cfg:     cfg,
		clock:   clock.Real{},
		metrics: observe.DefaultMetrics(),
		version: version,
	}
	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	policy := resilience.DefaultPolicy()

	if d.store, err = store.NewFileStore(cfg.DataDir); err != nil {
		return nil, err
	}
	d.recorder = store.NewRecorder(d.store, d.clock, d.metrics, recorderQueueSize)

	// Vision
	ycfg := yolo.DefaultConfig()
	ycfg.ModelPath = cfg.DetectorModelPath
	ycfg.ConfidenceThresh = float32(cfg.DetectorMinConfidence)
	if d.detector, err = yolo.New(ycfg); err != nil {
		return nil, fmt.Errorf("failed to create detector: %w", err)
	}
	d.source = camera.NewSource(camera.SourceConfig{
		Index:     cfg.CameraIndex,
		Width:     cfg.FrameWidth,
		Height:    cfg.FrameHeight,
		TargetFPS: cfg.TargetFPS,
	}, policy)
	d.watcher = camera.NewWatcher(
		d.source,
		motion.NewTrigger(float64(cfg.MotionAreaThreshold), cfg.MotionRequiredFrames, cfg.Cooldown()),
		d.detector,
		d.clock,
		camera.WatcherConfig{SnapshotDir: cfg.SnapshotDir, TargetFPS: cfg.TargetFPS},
	)

	// LLM
	if d.backend, err = newBackend(ctx, cfg); err != nil {
		return nil, err
	}
	guard := llm.NewGuard(d.backend, resilience.NewCircuitBreaker(resilience.BreakerConfig{
		Name:  "llm",
		Clock: d.clock,
	}), policy)
	gate := announce.NewGate(announce.ConfigFrom(cfg), guard, d.clock)

	// Audio out
	if d.audioCtx, err = audiodev.NewContext(); err != nil {
		return nil, err
	}
	if d.speaker, err = d.audioCtx.NewSpeaker(tts.SampleRate); err != nil {
		return nil, err
	}
	d.playback = bargein.NewController(d.speaker, d.clock)
	d.playback.SetHoldoff(cfg.BargeInHoldoff())

	synth, err := newSynthesizer(cfg)
	if err != nil {
		return nil, err
	}
	d.voice = tts.NewPipeline(synth, d.playback, cfg.TTSChunkMS)

	// Audio in
	if d.mic, err = d.audioCtx.NewMicrophone(cfg.AudioSampleRate); err != nil {
		return nil, err
	}
	if d.vad, err = audio.NewWebRTCVAD(cfg.VADMode); err != nil {
		return nil, fmt.Errorf("failed to create voice activity detector: %w", err)
	}
	lcfg := audio.DefaultListenerConfig()
	lcfg.SampleRate = cfg.AudioSampleRate
	lcfg.StartFrames = cfg.VADStartFrames
	lcfg.EndFrames = cfg.VADEndFrames
	d.listener = audio.NewListener(d.vad, lcfg, d.onSpeechStart)

	if cfg.ArchiveAudio {
		if d.codec, err = audio.NewOpusCodec(cfg.AudioSampleRate); err != nil {
			return nil, err
		}
	}

	if d.transcriber, err = newTranscriber(cfg); err != nil {
		return nil, err
	}
	d.pool = stt.NewTranscriberPool(d.transcriber, cfg.MaxParallelSTT, policy)

	d.ctrl = state.New(state.Options{
		Announcer:       gate,
		Streamer:        guard,
		Voice:           d.voice,
		Prober:          camera.NewProber(d.source, d.detector),
		Playback:        d.playback.Events(),
		Recorder:        d.recorder,
		Metrics:         d.metrics,
		Clock:           d.clock,
		PresencePoll:    cfg.PresencePollInterval(),
		AnnounceTimeout: cfg.TurnTimeout(),
		Session:         conversation.ConfigFrom(cfg),
	})

	if cfg.HTTPAddr != "" {
		d.web = web.NewServer(web.Config{
			Addr:    cfg.HTTPAddr,
			Version: version,
			Clock:   d.clock,
		}, d.ctrl)
	}

	return d, nil
}

func newBackend(ctx context.Context, cfg *config.Config) (llm.Backend, error) {
	switch cfg.LLMBackend {
	case "gemini":
		c, err := gemini.New(ctx, cfg.LLMAPIKey, cfg.LLMModel)
		if err != nil {
			return nil, fmt.Errorf("failed to create Gemini client: %w", err)
		}
		return c, nil
	case "openai":
		opts := []openai.Option{openai.WithTimeout(cfg.TurnTimeout())}
		if cfg.LLMEndpoint != "" {
			opts = append(opts, openai.WithBaseURL(cfg.LLMEndpoint))
		}
		c, err := openai.New(cfg.LLMAPIKey, cfg.LLMModel, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OpenAI client: %w", err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unsupported LLM backend: %s", cfg.LLMBackend)
	}
}

func newSynthesizer(cfg *config.Config) (tts.Synthesizer, error) {
	switch cfg.TTSBackend {
	case "openai":
		s, err := ttsopenai.New(cfg.TTSAPIKey, cfg.TTSModel, cfg.TTSVoice)
		if err != nil {
			return nil, fmt.Errorf("failed to create TTS client: %w", err)
		}
		return s, nil
	case "none":
		return tts.Silent{}, nil
	default:
		return nil, fmt.Errorf("unsupported TTS backend: %s", cfg.TTSBackend)
	}
}

func newTranscriber(cfg *config.Config) (stt.Transcriber, error) {
	switch cfg.STTBackend {
	case "vosk":
		t, err := vosk.NewVoskTranscriber(cfg.VoskModelPath, cfg.AudioSampleRate)
		if err != nil {
			return nil, fmt.Errorf("failed to create Vosk transcriber: %w", err)
		}
		return t, nil
	case "deepgram":
		return deepgram.NewDeepgramTranscriber(cfg.DeepgramAPIKey, cfg.DeepgramTier, cfg.AudioSampleRate), nil
	default:
		return nil, fmt.Errorf("unsupported STT backend: %s", cfg.STTBackend)
	}
}

func (d *Device) onSpeechStart(at time.Time) {
	if d.playback.SpeechStart(at) {
		log.Info().Time("detected_at", at).Msg("Barge-in")
	}
}

// Run starts every loop and blocks until ctx is done or one of them fails
// for good.
func (d *Device) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return d.recorder.Run(ctx) })
	g.Go(func() error { return d.playback.Run(ctx) })
	g.Go(func() error { return d.voice.Run(ctx) })
	g.Go(func() error { return d.ctrl.Run(ctx) })

	g.Go(func() error {
		return supervise(ctx, "motion_watcher", func(ctx context.Context) error {
			return d.watcher.Run(ctx, func(ev motion.Event) { d.ctrl.Motion(ev) })
		})
	})

	g.Go(func() error { return d.mic.Run(ctx) })
	g.Go(func() error { return d.listener.Run(ctx, d.mic.Frames()) })

	if err := d.pool.Start(ctx); err != nil {
		return err
	}
	g.Go(func() error { return d.forwardChunks(ctx) })
	g.Go(func() error { return d.forwardUtterances(ctx) })

	if d.web != nil {
		g.Go(func() error { return d.web.Run(ctx) })
	}

	log.Info().Msg("Device running")

	err := g.Wait()
	d.pool.Stop()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// forwardChunks sends utterances heard during a conversation to STT and
// archives them when enabled.
func (d *Device) forwardChunks(ctx context.Context) error {
	for chunk := range d.listener.Chunks() {
		snap := d.ctrl.Snapshot()
		if snap.State != state.Conversation {
			continue
		}

		if d.codec != nil {
			d.archive(snap.SessionID, chunk)
		}

		if err := d.pool.Submit(&chunk); err != nil {
			log.Warn().Err(err).Msg("Dropped utterance chunk")
		}
	}
	return ctx.Err()
}

func (d *Device) archive(sessionID string, chunk audio.Chunk) {
	clip, err := d.codec.Encode(chunk.PCM)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to encode clip")
		return
	}
	path, err := d.store.SaveClip(chunk.ID, clip)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to save clip")
		return
	}
	d.recorder.Record(sessionID, "clip", map[string]any{
		"chunk_id": chunk.ID,
		"path":     path,
		"ts_start": chunk.Start,
		"ts_end":   chunk.End,
	})
}

func (d *Device) forwardUtterances(ctx context.Context) error {
	for {
		select {
		case u, ok := <-d.pool.Utterances():
			if !ok {
				return nil
			}
			if sessionID := d.ctrl.Snapshot().SessionID; sessionID != "" {
				d.recorder.Record(sessionID, "utterance", u)
			}
			if err := d.ctrl.Transcript(ctx, u.Text, u.TSEnd); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// supervise restarts fn after a pause while it keeps failing.
func supervise(ctx context.Context, name string, fn func(context.Context) error) error {
	for {
		err := fn(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Error().Err(err).Str("component", name).Dur("restart_in", restartDelay).Msg("Component stopped, restarting")

		select {
		case <-time.After(restartDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close releases devices and clients. It is safe on a partly built Device.
func (d *Device) Close() error {
	var errs []error
	if d.transcriber != nil {
		errs = append(errs, d.transcriber.Close())
	}
	if d.vad != nil {
		errs = append(errs, d.vad.Close())
	}
	if d.speaker != nil {
		d.speaker.Close()
	}
	if d.audioCtx != nil {
		d.audioCtx.Close()
	}
	if d.backend != nil {
		errs = append(errs, d.backend.Close())
	}
	if d.source != nil {
		errs = append(errs, d.source.Close())
	}
	if d.detector != nil {
		errs = append(errs, d.detector.Close())
	}
	if d.recorder != nil {
		d.recorder.Close()
	} else if d.store != nil {
		errs = append(errs, d.store.Close())
	}

	log.Info().Msg("Device closed")
	return errors.Join(errs...)
}
