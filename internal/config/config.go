package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

const (
	KeepAlivePersonOrVehicle = "person_or_vehicle"
	KeepAlivePersonOnly      = "person_only"
)

type Config struct {
	// LLM
	LLMBackend         string // "gemini" or "openai"
	LLMAPIKey          string
	LLMEndpoint        string
	LLMModel           string
	LLMTurnTimeoutSecs int

	// TTS
	TTSBackend string // "openai" or "none"
	TTSAPIKey  string
	TTSModel   string
	TTSVoice   string
	TTSChunkMS int

	// STT Backend
	STTBackend     string // "vosk" or "deepgram"
	VoskModelPath  string
	DeepgramAPIKey string
	DeepgramTier   string
	MaxParallelSTT int

	// Audio
	AudioSampleRate int
	VADMode         int
	VADStartFrames  int
	VADEndFrames    int
	ArchiveAudio    bool
	// BargeInHoldoffMS ignores speech starts this soon after a response
	// begins playing. 0 halts on any speech start.
	BargeInHoldoffMS int

	// Vision
	CameraIndex           int
	FrameWidth            int
	FrameHeight           int
	TargetFPS             int
	SnapshotDir           string
	DetectorModelPath     string
	DetectorMinConfidence float64

	// Motion
	MotionAreaThreshold  int
	MotionRequiredFrames int
	CooldownSeconds      int

	// Announce
	QuietHoursStart             string
	QuietHoursEnd               string
	AnnounceMinConfidence       float64
	AnnounceRepeatWindowSeconds int
	AnnounceLLMRequiresRepeat   bool

	// Conversation
	PresenceConfidenceThreshold float64
	AbsenceMissesRequired       int
	KeepAliveClassMode          string
	PresencePollSeconds         int
	AbsenceTimeoutSeconds       int
	NoSpeechTimeoutSeconds      int
	MaxSessionSeconds           int

	// Runtime
	DataDir         string
	HTTPAddr        string
	DebugInvariants bool

	// Logging
	LogLevel   string
	LogFile    string
	LogConsole bool

	quietHours QuietHours
}

func Load() (*Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("No .env file found, using environment variables only")
	}
	return FromEnv()
}

// FromEnv builds a Config from the process environment without touching .env.
func FromEnv() (*Config, error) {
	p := &parser{}

	cfg := &Config{
		// LLM
		LLMBackend:         getEnvOrDefault("LLM_BACKEND", "gemini"),
		LLMAPIKey:          os.Getenv("LLM_API_KEY"),
		LLMEndpoint:        os.Getenv("LLM_ENDPOINT"),
		LLMModel:           os.Getenv("LLM_MODEL"),
		LLMTurnTimeoutSecs: p.getIntEnvOrDefault("LLM_TURN_TIMEOUT_SECONDS", 30),

		// TTS
		TTSBackend: getEnvOrDefault("TTS_BACKEND", "openai"),
		TTSAPIKey:  os.Getenv("TTS_API_KEY"),
		TTSModel:   getEnvOrDefault("TTS_MODEL", "gpt-4o-mini-tts"),
		TTSVoice:   getEnvOrDefault("TTS_VOICE", "alloy"),
		TTSChunkMS: p.getIntEnvOrDefault("TTS_CHUNK_MS", 40),

		// STT
		STTBackend:     getEnvOrDefault("STT_BACKEND", "vosk"),
		VoskModelPath:  getEnvOrDefault("VOSK_MODEL_PATH", "./models/vosk/en"),
		DeepgramAPIKey: os.Getenv("DEEPGRAM_API_KEY"),
		DeepgramTier:   getEnvOrDefault("DEEPGRAM_TIER", "nova-2"),
		MaxParallelSTT: p.getIntEnvOrDefault("MAX_PARALLEL_STT", 1),

		// Audio
		AudioSampleRate:  p.getIntEnvOrDefault("AUDIO_SAMPLE_RATE", 16000),
		VADMode:          p.getIntEnvOrDefault("VAD_MODE", 2),
		VADStartFrames:   p.getIntEnvOrDefault("VAD_START_FRAMES", 3),
		VADEndFrames:     p.getIntEnvOrDefault("VAD_END_FRAMES", 25),
		ArchiveAudio:     p.getBoolEnvOrDefault("ARCHIVE_AUDIO", false),
		BargeInHoldoffMS: p.getIntEnvOrDefault("BARGE_IN_HOLDOFF_MS", 0),

		// Vision
		CameraIndex:           p.getIntEnvOrDefault("CAMERA_INDEX", 0),
		FrameWidth:            p.getIntEnvOrDefault("FRAME_WIDTH", 320),
		FrameHeight:           p.getIntEnvOrDefault("FRAME_HEIGHT", 240),
		TargetFPS:             p.getIntEnvOrDefault("TARGET_FPS", 10),
		SnapshotDir:           getEnvOrDefault("SNAPSHOT_DIR", "/tmp"),
		DetectorModelPath:     getEnvOrDefault("DETECTOR_MODEL_PATH", "./models/yolov8n.onnx"),
		DetectorMinConfidence: p.getFloatEnvOrDefault("DETECTOR_MIN_CONFIDENCE", 0.25),

		// Motion
		MotionAreaThreshold:  p.getIntEnvOrDefault("MOTION_AREA_THRESHOLD", 500),
		MotionRequiredFrames: p.getIntEnvOrDefault("MOTION_REQUIRED_FRAMES", 6),
		CooldownSeconds:      p.getIntEnvOrDefault("COOLDOWN_SECONDS", 8),

		// Announce
		QuietHoursStart:             getEnvOrDefault("QUIET_HOURS_START", "22:00"),
		QuietHoursEnd:               getEnvOrDefault("QUIET_HOURS_END", "07:00"),
		AnnounceMinConfidence:       p.getFloatEnvOrDefault("ANNOUNCE_MIN_CONFIDENCE", 0.60),
		AnnounceRepeatWindowSeconds: p.getIntEnvOrDefault("ANNOUNCE_REPEAT_WINDOW_SECONDS", 30),
		AnnounceLLMRequiresRepeat:   p.getBoolEnvOrDefault("ANNOUNCE_LLM_REQUIRES_REPEAT", false),

		// Conversation
		PresenceConfidenceThreshold: p.getFloatEnvOrDefault("CONVERSATION_PRESENCE_CONFIDENCE_THRESHOLD", 0.65),
		AbsenceMissesRequired:       p.getIntEnvOrDefault("CONVERSATION_ABSENCE_MISSES_REQUIRED", 3),
		KeepAliveClassMode:          getEnvOrDefault("CONVERSATION_KEEPALIVE_CLASS_MODE", KeepAlivePersonOrVehicle),
		PresencePollSeconds:         p.getIntEnvOrDefault("PRESENCE_POLL_SECONDS", 2),
		AbsenceTimeoutSeconds:       p.getIntEnvOrDefault("ABSENCE_TIMEOUT_SECONDS", 20),
		NoSpeechTimeoutSeconds:      p.getIntEnvOrDefault("NO_SPEECH_TIMEOUT_SECONDS", 60),
		MaxSessionSeconds:           p.getIntEnvOrDefault("MAX_SESSION_SECONDS", 300),

		// Runtime
		DataDir:         getEnvOrDefault("DATA_DIR", "./data"),
		HTTPAddr:        getEnvOrDefault("HTTP_ADDR", ":8080"),
		DebugInvariants: p.getBoolEnvOrDefault("DEBUG_INVARIANTS", false),

		// Logging
		LogLevel:   getEnvOrDefault("LOG_LEVEL", "info"),
		LogFile:    getEnvOrDefault("LOG_FILE", "/var/log/jarvis.log"),
		LogConsole: p.getBoolEnvOrDefault("LOG_CONSOLE", false),
	}

	if cfg.LLMModel == "" {
		cfg.LLMModel = defaultModel(cfg.LLMBackend)
	}
	if cfg.TTSAPIKey == "" {
		cfg.TTSAPIKey = cfg.LLMAPIKey
	}

	if err := errors.Join(append(p.errs, cfg.validate())...); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error

	positive := []struct {
		key   string
		value int
	}{
		{"MOTION_AREA_THRESHOLD", c.MotionAreaThreshold},
		{"MOTION_REQUIRED_FRAMES", c.MotionRequiredFrames},
		{"COOLDOWN_SECONDS", c.CooldownSeconds},
		{"ANNOUNCE_REPEAT_WINDOW_SECONDS", c.AnnounceRepeatWindowSeconds},
		{"CONVERSATION_ABSENCE_MISSES_REQUIRED", c.AbsenceMissesRequired},
		{"PRESENCE_POLL_SECONDS", c.PresencePollSeconds},
		{"ABSENCE_TIMEOUT_SECONDS", c.AbsenceTimeoutSeconds},
		{"NO_SPEECH_TIMEOUT_SECONDS", c.NoSpeechTimeoutSeconds},
		{"MAX_SESSION_SECONDS", c.MaxSessionSeconds},
		{"LLM_TURN_TIMEOUT_SECONDS", c.LLMTurnTimeoutSecs},
		{"TTS_CHUNK_MS", c.TTSChunkMS},
		{"AUDIO_SAMPLE_RATE", c.AudioSampleRate},
		{"VAD_START_FRAMES", c.VADStartFrames},
		{"VAD_END_FRAMES", c.VADEndFrames},
		{"MAX_PARALLEL_STT", c.MaxParallelSTT},
		{"TARGET_FPS", c.TargetFPS},
	}
	for _, p := range positive {
		if p.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", p.key))
		}
	}
	if c.BargeInHoldoffMS < 0 {
		errs = append(errs, fmt.Errorf("BARGE_IN_HOLDOFF_MS must not be negative"))
	}

	unit := []struct {
		key   string
		value float64
	}{
		{"ANNOUNCE_MIN_CONFIDENCE", c.AnnounceMinConfidence},
		{"CONVERSATION_PRESENCE_CONFIDENCE_THRESHOLD", c.PresenceConfidenceThreshold},
		{"DETECTOR_MIN_CONFIDENCE", c.DetectorMinConfidence},
	}
	for _, u := range unit {
		if !(u.value >= 0 && u.value <= 1) {
			errs = append(errs, fmt.Errorf("%s must be in [0, 1]", u.key))
		}
	}

	if c.KeepAliveClassMode != KeepAlivePersonOrVehicle && c.KeepAliveClassMode != KeepAlivePersonOnly {
		errs = append(errs, fmt.Errorf("CONVERSATION_KEEPALIVE_CLASS_MODE must be person_or_vehicle or person_only"))
	}

	if c.VADMode < 0 || c.VADMode > 3 {
		errs = append(errs, fmt.Errorf("VAD_MODE must be between 0 and 3"))
	}

	if c.STTBackend != "vosk" && c.STTBackend != "deepgram" {
		errs = append(errs, fmt.Errorf("STT_BACKEND must be 'vosk' or 'deepgram'"))
	}
	if c.STTBackend == "deepgram" && c.DeepgramAPIKey == "" {
		errs = append(errs, fmt.Errorf("DEEPGRAM_API_KEY is required when using deepgram backend"))
	}

	if c.LLMBackend != "gemini" && c.LLMBackend != "openai" {
		errs = append(errs, fmt.Errorf("LLM_BACKEND must be 'gemini' or 'openai'"))
	}

	if c.TTSBackend != "openai" && c.TTSBackend != "none" {
		errs = append(errs, fmt.Errorf("TTS_BACKEND must be 'openai' or 'none'"))
	}

	quiet, err := ParseQuietHours(c.QuietHoursStart, c.QuietHoursEnd)
	if err != nil {
		errs = append(errs, err)
	}
	c.quietHours = quiet

	return errors.Join(errs...)
}

// QuietHours returns the parsed quiet-hours window.
func (c *Config) QuietHours() QuietHours {
	return c.quietHours
}

func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

func (c *Config) RepeatWindow() time.Duration {
	return time.Duration(c.AnnounceRepeatWindowSeconds) * time.Second
}

func (c *Config) PresencePollInterval() time.Duration {
	return time.Duration(c.PresencePollSeconds) * time.Second
}

func (c *Config) AbsenceTimeout() time.Duration {
	return time.Duration(c.AbsenceTimeoutSeconds) * time.Second
}

func (c *Config) NoSpeechTimeout() time.Duration {
	return time.Duration(c.NoSpeechTimeoutSeconds) * time.Second
}

func (c *Config) MaxSession() time.Duration {
	return time.Duration(c.MaxSessionSeconds) * time.Second
}

func (c *Config) BargeInHoldoff() time.Duration {
	return time.Duration(c.BargeInHoldoffMS) * time.Millisecond
}

func (c *Config) TurnTimeout() time.Duration {
	return time.Duration(c.LLMTurnTimeoutSecs) * time.Second
}

func defaultModel(backend string) string {
	if backend == "openai" {
		return "gpt-4o-mini"
	}
	return "gemini-2.5-flash"
}

// parser collects malformed values so they surface as validation errors
// instead of silently falling back to defaults.
type parser struct {
	errs []error
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func (p *parser) getIntEnvOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		intVal, err := strconv.Atoi(value)
		if err != nil {
			p.errs = append(p.errs, fmt.Errorf("%s must be an integer, got %q", key, value))
			return defaultValue
		}
		return intVal
	}
	return defaultValue
}

func (p *parser) getFloatEnvOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		floatVal, err := strconv.ParseFloat(value, 64)
		if err != nil {
			p.errs = append(p.errs, fmt.Errorf("%s must be a number, got %q", key, value))
			return defaultValue
		}
		return floatVal
	}
	return defaultValue
}

func (p *parser) getBoolEnvOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		boolVal, err := strconv.ParseBool(value)
		if err != nil {
			p.errs = append(p.errs, fmt.Errorf("%s must be a boolean, got %q", key, value))
			return defaultValue
		}
		return boolVal
	}
	return defaultValue
}
