// Package config loads the voice gateway configuration from the
// environment. Every setting has a HEARTH_VOICE_* variable; unset or
// unparsable values fall back to the documented default. Validation
// happens once at load, so the rest of the process can trust the Config.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr string

	// Auth. Either credential carrier may be empty; with both empty
	// every upgrade is rejected.
	APIKey    string
	JWTSecret string

	// Speech-to-text upstream (Deepgram live).
	DeepgramAPIKey string
	STTModel       string
	STTLanguage    string
	STTSampleRate  int
	STTBaseURL     string

	// Text-to-speech upstream (Cartesia).
	CartesiaAPIKey string
	TTSVoiceID     string
	TTSModelID     string
	TTSSampleRate  int
	TTSBaseURL     string

	// Reply routing between gateway processes. Empty disables Redis
	// and routing stays in-process.
	RedisURL string

	// Optional turn history. Empty disables persistence.
	DatabaseURL string

	// Connection behaviour.
	KeepAliveInterval time.Duration
	FlushDelay        time.Duration
	WriteTimeout      time.Duration
	MaxFrameBytes     int64

	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                envOr("HEARTH_VOICE_ADDR", ":8090"),
		APIKey:              os.Getenv("HEARTH_VOICE_API_KEY"),
		JWTSecret:           os.Getenv("HEARTH_VOICE_JWT_SECRET"),
		DeepgramAPIKey:      os.Getenv("DEEPGRAM_API_KEY"),
		STTModel:            envOr("HEARTH_VOICE_STT_MODEL", "nova-2"),
		STTLanguage:         envOr("HEARTH_VOICE_STT_LANGUAGE", "en-US"),
		STTSampleRate:       envIntOr("HEARTH_VOICE_STT_SAMPLE_RATE", 16000),
		STTBaseURL:          envOr("HEARTH_VOICE_STT_BASE_URL", ""),
		CartesiaAPIKey:      os.Getenv("CARTESIA_API_KEY"),
		TTSVoiceID:          os.Getenv("HEARTH_VOICE_TTS_VOICE_ID"),
		TTSModelID:          envOr("HEARTH_VOICE_TTS_MODEL", "sonic-2"),
		TTSSampleRate:       envIntOr("HEARTH_VOICE_TTS_SAMPLE_RATE", 24000),
		TTSBaseURL:          envOr("HEARTH_VOICE_TTS_BASE_URL", ""),
		RedisURL:            os.Getenv("HEARTH_VOICE_REDIS_URL"),
		DatabaseURL:         os.Getenv("HEARTH_VOICE_DATABASE_URL"),
		KeepAliveInterval:   envDurationOr("HEARTH_VOICE_KEEPALIVE_INTERVAL", 30*time.Second),
		FlushDelay:          envDurationOr("HEARTH_VOICE_TTS_FLUSH_DELAY", 150*time.Millisecond),
		WriteTimeout:        envDurationOr("HEARTH_VOICE_WRITE_TIMEOUT", 5*time.Second),
		MaxFrameBytes:       envInt64Or("HEARTH_VOICE_MAX_FRAME_BYTES", 1<<20), // 1 MiB
		ShutdownGracePeriod: envDurationOr("HEARTH_VOICE_SHUTDOWN_GRACE_PERIOD", 15*time.Second),
	}

	if cfg.STTSampleRate <= 0 {
		return Config{}, fmt.Errorf("HEARTH_VOICE_STT_SAMPLE_RATE must be > 0")
	}
	if cfg.TTSSampleRate <= 0 {
		return Config{}, fmt.Errorf("HEARTH_VOICE_TTS_SAMPLE_RATE must be > 0")
	}
	if cfg.KeepAliveInterval <= 0 {
		return Config{}, fmt.Errorf("HEARTH_VOICE_KEEPALIVE_INTERVAL must be > 0")
	}
	if cfg.FlushDelay < 0 {
		return Config{}, fmt.Errorf("HEARTH_VOICE_TTS_FLUSH_DELAY must be >= 0")
	}
	if cfg.WriteTimeout <= 0 {
		return Config{}, fmt.Errorf("HEARTH_VOICE_WRITE_TIMEOUT must be > 0")
	}
	if cfg.MaxFrameBytes <= 0 {
		return Config{}, fmt.Errorf("HEARTH_VOICE_MAX_FRAME_BYTES must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("HEARTH_VOICE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
