package config

import (
	"testing"
	"time"
)

var gatewayEnvKeys = []string{
	"HEARTH_VOICE_ADDR",
	"HEARTH_VOICE_API_KEY",
	"HEARTH_VOICE_JWT_SECRET",
	"DEEPGRAM_API_KEY",
	"HEARTH_VOICE_STT_MODEL",
	"HEARTH_VOICE_STT_LANGUAGE",
	"HEARTH_VOICE_STT_SAMPLE_RATE",
	"HEARTH_VOICE_STT_BASE_URL",
	"CARTESIA_API_KEY",
	"HEARTH_VOICE_TTS_VOICE_ID",
	"HEARTH_VOICE_TTS_MODEL",
	"HEARTH_VOICE_TTS_SAMPLE_RATE",
	"HEARTH_VOICE_TTS_BASE_URL",
	"HEARTH_VOICE_REDIS_URL",
	"HEARTH_VOICE_DATABASE_URL",
	"HEARTH_VOICE_KEEPALIVE_INTERVAL",
	"HEARTH_VOICE_TTS_FLUSH_DELAY",
	"HEARTH_VOICE_WRITE_TIMEOUT",
	"HEARTH_VOICE_MAX_FRAME_BYTES",
	"HEARTH_VOICE_SHUTDOWN_GRACE_PERIOD",
}

func clearGatewayEnv(t *testing.T) {
	t.Helper()
	for _, key := range gatewayEnvKeys {
		t.Setenv(key, "")
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearGatewayEnv(t)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8090" {
		t.Fatalf("addr=%q", cfg.Addr)
	}
	if cfg.STTModel != "nova-2" || cfg.STTLanguage != "en-US" {
		t.Fatalf("stt defaults model=%q language=%q", cfg.STTModel, cfg.STTLanguage)
	}
	if cfg.STTSampleRate != 16000 || cfg.TTSSampleRate != 24000 {
		t.Fatalf("sample rates stt=%d tts=%d", cfg.STTSampleRate, cfg.TTSSampleRate)
	}
	if cfg.TTSModelID != "sonic-2" {
		t.Fatalf("tts model=%q", cfg.TTSModelID)
	}
	if cfg.KeepAliveInterval != 30*time.Second {
		t.Fatalf("keepalive=%v", cfg.KeepAliveInterval)
	}
	if cfg.FlushDelay != 150*time.Millisecond {
		t.Fatalf("flush delay=%v", cfg.FlushDelay)
	}
	if cfg.MaxFrameBytes != 1<<20 {
		t.Fatalf("max frame=%d", cfg.MaxFrameBytes)
	}
	if cfg.RedisURL != "" || cfg.DatabaseURL != "" {
		t.Fatalf("optional backends must default to disabled")
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	clearGatewayEnv(t)
	t.Setenv("HEARTH_VOICE_ADDR", "127.0.0.1:9000")
	t.Setenv("HEARTH_VOICE_API_KEY", "key-1")
	t.Setenv("DEEPGRAM_API_KEY", "dg-1")
	t.Setenv("HEARTH_VOICE_STT_MODEL", "nova-3")
	t.Setenv("HEARTH_VOICE_KEEPALIVE_INTERVAL", "10s")
	t.Setenv("HEARTH_VOICE_REDIS_URL", "redis://localhost:6379/0")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != "127.0.0.1:9000" {
		t.Fatalf("addr=%q", cfg.Addr)
	}
	if cfg.APIKey != "key-1" || cfg.DeepgramAPIKey != "dg-1" {
		t.Fatalf("keys api=%q deepgram=%q", cfg.APIKey, cfg.DeepgramAPIKey)
	}
	if cfg.STTModel != "nova-3" {
		t.Fatalf("model=%q", cfg.STTModel)
	}
	if cfg.KeepAliveInterval != 10*time.Second {
		t.Fatalf("keepalive=%v", cfg.KeepAliveInterval)
	}
	if cfg.RedisURL != "redis://localhost:6379/0" {
		t.Fatalf("redis url=%q", cfg.RedisURL)
	}
}

func TestLoadFromEnv_UnparsableFallsBack(t *testing.T) {
	clearGatewayEnv(t)
	t.Setenv("HEARTH_VOICE_KEEPALIVE_INTERVAL", "whenever")
	t.Setenv("HEARTH_VOICE_STT_SAMPLE_RATE", "many")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.KeepAliveInterval != 30*time.Second {
		t.Fatalf("keepalive=%v, want default", cfg.KeepAliveInterval)
	}
	if cfg.STTSampleRate != 16000 {
		t.Fatalf("sample rate=%d, want default", cfg.STTSampleRate)
	}
}

func TestLoadFromEnv_RejectsInvalid(t *testing.T) {
	clearGatewayEnv(t)
	t.Setenv("HEARTH_VOICE_KEEPALIVE_INTERVAL", "-5s")
	if _, err := LoadFromEnv(); err == nil {
		t.Fatalf("negative keepalive must be rejected")
	}
}
