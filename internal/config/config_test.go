package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	// Set required environment variables
	os.Setenv("GEMINI_API_KEY", "test-gemini-key")
	defer os.Unsetenv("GEMINI_API_KEY")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.GeminiAPIKey != "test-gemini-key" {
		t.Errorf("Expected GeminiAPIKey 'test-gemini-key', got '%s'", cfg.GeminiAPIKey)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	// Clear environment variables
	os.Unsetenv("GEMINI_API_KEY")

	_, err := LoadFromEnv()
	if err == nil {
		t.Error("Expected error when GEMINI_API_KEY is missing")
	}
}

func TestLoad_Defaults(t *testing.T) {
	os.Setenv("GEMINI_API_KEY", "test-gemini-key")
	defer os.Unsetenv("GEMINI_API_KEY")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	// Check defaults
	if cfg.Port != "8080" {
		t.Errorf("Expected default Port '8080', got '%s'", cfg.Port)
	}

	if cfg.TutorModel != "gemini-2.5-flash-native-audio-preview-12-2025" {
		t.Errorf("Unexpected default TutorModel '%s'", cfg.TutorModel)
	}

	if cfg.TutorVoice != "Puck" {
		t.Errorf("Expected default TutorVoice 'Puck', got '%s'", cfg.TutorVoice)
	}

	if cfg.TutorSystemInstruction != DefaultSystemInstruction {
		t.Errorf("Expected default system instruction, got '%s'", cfg.TutorSystemInstruction)
	}

	if cfg.CaptureSampleRate != 16000 {
		t.Errorf("Expected default CaptureSampleRate 16000, got %d", cfg.CaptureSampleRate)
	}

	if cfg.CaptureBlockSize != 4096 {
		t.Errorf("Expected default CaptureBlockSize 4096, got %d", cfg.CaptureBlockSize)
	}

	if cfg.PlaybackSampleRate != 24000 {
		t.Errorf("Expected default PlaybackSampleRate 24000, got %d", cfg.PlaybackSampleRate)
	}

	if cfg.PlaybackChannels != 1 {
		t.Errorf("Expected default PlaybackChannels 1, got %d", cfg.PlaybackChannels)
	}

	if cfg.ConnectMaxAttempts != 1 {
		t.Errorf("Expected default ConnectMaxAttempts 1, got %d", cfg.ConnectMaxAttempts)
	}

	if cfg.IdleTimeout() != 60*time.Second {
		t.Errorf("Expected default idle timeout 60s, got %v", cfg.IdleTimeout())
	}

	if cfg.CaptionsEnabled() {
		t.Error("Expected captions to be disabled without DEEPGRAM_API_KEY")
	}
}

func TestLoad_InvalidBlockSize(t *testing.T) {
	os.Setenv("GEMINI_API_KEY", "test-gemini-key")
	os.Setenv("CAPTURE_BLOCK_SIZE", "0")
	defer os.Unsetenv("GEMINI_API_KEY")
	defer os.Unsetenv("CAPTURE_BLOCK_SIZE")

	if _, err := LoadFromEnv(); err == nil {
		t.Error("Expected error for zero CAPTURE_BLOCK_SIZE")
	}
}

func TestLoad_InvalidChannels(t *testing.T) {
	os.Setenv("GEMINI_API_KEY", "test-gemini-key")
	os.Setenv("PLAYBACK_CHANNELS", "6")
	defer os.Unsetenv("GEMINI_API_KEY")
	defer os.Unsetenv("PLAYBACK_CHANNELS")

	if _, err := LoadFromEnv(); err == nil {
		t.Error("Expected error for 6 playback channels")
	}
}

func TestLoad_CustomInstruction(t *testing.T) {
	os.Setenv("GEMINI_API_KEY", "test-gemini-key")
	os.Setenv("TUTOR_SYSTEM_INSTRUCTION", "Be brief.")
	defer os.Unsetenv("GEMINI_API_KEY")
	defer os.Unsetenv("TUTOR_SYSTEM_INSTRUCTION")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	if cfg.TutorSystemInstruction != "Be brief." {
		t.Errorf("Expected custom instruction, got '%s'", cfg.TutorSystemInstruction)
	}
}

func TestGetEnv(t *testing.T) {
	os.Setenv("TEST_KEY", "test-value")
	defer os.Unsetenv("TEST_KEY")

	value := GetEnv("TEST_KEY", "default")
	if value != "test-value" {
		t.Errorf("Expected 'test-value', got '%s'", value)
	}

	value = GetEnv("NON_EXISTENT_KEY", "default")
	if value != "default" {
		t.Errorf("Expected 'default', got '%s'", value)
	}
}

func TestConfig_ResilienceDefaults(t *testing.T) {
	os.Setenv("GEMINI_API_KEY", "test-gemini-key")
	defer os.Unsetenv("GEMINI_API_KEY")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	// Check resilience defaults
	if cfg.CircuitBreakerMaxFailures != 5 {
		t.Errorf("Expected default CircuitBreakerMaxFailures 5, got %d", cfg.CircuitBreakerMaxFailures)
	}

	if cfg.CircuitBreakerResetTimeout != 30 {
		t.Errorf("Expected default CircuitBreakerResetTimeout 30, got %d", cfg.CircuitBreakerResetTimeout)
	}

	if cfg.RetryMaxAttempts != 3 {
		t.Errorf("Expected default RetryMaxAttempts 3, got %d", cfg.RetryMaxAttempts)
	}

	if cfg.ReconnectMaxAttempts != 5 {
		t.Errorf("Expected default ReconnectMaxAttempts 5, got %d", cfg.ReconnectMaxAttempts)
	}
}

func TestConfig_ObservabilityDefaults(t *testing.T) {
	os.Setenv("GEMINI_API_KEY", "test-gemini-key")
	// Clear LOG_LEVEL to ensure we get the default
	os.Unsetenv("LOG_LEVEL")
	defer os.Unsetenv("GEMINI_API_KEY")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("Expected default LogLevel 'info', got '%s'", cfg.LogLevel)
	}

	if cfg.LogPretty {
		t.Error("Expected default LogPretty false, got true")
	}

	if !cfg.MetricsEnabled {
		t.Error("Expected default MetricsEnabled true, got false")
	}
}
