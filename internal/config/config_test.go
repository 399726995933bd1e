package config

import (
	"os"
	"testing"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	os.Setenv("DEEPGRAM_API_KEY", "test-deepgram-key")
	os.Setenv("CARTESIA_API_KEY", "test-cartesia-key")
	os.Setenv("OPENAI_API_KEY", "test-openai-key")
	t.Cleanup(func() {
		os.Unsetenv("DEEPGRAM_API_KEY")
		os.Unsetenv("CARTESIA_API_KEY")
		os.Unsetenv("OPENAI_API_KEY")
	})
}

func TestLoad(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.DeepgramAPIKey != "test-deepgram-key" {
		t.Errorf("Expected DeepgramAPIKey 'test-deepgram-key', got '%s'", cfg.DeepgramAPIKey)
	}

	if cfg.CartesiaAPIKey != "test-cartesia-key" {
		t.Errorf("Expected CartesiaAPIKey 'test-cartesia-key', got '%s'", cfg.CartesiaAPIKey)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	os.Unsetenv("DEEPGRAM_API_KEY")
	os.Unsetenv("CARTESIA_API_KEY")
	os.Unsetenv("OPENAI_API_KEY")
	os.Setenv("STT_ENGINE", "deepgram")
	os.Setenv("AGENT_RUNTIME", "openai")
	defer os.Unsetenv("STT_ENGINE")
	defer os.Unsetenv("AGENT_RUNTIME")

	_, err := Load()
	if err == nil {
		t.Error("Expected error when required keys are missing")
	}
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Expected default Port '8080', got '%s'", cfg.Port)
	}

	if cfg.DeepgramModel != "nova-2" {
		t.Errorf("Expected default DeepgramModel 'nova-2', got '%s'", cfg.DeepgramModel)
	}

	if cfg.CartesiaVoiceID != "sonic-english" {
		t.Errorf("Expected default CartesiaVoiceID 'sonic-english', got '%s'", cfg.CartesiaVoiceID)
	}

	if cfg.OrchestratorURL != "localhost:50051" {
		t.Errorf("Expected default OrchestratorURL 'localhost:50051', got '%s'", cfg.OrchestratorURL)
	}

	if cfg.AudioBufferSize != 8192 {
		t.Errorf("Expected default AudioBufferSize 8192, got %d", cfg.AudioBufferSize)
	}

	if cfg.VADDefaultThreshold != 500.0 {
		t.Errorf("Expected default VADDefaultThreshold 500.0, got %f", cfg.VADDefaultThreshold)
	}

	if cfg.EOTThreshold != 0.30 {
		t.Errorf("Expected default EOTThreshold 0.30, got %f", cfg.EOTThreshold)
	}

	if cfg.EOTShortInputThreshold != 0.15 {
		t.Errorf("Expected default EOTShortInputThreshold 0.15, got %f", cfg.EOTShortInputThreshold)
	}

	if cfg.SilenceFallbackS != 1.2 {
		t.Errorf("Expected default SilenceFallbackS 1.2, got %f", cfg.SilenceFallbackS)
	}

	if cfg.MaxBufferAgeS != 2.5 {
		t.Errorf("Expected default MaxBufferAgeS 2.5, got %f", cfg.MaxBufferAgeS)
	}

	if cfg.NoInputTimeoutS != 5.0 {
		t.Errorf("Expected default NoInputTimeoutS 5.0, got %f", cfg.NoInputTimeoutS)
	}
}

func TestLoadFromEnv(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	if cfg.DeepgramAPIKey != "test-deepgram-key" {
		t.Errorf("Expected DeepgramAPIKey 'test-deepgram-key', got '%s'", cfg.DeepgramAPIKey)
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
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.CircuitBreakerMaxFailures != 5 {
		t.Errorf("Expected default CircuitBreakerMaxFailures 5, got %d", cfg.CircuitBreakerMaxFailures)
	}

	if cfg.RetryMaxAttempts != 3 {
		t.Errorf("Expected default RetryMaxAttempts 3, got %d", cfg.RetryMaxAttempts)
	}

	if cfg.ReconnectMaxAttempts != 5 {
		t.Errorf("Expected default ReconnectMaxAttempts 5, got %d", cfg.ReconnectMaxAttempts)
	}
}

func TestConfig_RecoveryDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.RecoveryMinDurationS != 10.0 {
		t.Errorf("Expected default RecoveryMinDurationS 10.0, got %f", cfg.RecoveryMinDurationS)
	}

	if cfg.RecoveryMaxRetries != 2 {
		t.Errorf("Expected default RecoveryMaxRetries 2, got %d", cfg.RecoveryMaxRetries)
	}

	if cfg.RecoveryRetryDelayS != 300.0 {
		t.Errorf("Expected default RecoveryRetryDelayS 300.0, got %f", cfg.RecoveryRetryDelayS)
	}
}

func TestConfig_ObservabilityDefaults(t *testing.T) {
	setRequiredEnv(t)
	os.Unsetenv("LOG_LEVEL")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
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
