package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Session.HistoryLimit != 10 {
		t.Fatalf("expected default history limit 10, got %d", cfg.Session.HistoryLimit)
	}
	if cfg.Voice.FrameDurationMS != 30 {
		t.Fatalf("expected default frame duration 30, got %d", cfg.Voice.FrameDurationMS)
	}
	if cfg.Voice.SilenceFrames != 10 {
		t.Fatalf("expected default silence frames 10, got %d", cfg.Voice.SilenceFrames)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := []byte(`
runtime_name: evolvia-test
session:
  history_limit: 4
  delta_pacing_ms: 0
voice:
  frame_duration_ms: 20
  silence_frames: 5
`)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RuntimeName != "evolvia-test" {
		t.Fatalf("expected runtime name from file, got %q", cfg.RuntimeName)
	}
	if cfg.Session.HistoryLimit != 4 || cfg.Session.DeltaPacingMS != 0 {
		t.Fatalf("expected session overrides from file, got %+v", cfg.Session)
	}
	if cfg.Voice.FrameDurationMS != 20 || cfg.Voice.SilenceFrames != 5 {
		t.Fatalf("expected voice overrides from file, got %+v", cfg.Voice)
	}
	if cfg.HTTP.Port != 8080 {
		t.Fatalf("expected untouched defaults to survive, got port %d", cfg.HTTP.Port)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("EVOLVIA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("EVOLVIA_BUS_USERNAME", "alice")
	t.Setenv("EVOLVIA_BUS_PASSWORD", "secret")
	t.Setenv("EVOLVIA_BUS_TLS_INSECURE", "true")
	t.Setenv("EVOLVIA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("EVOLVIA_SESSION_STORE_PATH", "./tmp.db")
	t.Setenv("EVOLVIA_SESSION_STORE_RETENTION_MODE", "ephemeral")
	t.Setenv("EVOLVIA_SESSION_STORE_MAX_SESSIONS", "123")
	t.Setenv("EVOLVIA_SESSION_STORE_VACUUM_ON_START", "true")
	t.Setenv("EVOLVIA_SESSION_HISTORY_LIMIT", "6")
	t.Setenv("EVOLVIA_SESSION_DEFAULT_DIFFICULTY", "3")
	t.Setenv("EVOLVIA_VOICE_SILENCE_FRAMES", "15")
	t.Setenv("EVOLVIA_LLM_TEMPERATURE", "0.2")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.SessionStore.Path != "./tmp.db" {
		t.Fatalf("expected session store path override")
	}
	if cfg.SessionStore.RetentionMode != "ephemeral" {
		t.Fatalf("expected session store retention mode override")
	}
	if cfg.SessionStore.MaxSessions != 123 {
		t.Fatalf("expected session store max sessions override")
	}
	if !cfg.SessionStore.VacuumOnStart {
		t.Fatalf("expected session store vacuum flag override")
	}
	if cfg.Session.HistoryLimit != 6 {
		t.Fatalf("expected history limit override, got %d", cfg.Session.HistoryLimit)
	}
	if cfg.Session.DefaultDifficulty != 3 {
		t.Fatalf("expected default difficulty override, got %d", cfg.Session.DefaultDifficulty)
	}
	if cfg.Voice.SilenceFrames != 15 {
		t.Fatalf("expected silence frames override, got %d", cfg.Voice.SilenceFrames)
	}
	if cfg.LLM.Temperature != 0.2 {
		t.Fatalf("expected temperature override, got %v", cfg.LLM.Temperature)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad frame duration", func(c *Config) { c.Voice.FrameDurationMS = 25 }},
		{"bad retention mode", func(c *Config) { c.SessionStore.RetentionMode = "weekly" }},
		{"zero history limit", func(c *Config) { c.Session.HistoryLimit = 0 }},
		{"difficulty out of range", func(c *Config) { c.Session.DefaultDifficulty = 9 }},
		{"unknown vad mode", func(c *Config) { c.Voice.VADMode = "webrtc" }},
		{"exec llm without command", func(c *Config) { c.LLM.Enabled = true; c.LLM.Mode = "exec" }},
		{"exec tts without command", func(c *Config) { c.TTS.Enabled = true; c.TTS.Mode = "exec" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
