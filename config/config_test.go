package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Service.Model != "stt-rt-v3" {
		t.Errorf("model = %q", cfg.Service.Model)
	}
	if cfg.Audio.SampleRate != 16000 || cfg.Audio.Channels != 1 {
		t.Errorf("audio = %+v", cfg.Audio)
	}
	if !cfg.Socket.Standby || cfg.Socket.KeepWarm {
		t.Errorf("socket policy = standby:%v keepWarm:%v", cfg.Socket.Standby, cfg.Socket.KeepWarm)
	}
	if got := cfg.Socket.StandbyTTL(); got != 60*time.Second {
		t.Errorf("StandbyTTL = %v", got)
	}
	if got := cfg.Socket.ActiveKeepalive(); got != 15*time.Second {
		t.Errorf("ActiveKeepalive = %v", got)
	}
	if got := cfg.VAD.SpeechSendFallback(); got != 120*time.Millisecond {
		t.Errorf("SpeechSendFallback = %v", got)
	}
	if got := cfg.Finalize.Tail(); got != 120*time.Millisecond {
		t.Errorf("Tail = %v", got)
	}
	if cfg.Finalize.MaxPolls != 40 || cfg.Finalize.ShortPolls != 20 {
		t.Errorf("polls = %d/%d", cfg.Finalize.MaxPolls, cfg.Finalize.ShortPolls)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults invalid: %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clio.yaml")
	body := `
service:
  language_hints: [en, zh]
  context: "Kubernetes, gRPC"
socket:
  keep_warm: true
  standby: false
finalize:
  tail_ms: 200
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Service.LanguageHints) != 2 || cfg.Service.LanguageHints[1] != "zh" {
		t.Errorf("hints = %v", cfg.Service.LanguageHints)
	}
	if cfg.Service.Context != "Kubernetes, gRPC" {
		t.Errorf("context = %q", cfg.Service.Context)
	}
	if !cfg.Socket.KeepWarm || cfg.Socket.Standby {
		t.Errorf("socket = %+v", cfg.Socket)
	}
	if cfg.Finalize.TailMs != 200 {
		t.Errorf("tail = %d", cfg.Finalize.TailMs)
	}
	// untouched keys keep defaults
	if cfg.Finalize.HardMs != 350 {
		t.Errorf("hard = %d, want default 350", cfg.Finalize.HardMs)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("CLIO_SOCKET_KEEP_WARM", "true")
	t.Setenv("CLIO_FINALIZE_FAST_SKIP", "false")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Socket.KeepWarm {
		t.Error("CLIO_SOCKET_KEEP_WARM not applied")
	}
	if cfg.Finalize.FastSkip {
		t.Error("CLIO_FINALIZE_FAST_SKIP not applied")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	for _, tt := range []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero sample rate", func(c *Config) { c.Audio.SampleRate = 0 }},
		{"three channels", func(c *Config) { c.Audio.Channels = 3 }},
		{"soft above hard", func(c *Config) { c.Finalize.SoftMs = 500; c.Finalize.HardMs = 100 }},
		{"no retries", func(c *Config) { c.Socket.MaxRetries = 0 }},
		{"empty model", func(c *Config) { c.Service.Model = "" }},
	} {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
				t.Errorf("Validate() = %v, want ErrInvalid", err)
			}
		})
	}
}
