// Package config loads the immutable settings snapshot handed to the
// streaming session at construction. Durations are stored as integer
// milliseconds and exposed through helper methods.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Service   ServiceConfig   `mapstructure:"service"`
	Audio     AudioConfig     `mapstructure:"audio"`
	Socket    SocketConfig    `mapstructure:"socket"`
	VAD       VADConfig       `mapstructure:"vad"`
	Finalize  FinalizeConfig  `mapstructure:"finalize"`
	Network   NetworkConfig   `mapstructure:"network"`
	Watchdog  WatchdogConfig  `mapstructure:"watchdog"`
	Recording RecordingConfig `mapstructure:"recording"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServiceConfig struct {
	URL           string   `mapstructure:"url"`
	Model         string   `mapstructure:"model"`
	LanguageHints []string `mapstructure:"language_hints"`
	Context       string   `mapstructure:"context"`
	APIKeyEnv     string   `mapstructure:"api_key_env"`
	TempKeyURL    string   `mapstructure:"temp_key_url"`
}

type AudioConfig struct {
	SampleRate int    `mapstructure:"sample_rate"`
	Channels   int    `mapstructure:"channels"`
	Device     string `mapstructure:"device"`
	Preview    bool   `mapstructure:"preview"`
}

type SocketConfig struct {
	KeepWarm            bool `mapstructure:"keep_warm"`
	Standby             bool `mapstructure:"standby"`
	StandbyEagerStart   bool `mapstructure:"standby_eager_start"`
	StandbyKeepaliveMs  int  `mapstructure:"standby_keepalive_ms"`
	StandbyTTLMs        int  `mapstructure:"standby_ttl_ms"`
	WarmHoldTTLMs       int  `mapstructure:"warm_hold_ttl_ms"`
	WarmHoldKeepaliveMs int  `mapstructure:"warm_hold_keepalive_ms"`
	ActiveKeepaliveMs   int  `mapstructure:"active_keepalive_ms"`
	MinimumReuseGraceMs int  `mapstructure:"minimum_reuse_grace_ms"`
	ReadinessTimeoutMs  int  `mapstructure:"readiness_timeout_ms"`
	ConnectWatchdogMs   int  `mapstructure:"connect_watchdog_ms"`
	MaxRetries          int  `mapstructure:"max_retries"`
	InitialRetryDelayMs int  `mapstructure:"initial_retry_delay_ms"`
	MaxRetryDelayMs     int  `mapstructure:"max_retry_delay_ms"`
	RecordingTailHoldMs int  `mapstructure:"recording_tail_hold_ms"`
}

type VADConfig struct {
	SpeechSendFallbackMs int     `mapstructure:"speech_send_fallback_ms"`
	PrimeMs              int     `mapstructure:"prime_ms"`
	MarginDB             float64 `mapstructure:"margin_db"`
	FloorDB              float64 `mapstructure:"floor_db"`
	Frames               int     `mapstructure:"frames"`
}

type FinalizeConfig struct {
	FastSkip             bool `mapstructure:"fast_skip"`
	TailMs               int  `mapstructure:"tail_ms"`
	GuardMs              int  `mapstructure:"guard_ms"`
	UnconditionalEndSkip bool `mapstructure:"unconditional_end_skip"`
	SoftMs               int  `mapstructure:"soft_ms"`
	HardMs               int  `mapstructure:"hard_ms"`
	PollIntervalMs       int  `mapstructure:"poll_interval_ms"`
	MaxPolls             int  `mapstructure:"max_polls"`
	ShortPolls           int  `mapstructure:"short_polls"`
	ShortUtteranceMs     int  `mapstructure:"short_utterance_ms"`
	SegmentPauseMs       int  `mapstructure:"segment_pause_ms"`
}

type NetworkConfig struct {
	Monitor           bool `mapstructure:"monitor"`
	PollMs            int  `mapstructure:"poll_ms"`
	DebounceMs        int  `mapstructure:"debounce_ms"`
	CooldownMs        int  `mapstructure:"cooldown_ms"`
	FailureWindowMs   int  `mapstructure:"failure_window_ms"`
	FailureThreshold  int  `mapstructure:"failure_threshold"`
	RebuildCooldownMs int  `mapstructure:"rebuild_cooldown_ms"`
}

type WatchdogConfig struct {
	SpeechMs int `mapstructure:"speech_ms"`
	MinBytes int `mapstructure:"min_bytes"`
}

type RecordingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
}

type LogConfig struct {
	Debug bool `mapstructure:"debug"`
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (s SocketConfig) StandbyKeepalive() time.Duration  { return ms(s.StandbyKeepaliveMs) }
func (s SocketConfig) StandbyTTL() time.Duration        { return ms(s.StandbyTTLMs) }
func (s SocketConfig) WarmHoldTTL() time.Duration       { return ms(s.WarmHoldTTLMs) }
func (s SocketConfig) WarmHoldKeepalive() time.Duration { return ms(s.WarmHoldKeepaliveMs) }
func (s SocketConfig) ActiveKeepalive() time.Duration   { return ms(s.ActiveKeepaliveMs) }
func (s SocketConfig) MinimumReuseGrace() time.Duration { return ms(s.MinimumReuseGraceMs) }
func (s SocketConfig) ReadinessTimeout() time.Duration  { return ms(s.ReadinessTimeoutMs) }
func (s SocketConfig) ConnectWatchdog() time.Duration   { return ms(s.ConnectWatchdogMs) }
func (s SocketConfig) InitialRetryDelay() time.Duration { return ms(s.InitialRetryDelayMs) }
func (s SocketConfig) MaxRetryDelay() time.Duration     { return ms(s.MaxRetryDelayMs) }
func (s SocketConfig) RecordingTailHold() time.Duration { return ms(s.RecordingTailHoldMs) }

func (v VADConfig) SpeechSendFallback() time.Duration { return ms(v.SpeechSendFallbackMs) }
func (v VADConfig) Prime() time.Duration              { return ms(v.PrimeMs) }

func (f FinalizeConfig) Tail() time.Duration           { return ms(f.TailMs) }
func (f FinalizeConfig) Guard() time.Duration          { return ms(f.GuardMs) }
func (f FinalizeConfig) Soft() time.Duration           { return ms(f.SoftMs) }
func (f FinalizeConfig) Hard() time.Duration           { return ms(f.HardMs) }
func (f FinalizeConfig) PollInterval() time.Duration   { return ms(f.PollIntervalMs) }
func (f FinalizeConfig) ShortUtterance() time.Duration { return ms(f.ShortUtteranceMs) }
func (f FinalizeConfig) SegmentPause() time.Duration   { return ms(f.SegmentPauseMs) }

func (n NetworkConfig) Poll() time.Duration            { return ms(n.PollMs) }
func (n NetworkConfig) Debounce() time.Duration        { return ms(n.DebounceMs) }
func (n NetworkConfig) Cooldown() time.Duration        { return ms(n.CooldownMs) }
func (n NetworkConfig) FailureWindow() time.Duration   { return ms(n.FailureWindowMs) }
func (n NetworkConfig) RebuildCooldown() time.Duration { return ms(n.RebuildCooldownMs) }

func (w WatchdogConfig) Speech() time.Duration { return ms(w.SpeechMs) }

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.url", "wss://stt-rt.soniox.com/transcribe-websocket")
	v.SetDefault("service.model", "stt-rt-v3")
	v.SetDefault("service.language_hints", []string{"en"})
	v.SetDefault("service.context", "")
	v.SetDefault("service.api_key_env", "SONIOX_API_KEY")
	v.SetDefault("service.temp_key_url", "")

	v.SetDefault("audio.sample_rate", 16000)
	v.SetDefault("audio.channels", 1)
	v.SetDefault("audio.device", "")
	v.SetDefault("audio.preview", false)

	v.SetDefault("socket.keep_warm", false)
	v.SetDefault("socket.standby", true)
	v.SetDefault("socket.standby_eager_start", false)
	v.SetDefault("socket.standby_keepalive_ms", 10000)
	v.SetDefault("socket.standby_ttl_ms", 60000)
	v.SetDefault("socket.warm_hold_ttl_ms", 60000)
	v.SetDefault("socket.warm_hold_keepalive_ms", 10000)
	v.SetDefault("socket.active_keepalive_ms", 15000)
	v.SetDefault("socket.minimum_reuse_grace_ms", 500)
	v.SetDefault("socket.readiness_timeout_ms", 12000)
	v.SetDefault("socket.connect_watchdog_ms", 8000)
	v.SetDefault("socket.max_retries", 3)
	v.SetDefault("socket.initial_retry_delay_ms", 250)
	v.SetDefault("socket.max_retry_delay_ms", 10000)
	v.SetDefault("socket.recording_tail_hold_ms", 220)

	v.SetDefault("vad.speech_send_fallback_ms", 120)
	v.SetDefault("vad.prime_ms", 150)
	v.SetDefault("vad.margin_db", 12.0)
	v.SetDefault("vad.floor_db", -48.0)
	v.SetDefault("vad.frames", 5)

	v.SetDefault("finalize.fast_skip", true)
	v.SetDefault("finalize.tail_ms", 120)
	v.SetDefault("finalize.guard_ms", 500)
	v.SetDefault("finalize.unconditional_end_skip", false)
	v.SetDefault("finalize.soft_ms", 200)
	v.SetDefault("finalize.hard_ms", 350)
	v.SetDefault("finalize.poll_interval_ms", 50)
	v.SetDefault("finalize.max_polls", 40)
	v.SetDefault("finalize.short_polls", 20)
	v.SetDefault("finalize.short_utterance_ms", 500)
	v.SetDefault("finalize.segment_pause_ms", 500)

	v.SetDefault("network.monitor", true)
	v.SetDefault("network.poll_ms", 1000)
	v.SetDefault("network.debounce_ms", 500)
	v.SetDefault("network.cooldown_ms", 2000)
	v.SetDefault("network.failure_window_ms", 8000)
	v.SetDefault("network.failure_threshold", 1)
	v.SetDefault("network.rebuild_cooldown_ms", 3000)

	v.SetDefault("watchdog.speech_ms", 5000)
	v.SetDefault("watchdog.min_bytes", 10000)

	v.SetDefault("recording.enabled", false)
	v.SetDefault("recording.dir", "")

	v.SetDefault("log.debug", false)
}

// Default returns the built-in settings without reading files or env.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config defaults: %v", err))
	}
	return cfg
}

// Load reads the optional YAML file at path, applies CLIO_* environment
// overrides (CLIO_SOCKET_KEEP_WARM=true) and validates the result.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CLIO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var ErrInvalid = errors.New("invalid config")

func (c Config) Validate() error {
	switch {
	case c.Audio.SampleRate <= 0:
		return fmt.Errorf("%w: audio.sample_rate must be positive", ErrInvalid)
	case c.Audio.Channels < 1 || c.Audio.Channels > 2:
		return fmt.Errorf("%w: audio.channels must be 1 or 2", ErrInvalid)
	case c.Finalize.SoftMs > c.Finalize.HardMs:
		return fmt.Errorf("%w: finalize.soft_ms exceeds finalize.hard_ms", ErrInvalid)
	case c.Socket.MaxRetries < 1:
		return fmt.Errorf("%w: socket.max_retries must be at least 1", ErrInvalid)
	case c.Service.Model == "":
		return fmt.Errorf("%w: service.model is empty", ErrInvalid)
	}
	return nil
}
