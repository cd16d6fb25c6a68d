package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.tally/config.toml.
type Config struct {
	DefaultSession string  `toml:"default_session"`
	Backend        Backend `toml:"backend"`
	Timing         Timing  `toml:"timing"`
	Quality        Quality `toml:"quality"`
}

// Backend holds the hosted service coordinates.
type Backend struct {
	URL     string `toml:"url"`
	AnonKey string `toml:"anon_key"`
}

// Timing holds the intervals driving the delivery and recovery loops,
// in seconds unless noted. Zero values fall back to defaults.
type Timing struct {
	PollIntervalSec     int `toml:"poll_interval_sec"`
	PollArmDelaySec     int `toml:"poll_arm_delay_sec"`
	SubscribeDelaySec   int `toml:"subscribe_delay_sec"`
	RetrySweepSec       int `toml:"retry_sweep_sec"`
	ProbeIntervalSec    int `toml:"probe_interval_sec"`
	PresenceCooldownSec int `toml:"presence_cooldown_sec"`
	TypingDebounceMs    int `toml:"typing_debounce_ms"`
	InitTimeoutSec      int `toml:"init_timeout_sec"`
}

// Quality holds the probe latency thresholds, in milliseconds.
type Quality struct {
	GoodBelowMs int `toml:"good_below_ms"`
	PoorBelowMs int `toml:"poor_below_ms"`
}

// Defaults mirror the behavior of the hosted web client this replaces:
// 5s poll, 1s subscribe delay, 60s retry sweep, 30s probe, 5s presence
// cooldown, 10s startup timeout.
func withDefaults(cfg *Config) *Config {
	t := &cfg.Timing
	setIfZero(&t.PollIntervalSec, 5)
	setIfZero(&t.PollArmDelaySec, 5)
	setIfZero(&t.SubscribeDelaySec, 1)
	setIfZero(&t.RetrySweepSec, 60)
	setIfZero(&t.ProbeIntervalSec, 30)
	setIfZero(&t.PresenceCooldownSec, 5)
	setIfZero(&t.TypingDebounceMs, 1500)
	setIfZero(&t.InitTimeoutSec, 10)

	q := &cfg.Quality
	setIfZero(&q.GoodBelowMs, 400)
	setIfZero(&q.PoorBelowMs, 1200)
	return cfg
}

func setIfZero(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

// Load reads config from the given path, applying defaults to any field
// left unset. Returns an error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	return withDefaults(&cfg), nil
}

// Default returns a config with every tunable at its default value.
func Default() *Config {
	return withDefaults(&Config{})
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Duration helpers so callers do not repeat second/millisecond math.

func (t Timing) PollInterval() time.Duration     { return time.Duration(t.PollIntervalSec) * time.Second }
func (t Timing) PollArmDelay() time.Duration     { return time.Duration(t.PollArmDelaySec) * time.Second }
func (t Timing) SubscribeDelay() time.Duration   { return time.Duration(t.SubscribeDelaySec) * time.Second }
func (t Timing) RetrySweep() time.Duration       { return time.Duration(t.RetrySweepSec) * time.Second }
func (t Timing) ProbeInterval() time.Duration    { return time.Duration(t.ProbeIntervalSec) * time.Second }
func (t Timing) PresenceCooldown() time.Duration { return time.Duration(t.PresenceCooldownSec) * time.Second }
func (t Timing) TypingDebounce() time.Duration   { return time.Duration(t.TypingDebounceMs) * time.Millisecond }
func (t Timing) InitTimeout() time.Duration      { return time.Duration(t.InitTimeoutSec) * time.Second }

func (q Quality) GoodBelow() time.Duration { return time.Duration(q.GoodBelowMs) * time.Millisecond }
func (q Quality) PoorBelow() time.Duration { return time.Duration(q.PoorBelowMs) * time.Millisecond }
