package service

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tvnlabs/chanvisor/internal/health"
	"github.com/tvnlabs/chanvisor/internal/logsink"
	"github.com/tvnlabs/chanvisor/internal/retry"
)

// Settings tune every job of a supervisor. They are decoded from the
// supervisor section of the configuration, with flag and environment
// overrides bound by viper.
type Settings struct {
	FFmpeg       string            `mapstructure:"ffmpeg"`
	LogDir       string            `mapstructure:"log_dir"`
	HealthWindow time.Duration     `mapstructure:"health_window"`
	GracePeriod  time.Duration     `mapstructure:"grace_period"`
	MaxRetries   *int              `mapstructure:"max_retries"`
	Cooldown     time.Duration     `mapstructure:"cooldown"`
	LogMaxBytes  int64             `mapstructure:"log_max_bytes"`
	SweepEvery   time.Duration     `mapstructure:"sweep_every"`
	SweepCron    string            `mapstructure:"sweep_cron"`
	Env          map[string]string `mapstructure:"env"`
}

const (
	DefaultFFmpeg      = "ffmpeg"
	DefaultLogDir      = "logs"
	DefaultGracePeriod = 5 * time.Second
	DefaultSweepEvery  = 5 * time.Second
)

// ParseSettings decodes key from the global viper instance and fills in
// the defaults. The section is taken from AllSettings, because only that
// merges the bound flags and environment into nested keys.
func ParseSettings(key string) (Settings, error) {
	sub := viper.New()
	if err := sub.MergeConfigMap(section(key)); err != nil {
		return Settings{}, err
	}
	var s Settings
	if err := sub.Unmarshal(&s); err != nil {
		return Settings{}, err
	}
	s = s.withDefaults()
	if err := s.validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func section(key string) map[string]any {
	m := viper.AllSettings()
	for _, k := range strings.Split(key, ".") {
		next, ok := m[k].(map[string]any)
		if !ok {
			return nil
		}
		m = next
	}
	return m
}

// DefaultSettings are used when the configuration has no supervisor section.
func DefaultSettings() Settings {
	return Settings{}.withDefaults()
}

func (s Settings) withDefaults() Settings {
	if s.FFmpeg == "" {
		s.FFmpeg = DefaultFFmpeg
	}
	if s.LogDir == "" {
		s.LogDir = DefaultLogDir
	}
	if s.HealthWindow <= 0 {
		s.HealthWindow = health.Window
	}
	if s.GracePeriod <= 0 {
		s.GracePeriod = DefaultGracePeriod
	}
	if s.MaxRetries == nil {
		n := retry.MaxRetries
		s.MaxRetries = &n
	}
	if s.Cooldown <= 0 {
		s.Cooldown = retry.Cooldown
	}
	if s.LogMaxBytes <= 0 {
		s.LogMaxBytes = logsink.MaxSize
	}
	if s.SweepEvery <= 0 && s.SweepCron == "" {
		s.SweepEvery = DefaultSweepEvery
	}
	return s
}

func (s Settings) validate() error {
	if s.MaxRetries != nil && *s.MaxRetries < 0 {
		return errors.New("supervisor.max_retries must not be negative")
	}
	if s.SweepCron != "" {
		return ParseCron(s.SweepCron)
	}
	return nil
}

// Policy is the restart policy of a single job.
func (s Settings) Policy() retry.Policy {
	p := retry.DefaultPolicy()
	if s.MaxRetries != nil {
		p.Max = *s.MaxRetries
	}
	if s.Cooldown > 0 {
		p.Cooldown = s.Cooldown
	}
	return p
}

// Environ returns the worker environment: the supervisor's own plus the
// configured variables. Values starting with $ are expanded. A nil result
// lets the worker inherit the environment unchanged.
func (s Settings) Environ() []string {
	if len(s.Env) == 0 {
		return nil
	}
	env := os.Environ()
	for k, v := range s.Env {
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		env = append(env, strings.ToUpper(k)+"="+v)
	}
	return env
}
