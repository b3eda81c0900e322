package model

import (
	"errors"
	"fmt"
	"io"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	"github.com/tvnlabs/chanvisor/internal/logsink"

	_ "embed"
)

const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
	StoreMemory   = "memory"

	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version    int         `json:"version" yaml:"version"` // fixed 0 for now
	Service    Service     `json:"service" yaml:"service"`
	Supervisor *Supervisor `json:"supervisor,omitempty" yaml:"supervisor,omitempty"`
	Channels   []Channel   `json:"channels,omitempty" yaml:"channels,omitempty"`
}

type Service struct {
	Verbose *bool    `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	Log     *string  `json:"log,omitempty" yaml:"log,omitempty"` // "stderr"|"stdout"|"discard"
	Store   Store    `json:"store" yaml:"store"`
	Control *Control `json:"control,omitempty" yaml:"control,omitempty"`
}

// Store selects the job state backend.
type Store struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn,omitempty" yaml:"dsn,omitempty"` // file path for sqlite, URL for postgres and redis
}

// Control enables the task queue carrying start and stop requests.
type Control struct {
	Redis       Redis `json:"redis" yaml:"redis"`
	Concurrency int   `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
}

type Redis struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int    `json:"db,omitempty" yaml:"db,omitempty"`
}

// Supervisor mirrors the supervisor section for schema validation and for
// writing the default file. The values are decoded by service.ParseSettings.
type Supervisor struct {
	FFmpeg       string `json:"ffmpeg,omitempty" yaml:"ffmpeg,omitempty"`
	LogDir       string `json:"log_dir,omitempty" yaml:"log_dir,omitempty"`
	HealthWindow string `json:"health_window,omitempty" yaml:"health_window,omitempty"`
	GracePeriod  string `json:"grace_period,omitempty" yaml:"grace_period,omitempty"`
	MaxRetries   *int   `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	Cooldown     string `json:"cooldown,omitempty" yaml:"cooldown,omitempty"`
	LogMaxBytes  int64  `json:"log_max_bytes,omitempty" yaml:"log_max_bytes,omitempty"`
	SweepEvery   string `json:"sweep_every,omitempty" yaml:"sweep_every,omitempty"`
	SweepCron    string `json:"sweep_cron,omitempty" yaml:"sweep_cron,omitempty"`

	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
// Every channel is then checked with Channel.Validate and for a unique name.
func LoadConfig(r io.Reader) (*Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return nil, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}

	var errs []error
	seen := make(map[string]struct{}, len(out.Channels))
	logs := make(map[string]string, len(out.Channels))
	for _, ch := range out.Channels {
		if _, ok := seen[ch.Name]; ok {
			errs = append(errs, fmt.Errorf("channel %q: duplicate name", ch.Name))
			continue
		}
		seen[ch.Name] = struct{}{}
		// two sinks must never share a file
		file := logsink.FileName(ch.Name)
		if other, ok := logs[file]; ok {
			errs = append(errs, fmt.Errorf("channel %q: log file %s already used by channel %q", ch.Name, file, other))
			continue
		}
		logs[file] = ch.Name
		if err := ch.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	return &out, nil
}

// DefaultConfig is written when no configuration file exists yet.
func DefaultConfig() Config {
	log := LogStderr
	retries := 5
	return Config{
		Service: Service{
			Log: &log,
			Store: Store{
				Driver: StoreSQLite,
				DSN:    "chanvisor.db",
			},
		},
		Supervisor: &Supervisor{
			FFmpeg:       "ffmpeg",
			LogDir:       "logs",
			HealthWindow: "10s",
			GracePeriod:  "5s",
			MaxRetries:   &retries,
			Cooldown:     "10s",
			LogMaxBytes:  10 << 20,
			SweepEvery:   "5s",
		},
	}
}
