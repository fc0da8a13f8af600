package model

import (
	"context"
	"fmt"
	"io"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	ServiceModeManual = "manual"
	ServiceModeTimer  = "timer"

	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"

	DefaultEndpoint = "wss://lms.vnu.edu.vn/dhqg.lms.api/socket/hubs/lrs"
	DefaultGrace    = "PT5S"
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

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

// Config is the whole run: one shared credential and an ordered job list.
type Config struct {
	Version     int     `json:"version" yaml:"version"`
	AccessToken string  `json:"access_token" yaml:"access_token"`
	Jobs        []Job   `json:"list_job" yaml:"list_job"`
	Service     Service `json:"service" yaml:"service"`
}

// Job describes one session. It is never modified once loaded.
type Job struct {
	LearningID      string `json:"learningId" yaml:"learningId"`
	AutoStopSeconds int    `json:"autoStopSeconds" yaml:"autoStopSeconds"` // 0 means unlimited
	Enabled         bool   `json:"enable" yaml:"enable"`
}

// AutoStop returns the maximum session duration, zero when unlimited.
func (j Job) AutoStop() time.Duration {
	if j.AutoStopSeconds <= 0 {
		return 0
	}
	return time.Duration(j.AutoStopSeconds) * time.Second
}

type Service struct {
	Mode     string            `json:"mode" yaml:"mode"` // "manual" | "timer"
	Verbose  bool              `json:"verbose" yaml:"verbose"`
	Log      string            `json:"log" yaml:"log"` // "stderr"|"stdout"|"discard"|path
	Endpoint string            `json:"endpoint" yaml:"endpoint"`
	Headers  map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Grace    string            `json:"grace" yaml:"grace"` // ISO-8601 duration
	Schedule *Schedule         `json:"schedule,omitempty" yaml:"schedule,omitempty"`
}

// Schedule is used in timer mode only. Cron wins when both are set.
type Schedule struct {
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
}

// GraceDuration parses Service.Grace, an empty value means DefaultGrace.
func (s Service) GraceDuration() (time.Duration, error) {
	g := s.Grace
	if g == "" {
		g = DefaultGrace
	}
	d, err := ParseISODuration(g)
	if err != nil {
		return 0, fmt.Errorf("%w: service.grace %q: %w", ErrConfiguration, g, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: service.grace %q must be positive", ErrConfiguration, g)
	}
	return d, nil
}

// Enabled returns the enabled jobs in declaration order.
func (c Config) Enabled() []Job {
	ret := make([]Job, 0, len(c.Jobs))
	for _, j := range c.Jobs {
		if j.Enabled {
			ret = append(ret, j)
		}
	}
	return ret
}

// Validate checks what a run needs before any connection is attempted.
func (c Config) Validate() error {
	if c.AccessToken == "" {
		return fmt.Errorf("%w: access_token is missing or empty", ErrConfiguration)
	}
	enabled := c.Enabled()
	if len(enabled) == 0 {
		return fmt.Errorf("%w: no enabled jobs found in %d job(s)", ErrConfiguration, len(c.Jobs))
	}
	for i, j := range c.Jobs {
		if j.Enabled && j.LearningID == "" {
			return fmt.Errorf("%w: list_job[%d]: learningId is empty", ErrConfiguration, i)
		}
		if j.AutoStopSeconds < 0 {
			return fmt.Errorf("%w: list_job[%d]: autoStopSeconds must be >= 0", ErrConfiguration, i)
		}
	}
	return nil
}

// DefaultHeaders are the browser headers the hub expects on the upgrade request.
func DefaultHeaders() map[string]string {
	return map[string]string{
		"accept-language":          "vi-VN,vi;q=0.9,en-US;q=0.6,en;q=0.5",
		"cache-control":            "no-cache",
		"pragma":                   "no-cache",
		"sec-websocket-extensions": "permessage-deflate; client_max_window_bits",
		"sec-websocket-key":        "randomKey123==",
		"sec-websocket-version":    "13",
		"cookie":                   "WEBSVR=app3",
		"user-agent":               "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36",
	}
}

// DefaultConfig returns the configuration written by pulse init.
func DefaultConfig(_ context.Context) Config {
	return Config{
		Version:     0,
		AccessToken: "",
		Jobs: []Job{
			{LearningID: "", AutoStopSeconds: 600, Enabled: false},
		},
		Service: Service{
			Mode:     ServiceModeManual,
			Log:      LogStderr,
			Endpoint: DefaultEndpoint,
			Headers:  DefaultHeaders(),
			Grace:    DefaultGrace,
		},
	}
}

// LoadConfig validates YAML (or JSON) from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),
		cue.Concrete(true),
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}

	return out, nil
}
