// Package config loads .conclave/config.yaml and environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jywlabs/conclave/internal/challenger"
	"github.com/jywlabs/conclave/internal/checkpoint"
	"github.com/jywlabs/conclave/internal/review"
	"github.com/jywlabs/conclave/internal/template"
	"github.com/jywlabs/conclave/internal/worker"
)

// Environment variables that override the file.
const (
	EnvEnv         = "CONCLAVE_ENV"
	EnvLogLevel    = "CONCLAVE_LOG_LEVEL"
	EnvDatabaseURL = "CONCLAVE_DATABASE_URL"
	EnvRedisURL    = "CONCLAVE_REDIS_URL"
	EnvRemote      = "CONCLAVE_CHECKPOINT_REMOTE"
	EnvAPIKey      = "ANTHROPIC_API_KEY"
)

// WorkerConfig configures one named worker.
type WorkerConfig struct {
	Kind     string
	Model    string
	Provider string
	Command  string
	Timeout  time.Duration
}

// Worker converts to the registry's constructor config.
func (w WorkerConfig) Worker(apiKey string) *worker.Config {
	return &worker.Config{
		Model:    w.Model,
		Provider: w.Provider,
		Command:  w.Command,
		Timeout:  w.Timeout,
		APIKey:   apiKey,
	}
}

// ReviewConfig configures `conclave review`.
type ReviewConfig struct {
	Workers       []string
	Perspectives  []string
	Strategy      review.Strategy
	MaxPerWorker  int
	Retries       int
	Challenger    string // Empty disables refinement
	Threshold     float64
	MaxIterations int
	ContextMode   challenger.Mode
}

// FixConfig configures `conclave fix`.
type FixConfig struct {
	Fixer      string
	Challenger string // Empty trusts the fixer
	MaxRounds  int
	Threshold  float64
	Timeout    time.Duration
}

// CheckpointConfig selects the checkpoint stores.
type CheckpointConfig struct {
	Dir    string
	Remote checkpoint.Remote
	DSN    string
}

// EventsConfig selects where progress events go besides the terminal.
type EventsConfig struct {
	RedisURL    string
	RedisStream string
}

// LogConfig configures slog.
type LogConfig struct {
	Env   string
	Level string
}

// Config is the resolved configuration.
type Config struct {
	Workers    map[string]WorkerConfig
	Review     ReviewConfig
	Fix        FixConfig
	Checkpoint CheckpointConfig
	Events     EventsConfig
	Log        LogConfig
	APIKey     string
}

// raw* types mirror the YAML. Pointer fields distinguish missing keys from
// explicit zero values.
type rawWorker struct {
	Kind     *string `yaml:"kind"`
	Model    *string `yaml:"model"`
	Provider *string `yaml:"provider"`
	Command  *string `yaml:"command"`
	Timeout  *string `yaml:"timeout"`
}

type rawReview struct {
	Workers       []string `yaml:"workers"`
	Perspectives  []string `yaml:"perspectives"`
	Strategy      *string  `yaml:"strategy"`
	MaxPerWorker  *int     `yaml:"maxPerWorker"`
	Retries       *int     `yaml:"retries"`
	Challenger    *string  `yaml:"challenger"`
	Threshold     *float64 `yaml:"threshold"`
	MaxIterations *int     `yaml:"maxIterations"`
	ContextMode   *string  `yaml:"contextMode"`
}

type rawFix struct {
	Fixer      *string  `yaml:"fixer"`
	Challenger *string  `yaml:"challenger"`
	MaxRounds  *int     `yaml:"maxRounds"`
	Threshold  *float64 `yaml:"threshold"`
	Timeout    *string  `yaml:"timeout"`
}

type rawCheckpoint struct {
	Dir    *string `yaml:"dir"`
	Remote *string `yaml:"remote"`
	DSN    *string `yaml:"dsn"`
}

type rawEvents struct {
	RedisStream *string `yaml:"redisStream"`
}

type rawLog struct {
	Env   *string `yaml:"env"`
	Level *string `yaml:"level"`
}

type rawConfig struct {
	Workers    map[string]*rawWorker `yaml:"workers"`
	Review     rawReview             `yaml:"review"`
	Fix        rawFix                `yaml:"fix"`
	Checkpoint rawCheckpoint         `yaml:"checkpoint"`
	Events     rawEvents             `yaml:"events"`
	Log        rawLog                `yaml:"log"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Workers: map[string]WorkerConfig{
			"claude":     {Kind: "claude"},
			"codex":      {Kind: "codex"},
			"challenger": {Kind: "claude", Timeout: 10 * time.Minute},
		},
		Review: ReviewConfig{
			Workers:       []string{"claude", "codex"},
			Perspectives:  []string{"security", "logic", "performance", "architecture"},
			Strategy:      review.StrategyParallel,
			MaxPerWorker:  0,
			Retries:       1,
			Challenger:    "challenger",
			Threshold:     challenger.DefaultThreshold,
			MaxIterations: challenger.DefaultMaxIterations,
			ContextMode:   challenger.ModeFileList,
		},
		Fix: FixConfig{
			Fixer:      "claude",
			Challenger: "challenger",
			MaxRounds:  2,
			Threshold:  80,
			Timeout:    worker.DefaultTimeout,
		},
		Checkpoint: CheckpointConfig{
			Dir:    filepath.Join(template.Dir, template.CheckpointDir),
			Remote: checkpoint.RemoteNone,
		},
		Events: EventsConfig{RedisStream: "conclave:events"},
		Log:    LogConfig{Env: "development", Level: "info"},
	}
}

// Load reads <dir>/.conclave/config.yaml over the defaults, then applies
// .env files and environment overrides. A missing config file yields the
// defaults. Relative checkpoint paths are resolved against dir.
func Load(dir string) (*Config, error) {
	loadEnvFiles(dir)

	cfg := Default()
	data, err := os.ReadFile(filepath.Join(dir, template.Dir, template.ConfigFile))
	switch {
	case err == nil:
		if err := cfg.merge(data); err != nil {
			return nil, err
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg.applyEnv()
	if !filepath.IsAbs(cfg.Checkpoint.Dir) {
		cfg.Checkpoint.Dir = filepath.Join(dir, cfg.Checkpoint.Dir)
	}
	if cfg.Checkpoint.Remote == checkpoint.RemoteSQLite && cfg.Checkpoint.DSN == "" {
		cfg.Checkpoint.DSN = filepath.Join(dir, template.Dir, "checkpoints.db")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadEnvFiles loads .conclave/.env, then .env. Existing variables win.
func loadEnvFiles(dir string) {
	for _, path := range []string{
		filepath.Join(dir, template.Dir, template.EnvFile),
		filepath.Join(dir, template.EnvFile),
	} {
		_ = godotenv.Load(path)
	}
}

func (c *Config) merge(data []byte) error {
	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	if raw.Workers != nil {
		c.Workers = make(map[string]WorkerConfig, len(raw.Workers))
		for name, rw := range raw.Workers {
			w := WorkerConfig{Kind: name}
			if rw != nil {
				setString(&w.Kind, rw.Kind)
				setString(&w.Model, rw.Model)
				setString(&w.Provider, rw.Provider)
				setString(&w.Command, rw.Command)
				if err := setDuration(&w.Timeout, rw.Timeout, "workers."+name+".timeout"); err != nil {
					return err
				}
			}
			c.Workers[name] = w
		}
	}

	r := raw.Review
	if r.Workers != nil {
		c.Review.Workers = r.Workers
	}
	if r.Perspectives != nil {
		c.Review.Perspectives = r.Perspectives
	}
	if r.Strategy != nil {
		c.Review.Strategy = review.Strategy(*r.Strategy)
	}
	setInt(&c.Review.MaxPerWorker, r.MaxPerWorker)
	setInt(&c.Review.Retries, r.Retries)
	setString(&c.Review.Challenger, r.Challenger)
	setFloat(&c.Review.Threshold, r.Threshold)
	setInt(&c.Review.MaxIterations, r.MaxIterations)
	if r.ContextMode != nil {
		c.Review.ContextMode = challenger.Mode(*r.ContextMode)
	}

	f := raw.Fix
	setString(&c.Fix.Fixer, f.Fixer)
	setString(&c.Fix.Challenger, f.Challenger)
	setInt(&c.Fix.MaxRounds, f.MaxRounds)
	setFloat(&c.Fix.Threshold, f.Threshold)
	if err := setDuration(&c.Fix.Timeout, f.Timeout, "fix.timeout"); err != nil {
		return err
	}

	setString(&c.Checkpoint.Dir, raw.Checkpoint.Dir)
	if raw.Checkpoint.Remote != nil {
		c.Checkpoint.Remote = checkpoint.Remote(*raw.Checkpoint.Remote)
	}
	setString(&c.Checkpoint.DSN, raw.Checkpoint.DSN)
	setString(&c.Events.RedisStream, raw.Events.RedisStream)
	setString(&c.Log.Env, raw.Log.Env)
	setString(&c.Log.Level, raw.Log.Level)
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvEnv); v != "" {
		c.Log.Env = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv(EnvRemote); v != "" {
		c.Checkpoint.Remote = checkpoint.Remote(v)
	}
	if v := os.Getenv(EnvRedisURL); v != "" {
		c.Events.RedisURL = v
		if c.Checkpoint.Remote == checkpoint.RemoteRedis && c.Checkpoint.DSN == "" {
			c.Checkpoint.DSN = v
		}
	}
	if v := os.Getenv(EnvDatabaseURL); v != "" {
		switch c.Checkpoint.Remote {
		case checkpoint.RemoteSQLite, checkpoint.RemoteLibSQL, checkpoint.RemotePostgres:
			c.Checkpoint.DSN = v
		}
	}
	c.APIKey = os.Getenv(EnvAPIKey)
}

// Validate checks names, ranges and enum values.
func (c *Config) Validate() error {
	if len(c.Workers) == 0 {
		return fmt.Errorf("workers must not be empty")
	}
	for name, w := range c.Workers {
		if strings.TrimSpace(w.Kind) == "" {
			return fmt.Errorf("workers.%s.kind must not be empty", name)
		}
		if w.Timeout < 0 {
			return fmt.Errorf("workers.%s.timeout must not be negative", name)
		}
	}

	if len(c.Review.Workers) == 0 {
		return fmt.Errorf("review.workers must not be empty")
	}
	for _, name := range c.Review.Workers {
		if err := c.requireWorker("review.workers", name); err != nil {
			return err
		}
	}
	if _, err := review.ResolvePerspectives(c.Review.Perspectives); err != nil {
		return fmt.Errorf("review.perspectives: %w", err)
	}
	if _, ok := review.ParseStrategy(string(c.Review.Strategy)); !ok {
		return fmt.Errorf("review.strategy must be parallel or sequential, got %q", c.Review.Strategy)
	}
	if c.Review.MaxPerWorker < 0 {
		return fmt.Errorf("review.maxPerWorker must not be negative")
	}
	if c.Review.Retries < 0 {
		return fmt.Errorf("review.retries must not be negative")
	}
	if c.Review.Challenger != "" {
		if err := c.requireWorker("review.challenger", c.Review.Challenger); err != nil {
			return err
		}
	}
	if err := checkThreshold("review.threshold", c.Review.Threshold); err != nil {
		return err
	}
	if c.Review.MaxIterations <= 0 {
		return fmt.Errorf("review.maxIterations must be greater than 0")
	}
	if c.Review.ContextMode != challenger.ModeFileList && c.Review.ContextMode != challenger.ModeEmbedded {
		return fmt.Errorf("review.contextMode must be files or embedded, got %q", c.Review.ContextMode)
	}

	if err := c.requireWorker("fix.fixer", c.Fix.Fixer); err != nil {
		return err
	}
	if c.Fix.Challenger != "" {
		if err := c.requireWorker("fix.challenger", c.Fix.Challenger); err != nil {
			return err
		}
	}
	if c.Fix.MaxRounds <= 0 {
		return fmt.Errorf("fix.maxRounds must be greater than 0")
	}
	if err := checkThreshold("fix.threshold", c.Fix.Threshold); err != nil {
		return err
	}
	if c.Fix.Timeout < 0 {
		return fmt.Errorf("fix.timeout must not be negative")
	}

	remotes := []checkpoint.Remote{checkpoint.RemoteNone, checkpoint.RemoteSQLite, checkpoint.RemoteLibSQL, checkpoint.RemotePostgres, checkpoint.RemoteRedis}
	if !slices.Contains(remotes, c.Checkpoint.Remote) {
		return fmt.Errorf("checkpoint.remote must be one of none, sqlite, libsql, postgres, redis; got %q", c.Checkpoint.Remote)
	}
	if c.Checkpoint.Remote != checkpoint.RemoteNone && c.Checkpoint.DSN == "" {
		return fmt.Errorf("checkpoint.dsn is required for remote %q", c.Checkpoint.Remote)
	}
	if c.Checkpoint.Dir == "" {
		return fmt.Errorf("checkpoint.dir must not be empty")
	}
	return nil
}

func (c *Config) requireWorker(field, name string) error {
	if name == "" {
		return fmt.Errorf("%s must not be empty", field)
	}
	if _, ok := c.Workers[name]; !ok {
		return fmt.Errorf("%s: unknown worker %q", field, name)
	}
	return nil
}

func checkThreshold(field string, v float64) error {
	if v <= 0 || v > 100 {
		return fmt.Errorf("%s must be in (0, 100], got %g", field, v)
	}
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *string, field string) error {
	if v == nil {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	*dst = d
	return nil
}
