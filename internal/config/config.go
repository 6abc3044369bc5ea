package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const (
	DefaultRescanSchedule = "@every 30s"
	DefaultMaxTextLen     = 4000
	DefaultMinConfidence  = 0.75
	DefaultTimeWindow     = "6h"
	DefaultTextWeight     = 0.7
	DefaultEncoding       = "cl100k_base"
)

// scheduleParser matches the watcher's: 5 or 6 fields, or a descriptor.
var scheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

type Config struct {
	DataDir        string `yaml:"data_dir"`
	LogLevel       string `yaml:"log_level"`
	DropDir        string `yaml:"drop_dir"`
	RescanSchedule string `yaml:"rescan_schedule"`
	MaxTextLen     int    `yaml:"max_text_len"`
	Resolver       struct {
		MinConfidence float64 `yaml:"min_confidence"`
		TimeWindow    string  `yaml:"time_window"`
		TextWeight    float64 `yaml:"text_weight"`
	} `yaml:"resolver"`
	Tokens struct {
		Encoding    string `yaml:"encoding"`
		UseTiktoken bool   `yaml:"use_tiktoken"`
	} `yaml:"tokens"`
}

// DefaultPath is $AGENTRAIL_CONFIG, or ~/.agentrail/config.yaml.
func DefaultPath() string {
	if p := os.Getenv("AGENTRAIL_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(os.Getenv("HOME"), ".agentrail", "config.yaml")
}

func defaults() *Config {
	cfg := &Config{
		DataDir:        filepath.Join(os.Getenv("HOME"), ".agentrail"),
		LogLevel:       "info",
		RescanSchedule: DefaultRescanSchedule,
		MaxTextLen:     DefaultMaxTextLen,
	}
	cfg.Resolver.MinConfidence = DefaultMinConfidence
	cfg.Resolver.TimeWindow = DefaultTimeWindow
	cfg.Resolver.TextWeight = DefaultTextWeight
	cfg.Tokens.Encoding = DefaultEncoding
	return cfg
}

func Load(path string) (*Config, error) {
	cfg := defaults()

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	for _, o := range EnvOverrides() {
		o.apply(cfg, o.Value)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Override is an environment variable currently replacing a file setting.
type Override struct {
	Key   string
	Env   string
	Value string
	apply func(*Config, string)
}

var envKeys = []Override{
	{Key: "data_dir", Env: "AGENTRAIL_DATA_DIR", apply: func(c *Config, v string) { c.DataDir = v }},
	{Key: "log_level", Env: "AGENTRAIL_LOG_LEVEL", apply: func(c *Config, v string) { c.LogLevel = v }},
}

// EnvOverrides lists the overrides set in the environment.
func EnvOverrides() []Override {
	var out []Override
	for _, o := range envKeys {
		if v := os.Getenv(o.Env); v != "" {
			o.Value = v
			out = append(out, o)
		}
	}
	return out
}

// Validate rejects values the pipeline cannot run with.
func (c *Config) Validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	if _, err := scheduleParser.Parse(c.RescanSchedule); err != nil {
		return fmt.Errorf("invalid rescan_schedule %q: %w", c.RescanSchedule, err)
	}
	if _, err := c.TimeWindow(); err != nil {
		return err
	}
	if c.Resolver.MinConfidence < 0 || c.Resolver.MinConfidence > 1 {
		return fmt.Errorf("resolver.min_confidence must be in [0,1], got %v", c.Resolver.MinConfidence)
	}
	if c.Resolver.TextWeight < 0 || c.Resolver.TextWeight > 1 {
		return fmt.Errorf("resolver.text_weight must be in [0,1], got %v", c.Resolver.TextWeight)
	}
	return nil
}

// TimeWindow parses resolver.time_window. Empty means the default.
func (c *Config) TimeWindow() (time.Duration, error) {
	raw := c.Resolver.TimeWindow
	if raw == "" {
		raw = DefaultTimeWindow
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid resolver.time_window %q", c.Resolver.TimeWindow)
	}
	return d, nil
}

// InboxDir is where fragment files are dropped; drop_dir or <data_dir>/inbox.
func (c *Config) InboxDir() string {
	if c.DropDir != "" {
		return c.DropDir
	}
	return filepath.Join(c.DataDir, "inbox")
}

// Save writes cfg as YAML through a temp file and rename.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, data)
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg into the nested map form used by Flatten.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	m := make(map[string]any)
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return m, nil
}

// ListValues returns every setting keyed by its dotted path.
func ListValues(cfg *Config) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	return Flatten(m), nil
}

func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	m := make(map[string]any)
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return m, nil
}

// GetValue reads one dotted key straight from the file.
func GetValue(path, key string) (any, error) {
	m, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	v, ok := Flatten(m)[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue sets one dotted key in the file. The value is parsed as a
// YAML scalar so "16", "true" and "0.3" keep their types. The file must
// already exist, and the result must still load.
func SetValue(path, key, value string) error {
	m, err := readRaw(path)
	if err != nil {
		return err
	}
	var parsed any
	if err := yaml.Unmarshal([]byte(value), &parsed); err != nil || parsed == nil {
		parsed = value
	}
	flat := Flatten(m)
	flat[key] = parsed

	data, err := yaml.Marshal(Unflatten(flat))
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	check := defaults()
	if err := yaml.Unmarshal(data, check); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	if err := check.Validate(); err != nil {
		return err
	}
	return writeFile(path, data)
}
