// Package config loads espdump settings: a YAML file, then a .env file and the process
// environment, then command-line flags applied by the caller.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/twinfer/espscan/pkg/espformat"
	"github.com/twinfer/espscan/pkg/fieldschema"
	"github.com/twinfer/espscan/pkg/formid"
	"github.com/twinfer/espscan/pkg/scan"
	"gopkg.in/yaml.v3"
)

// Environment variables read by ApplyEnv.
const (
	EnvWorkers     = "ESPSCAN_WORKERS"
	EnvSchema      = "ESPSCAN_SCHEMA"
	EnvRecordTypes = "ESPSCAN_RECORD_TYPES"
	EnvLogLevel    = "ESPSCAN_LOG_LEVEL"
	EnvLogFormat   = "ESPSCAN_LOG_FORMAT"
	EnvDataDir     = "ESPSCAN_DATA_DIR"
)

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Workers          int               `yaml:"workers"`
	SchemaPath       string            `yaml:"schema_path"`
	RecordTypes      []string          `yaml:"record_types"`
	MaxGroupChildren int               `yaml:"max_group_children"`
	Decode           bool              `yaml:"decode"`
	ResolveFields    bool              `yaml:"resolve_fields"`
	DataDir          string            `yaml:"data_dir"`
	LogLevel         string            `yaml:"log_level"`
	LogFormat        string            `yaml:"log_format"`
	Files            []formid.FileMeta `yaml:"files"`
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		Workers:   4,
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load reads the YAML file at path (skipped when empty), then envFile when it exists, then
// the process environment. Variables already set in the environment win over envFile.
func Load(path, envFile string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return cfg, fmt.Errorf("reading %s: %w", envFile, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overrides settings from lookup, which has the shape of os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvWorkers); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %w", ErrInvalid, EnvWorkers, v, err)
		}
		c.Workers = n
	}
	if v, ok := lookup(EnvSchema); ok {
		c.SchemaPath = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvRecordTypes); ok {
		c.RecordTypes = SplitList(v)
	}
	if v, ok := lookup(EnvLogLevel); ok {
		c.LogLevel = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvLogFormat); ok {
		c.LogFormat = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvDataDir); ok {
		c.DataDir = strings.TrimSpace(v)
	}
	return nil
}

// SplitList splits a comma separated list, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate rejects settings a scan cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.MaxGroupChildren < 0 {
		errs = append(errs, errors.New("max_group_children must not be negative"))
	}
	for _, t := range c.RecordTypes {
		if len(t) != espformat.TagSize || !espformat.IsPrintable([]byte(t)) {
			errs = append(errs, fmt.Errorf("record type %q is not a four character tag", t))
		}
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("log_level %q: %w", s, err)
	}
	return level, nil
}

// Logger builds a handler for w from LogLevel and LogFormat.
func (c Config) Logger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ScanOptions turns the settings into scanner options. A schema file is loaded here.
func (c Config) ScanOptions(logger *slog.Logger) ([]scan.Option, error) {
	opts := []scan.Option{
		scan.WithWorkers(c.Workers),
		scan.WithMaxGroupChildren(c.MaxGroupChildren),
		scan.WithDecode(c.Decode),
		scan.WithResolveFields(c.ResolveFields),
		scan.WithLoader(scan.FSLoader{Dir: c.DataDir}),
		scan.WithLogger(logger),
	}
	if len(c.RecordTypes) > 0 {
		types := make([]espformat.Tag, 0, len(c.RecordTypes))
		for _, t := range c.RecordTypes {
			types = append(types, espformat.Tag(t))
		}
		opts = append(opts, scan.WithRecordTypes(types...))
	}
	if c.SchemaPath != "" {
		reg, err := fieldschema.LoadRegistryFile(c.SchemaPath)
		if err != nil {
			return nil, err
		}
		opts = append(opts, scan.WithRegistry(reg))
	}
	return opts, nil
}
