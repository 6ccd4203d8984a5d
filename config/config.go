// Package config loads service configuration from a YAML file, optional
// .env files, and SCRIBESYNC_* environment variables, in that order of
// increasing priority.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/bosley/scribesync/transcript"
)

// EnvPrefix is prepended to key names for environment variable lookup.
const EnvPrefix = "SCRIBESYNC_"

// EnvFiles are loaded, when present, before environment overrides apply.
// Variables already set in the environment are never replaced.
var EnvFiles = []string{".env.local", ".env"}

// Dedup holds the look-back windows for both merge call sites.
type Dedup struct {
	Store  transcript.Windows `yaml:"store"`
	Buffer transcript.Windows `yaml:"buffer"`
}

// Config is the complete service configuration.
type Config struct {
	HTTPAddr       string        `yaml:"http_addr"`
	CertFile       string        `yaml:"cert_file"`
	KeyFile        string        `yaml:"key_file"`
	TranscriptsDir string        `yaml:"transcripts_dir"`
	DatabasePath   string        `yaml:"database_path"`
	JWTSecret      string        `yaml:"jwt_secret"`
	JWTIssuer      string        `yaml:"jwt_issuer"`
	IngestKey      string        `yaml:"ingest_key"`
	Debounce       time.Duration `yaml:"debounce"`
	SendBuffer     int           `yaml:"send_buffer"`
	MessageRate    float64       `yaml:"message_rate"`
	MessageBurst   int           `yaml:"message_burst"`
	LogLevel       string        `yaml:"log_level"`
	Dedup          Dedup         `yaml:"dedup"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		HTTPAddr:       ":8444",
		TranscriptsDir: "transcripts",
		DatabasePath:   "scribesync.db",
		JWTIssuer:      "scribesync",
		Debounce:       150 * time.Millisecond,
		SendBuffer:     256,
		MessageRate:    5,
		MessageBurst:   20,
		LogLevel:       "info",
		Dedup: Dedup{
			Store:  transcript.DefaultWindows(),
			Buffer: transcript.DefaultWindows(),
		},
	}
}

// Load builds the configuration. An empty path skips the YAML file; a
// missing file at an explicit path is an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	for _, f := range EnvFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"HTTP_ADDR":       &c.HTTPAddr,
		"CERT_FILE":       &c.CertFile,
		"KEY_FILE":        &c.KeyFile,
		"TRANSCRIPTS_DIR": &c.TranscriptsDir,
		"DATABASE_PATH":   &c.DatabasePath,
		"JWT_SECRET":      &c.JWTSecret,
		"JWT_ISSUER":      &c.JWTIssuer,
		"INGEST_KEY":      &c.IngestKey,
		"LOG_LEVEL":       &c.LogLevel,
	}
	for key, dst := range str {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"SEND_BUFFER":           &c.SendBuffer,
		"MESSAGE_BURST":         &c.MessageBurst,
		"STORE_INTERIM_WINDOW":  &c.Dedup.Store.Interim,
		"STORE_FINAL_WINDOW":    &c.Dedup.Store.Final,
		"BUFFER_INTERIM_WINDOW": &c.Dedup.Buffer.Interim,
		"BUFFER_FINAL_WINDOW":   &c.Dedup.Buffer.Final,
	}
	for key, dst := range ints {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
		}
		*dst = n
	}

	if v, ok := lookup(EnvPrefix + "MESSAGE_RATE"); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("invalid %sMESSAGE_RATE: %w", EnvPrefix, err)
		}
		c.MessageRate = f
	}
	if v, ok := lookup(EnvPrefix + "DEBOUNCE"); ok {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %sDEBOUNCE: %w", EnvPrefix, err)
		}
		c.Debounce = d
	}
	return nil
}

// Validate checks the configuration is usable for serving.
func (c Config) Validate() error {
	var errs []error
	if len(c.JWTSecret) < 32 {
		errs = append(errs, errors.New("jwt_secret must be at least 32 bytes"))
	}
	if c.TranscriptsDir == "" {
		errs = append(errs, errors.New("transcripts_dir is required"))
	}
	if c.DatabasePath == "" {
		errs = append(errs, errors.New("database_path is required"))
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		errs = append(errs, errors.New("cert_file and key_file must be set together"))
	}
	for name, w := range map[string]transcript.Windows{"store": c.Dedup.Store, "buffer": c.Dedup.Buffer} {
		if w.Interim <= 0 || w.Final <= 0 {
			errs = append(errs, fmt.Errorf("dedup.%s windows must be positive", name))
		}
	}
	if c.Debounce < 0 {
		errs = append(errs, errors.New("debounce must not be negative"))
	}
	if c.SendBuffer <= 0 {
		errs = append(errs, errors.New("send_buffer must be positive"))
	}
	if c.MessageRate <= 0 || c.MessageBurst <= 0 {
		errs = append(errs, errors.New("message_rate and message_burst must be positive"))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return level, nil
}
