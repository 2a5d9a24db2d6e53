package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	yaml "go.yaml.in/yaml/v3"
)

// Lock backends understood by the dispatcher.
const (
	LockBackendLocal = "local"
	LockBackendRedis = "redis"
)

// Config captures the configuration values for the digest scheduler service.
type Config struct {
	HTTPPort        int
	SQLiteDSN       string
	PollSpec        string
	BatchSize       int
	DispatchRate    float64
	LockBackend     string
	LockTTL         time.Duration
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
	MaxAttempts     int
	RedisAddr       string
	WindowAnchor    time.Time
	DefaultTimezone string
	LogLevel        string
	LogFormat       string
}

// fileConfig mirrors Config in the YAML file. Durations and dates stay strings
// so they are validated the same way as environment values.
type fileConfig struct {
	HTTPPort        *int     `yaml:"http_port"`
	SQLiteDSN       string   `yaml:"sqlite_dsn"`
	PollSpec        string   `yaml:"poll_spec"`
	BatchSize       *int     `yaml:"batch_size"`
	DispatchRate    *float64 `yaml:"dispatch_rate"`
	LockBackend     string   `yaml:"lock_backend"`
	LockTTL         string   `yaml:"lock_ttl"`
	RetryBackoff    string   `yaml:"retry_backoff"`
	MaxRetryBackoff string   `yaml:"max_retry_backoff"`
	MaxAttempts     *int     `yaml:"max_attempts"`
	RedisAddr       string   `yaml:"redis_addr"`
	WindowAnchor    string   `yaml:"window_anchor"`
	DefaultTimezone string   `yaml:"default_timezone"`
	LogLevel        string   `yaml:"log_level"`
	LogFormat       string   `yaml:"log_format"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		HTTPPort:        8080,
		SQLiteDSN:       "file:digest.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)",
		PollSpec:        "@every 1m",
		BatchSize:       100,
		DispatchRate:    10,
		LockBackend:     LockBackendLocal,
		LockTTL:         30 * time.Second,
		RetryBackoff:    5 * time.Minute,
		MaxRetryBackoff: time.Hour,
		MaxAttempts:     5,
		DefaultTimezone: "UTC",
		LogLevel:        "info",
		LogFormat:       "json",
	}
}

// Load reads configuration from the file named by DIGEST_CONFIG_FILE (when
// set) and then from the process environment.
func Load() (Config, error) {
	return LoadFile(strings.TrimSpace(os.Getenv("DIGEST_CONFIG_FILE")))
}

// LoadFile applies defaults, then the YAML file at path (skipped when path is
// empty), then environment variables. Every missing or invalid value is
// reported in a single error.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	invalid := make([]string, 0, 2)

	if path != "" {
		fc, err := readFile(path)
		if err != nil {
			return Config{}, err
		}
		invalid = append(invalid, fc.apply(&cfg)...)
	}

	invalid = append(invalid, applyEnv(&cfg)...)

	missing := make([]string, 0, 1)
	if cfg.LockBackend == LockBackendRedis && cfg.RedisAddr == "" {
		missing = append(missing, "DIGEST_REDIS_ADDR")
	}
	if cfg.MaxRetryBackoff < cfg.RetryBackoff {
		invalid = append(invalid, "DIGEST_MAX_RETRY_BACKOFF")
	}

	if len(missing) > 0 {
		return Config{}, fmt.Errorf("required configuration values are not set: %s", strings.Join(missing, ", "))
	}
	if len(invalid) > 0 {
		return Config{}, fmt.Errorf("invalid configuration values: %s", strings.Join(invalid, ", "))
	}

	return cfg, nil
}

func readFile(path string) (fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fileConfig{}, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return fc, nil
}

func (fc fileConfig) apply(cfg *Config) []string {
	var invalid []string
	if fc.HTTPPort != nil {
		if *fc.HTTPPort <= 0 {
			invalid = append(invalid, "http_port")
		} else {
			cfg.HTTPPort = *fc.HTTPPort
		}
	}
	if fc.SQLiteDSN != "" {
		cfg.SQLiteDSN = fc.SQLiteDSN
	}
	if fc.BatchSize != nil {
		if *fc.BatchSize <= 0 {
			invalid = append(invalid, "batch_size")
		} else {
			cfg.BatchSize = *fc.BatchSize
		}
	}
	if fc.DispatchRate != nil {
		if *fc.DispatchRate <= 0 {
			invalid = append(invalid, "dispatch_rate")
		} else {
			cfg.DispatchRate = *fc.DispatchRate
		}
	}
	if fc.MaxAttempts != nil {
		if *fc.MaxAttempts <= 0 {
			invalid = append(invalid, "max_attempts")
		} else {
			cfg.MaxAttempts = *fc.MaxAttempts
		}
	}
	if fc.RedisAddr != "" {
		cfg.RedisAddr = fc.RedisAddr
	}

	setters := []struct {
		key   string
		value string
		set   func(*Config, string) error
	}{
		{"poll_spec", fc.PollSpec, setPollSpec},
		{"lock_backend", fc.LockBackend, setLockBackend},
		{"lock_ttl", fc.LockTTL, setLockTTL},
		{"retry_backoff", fc.RetryBackoff, setRetryBackoff},
		{"max_retry_backoff", fc.MaxRetryBackoff, setMaxRetryBackoff},
		{"window_anchor", fc.WindowAnchor, setWindowAnchor},
		{"default_timezone", fc.DefaultTimezone, setTimezone},
		{"log_level", fc.LogLevel, setLogLevel},
		{"log_format", fc.LogFormat, setLogFormat},
	}
	for _, s := range setters {
		value := strings.TrimSpace(s.value)
		if value == "" {
			continue
		}
		if err := s.set(cfg, value); err != nil {
			invalid = append(invalid, s.key)
		}
	}
	return invalid
}

func applyEnv(cfg *Config) []string {
	invalid := make([]string, 0, 2)

	if portValue := strings.TrimSpace(os.Getenv("DIGEST_HTTP_PORT")); portValue != "" {
		port, err := strconv.Atoi(portValue)
		if err != nil || port <= 0 {
			invalid = append(invalid, "DIGEST_HTTP_PORT")
		} else {
			cfg.HTTPPort = port
		}
	}

	if dsn := strings.TrimSpace(os.Getenv("DIGEST_SQLITE_DSN")); dsn != "" {
		cfg.SQLiteDSN = dsn
	}

	if batchValue := strings.TrimSpace(os.Getenv("DIGEST_BATCH_SIZE")); batchValue != "" {
		batch, err := strconv.Atoi(batchValue)
		if err != nil || batch <= 0 {
			invalid = append(invalid, "DIGEST_BATCH_SIZE")
		} else {
			cfg.BatchSize = batch
		}
	}

	if rateValue := strings.TrimSpace(os.Getenv("DIGEST_DISPATCH_RATE")); rateValue != "" {
		rate, err := strconv.ParseFloat(rateValue, 64)
		if err != nil || rate <= 0 {
			invalid = append(invalid, "DIGEST_DISPATCH_RATE")
		} else {
			cfg.DispatchRate = rate
		}
	}

	if attemptsValue := strings.TrimSpace(os.Getenv("DIGEST_MAX_ATTEMPTS")); attemptsValue != "" {
		attempts, err := strconv.Atoi(attemptsValue)
		if err != nil || attempts <= 0 {
			invalid = append(invalid, "DIGEST_MAX_ATTEMPTS")
		} else {
			cfg.MaxAttempts = attempts
		}
	}

	if addr := strings.TrimSpace(os.Getenv("DIGEST_REDIS_ADDR")); addr != "" {
		cfg.RedisAddr = addr
	}

	setters := []struct {
		key string
		set func(*Config, string) error
	}{
		{"DIGEST_POLL_SPEC", setPollSpec},
		{"DIGEST_LOCK_BACKEND", setLockBackend},
		{"DIGEST_LOCK_TTL", setLockTTL},
		{"DIGEST_RETRY_BACKOFF", setRetryBackoff},
		{"DIGEST_MAX_RETRY_BACKOFF", setMaxRetryBackoff},
		{"DIGEST_WINDOW_ANCHOR", setWindowAnchor},
		{"DIGEST_DEFAULT_TIMEZONE", setTimezone},
		{"DIGEST_LOG_LEVEL", setLogLevel},
		{"DIGEST_LOG_FORMAT", setLogFormat},
	}
	for _, s := range setters {
		value := strings.TrimSpace(os.Getenv(s.key))
		if value == "" {
			continue
		}
		if err := s.set(cfg, value); err != nil {
			invalid = append(invalid, s.key)
		}
	}

	return invalid
}

var errUnsupported = errors.New("unsupported value")

func setPollSpec(cfg *Config, value string) error {
	if _, err := cron.ParseStandard(value); err != nil {
		return err
	}
	cfg.PollSpec = value
	return nil
}

func setLockBackend(cfg *Config, value string) error {
	switch strings.ToLower(value) {
	case LockBackendLocal:
		cfg.LockBackend = LockBackendLocal
	case LockBackendRedis:
		cfg.LockBackend = LockBackendRedis
	default:
		return errUnsupported
	}
	return nil
}

func setLockTTL(cfg *Config, value string) error {
	return setPositiveDuration(&cfg.LockTTL, value)
}

func setRetryBackoff(cfg *Config, value string) error {
	return setPositiveDuration(&cfg.RetryBackoff, value)
}

func setMaxRetryBackoff(cfg *Config, value string) error {
	return setPositiveDuration(&cfg.MaxRetryBackoff, value)
}

func setPositiveDuration(target *time.Duration, value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	if d <= 0 {
		return errUnsupported
	}
	*target = d
	return nil
}

func setWindowAnchor(cfg *Config, value string) error {
	anchor, err := time.Parse(time.DateOnly, value)
	if err != nil {
		return err
	}
	cfg.WindowAnchor = anchor
	return nil
}

func setTimezone(cfg *Config, value string) error {
	if _, err := time.LoadLocation(value); err != nil {
		return err
	}
	cfg.DefaultTimezone = value
	return nil
}

func setLogLevel(cfg *Config, value string) error {
	switch strings.ToLower(value) {
	case "debug", "info", "warn", "error":
		cfg.LogLevel = strings.ToLower(value)
		return nil
	}
	return errUnsupported
}

func setLogFormat(cfg *Config, value string) error {
	switch strings.ToLower(value) {
	case "json", "text":
		cfg.LogFormat = strings.ToLower(value)
		return nil
	}
	return errUnsupported
}

// Location resolves DefaultTimezone, falling back to UTC.
func (c Config) Location() *time.Location {
	if c.DefaultTimezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.DefaultTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
