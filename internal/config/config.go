package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const envPrefix = "APP_"

// Config represents runtime configuration sourced from an optional YAML file
// and environment variables.
type Config struct {
	ListenAddr        string
	TegrastatsPath    string
	SampleInterval    time.Duration
	BroadcastInterval time.Duration
	AllowedOrigins    []string
	EnablePrometheus  bool
	EnablePprof       bool
	LogLevel          slog.Level
	HostRoot          string
	StopTimeout       time.Duration
	WS                WebsocketConfig
	Restart           RestartConfig
	// ConfigFile is the YAML file the values were layered over, if any.
	ConfigFile string
}

// WebsocketConfig captures tunables for WebSocket handling.
type WebsocketConfig struct {
	MaxClients   int
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	SendTimeout  time.Duration
}

// RestartConfig controls how the tegrastats subprocess is restarted.
type RestartConfig struct {
	BackoffMin  time.Duration
	BackoffMax  time.Duration
	MaxAttempts int
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr:        ":58090",
		TegrastatsPath:    "tegrastats",
		SampleInterval:    time.Second,
		BroadcastInterval: time.Second,
		AllowedOrigins:    []string{"*"},
		EnablePrometheus:  false,
		EnablePprof:       false,
		LogLevel:          slog.LevelInfo,
		HostRoot:          "/",
		StopTimeout:       5 * time.Second,
		WS: WebsocketConfig{
			MaxClients:   10,
			WriteTimeout: 3 * time.Second,
			ReadTimeout:  30 * time.Second,
			SendTimeout:  time.Second,
		},
		Restart: RestartConfig{
			BackoffMin:  500 * time.Millisecond,
			BackoffMax:  30 * time.Second,
			MaxAttempts: 0,
		},
	}
}

// Load parses configuration, layering environment variables over the YAML
// file named by APP_CONFIG_FILE (if set) and built-in defaults.
func Load() (Config, error) {
	return LoadFrom(strings.TrimSpace(os.Getenv(envPrefix + "CONFIG_FILE")))
}

// LoadFrom is Load with an explicit config file path. An empty path skips the
// file layer.
func LoadFrom(path string) (Config, error) {
	src := source{}
	if path != "" {
		values, err := readFile(path)
		if err != nil {
			return Config{}, err
		}
		src.file = values
	}

	cfg := Default()
	cfg.ConfigFile = path

	if value := src.lookup("LISTEN_ADDR"); value != "" {
		cfg.ListenAddr = value
	}

	if value := src.lookup("TEGRASTATS_PATH"); value != "" {
		cfg.TegrastatsPath = value
	}

	if err := src.duration("SAMPLE_INTERVAL", &cfg.SampleInterval); err != nil {
		return Config{}, err
	}

	if err := src.duration("BROADCAST_INTERVAL", &cfg.BroadcastInterval); err != nil {
		return Config{}, err
	}

	if value := src.lookup("ALLOWED_ORIGINS"); value != "" {
		origins := splitAndTrim(value, ",")
		if len(origins) == 0 {
			return Config{}, fmt.Errorf("APP_ALLOWED_ORIGINS must not be empty")
		}
		cfg.AllowedOrigins = origins
	}

	if err := src.bool("ENABLE_PROMETHEUS", &cfg.EnablePrometheus); err != nil {
		return Config{}, err
	}

	if err := src.bool("ENABLE_PPROF", &cfg.EnablePprof); err != nil {
		return Config{}, err
	}

	if value := src.lookup("LOG_LEVEL"); value != "" {
		level, err := ParseLogLevel(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_LOG_LEVEL: %w", err)
		}
		cfg.LogLevel = level
	}

	if value := src.lookup("HOST_ROOT"); value != "" {
		cfg.HostRoot = value
	}

	if err := src.duration("STOP_TIMEOUT", &cfg.StopTimeout); err != nil {
		return Config{}, err
	}

	if err := src.positiveInt("WS_MAX_CLIENTS", &cfg.WS.MaxClients); err != nil {
		return Config{}, err
	}

	if err := src.duration("WS_WRITE_TIMEOUT", &cfg.WS.WriteTimeout); err != nil {
		return Config{}, err
	}

	if err := src.duration("WS_READ_TIMEOUT", &cfg.WS.ReadTimeout); err != nil {
		return Config{}, err
	}

	if err := src.duration("WS_SEND_TIMEOUT", &cfg.WS.SendTimeout); err != nil {
		return Config{}, err
	}

	if err := src.duration("RESTART_BACKOFF_MIN", &cfg.Restart.BackoffMin); err != nil {
		return Config{}, err
	}

	if err := src.duration("RESTART_BACKOFF_MAX", &cfg.Restart.BackoffMax); err != nil {
		return Config{}, err
	}

	if value := src.lookup("RESTART_MAX_ATTEMPTS"); value != "" {
		attempts, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_RESTART_MAX_ATTEMPTS: %w", err)
		}
		if attempts < 0 {
			return Config{}, fmt.Errorf("APP_RESTART_MAX_ATTEMPTS must be >= 0")
		}
		cfg.Restart.MaxAttempts = attempts
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate reports every invalid setting. It is called by Load and again after
// command-line overrides are applied.
func (c Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.ListenAddr) == "" {
		errs = append(errs, errors.New("listen address must not be empty"))
	}
	if strings.TrimSpace(c.TegrastatsPath) == "" {
		errs = append(errs, errors.New("tegrastats path must not be empty"))
	}
	if c.SampleInterval <= 0 {
		errs = append(errs, errors.New("sample interval must be > 0"))
	} else if c.SampleInterval < time.Millisecond {
		errs = append(errs, errors.New("sample interval must be at least 1ms"))
	}
	if c.BroadcastInterval <= 0 {
		errs = append(errs, errors.New("broadcast interval must be > 0"))
	}
	if len(c.AllowedOrigins) == 0 {
		errs = append(errs, errors.New("allowed origins must not be empty"))
	}
	if c.StopTimeout <= 0 {
		errs = append(errs, errors.New("stop timeout must be > 0"))
	}
	if c.WS.MaxClients <= 0 {
		errs = append(errs, errors.New("ws max clients must be > 0"))
	}
	if c.WS.WriteTimeout <= 0 {
		errs = append(errs, errors.New("ws write timeout must be > 0"))
	}
	if c.WS.ReadTimeout <= 0 {
		errs = append(errs, errors.New("ws read timeout must be > 0"))
	}
	if c.WS.SendTimeout <= 0 {
		errs = append(errs, errors.New("ws send timeout must be > 0"))
	}
	if c.Restart.BackoffMin <= 0 {
		errs = append(errs, errors.New("restart backoff min must be > 0"))
	}
	if c.Restart.BackoffMax < c.Restart.BackoffMin {
		errs = append(errs, fmt.Errorf("restart backoff max (%s) must be >= min (%s)", c.Restart.BackoffMax, c.Restart.BackoffMin))
	}
	if c.Restart.MaxAttempts < 0 {
		errs = append(errs, errors.New("restart max attempts must be >= 0"))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Features reports optional endpoints for the WebSocket hello message.
func (c Config) Features() map[string]bool {
	return map[string]bool{
		"metrics": c.EnablePrometheus,
		"pprof":   c.EnablePprof,
	}
}

// ParseLogLevel accepts DEBUG, INFO, WARN/WARNING and ERROR in any case.
func ParseLogLevel(input string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(input)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level %q", input)
	}
}

// knownKeys lists every accepted key without the APP_ prefix.
var knownKeys = map[string]struct{}{
	"LISTEN_ADDR":          {},
	"TEGRASTATS_PATH":      {},
	"SAMPLE_INTERVAL":      {},
	"BROADCAST_INTERVAL":   {},
	"ALLOWED_ORIGINS":      {},
	"ENABLE_PROMETHEUS":    {},
	"ENABLE_PPROF":         {},
	"LOG_LEVEL":            {},
	"HOST_ROOT":            {},
	"STOP_TIMEOUT":         {},
	"WS_MAX_CLIENTS":       {},
	"WS_WRITE_TIMEOUT":     {},
	"WS_READ_TIMEOUT":      {},
	"WS_SEND_TIMEOUT":      {},
	"RESTART_BACKOFF_MIN":  {},
	"RESTART_BACKOFF_MAX":  {},
	"RESTART_MAX_ATTEMPTS": {},
}

// source resolves a key from the environment first, then the config file.
type source struct {
	file map[string]string
}

func (s source) lookup(key string) string {
	if value := strings.TrimSpace(os.Getenv(envPrefix + key)); value != "" {
		return value
	}
	return strings.TrimSpace(s.file[key])
}

func (s source) duration(key string, dst *time.Duration) error {
	value := s.lookup(key)
	if value == "" {
		return nil
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s%s: %w", envPrefix, key, err)
	}
	if duration <= 0 {
		return fmt.Errorf("%s%s must be > 0", envPrefix, key)
	}
	*dst = duration
	return nil
}

func (s source) bool(key string, dst *bool) error {
	value := s.lookup(key)
	if value == "" {
		return nil
	}
	enabled, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("parse %s%s: %w", envPrefix, key, err)
	}
	*dst = enabled
	return nil
}

func (s source) positiveInt(key string, dst *int) error {
	value := s.lookup(key)
	if value == "" {
		return nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s%s: %w", envPrefix, key, err)
	}
	if n <= 0 {
		return fmt.Errorf("%s%s must be > 0", envPrefix, key)
	}
	*dst = n
	return nil
}

// readFile loads a YAML document and flattens nested keys into env-style
// names: {ws: {max_clients: 5}} becomes WS_MAX_CLIENTS=5.
func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	values := make(map[string]string)
	if err := flatten("", doc, values); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}

	var unknown []string
	for key := range values {
		if _, ok := knownKeys[key]; !ok {
			unknown = append(unknown, strings.ToLower(key))
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("config file %s: unknown keys %s", path, strings.Join(unknown, ", "))
	}

	return values, nil
}

func flatten(prefix string, node map[string]any, out map[string]string) error {
	for rawKey, value := range node {
		key := strings.ToUpper(strings.TrimSpace(rawKey))
		if prefix != "" {
			key = prefix + "_" + key
		}

		switch v := value.(type) {
		case nil:
			continue
		case map[string]any:
			if err := flatten(key, v, out); err != nil {
				return err
			}
		case []any:
			items := make([]string, 0, len(v))
			for _, item := range v {
				if _, nested := item.(map[string]any); nested {
					return fmt.Errorf("key %s: lists may only contain scalars", strings.ToLower(key))
				}
				items = append(items, fmt.Sprint(item))
			}
			out[key] = strings.Join(items, ",")
		default:
			out[key] = fmt.Sprint(v)
		}
	}
	return nil
}

func splitAndTrim(value, sep string) []string {
	raw := strings.Split(value, sep)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		trimmed := strings.TrimSpace(item)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
