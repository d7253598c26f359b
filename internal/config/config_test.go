package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_CONFIG_FILE", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.ListenAddr != ":58090" {
		t.Fatalf("unexpected ListenAddr %q", cfg.ListenAddr)
	}
	if cfg.TegrastatsPath != "tegrastats" {
		t.Fatalf("unexpected TegrastatsPath %q", cfg.TegrastatsPath)
	}
	if cfg.SampleInterval != time.Second || cfg.BroadcastInterval != time.Second {
		t.Fatalf("unexpected intervals %s / %s", cfg.SampleInterval, cfg.BroadcastInterval)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("unexpected LogLevel %v", cfg.LogLevel)
	}
	if cfg.HostRoot != "/" {
		t.Fatalf("unexpected HostRoot %q", cfg.HostRoot)
	}
	if cfg.WS.MaxClients != 10 {
		t.Fatalf("unexpected WS.MaxClients %d", cfg.WS.MaxClients)
	}
	if cfg.Restart.BackoffMin != 500*time.Millisecond || cfg.Restart.BackoffMax != 30*time.Second {
		t.Fatalf("unexpected restart backoff %+v", cfg.Restart)
	}
	if cfg.Restart.MaxAttempts != 0 {
		t.Fatalf("expected unlimited restarts by default, got %d", cfg.Restart.MaxAttempts)
	}
	if cfg.StopTimeout != 5*time.Second {
		t.Fatalf("unexpected StopTimeout %s", cfg.StopTimeout)
	}
	if cfg.ConfigFile != "" {
		t.Fatalf("unexpected ConfigFile %q", cfg.ConfigFile)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("APP_CONFIG_FILE", "")
	t.Setenv("APP_LISTEN_ADDR", "127.0.0.1:9000")
	t.Setenv("APP_TEGRASTATS_PATH", "/usr/bin/tegrastats")
	t.Setenv("APP_SAMPLE_INTERVAL", "500ms")
	t.Setenv("APP_BROADCAST_INTERVAL", "2s")
	t.Setenv("APP_ALLOWED_ORIGINS", "https://example.com, https://other.test")
	t.Setenv("APP_ENABLE_PROMETHEUS", "true")
	t.Setenv("APP_ENABLE_PPROF", "true")
	t.Setenv("APP_LOG_LEVEL", "debug")
	t.Setenv("APP_HOST_ROOT", "/host")
	t.Setenv("APP_STOP_TIMEOUT", "8s")
	t.Setenv("APP_WS_MAX_CLIENTS", "64")
	t.Setenv("APP_WS_WRITE_TIMEOUT", "10s")
	t.Setenv("APP_WS_READ_TIMEOUT", "45s")
	t.Setenv("APP_WS_SEND_TIMEOUT", "250ms")
	t.Setenv("APP_RESTART_BACKOFF_MIN", "1s")
	t.Setenv("APP_RESTART_BACKOFF_MAX", "1m")
	t.Setenv("APP_RESTART_MAX_ATTEMPTS", "5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.ListenAddr != "127.0.0.1:9000" {
		t.Fatalf("ListenAddr override failed, got %q", cfg.ListenAddr)
	}
	if cfg.TegrastatsPath != "/usr/bin/tegrastats" {
		t.Fatalf("TegrastatsPath override failed, got %q", cfg.TegrastatsPath)
	}
	if cfg.SampleInterval != 500*time.Millisecond {
		t.Fatalf("SampleInterval override failed, got %s", cfg.SampleInterval)
	}
	if cfg.BroadcastInterval != 2*time.Second {
		t.Fatalf("BroadcastInterval override failed, got %s", cfg.BroadcastInterval)
	}
	wantOrigins := []string{"https://example.com", "https://other.test"}
	if !reflect.DeepEqual(cfg.AllowedOrigins, wantOrigins) {
		t.Fatalf("AllowedOrigins mismatch: %+v", cfg.AllowedOrigins)
	}
	if !cfg.EnablePrometheus || !cfg.EnablePprof {
		t.Fatalf("feature toggles override failed")
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("LogLevel override failed, got %v", cfg.LogLevel)
	}
	if cfg.HostRoot != "/host" {
		t.Fatalf("HostRoot override failed, got %q", cfg.HostRoot)
	}
	if cfg.StopTimeout != 8*time.Second {
		t.Fatalf("StopTimeout override failed, got %s", cfg.StopTimeout)
	}
	if cfg.WS.MaxClients != 64 {
		t.Fatalf("WS.MaxClients override failed, got %d", cfg.WS.MaxClients)
	}
	if cfg.WS.WriteTimeout != 10*time.Second || cfg.WS.ReadTimeout != 45*time.Second {
		t.Fatalf("WS timeouts override failed, got %+v", cfg.WS)
	}
	if cfg.WS.SendTimeout != 250*time.Millisecond {
		t.Fatalf("WS.SendTimeout override failed, got %s", cfg.WS.SendTimeout)
	}
	if cfg.Restart.BackoffMin != time.Second || cfg.Restart.BackoffMax != time.Minute || cfg.Restart.MaxAttempts != 5 {
		t.Fatalf("Restart override failed, got %+v", cfg.Restart)
	}
}

func TestLoadInvalidEnv(t *testing.T) {
	testCases := []struct {
		name string
		key  string
		val  string
	}{
		{"NegativeSampleInterval", "APP_SAMPLE_INTERVAL", "-1s"},
		{"InvalidBroadcastInterval", "APP_BROADCAST_INTERVAL", "often"},
		{"InvalidOrigins", "APP_ALLOWED_ORIGINS", ","},
		{"InvalidPrometheusBool", "APP_ENABLE_PROMETHEUS", "maybe"},
		{"InvalidLogLevel", "APP_LOG_LEVEL", "loud"},
		{"InvalidWSMaxClients", "APP_WS_MAX_CLIENTS", "zero"},
		{"NonPositiveWSMaxClients", "APP_WS_MAX_CLIENTS", "0"},
		{"InvalidWSWriteTimeout", "APP_WS_WRITE_TIMEOUT", "nope"},
		{"NegativeWSWriteTimeout", "APP_WS_WRITE_TIMEOUT", "-1s"},
		{"ZeroWSSendTimeout", "APP_WS_SEND_TIMEOUT", "0s"},
		{"InvalidStopTimeout", "APP_STOP_TIMEOUT", "soon"},
		{"InvalidBackoffMin", "APP_RESTART_BACKOFF_MIN", "fast"},
		{"BackoffMaxBelowMin", "APP_RESTART_BACKOFF_MAX", "100ms"},
		{"InvalidMaxAttempts", "APP_RESTART_MAX_ATTEMPTS", "many"},
		{"NegativeMaxAttempts", "APP_RESTART_MAX_ATTEMPTS", "-1"},
		{"SubMillisecondSampleInterval", "APP_SAMPLE_INTERVAL", "10us"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("APP_CONFIG_FILE", "")
			t.Setenv(tc.key, tc.val)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%q", tc.key, tc.val)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfigFile(t, `
listen_addr: "0.0.0.0:7000"
sample_interval: 2s
allowed_origins:
  - https://a.test
  - https://b.test
enable_prometheus: true
ws:
  max_clients: 3
  send_timeout: 300ms
restart:
  backoff_min: 250ms
  max_attempts: 4
`)
	t.Setenv("APP_CONFIG_FILE", path)
	t.Setenv("APP_LISTEN_ADDR", "")
	t.Setenv("APP_WS_MAX_CLIENTS", "7")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.ConfigFile != path {
		t.Fatalf("unexpected ConfigFile %q", cfg.ConfigFile)
	}
	if cfg.ListenAddr != "0.0.0.0:7000" {
		t.Fatalf("file value for listen_addr not applied, got %q", cfg.ListenAddr)
	}
	if cfg.SampleInterval != 2*time.Second {
		t.Fatalf("file value for sample_interval not applied, got %s", cfg.SampleInterval)
	}
	if !reflect.DeepEqual(cfg.AllowedOrigins, []string{"https://a.test", "https://b.test"}) {
		t.Fatalf("file list not applied, got %v", cfg.AllowedOrigins)
	}
	if !cfg.EnablePrometheus {
		t.Fatalf("file bool not applied")
	}
	if cfg.WS.MaxClients != 7 {
		t.Fatalf("environment must override file, got %d", cfg.WS.MaxClients)
	}
	if cfg.WS.SendTimeout != 300*time.Millisecond {
		t.Fatalf("nested file value not applied, got %s", cfg.WS.SendTimeout)
	}
	if cfg.Restart.BackoffMin != 250*time.Millisecond || cfg.Restart.MaxAttempts != 4 {
		t.Fatalf("restart section not applied, got %+v", cfg.Restart)
	}
	if cfg.BroadcastInterval != time.Second {
		t.Fatalf("unset keys must keep defaults, got %s", cfg.BroadcastInterval)
	}
}

func TestLoadFromFileErrors(t *testing.T) {
	if _, err := LoadFrom(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	} else if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected wrapped not-exist error, got %v", err)
	}

	cases := map[string]string{
		"malformed":   "listen_addr: [unterminated",
		"unknown key": "listen_adr: ':1'\n",
		"nested list": "allowed_origins:\n  - {a: b}\n",
		"bad value":   "ws:\n  max_clients: lots\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeConfigFile(t, body)
			if _, err := LoadFrom(path); err == nil {
				t.Fatalf("expected error for %s", name)
			}
		})
	}
}

func TestMarshalYAMLRoundTrip(t *testing.T) {
	t.Setenv("APP_CONFIG_FILE", "")

	want := Default()
	want.ListenAddr = "127.0.0.1:1234"
	want.AllowedOrigins = []string{"https://x.test"}
	want.LogLevel = slog.LevelWarn
	want.WS.MaxClients = 42
	want.Restart.MaxAttempts = 3

	data, err := yaml.Marshal(want)
	if err != nil {
		t.Fatalf("yaml.Marshal returned error: %v", err)
	}
	if !strings.Contains(string(data), "max_clients: 42") {
		t.Fatalf("expected nested ws section, got:\n%s", data)
	}

	path := writeConfigFile(t, string(data))
	got, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom returned error: %v\n%s", err, data)
	}
	got.ConfigFile = ""

	if !reflect.DeepEqual(got, want) {
		t.Fatalf("round trip mismatch:\nwant %+v\ngot  %+v", want, got)
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.ListenAddr = ""
	cfg.BroadcastInterval = 0
	cfg.WS.MaxClients = -1

	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, fragment := range []string{"listen address", "broadcast interval", "ws max clients"} {
		if !strings.Contains(err.Error(), fragment) {
			t.Fatalf("expected %q in %v", fragment, err)
		}
	}

	if err := Default().Validate(); err != nil {
		t.Fatalf("defaults must be valid: %v", err)
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	for input, want := range map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" INFO ":  slog.LevelInfo,
		"warning": slog.LevelWarn,
		"Error":   slog.LevelError,
	} {
		got, err := ParseLogLevel(input)
		if err != nil || got != want {
			t.Fatalf("ParseLogLevel(%q) = %v, %v", input, got, err)
		}
	}
	if _, err := ParseLogLevel("trace"); err == nil {
		t.Fatalf("expected error for unsupported level")
	}
}

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
