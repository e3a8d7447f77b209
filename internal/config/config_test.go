package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/myolink/myolink/internal/config"
	"github.com/myolink/myolink/internal/recorder"
)

const sampleYAML = `
log:
  level: debug

source:
  kind: udp

sampler:
  rate_hz: 500
  sensor: firmware
  channel: 2

serial:
  device: /dev/ttyUSB0
  baud_rate: 230400

link:
  listen_addr: ":7733"
  targets:
    - "10.0.0.2:7733"
    - "10.0.0.3:7733"
  horizon: 128
  window: 64
  idle_timeout: 3s

storage:
  root: /var/lib/myolink
  subject: subj01
  session_label: baseline
  sync: interval
  sync_interval: 100ms

recorder:
  window: 20ms

controller:
  enabled: true
  rising: 11000
  falling: 9000

monitor:
  listen_addr: ":8080"
`

func TestLoadFromReader_Valid(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Log.Level != config.LogDebug {
		t.Errorf("log.level: got %q, want %q", cfg.Log.Level, config.LogDebug)
	}
	if cfg.Source.Kind != config.SourceUDP {
		t.Errorf("source.kind: got %q, want %q", cfg.Source.Kind, config.SourceUDP)
	}
	if cfg.Sampler.Sensor != config.SensorFirmware {
		t.Errorf("sampler.sensor: got %q, want %q", cfg.Sampler.Sensor, config.SensorFirmware)
	}
	if cfg.Sampler.Channel != 2 {
		t.Errorf("sampler.channel: got %d, want 2", cfg.Sampler.Channel)
	}
	if len(cfg.Link.Targets) != 2 || cfg.Link.Targets[0] != "10.0.0.2:7733" {
		t.Errorf("link.targets: got %v", cfg.Link.Targets)
	}
	if cfg.Link.Horizon != 128 {
		t.Errorf("link.horizon: got %d, want 128", cfg.Link.Horizon)
	}
	if cfg.Link.IdleTimeout != 3*time.Second {
		t.Errorf("link.idle_timeout: got %v, want 3s", cfg.Link.IdleTimeout)
	}
	if cfg.Storage.Sync != recorder.SyncPeriodic {
		t.Errorf("storage.sync: got %q, want %q", cfg.Storage.Sync, recorder.SyncPeriodic)
	}
	if cfg.Recorder.Window != 20*time.Millisecond {
		t.Errorf("recorder.window: got %v, want 20ms", cfg.Recorder.Window)
	}
	if cfg.Controller.Rising != 11000 || cfg.Controller.Falling != 9000 {
		t.Errorf("controller thresholds: got %d/%d", cfg.Controller.Rising, cfg.Controller.Falling)
	}
}

func TestLoadFromReader_EmptyKeepsDefaults(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("unexpected error for empty config: %v", err)
	}

	def := config.Default()
	if cfg.Sampler.RateHz != def.Sampler.RateHz {
		t.Errorf("sampler.rate_hz: got %d, want default %d", cfg.Sampler.RateHz, def.Sampler.RateHz)
	}
	if cfg.Link.IdleTimeout != def.Link.IdleTimeout {
		t.Errorf("link.idle_timeout: got %v, want default %v", cfg.Link.IdleTimeout, def.Link.IdleTimeout)
	}
	if cfg.Source.Kind != config.SourceSim {
		t.Errorf("source.kind: got %q, want default sim", cfg.Source.Kind)
	}
}

func TestLoadFromReader_PartialOverlaysDefaults(t *testing.T) {
	yaml := `
controller:
  rising: 12000
  falling: 10000
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Controller.Rising != 12000 {
		t.Errorf("controller.rising: got %d, want 12000", cfg.Controller.Rising)
	}
	// Untouched sections keep their defaults.
	if cfg.Sampler.RateHz != config.Default().Sampler.RateHz {
		t.Errorf("sampler.rate_hz: got %d, want default", cfg.Sampler.RateHz)
	}
}

func TestLoadFromReader_UnknownKeyFails(t *testing.T) {
	yaml := `
sampler:
  rate_hz: 500
  gain: 4
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown key, got nil")
	}
	if !strings.Contains(err.Error(), "gain") {
		t.Errorf("error should mention the unknown key, got: %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load("/nonexistent/myolink.yaml")
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "myolink.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Storage.Subject != "subj01" {
		t.Errorf("storage.subject: got %q, want subj01", cfg.Storage.Subject)
	}
	if cfg.Storage.SessionLabel != "baseline" {
		t.Errorf("storage.session_label: got %q, want baseline", cfg.Storage.SessionLabel)
	}
}

// ── Environment overrides ─────────────────────────────────────────────────────

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("MYOLINK_SUBJECT", "subj02")
	t.Setenv("MYOLINK_RISING", "13000")
	t.Setenv("MYOLINK_LINK_TARGETS", "192.168.1.5:7733,192.168.1.6:7733")

	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Storage.Subject != "subj02" {
		t.Errorf("storage.subject: got %q, want env override subj02", cfg.Storage.Subject)
	}
	if cfg.Controller.Rising != 13000 {
		t.Errorf("controller.rising: got %d, want env override 13000", cfg.Controller.Rising)
	}
	if len(cfg.Link.Targets) != 2 || cfg.Link.Targets[0] != "192.168.1.5:7733" {
		t.Errorf("link.targets: got %v, want env override", cfg.Link.Targets)
	}
	// Fields without a matching env var keep the file values.
	if cfg.Sampler.Channel != 2 {
		t.Errorf("sampler.channel: got %d, want file value 2", cfg.Sampler.Channel)
	}
}

func TestEnvOverrideIsValidated(t *testing.T) {
	t.Setenv("MYOLINK_SOURCE", "carrier-pigeon")

	_, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err == nil {
		t.Fatal("expected validation error for bad env override, got nil")
	}
	if !strings.Contains(err.Error(), "source.kind") {
		t.Errorf("error should mention source.kind, got: %v", err)
	}
}

// ── Validation ────────────────────────────────────────────────────────────────

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		mention string
	}{
		{
			name:    "invalid log level",
			mutate:  func(c *config.Config) { c.Log.Level = "verbose" },
			mention: "log.level",
		},
		{
			name:    "invalid source kind",
			mutate:  func(c *config.Config) { c.Source.Kind = "tcp" },
			mention: "source.kind",
		},
		{
			name:    "invalid sensor kind",
			mutate:  func(c *config.Config) { c.Sampler.Sensor = "emg9000" },
			mention: "sampler.sensor",
		},
		{
			name:    "negative rate",
			mutate:  func(c *config.Config) { c.Sampler.RateHz = -1 },
			mention: "rate_hz",
		},
		{
			name:    "device-paced sim sensor",
			mutate:  func(c *config.Config) { c.Sampler.RateHz = 0 },
			mention: "rate_hz",
		},
		{
			name:    "channel out of range",
			mutate:  func(c *config.Config) { c.Sampler.Channel = 6 },
			mention: "channel",
		},
		{
			name: "serial source without device",
			mutate: func(c *config.Config) {
				c.Source.Kind = config.SourceSerial
				c.Serial.Device = ""
			},
			mention: "serial.device",
		},
		{
			name: "firmware sensor without device",
			mutate: func(c *config.Config) {
				c.Sampler.Sensor = config.SensorFirmware
				c.Serial.Device = ""
			},
			mention: "serial.device",
		},
		{
			name: "udp source without listen addr",
			mutate: func(c *config.Config) {
				c.Source.Kind = config.SourceUDP
				c.Link.ListenAddr = ""
			},
			mention: "listen_addr",
		},
		{
			name:    "zero horizon",
			mutate:  func(c *config.Config) { c.Link.Horizon = 0 },
			mention: "horizon",
		},
		{
			name:    "zero idle timeout",
			mutate:  func(c *config.Config) { c.Link.IdleTimeout = 0 },
			mention: "idle_timeout",
		},
		{
			name:    "empty storage root",
			mutate:  func(c *config.Config) { c.Storage.Root = "" },
			mention: "storage.root",
		},
		{
			name:    "invalid sync mode",
			mutate:  func(c *config.Config) { c.Storage.Sync = "eventually" },
			mention: "storage.sync",
		},
		{
			name:    "zero recorder window",
			mutate:  func(c *config.Config) { c.Recorder.Window = 0 },
			mention: "recorder.window",
		},
		{
			name:    "falling at rising",
			mutate:  func(c *config.Config) { c.Controller.Falling = c.Controller.Rising },
			mention: "controller.falling",
		},
		{
			name:    "falling above rising",
			mutate:  func(c *config.Config) { c.Controller.Falling = c.Controller.Rising + 1 },
			mention: "controller.falling",
		},
		{
			name:    "zero queue",
			mutate:  func(c *config.Config) { c.Recorder.SampleQueue = 0 },
			mention: "sample_queue",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			err := config.Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.mention) {
				t.Errorf("error should mention %q, got: %v", tt.mention, err)
			}
		})
	}
}

func TestValidate_JoinsAllFailures(t *testing.T) {
	cfg := config.Default()
	cfg.Log.Level = "verbose"
	cfg.Controller.Falling = cfg.Controller.Rising

	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	for _, mention := range []string{"log.level", "controller.falling"} {
		if !strings.Contains(err.Error(), mention) {
			t.Errorf("joined error should mention %q, got: %v", mention, err)
		}
	}
}

func TestValidate_DefaultIsValid(t *testing.T) {
	if err := config.Validate(config.Default()); err != nil {
		t.Fatalf("default config should validate, got: %v", err)
	}
}

// ── Helpers on Config ─────────────────────────────────────────────────────────

func TestLogLevel_Level(t *testing.T) {
	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := tt.in.Level(); got != tt.want {
			t.Errorf("LogLevel(%q).Level() = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestCatalogPath(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Root = "/var/lib/myolink"
	if got := cfg.CatalogPath(); got != filepath.Join("/var/lib/myolink", "catalog.db") {
		t.Errorf("CatalogPath() = %q", got)
	}

	cfg.Storage.Catalog = "/tmp/other.db"
	if got := cfg.CatalogPath(); got != "/tmp/other.db" {
		t.Errorf("CatalogPath() with explicit path = %q", got)
	}
}
