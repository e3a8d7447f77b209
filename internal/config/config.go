// Package config provides the configuration schema, loader, file watcher,
// and hot-reload diff for the myolink binaries.
package config

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/myolink/myolink/internal/catalog"
	"github.com/myolink/myolink/internal/control"
	"github.com/myolink/myolink/internal/label"
	"github.com/myolink/myolink/internal/recorder"
	"github.com/myolink/myolink/internal/sampler"
	"github.com/myolink/myolink/pkg/link"
	"github.com/myolink/myolink/pkg/link/serial"
	"github.com/myolink/myolink/pkg/link/udp"
)

// LogLevel controls log verbosity for the myolink binaries.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level converts l to its slog equivalent. Unrecognised values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// SourceKind selects where the host daemon's signal comes from.
type SourceKind string

const (
	// SourceUDP receives encoded frames from a sensor bridge over the network.
	SourceUDP SourceKind = "udp"

	// SourceSerial reads encoded frames from a tethered device.
	SourceSerial SourceKind = "serial"

	// SourceSim runs an in-process synthetic sensor, no hardware required.
	SourceSim SourceKind = "sim"
)

// IsValid reports whether k is a recognised source kind.
func (k SourceKind) IsValid() bool {
	switch k {
	case SourceUDP, SourceSerial, SourceSim:
		return true
	}
	return false
}

// SensorKind selects the sample source on the sensor bridge.
type SensorKind string

const (
	// SensorSim is the built-in synthetic burst generator.
	SensorSim SensorKind = "sim"

	// SensorFirmware is the acquisition board behind a serial port.
	SensorFirmware SensorKind = "firmware"
)

// IsValid reports whether k is a recognised sensor kind.
func (k SensorKind) IsValid() bool {
	return k == SensorSim || k == SensorFirmware
}

// Config is the root configuration structure shared by the myolink binaries.
// Each binary reads the sections it needs: the host daemon ignores the sensor
// selection, the sensor bridge ignores storage and recording. It is typically
// loaded from a YAML file using [Load] or [LoadFromReader]; fields tagged with
// an env key can be overridden through MYOLINK_* environment variables.
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Source     SourceConfig     `yaml:"source"`
	Sampler    SamplerConfig    `yaml:"sampler"`
	Serial     SerialConfig     `yaml:"serial"`
	Link       LinkConfig       `yaml:"link"`
	Storage    StorageConfig    `yaml:"storage"`
	Recorder   RecorderConfig   `yaml:"recorder"`
	Label      LabelConfig      `yaml:"label"`
	Controller ControllerConfig `yaml:"controller"`
	Monitor    MonitorConfig    `yaml:"monitor"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level controls verbosity. Hot-reloadable.
	Level LogLevel `yaml:"level" env:"MYOLINK_LOG_LEVEL"`
}

// SourceConfig selects the host daemon's ingest path.
type SourceConfig struct {
	// Kind is "udp" (frames from a sensor bridge), "serial" (frames from a
	// tethered device), or "sim" (in-process synthetic sensor).
	Kind SourceKind `yaml:"kind" env:"MYOLINK_SOURCE"`
}

// SamplerConfig holds acquisition settings. Used by the sensor bridge and by
// the host daemon's sim source.
type SamplerConfig struct {
	// RateHz is the sampling rate. 0 lets the sensor hardware pace the loop,
	// which is only meaningful for the firmware sensor.
	RateHz int `yaml:"rate_hz" env:"MYOLINK_SAMPLE_RATE"`

	// Sensor selects the bridge's sample source.
	Sensor SensorKind `yaml:"sensor" env:"MYOLINK_SENSOR"`

	// Channel is the firmware board channel to acquire, 0 to 5.
	Channel int `yaml:"channel"`

	// Seed seeds the sim sensor. 0 picks a random seed per run.
	Seed uint64 `yaml:"seed"`

	// Queue is the sampler output queue capacity.
	Queue int `yaml:"queue"`
}

// SerialConfig holds serial port settings, shared by the firmware sensor and
// the serial frame link.
type SerialConfig struct {
	// Device is the port path (e.g., "/dev/ttyUSB0").
	Device string `yaml:"device" env:"MYOLINK_SERIAL_DEVICE"`

	// BaudRate is the UART speed. The acquisition firmware runs at 230400.
	BaudRate uint `yaml:"baud_rate"`
}

// LinkConfig holds UDP transport settings and the receiver admission policy.
type LinkConfig struct {
	// ListenAddr is the UDP address the receiver binds (e.g., ":7733").
	ListenAddr string `yaml:"listen_addr" env:"MYOLINK_LINK_LISTEN"`

	// Targets lists destination addresses for the sender. Every frame is
	// sent to all of them.
	Targets []string `yaml:"targets" env:"MYOLINK_LINK_TARGETS" envSeparator:","`

	// Horizon is the duplicate-detection depth in sequence numbers.
	Horizon int `yaml:"horizon"`

	// Window is the reorder acceptance window in sequence numbers.
	Window int `yaml:"window"`

	// IdleTimeout resets the receiver session after this long without a
	// frame, so a restarted sender's sequence numbers are accepted.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// Queue is the receive queue capacity.
	Queue int `yaml:"queue"`
}

// StorageConfig holds dataset and catalog locations.
type StorageConfig struct {
	// Root is the directory sessions are recorded under.
	Root string `yaml:"root" env:"MYOLINK_STORAGE_ROOT"`

	// Subject names the person being recorded. Becomes part of the session
	// directory path.
	Subject string `yaml:"subject" env:"MYOLINK_SUBJECT"`

	// SessionLabel tags each session in the catalog and sidecar, for
	// example a study phase or protocol name. Optional.
	SessionLabel string `yaml:"session_label" env:"MYOLINK_SESSION_LABEL"`

	// Catalog is the SQLite index file. Empty means <root>/catalog.db.
	Catalog string `yaml:"catalog" env:"MYOLINK_CATALOG"`

	// Sync selects the fsync policy for dataset appends.
	Sync recorder.SyncMode `yaml:"sync"`

	// SyncInterval bounds data loss in "interval" sync mode.
	SyncInterval time.Duration `yaml:"sync_interval"`
}

// RecorderConfig holds reorder and intake settings.
type RecorderConfig struct {
	// Window is how long samples are buffered before finalization, to absorb
	// cross-source reordering.
	Window time.Duration `yaml:"window"`

	// SampleQueue is the sample intake capacity.
	SampleQueue int `yaml:"sample_queue"`

	// LabelQueue is the label transition intake capacity.
	LabelQueue int `yaml:"label_queue"`
}

// LabelConfig holds label key settings.
type LabelConfig struct {
	// Debounce is the quiet period required between accepted toggles of the
	// recording key.
	Debounce time.Duration `yaml:"debounce"`

	// Queue is the transition queue capacity.
	Queue int `yaml:"queue"`
}

// ControllerConfig holds actuation settings. Thresholds are hot-reloadable.
type ControllerConfig struct {
	// Enabled turns the game controller stage on.
	Enabled bool `yaml:"enabled"`

	// Rising is the activation threshold: crossing it from below triggers
	// the game hook.
	Rising int32 `yaml:"rising" env:"MYOLINK_RISING"`

	// Falling is the release threshold. Must be strictly below Rising; the
	// band between them absorbs oscillation.
	Falling int32 `yaml:"falling" env:"MYOLINK_FALLING"`

	// Queue is the controller intake capacity.
	Queue int `yaml:"queue"`
}

// MonitorConfig holds the observability HTTP server settings.
type MonitorConfig struct {
	// ListenAddr is the TCP address for /healthz, /metrics, /stats, and
	// /live. Empty disables the monitor.
	ListenAddr string `yaml:"listen_addr" env:"MYOLINK_MONITOR_LISTEN"`
}

// Default returns a Config populated with working defaults: a simulated
// sensor sampled at 500 Hz, recording under ./data, controller enabled, and
// the monitor on :8080. Loading a file overlays it.
func Default() *Config {
	return &Config{
		Log:    LogConfig{Level: LogInfo},
		Source: SourceConfig{Kind: SourceSim},
		Sampler: SamplerConfig{
			RateHz: sampler.DefaultRate,
			Sensor: SensorSim,
			Queue:  sampler.DefaultQueue,
		},
		Serial: SerialConfig{BaudRate: serial.DefaultBaudRate},
		Link: LinkConfig{
			ListenAddr:  ":7733",
			Horizon:     link.DefaultHorizon,
			Window:      link.DefaultWindow,
			IdleTimeout: link.DefaultIdleTimeout,
			Queue:       udp.DefaultQueue,
		},
		Storage: StorageConfig{
			Root:         "data",
			Subject:      "anonymous",
			Sync:         recorder.SyncPeriodic,
			SyncInterval: recorder.DefaultSyncInterval,
		},
		Recorder: RecorderConfig{
			Window:      recorder.DefaultWindow,
			SampleQueue: recorder.DefaultSampleQueue,
			LabelQueue:  recorder.DefaultLabelQueue,
		},
		Label: LabelConfig{
			Debounce: label.DefaultDebounce,
			Queue:    label.DefaultQueue,
		},
		Controller: ControllerConfig{
			Enabled: true,
			Rising:  control.DefaultRising,
			Falling: control.DefaultFalling,
			Queue:   64,
		},
		Monitor: MonitorConfig{ListenAddr: ":8080"},
	}
}

// CatalogPath returns the configured catalog file, or the default location
// under the storage root.
func (c *Config) CatalogPath() string {
	if c.Storage.Catalog != "" {
		return c.Storage.Catalog
	}
	return filepath.Join(c.Storage.Root, catalog.IndexFile)
}
