package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/myolink/myolink/internal/recorder"
	"github.com/myolink/myolink/internal/sampler"
)

// Load reads the YAML configuration file at path, overlays MYOLINK_*
// environment variables, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over [Default], overlays the
// environment, and validates the result. Unknown YAML keys are errors.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: environment overrides: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all hard validation failures; conditions that are
// legal but probably unintended are logged as warnings instead.
func Validate(cfg *Config) error {
	var errs []error

	// Log
	if cfg.Log.Level != "" && !cfg.Log.Level.IsValid() {
		errs = append(errs, fmt.Errorf("log.level %q is invalid; valid values: debug, info, warn, error", cfg.Log.Level))
	}

	// Source
	if cfg.Source.Kind != "" && !cfg.Source.Kind.IsValid() {
		errs = append(errs, fmt.Errorf("source.kind %q is invalid; valid values: udp, serial, sim", cfg.Source.Kind))
	}

	// Sampler
	if cfg.Sampler.Sensor != "" && !cfg.Sampler.Sensor.IsValid() {
		errs = append(errs, fmt.Errorf("sampler.sensor %q is invalid; valid values: sim, firmware", cfg.Sampler.Sensor))
	}
	if cfg.Sampler.RateHz < 0 {
		errs = append(errs, fmt.Errorf("sampler.rate_hz %d is negative", cfg.Sampler.RateHz))
	}
	if cfg.Sampler.RateHz == 0 && cfg.Sampler.Sensor == SensorSim {
		errs = append(errs, errors.New("sampler.rate_hz 0 (hardware-paced) requires the firmware sensor; the sim sensor has no pacing of its own"))
	}
	if cfg.Sampler.Channel < 0 || cfg.Sampler.Channel >= sampler.NumChannels {
		errs = append(errs, fmt.Errorf("sampler.channel %d is out of range [0, %d]", cfg.Sampler.Channel, sampler.NumChannels-1))
	}

	// Serial device is required whenever something has to open a port.
	if cfg.Serial.Device == "" {
		if cfg.Source.Kind == SourceSerial {
			errs = append(errs, errors.New("serial.device is required when source.kind is serial"))
		}
		if cfg.Sampler.Sensor == SensorFirmware {
			errs = append(errs, errors.New("serial.device is required when sampler.sensor is firmware"))
		}
	}
	if cfg.Serial.BaudRate == 0 {
		errs = append(errs, errors.New("serial.baud_rate must be positive"))
	}

	// Link
	if cfg.Source.Kind == SourceUDP && cfg.Link.ListenAddr == "" {
		errs = append(errs, errors.New("link.listen_addr is required when source.kind is udp"))
	}
	if cfg.Link.Horizon <= 0 {
		errs = append(errs, fmt.Errorf("link.horizon %d must be positive", cfg.Link.Horizon))
	}
	if cfg.Link.Window <= 0 {
		errs = append(errs, fmt.Errorf("link.window %d must be positive", cfg.Link.Window))
	}
	if cfg.Link.IdleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("link.idle_timeout %v must be positive", cfg.Link.IdleTimeout))
	}
	if cfg.Link.Window > cfg.Link.Horizon {
		slog.Warn("link.window exceeds link.horizon; duplicates older than the horizon cannot be detected",
			"window", cfg.Link.Window,
			"horizon", cfg.Link.Horizon,
		)
	}

	// Storage
	if cfg.Storage.Root == "" {
		errs = append(errs, errors.New("storage.root is required"))
	}
	if cfg.Storage.Sync != "" && !cfg.Storage.Sync.IsValid() {
		errs = append(errs, fmt.Errorf("storage.sync %q is invalid; valid values: always, interval, disabled", cfg.Storage.Sync))
	}
	if cfg.Storage.SyncInterval < 0 {
		errs = append(errs, fmt.Errorf("storage.sync_interval %v is negative", cfg.Storage.SyncInterval))
	}
	if cfg.Storage.Sync == recorder.SyncDisabled {
		slog.Warn("storage.sync is disabled; a crash may lose the tail of the dataset")
	}

	// Recorder
	if cfg.Recorder.Window <= 0 {
		errs = append(errs, fmt.Errorf("recorder.window %v must be positive", cfg.Recorder.Window))
	}

	// Label
	if cfg.Label.Debounce < 0 {
		errs = append(errs, fmt.Errorf("label.debounce %v is negative", cfg.Label.Debounce))
	}

	// Controller: the band between the thresholds is what absorbs signal
	// oscillation, so it must exist.
	if cfg.Controller.Falling >= cfg.Controller.Rising {
		errs = append(errs, fmt.Errorf("controller.falling %d must be strictly below controller.rising %d", cfg.Controller.Falling, cfg.Controller.Rising))
	}

	// Queues
	for _, q := range []struct {
		name string
		v    int
	}{
		{"sampler.queue", cfg.Sampler.Queue},
		{"link.queue", cfg.Link.Queue},
		{"recorder.sample_queue", cfg.Recorder.SampleQueue},
		{"recorder.label_queue", cfg.Recorder.LabelQueue},
		{"label.queue", cfg.Label.Queue},
		{"controller.queue", cfg.Controller.Queue},
	} {
		if q.v <= 0 {
			errs = append(errs, fmt.Errorf("%s %d must be positive", q.name, q.v))
		}
	}

	// Probably-unintended but legal setups.
	if cfg.Monitor.ListenAddr == "" {
		slog.Warn("monitor.listen_addr is empty; health and metrics endpoints are disabled")
	}

	return errors.Join(errs...)
}
