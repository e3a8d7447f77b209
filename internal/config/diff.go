package config

import "slices"

// ConfigDiff describes what changed between two configs, split into fields
// that can be applied to a running pipeline and fields that cannot.
type ConfigDiff struct {
	// LogLevelChanged and NewLogLevel track the hot-reloadable log level.
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ThresholdsChanged and the New* values track the hot-reloadable
	// controller thresholds.
	ThresholdsChanged bool
	NewRising         int32
	NewFalling        int32

	// RestartRequired lists dotted field paths that changed but only take
	// effect after a restart (addresses, ports, paths, queue sizes).
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.ThresholdsChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and classifies every changed field as
// hot-reloadable or restart-required.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Log.Level != new.Log.Level {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Log.Level
	}

	if old.Controller.Rising != new.Controller.Rising || old.Controller.Falling != new.Controller.Falling {
		d.ThresholdsChanged = true
		d.NewRising = new.Controller.Rising
		d.NewFalling = new.Controller.Falling
	}

	restart := func(path string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, path)
		}
	}

	restart("source.kind", old.Source.Kind != new.Source.Kind)
	restart("sampler.rate_hz", old.Sampler.RateHz != new.Sampler.RateHz)
	restart("sampler.sensor", old.Sampler.Sensor != new.Sampler.Sensor)
	restart("sampler.channel", old.Sampler.Channel != new.Sampler.Channel)
	restart("sampler.seed", old.Sampler.Seed != new.Sampler.Seed)
	restart("sampler.queue", old.Sampler.Queue != new.Sampler.Queue)
	restart("serial.device", old.Serial.Device != new.Serial.Device)
	restart("serial.baud_rate", old.Serial.BaudRate != new.Serial.BaudRate)
	restart("link.listen_addr", old.Link.ListenAddr != new.Link.ListenAddr)
	restart("link.targets", !slices.Equal(old.Link.Targets, new.Link.Targets))
	restart("link.horizon", old.Link.Horizon != new.Link.Horizon)
	restart("link.window", old.Link.Window != new.Link.Window)
	restart("link.idle_timeout", old.Link.IdleTimeout != new.Link.IdleTimeout)
	restart("link.queue", old.Link.Queue != new.Link.Queue)
	restart("storage.root", old.Storage.Root != new.Storage.Root)
	restart("storage.subject", old.Storage.Subject != new.Storage.Subject)
	restart("storage.session_label", old.Storage.SessionLabel != new.Storage.SessionLabel)
	restart("storage.catalog", old.Storage.Catalog != new.Storage.Catalog)
	restart("storage.sync", old.Storage.Sync != new.Storage.Sync)
	restart("storage.sync_interval", old.Storage.SyncInterval != new.Storage.SyncInterval)
	restart("recorder.window", old.Recorder.Window != new.Recorder.Window)
	restart("recorder.sample_queue", old.Recorder.SampleQueue != new.Recorder.SampleQueue)
	restart("recorder.label_queue", old.Recorder.LabelQueue != new.Recorder.LabelQueue)
	restart("label.debounce", old.Label.Debounce != new.Label.Debounce)
	restart("label.queue", old.Label.Queue != new.Label.Queue)
	restart("controller.enabled", old.Controller.Enabled != new.Controller.Enabled)
	restart("controller.queue", old.Controller.Queue != new.Controller.Queue)
	restart("monitor.listen_addr", old.Monitor.ListenAddr != new.Monitor.ListenAddr)

	return d
}
