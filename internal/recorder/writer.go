package recorder

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/myolink/myolink/pkg/emg"
)

// SyncMode controls how often the dataset file is fsynced. Every append is
// always flushed to the OS before the recorder moves on; the mode only
// governs the stronger on-disk guarantee.
type SyncMode string

const (
	// SyncAlways fsyncs after every record. Safest and slowest.
	SyncAlways SyncMode = "always"

	// SyncPeriodic fsyncs at most once per configured interval. A crash
	// loses at most that interval's worth of records.
	SyncPeriodic SyncMode = "interval"

	// SyncDisabled never fsyncs before Close; the OS page cache decides.
	SyncDisabled SyncMode = "disabled"
)

// IsValid reports whether m is a recognised sync mode.
func (m SyncMode) IsValid() bool {
	switch m {
	case SyncAlways, SyncPeriodic, SyncDisabled:
		return true
	}
	return false
}

// DefaultSyncInterval bounds data loss to a tenth of a second in interval
// mode, about 50 records at the nominal rate.
const DefaultSyncInterval = 100 * time.Millisecond

// Header is the first line of every dataset file. Tooling that reads
// datasets back checks against it.
var Header = []string{"timestamp_us", "value", "label", "mislabeled"}

// Sink receives finished records from the recorder. Append must make the
// record durable enough that a crash truncates the dataset at a known point
// instead of corrupting it; any returned error is terminal for the dataset.
type Sink interface {
	Append(emg.LabeledRecord) error
	Close() error
}

// Writer is the durable CSV sink backing a recording session. One file, one
// writer, append-only.
type Writer struct {
	f        *os.File
	csv      *csv.Writer
	mode     SyncMode
	interval time.Duration
	lastSync time.Time
	row      [4]string
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithSyncMode selects the fsync policy.
func WithSyncMode(m SyncMode) WriterOption {
	return func(w *Writer) {
		if m.IsValid() {
			w.mode = m
		}
	}
}

// WithSyncInterval sets the fsync cadence for [SyncPeriodic].
func WithSyncInterval(d time.Duration) WriterOption {
	return func(w *Writer) {
		if d > 0 {
			w.interval = d
		}
	}
}

// OpenWriter opens (or resumes) the dataset file at path. A fresh file gets
// the column header; a resumed one is appended to as-is.
func OpenWriter(path string, opts ...WriterOption) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("recorder: open dataset: %w", err)
	}
	w := &Writer{
		f:        f,
		csv:      csv.NewWriter(f),
		mode:     SyncPeriodic,
		interval: DefaultSyncInterval,
		lastSync: time.Now(),
	}
	for _, opt := range opts {
		opt(w)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("recorder: stat dataset: %w", err)
	}
	if info.Size() == 0 {
		if err := w.csv.Write(Header); err != nil {
			f.Close()
			return nil, fmt.Errorf("recorder: write header: %w", err)
		}
		w.csv.Flush()
		if err := w.csv.Error(); err != nil {
			f.Close()
			return nil, fmt.Errorf("recorder: write header: %w", err)
		}
	}
	return w, nil
}

// Append writes one record, flushes it to the OS, and fsyncs according to
// the sync mode.
func (w *Writer) Append(rec emg.LabeledRecord) error {
	w.row[0] = strconv.FormatUint(rec.Timestamp, 10)
	w.row[1] = strconv.FormatInt(int64(rec.Value), 10)
	w.row[2] = rec.Label.String()
	w.row[3] = strconv.FormatBool(rec.Mislabeled)
	if err := w.csv.Write(w.row[:]); err != nil {
		return fmt.Errorf("recorder: append: %w", err)
	}
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		return fmt.Errorf("recorder: append: %w", err)
	}
	return w.maybeSync()
}

func (w *Writer) maybeSync() error {
	switch w.mode {
	case SyncAlways:
		return w.sync()
	case SyncPeriodic:
		if time.Since(w.lastSync) >= w.interval {
			return w.sync()
		}
	}
	return nil
}

func (w *Writer) sync() error {
	w.lastSync = time.Now()
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("recorder: fsync: %w", err)
	}
	return nil
}

// Close flushes, fsyncs regardless of mode, and closes the file.
func (w *Writer) Close() error {
	w.csv.Flush()
	var errs []error
	if err := w.csv.Error(); err != nil {
		errs = append(errs, fmt.Errorf("recorder: final flush: %w", err))
	}
	if err := w.f.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("recorder: final fsync: %w", err))
	}
	if err := w.f.Close(); err != nil {
		errs = append(errs, fmt.Errorf("recorder: close dataset: %w", err))
	}
	return errors.Join(errs...)
}

var _ Sink = (*Writer)(nil)
