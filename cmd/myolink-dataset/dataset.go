package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/myolink/myolink/internal/catalog"
	"github.com/myolink/myolink/internal/recorder"
	"github.com/myolink/myolink/pkg/emg"
)

// maxProblems bounds how many offending lines check reports verbatim.
const maxProblems = 5

// record is one parsed dataset line.
type record struct {
	Timestamp  uint64
	Value      int64
	Label      emg.Label
	Mislabeled bool
}

// stats summarises a healthy dataset for the info command.
type stats struct {
	Records     uint64
	FirstTS     uint64
	LastTS      uint64
	MinValue    int64
	MaxValue    int64
	Rest        uint64
	Active      uint64
	Transitions uint64
	Mislabeled  uint64
	MedianDt    float64 // microseconds between consecutive rows
}

// Duration is the span between the earliest and latest timestamps.
func (s *stats) Duration() time.Duration {
	return time.Duration(s.LastTS-s.FirstTS) * time.Microsecond
}

// RateHz is the measured sampling rate, from the median inter-sample delta.
// The median shrugs off scheduling jitter and the occasional dropped sample.
func (s *stats) RateHz() float64 {
	if s.MedianDt <= 0 {
		return 0
	}
	return 1e6 / s.MedianDt
}

// checkResult is the verdict sheet for the check command.
type checkResult struct {
	Records    uint64 // data rows, parseable or not
	Corrupt    uint64 // rows that failed to parse
	OutOfOrder uint64 // unflagged timestamp regressions
	Mislabeled uint64 // flagged rows; late arrivals may regress legally
	Problems   []string
}

// OK reports whether the dataset passed every structural check.
func (r *checkResult) OK() bool {
	return r.Corrupt == 0 && r.OutOfOrder == 0
}

func (r *checkResult) problem(line int, format string, args ...any) {
	if len(r.Problems) < maxProblems {
		r.Problems = append(r.Problems, fmt.Sprintf("line %d: %s", line, fmt.Sprintf(format, args...)))
	}
}

// resolveDataset accepts either a session directory or a dataset file and
// returns the dataset path plus the directory that may hold the sidecar.
func resolveDataset(target string) (csvPath, dir string, err error) {
	info, err := os.Stat(target)
	if err != nil {
		return "", "", err
	}
	if info.IsDir() {
		return filepath.Join(target, catalog.DatasetFile), target, nil
	}
	return target, filepath.Dir(target), nil
}

func openDataset(path string) (*os.File, *csv.Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	r := csv.NewReader(f)
	r.ReuseRecord = true
	hdr, err := r.Read()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("read header: %w", err)
	}
	if !slices.Equal(hdr, recorder.Header) {
		f.Close()
		return nil, nil, fmt.Errorf("%s is not a dataset file (header %v)", path, hdr)
	}
	return f, r, nil
}

func parseRecord(fields []string) (record, error) {
	if len(fields) != len(recorder.Header) {
		return record{}, fmt.Errorf("expected %d fields, got %d", len(recorder.Header), len(fields))
	}
	ts, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return record{}, fmt.Errorf("timestamp %q: %w", fields[0], err)
	}
	v, err := strconv.ParseInt(fields[1], 10, 32)
	if err != nil {
		return record{}, fmt.Errorf("value %q: %w", fields[1], err)
	}
	lbl, err := emg.ParseLabel(fields[2])
	if err != nil {
		return record{}, err
	}
	mis, err := strconv.ParseBool(fields[3])
	if err != nil {
		return record{}, fmt.Errorf("mislabeled %q: %w", fields[3], err)
	}
	return record{Timestamp: ts, Value: v, Label: lbl, Mislabeled: mis}, nil
}

// collectStats reads the whole dataset and accumulates the info summary. It
// is strict: a row that does not parse aborts with an error, and check is
// the tool for diagnosing such a file.
func collectStats(path string) (*stats, error) {
	f, r, err := openDataset(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st := &stats{}
	var (
		deltas  []uint64
		prevTS  uint64
		prevLbl emg.Label
	)
	for {
		fields, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read dataset: %w", err)
		}
		rec, err := parseRecord(fields)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", st.Records+2, err)
		}

		if st.Records == 0 {
			st.FirstTS, st.LastTS = rec.Timestamp, rec.Timestamp
			st.MinValue, st.MaxValue = rec.Value, rec.Value
		} else {
			// File-order delta; late rows produce a non-positive gap
			// and are simply left out of the rate estimate.
			if rec.Timestamp > prevTS {
				deltas = append(deltas, rec.Timestamp-prevTS)
			}
			if rec.Timestamp < st.FirstTS {
				st.FirstTS = rec.Timestamp
			}
			if rec.Timestamp > st.LastTS {
				st.LastTS = rec.Timestamp
			}
			if rec.Value < st.MinValue {
				st.MinValue = rec.Value
			}
			if rec.Value > st.MaxValue {
				st.MaxValue = rec.Value
			}
			if rec.Label != prevLbl {
				st.Transitions++
			}
		}
		switch rec.Label {
		case emg.LabelRest:
			st.Rest++
		case emg.LabelActive:
			st.Active++
		}
		if rec.Mislabeled {
			st.Mislabeled++
		}
		prevTS, prevLbl = rec.Timestamp, rec.Label
		st.Records++
	}

	slices.Sort(deltas)
	st.MedianDt = median(deltas)
	return st, nil
}

// median returns the middle of sorted deltas, averaging the central pair
// for even counts.
func median(sorted []uint64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return float64(sorted[n/2])
	}
	return float64(sorted[n/2-1]+sorted[n/2]) / 2
}

// checkDataset verifies the structural invariants the recorder promises:
// every row parses, and timestamps never regress except on rows the
// recorder flagged as late arrivals.
func checkDataset(path string) (*checkResult, error) {
	f, r, err := openDataset(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// Field-count mismatches are counted per row, not treated as fatal.
	r.FieldsPerRecord = -1

	res := &checkResult{}
	var maxInOrder uint64
	line := 1
	for {
		fields, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			// The writer never quotes a field, so a csv-level syntax
			// error means the file is damaged beyond row accounting.
			return nil, fmt.Errorf("dataset unreadable at line %d: %w", line, err)
		}
		res.Records++
		rec, perr := parseRecord(fields)
		if perr != nil {
			res.Corrupt++
			res.problem(line, "%v", perr)
			continue
		}
		if rec.Mislabeled {
			res.Mislabeled++
			continue
		}
		if rec.Timestamp < maxInOrder {
			res.OutOfOrder++
			res.problem(line, "timestamp %d after %d without a late flag", rec.Timestamp, maxInOrder)
		} else {
			maxInOrder = rec.Timestamp
		}
	}
	return res, nil
}
