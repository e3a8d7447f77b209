package emg

import "time"

// Clock is the per-session time base. All timestamps in the pipeline are
// microseconds since the clock's start, measured on Go's monotonic clock so
// wall-clock adjustments cannot reorder samples.
type Clock struct {
	start time.Time
}

// NewClock starts a session clock at the current instant.
func NewClock() *Clock {
	return &Clock{start: time.Now()}
}

// Now returns the elapsed session time in microseconds.
func (c *Clock) Now() uint64 {
	return uint64(time.Since(c.start).Microseconds())
}

// Start returns the wall-clock instant the session began, for metadata and
// display. It must not be used to derive sample timestamps.
func (c *Clock) Start() time.Time {
	return c.start
}

// At converts a session timestamp back to an approximate wall-clock time.
func (c *Clock) At(ts uint64) time.Time {
	return c.start.Add(time.Duration(ts) * time.Microsecond)
}
