package emg

import (
	"testing"
	"time"
)

func TestLabelString(t *testing.T) {
	tests := []struct {
		label Label
		want  string
	}{
		{LabelRest, "rest"},
		{LabelActive, "active"},
		{Label(7), "label(7)"},
	}
	for _, tt := range tests {
		if got := tt.label.String(); got != tt.want {
			t.Errorf("Label(%d).String() = %q, want %q", uint8(tt.label), got, tt.want)
		}
	}
}

func TestLabelIsValid(t *testing.T) {
	if !LabelRest.IsValid() || !LabelActive.IsValid() {
		t.Error("expected rest and active to be valid")
	}
	if Label(3).IsValid() {
		t.Error("expected Label(3) to be invalid")
	}
}

func TestParseLabel(t *testing.T) {
	for _, l := range []Label{LabelRest, LabelActive} {
		got, err := ParseLabel(l.String())
		if err != nil {
			t.Fatalf("ParseLabel(%q): %v", l.String(), err)
		}
		if got != l {
			t.Errorf("ParseLabel(%q) = %v, want %v", l.String(), got, l)
		}
	}
	if _, err := ParseLabel("jumping"); err == nil {
		t.Error("expected error for unknown label")
	}
}

func TestClockMonotone(t *testing.T) {
	c := NewClock()
	prev := c.Now()
	for i := 0; i < 100; i++ {
		now := c.Now()
		if now < prev {
			t.Fatalf("clock went backwards: %d < %d", now, prev)
		}
		prev = now
	}
}

func TestClockAt(t *testing.T) {
	c := NewClock()
	ts := uint64(1_500_000) // 1.5s into the session
	got := c.At(ts)
	want := c.Start().Add(1500 * time.Millisecond)
	if !got.Equal(want) {
		t.Errorf("At(%d) = %v, want %v", ts, got, want)
	}
}
