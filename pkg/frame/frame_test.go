package frame

import (
	"errors"
	"testing"

	"github.com/myolink/myolink/pkg/emg"
)

func encode(t *testing.T, f Frame) []byte {
	t.Helper()
	buf := make([]byte, Size)
	Encode(buf, f)
	return buf
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		f    Frame
	}{
		{"zero", Frame{}},
		{"typical", Frame{Seq: 1042, Sample: emg.Sample{Timestamp: 2_084_000, Value: 8191}}},
		{"invalid sample", Frame{Seq: 7, Sample: emg.Sample{Timestamp: 14_000, Invalid: true}}},
		{"extremes", Frame{Seq: 1<<32 - 1, Sample: emg.Sample{Timestamp: 1<<64 - 1, Value: -1 << 31}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(encode(t, tt.f))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got != tt.f {
				t.Errorf("round trip: got %+v, want %+v", got, tt.f)
			}
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	good := encode(t, Frame{Seq: 3, Sample: emg.Sample{Timestamp: 6000, Value: 100}})

	corrupt := func(mod func(b []byte)) []byte {
		b := append([]byte(nil), good...)
		mod(b)
		return b
	}

	tests := []struct {
		name string
		buf  []byte
		want error
	}{
		{"empty", nil, ErrTruncated},
		{"short", good[:Size-1], ErrTruncated},
		{"bad preamble", corrupt(func(b []byte) { b[0] = 0x00 }), ErrBadPreamble},
		{"bad version", corrupt(func(b []byte) { b[2] = 99 }), ErrVersion},
		{"flipped payload bit", corrupt(func(b []byte) { b[17] ^= 0x01 }), ErrChecksumMismatch},
		{"flipped crc bit", corrupt(func(b []byte) { b[23] ^= 0x01 }), ErrChecksumMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.buf); !errors.Is(err, tt.want) {
				t.Errorf("Decode error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDecodeIgnoresTrailingBytes(t *testing.T) {
	f := Frame{Seq: 9, Sample: emg.Sample{Timestamp: 18_000, Value: -5}}
	buf := append(encode(t, f), 0xDE, 0xAD, 0xBE, 0xEF)
	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got != f {
		t.Errorf("got %+v, want %+v", got, f)
	}
}

func TestAppend(t *testing.T) {
	var buf []byte
	frames := []Frame{
		{Seq: 0, Sample: emg.Sample{Timestamp: 0, Value: 1}},
		{Seq: 1, Sample: emg.Sample{Timestamp: 2000, Value: 2}},
	}
	for _, f := range frames {
		buf = Append(buf, f)
	}
	if len(buf) != 2*Size {
		t.Fatalf("len = %d, want %d", len(buf), 2*Size)
	}
	for i, want := range frames {
		got, err := Decode(buf[i*Size:])
		if err != nil {
			t.Fatalf("Decode frame %d: %v", i, err)
		}
		if got != want {
			t.Errorf("frame %d: got %+v, want %+v", i, got, want)
		}
	}
}
