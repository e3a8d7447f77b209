// Package frame implements the Myolink wire format: a fixed-size binary
// encoding of one labeled-signal sample, suitable for lossy datagram
// transports and for raw byte streams with resynchronization.
//
// Layout (24 bytes, little-endian):
//
//	[0:2)   preamble 0xC7 0x7C
//	[2]     version (currently 1)
//	[3]     flags (bit 0: sample invalid)
//	[4:8)   sequence number, uint32
//	[8:16)  timestamp, uint64 microseconds since session start
//	[16:20) value, int32
//	[20:24) CRC-32C (Castagnoli) over bytes [2:20)
//
// The preamble never appears as a field delimiter; it only anchors
// resynchronization after corruption on stream transports.
package frame

import (
	"encoding/binary"
	"errors"
	"hash/crc32"

	"github.com/myolink/myolink/pkg/emg"
)

const (
	// Size is the exact encoded length of one frame.
	Size = 24

	// Version is the wire version written by Encode and required by Decode.
	Version = 1

	preamble0 = 0xC7
	preamble1 = 0x7C

	flagInvalid = 0x01
)

var (
	// ErrTruncated is returned when the buffer holds fewer than Size bytes.
	ErrTruncated = errors.New("frame: truncated")

	// ErrBadPreamble is returned when the first two bytes are not the preamble.
	ErrBadPreamble = errors.New("frame: bad preamble")

	// ErrVersion is returned when the wire version is not supported.
	ErrVersion = errors.New("frame: unsupported version")

	// ErrChecksumMismatch is returned when the CRC does not cover the payload.
	ErrChecksumMismatch = errors.New("frame: checksum mismatch")
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Frame is one sample in transit, paired with the link-level sequence number
// the sender assigned to it.
type Frame struct {
	Seq    uint32
	Sample emg.Sample
}

// Encode writes f into dst, which must be at least Size bytes. It does not
// allocate, so senders can reuse a single buffer per loop iteration.
func Encode(dst []byte, f Frame) {
	_ = dst[Size-1]
	dst[0] = preamble0
	dst[1] = preamble1
	dst[2] = Version
	var flags byte
	if f.Sample.Invalid {
		flags |= flagInvalid
	}
	dst[3] = flags
	binary.LittleEndian.PutUint32(dst[4:8], f.Seq)
	binary.LittleEndian.PutUint64(dst[8:16], f.Sample.Timestamp)
	binary.LittleEndian.PutUint32(dst[16:20], uint32(f.Sample.Value))
	binary.LittleEndian.PutUint32(dst[20:24], crc32.Checksum(dst[2:20], castagnoli))
}

// Append encodes f and appends it to dst, growing it as needed.
func Append(dst []byte, f Frame) []byte {
	n := len(dst)
	dst = append(dst, make([]byte, Size)...)
	Encode(dst[n:], f)
	return dst
}

// Decode parses the first Size bytes of buf. Trailing bytes are ignored, so a
// datagram may be passed as received. The error is one of the package
// sentinels and safe to match with [errors.Is].
func Decode(buf []byte) (Frame, error) {
	if len(buf) < Size {
		return Frame{}, ErrTruncated
	}
	if buf[0] != preamble0 || buf[1] != preamble1 {
		return Frame{}, ErrBadPreamble
	}
	if buf[2] != Version {
		return Frame{}, ErrVersion
	}
	want := binary.LittleEndian.Uint32(buf[20:24])
	if crc32.Checksum(buf[2:20], castagnoli) != want {
		return Frame{}, ErrChecksumMismatch
	}
	return Frame{
		Seq: binary.LittleEndian.Uint32(buf[4:8]),
		Sample: emg.Sample{
			Timestamp: binary.LittleEndian.Uint64(buf[8:16]),
			Value:     int32(binary.LittleEndian.Uint32(buf[16:20])),
			Invalid:   buf[3]&flagInvalid != 0,
		},
	}, nil
}
