package frame

import "bytes"

// Scanner reassembles frames from a raw byte stream that may start
// mid-frame, drop bytes, or carry corruption. It buffers pushed bytes and
// yields each frame whose preamble, version, and checksum all verify,
// discarding garbage in between.
//
// Scanner is not safe for concurrent use; each stream gets its own.
type Scanner struct {
	buf      []byte
	skipped  uint64
	rejected uint64
}

// NewScanner returns an empty scanner.
func NewScanner() *Scanner {
	return &Scanner{buf: make([]byte, 0, 4*Size)}
}

// Push appends raw bytes read from the stream. Call Next until it returns
// false to drain every frame completed by this chunk.
func (s *Scanner) Push(p []byte) {
	s.buf = append(s.buf, p...)
}

// Next returns the next verified frame, or false when the buffered bytes do
// not complete one. Bytes before a preamble are discarded; a frame that fails
// validation is abandoned one byte at a time so a genuine frame boundary
// inside the corrupt span is still found.
func (s *Scanner) Next() (Frame, bool) {
	for {
		i := indexPreamble(s.buf)
		if i < 0 {
			s.skipped += uint64(len(s.buf))
			s.buf = s.buf[:0]
			return Frame{}, false
		}
		if i > 0 {
			s.skipped += uint64(i)
			s.buf = s.buf[i:]
		}
		if len(s.buf) < Size {
			// Partial frame, wait for more input.
			return Frame{}, false
		}
		f, err := Decode(s.buf[:Size])
		if err == nil {
			s.buf = s.buf[Size:]
			return f, true
		}
		// The preamble matched but the frame did not verify. Resync from the
		// next byte.
		s.rejected++
		s.skipped++
		s.buf = s.buf[1:]
	}
}

// Skipped returns the total number of bytes discarded while resynchronizing.
func (s *Scanner) Skipped() uint64 { return s.skipped }

// Rejected returns the number of preamble matches that failed validation.
func (s *Scanner) Rejected() uint64 { return s.rejected }

// indexPreamble locates the first preamble pair in b. A lone first preamble
// byte at the very end also matches, since its partner may arrive in the next
// chunk.
func indexPreamble(b []byte) int {
	for i := 0; i < len(b); {
		j := bytes.IndexByte(b[i:], preamble0)
		if j < 0 {
			return -1
		}
		i += j
		if i == len(b)-1 || b[i+1] == preamble1 {
			return i
		}
		i++
	}
	return -1
}
