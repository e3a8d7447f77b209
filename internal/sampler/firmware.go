package sampler

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
)

// The acquisition board streams fixed 16-byte packets over its UART:
// two sync bytes, a rolling counter, six big-endian uint16 channel values,
// and an end byte. Before streaming it answers an identification query.
const (
	// NumChannels is the channel count in every firmware packet.
	NumChannels = 6

	packetSync0 = 0xC7
	packetSync1 = 0x7C
	packetEnd   = 0x01
	packetLen   = 2 + 1 + NumChannels*2 + 1
)

// FirmwareSensor reads one channel of the acquisition board's packet stream.
// Its Read blocks until the board delivers the next packet, so the board is
// the timing authority; pair it with a sampler rate of 0.
type FirmwareSensor struct {
	rw      io.ReadWriteCloser
	br      *bufio.Reader
	device  string
	channel int

	synced      bool
	lastCounter byte
	haveCounter bool
	pkt         [packetLen]byte

	skipped atomic.Uint64
	resyncs atomic.Uint64
}

// FirmwareOption configures a FirmwareSensor.
type FirmwareOption func(*FirmwareSensor)

// WithChannel selects which of the packet's channels Read returns.
func WithChannel(n int) FirmwareOption {
	return func(s *FirmwareSensor) {
		if n >= 0 && n < NumChannels {
			s.channel = n
		}
	}
}

// NewFirmwareSensor performs the identification handshake on an open board
// connection and switches it into streaming mode. It takes ownership of rw.
func NewFirmwareSensor(rw io.ReadWriteCloser, opts ...FirmwareOption) (*FirmwareSensor, error) {
	s := &FirmwareSensor{rw: rw, br: bufio.NewReaderSize(rw, 1024)}
	for _, opt := range opts {
		opt(s)
	}
	if _, err := rw.Write([]byte("WHORU\n")); err != nil {
		return nil, fmt.Errorf("sampler: firmware handshake: %w", err)
	}
	reply, err := s.br.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("sampler: firmware handshake reply: %w", err)
	}
	s.device = strings.TrimSpace(reply)
	if _, err := rw.Write([]byte("START\n")); err != nil {
		return nil, fmt.Errorf("sampler: firmware start: %w", err)
	}
	return s, nil
}

// Device returns the board's self-reported name from the handshake.
func (s *FirmwareSensor) Device() string { return s.device }

// Skipped returns the number of packets lost, estimated from counter gaps.
func (s *FirmwareSensor) Skipped() uint64 { return s.skipped.Load() }

// Resyncs returns how many times byte alignment was lost and recovered.
func (s *FirmwareSensor) Resyncs() uint64 { return s.resyncs.Load() }

// Read blocks until the next packet and returns the selected channel value.
func (s *FirmwareSensor) Read() (int32, error) {
	if err := s.nextPacket(); err != nil {
		return 0, err
	}
	s.trackCounter(s.pkt[2])
	off := 3 + 2*s.channel
	return int32(binary.BigEndian.Uint16(s.pkt[off : off+2])), nil
}

// Close closes the board connection.
func (s *FirmwareSensor) Close() error {
	return s.rw.Close()
}

// nextPacket fills s.pkt with the next validated packet. Once synchronized
// it reads fixed-size chunks; any malformed packet falls back to scanning
// for the sync sequence byte by byte.
func (s *FirmwareSensor) nextPacket() error {
	if s.synced {
		if _, err := io.ReadFull(s.br, s.pkt[:]); err != nil {
			return fmt.Errorf("sampler: firmware read: %w", err)
		}
		if s.pkt[0] == packetSync0 && s.pkt[1] == packetSync1 && s.pkt[packetLen-1] == packetEnd {
			return nil
		}
		s.synced = false
		s.resyncs.Add(1)
	}
	for {
		b, err := s.br.ReadByte()
		if err != nil {
			return fmt.Errorf("sampler: firmware read: %w", err)
		}
		if b != packetSync0 {
			continue
		}
		b, err = s.br.ReadByte()
		if err != nil {
			return fmt.Errorf("sampler: firmware read: %w", err)
		}
		if b != packetSync1 {
			if b == packetSync0 {
				// Could be the start of the real sync pair.
				s.br.UnreadByte()
			}
			continue
		}
		s.pkt[0], s.pkt[1] = packetSync0, packetSync1
		if _, err := io.ReadFull(s.br, s.pkt[2:]); err != nil {
			return fmt.Errorf("sampler: firmware read: %w", err)
		}
		if s.pkt[packetLen-1] != packetEnd {
			s.resyncs.Add(1)
			continue
		}
		s.synced = true
		return nil
	}
}

// trackCounter estimates packet loss from the board's rolling counter.
func (s *FirmwareSensor) trackCounter(c byte) {
	if s.haveCounter {
		if d := c - s.lastCounter; d > 1 {
			s.skipped.Add(uint64(d - 1))
		}
	}
	s.lastCounter = c
	s.haveCounter = true
}

var _ Sensor = (*FirmwareSensor)(nil)
