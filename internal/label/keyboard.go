package label

import (
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/term"
)

// DefaultDebounce is the quiet period required between accepted toggles.
// Terminal autorepeat fires every few tens of milliseconds while a key is
// held; every repeat inside the window restarts it, so holding the key
// yields exactly one toggle.
const DefaultDebounce = 150 * time.Millisecond

// Clock supplies timestamps for key edges. It must tick in the same domain
// as the sample stream feeding the recorder, or the merge order of labels
// and samples is undefined. emg.Clock satisfies it for local acquisition;
// a host labeling a remote stream derives one from the frames themselves.
type Clock interface {
	Now() uint64
}

// Keyboard drives a Source from terminal input. The space bar toggles the
// label state; q or Ctrl-C invokes the quit callback. The terminal is put
// into raw mode so keystrokes arrive without waiting for a newline.
type Keyboard struct {
	src      *Source
	clock    Clock
	in       io.Reader
	file     *os.File
	restore  func() error
	debounce time.Duration
	onQuit   func()

	done      chan struct{}
	closeOnce sync.Once
}

// KeyboardOption configures a Keyboard.
type KeyboardOption func(*Keyboard)

// WithInput reads keys from r instead of the process terminal. No raw-mode
// switching happens in this mode; it exists for tests and for piping.
func WithInput(r io.Reader) KeyboardOption {
	return func(k *Keyboard) {
		k.in = r
		k.file = nil
	}
}

// WithDebounce overrides the quiet period between accepted toggles.
func WithDebounce(d time.Duration) KeyboardOption {
	return func(k *Keyboard) {
		if d >= 0 {
			k.debounce = d
		}
	}
}

// WithQuit sets a callback invoked once when the user asks to quit.
func WithQuit(fn func()) KeyboardOption {
	return func(k *Keyboard) { k.onQuit = fn }
}

// NewKeyboard attaches a keyboard collaborator to src and starts reading.
// Without WithInput it requires a real terminal on stdin and switches it to
// raw mode until Close.
func NewKeyboard(src *Source, clock Clock, opts ...KeyboardOption) (*Keyboard, error) {
	k := &Keyboard{
		src:      src,
		clock:    clock,
		in:       os.Stdin,
		file:     os.Stdin,
		debounce: DefaultDebounce,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(k)
	}
	if k.file != nil {
		fd := int(k.file.Fd())
		if !term.IsTerminal(fd) {
			return nil, errors.New("label: stdin is not a terminal")
		}
		state, err := term.MakeRaw(fd)
		if err != nil {
			return nil, err
		}
		k.restore = func() error { return term.Restore(fd, state) }
	}
	go k.loop()
	return k, nil
}

// Close restores the terminal and stops accepting input. Safe to call more
// than once.
func (k *Keyboard) Close() error {
	var err error
	k.closeOnce.Do(func() {
		close(k.done)
		if k.file != nil {
			// Wakes the blocked read so the loop can observe done.
			k.file.SetReadDeadline(time.Now())
		}
		if k.restore != nil {
			err = k.restore()
		}
	})
	return err
}

func (k *Keyboard) loop() {
	var lastEdge uint64
	have := false
	buf := make([]byte, 1)
	for {
		select {
		case <-k.done:
			return
		default:
		}
		if k.file != nil {
			k.file.SetReadDeadline(time.Now().Add(250 * time.Millisecond))
		}
		n, err := k.in.Read(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			return
		}
		if n == 0 {
			continue
		}
		switch buf[0] {
		case ' ':
			now := k.clock.Now()
			// Quiet-period debounce: any edge inside the window is ignored
			// but still restarts it.
			if have && now-lastEdge < uint64(k.debounce.Microseconds()) {
				lastEdge = now
				continue
			}
			lastEdge = now
			have = true
			k.src.Toggle(now)
		case 'q', 'Q', 0x03: // Ctrl-C arrives as a byte in raw mode
			if k.onQuit != nil {
				k.onQuit()
			}
			return
		}
	}
}
