package label

import (
	"io"
	"strings"
	"testing"
	"time"

	"github.com/myolink/myolink/pkg/emg"
)

func waitTransition(t *testing.T, s *Source) emg.LabelTransition {
	t.Helper()
	select {
	case tr := <-s.Transitions():
		return tr
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a transition")
		return emg.LabelTransition{}
	}
}

func TestKeyboardSpaceToggles(t *testing.T) {
	src := NewSource()
	k, err := NewKeyboard(src, emg.NewClock(), WithInput(strings.NewReader(" ")), WithDebounce(0))
	if err != nil {
		t.Fatalf("NewKeyboard: %v", err)
	}
	defer k.Close()

	if tr := waitTransition(t, src); tr.State != emg.LabelActive {
		t.Errorf("state = %v, want active", tr.State)
	}
}

func TestKeyboardDebounceSwallowsBounces(t *testing.T) {
	src := NewSource()
	k, err := NewKeyboard(src, emg.NewClock(),
		WithInput(strings.NewReader("   ")), // three immediate presses
		WithDebounce(time.Hour))
	if err != nil {
		t.Fatalf("NewKeyboard: %v", err)
	}
	defer k.Close()

	if tr := waitTransition(t, src); tr.State != emg.LabelActive {
		t.Fatalf("state = %v, want active", tr.State)
	}
	select {
	case tr := <-src.Transitions():
		t.Errorf("bounce produced a second transition: %+v", tr)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestKeyboardIgnoresOtherKeys(t *testing.T) {
	src := NewSource()
	pr, pw := io.Pipe()
	k, err := NewKeyboard(src, emg.NewClock(), WithInput(pr), WithDebounce(0))
	if err != nil {
		t.Fatalf("NewKeyboard: %v", err)
	}
	defer k.Close()
	defer pw.Close()

	pw.Write([]byte("xyz123"))
	pw.Write([]byte(" "))

	if tr := waitTransition(t, src); tr.State != emg.LabelActive {
		t.Errorf("state = %v, want active", tr.State)
	}
	if st := src.Stats(); st.Transitions != 1 {
		t.Errorf("transitions = %d, want 1", st.Transitions)
	}
}

func TestKeyboardQuit(t *testing.T) {
	src := NewSource()
	quit := make(chan struct{})
	k, err := NewKeyboard(src, emg.NewClock(),
		WithInput(strings.NewReader("q")),
		WithQuit(func() { close(quit) }))
	if err != nil {
		t.Fatalf("NewKeyboard: %v", err)
	}
	defer k.Close()

	select {
	case <-quit:
	case <-time.After(2 * time.Second):
		t.Fatal("quit callback never fired")
	}
}
