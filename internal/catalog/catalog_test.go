package catalog

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	c, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	s, err := c.Begin(ctx, "subj01", "baseline", 500)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if s.ID == "" {
		t.Fatal("empty session id")
	}
	if _, err := os.Stat(s.Dir); err != nil {
		t.Fatalf("session dir missing: %v", err)
	}
	if _, err := os.Stat(s.SidecarPath()); err != nil {
		t.Fatalf("sidecar missing: %v", err)
	}

	open, err := c.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !open.EndedAt.IsZero() {
		t.Errorf("open session has ended_at %v", open.EndedAt)
	}
	if open.SampleRateHz != 500 {
		t.Errorf("sample rate = %d, want 500", open.SampleRateHz)
	}
	if open.Label != "baseline" {
		t.Errorf("label = %q, want baseline", open.Label)
	}

	res := Result{
		EndedAt:          s.StartedAt.Add(30 * time.Second),
		Records:          15000,
		Late:             3,
		InvalidSkipped:   12,
		LabelTransitions: 8,
	}
	if err := c.Finish(ctx, s, res); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	done, err := c.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get after Finish: %v", err)
	}
	if done.EndedAt.IsZero() {
		t.Error("finished session still has no ended_at")
	}
	if done.Records != 15000 || done.Late != 3 || done.InvalidSkipped != 12 || done.LabelTransitions != 8 {
		t.Errorf("counters not persisted: %+v", done)
	}
}

func TestSidecarMatchesIndex(t *testing.T) {
	ctx := context.Background()
	c, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	s, err := c.Begin(ctx, "subj02", "", 500)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := c.Finish(ctx, s, Result{Records: 42}); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	side, err := ReadSidecar(s.Dir)
	if err != nil {
		t.Fatalf("ReadSidecar: %v", err)
	}
	if side.ID != s.ID || side.Subject != "subj02" || side.Records != 42 {
		t.Errorf("sidecar = %+v, want the finished session", side)
	}
	if side.EndedAt.IsZero() {
		t.Error("sidecar missing ended_at after Finish")
	}
}

func TestListNewestFirst(t *testing.T) {
	ctx := context.Background()
	c, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	first, err := c.Begin(ctx, "subj03", "", 500)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	time.Sleep(5 * time.Millisecond) // distinct started_at ordering keys
	second, err := c.Begin(ctx, "subj03", "", 500)
	if err != nil {
		t.Fatalf("second Begin: %v", err)
	}

	sessions, err := c.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("got %d sessions, want 2", len(sessions))
	}
	if sessions[0].ID != second.ID || sessions[1].ID != first.ID {
		t.Errorf("list order = [%s, %s], want newest first", sessions[0].ID, sessions[1].ID)
	}
}

func TestIndexSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	c, err := Open(root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s, err := c.Begin(ctx, "subj04", "", 500)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	c, err = Open(root)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer c.Close()
	got, err := c.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if got.Dir != s.Dir {
		t.Errorf("dir = %q, want %q", got.Dir, s.Dir)
	}
}

func TestGetUnknownSession(t *testing.T) {
	c, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	if _, err := c.Get(context.Background(), "no-such-id"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get = %v, want ErrNotFound", err)
	}
}

func TestSubjectValidation(t *testing.T) {
	c, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()
	ctx := context.Background()

	for _, subject := range []string{"", "a/b", "..", "has space", string(make([]byte, 65))} {
		if _, err := c.Begin(ctx, subject, "", 500); err == nil {
			t.Errorf("Begin(%q) accepted an invalid subject", subject)
		}
	}
	if _, err := c.Begin(ctx, "ok.subject-01_x", "", 500); err != nil {
		t.Errorf("Begin rejected a valid subject: %v", err)
	}
}

func TestSessionLabelValidation(t *testing.T) {
	c, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()
	ctx := context.Background()

	if _, err := c.Begin(ctx, "subj05", "has space", 500); err == nil {
		t.Error("Begin accepted an invalid session label")
	}
	s, err := c.Begin(ctx, "subj05", "phase-2.baseline", 500)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	side, err := ReadSidecar(s.Dir)
	if err != nil {
		t.Fatalf("ReadSidecar: %v", err)
	}
	if side.Label != "phase-2.baseline" {
		t.Errorf("sidecar label = %q, want phase-2.baseline", side.Label)
	}
}
