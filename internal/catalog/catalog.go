// Package catalog manages recording-session storage: the on-disk layout of
// dataset files and the SQLite index used to find them again.
//
// Each session gets its own directory under the storage root, named
// <root>/<subject>/<session-id>/, holding the dataset file and a JSON
// sidecar with the session metadata. The index in <root>/catalog.db exists
// so tooling can list and locate sessions without crawling the tree.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite" // SQLite driver.
)

// DatasetFile is the dataset file name inside every session directory.
const DatasetFile = "signal.csv"

// SidecarFile is the metadata file name inside every session directory.
const SidecarFile = "session.json"

// IndexFile is the default index database name under the storage root.
const IndexFile = "catalog.db"

// ErrNotFound is returned when a session id is not in the index.
var ErrNotFound = errors.New("catalog: session not found")

// Session describes one recording session. EndedAt is the zero time while
// the session is still being recorded.
type Session struct {
	ID               string
	Subject          string
	Label            string
	StartedAt        time.Time
	EndedAt          time.Time
	Dir              string
	SampleRateHz     int
	Records          uint64
	Late             uint64
	InvalidSkipped   uint64
	DroppedSamples   uint64
	LabelTransitions uint64
}

// DatasetPath returns the session's dataset file path.
func (s *Session) DatasetPath() string {
	return filepath.Join(s.Dir, DatasetFile)
}

// SidecarPath returns the session's metadata file path.
func (s *Session) SidecarPath() string {
	return filepath.Join(s.Dir, SidecarFile)
}

// Result carries the final counters of a finished session.
type Result struct {
	EndedAt          time.Time
	Records          uint64
	Late             uint64
	InvalidSkipped   uint64
	DroppedSamples   uint64
	LabelTransitions uint64
}

// Catalog wraps the storage root and its SQLite index.
type Catalog struct {
	root      string
	indexPath string
	db        *sql.DB
}

// Option configures Open.
type Option func(*Catalog)

// WithIndexFile overrides the index database path. The default is
// [IndexFile] under the root.
func WithIndexFile(path string) Option {
	return func(c *Catalog) {
		if path != "" {
			c.indexPath = path
		}
	}
}

// Open opens or creates a storage root and applies index migrations.
func Open(root string, opts ...Option) (*Catalog, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("catalog: create root: %w", err)
	}
	c := &Catalog{root: root, indexPath: filepath.Join(root, IndexFile)}
	for _, opt := range opts {
		opt(c)
	}
	if err := os.MkdirAll(filepath.Dir(c.indexPath), 0o755); err != nil {
		return nil, fmt.Errorf("catalog: create index dir: %w", err)
	}
	db, err := sql.Open("sqlite", c.indexPath)
	if err != nil {
		return nil, fmt.Errorf("catalog: open index: %w", err)
	}
	c.db = db
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// Close closes the index.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Root returns the storage root directory.
func (c *Catalog) Root() string {
	return c.root
}

func (c *Catalog) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			subject TEXT NOT NULL,
			label TEXT NOT NULL DEFAULT '',
			started_at TEXT NOT NULL,
			ended_at TEXT NOT NULL DEFAULT '',
			dir TEXT NOT NULL,
			sample_rate_hz INTEGER NOT NULL,
			records INTEGER NOT NULL DEFAULT 0,
			late_records INTEGER NOT NULL DEFAULT 0,
			invalid_skipped INTEGER NOT NULL DEFAULT 0,
			dropped_samples INTEGER NOT NULL DEFAULT 0,
			label_transitions INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_subject ON sessions(subject);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON sessions(started_at);`,
	}
	for _, stmt := range stmts {
		if _, err := c.db.Exec(stmt); err != nil {
			return fmt.Errorf("catalog: migrate: %w", err)
		}
	}
	return nil
}

// Begin allocates a new session for subject: a fresh id, its directory, the
// initial sidecar, and an index row. The session label is an optional tag
// (study phase, protocol name) that does not affect the directory layout.
func (c *Catalog) Begin(ctx context.Context, subject, sessionLabel string, rateHz int) (*Session, error) {
	if err := validateSubject(subject); err != nil {
		return nil, err
	}
	if err := validateLabel(sessionLabel); err != nil {
		return nil, err
	}
	s := &Session{
		ID:           uuid.NewString(),
		Subject:      subject,
		Label:        sessionLabel,
		StartedAt:    time.Now(),
		SampleRateHz: rateHz,
	}
	s.Dir = filepath.Join(c.root, subject, s.ID)
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("catalog: create session dir: %w", err)
	}
	if err := writeSidecar(s); err != nil {
		return nil, err
	}
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO sessions (id, subject, label, started_at, dir, sample_rate_hz)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		s.ID,
		s.Subject,
		s.Label,
		s.StartedAt.Format(time.RFC3339Nano),
		filepath.Join(subject, s.ID),
		s.SampleRateHz,
	)
	if err != nil {
		return nil, fmt.Errorf("catalog: index session: %w", err)
	}
	return s, nil
}

// Finish records the session's end and final counters in both the index and
// the sidecar.
func (c *Catalog) Finish(ctx context.Context, s *Session, res Result) error {
	if res.EndedAt.IsZero() {
		res.EndedAt = time.Now()
	}
	s.EndedAt = res.EndedAt
	s.Records = res.Records
	s.Late = res.Late
	s.InvalidSkipped = res.InvalidSkipped
	s.DroppedSamples = res.DroppedSamples
	s.LabelTransitions = res.LabelTransitions

	_, err := c.db.ExecContext(ctx,
		`UPDATE sessions
		 SET ended_at = ?, records = ?, late_records = ?, invalid_skipped = ?,
		     dropped_samples = ?, label_transitions = ?
		 WHERE id = ?`,
		s.EndedAt.Format(time.RFC3339Nano),
		int64(s.Records),
		int64(s.Late),
		int64(s.InvalidSkipped),
		int64(s.DroppedSamples),
		int64(s.LabelTransitions),
		s.ID,
	)
	if err != nil {
		return fmt.Errorf("catalog: finish session: %w", err)
	}
	return writeSidecar(s)
}

// List returns all sessions, newest first.
func (c *Catalog) List(ctx context.Context) ([]Session, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, subject, label, started_at, ended_at, dir, sample_rate_hz,
		        records, late_records, invalid_skipped, dropped_samples, label_transitions
		 FROM sessions
		 ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("catalog: list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		s, err := c.scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: list sessions: %w", err)
	}
	return sessions, nil
}

// Get returns one session by id.
func (c *Catalog) Get(ctx context.Context, id string) (Session, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, subject, label, started_at, ended_at, dir, sample_rate_hz,
		        records, late_records, invalid_skipped, dropped_samples, label_transitions
		 FROM sessions
		 WHERE id = ?`, id)
	if err != nil {
		return Session{}, fmt.Errorf("catalog: get session: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return Session{}, fmt.Errorf("catalog: get session: %w", err)
		}
		return Session{}, ErrNotFound
	}
	return c.scanSession(rows)
}

func (c *Catalog) scanSession(rows *sql.Rows) (Session, error) {
	var (
		s                  Session
		startedAt, endedAt string
		dir                string
	)
	err := rows.Scan(&s.ID, &s.Subject, &s.Label, &startedAt, &endedAt, &dir, &s.SampleRateHz,
		&s.Records, &s.Late, &s.InvalidSkipped, &s.DroppedSamples, &s.LabelTransitions)
	if err != nil {
		return Session{}, fmt.Errorf("catalog: scan session: %w", err)
	}
	s.Dir = filepath.Join(c.root, dir)
	if s.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return Session{}, fmt.Errorf("catalog: scan session: %w", err)
	}
	if endedAt != "" {
		if s.EndedAt, err = time.Parse(time.RFC3339Nano, endedAt); err != nil {
			return Session{}, fmt.Errorf("catalog: scan session: %w", err)
		}
	}
	return s, nil
}

// sidecar is the session.json schema. It duplicates the index row so a
// session directory is self-describing even without the database.
type sidecar struct {
	ID               string     `json:"id"`
	Subject          string     `json:"subject"`
	Label            string     `json:"label,omitempty"`
	StartedAt        time.Time  `json:"started_at"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
	Dataset          string     `json:"dataset"`
	SampleRateHz     int        `json:"sample_rate_hz"`
	Records          uint64     `json:"records"`
	Late             uint64     `json:"late_records"`
	InvalidSkipped   uint64     `json:"invalid_skipped"`
	DroppedSamples   uint64     `json:"dropped_samples"`
	LabelTransitions uint64     `json:"label_transitions"`
}

func writeSidecar(s *Session) error {
	sc := sidecar{
		ID:               s.ID,
		Subject:          s.Subject,
		Label:            s.Label,
		StartedAt:        s.StartedAt,
		Dataset:          DatasetFile,
		SampleRateHz:     s.SampleRateHz,
		Records:          s.Records,
		Late:             s.Late,
		InvalidSkipped:   s.InvalidSkipped,
		DroppedSamples:   s.DroppedSamples,
		LabelTransitions: s.LabelTransitions,
	}
	if !s.EndedAt.IsZero() {
		sc.EndedAt = &s.EndedAt
	}
	data, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return fmt.Errorf("catalog: encode sidecar: %w", err)
	}
	if err := os.WriteFile(s.SidecarPath(), append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("catalog: write sidecar: %w", err)
	}
	return nil
}

// ReadSidecar loads a session directory's metadata without the index, for
// tooling pointed straight at a directory.
func ReadSidecar(dir string) (Session, error) {
	data, err := os.ReadFile(filepath.Join(dir, SidecarFile))
	if err != nil {
		return Session{}, fmt.Errorf("catalog: read sidecar: %w", err)
	}
	var sc sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return Session{}, fmt.Errorf("catalog: parse sidecar: %w", err)
	}
	s := Session{
		ID:               sc.ID,
		Subject:          sc.Subject,
		Label:            sc.Label,
		StartedAt:        sc.StartedAt,
		Dir:              dir,
		SampleRateHz:     sc.SampleRateHz,
		Records:          sc.Records,
		Late:             sc.Late,
		InvalidSkipped:   sc.InvalidSkipped,
		DroppedSamples:   sc.DroppedSamples,
		LabelTransitions: sc.LabelTransitions,
	}
	if sc.EndedAt != nil {
		s.EndedAt = *sc.EndedAt
	}
	return s, nil
}

func validateSubject(subject string) error {
	if subject == "" {
		return errors.New("catalog: empty subject")
	}
	if subject == "." || subject == ".." {
		return errors.New("catalog: invalid subject")
	}
	return checkName("subject", subject)
}

// validateLabel accepts the empty label; the tag is optional.
func validateLabel(label string) error {
	if label == "" {
		return nil
	}
	return checkName("session label", label)
}

func checkName(kind, s string) error {
	if len(s) > 64 {
		return fmt.Errorf("catalog: %s too long", kind)
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
		default:
			return fmt.Errorf("catalog: %s contains %q; use letters, digits, '-', '_', '.'", kind, r)
		}
	}
	return nil
}
