// Package snapshot persists the resumable state of in-flight tasks.
//
// One file per task holds a YAML header between "---" delimiters followed
// by the task description, verbatim:
//
//	---
//	task_id: fix-auth
//	iteration: 4
//	max_iterations: 10
//	completion_promise: DONE
//	started_at: 2025-01-02T03:04:05Z
//	project_name: api
//	---
//	Make the auth tests pass.
//
// The presence of a file when a task starts is the resume signal.
package snapshot

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/loopd/internal/fsutil"
)

const (
	delimiter = "---\n"
	extension = ".md"
)

var (
	// ErrCorrupt is returned when a snapshot file cannot be decoded.
	ErrCorrupt = errors.New("corrupt snapshot")
	// ErrInvalidTaskID is returned for IDs that cannot map to a file name.
	ErrInvalidTaskID = errors.New("invalid task id")

	taskIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)
)

// Snapshot is the durable state of one task. Iteration counts completed
// iterations, so a task resumed from Iteration n runs iteration n+1 next.
type Snapshot struct {
	TaskID            string    `yaml:"task_id"`
	Iteration         int       `yaml:"iteration"`
	MaxIterations     int       `yaml:"max_iterations"`
	CompletionPromise string    `yaml:"completion_promise"`
	StartedAt         time.Time `yaml:"started_at"`
	ProjectName       string    `yaml:"project_name"`
	BaseRef           string    `yaml:"base_ref,omitempty"`
	Workspace         string    `yaml:"workspace,omitempty"`
	Description       string    `yaml:"-"`
}

// ValidateTaskID checks that id is usable as a snapshot file name.
func ValidateTaskID(id string) error {
	if !taskIDPattern.MatchString(id) || strings.Contains(id, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidTaskID, id)
	}
	return nil
}

// Marshal encodes a snapshot into its file form.
func Marshal(s Snapshot) ([]byte, error) {
	s.StartedAt = s.StartedAt.UTC()
	header, err := yaml.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot header: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString(delimiter)
	buf.Write(header)
	buf.WriteString(delimiter)
	buf.WriteString(s.Description)
	return buf.Bytes(), nil
}

// Unmarshal decodes the file form produced by Marshal.
func Unmarshal(data []byte) (Snapshot, error) {
	var s Snapshot
	text := string(data)
	if !strings.HasPrefix(text, delimiter) {
		return s, fmt.Errorf("%w: missing header delimiter", ErrCorrupt)
	}
	rest := text[len(delimiter):]
	end := strings.Index(rest, "\n"+delimiter)
	if end < 0 {
		return s, fmt.Errorf("%w: unterminated header", ErrCorrupt)
	}
	if err := yaml.Unmarshal([]byte(rest[:end+1]), &s); err != nil {
		return s, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if s.TaskID == "" {
		return s, fmt.Errorf("%w: missing task_id", ErrCorrupt)
	}
	s.Description = rest[end+1+len(delimiter):]
	return s, nil
}

// Store is a directory of snapshot files.
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the store directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(taskID string) (string, error) {
	if err := ValidateTaskID(taskID); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, taskID+extension), nil
}

// Write atomically replaces the snapshot for taskID.
func (s *Store) Write(taskID string, snap Snapshot) error {
	p, err := s.path(taskID)
	if err != nil {
		return err
	}
	if snap.TaskID != taskID {
		return fmt.Errorf("snapshot task id %q does not match %q", snap.TaskID, taskID)
	}
	data, err := Marshal(snap)
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(p, data, 0o600); err != nil {
		return fmt.Errorf("writing snapshot %s: %w", taskID, err)
	}
	return nil
}

// Read returns the snapshot for taskID, or nil when none exists.
func (s *Store) Read(taskID string) (*Snapshot, error) {
	p, err := s.path(taskID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading snapshot %s: %w", taskID, err)
	}
	snap, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", taskID, err)
	}
	return &snap, nil
}

// Clear removes the snapshot for taskID. Clearing a missing snapshot is
// not an error.
func (s *Store) Clear(taskID string) error {
	p, err := s.path(taskID)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("clearing snapshot %s: %w", taskID, err)
	}
	return nil
}

// List returns every readable snapshot, sorted by task ID. Corrupt files
// are reported in the returned error but do not hide the others.
func (s *Store) List() ([]Snapshot, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}

	var (
		out  []Snapshot
		errs []error
	)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, extension) || strings.HasPrefix(name, ".") {
			continue
		}
		snap, err := s.Read(strings.TrimSuffix(name, extension))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if snap != nil {
			out = append(out, *snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, errors.Join(errs...)
}
