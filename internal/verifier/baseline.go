package verifier

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/fyrsmithlabs/loopd/internal/fsutil"
	"github.com/fyrsmithlabs/loopd/internal/verdict"
)

// ErrCorruptBaseline is returned when a baseline file cannot be decoded.
var ErrCorruptBaseline = errors.New("corrupt baseline")

// Fingerprint identifies an issue by file, line and rule. The message is not
// part of the identity.
func Fingerprint(i verdict.Issue) string {
	h := sha256.New()
	h.Write([]byte(path.Clean(filepath.ToSlash(i.File))))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(i.Line)))
	h.Write([]byte{0})
	h.Write([]byte(i.Rule))
	return hex.EncodeToString(h.Sum(nil))
}

// Entry is the first-seen metadata for one baseline fingerprint.
type Entry struct {
	File      string    `json:"file"`
	Line      int       `json:"line"`
	Rule      string    `json:"rule"`
	Message   string    `json:"message"`
	FirstSeen time.Time `json:"first_seen"`
}

// Baseline is the known pre-existing issue set for a project.
type Baseline struct {
	Project   string           `json:"project"`
	CreatedAt time.Time        `json:"created_at"`
	Entries   map[string]Entry `json:"entries"`
}

// NewBaseline builds a baseline from an issue set.
func NewBaseline(project string, issues []verdict.Issue, now time.Time) *Baseline {
	b := &Baseline{Project: project, CreatedAt: now, Entries: make(map[string]Entry, len(issues))}
	for _, i := range issues {
		fp := Fingerprint(i)
		if _, ok := b.Entries[fp]; ok {
			continue
		}
		b.Entries[fp] = Entry{File: i.File, Line: i.Line, Rule: i.Rule, Message: i.Message, FirstSeen: now}
	}
	return b
}

// Contains reports whether the issue is known.
func (b *Baseline) Contains(i verdict.Issue) bool {
	_, ok := b.Entries[Fingerprint(i)]
	return ok
}

// BaselineStore persists per-project baselines. Implementations allow one
// writer per project and any number of concurrent readers.
type BaselineStore interface {
	// Load returns nil, nil when the project has no baseline yet.
	Load(project string) (*Baseline, error)
	// Create stores b only if the project has no baseline. It reports
	// whether b was written.
	Create(b *Baseline) (bool, error)
	// Replace overwrites the project's baseline.
	Replace(b *Baseline) error
	Delete(project string) error
}

var safeName = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// FileBaselineStore keeps one JSON file per project under Dir.
type FileBaselineStore struct {
	Dir string

	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

// NewFileBaselineStore creates a store rooted at dir.
func NewFileBaselineStore(dir string) *FileBaselineStore {
	return &FileBaselineStore{Dir: dir, locks: make(map[string]*sync.RWMutex)}
}

func (s *FileBaselineStore) lock(project string) *sync.RWMutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[project]
	if !ok {
		l = &sync.RWMutex{}
		s.locks[project] = l
	}
	return l
}

func (s *FileBaselineStore) path(project string) string {
	return filepath.Join(s.Dir, safeName.ReplaceAllString(project, "_")+".json")
}

// Load implements BaselineStore.
func (s *FileBaselineStore) Load(project string) (*Baseline, error) {
	l := s.lock(project)
	l.RLock()
	defer l.RUnlock()
	return s.read(project)
}

func (s *FileBaselineStore) read(project string) (*Baseline, error) {
	data, err := os.ReadFile(s.path(project))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading baseline for %s: %w", project, err)
	}
	var b Baseline
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptBaseline, project, err)
	}
	if b.Entries == nil {
		b.Entries = map[string]Entry{}
	}
	return &b, nil
}

// Create implements BaselineStore.
func (s *FileBaselineStore) Create(b *Baseline) (bool, error) {
	l := s.lock(b.Project)
	l.Lock()
	defer l.Unlock()

	existing, err := s.read(b.Project)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return false, nil
	}
	return true, s.write(b)
}

// Replace implements BaselineStore.
func (s *FileBaselineStore) Replace(b *Baseline) error {
	l := s.lock(b.Project)
	l.Lock()
	defer l.Unlock()
	return s.write(b)
}

// Delete implements BaselineStore.
func (s *FileBaselineStore) Delete(project string) error {
	l := s.lock(project)
	l.Lock()
	defer l.Unlock()
	if err := os.Remove(s.path(project)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("deleting baseline for %s: %w", project, err)
	}
	return nil
}

func (s *FileBaselineStore) write(b *Baseline) error {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding baseline: %w", err)
	}
	if err := fsutil.WriteFileAtomic(s.path(b.Project), data, 0o600); err != nil {
		return fmt.Errorf("writing baseline for %s: %w", b.Project, err)
	}
	return nil
}
