package loop

import (
	"bufio"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fyrsmithlabs/loopd/internal/task"
)

// NopHints supplies no hints.
type NopHints struct{}

// Hints implements HintProvider.
func (NopHints) Hints(context.Context, task.Task) ([]string, error) { return nil, nil }

// HintsFile is read from the task workspace by StaticHints.
const HintsFile = ".loopd/hints.md"

// StaticHints reads one hint per non-empty line of HintsFile. Lines
// starting with '#' are ignored and list markers are stripped.
type StaticHints struct{}

// Hints implements HintProvider.
func (StaticHints) Hints(_ context.Context, t task.Task) ([]string, error) {
	if t.Workspace == "" {
		return nil, nil
	}
	f, err := os.Open(filepath.Join(t.Workspace, HintsFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var hints []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimLeft(line, "-*"))
		if line != "" {
			hints = append(hints, line)
		}
	}
	return hints, sc.Err()
}
