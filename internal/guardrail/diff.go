package guardrail

import (
	"fmt"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

// Line is one added line with its line number in the new file.
type Line struct {
	Number int    `json:"number"`
	Text   string `json:"text"`
}

// FileDiff holds the lines a change added to one file.
type FileDiff struct {
	Path  string `json:"path"`
	Added []Line `json:"added"`
}

// ParseUnifiedDiff extracts added lines from git-style unified diff text.
// Removed and context lines are dropped; deleted files yield nothing.
func ParseUnifiedDiff(text string) ([]FileDiff, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	fds, err := diff.NewMultiFileDiffReader(strings.NewReader(text)).ReadAllFiles()
	if err != nil {
		return nil, fmt.Errorf("parsing diff: %w", err)
	}

	out := make([]FileDiff, 0, len(fds))
	for _, fd := range fds {
		if fd.NewName == "/dev/null" {
			continue
		}
		fileDiff := FileDiff{Path: stripPrefix(fd.NewName)}
		for _, h := range fd.Hunks {
			fileDiff.Added = append(fileDiff.Added, addedLines(h)...)
		}
		if len(fileDiff.Added) > 0 {
			out = append(out, fileDiff)
		}
	}
	return out, nil
}

func addedLines(h *diff.Hunk) []Line {
	var added []Line
	lineNo := int(h.NewStartLine)
	body := strings.TrimSuffix(string(h.Body), "\n")
	for _, raw := range strings.Split(body, "\n") {
		if raw == "" {
			// An empty context line lost its leading space.
			lineNo++
			continue
		}
		switch raw[0] {
		case '+':
			added = append(added, Line{Number: lineNo, Text: raw[1:]})
			lineNo++
		case ' ':
			lineNo++
		case '-', '\\':
		}
	}
	return added
}

func stripPrefix(name string) string {
	if strings.HasPrefix(name, "a/") || strings.HasPrefix(name, "b/") {
		return name[2:]
	}
	return name
}
