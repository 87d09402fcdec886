// Package guardrail detects suppression and skip markers introduced by a change.
//
// Only added lines are scanned: a marker that already existed before the
// change and was left untouched is not attributed to the worker.
package guardrail

import (
	"fmt"
	"regexp"
	"sort"
	"unicode/utf8"
)

// Hit is one guardrail match on an added line.
type Hit struct {
	PatternID   string `json:"pattern_id" yaml:"pattern_id" mapstructure:"pattern_id"`
	File        string `json:"file" yaml:"file" mapstructure:"file"`
	Line        int    `json:"line" yaml:"line" mapstructure:"line"`
	MatchedText string `json:"matched_text" yaml:"matched_text" mapstructure:"matched_text"`
}

// SecretDetector finds credentials in a single line of text.
type SecretDetector interface {
	DetectLine(text string) []SecretFinding
}

// SecretFinding is one credential reported by a SecretDetector.
type SecretFinding struct {
	RuleID string
	Match  string
}

// Scanner matches compiled rules against added diff lines. A Scanner is
// immutable after construction and safe for concurrent use.
type Scanner struct {
	rules      []Rule
	allowPaths []*regexp.Regexp
	secrets    SecretDetector
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithRules appends rules to the default set.
func WithRules(rules ...Rule) Option {
	return func(s *Scanner) {
		s.rules = append(s.rules, rules...)
	}
}

// WithAllowPaths skips files whose path matches one of the compiled regexes.
func WithAllowPaths(res ...*regexp.Regexp) Option {
	return func(s *Scanner) {
		s.allowPaths = append(s.allowPaths, res...)
	}
}

// WithSecretDetector enables secret-introduction hits.
func WithSecretDetector(d SecretDetector) Option {
	return func(s *Scanner) {
		s.secrets = d
	}
}

// NewScanner creates a scanner with the default rules plus any options.
func NewScanner(opts ...Option) (*Scanner, error) {
	s := &Scanner{rules: DefaultRules()}
	for _, opt := range opts {
		opt(s)
	}

	seen := make(map[string]bool, len(s.rules))
	for i := range s.rules {
		if err := s.rules[i].Compile(); err != nil {
			return nil, err
		}
		if seen[s.rules[i].ID] {
			return nil, fmt.Errorf("duplicate guardrail rule id %q", s.rules[i].ID)
		}
		seen[s.rules[i].ID] = true
	}
	return s, nil
}

// MustNewScanner is NewScanner that panics on error.
func MustNewScanner(opts ...Option) *Scanner {
	s, err := NewScanner(opts...)
	if err != nil {
		panic(err)
	}
	return s
}

// Rules returns the active rule IDs.
func (s *Scanner) Rules() []string {
	ids := make([]string, len(s.rules))
	for i, r := range s.rules {
		ids[i] = r.ID
	}
	return ids
}

// Scan returns all hits in the added lines of diffs. Output is sorted by
// file, line, then pattern so identical input always yields identical output.
func (s *Scanner) Scan(diffs []FileDiff) []Hit {
	var hits []Hit
	for _, fd := range diffs {
		if s.allowed(fd.Path) {
			continue
		}
		for _, line := range fd.Added {
			for i := range s.rules {
				r := &s.rules[i]
				if !r.appliesTo(fd.Path) {
					continue
				}
				if m := r.re.FindString(line.Text); m != "" {
					hits = append(hits, Hit{PatternID: r.ID, File: fd.Path, Line: line.Number, MatchedText: m})
				}
			}
			if s.secrets != nil {
				for _, f := range s.secrets.DetectLine(line.Text) {
					hits = append(hits, Hit{
						PatternID:   "secret:" + f.RuleID,
						File:        fd.Path,
						Line:        line.Number,
						MatchedText: redact(f.Match),
					})
				}
			}
		}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.File != b.File {
			return a.File < b.File
		}
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		return a.PatternID < b.PatternID
	})
	return hits
}

func (s *Scanner) allowed(path string) bool {
	for _, re := range s.allowPaths {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// redact keeps roughly the first four bytes of secret, extended to a
// rune boundary.
func redact(secret string) string {
	cut := 4
	for cut < len(secret) && !utf8.RuneStart(secret[cut]) {
		cut++
	}
	if cut >= len(secret) {
		return "[REDACTED]"
	}
	return secret[:cut] + "...[REDACTED]"
}
