// Package verdict defines the canonical verification outcome shared by the
// verifier, the gate and the loop controller.
package verdict

import (
	"fmt"

	"github.com/fyrsmithlabs/loopd/internal/guardrail"
)

// Kind is the verdict tag.
type Kind string

const (
	Pass    Kind = "PASS"
	Fail    Kind = "FAIL"
	Blocked Kind = "BLOCKED"
)

// FailClass sub-classifies a FAIL verdict.
type FailClass string

const (
	FailNone            FailClass = ""
	FailRegression      FailClass = "regression"
	FailPreexistingOnly FailClass = "preexisting_only"
)

// Issue is a normalized problem reported by a check command.
type Issue struct {
	File    string `json:"file" yaml:"file" mapstructure:"file"`
	Line    int    `json:"line" yaml:"line" mapstructure:"line"`
	Rule    string `json:"rule" yaml:"rule" mapstructure:"rule"`
	Message string `json:"message" yaml:"message" mapstructure:"message"`
}

func (i Issue) String() string {
	if i.Line > 0 {
		return fmt.Sprintf("%s:%d: [%s] %s", i.File, i.Line, i.Rule, i.Message)
	}
	return fmt.Sprintf("%s: [%s] %s", i.File, i.Rule, i.Message)
}

// Verdict is the result of one verification run.
type Verdict struct {
	Kind                  Kind            `json:"kind" yaml:"kind" mapstructure:"kind"`
	FailClass             FailClass       `json:"fail_class,omitempty" yaml:"fail_class,omitempty" mapstructure:"fail_class"`
	Reason                string          `json:"reason" yaml:"reason" mapstructure:"reason"`
	NewIssueCount         int             `json:"new_issue_count" yaml:"new_issue_count" mapstructure:"new_issue_count"`
	PreexistingIssueCount int             `json:"preexisting_issue_count" yaml:"preexisting_issue_count" mapstructure:"preexisting_issue_count"`
	GuardrailHits         []guardrail.Hit `json:"guardrail_hits,omitempty" yaml:"guardrail_hits,omitempty" mapstructure:"guardrail_hits"`
	NewIssues             []Issue         `json:"new_issues,omitempty" yaml:"new_issues,omitempty" mapstructure:"new_issues"`
	TimedOutChecks        []string        `json:"timed_out_checks,omitempty" yaml:"timed_out_checks,omitempty" mapstructure:"timed_out_checks"`
}

// NewPass returns a PASS verdict.
func NewPass(reason string) Verdict {
	return Verdict{Kind: Pass, Reason: reason}
}

// NewBlocked returns a BLOCKED verdict.
func NewBlocked(reason string) Verdict {
	return Verdict{Kind: Blocked, Reason: reason}
}

// NewFail returns a FAIL verdict whose class is derived from the counts.
// A FAIL with no issues at all is not representable; it degrades to PASS.
func NewFail(reason string, newCount, preexisting int) Verdict {
	v := Verdict{
		Kind:                  Fail,
		Reason:                reason,
		NewIssueCount:         newCount,
		PreexistingIssueCount: preexisting,
	}
	v.FailClass = classify(newCount, preexisting)
	if v.FailClass == FailNone {
		v.Kind = Pass
	}
	return v
}

func classify(newCount, preexisting int) FailClass {
	switch {
	case newCount > 0:
		return FailRegression
	case preexisting > 0:
		return FailPreexistingOnly
	default:
		return FailNone
	}
}

// IsPass reports whether the verdict is PASS.
func (v Verdict) IsPass() bool { return v.Kind == Pass }

// IsBlocked reports whether the verdict is BLOCKED.
func (v Verdict) IsBlocked() bool { return v.Kind == Blocked }

// IsRegression reports whether the verdict is FAIL(regression).
func (v Verdict) IsRegression() bool { return v.Kind == Fail && v.FailClass == FailRegression }

// IsPreexistingOnly reports whether the verdict is FAIL(preexisting_only).
func (v Verdict) IsPreexistingOnly() bool {
	return v.Kind == Fail && v.FailClass == FailPreexistingOnly
}

// Validate checks the tag/sub-class invariants.
func (v Verdict) Validate() error {
	switch v.Kind {
	case Pass, Blocked:
		if v.FailClass != FailNone {
			return fmt.Errorf("%w: %s verdict carries fail class %q", ErrInvalidVerdict, v.Kind, v.FailClass)
		}
	case Fail:
		want := classify(v.NewIssueCount, v.PreexistingIssueCount)
		if want == FailNone {
			return fmt.Errorf("%w: FAIL verdict without issues", ErrInvalidVerdict)
		}
		if v.FailClass != want {
			return fmt.Errorf("%w: fail class %q does not match counts (new=%d, preexisting=%d)",
				ErrInvalidVerdict, v.FailClass, v.NewIssueCount, v.PreexistingIssueCount)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidVerdict, v.Kind)
	}
	if v.NewIssueCount < 0 || v.PreexistingIssueCount < 0 {
		return fmt.Errorf("%w: negative issue count", ErrInvalidVerdict)
	}
	return nil
}

// String renders a short human form, e.g. "FAIL(regression): 1 new issue".
func (v Verdict) String() string {
	tag := string(v.Kind)
	if v.Kind == Fail {
		tag = fmt.Sprintf("FAIL(%s)", v.FailClass)
	}
	if v.Reason == "" {
		return tag
	}
	return tag + ": " + v.Reason
}
