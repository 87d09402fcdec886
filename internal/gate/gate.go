// Package gate decides whether a task may stop after an iteration.
package gate

import (
	"fmt"

	"github.com/fyrsmithlabs/loopd/internal/verdict"
)

// Decision is the gate outcome.
type Decision string

const (
	// Allow stops the loop with success.
	Allow Decision = "ALLOW"
	// Block retries.
	Block Decision = "BLOCK"
	// AskHuman suspends the task for an operator choice.
	AskHuman Decision = "ASK_HUMAN"
)

// StopDecision is a Decision with its reason.
type StopDecision struct {
	Decision Decision `json:"decision" yaml:"decision"`
	Reason   string   `json:"reason" yaml:"reason"`
}

func (d StopDecision) String() string {
	return fmt.Sprintf("%s: %s", d.Decision, d.Reason)
}

// Input is everything the gate looks at.
type Input struct {
	CompletionSignalSeen bool
	FilesChanged         []string
	Verdict              verdict.Verdict
	IterationsUsed       int
	MaxIterations        int
}

// Reasons are exported so callers and tests can match on them.
const (
	ReasonNoEvidence          = "no evidence of work done; suspected silent failure"
	ReasonClaimWithoutChanges = "completion claimed but no files changed; " + ReasonNoEvidence
	ReasonVerifiedCompletion  = "completion claimed and verified"
	ReasonUnverifiedClaim     = "completion claimed but verification did not pass"
	ReasonBudgetExhausted     = "budget exhausted"
	ReasonPass                = "verification passed"
	ReasonBlockedVerdict      = "verification blocked; operator decision required"
	ReasonPreexistingOnly     = "only pre-existing issues remain; no new harm introduced"
	ReasonRegression          = "regression introduced; retrying"
	ReasonUnrecognizedVerdict = "unrecognized verdict"
)

// Decide evaluates the stop rules in order; the first match wins.
func Decide(in Input) StopDecision {
	v := in.Verdict
	switch {
	case len(in.FilesChanged) == 0 && !in.CompletionSignalSeen:
		return StopDecision{Block, ReasonNoEvidence}
	case len(in.FilesChanged) == 0:
		// A completion claim with zero changes is still no evidence.
		return StopDecision{Block, ReasonClaimWithoutChanges}
	case in.CompletionSignalSeen && v.IsPass():
		return StopDecision{Allow, ReasonVerifiedCompletion}
	case in.CompletionSignalSeen:
		return StopDecision{Block, withDetail(ReasonUnverifiedClaim, v)}
	case in.IterationsUsed >= in.MaxIterations:
		return StopDecision{AskHuman, fmt.Sprintf("%s (%d/%d); last verdict %s",
			ReasonBudgetExhausted, in.IterationsUsed, in.MaxIterations, v)}
	case v.IsPass():
		return StopDecision{Allow, ReasonPass}
	case v.IsBlocked():
		return StopDecision{AskHuman, withDetail(ReasonBlockedVerdict, v)}
	case v.IsPreexistingOnly():
		return StopDecision{Allow, ReasonPreexistingOnly}
	case v.IsRegression():
		return StopDecision{Block, withDetail(ReasonRegression, v)}
	default:
		// Anything the verifier should never produce is treated as unsafe.
		return StopDecision{AskHuman, withDetail(ReasonUnrecognizedVerdict, v)}
	}
}

func withDetail(reason string, v verdict.Verdict) string {
	return reason + ": " + v.String()
}
