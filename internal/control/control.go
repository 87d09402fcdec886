// Package control holds the process-wide switches the loop re-reads at
// every iteration boundary.
package control

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

// Autonomy decides how much the gate is trusted without an operator.
type Autonomy string

const (
	// Autonomous follows the gate's decisions.
	Autonomous Autonomy = "autonomous"
	// Supervised escalates every BLOCK to an operator.
	Supervised Autonomy = "supervised"
)

// ParseAutonomy parses an autonomy level. The empty string is Autonomous.
func ParseAutonomy(s string) (Autonomy, error) {
	switch Autonomy(strings.ToLower(strings.TrimSpace(s))) {
	case "", Autonomous:
		return Autonomous, nil
	case Supervised:
		return Supervised, nil
	default:
		return "", fmt.Errorf("unknown autonomy level %q", s)
	}
}

// Controls is safe for concurrent use. The zero value is running and
// autonomous.
type Controls struct {
	halted   atomic.Bool
	autonomy atomic.Value

	mu     sync.RWMutex
	reason string
}

// New returns controls at the given autonomy level.
func New(level Autonomy) *Controls {
	c := &Controls{}
	c.SetAutonomy(level)
	return c
}

// Halt asks every running task to stop before its next worker invocation.
func (c *Controls) Halt(reason string) {
	c.mu.Lock()
	c.reason = reason
	c.mu.Unlock()
	c.halted.Store(true)
}

// Resume clears a previous Halt.
func (c *Controls) Resume() {
	c.halted.Store(false)
	c.mu.Lock()
	c.reason = ""
	c.mu.Unlock()
}

// Halted reports whether a halt is in effect, and why.
func (c *Controls) Halted() (bool, string) {
	if !c.halted.Load() {
		return false, ""
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	reason := c.reason
	if reason == "" {
		reason = "halted by operator"
	}
	return true, reason
}

// SetAutonomy changes the autonomy level.
func (c *Controls) SetAutonomy(level Autonomy) {
	if level == "" {
		level = Autonomous
	}
	c.autonomy.Store(level)
}

// Autonomy returns the current autonomy level.
func (c *Controls) Autonomy() Autonomy {
	if v, ok := c.autonomy.Load().(Autonomy); ok {
		return v
	}
	return Autonomous
}
