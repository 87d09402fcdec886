// Package operator connects ASK_HUMAN escalations to the people who answer
// them.
package operator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/loopd/internal/task"
)

var (
	// ErrNoEscalation is returned when answering a task that is not waiting.
	ErrNoEscalation = errors.New("no pending escalation for task")
	// ErrInvalidChoice is returned for a resolution the escalation did not offer.
	ErrInvalidChoice = errors.New("resolution not offered")
	// ErrNotInteractive is returned by Terminal when stdin is not a terminal.
	ErrNotInteractive = errors.New("operator terminal is not interactive")
)

type pending struct {
	esc    task.Escalation
	answer chan task.Resolution
}

// Broker holds escalations until an operator answers them. It implements
// the loop's Resolver; Resolve blocks until Answer is called for the task
// or ctx ends.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*pending
	logger  *zap.Logger
}

// NewBroker creates an empty broker.
func NewBroker(logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{pending: make(map[string]*pending), logger: logger}
}

// Resolve registers esc and waits for an answer.
func (b *Broker) Resolve(ctx context.Context, esc task.Escalation) (task.Resolution, error) {
	p := &pending{esc: esc, answer: make(chan task.Resolution, 1)}

	b.mu.Lock()
	if _, ok := b.pending[esc.TaskID]; ok {
		b.mu.Unlock()
		return "", fmt.Errorf("task %s already has a pending escalation", esc.TaskID)
	}
	b.pending[esc.TaskID] = p
	b.mu.Unlock()

	b.logger.Info("escalation pending",
		zap.String("task.id", esc.TaskID),
		zap.Int("task.iteration", esc.Iteration),
		zap.String("reason", esc.Decision.Reason))

	select {
	case res := <-p.answer:
		return res, nil
	case <-ctx.Done():
		b.mu.Lock()
		if b.pending[esc.TaskID] == p {
			delete(b.pending, esc.TaskID)
			b.mu.Unlock()
			return "", ctx.Err()
		}
		b.mu.Unlock()
		// Answer already accepted a resolution and buffered it under the lock.
		return <-p.answer, nil
	}
}

// Answer delivers an operator's resolution to the waiting task.
func (b *Broker) Answer(taskID string, res task.Resolution) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoEscalation, taskID)
	}
	if !slices.Contains(p.esc.Choices, res) {
		return fmt.Errorf("%w: %q", ErrInvalidChoice, res)
	}
	delete(b.pending, taskID)
	p.answer <- res
	b.logger.Info("escalation answered", zap.String("task.id", taskID), zap.String("resolution", string(res)))
	return nil
}

// Pending returns the waiting escalations, oldest first.
func (b *Broker) Pending() []task.Escalation {
	b.mu.Lock()
	out := make([]task.Escalation, 0, len(b.pending))
	for _, p := range b.pending {
		out = append(out, p.esc)
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
