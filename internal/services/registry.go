package services

import (
	"github.com/fyrsmithlabs/loopd/internal/control"
	"github.com/fyrsmithlabs/loopd/internal/events"
	"github.com/fyrsmithlabs/loopd/internal/history"
	"github.com/fyrsmithlabs/loopd/internal/loop"
	"github.com/fyrsmithlabs/loopd/internal/operator"
	"github.com/fyrsmithlabs/loopd/internal/snapshot"
	"github.com/fyrsmithlabs/loopd/internal/verifier"
)

// Registry provides access to the shared loopd services.
type Registry interface {
	Verifier() *verifier.Verifier
	Baselines() *verifier.FileBaselineStore
	Snapshots() *snapshot.Store
	History() *history.Store
	Events() *events.Bus
	Controls() *control.Controls
	Broker() *operator.Broker
	// Worker is nil when no worker command is configured.
	Worker() loop.WorkerInvoker
}

// Options configures the registry with service instances.
type Options struct {
	Verifier  *verifier.Verifier
	Baselines *verifier.FileBaselineStore
	Snapshots *snapshot.Store
	History   *history.Store
	Events    *events.Bus
	Controls  *control.Controls
	Broker    *operator.Broker
	Worker    loop.WorkerInvoker
}

type registry struct {
	opts Options
}

// NewRegistry creates a new service registry.
func NewRegistry(opts Options) Registry {
	return &registry{opts: opts}
}

func (r *registry) Verifier() *verifier.Verifier           { return r.opts.Verifier }
func (r *registry) Baselines() *verifier.FileBaselineStore { return r.opts.Baselines }
func (r *registry) Snapshots() *snapshot.Store             { return r.opts.Snapshots }
func (r *registry) History() *history.Store                { return r.opts.History }
func (r *registry) Events() *events.Bus                    { return r.opts.Events }
func (r *registry) Controls() *control.Controls            { return r.opts.Controls }
func (r *registry) Broker() *operator.Broker               { return r.opts.Broker }
func (r *registry) Worker() loop.WorkerInvoker             { return r.opts.Worker }
