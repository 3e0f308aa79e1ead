// Package job defines the unit of work and the capabilities a concrete daemon
// supplies: where jobs come from and how a job is executed.
package job

import (
	"context"
	"encoding/json"
)

//go:generate mockgen -destination=mocks/mock_job.go -package=mocks github.com/mattjoyce/jobd/internal/job Source,Executor,Completer

// Job is an opaque unit of work. The supervisor only reads ID for logging;
// Payload belongs to the producer and the executor.
type Job struct {
	ID      string          `json:"id"`
	Kind    string          `json:"kind,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Source produces the ordered batch of pending jobs for one iteration.
// An empty batch is not an error.
type Source interface {
	ListPending(ctx context.Context) ([]Job, error)
}

// Executor runs a single job and reports success.
type Executor interface {
	Run(ctx context.Context, j Job) bool
}

// Completer is implemented by sources that record the outcome of a job.
type Completer interface {
	Complete(ctx context.Context, j Job, ok bool) error
}

// Releaser is implemented by sources that claim jobs in ListPending. The
// supervisor hands back jobs it listed but did not dispatch before stopping.
type Releaser interface {
	Release(ctx context.Context, jobs []Job) error
}

// Extractor removes and returns the next job from jobs. The bool is false
// once no job remains.
type Extractor func(jobs *[]Job) (Job, bool)

// ShiftFront is the default Extractor: it takes jobs in order from the front.
func ShiftFront(jobs *[]Job) (Job, bool) {
	if jobs == nil || len(*jobs) == 0 {
		return Job{}, false
	}
	next := (*jobs)[0]
	*jobs = (*jobs)[1:]
	return next, true
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, j Job) bool

func (f ExecutorFunc) Run(ctx context.Context, j Job) bool { return f(ctx, j) }

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context) ([]Job, error)

func (f SourceFunc) ListPending(ctx context.Context) ([]Job, error) { return f(ctx) }
