package executor

import (
	"context"
	"log/slog"

	"github.com/mattjoyce/jobd/internal/job"
	"github.com/mattjoyce/jobd/internal/log"
)

// Acknowledging records each job's outcome with the source that produced it.
// A failed acknowledgement is logged; the job result is returned unchanged.
type Acknowledging struct {
	Next      job.Executor
	Completer job.Completer
	Logger    *slog.Logger
}

func (a *Acknowledging) Run(ctx context.Context, j job.Job) bool {
	ok := a.Next.Run(ctx, j)
	if a.Completer == nil {
		return ok
	}
	if err := a.Completer.Complete(ctx, j, ok); err != nil {
		logger := a.Logger
		if logger == nil {
			logger = log.WithJob(j.ID)
		}
		logger.Error("recording job outcome failed", "job_id", j.ID, "ok", ok, "error", err)
	}
	return ok
}
