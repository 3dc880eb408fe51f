package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/chunkyard/internal/job"
	"go.uber.org/zap"
)

// SweepReport summarizes one sweep.
type SweepReport struct {
	Failed int
	Purged int64
}

// Resume starts monitors for the active jobs found in the store and fails
// those already past their deadline. It returns how many monitors started.
func (o *Orchestrator) Resume(ctx context.Context) (int, error) {
	jobs, err := o.store.List(ctx, "", 0)
	if err != nil {
		return 0, fmt.Errorf("orchestrator: resume: %w", err)
	}
	now := o.now()
	started := 0
	for _, j := range jobs {
		if j.Status.Terminal() {
			continue
		}
		if j.Expired(now) {
			o.fail(ctx, j.ID, "deadline exceeded")
			continue
		}
		o.start(j, j.Status == job.StatusSplitting && j.SplitTrigger == nil)
		started++
	}
	o.log.Info("monitors resumed", zap.Int("jobs", started))
	return started, nil
}

// Sweep fails non-terminal jobs past their deadline and purges expired store
// entries. Jobs owned by other processes are swept too.
func (o *Orchestrator) Sweep(ctx context.Context) (SweepReport, error) {
	var rep SweepReport
	jobs, err := o.store.List(ctx, "", 0)
	if err != nil {
		return rep, fmt.Errorf("orchestrator: sweep: %w", err)
	}
	now := o.now()
	for _, j := range jobs {
		if !j.Status.Terminal() && j.Expired(now) && o.fail(ctx, j.ID, "deadline exceeded") {
			rep.Failed++
		}
	}
	purged, err := o.store.Purge(ctx)
	if err != nil {
		return rep, fmt.Errorf("orchestrator: sweep purge: %w", err)
	}
	rep.Purged = purged
	return rep, nil
}

// ParseSchedule parses a 5-field cron expression or a descriptor such as
// "@every 1m".
func ParseSchedule(expr string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: schedule %q: %w", expr, err)
	}
	return sched, nil
}

// RunSweeper runs Sweep on schedule until ctx is cancelled.
func (o *Orchestrator) RunSweeper(ctx context.Context, expr string) error {
	sched, err := ParseSchedule(expr)
	if err != nil {
		return err
	}
	for {
		wait := time.Until(sched.Next(time.Now()))
		if err := sleepWithContext(ctx, wait); err != nil {
			return nil
		}
		rep, err := o.Sweep(ctx)
		if err != nil {
			o.log.Warn("sweep", zap.Error(err))
			continue
		}
		if rep.Failed > 0 || rep.Purged > 0 {
			o.log.Info("sweep finished", zap.Int("failed", rep.Failed), zap.Int64("purged", rep.Purged))
		}
	}
}
