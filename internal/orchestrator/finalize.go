package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/zulandar/chunkyard/internal/job"
	"go.uber.org/zap"
)

// finalize merges a job whose output chunks all exist. Concurrent calls for
// the same job share one run.
func (o *Orchestrator) finalize(ctx context.Context, id string) error {
	_, err, shared := o.finals.Do(id, func() (any, error) {
		return nil, o.runFinalize(ctx, id)
	})
	if shared {
		o.log.Debug("finalize shared", zap.String("job_id", id))
	}
	return err
}

func (o *Orchestrator) runFinalize(ctx context.Context, id string) error {
	j, err := o.update(ctx, id, func(j *job.Job) error {
		switch j.Status {
		case job.StatusMerging:
			return nil
		case job.StatusDone, job.StatusFailed:
			return errFinished
		}
		return j.Transition(job.StatusMerging, o.now())
	})
	if errors.Is(err, errFinished) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("orchestrator: %s: start merge: %w", id, err)
	}
	o.log.Info("job merging", zap.String("job_id", id), zap.Int("total_chunks", j.Total()))

	final, err := o.merger.Merge(ctx, id, j.Total())
	if err != nil {
		if o.ctx.Err() != nil {
			// Left in merging; Resume finishes it.
			return err
		}
		o.fail(ctx, id, err.Error())
		return fmt.Errorf("orchestrator: %s: %w", id, err)
	}
	return o.complete(ctx, id, final)
}

// complete attaches stats and the final artifact, marks the job done and
// releases workers and intermediates.
func (o *Orchestrator) complete(ctx context.Context, id, final string) error {
	stats, err := o.store.Stats(ctx, id)
	if err != nil {
		o.log.Warn("read job stats", zap.String("job_id", id), zap.Error(err))
	}
	j, err := o.update(ctx, id, func(j *job.Job) error {
		if stats != nil {
			j.Stats = stats
		}
		j.FinalFile = final
		return j.Transition(job.StatusDone, o.now())
	})
	if err != nil {
		return fmt.Errorf("orchestrator: %s: complete: %w", id, err)
	}
	o.log.Info("job done",
		zap.String("job_id", id), zap.String("final_file", final), zap.String("progress", j.Progress()))

	o.scaleDownIfIdle(ctx, id)
	o.cleaner.Cleanup(ctx, id)
	return nil
}

// scaleDownIfIdle releases the fleet unless another job monitored here is
// still waiting on workers. Store errors keep the fleet up.
func (o *Orchestrator) scaleDownIfIdle(ctx context.Context, id string) {
	o.mu.Lock()
	others := make([]string, 0, len(o.monitors))
	for mid := range o.monitors {
		if mid != id {
			others = append(others, mid)
		}
	}
	o.mu.Unlock()

	for _, mid := range others {
		j, ok, err := o.store.Get(ctx, mid)
		if err != nil {
			o.log.Warn("fleet kept, job status unknown", zap.String("job_id", mid), zap.Error(err))
			return
		}
		if ok && j.Status.Active() {
			o.log.Info("fleet kept for active job", zap.String("job_id", mid))
			return
		}
	}
	o.fleet.ScaleDown(ctx)
}

// fleetDemand returns the fleet size needed for own chunks of job id plus
// the chunks of every other splitting or verifying job monitored here. When
// a job's state cannot be read the current size is kept as a floor, so the
// fleet never shrinks under a job it cannot see.
func (o *Orchestrator) fleetDemand(ctx context.Context, id string, own int) int {
	o.mu.Lock()
	others := make([]string, 0, len(o.monitors))
	for mid := range o.monitors {
		if mid != id {
			others = append(others, mid)
		}
	}
	o.mu.Unlock()

	demand := own
	for _, mid := range others {
		j, ok, err := o.store.Get(ctx, mid)
		if err != nil {
			o.log.Warn("fleet demand, job status unknown", zap.String("job_id", mid), zap.Error(err))
			return max(demand, o.fleet.Current())
		}
		if !ok || !j.Status.Active() {
			continue
		}
		if n := j.Total(); n > 0 {
			demand += n
		} else {
			demand += j.RequestedChunks
		}
	}
	return demand
}

// Merge re-runs the merge for a job on operator request. A verifying job is
// finalized once every output chunk exists. A done job is re-merged in place
// when its output chunks are still present, and returned unchanged when
// cleanup already removed them; it keeps its status either way.
func (o *Orchestrator) Merge(ctx context.Context, id string) (*View, error) {
	j, ok, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: merge %s: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	switch j.Status {
	case job.StatusDone:
		n, err := o.countOutputs(ctx, id, j.Total())
		if err != nil {
			return nil, err
		}
		if n < j.Total() {
			o.log.Info("re-merge skipped, chunks cleaned up",
				zap.String("job_id", id), zap.Int("present", n), zap.Int("total", j.Total()))
			return newView(j), nil
		}
		final, err := o.merger.Merge(ctx, id, j.Total())
		if err != nil {
			return nil, fmt.Errorf("orchestrator: re-merge %s: %w", id, err)
		}
		if _, err := o.update(ctx, id, func(j *job.Job) error {
			j.FinalFile = final
			return nil
		}); err != nil {
			return nil, fmt.Errorf("orchestrator: re-merge %s: %w", id, err)
		}
		o.log.Info("job re-merged", zap.String("job_id", id))
	case job.StatusVerifying:
		n, err := o.countOutputs(ctx, id, j.Total())
		if err != nil {
			return nil, err
		}
		if n < j.Total() {
			return nil, fmt.Errorf("%w: %s has %d of %d chunks", ErrNotReady, id, n, j.Total())
		}
		if _, err := o.recordProcessed(ctx, id, n); err != nil {
			return nil, fmt.Errorf("orchestrator: merge %s: %w", id, err)
		}
		fallthrough
	case job.StatusMerging:
		// Detached from ctx so a dropped caller cannot fail the job mid-merge.
		if err := o.finalize(o.ctx, id); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %s is %s", ErrNotReady, id, j.Status)
	}
	return o.Status(ctx, id)
}
