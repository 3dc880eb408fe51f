package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/zulandar/chunkyard/internal/job"
	"github.com/zulandar/chunkyard/internal/layout"
	"github.com/zulandar/chunkyard/internal/splitter"
	"github.com/zulandar/chunkyard/internal/status"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// errStopped ends a monitor whose job left the monitored states elsewhere,
// e.g. failed by the sweeper or expired from the store.
var errStopped = errors.New("orchestrator: job no longer monitored")

// splitSignal is closed by the split-detection loop once every input chunk
// exists. chunks is set before done is closed.
type splitSignal struct {
	done   chan struct{}
	chunks int
}

// start launches the monitor for j unless one is already running. The
// monitor's context expires at the job deadline.
func (o *Orchestrator) start(j *job.Job, trigger bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, running := o.monitors[j.ID]; running || o.ctx.Err() != nil {
		return
	}

	ctx, cancel := context.WithCancel(o.ctx)
	if !j.Deadline.IsZero() {
		cancel()
		ctx, cancel = context.WithDeadline(o.ctx, j.Deadline)
	}
	o.monitors[j.ID] = cancel
	o.wg.Add(1)

	snapshot := j.Clone()
	go func() {
		defer o.wg.Done()
		defer o.release(snapshot.ID)
		o.monitor(ctx, snapshot, trigger)
	}()
}

func (o *Orchestrator) release(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cancel, ok := o.monitors[id]; ok {
		cancel()
		delete(o.monitors, id)
	}
}

// monitor runs the loops appropriate to j's status and classifies how they
// ended. Deadline expiry fails the job; process shutdown leaves it for Resume.
func (o *Orchestrator) monitor(ctx context.Context, j *job.Job, trigger bool) {
	log := o.log.With(zap.String("job_id", j.ID))
	log.Info("monitor started", zap.String("status", string(j.Status)))

	var err error
	switch j.Status {
	case job.StatusSplitting:
		if trigger {
			o.wg.Add(1)
			go func() {
				defer o.wg.Done()
				o.triggerSplit(ctx, j)
			}()
		}
		sig := &splitSignal{done: make(chan struct{})}
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return o.awaitSplit(gctx, j.ID, j.RequestedChunks, sig) })
		g.Go(func() error { return o.awaitChunks(gctx, j.ID, 0, sig) })
		err = g.Wait()
	case job.StatusVerifying, job.StatusMerging:
		total := j.Total()
		if total == 0 {
			total = j.RequestedChunks
		}
		err = o.awaitChunks(ctx, j.ID, total, nil)
	default:
		return
	}

	switch {
	case err == nil, errors.Is(err, errStopped):
		log.Info("monitor finished")
	case o.ctx.Err() != nil:
		log.Info("monitor stopped for shutdown")
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		o.fail(ctx, j.ID, "deadline exceeded")
	default:
		log.Error("monitor exited", zap.Error(err))
	}
}

// triggerSplit fires the splitter request and records its outcome on the
// job. The outcome never blocks progress; completion is detected by polling.
func (o *Orchestrator) triggerSplit(ctx context.Context, j *job.Job) {
	res := o.splitter.Trigger(ctx, splitter.Request{
		JobID:       j.ID,
		InputObject: j.InputFile,
		NumChunks:   j.RequestedChunks,
		BucketName:  o.cfg.Storage.Bucket,
	})
	rec := &job.TriggerResult{Outcome: string(res.Outcome), StatusCode: res.StatusCode, At: res.At}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}

	fields := []zap.Field{zap.String("job_id", j.ID), zap.String("outcome", rec.Outcome), zap.Int("status_code", rec.StatusCode)}
	if res.Outcome == splitter.OutcomeSent {
		o.log.Info("split triggered", fields...)
	} else {
		o.log.Warn("split trigger not confirmed", append(fields, zap.Error(res.Err))...)
	}

	if _, err := o.update(context.WithoutCancel(ctx), j.ID, func(j *job.Job) error {
		j.SplitTrigger = rec
		return nil
	}); err != nil {
		o.log.Warn("record split trigger", zap.String("job_id", j.ID), zap.Error(err))
	}
}

// awaitSplit polls for the splitter's input chunks. Once the requested number
// exist it sizes the fleet and signals sig.
func (o *Orchestrator) awaitSplit(ctx context.Context, id string, want int, sig *splitSignal) error {
	prefix := layout.InputChunkPrefix(id)
	for {
		names, err := o.objects.List(ctx, prefix)
		if err != nil {
			o.log.Warn("list input chunks", zap.String("job_id", id), zap.Error(err))
		} else if len(names) >= want {
			size := o.fleet.ScaleTo(ctx, o.fleetDemand(ctx, id, len(names)))
			o.log.Info("split complete",
				zap.String("job_id", id), zap.Int("chunks", len(names)), zap.Int("size", size))
			sig.chunks = len(names)
			close(sig.done)
			return nil
		}
		if err := sleepWithContext(ctx, o.cfg.Monitor.SplitPollInterval); err != nil {
			return err
		}
	}
}

// awaitChunks polls for output chunks until all total exist, then
// finalizes. When sig is non-nil it first waits out the grace period and the
// split, records the chunk count and moves the job to verifying.
func (o *Orchestrator) awaitChunks(ctx context.Context, id string, total int, sig *splitSignal) error {
	if sig != nil {
		if err := sleepWithContext(ctx, o.cfg.Monitor.GracePeriod); err != nil {
			return err
		}
		select {
		case <-sig.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		total = sig.chunks
		if err := o.startVerifying(ctx, id, total); err != nil {
			return err
		}
	}

	log := o.log.With(zap.String("job_id", id))
	for {
		n, err := o.countOutputs(ctx, id, total)
		var st job.Status
		if err == nil {
			st, err = o.recordProcessed(ctx, id, n)
		}
		switch {
		case errors.Is(err, ErrJobNotFound):
			return errStopped
		case err != nil:
			log.Warn("poll output chunks", zap.Error(err))
		case st.Terminal():
			return errStopped
		case st == job.StatusMerging || n >= total:
			if err := o.finalize(ctx, id); err != nil {
				log.Warn("finalize", zap.Error(err))
			} else {
				return nil
			}
		default:
			log.Debug("waiting for chunks", zap.Int("processed", n), zap.Int("total", total))
		}
		if err := sleepWithContext(ctx, o.cfg.Monitor.ChunkPollInterval); err != nil {
			return err
		}
	}
}

// startVerifying records the chunk count and moves a splitting job to
// verifying, retrying store errors on the chunk poll interval.
func (o *Orchestrator) startVerifying(ctx context.Context, id string, total int) error {
	for {
		_, err := o.update(ctx, id, func(j *job.Job) error {
			switch {
			case j.Status.Terminal():
				return errStopped
			case j.Status != job.StatusSplitting:
				return nil
			}
			j.SetTotal(total)
			return j.Transition(job.StatusVerifying, o.now())
		})
		switch {
		case err == nil:
			o.log.Info("job verifying", zap.String("job_id", id), zap.Int("total_chunks", total))
			return nil
		case errors.Is(err, errStopped), errors.Is(err, ErrJobNotFound):
			return errStopped
		}
		o.log.Warn("start verifying", zap.String("job_id", id), zap.Error(err))
		if err := sleepWithContext(ctx, o.cfg.Monitor.ChunkPollInterval); err != nil {
			return err
		}
	}
}

// countOutputs checks every output chunk in parallel and returns how many
// exist.
func (o *Orchestrator) countOutputs(ctx context.Context, id string, total int) (int, error) {
	var found atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(o.cfg.Monitor.CheckConcurrency, 1))
	for i := 0; i < total; i++ {
		g.Go(func() error {
			ok, err := o.objects.Exists(gctx, layout.OutputChunk(id, i))
			if err != nil {
				return err
			}
			if ok {
				found.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, fmt.Errorf("orchestrator: check outputs %s: %w", id, err)
	}
	return int(found.Load()), nil
}

// recordProcessed raises the processed counter to observed while the job is
// verifying and returns the job's current status. The raise happens inside
// the store, so other processes reconciling the same job cannot push the
// counter past what was observed, and it never decreases.
func (o *Orchestrator) recordProcessed(ctx context.Context, id string, observed int) (job.Status, error) {
	j, ok, err := o.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if j.Status != job.StatusVerifying {
		return j.Status, nil
	}
	if observed > j.Processed() {
		n, err := o.store.RaiseTo(ctx, id, status.FieldProcessed, int64(observed))
		if err != nil {
			return j.Status, err
		}
		o.log.Debug("chunks processed", zap.String("job_id", id), zap.Int64("processed", n))
	}
	return j.Status, nil
}
