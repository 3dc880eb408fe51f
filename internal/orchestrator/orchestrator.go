// Package orchestrator drives batch jobs from upload to merged result.
//
// Each submitted job gets a monitor: a pair of polling loops that watch the
// object store for the splitter's input chunks and then for the workers'
// output chunks. When every output chunk exists the job is finalized: chunks
// are merged, the fleet is scaled down and intermediates are removed. All
// job state lives in the status store, so a restarted process resumes the
// monitors of active jobs with Resume.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/zulandar/chunkyard/internal/cleanup"
	"github.com/zulandar/chunkyard/internal/config"
	"github.com/zulandar/chunkyard/internal/fleet"
	"github.com/zulandar/chunkyard/internal/job"
	"github.com/zulandar/chunkyard/internal/layout"
	"github.com/zulandar/chunkyard/internal/logging"
	"github.com/zulandar/chunkyard/internal/merge"
	"github.com/zulandar/chunkyard/internal/splitter"
	"github.com/zulandar/chunkyard/internal/status"
	"github.com/zulandar/chunkyard/internal/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrJobNotFound is returned when the job id is absent from the store.
	ErrJobNotFound = errors.New("orchestrator: job not found")
	// ErrInvalidInput is returned for uploads rejected at submission.
	ErrInvalidInput = errors.New("orchestrator: invalid input")
	// ErrNotReady is returned when a job is not in a state that allows the
	// requested operation.
	ErrNotReady = errors.New("orchestrator: job not ready")
	// ErrTokenInvalid is returned for unknown, used or expired download tokens.
	ErrTokenInvalid = errors.New("orchestrator: download token invalid")
)

// errFinished short-circuits updates on jobs that already reached done.
var errFinished = errors.New("orchestrator: job finished")

// Opts holds the collaborators of an Orchestrator. Store, Objects and Config
// are required; the rest have working defaults.
type Opts struct {
	Store    status.Store
	Objects  storage.Store
	Fleet    *fleet.Fleet
	Splitter splitter.Triggerer
	Merger   *merge.Merger
	Cleaner  *cleanup.Cleaner
	Config   *config.Config
	Logger   *zap.Logger
	Now      func() time.Time
}

// Orchestrator owns the monitors of the jobs submitted to or resumed by this
// process.
type Orchestrator struct {
	store    status.Store
	objects  storage.Store
	fleet    *fleet.Fleet
	splitter splitter.Triggerer
	merger   *merge.Merger
	cleaner  *cleanup.Cleaner
	cfg      *config.Config
	log      *zap.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	monitors map[string]context.CancelFunc

	finals singleflight.Group
}

// Submission is returned to the uploader.
type Submission struct {
	JobID     string `json:"job_id"`
	InputFile string `json:"input_file"`
}

// New returns an Orchestrator. Call Stop and Wait to shut it down.
func New(opts Opts) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("orchestrator: status store is required")
	}
	if opts.Objects == nil {
		return nil, fmt.Errorf("orchestrator: object store is required")
	}
	if opts.Config == nil {
		return nil, fmt.Errorf("orchestrator: config is required")
	}
	log := logging.OrNop(opts.Logger)
	if opts.Fleet == nil {
		opts.Fleet = fleet.New(fleet.Opts{MaxSize: opts.Config.Fleet.MaxSize, Logger: log})
	}
	if opts.Splitter == nil {
		opts.Splitter = splitter.NewClient(opts.Config.Splitter.URL, opts.Config.Splitter.Timeout)
	}
	if opts.Merger == nil {
		opts.Merger = merge.New(merge.Opts{
			Objects:     opts.Objects,
			RetryDelay:  opts.Config.Merge.RetryDelay,
			MaxAttempts: opts.Config.Merge.MaxAttempts,
			Logger:      log,
		})
	}
	if opts.Cleaner == nil {
		opts.Cleaner = cleanup.New(opts.Objects, log)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:    opts.Store,
		objects:  opts.Objects,
		fleet:    opts.Fleet,
		splitter: opts.Splitter,
		merger:   opts.Merger,
		cleaner:  opts.Cleaner,
		cfg:      opts.Config,
		log:      log,
		now:      opts.Now,
		ctx:      ctx,
		cancel:   cancel,
		locks:    make(map[string]*sync.Mutex),
		monitors: make(map[string]context.CancelFunc),
	}, nil
}

// Submit stores an upload, records a splitting job and starts its monitor.
// Only validation errors and failures to persist the upload are returned;
// everything after that happens in the background.
func (o *Orchestrator) Submit(ctx context.Context, filename string, body io.Reader, chunks int) (*Submission, error) {
	if !strings.EqualFold(filepath.Ext(filename), ".csv") {
		return nil, fmt.Errorf("%w: only CSV uploads are accepted, got %q", ErrInvalidInput, filename)
	}
	if chunks < 1 || chunks > o.cfg.Monitor.MaxChunks {
		return nil, fmt.Errorf("%w: chunks must be between 1 and %d, got %d", ErrInvalidInput, o.cfg.Monitor.MaxChunks, chunks)
	}

	id := job.NewID()
	input := layout.FullInput(id)
	if err := o.objects.Put(ctx, input, body, "text/csv"); err != nil {
		return nil, fmt.Errorf("orchestrator: store upload %s: %w", id, err)
	}

	j := job.New(id, input, chunks, o.now(), o.cfg.Monitor.JobDeadline)
	if err := o.store.Put(ctx, j, o.cfg.Retention.Active); err != nil {
		return nil, fmt.Errorf("orchestrator: create job %s: %w", id, err)
	}
	o.log.Info("job submitted",
		zap.String("job_id", id), zap.String("filename", filename), zap.Int("chunks", chunks))

	o.start(j, true)
	return &Submission{JobID: id, InputFile: o.objects.URI(input)}, nil
}

// Stop cancels every monitor without failing their jobs.
func (o *Orchestrator) Stop() {
	o.cancel()
}

// Wait blocks until every monitor has exited.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Monitoring reports whether this process runs a monitor for id.
func (o *Orchestrator) Monitoring(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.monitors[id]
	return ok
}

// lock serializes this process's read-modify-write cycles on one job.
func (o *Orchestrator) lock(id string) func() {
	o.mu.Lock()
	l, ok := o.locks[id]
	if !ok {
		l = &sync.Mutex{}
		o.locks[id] = l
	}
	o.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// update applies fn to the stored record and writes it back. Done records
// get the done retention; all others, failed ones included, keep the active
// retention.
func (o *Orchestrator) update(ctx context.Context, id string, fn func(*job.Job) error) (*job.Job, error) {
	unlock := o.lock(id)
	defer unlock()

	j, ok, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err := fn(j); err != nil {
		return nil, err
	}
	if err := o.store.Put(ctx, j, o.retention(j)); err != nil {
		return nil, err
	}
	return j, nil
}

func (o *Orchestrator) retention(j *job.Job) time.Duration {
	if j.Status == job.StatusDone {
		return o.cfg.Retention.Done
	}
	return o.cfg.Retention.Active
}

// fail marks a non-terminal job failed and reports whether it changed.
func (o *Orchestrator) fail(ctx context.Context, id, reason string) bool {
	_, err := o.update(context.WithoutCancel(ctx), id, func(j *job.Job) error {
		if !j.Fail(reason) {
			return errFinished
		}
		return nil
	})
	switch {
	case err == nil:
		o.log.Warn("job failed", zap.String("job_id", id), zap.String("reason", reason))
		return true
	case errors.Is(err, errFinished):
	default:
		o.log.Error("mark job failed", zap.String("job_id", id), zap.Error(err))
	}
	return false
}

// sleepWithContext waits for d or until ctx is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
