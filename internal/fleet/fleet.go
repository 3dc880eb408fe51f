// Package fleet sizes the external worker pool that processes chunks.
package fleet

import (
	"context"
	"sync"
	"time"

	"github.com/zulandar/chunkyard/internal/logging"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Resizer applies a pool size to the underlying compute fleet.
type Resizer interface {
	Resize(ctx context.Context, size int) error
}

// Opts configures a Fleet.
type Opts struct {
	Resizer     Resizer
	MaxSize     int
	MinInterval time.Duration // minimum spacing between resize calls
	Logger      *zap.Logger
}

// Fleet clamps, deduplicates and throttles resize requests. Resize errors are
// logged and swallowed: a failed resize only delays workers, and the polling
// loops tolerate that.
type Fleet struct {
	resizer Resizer
	max     int
	limiter *rate.Limiter
	log     *zap.Logger

	mu      sync.Mutex
	current int // -1 until a resize has succeeded
}

// New returns a Fleet. A nil Resizer only logs.
func New(opts Opts) *Fleet {
	log := logging.OrNop(opts.Logger)
	if opts.Resizer == nil {
		opts.Resizer = LogResizer{Logger: log}
	}
	limit := rate.Inf
	if opts.MinInterval > 0 {
		limit = rate.Every(opts.MinInterval)
	}
	return &Fleet{
		resizer: opts.Resizer,
		max:     opts.MaxSize,
		limiter: rate.NewLimiter(limit, 1),
		log:     log,
		current: -1,
	}
}

// Clamp bounds target to [0, max].
func (f *Fleet) Clamp(target int) int {
	if target < 0 {
		return 0
	}
	if f.max > 0 && target > f.max {
		return f.max
	}
	return target
}

// ScaleTo requests a pool of target workers, capped at the maximum size. It
// returns the size requested after clamping. Repeating the size already
// applied is a no-op.
func (f *Fleet) ScaleTo(ctx context.Context, target int) int {
	size := f.Clamp(target)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == size {
		f.log.Debug("fleet already at size", zap.Int("size", size))
		return size
	}
	if err := f.limiter.Wait(ctx); err != nil {
		f.log.Warn("fleet resize skipped", zap.Int("size", size), zap.Error(err))
		return size
	}
	if err := f.resizer.Resize(ctx, size); err != nil {
		f.log.Error("fleet resize failed", zap.Int("size", size), zap.Error(err))
		return size
	}
	f.current = size
	f.log.Info("fleet resized", zap.Int("size", size), zap.Int("requested", target))
	return size
}

// ScaleDown resets the pool to zero.
func (f *Fleet) ScaleDown(ctx context.Context) {
	f.ScaleTo(ctx, 0)
}

// Current returns the last successfully applied size, or -1.
func (f *Fleet) Current() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// LogResizer records resize requests without acting on them. It is used
// when no instance group is configured.
type LogResizer struct {
	Logger *zap.Logger
}

func (r LogResizer) Resize(_ context.Context, size int) error {
	logging.OrNop(r.Logger).Info("fleet resize (no group configured)", zap.Int("size", size))
	return nil
}
