// Package cleanup removes a finished job's intermediate objects.
package cleanup

import (
	"context"

	"github.com/zulandar/chunkyard/internal/layout"
	"github.com/zulandar/chunkyard/internal/logging"
	"github.com/zulandar/chunkyard/internal/storage"
	"go.uber.org/zap"
)

// Report summarizes a cleanup pass.
type Report struct {
	Deleted int
	Failed  []string
}

// Cleaner deletes chunk artifacts and uploads. It never touches the final
// artifact.
type Cleaner struct {
	objects storage.Store
	log     *zap.Logger
}

// New returns a Cleaner over objects.
func New(objects storage.Store, log *zap.Logger) *Cleaner {
	return &Cleaner{objects: objects, log: logging.OrNop(log)}
}

// Cleanup deletes every object under the job's namespace and its full
// upload. Failures are logged and reported, never returned.
func (c *Cleaner) Cleanup(ctx context.Context, jobID string) Report {
	var rep Report
	final := layout.FinalResult(jobID)

	names, err := c.objects.List(ctx, layout.Namespace(jobID))
	if err != nil {
		c.log.Warn("cleanup list failed", zap.String("job_id", jobID), zap.Error(err))
		rep.Failed = append(rep.Failed, layout.Namespace(jobID))
	}
	names = append(names, layout.FullInput(jobID))

	for _, name := range names {
		if name == final {
			continue
		}
		if err := c.objects.Delete(ctx, name); err != nil {
			c.log.Warn("cleanup delete failed",
				zap.String("job_id", jobID), zap.String("object", name), zap.Error(err))
			rep.Failed = append(rep.Failed, name)
			continue
		}
		rep.Deleted++
	}
	c.log.Info("cleanup finished",
		zap.String("job_id", jobID), zap.Int("deleted", rep.Deleted), zap.Int("failed", len(rep.Failed)))
	return rep
}

