package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/chunkyard/internal/job"
	"github.com/zulandar/chunkyard/internal/layout"
	"github.com/zulandar/chunkyard/internal/storage"
	"go.uber.org/zap"
)

// MaxList caps the number of jobs returned by List.
const MaxList = 50

// View is a job record as reported to clients.
type View struct {
	*job.Job
	Progress string `json:"progress"`
}

func newView(j *job.Job) *View {
	return &View{Job: j, Progress: j.Progress()}
}

// DownloadRef is a single-use, time-limited reference to a final artifact.
type DownloadRef struct {
	Token     string    `json:"-"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Artifact is what a redeemed token resolves to. URL is set when the object
// store can sign direct downloads; otherwise the artifact is streamed by Name.
type Artifact struct {
	JobID string
	Name  string
	URL   string
}

// Status returns the job view. While a job is verifying its processed count
// is reconciled against the object store and never decreases.
func (o *Orchestrator) Status(ctx context.Context, id string) (*View, error) {
	j, ok, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: status %s: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	if j.Status == job.StatusVerifying && j.Total() > 0 {
		n, err := o.countOutputs(ctx, id, j.Total())
		switch {
		case err != nil:
			o.log.Warn("reconcile processed", zap.String("job_id", id), zap.Error(err))
		case n > j.Processed():
			if _, err := o.recordProcessed(ctx, id, n); err != nil {
				o.log.Warn("reconcile processed", zap.String("job_id", id), zap.Error(err))
			}
			j.ProcessedChunks = &n
		}
	}
	if j.Stats == nil && !j.Status.Terminal() {
		stats, err := o.store.Stats(ctx, id)
		if err != nil {
			o.log.Warn("read job stats", zap.String("job_id", id), zap.Error(err))
		}
		j.Stats = stats
	}
	return newView(j), nil
}

// List returns the most recently uploaded jobs, at most MaxList.
func (o *Orchestrator) List(ctx context.Context, limit int) ([]*View, error) {
	if limit <= 0 || limit > MaxList {
		limit = MaxList
	}
	jobs, err := o.store.List(ctx, "", limit)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: list: %w", err)
	}
	views := make([]*View, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, newView(j))
	}
	return views, nil
}

// Download issues a single-use token for a done job's final artifact.
func (o *Orchestrator) Download(ctx context.Context, id string) (*DownloadRef, error) {
	j, ok, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: download %s: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if j.Status != job.StatusDone {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotReady, id, j.Status)
	}

	token := uuid.NewString()
	ttl := o.cfg.Download.TTL
	if err := o.store.PutToken(ctx, token, id, ttl); err != nil {
		return nil, fmt.Errorf("orchestrator: download %s: %w", id, err)
	}
	return &DownloadRef{
		Token:     token,
		URL:       strings.TrimRight(o.cfg.Download.BaseURL, "/") + "/files/" + token,
		ExpiresAt: o.now().Add(ttl),
	}, nil
}

// Redeem consumes a download token. A second redemption fails. A signed URL,
// when the object store supports one, is only valid for the short
// signed_url_ttl window.
func (o *Orchestrator) Redeem(ctx context.Context, token string) (*Artifact, error) {
	id, ok, err := o.store.ConsumeToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: redeem: %w", err)
	}
	if !ok {
		return nil, ErrTokenInvalid
	}

	art := &Artifact{JobID: id, Name: layout.FinalResult(id)}
	if signer, ok := o.objects.(storage.Signer); ok {
		url, err := signer.SignedURL(art.Name, o.cfg.Download.SignedURLTTL)
		if err != nil {
			o.log.Warn("sign download, streaming instead", zap.String("job_id", id), zap.Error(err))
		} else {
			art.URL = url
		}
	}
	return art, nil
}

// OpenArtifact opens a redeemed artifact for streaming.
func (o *Orchestrator) OpenArtifact(ctx context.Context, art *Artifact) (io.ReadCloser, error) {
	rc, err := o.objects.Open(ctx, art.Name)
	if errors.Is(err, storage.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s has no final artifact", ErrJobNotFound, art.JobID)
	}
	return rc, err
}

// RecordStats accumulates worker-published counters on a job.
func (o *Orchestrator) RecordStats(ctx context.Context, id string, counters map[string]int64) error {
	if len(counters) == 0 {
		return fmt.Errorf("%w: no counters", ErrInvalidInput)
	}
	for name := range counters {
		if name == "" || strings.Contains(name, ":") {
			return fmt.Errorf("%w: bad counter name %q", ErrInvalidInput, name)
		}
	}
	if _, ok, err := o.store.Get(ctx, id); err != nil {
		return fmt.Errorf("orchestrator: stats %s: %w", id, err)
	} else if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	for name, delta := range counters {
		if err := o.store.IncrStat(ctx, id, name, delta); err != nil {
			return fmt.Errorf("orchestrator: stats %s: %w", id, err)
		}
	}
	return nil
}

// Ping checks the status store.
func (o *Orchestrator) Ping(ctx context.Context) error {
	return o.store.Ping(ctx)
}
