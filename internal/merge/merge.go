// Package merge concatenates a job's output chunks into its final artifact.
package merge

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/zulandar/chunkyard/internal/layout"
	"github.com/zulandar/chunkyard/internal/logging"
	"github.com/zulandar/chunkyard/internal/storage"
	"go.uber.org/zap"
)

var (
	// ErrChunkMissing means a chunk stayed unreadable after every retry.
	ErrChunkMissing = errors.New("merge: chunk missing")
	// ErrSchemaMismatch means a chunk's header differs from the first chunk's.
	ErrSchemaMismatch = errors.New("merge: schema mismatch")
)

const (
	defaultRetryDelay  = 2 * time.Second
	defaultMaxAttempts = 5
)

// Opts configures a Merger.
type Opts struct {
	Objects     storage.Store
	RetryDelay  time.Duration
	MaxAttempts int // per chunk
	TempDir     string
	Logger      *zap.Logger
}

// Merger builds final artifacts from output chunks.
type Merger struct {
	objects     storage.Store
	retryDelay  time.Duration
	maxAttempts int
	tempDir     string
	log         *zap.Logger
}

// New returns a Merger.
func New(opts Opts) *Merger {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	return &Merger{
		objects:     opts.Objects,
		retryDelay:  opts.RetryDelay,
		maxAttempts: opts.MaxAttempts,
		tempDir:     opts.TempDir,
		log:         logging.OrNop(opts.Logger),
	}
}

// Merge reads output chunks 0..total-1 in order and uploads their
// concatenation as the job's final artifact, returning its URI. The header
// is written once; rows keep chunk-then-row order. Given the same chunks the
// output is byte-identical.
func (m *Merger) Merge(ctx context.Context, jobID string, total int) (string, error) {
	if total <= 0 {
		return "", fmt.Errorf("merge: %s: total chunks must be positive, got %d", jobID, total)
	}

	spool, err := os.CreateTemp(m.tempDir, "merged_"+jobID+"_*.csv")
	if err != nil {
		return "", fmt.Errorf("merge: %s: spool: %w", jobID, err)
	}
	defer os.Remove(spool.Name())
	defer spool.Close()

	w := csv.NewWriter(spool)
	var header []string
	rows := 0
	for i := 0; i < total; i++ {
		n, err := m.appendChunkWithRetry(ctx, w, jobID, i, &header)
		if err != nil {
			return "", err
		}
		rows += n
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("merge: %s: write: %w", jobID, err)
	}

	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("merge: %s: rewind: %w", jobID, err)
	}
	name := layout.FinalResult(jobID)
	if err := m.objects.Put(ctx, name, spool, "text/csv"); err != nil {
		return "", fmt.Errorf("merge: %s: upload: %w", jobID, err)
	}
	m.log.Info("merged chunks",
		zap.String("job_id", jobID), zap.Int("chunks", total), zap.Int("rows", rows))
	return m.objects.URI(name), nil
}

// appendChunkWithRetry retries a chunk that is not yet readable, up to the
// attempt budget. Schema errors are not retried.
func (m *Merger) appendChunkWithRetry(ctx context.Context, w *csv.Writer, jobID string, i int, header *[]string) (int, error) {
	name := layout.OutputChunk(jobID, i)
	var lastErr error
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		records, err := m.readChunk(ctx, name)
		if err == nil {
			return writeChunk(w, name, records, header)
		}
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			return 0, fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
		}
		lastErr = err
		m.log.Warn("chunk not readable, retrying",
			zap.String("job_id", jobID), zap.Int("chunk", i), zap.Int("attempt", attempt), zap.Error(err))
		if attempt == m.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("merge: %s: chunk %d: %w", jobID, i, ctx.Err())
		case <-time.After(m.retryDelay):
		}
	}
	return 0, fmt.Errorf("%w: %s after %d attempts: %v", ErrChunkMissing, name, m.maxAttempts, lastErr)
}

// readChunk loads a whole chunk so a partially readable object never leaves
// half its rows in the output.
func (m *Merger) readChunk(ctx context.Context, name string) ([][]string, error) {
	rc, err := m.objects.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	r := csv.NewReader(rc)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	return records, nil
}

// writeChunk appends records (header first) to w, capturing the header from
// the first non-empty chunk and validating later ones against it.
func writeChunk(w *csv.Writer, name string, records [][]string, header *[]string) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	if *header == nil {
		*header = records[0]
		if err := w.Write(records[0]); err != nil {
			return 0, err
		}
	} else if !slices.Equal(*header, records[0]) {
		return 0, fmt.Errorf("%w: %s has header %v, want %v", ErrSchemaMismatch, name, records[0], *header)
	}
	for _, rec := range records[1:] {
		if len(rec) != len(*header) {
			return 0, fmt.Errorf("%w: %s row has %d fields, want %d", ErrSchemaMismatch, name, len(rec), len(*header))
		}
		if err := w.Write(rec); err != nil {
			return 0, err
		}
	}
	return len(records) - 1, nil
}
