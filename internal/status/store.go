// Package status implements the TTL-bounded job status store.
//
// A job record is stored under "job:<id>". Atomic counters live beside it
// under "job:<id>:<field>" and worker-published aggregates under
// "job:<id>:stats". Absence of a record is reported as (nil, false, nil);
// only backend failures produce errors.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/zulandar/chunkyard/internal/job"
)

// FieldProcessed is the counter overlaid onto Job.ProcessedChunks.
const FieldProcessed = "processed"

const (
	recordPrefix = "job:"
	tokenPrefix  = "download:"
)

// Store persists job records, counters and download tokens.
type Store interface {
	// Put replaces the record for j.ID and resets the TTL of the record and
	// its counters.
	Put(ctx context.Context, j *job.Job, ttl time.Duration) error
	// Get returns the record with its processed counter overlaid. ok is
	// false when the record does not exist or has expired.
	Get(ctx context.Context, id string) (j *job.Job, ok bool, err error)
	// Bump atomically adds delta to a per-job counter and returns the new value.
	Bump(ctx context.Context, id, field string, delta int64) (int64, error)
	// RaiseTo atomically sets a per-job counter to max(current, n) and
	// returns the resulting value. Concurrent callers observing the same n
	// leave the counter at n.
	RaiseTo(ctx context.Context, id, field string, n int64) (int64, error)
	// Counter returns the current counter value, 0 when unset.
	Counter(ctx context.Context, id, field string) (int64, error)
	// IncrStat atomically adds delta to a named aggregate.
	IncrStat(ctx context.Context, id, name string, delta int64) error
	// Stats returns all aggregates for a job, nil when none were recorded.
	Stats(ctx context.Context, id string) (map[string]int64, error)
	// List returns records whose id starts with prefix, most recently
	// uploaded first, at most limit (all when limit <= 0). The processed
	// counter is overlaid as in Get.
	List(ctx context.Context, prefix string, limit int) ([]*job.Job, error)
	// PutToken stores a single-use download token for jobID.
	PutToken(ctx context.Context, token, jobID string, ttl time.Duration) error
	// ConsumeToken atomically reads and deletes a token.
	ConsumeToken(ctx context.Context, token string) (jobID string, ok bool, err error)
	// Purge removes expired entries and returns how many were dropped.
	Purge(ctx context.Context) (int64, error)
	// Ping checks backend connectivity.
	Ping(ctx context.Context) error
}

func recordKey(id string) string { return recordPrefix + id }

func counterKey(id, field string) string { return recordPrefix + id + ":" + field }

func statsKey(id string) string { return recordPrefix + id + ":stats" }

func tokenKey(token string) string { return tokenPrefix + token }

// isRecordKey reports whether key names a job record rather than one of its
// counters.
func isRecordKey(key string) bool {
	return strings.HasPrefix(key, recordPrefix) && !strings.Contains(key[len(recordPrefix):], ":")
}

func encode(j *job.Job) (string, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return "", fmt.Errorf("status: encode %s: %w", j.ID, err)
	}
	return string(data), nil
}

func decode(raw string) (*job.Job, error) {
	var j job.Job
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		return nil, fmt.Errorf("status: decode: %w", err)
	}
	return &j, nil
}

// overlayProcessed sets j.ProcessedChunks from the counter value.
func overlayProcessed(j *job.Job, n int64) {
	v := int(n)
	j.ProcessedChunks = &v
}

// sortRecent orders jobs by upload time descending, then id, and truncates
// to limit.
func sortRecent(jobs []*job.Job, limit int) []*job.Job {
	sort.SliceStable(jobs, func(a, b int) bool {
		if !jobs[a].UploadedAt.Equal(jobs[b].UploadedAt) {
			return jobs[a].UploadedAt.After(jobs[b].UploadedAt)
		}
		return jobs[a].ID < jobs[b].ID
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs
}
