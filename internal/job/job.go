// Package job defines the batch job record and its lifecycle state machine.
package job

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle stage of a job.
type Status string

const (
	StatusSplitting Status = "splitting"
	StatusVerifying Status = "verifying"
	StatusMerging   Status = "merging"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// Active reports whether the job is still waiting on external work, i.e.
// processed chunk counts may still change.
func (s Status) Active() bool {
	return s == StatusSplitting || s == StatusVerifying
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusSplitting, StatusVerifying, StatusMerging, StatusDone, StatusFailed:
		return true
	}
	return false
}

// next maps each non-terminal status to the only forward step allowed from it.
var next = map[Status]Status{
	StatusSplitting: StatusVerifying,
	StatusVerifying: StatusMerging,
	StatusMerging:   StatusDone,
}

// CanTransition reports whether a job may move from one status to another.
// Failed is reachable from every non-terminal status; otherwise only the
// single forward step is allowed.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	return next[from] == to
}

// Job is the persisted record for one batch job. Optional fields are nil or
// empty until the transition that sets them occurs.
type Job struct {
	ID              string           `json:"job_id"`
	Status          Status           `json:"status"`
	InputFile       string           `json:"input_file"`
	RequestedChunks int              `json:"requested_chunks"`
	UploadedAt      time.Time        `json:"uploaded_at"`
	StartedAt       *time.Time       `json:"started_at,omitempty"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
	TotalChunks     *int             `json:"total_chunks,omitempty"`
	ProcessedChunks *int             `json:"processed_chunks,omitempty"`
	Stats           map[string]int64 `json:"stats,omitempty"`
	FinalFile       string           `json:"final_file,omitempty"`
	Deadline        time.Time        `json:"deadline"`
	Error           string           `json:"error,omitempty"`
	SplitTrigger    *TriggerResult   `json:"split_trigger,omitempty"`
}

// TriggerResult records the outcome of the fire-and-forget splitter request.
type TriggerResult struct {
	Outcome    string    `json:"outcome"`
	StatusCode int       `json:"status_code,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// New returns a job in the initial splitting state.
func New(id, inputFile string, requestedChunks int, now time.Time, deadline time.Duration) *Job {
	return &Job{
		ID:              id,
		Status:          StatusSplitting,
		InputFile:       inputFile,
		RequestedChunks: requestedChunks,
		UploadedAt:      now,
		Deadline:        now.Add(deadline),
	}
}

// NewID returns a short random job identifier.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Transition moves the job to status to, stamping the lifecycle timestamps.
func (j *Job) Transition(to Status, now time.Time) error {
	if !CanTransition(j.Status, to) {
		return fmt.Errorf("job: %s: invalid transition %s -> %s", j.ID, j.Status, to)
	}
	switch to {
	case StatusVerifying:
		if j.StartedAt == nil {
			t := now
			j.StartedAt = &t
		}
	case StatusDone:
		if j.CompletedAt == nil {
			t := now
			j.CompletedAt = &t
		}
	}
	j.Status = to
	return nil
}

// Fail moves a non-terminal job to failed with reason. It reports whether the
// job changed.
func (j *Job) Fail(reason string) bool {
	if j.Status.Terminal() {
		return false
	}
	j.Status = StatusFailed
	j.Error = reason
	return true
}

// SetTotal records the chunk count. It is set once; later calls are ignored.
func (j *Job) SetTotal(n int) {
	if j.TotalChunks != nil {
		return
	}
	j.TotalChunks = &n
}

// Total returns the chunk count, or 0 if not yet known.
func (j *Job) Total() int {
	if j.TotalChunks == nil {
		return 0
	}
	return *j.TotalChunks
}

// Processed returns the processed chunk count, or 0 if not yet known.
func (j *Job) Processed() int {
	if j.ProcessedChunks == nil {
		return 0
	}
	return *j.ProcessedChunks
}

// Progress renders processed/total, "0/0" until the total is known.
func (j *Job) Progress() string {
	if j.Total() == 0 {
		return "0/0"
	}
	return fmt.Sprintf("%d/%d", j.Processed(), j.Total())
}

// Expired reports whether the job's deadline has passed at now.
func (j *Job) Expired(now time.Time) bool {
	return !j.Deadline.IsZero() && now.After(j.Deadline)
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.TotalChunks != nil {
		n := *j.TotalChunks
		c.TotalChunks = &n
	}
	if j.ProcessedChunks != nil {
		n := *j.ProcessedChunks
		c.ProcessedChunks = &n
	}
	if j.Stats != nil {
		c.Stats = make(map[string]int64, len(j.Stats))
		for k, v := range j.Stats {
			c.Stats[k] = v
		}
	}
	if j.SplitTrigger != nil {
		tr := *j.SplitTrigger
		c.SplitTrigger = &tr
	}
	return &c
}
