// Package splitter fires the asynchronous request that asks the external
// splitting service to partition an upload into chunks.
package splitter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Outcome classifies a trigger attempt.
type Outcome string

const (
	// OutcomeSent means the service acknowledged the request with a 2xx.
	OutcomeSent Outcome = "sent"
	// OutcomeFailed means the request was never delivered or was rejected.
	OutcomeFailed Outcome = "failed"
	// OutcomeUnknown means the request may have been delivered but no
	// response arrived (timeout or cancellation).
	OutcomeUnknown Outcome = "unknown"
)

// Request is the payload sent to the splitter.
type Request struct {
	JobID       string `json:"job_id"`
	InputObject string `json:"input_object"`
	NumChunks   int    `json:"num_chunks"`
	BucketName  string `json:"bucket_name"`
}

// Result records what happened to a trigger attempt.
type Result struct {
	Outcome    Outcome
	StatusCode int
	Err        error
	At         time.Time
}

// Triggerer sends split requests.
type Triggerer interface {
	Trigger(ctx context.Context, req Request) Result
}

// Client posts split requests over HTTP.
type Client struct {
	URL  string
	HTTP *http.Client
}

// NewClient returns a client for url with the given request timeout.
func NewClient(url string, timeout time.Duration) *Client {
	return &Client{URL: url, HTTP: &http.Client{Timeout: timeout}}
}

// Trigger posts req and classifies the result. It never returns an error;
// failures are reported through Result.
func (c *Client) Trigger(ctx context.Context, req Request) Result {
	now := time.Now()
	if c.URL == "" {
		return Result{Outcome: OutcomeFailed, Err: errors.New("splitter: url not configured"), At: now}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Result{Outcome: OutcomeFailed, Err: fmt.Errorf("splitter: encode: %w", err), At: now}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return Result{Outcome: OutcomeFailed, Err: fmt.Errorf("splitter: build request: %w", err), At: now}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			return Result{Outcome: OutcomeUnknown, Err: fmt.Errorf("splitter: %w", err), At: now}
		}
		return Result{Outcome: OutcomeFailed, Err: fmt.Errorf("splitter: %w", err), At: now}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{
			Outcome:    OutcomeFailed,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("splitter: unexpected status %d", resp.StatusCode),
			At:         now,
		}
	}
	return Result{Outcome: OutcomeSent, StatusCode: resp.StatusCode, At: now}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
