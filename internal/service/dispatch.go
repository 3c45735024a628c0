package service

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// TaskTypeTranscribe is the asynq task type for one transcription chain.
const TaskTypeTranscribe = "transcript:process"

// QueueTranscription is the dedicated queue the worker pool consumes.
const QueueTranscription = "transcription"

// RetryPolicy is the attempt budget for one scheduling event. A chain runs
// at most MaxAttempts executions; exhaustion makes the record terminally
// failed until a human retries.
type RetryPolicy struct {
	// MaxAttempts counts the first execution plus retries.
	MaxAttempts int
	// Backoff holds the delay before each retry, indexed by retry number.
	Backoff []time.Duration
	// AttemptTimeout bounds one whole execution, external call included.
	AttemptTimeout time.Duration
}

// DefaultRetryPolicy matches the documented pipeline contract: three total
// attempts, increasing delay, five-minute attempt bound.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:    3,
	Backoff:        []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second},
	AttemptTimeout: 5 * time.Minute,
}

// MaxRetry converts the attempt budget to asynq's retry count.
func (p RetryPolicy) MaxRetry() int {
	if p.MaxAttempts < 1 {
		return 0
	}
	return p.MaxAttempts - 1
}

// Delay returns the backoff before the n-th retry (1-based).
func (p RetryPolicy) Delay(n int) time.Duration {
	if len(p.Backoff) == 0 {
		return 30 * time.Second
	}
	if n < 1 {
		n = 1
	}
	if n > len(p.Backoff) {
		n = len(p.Backoff)
	}
	return p.Backoff[n-1]
}

// RetryDelayFunc adapts the policy for asynq's server config. asynq passes
// the number of retries already consumed (0 before the first retry), so it
// is shifted to the 1-based retry number Delay expects.
func (p RetryPolicy) RetryDelayFunc(n int, _ error, _ *asynq.Task) time.Duration {
	return p.Delay(n + 1)
}

type transcribeTaskPayload struct {
	TranscriptID string `json:"transcriptId"`
}

// NewTranscribeTask builds the task carrying only the record id; the job
// re-fetches current state when it runs.
func NewTranscribeTask(id uuid.UUID) (*asynq.Task, error) {
	data, err := json.Marshal(transcribeTaskPayload{TranscriptID: id.String()})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeTranscribe, data), nil
}

// TranscriptIDFromTask extracts the record id from a task payload.
func TranscriptIDFromTask(t *asynq.Task) (uuid.UUID, error) {
	var payload transcribeTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return uuid.Nil, fmt.Errorf("failed to unmarshal task payload: %w", err)
	}
	id, err := uuid.Parse(payload.TranscriptID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid transcript id in task payload: %w", err)
	}
	return id, nil
}
