package queue

import (
	"encoding/json"
	"time"
)

// JobState tracks where a job sits in its lifecycle.
type JobState string

const (
	JobStateWaiting   JobState = "waiting"
	JobStateDelayed   JobState = "delayed"
	JobStateActive    JobState = "active"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
)

// Terminal reports whether the state is final.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// Job is one unit of background work tracked by the manager's ledger.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	Delay       time.Duration   `json:"delay"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"maxAttempts"`
	State       JobState        `json:"state"`
	LastError   string          `json:"lastError,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// envelope is the wire form a transport carries between producer and worker.
type envelope struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"maxAttempts"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`
}

// Option customises a job at enqueue time.
type Option func(*Job)

// WithPriority raises or lowers scheduling priority. Values are clamped to
// [0, MaxPriority]; higher runs first.
func WithPriority(priority int) Option {
	return func(job *Job) {
		if priority < 0 {
			priority = 0
		}
		if priority > MaxPriority {
			priority = MaxPriority
		}
		job.Priority = priority
	}
}

// WithDelay holds the job back for the given duration before it becomes
// runnable.
func WithDelay(delay time.Duration) Option {
	return func(job *Job) {
		if delay > 0 {
			job.Delay = delay
		}
	}
}

// WithMaxAttempts overrides how many times the job may run before it is
// marked failed.
func WithMaxAttempts(attempts int) Option {
	return func(job *Job) {
		if attempts > 0 {
			job.MaxAttempts = attempts
		}
	}
}
