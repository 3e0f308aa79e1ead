package queue

import (
	"encoding/json"
	"errors"
	"time"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Record is a row of job_queue.
type Record struct {
	ID          string
	Kind        string
	Payload     json.RawMessage
	Status      Status
	CreatedAt   time.Time
	ClaimedAt   *time.Time
	ClaimedBy   *int
	CompletedAt *time.Time
}

var ErrJobNotFound = errors.New("job not found")
