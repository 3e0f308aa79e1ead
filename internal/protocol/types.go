// Package protocol is the parent-to-worker handoff: one JSON envelope on
// the worker's stdin. Workers answer only with their exit status.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/mattjoyce/jobd/internal/job"
)

// Version is the envelope format understood by this build.
const Version = 1

// Envelope is the private snapshot a worker starts from.
type Envelope struct {
	Protocol    int       `json:"protocol"`
	Job         job.Job   `json:"job"`
	ProcessName string    `json:"process_name"`
	ParentPID   int       `json:"parent_pid"`
	StartedAt   time.Time `json:"started_at"`
	Iteration   int64     `json:"iteration"`

	// Connections lists the connection names the worker renews before
	// running the job.
	Connections []string `json:"connections,omitempty"`

	// Config is the effective daemon configuration at spawn time.
	Config json.RawMessage `json:"config,omitempty"`
}

// Worker exit statuses.
const (
	ExitOK     = 0
	ExitFailed = 1
)
