package events

import "encoding/json"

// Lifecycle event kinds published by the supervisor and worker dispatcher.
const (
	IterationBefore = "iteration.before"
	IterationAfter  = "iteration.after"
	JobBefore       = "job.before"
	JobAfter        = "job.after"

	WorkerSpawned = "worker.spawned"
	WorkerReaped  = "worker.reaped"

	DaemonStarted  = "daemon.started"
	DaemonStopping = "daemon.stopping"
	DaemonReloaded = "daemon.reloaded"
	DaemonUptime   = "daemon.uptime"
)

// Iteration is the payload of iteration.before and iteration.after.
type Iteration struct {
	Seq  int64  `json:"seq"`
	Mode string `json:"mode"`
	Jobs int    `json:"jobs,omitempty"`
}

// JobRun is the payload of job.before and job.after. OK is only set on
// job.after; in pooled mode it reports that the worker was started.
type JobRun struct {
	Iteration int64  `json:"iteration"`
	JobID     string `json:"job_id"`
	Kind      string `json:"kind,omitempty"`
	Pooled    bool   `json:"pooled"`
	OK        *bool  `json:"ok,omitempty"`
	WorkerPID int    `json:"worker_pid,omitempty"`
}

// Worker is the payload of worker.spawned and worker.reaped.
type Worker struct {
	PID      int    `json:"pid"`
	JobID    string `json:"job_id,omitempty"`
	ExitCode int    `json:"exit_code"`
	Signal   string `json:"signal,omitempty"`
	Active   int    `json:"active"`
}

// Daemon is the payload of the daemon.* kinds.
type Daemon struct {
	ProcessName string `json:"process_name"`
	PID         int    `json:"pid"`
	Uptime      string `json:"uptime,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}
