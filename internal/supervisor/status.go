package supervisor

import "time"

// Status is a point-in-time view of the daemon. Safe to build from any
// goroutine.
type Status struct {
	ProcessName   string    `json:"process_name"`
	PID           int       `json:"pid"`
	StartedAt     time.Time `json:"started_at"`
	Uptime        string    `json:"uptime"`
	UptimeSeconds int64     `json:"uptime_seconds"`
	Mode          Mode      `json:"mode"`
	Pooled        bool      `json:"pooled"`
	Active        int       `json:"active_children"`
	Capacity      int       `json:"max_child_processes"`
	Stopping      bool      `json:"stopping"`
	Iterations    int64     `json:"iterations"`
}

func (s *Supervisor) Status() Status {
	return Status{
		ProcessName:   s.state.ProcessName(),
		PID:           s.state.OwnPID(),
		StartedAt:     s.registry.StartedAt(),
		Uptime:        s.registry.UptimeString(),
		UptimeSeconds: int64(s.registry.Uptime() / time.Second),
		Mode:          s.mode,
		Pooled:        s.dispatch.Pooled(),
		Active:        s.state.Active(),
		Capacity:      s.state.Capacity(),
		Stopping:      s.state.Stopping(),
		Iterations:    s.state.Iterations(),
	}
}
