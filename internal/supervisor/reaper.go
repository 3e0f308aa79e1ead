package supervisor

// ExitStatus describes how a reaped worker ended.
type ExitStatus struct {
	Code   int
	Signal string
}

func (e ExitStatus) OK() bool { return e.Code == 0 && e.Signal == "" }

// Reaper collects exited workers without blocking.
type Reaper interface {
	// Reap returns one exited child. ok is false once none is left.
	Reap() (pid int, status ExitStatus, ok bool, err error)
}
