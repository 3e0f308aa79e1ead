// Package dispatch admits one job at a time into execution.
//
// With pooling off, the job runs in the calling process and its result is
// returned directly. With pooling on, the dispatcher re-executes the daemon
// binary as a worker, hands it a private snapshot over stdin and returns as
// soon as the worker has started:
//
//   - Buffered log records are flushed before every spawn
//   - The worker's pid is registered with the caller's child registry
//   - The parent never waits on the worker; reaping happens elsewhere
//   - A worker reports back only through its exit status (0 ok, 1 failed)
//   - Spawn failure is reported as a failed dispatch, never as a fatal error
//
// RunWorker is the worker side: it renews connections, fires the job hooks,
// runs the job and returns the exit status.
package dispatch
