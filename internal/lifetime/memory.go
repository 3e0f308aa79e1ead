package lifetime

import (
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
)

// ErrMemoryLimit is returned by Watchdog.Check once usage exceeds the limit.
var ErrMemoryLimit = errors.New("memory limit exceeded")

// MemorySampler reports the memory currently held by the process, in bytes.
type MemorySampler func() uint64

// RuntimeMemory samples memory obtained from the OS and not yet returned.
func RuntimeMemory() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.Sys - ms.HeapReleased
}

// Watchdog compares sampled memory against a ceiling.
type Watchdog struct {
	limit  atomic.Uint64
	sample MemorySampler
}

// NewWatchdog returns a watchdog with the given ceiling. A zero limit
// disables the check. A nil sampler uses RuntimeMemory.
func NewWatchdog(limit uint64, sample MemorySampler) *Watchdog {
	if sample == nil {
		sample = RuntimeMemory
	}
	w := &Watchdog{sample: sample}
	w.limit.Store(limit)
	return w
}

func (w *Watchdog) Limit() uint64 { return w.limit.Load() }

func (w *Watchdog) SetLimit(limit uint64) { w.limit.Store(limit) }

// Check samples memory once and returns the used amount with ErrMemoryLimit
// when it is above the ceiling.
func (w *Watchdog) Check() (uint64, error) {
	used := w.sample()
	limit := w.limit.Load()
	if limit > 0 && used > limit {
		return used, fmt.Errorf("%w: used %d bytes on %d bytes allowed", ErrMemoryLimit, used, limit)
	}
	return used, nil
}
