package lifetime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedSampler(v uint64) MemorySampler {
	return func() uint64 { return v }
}

func TestWatchdogUnderLimit(t *testing.T) {
	t.Parallel()

	w := NewWatchdog(1000, fixedSampler(999))
	used, err := w.Check()
	require.NoError(t, err)
	assert.Equal(t, uint64(999), used)
}

func TestWatchdogOverLimit(t *testing.T) {
	t.Parallel()

	w := NewWatchdog(1000, fixedSampler(1001))
	used, err := w.Check()
	require.ErrorIs(t, err, ErrMemoryLimit)
	assert.Equal(t, uint64(1001), used)
}

func TestWatchdogZeroLimitDisables(t *testing.T) {
	t.Parallel()

	w := NewWatchdog(0, fixedSampler(1<<40))
	_, err := w.Check()
	assert.NoError(t, err)
}

func TestWatchdogSetLimit(t *testing.T) {
	t.Parallel()

	w := NewWatchdog(10, fixedSampler(50))
	_, err := w.Check()
	require.Error(t, err)

	w.SetLimit(100)
	assert.Equal(t, uint64(100), w.Limit())
	_, err = w.Check()
	assert.NoError(t, err)
}

func TestRuntimeMemoryNonZero(t *testing.T) {
	t.Parallel()

	assert.Greater(t, RuntimeMemory(), uint64(0))
}
