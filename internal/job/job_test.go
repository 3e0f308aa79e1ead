package job

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShiftFrontTakesJobsInOrder(t *testing.T) {
	jobs := []Job{{ID: "a"}, {ID: "b"}, {ID: "c"}}

	var got []string
	for {
		j, ok := ShiftFront(&jobs)
		if !ok {
			break
		}
		got = append(got, j.ID)
	}

	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Empty(t, jobs)
}

func TestShiftFrontSeesExternalMutation(t *testing.T) {
	jobs := []Job{{ID: "a"}}

	j, ok := ShiftFront(&jobs)
	assert.True(t, ok)
	assert.Equal(t, "a", j.ID)

	jobs = append(jobs, Job{ID: "late"})
	j, ok = ShiftFront(&jobs)
	assert.True(t, ok)
	assert.Equal(t, "late", j.ID)
}

func TestShiftFrontEmptyAndNil(t *testing.T) {
	_, ok := ShiftFront(nil)
	assert.False(t, ok)

	var jobs []Job
	_, ok = ShiftFront(&jobs)
	assert.False(t, ok)
}

func TestFuncAdapters(t *testing.T) {
	src := SourceFunc(func(context.Context) ([]Job, error) {
		return []Job{{ID: "x"}}, nil
	})
	jobs, err := src.ListPending(context.Background())
	assert.NoError(t, err)
	assert.Len(t, jobs, 1)

	exec := ExecutorFunc(func(_ context.Context, j Job) bool { return j.ID == "x" })
	assert.True(t, exec.Run(context.Background(), Job{ID: "x"}))
	assert.False(t, exec.Run(context.Background(), Job{ID: "y"}))
}
