package queue

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/mattjoyce/jobd/internal/connection"
	"github.com/mattjoyce/jobd/internal/job"
)

func newTestQueue(t *testing.T, batch int) (*Queue, *connection.Manager) {
	t.Helper()
	conns := connection.NewManager(nil)
	conns.Register("db", connection.SQLiteOpener(filepath.Join(t.TempDir(), "jobd.db")))
	t.Cleanup(func() { _ = conns.CloseAll() })
	return New(conns, "db", batch), conns
}

func enqueue(t *testing.T, q *Queue, kind string) string {
	t.Helper()
	id, err := q.Enqueue(context.Background(), kind, json.RawMessage(`{"n":1}`))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return id
}

func TestQueueListPendingClaimsInOrder(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, 0)
	id1 := enqueue(t, q, "echo")
	id2 := enqueue(t, q, "echo")
	id3 := enqueue(t, q, "echo")

	jobs, err := q.ListPending(context.Background())
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(jobs) != 3 || jobs[0].ID != id1 || jobs[1].ID != id2 || jobs[2].ID != id3 {
		t.Fatalf("unexpected batch: %#v", jobs)
	}
	if string(jobs[0].Payload) != `{"n":1}` || jobs[0].Kind != "echo" {
		t.Fatalf("unexpected job: %#v", jobs[0])
	}

	again, err := q.ListPending(context.Background())
	if err != nil {
		t.Fatalf("ListPending 2: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("claimed jobs returned twice: %#v", again)
	}

	rec, err := q.Get(context.Background(), id1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != StatusRunning || rec.ClaimedAt == nil || rec.ClaimedBy == nil {
		t.Fatalf("job not claimed: %#v", rec)
	}
}

func TestQueueListPendingRespectsBatch(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, 2)
	for i := 0; i < 5; i++ {
		enqueue(t, q, "echo")
	}

	for _, want := range []int{2, 2, 1, 0} {
		jobs, err := q.ListPending(context.Background())
		if err != nil {
			t.Fatalf("ListPending: %v", err)
		}
		if len(jobs) != want {
			t.Fatalf("batch size = %d, want %d", len(jobs), want)
		}
	}
}

func TestQueueCompleteWritesLog(t *testing.T) {
	t.Parallel()

	q, conns := newTestQueue(t, 0)
	okID := enqueue(t, q, "echo")
	failID := enqueue(t, q, "echo")
	jobs, err := q.ListPending(context.Background())
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}

	if err := q.Complete(context.Background(), jobs[0], true); err != nil {
		t.Fatalf("Complete ok: %v", err)
	}
	if err := q.Complete(context.Background(), jobs[1], false); err != nil {
		t.Fatalf("Complete fail: %v", err)
	}

	for id, want := range map[string]Status{okID: StatusSucceeded, failID: StatusFailed} {
		rec, err := q.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if rec.Status != want || rec.CompletedAt == nil {
			t.Fatalf("job %s: status=%s completed=%v, want %s", id, rec.Status, rec.CompletedAt, want)
		}
	}

	db, err := conns.Get(context.Background(), "db")
	if err != nil {
		t.Fatalf("Get db: %v", err)
	}
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM job_log;`).Scan(&n); err != nil {
		t.Fatalf("count job_log: %v", err)
	}
	if n != 2 {
		t.Fatalf("job_log rows = %d, want 2", n)
	}
}

func TestQueueCompleteUnknownJob(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, 0)
	err := q.Complete(context.Background(), job.Job{ID: "missing"}, true)
	if !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestQueueReleaseRequeues(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, 0)
	enqueue(t, q, "echo")
	enqueue(t, q, "echo")

	jobs, err := q.ListPending(context.Background())
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if err := q.Release(context.Background(), jobs[1:]); err != nil {
		t.Fatalf("Release: %v", err)
	}

	again, err := q.ListPending(context.Background())
	if err != nil {
		t.Fatalf("ListPending 2: %v", err)
	}
	if len(again) != 1 || again[0].ID != jobs[1].ID {
		t.Fatalf("unexpected released batch: %#v", again)
	}
}

func TestQueueSurvivesConnectionRenew(t *testing.T) {
	t.Parallel()

	q, conns := newTestQueue(t, 0)
	id := enqueue(t, q, "echo")
	if err := conns.Renew(context.Background(), []string{"db"}); err != nil {
		t.Fatalf("Renew: %v", err)
	}
	jobs, err := q.ListPending(context.Background())
	if err != nil {
		t.Fatalf("ListPending after renew: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != id {
		t.Fatalf("unexpected batch: %#v", jobs)
	}
}

func TestQueueEnqueueRequiresKind(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, 0)
	if _, err := q.Enqueue(context.Background(), "", nil); err == nil {
		t.Fatal("expected error for empty kind")
	}
}

func TestQueueEnqueueDuringRenew(t *testing.T) {
	t.Parallel()

	q, conns := newTestQueue(t, 0)
	ctx := context.Background()

	const writers, perWriter = 8, 50
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures int
		firstErr error
	)
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perWriter {
				if _, err := q.Enqueue(ctx, "echo", nil); err != nil {
					mu.Lock()
					if failures == 0 {
						firstErr = err
					}
					failures++
					mu.Unlock()
				}
			}
		}()
	}

	done := make(chan struct{})
	renewed := make(chan int)
	go func() {
		n := 0
		for {
			select {
			case <-done:
				renewed <- n
				return
			default:
			}
			if err := conns.Renew(ctx, nil); err != nil {
				t.Errorf("Renew: %v", err)
			}
			n++
		}
	}()

	wg.Wait()
	close(done)
	if n := <-renewed; n == 0 {
		t.Fatal("connection was never renewed")
	}
	if failures != 0 {
		t.Fatalf("%d of %d enqueues failed, first: %v", failures, writers*perWriter, firstErr)
	}

	db, err := conns.Get(ctx, "db")
	if err != nil {
		t.Fatalf("Get db: %v", err)
	}
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM job_queue;`).Scan(&count); err != nil {
		t.Fatalf("count job_queue: %v", err)
	}
	if count != writers*perWriter {
		t.Fatalf("job_queue rows = %d, want %d", count, writers*perWriter)
	}
}
