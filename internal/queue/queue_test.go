package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/repository/memory"
)

func newTestQueue(opts Options) (*Queue, *memory.Repository) {
	repo := memory.New()
	if opts.PollInterval == 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	return New(repo, logger, opts), repo
}

func TestConcurrentPushesToOneApplicationSerialize(t *testing.T) {
	q, repo := newTestQueue(Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const pushes = 12
	var enqueued sync.WaitGroup
	for i := 0; i < pushes; i++ {
		enqueued.Add(1)
		go func(i int) {
			defer enqueued.Done()
			payload := domain.JobPayload{Repository: "blog", CommitRef: fmt.Sprintf("c%d", i)}
			if _, err := q.Enqueue(ctx, "blog", payload, 0); err != nil {
				t.Errorf("Enqueue error: %v", err)
			}
		}(i)
	}
	enqueued.Wait()

	var active, maxActive, done int32
	var workers sync.WaitGroup
	for w := 0; w < 4; w++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for atomic.LoadInt32(&done) < pushes {
				workerCtx, stop := context.WithTimeout(ctx, 100*time.Millisecond)
				job, err := q.Dequeue(workerCtx)
				stop()
				if err != nil {
					continue
				}
				now := atomic.AddInt32(&active, 1)
				for {
					prev := atomic.LoadInt32(&maxActive)
					if now <= prev || atomic.CompareAndSwapInt32(&maxActive, prev, now) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				if err := q.Complete(ctx, job); err != nil {
					t.Errorf("Complete error: %v", err)
				}
				atomic.AddInt32(&done, 1)
			}
		}()
	}
	workers.Wait()

	if maxActive != 1 {
		t.Fatalf("expected at most one active job, saw %d", maxActive)
	}
	jobs, _ := repo.ListJobs(ctx, "blog")
	if len(jobs) != pushes {
		t.Fatalf("expected %d jobs, got %d", pushes, len(jobs))
	}
	for _, job := range jobs {
		if job.Status != domain.JobCompleted {
			t.Fatalf("job %s left in %s", job.ID, job.Status)
		}
	}
}

func TestDequeueWakesOnEnqueue(t *testing.T) {
	q, _ := newTestQueue(Options{PollInterval: time.Hour})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got := make(chan *domain.Job, 1)
	go func() {
		job, err := q.Dequeue(ctx)
		if err != nil {
			t.Errorf("Dequeue error: %v", err)
			return
		}
		got <- job
	}()
	time.Sleep(20 * time.Millisecond)
	if _, err := q.Enqueue(ctx, "api", domain.JobPayload{Repository: "api"}, 0); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	select {
	case job := <-got:
		if job.Application != "api" {
			t.Fatalf("unexpected job %+v", job)
		}
	case <-ctx.Done():
		t.Fatalf("dequeue not woken by enqueue")
	}
}

func TestDequeueHonoursContext(t *testing.T) {
	q, _ := newTestQueue(Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := q.Dequeue(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestFailRetriesUntilMaxAttempts(t *testing.T) {
	q, repo := newTestQueue(Options{MaxAttempts: 2, RetryBase: time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := q.Enqueue(ctx, "api", domain.JobPayload{}, 0); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	job, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue error: %v", err)
	}
	retried, err := q.Fail(ctx, job, errors.New("docker unavailable"))
	if err != nil || !retried {
		t.Fatalf("expected retry, got %v (%v)", retried, err)
	}

	job, err = q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue retry error: %v", err)
	}
	if job.Attempts != 2 {
		t.Fatalf("expected attempt 2, got %d", job.Attempts)
	}
	retried, err = q.Fail(ctx, job, errors.New("docker unavailable"))
	if err != nil || retried {
		t.Fatalf("expected permanent failure, got %v (%v)", retried, err)
	}
	jobs, _ := repo.ListJobs(ctx, "api")
	if jobs[0].Status != domain.JobFailed {
		t.Fatalf("expected failed job, got %s", jobs[0].Status)
	}
}

func TestFailPermanentSkipsRetry(t *testing.T) {
	q, _ := newTestQueue(Options{MaxAttempts: 5})
	ctx := context.Background()
	if _, err := q.Enqueue(ctx, "api", domain.JobPayload{}, 0); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	job, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue error: %v", err)
	}
	retried, err := q.Fail(ctx, job, backoff.Permanent(errors.New("install failed")))
	if err != nil || retried {
		t.Fatalf("expected permanent failure, got %v (%v)", retried, err)
	}
}

func TestRetryDelayGrows(t *testing.T) {
	q, _ := newTestQueue(Options{RetryBase: time.Second})
	first := q.retryDelay(1)
	second := q.retryDelay(2)
	if first != time.Second {
		t.Fatalf("expected 1s first delay, got %v", first)
	}
	if second <= first {
		t.Fatalf("expected growing delay, got %v then %v", first, second)
	}
	if q.retryDelay(50) > maxRetryDelay {
		t.Fatalf("delay exceeded cap")
	}
}

func TestRetriedJobKeepsItsPlaceInApplicationOrder(t *testing.T) {
	q, _ := newTestQueue(Options{MaxAttempts: 3, RetryBase: 50 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := q.Enqueue(ctx, "blog", domain.JobPayload{Repository: "blog", CommitRef: "old"}, 0); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	job, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue error: %v", err)
	}
	if retried, err := q.Fail(ctx, job, errors.New("checkout failed")); err != nil || !retried {
		t.Fatalf("expected retry, got %v (%v)", retried, err)
	}
	if _, err := q.Enqueue(ctx, "blog", domain.JobPayload{Repository: "blog", CommitRef: "new"}, 0); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	if _, err := q.Enqueue(ctx, "docs", domain.JobPayload{Repository: "docs", CommitRef: "d1"}, 0); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}

	var order []string
	for i := 0; i < 3; i++ {
		job, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue %d error: %v", i, err)
		}
		order = append(order, job.Payload.CommitRef)
		if err := q.Complete(ctx, job); err != nil {
			t.Fatalf("Complete error: %v", err)
		}
	}
	want := []string{"d1", "old", "new"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected claim order %v, got %v", want, order)
		}
	}
}
