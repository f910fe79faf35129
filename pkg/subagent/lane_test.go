package subagent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLaneQueue_SerializesUnderConcurrencyCap(t *testing.T) {
	q := NewLaneQueue()
	q.SetConcurrency("main", 1)

	var running int32
	var maxSeen int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Enqueue(context.Background(), "main", EnqueueOptions{}, func(ctx context.Context) (any, error) {
				n := atomic.AddInt32(&running, 1)
				for {
					old := atomic.LoadInt32(&maxSeen)
					if n <= old || atomic.CompareAndSwapInt32(&maxSeen, old, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&running, -1)
				return nil, nil
			})
		}()
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Fatalf("expected max concurrency 1, saw %d", maxSeen)
	}
}

func TestLaneQueue_Clear_RejectsQueuedWithTypedError(t *testing.T) {
	q := NewLaneQueue()
	q.SetConcurrency("main", 1)

	block := make(chan struct{})
	go q.Enqueue(context.Background(), "main", EnqueueOptions{}, func(ctx context.Context) (any, error) {
		<-block
		return nil, nil
	})
	time.Sleep(20 * time.Millisecond) // let the first task start and occupy the slot

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Enqueue(context.Background(), "main", EnqueueOptions{}, func(ctx context.Context) (any, error) {
			return nil, nil
		})
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond) // ensure it's queued, not started

	removed := q.Clear("main")
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}

	err := <-errCh
	var lce *LaneClearedError
	if !errors.As(err, &lce) {
		t.Fatalf("expected LaneClearedError, got %v", err)
	}
	if lce.Lane != "main" {
		t.Fatalf("expected lane name in error, got %q", lce.Lane)
	}
	close(block)
}

func TestLaneQueue_ResetAll_StaleCompletionsDoNotDecrementOrDrain(t *testing.T) {
	q := NewLaneQueue()
	q.SetConcurrency("main", 1)

	started := make(chan struct{})
	release := make(chan struct{})
	go q.Enqueue(context.Background(), "main", EnqueueOptions{}, func(ctx context.Context) (any, error) {
		close(started)
		<-release
		return nil, nil
	})
	<-started

	// A second task queues behind the first, at the cap (maxConc=1).
	secondStarted := make(chan struct{})
	secondRelease := make(chan struct{})
	go func() {
		q.Enqueue(context.Background(), "main", EnqueueOptions{}, func(ctx context.Context) (any, error) {
			close(secondStarted)
			<-secondRelease
			return nil, nil
		})
	}()
	time.Sleep(20 * time.Millisecond)
	if q.GetQueueSize("main") != 1 {
		t.Fatalf("expected second task queued, queue size=%d", q.GetQueueSize("main"))
	}

	q.ResetAll()

	// The reset must clear the stale active-task set so the queued task can
	// start immediately, even though the first (stale-generation) task is
	// still technically running and has not released.
	select {
	case <-secondStarted:
	case <-time.After(time.Second):
		t.Fatal("resetAll did not drain the queued task promptly (stale active entry blocked it)")
	}

	// The stale first task's eventual completion must not disturb state:
	// it is a no-op under the new generation.
	close(release)
	time.Sleep(20 * time.Millisecond)
	if q.GetActiveTaskCount() != 1 {
		t.Fatalf("stale completion must not decrement the post-reset active count, got %d", q.GetActiveTaskCount())
	}

	close(secondRelease)
}

func TestLaneQueue_WaitForActiveTasks_IgnoresLaterEnqueues(t *testing.T) {
	q := NewLaneQueue()
	q.SetConcurrency("main", 2)

	firstStarted := make(chan struct{})
	firstRelease := make(chan struct{})
	go q.Enqueue(context.Background(), "main", EnqueueOptions{}, func(ctx context.Context) (any, error) {
		close(firstStarted)
		<-firstRelease
		return nil, nil
	})
	<-firstStarted

	// Snapshot taken here should only include the first task.
	done := make(chan bool, 1)
	go func() {
		done <- q.WaitForActiveTasks(2 * time.Second)
	}()
	time.Sleep(10 * time.Millisecond)

	// A task enqueued after the snapshot must not block WaitForActiveTasks.
	secondRelease := make(chan struct{})
	go q.Enqueue(context.Background(), "main", EnqueueOptions{}, func(ctx context.Context) (any, error) {
		<-secondRelease
		return nil, nil
	})

	close(firstRelease)
	select {
	case drained := <-done:
		if !drained {
			t.Fatal("expected WaitForActiveTasks to report drained once the snapshot's task finished")
		}
	case <-time.After(time.Second):
		t.Fatal("WaitForActiveTasks blocked on a task enqueued after the snapshot")
	}
	close(secondRelease)
}

func TestLaneQueue_SetConcurrency_ClampsToAtLeastOne(t *testing.T) {
	q := NewLaneQueue()
	q.SetConcurrency("main", 0)
	q.SetConcurrency("other", -5)

	var wg sync.WaitGroup
	var maxSeen int32
	var running int32
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Enqueue(context.Background(), "main", EnqueueOptions{}, func(ctx context.Context) (any, error) {
				n := atomic.AddInt32(&running, 1)
				if n > atomic.LoadInt32(&maxSeen) {
					atomic.StoreInt32(&maxSeen, n)
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&running, -1)
				return nil, nil
			})
		}()
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Fatalf("expected clamped concurrency of 1, saw %d", maxSeen)
	}
}
