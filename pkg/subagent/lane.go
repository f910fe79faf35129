package subagent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sipeed/picoclaw/pkg/logger"
)

// LaneClearedError is returned to every task rejected by Clear. Callers
// that fire-and-forget an enqueue are expected to check for this type
// with errors.As and ignore it rather than treat it as a genuine failure.
type LaneClearedError struct {
	Lane string
}

func (e *LaneClearedError) Error() string {
	return fmt.Sprintf("lane %q was cleared", e.Lane)
}

// EnqueueOptions configures one Enqueue call's diagnostics.
type EnqueueOptions struct {
	WarnAfter time.Duration // default 2s
	OnWait    func(waited time.Duration, queuedAhead int)
}

type laneTask struct {
	id         uint64
	generation uint64
	enqueuedAt time.Time
	run        func(ctx context.Context) (any, error)
	result     chan taskResult
	opts       EnqueueOptions
}

type taskResult struct {
	value any
	err   error
}

type laneState struct {
	mu         sync.Mutex
	queue      []*laneTask
	active     map[uint64]struct{}
	maxConc    int
	draining   bool
	generation uint64
}

// LaneQueue serialises task execution per named lane under a per-lane
// concurrency cap, with generation-based reset so stale completions
// from before a resetAll() cannot disturb current state (invariant L1).
type LaneQueue struct {
	mu     sync.Mutex
	lanes  map[string]*laneState
	nextID uint64
}

// NewLaneQueue creates an empty set of lanes; lanes are created lazily
// on first Enqueue/SetConcurrency with maxConcurrent=1.
func NewLaneQueue() *LaneQueue {
	return &LaneQueue{lanes: make(map[string]*laneState)}
}

func (q *LaneQueue) laneFor(name string) *laneState {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.lanes[name]
	if !ok {
		l = &laneState{active: make(map[uint64]struct{}), maxConc: 1}
		q.lanes[name] = l
	}
	return l
}

// SetConcurrency clamps n to >= 1 and triggers a drain.
func (q *LaneQueue) SetConcurrency(lane string, n int) {
	if n < 1 {
		n = 1
	}
	l := q.laneFor(lane)
	l.mu.Lock()
	l.maxConc = n
	l.mu.Unlock()
	q.drain(lane, l)
}

// Enqueue appends run to lane's FIFO and blocks until it completes, is
// cancelled via ctx, or the lane is cleared out from under it.
func (q *LaneQueue) Enqueue(ctx context.Context, lane string, opts EnqueueOptions, run func(ctx context.Context) (any, error)) (any, error) {
	if opts.WarnAfter <= 0 {
		opts.WarnAfter = 2 * time.Second
	}
	l := q.laneFor(lane)

	q.mu.Lock()
	q.nextID++
	id := q.nextID
	q.mu.Unlock()

	t := &laneTask{
		id:         id,
		enqueuedAt: time.Now(),
		run:        run,
		result:     make(chan taskResult, 1),
		opts:       opts,
	}

	l.mu.Lock()
	t.generation = l.generation
	l.queue = append(l.queue, t)
	l.mu.Unlock()

	q.drain(lane, l)

	select {
	case r := <-t.result:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Clear splices every queued (not yet started) entry out of lane and
// rejects each with a LaneClearedError. Returns the count removed;
// already-running tasks are unaffected.
func (q *LaneQueue) Clear(lane string) int {
	l := q.laneFor(lane)
	l.mu.Lock()
	removed := l.queue
	l.queue = nil
	l.mu.Unlock()

	for _, t := range removed {
		t.result <- taskResult{err: &LaneClearedError{Lane: lane}}
	}
	return len(removed)
}

// ResetAll increments every lane's generation, clears active-task sets
// and the draining flag, then re-drains lanes with queued work.
// Completions from a prior generation become no-ops (checked in the
// task's completion callback inside drain's goroutine).
func (q *LaneQueue) ResetAll() {
	q.mu.Lock()
	lanes := make(map[string]*laneState, len(q.lanes))
	for name, l := range q.lanes {
		lanes[name] = l
	}
	q.mu.Unlock()

	for name, l := range lanes {
		l.mu.Lock()
		l.generation++
		l.active = make(map[uint64]struct{})
		l.draining = false
		hasQueue := len(l.queue) > 0
		l.mu.Unlock()
		if hasQueue {
			q.drain(name, l)
		}
	}
}

func (q *LaneQueue) GetQueueSize(lane string) int {
	l := q.laneFor(lane)
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

func (q *LaneQueue) GetTotalQueueSize() int {
	q.mu.Lock()
	lanes := make([]*laneState, 0, len(q.lanes))
	for _, l := range q.lanes {
		lanes = append(lanes, l)
	}
	q.mu.Unlock()

	total := 0
	for _, l := range lanes {
		l.mu.Lock()
		total += len(l.queue)
		l.mu.Unlock()
	}
	return total
}

func (q *LaneQueue) GetActiveTaskCount() int {
	q.mu.Lock()
	lanes := make([]*laneState, 0, len(q.lanes))
	for _, l := range q.lanes {
		lanes = append(lanes, l)
	}
	q.mu.Unlock()

	total := 0
	for _, l := range lanes {
		l.mu.Lock()
		total += len(l.active)
		l.mu.Unlock()
	}
	return total
}

// activeTaskIDs snapshots every currently-active task id across all lanes.
func (q *LaneQueue) activeTaskIDs() map[uint64]struct{} {
	q.mu.Lock()
	lanes := make([]*laneState, 0, len(q.lanes))
	for _, l := range q.lanes {
		lanes = append(lanes, l)
	}
	q.mu.Unlock()

	ids := make(map[uint64]struct{})
	for _, l := range lanes {
		l.mu.Lock()
		for id := range l.active {
			ids[id] = struct{}{}
		}
		l.mu.Unlock()
	}
	return ids
}

func (q *LaneQueue) isStillActive(ids map[uint64]struct{}) bool {
	q.mu.Lock()
	lanes := make([]*laneState, 0, len(q.lanes))
	for _, l := range q.lanes {
		lanes = append(lanes, l)
	}
	q.mu.Unlock()

	for _, l := range lanes {
		l.mu.Lock()
		for id := range ids {
			if _, ok := l.active[id]; ok {
				l.mu.Unlock()
				return true
			}
		}
		l.mu.Unlock()
	}
	return false
}

// WaitForActiveTasks polls every 50ms until none of the tasks active at
// call time remain active, or timeout passes. Tasks enqueued after the
// call are ignored, matching the source's snapshot semantics.
func (q *LaneQueue) WaitForActiveTasks(timeout time.Duration) (drained bool) {
	snapshot := q.activeTaskIDs()
	if len(snapshot) == 0 {
		return true
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !q.isStillActive(snapshot) {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return !q.isStillActive(snapshot)
}

// drain is reentrant-guarded by l.draining. While under capacity and
// non-empty, it dequeues the head, starts it in a goroutine, and wires
// its completion to decrement the active count only if the task's
// captured generation still matches the lane's current generation.
func (q *LaneQueue) drain(lane string, l *laneState) {
	l.mu.Lock()
	if l.draining {
		l.mu.Unlock()
		return
	}
	l.draining = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.draining = false
		l.mu.Unlock()
	}()

	for {
		l.mu.Lock()
		if len(l.active) >= l.maxConc || len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		t := l.queue[0]
		queuedAhead := len(l.queue) - 1
		l.queue = l.queue[1:]
		l.active[t.id] = struct{}{}
		gen := l.generation
		l.mu.Unlock()

		waited := time.Since(t.enqueuedAt)
		if waited >= t.opts.WarnAfter {
			if !strings.HasPrefix(lane, "auth-probe:") && !strings.HasPrefix(lane, "session:probe-") {
				logger.WarnCF("subagent.lane", "task waited in queue", map[string]any{
					"lane": lane, "waitedMs": waited.Milliseconds(), "queuedAhead": queuedAhead,
				})
			}
			if t.opts.OnWait != nil {
				t.opts.OnWait(waited, queuedAhead)
			}
		}

		go q.runTask(lane, l, t, gen)
	}
}

func (q *LaneQueue) runTask(lane string, l *laneState, t *laneTask, gen uint64) {
	suppressErrorLog := strings.HasPrefix(lane, "auth-probe:") || strings.HasPrefix(lane, "session:probe-")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	value, err := func() (v any, e error) {
		defer func() {
			if r := recover(); r != nil {
				e = fmt.Errorf("lane task panic: %v", r)
			}
		}()
		return t.run(ctx)
	}()

	if err != nil && !suppressErrorLog {
		logger.ErrorCF("subagent.lane", "lane task failed", map[string]any{"lane": lane, "error": err.Error()})
	}

	t.result <- taskResult{value: value, err: err}

	l.mu.Lock()
	staleGeneration := gen != l.generation
	if !staleGeneration {
		delete(l.active, t.id)
	}
	l.mu.Unlock()

	if staleGeneration {
		// Invariant L1: a completion from a generation reset by
		// ResetAll must not decrement active state or trigger drain.
		return
	}
	q.drain(lane, l)
}
