package subagent

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeEmbedded struct {
	mu     sync.Mutex
	active map[string]bool
}

func (f *fakeEmbedded) IsEmbeddedRunActive(sessionKey string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[sessionKey]
}

func (f *fakeEmbedded) set(sessionKey string, active bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active[sessionKey] = active
}

func newFakeEmbedded(keys ...string) *fakeEmbedded {
	f := &fakeEmbedded{active: make(map[string]bool)}
	for _, k := range keys {
		f.active[k] = true
	}
	return f
}

func TestCanonicalParentKey(t *testing.T) {
	if got := CanonicalParentKey("main-123", "main"); got != "main-123" {
		t.Fatalf("expected 'main' to resolve to the main session key, got %q", got)
	}
	if got := CanonicalParentKey("main-123", "agent:foo"); got != "agent:foo" {
		t.Fatalf("expected non-main keys to pass through unchanged, got %q", got)
	}
}

func TestAnnounceQueue_GlobalAndUnknownKeysFallThrough(t *testing.T) {
	// Decided open question: "global"/"unknown" requester keys are not
	// special-cased; they resolve to themselves like any other raw key.
	if got := CanonicalParentKey("main-123", "global"); got != "global" {
		t.Fatalf("expected 'global' to pass through unchanged, got %q", got)
	}
	if got := CanonicalParentKey("main-123", "unknown"); got != "unknown" {
		t.Fatalf("expected 'unknown' to pass through unchanged, got %q", got)
	}

	var delivered []string
	var mu sync.Mutex

	aq := NewAnnounceQueue("", 20*time.Millisecond, 0, nil, func(ctx context.Context, sessionKey string, origin DeliveryContext, prompt string) error {
		mu.Lock()
		defer mu.Unlock()
		delivered = append(delivered, sessionKey)
		return nil
	}, nil, nil)

	for _, key := range []string{"global", "unknown"} {
		outcome := aq.Enqueue(context.Background(), AnnounceFollowup, AnnounceItem{
			SessionKey: key,
			Prompt:     "done: " + key,
		})
		if outcome != EnqueueQueued {
			t.Fatalf("expected followup mode to queue, got %v", outcome)
		}
	}

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(delivered) != 2 {
		t.Fatalf("expected both direct keys to flush independently, got %v", delivered)
	}
}

func TestAnnounceQueue_CollectMode_HoldsUntilParentRunEnds(t *testing.T) {
	var delivered []string
	var mu sync.Mutex
	aq := NewAnnounceQueue("", 20*time.Millisecond, 0, nil, func(ctx context.Context, sessionKey string, origin DeliveryContext, prompt string) error {
		mu.Lock()
		defer mu.Unlock()
		delivered = append(delivered, prompt)
		return nil
	}, nil, nil)

	outcome1 := aq.Enqueue(context.Background(), AnnounceCollect, AnnounceItem{SessionKey: "s1", Prompt: "first", SummaryLine: "first done"})
	outcome2 := aq.Enqueue(context.Background(), AnnounceCollect, AnnounceItem{SessionKey: "s1", Prompt: "second", SummaryLine: "second done"})
	if outcome1 != EnqueueQueued || outcome2 != EnqueueQueued {
		t.Fatalf("expected both enqueues to queue, got %v %v", outcome1, outcome2)
	}

	// Collect must not flush on a timer; only the parent-run-end signal drains it.
	time.Sleep(80 * time.Millisecond)
	mu.Lock()
	held := len(delivered)
	mu.Unlock()
	if held != 0 {
		t.Fatalf("collect items flushed before the parent run ended: %v", delivered)
	}

	if n := aq.OnParentRunEnd("s1"); n != 2 {
		t.Fatalf("expected 2 items flushed on parent run end, got %d", n)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(delivered) != 1 {
		t.Fatalf("expected the two items merged into a single flush, got %d flushes", len(delivered))
	}
	if !strings.Contains(delivered[0], "first done") || !strings.Contains(delivered[0], "second done") {
		t.Fatalf("merged announce missing one of the batched summaries: %q", delivered[0])
	}
}

func TestAnnounceQueue_FollowupMode_DeliversOnIdleDebounce(t *testing.T) {
	done := make(chan string, 1)
	aq := NewAnnounceQueue("", 10*time.Millisecond, 0, nil, func(ctx context.Context, sessionKey string, origin DeliveryContext, prompt string) error {
		done <- prompt
		return nil
	}, newFakeEmbedded(), nil) // parent idle

	outcome := aq.Enqueue(context.Background(), AnnounceFollowup, AnnounceItem{SessionKey: "s1", Prompt: "followup text"})
	if outcome != EnqueueQueued {
		t.Fatalf("expected followup to queue, got %v", outcome)
	}
	select {
	case prompt := <-done:
		if prompt != "followup text" {
			t.Fatalf("unexpected prompt: %q", prompt)
		}
	case <-time.After(time.Second):
		t.Fatal("followup item was never flushed")
	}
}

func TestAnnounceQueue_FollowupMode_DefersWhileParentRunActive(t *testing.T) {
	embedded := newFakeEmbedded("s1") // parent mid-run
	done := make(chan string, 1)
	aq := NewAnnounceQueue("", 10*time.Millisecond, 0, nil, func(ctx context.Context, sessionKey string, origin DeliveryContext, prompt string) error {
		done <- prompt
		return nil
	}, embedded, nil)

	aq.Enqueue(context.Background(), AnnounceFollowup, AnnounceItem{SessionKey: "s1", Prompt: "held back"})

	// Several debounce windows pass with the parent active: nothing delivers.
	select {
	case prompt := <-done:
		t.Fatalf("followup delivered while parent run active: %q", prompt)
	case <-time.After(60 * time.Millisecond):
	}

	// Parent goes idle: the next timer check delivers.
	embedded.set("s1", false)
	select {
	case prompt := <-done:
		if prompt != "held back" {
			t.Fatalf("unexpected prompt: %q", prompt)
		}
	case <-time.After(time.Second):
		t.Fatal("followup item never delivered after the parent went idle")
	}
}

func TestAnnounceQueue_ParentRunEndFlushesDeferredFollowups(t *testing.T) {
	embedded := newFakeEmbedded("s1")
	done := make(chan string, 1)
	aq := NewAnnounceQueue("", time.Hour, 0, nil, func(ctx context.Context, sessionKey string, origin DeliveryContext, prompt string) error {
		done <- prompt
		return nil
	}, embedded, nil)

	aq.Enqueue(context.Background(), AnnounceFollowup, AnnounceItem{SessionKey: "s1", Prompt: "waiting"})
	embedded.set("s1", false)
	if n := aq.OnParentRunEnd("s1"); n != 1 {
		t.Fatalf("expected the run-end signal to flush 1 item, got %d", n)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run-end signal did not deliver the deferred item")
	}
}

func TestAnnounceQueue_MainKeyCanonicalizedIntoOneBucket(t *testing.T) {
	var mu sync.Mutex
	var deliveredKeys []string
	var deliveredPrompts []string
	aq := NewAnnounceQueue("main-123", time.Hour, 0, nil, func(ctx context.Context, sessionKey string, origin DeliveryContext, prompt string) error {
		mu.Lock()
		defer mu.Unlock()
		deliveredKeys = append(deliveredKeys, sessionKey)
		deliveredPrompts = append(deliveredPrompts, prompt)
		return nil
	}, nil, nil)

	aq.Enqueue(context.Background(), AnnounceCollect, AnnounceItem{SessionKey: "main", SummaryLine: "via alias"})
	aq.Enqueue(context.Background(), AnnounceCollect, AnnounceItem{SessionKey: "main-123", SummaryLine: "via resolved key"})

	// Flushing by the alias must drain both, proving one shared bucket.
	if n := aq.Flush(context.Background(), "main"); n != 2 {
		t.Fatalf("expected both items in one canonical bucket, flushed %d", n)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(deliveredKeys) != 1 || deliveredKeys[0] != "main-123" {
		t.Fatalf("expected one delivery to the resolved main key, got %v", deliveredKeys)
	}
	if !strings.Contains(deliveredPrompts[0], "via alias") || !strings.Contains(deliveredPrompts[0], "via resolved key") {
		t.Fatalf("batched delivery missing an item: %q", deliveredPrompts[0])
	}
}

func TestAnnounceQueue_InterruptMode_Queues(t *testing.T) {
	done := make(chan struct{}, 1)
	aq := NewAnnounceQueue("", 10*time.Millisecond, 0, nil, func(ctx context.Context, sessionKey string, origin DeliveryContext, prompt string) error {
		close(done)
		return nil
	}, nil, nil)

	outcome := aq.Enqueue(context.Background(), AnnounceInterrupt, AnnounceItem{SessionKey: "s1", Prompt: "urgent"})
	if outcome != EnqueueQueued {
		t.Fatalf("expected interrupt to queue for debounced delivery, got %v", outcome)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("interrupt item was never flushed")
	}
}

func TestAnnounceQueue_SteerMode_SteersWhenEmbeddedRunActive(t *testing.T) {
	embedded := newFakeEmbedded("s1")
	var steered bool
	steerFn := func(ctx context.Context, sessionKey, prompt string) bool {
		steered = true
		return true
	}
	deliverCalled := false
	aq := NewAnnounceQueue("", 10*time.Millisecond, 0, steerFn, func(ctx context.Context, sessionKey string, origin DeliveryContext, prompt string) error {
		deliverCalled = true
		return nil
	}, embedded, nil)

	outcome := aq.Enqueue(context.Background(), AnnounceSteer, AnnounceItem{SessionKey: "s1", Prompt: "steer me"})
	if outcome != EnqueueSteered {
		t.Fatalf("expected steered outcome, got %v", outcome)
	}
	if !steered {
		t.Fatal("expected steerFn to be invoked")
	}
	time.Sleep(30 * time.Millisecond)
	if deliverCalled {
		t.Fatal("deliverFn should not be called once steering succeeded")
	}
}

func TestAnnounceQueue_SteerMode_ReturnsNoneWhenNoEmbeddedRun(t *testing.T) {
	// The caller (announce flow step 7) owns the direct-send fallback;
	// the queue must hand the item back untouched, not deliver it itself.
	embedded := newFakeEmbedded() // nothing active
	deliverCalled := false
	aq := NewAnnounceQueue("", 10*time.Millisecond, 0, func(ctx context.Context, sessionKey, prompt string) bool {
		t.Fatal("steerFn should not be called when no embedded run is active")
		return false
	}, func(ctx context.Context, sessionKey string, origin DeliveryContext, prompt string) error {
		deliverCalled = true
		return nil
	}, embedded, nil)

	outcome := aq.Enqueue(context.Background(), AnnounceSteer, AnnounceItem{SessionKey: "s1", Prompt: "direct please"})
	if outcome != EnqueueNone {
		t.Fatalf("expected none outcome, got %v", outcome)
	}
	time.Sleep(30 * time.Millisecond)
	if deliverCalled {
		t.Fatal("the queue must not deliver a steer-mode item itself; that is the caller's fallback")
	}
}

func TestAnnounceQueue_SteerBacklogMode_QueuesInsteadOfDirectSend(t *testing.T) {
	embedded := newFakeEmbedded() // nothing active, steer will fail
	delivered := make(chan string, 1)
	aq := NewAnnounceQueue("", 10*time.Millisecond, 0, func(ctx context.Context, sessionKey, prompt string) bool {
		return false
	}, func(ctx context.Context, sessionKey string, origin DeliveryContext, prompt string) error {
		delivered <- prompt
		return nil
	}, embedded, nil)

	outcome := aq.Enqueue(context.Background(), AnnounceSteerBacklog, AnnounceItem{SessionKey: "s1", Prompt: "backlog me"})
	if outcome != EnqueueQueued {
		t.Fatalf("expected steer-backlog to queue on failed steer, got %v", outcome)
	}
	select {
	case prompt := <-delivered:
		if prompt != "backlog me" {
			t.Fatalf("unexpected backlog prompt: %q", prompt)
		}
	case <-time.After(time.Second):
		t.Fatal("backlogged item was never flushed")
	}
}

func TestAnnounceQueue_BatchCap_FlushesImmediatelyAtCap(t *testing.T) {
	var flushCount int
	var mu sync.Mutex
	flushed := make(chan struct{}, 1)
	aq := NewAnnounceQueue("", time.Hour, 2, nil, func(ctx context.Context, sessionKey string, origin DeliveryContext, prompt string) error {
		mu.Lock()
		flushCount++
		mu.Unlock()
		select {
		case flushed <- struct{}{}:
		default:
		}
		return nil
	}, nil, nil)

	aq.Enqueue(context.Background(), AnnounceCollect, AnnounceItem{SessionKey: "s1", Prompt: "1"})
	aq.Enqueue(context.Background(), AnnounceCollect, AnnounceItem{SessionKey: "s1", Prompt: "2"})

	select {
	case <-flushed:
	case <-time.After(time.Second):
		t.Fatal("reaching the batch cap should flush immediately without waiting for debounce")
	}
	mu.Lock()
	defer mu.Unlock()
	if flushCount != 1 {
		t.Fatalf("expected exactly one flush at cap, got %d", flushCount)
	}
}

func TestAnnounceQueue_Flush_ManualDrain(t *testing.T) {
	delivered := false
	aq := NewAnnounceQueue("", time.Hour, 0, nil, func(ctx context.Context, sessionKey string, origin DeliveryContext, prompt string) error {
		delivered = true
		return nil
	}, nil, nil)

	aq.Enqueue(context.Background(), AnnounceCollect, AnnounceItem{SessionKey: "s1", Prompt: "held"})
	if delivered {
		t.Fatal("item should still be pending before manual Flush")
	}
	n := aq.Flush(context.Background(), "s1")
	if n != 1 {
		t.Fatalf("expected Flush to report 1 item delivered, got %d", n)
	}
	if !delivered {
		t.Fatal("expected manual Flush to deliver the pending item")
	}
	if n := aq.Flush(context.Background(), "s1"); n != 0 {
		t.Fatalf("expected second Flush on drained bucket to report 0, got %d", n)
	}
}

func TestFormatBatchedAnnounce_SingleItemPassesThroughUnwrapped(t *testing.T) {
	items := []AnnounceItem{{Prompt: "solo prompt"}}
	got := FormatBatchedAnnounce(items, 0)
	if got != "solo prompt" {
		t.Fatalf("single-item batch should pass through unwrapped, got %q", got)
	}
}

func TestFormatBatchedAnnounce_MultipleItemsNumberedWithSharedInstruction(t *testing.T) {
	items := []AnnounceItem{
		{SummaryLine: "task one done"},
		{SummaryLine: "task two done"},
	}
	got := FormatBatchedAnnounce(items, 0)
	if !strings.Contains(got, "Task #1") || !strings.Contains(got, "Task #2") {
		t.Fatalf("expected numbered sections, got %q", got)
	}
	if !strings.Contains(got, "task one done") || !strings.Contains(got, "task two done") {
		t.Fatalf("expected both summaries present, got %q", got)
	}
	if !strings.Contains(got, "All pending subagent results are ready") {
		t.Fatalf("expected the zero-remaining reply instruction, got %q", got)
	}
}

func TestFormatBatchedAnnounce_RemainingActiveChangesInstruction(t *testing.T) {
	items := []AnnounceItem{{SummaryLine: "a"}, {SummaryLine: "b"}}
	got := FormatBatchedAnnounce(items, 1)
	if !strings.Contains(got, "1 active subagent run") {
		t.Fatalf("expected singular 'run' wording for remaining=1, got %q", got)
	}
	got2 := FormatBatchedAnnounce(items, 3)
	if !strings.Contains(got2, "3 active subagent runs") {
		t.Fatalf("expected plural 'runs' wording for remaining=3, got %q", got2)
	}
}
