package subagent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sipeed/picoclaw/pkg/logger"
)

// AnnounceMode selects flow-control behaviour for one queued item.
type AnnounceMode string

const (
	AnnounceCollect      AnnounceMode = "collect"
	AnnounceFollowup     AnnounceMode = "followup"
	AnnounceSteer        AnnounceMode = "steer"
	AnnounceSteerBacklog AnnounceMode = "steer-backlog"
	AnnounceInterrupt    AnnounceMode = "interrupt"
)

// EnqueueOutcome reports what AnnounceQueue.Enqueue actually did.
type EnqueueOutcome string

const (
	EnqueueSteered EnqueueOutcome = "steered"
	EnqueueQueued  EnqueueOutcome = "queued"
	EnqueueNone    EnqueueOutcome = "none"
)

// AnnounceItem is one queued completion message awaiting delivery.
type AnnounceItem struct {
	Prompt      string
	SummaryLine string
	EnqueuedAt  time.Time
	SessionKey  string
	Origin      DeliveryContext
}

// DeliverFunc sends one item (or a batch merged into one prompt) through
// the gateway's `agent` RPC with deliver=true. It is supplied by the
// caller that owns the AgentGateway connection.
type DeliverFunc func(ctx context.Context, sessionKey string, origin DeliveryContext, prompt string) error

// EmbeddedRunChecker reports whether a conversation currently has an
// active "embedded run" (used by steer / steer-backlog).
type EmbeddedRunChecker interface {
	IsEmbeddedRunActive(sessionKey string) bool
}

// SteerFunc attempts to inject prompt into a live embedded run for
// sessionKey, returning true if it was accepted.
type SteerFunc func(ctx context.Context, sessionKey, prompt string) bool

// ActiveCounter reports how many subagents are still active for a
// parent, used to word the shared reply instruction in a batch.
type ActiveCounter func(requesterSessionKey string) int

type pendingBucket struct {
	mu    sync.Mutex
	items []AnnounceItem
	timer *time.Timer
}

// AnnounceQueue batches completion messages per canonical parent session
// key and flushes them in FIFO order, merging into a single batched
// announcement when more than one accumulates before a flush. Held
// items fall into two classes: collect items wait for the parent run to
// end (OnParentRunEnd), while followup/interrupt items wait for the
// debounce window, re-deferring as long as the parent run is active.
type AnnounceQueue struct {
	mainKey  string
	mu       sync.Mutex
	buckets  map[string]*pendingBucket
	debounce time.Duration
	cap      int

	steerFn     SteerFunc
	deliverFn   DeliverFunc
	embedded    EmbeddedRunChecker
	activeCount ActiveCounter
}

// NewAnnounceQueue creates a queue with the given debounce window (0 ->
// 1s default) and batch cap (0 -> 20 default). mainKey is the configured
// main session key "main" resolves to when bucketing.
func NewAnnounceQueue(mainKey string, debounce time.Duration, cap int, steerFn SteerFunc, deliverFn DeliverFunc, embedded EmbeddedRunChecker, activeCount ActiveCounter) *AnnounceQueue {
	if debounce <= 0 {
		debounce = time.Second
	}
	if cap <= 0 {
		cap = 20
	}
	return &AnnounceQueue{
		mainKey:     mainKey,
		buckets:     make(map[string]*pendingBucket),
		debounce:    debounce,
		cap:         cap,
		steerFn:     steerFn,
		deliverFn:   deliverFn,
		embedded:    embedded,
		activeCount: activeCount,
	}
}

// CanonicalParentKey trims raw and rewrites the literal "main" to
// mainSessionKey; every other key (including "global", "unknown", bare
// keys and agent:* keys) is returned as trimmed, with no further
// rewriting, and participates in the queue like any other key.
func CanonicalParentKey(mainSessionKey, raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "main" {
		return mainSessionKey
	}
	return raw
}

// Enqueue decides whether to hold, steer, or send immediately according
// to mode, and returns what it actually did. The item's session key is
// canonicalized before bucketing so "main" and the resolved main
// session key share one bucket.
func (aq *AnnounceQueue) Enqueue(ctx context.Context, mode AnnounceMode, item AnnounceItem) EnqueueOutcome {
	item.SessionKey = CanonicalParentKey(aq.mainKey, item.SessionKey)

	switch mode {
	case AnnounceSteer:
		if aq.trySteer(ctx, item) {
			return EnqueueSteered
		}
		// No embedded run to inject into: the caller falls through to a
		// direct send on EnqueueNone.
		return EnqueueNone

	case AnnounceSteerBacklog:
		if aq.trySteer(ctx, item) {
			return EnqueueSteered
		}
		aq.hold(item, true)
		return EnqueueQueued

	case AnnounceCollect:
		// Collect waits for the parent run to end; no debounce timer.
		aq.hold(item, false)
		return EnqueueQueued

	default: // followup, interrupt, and unknown modes
		aq.hold(item, true)
		return EnqueueQueued
	}
}

func (aq *AnnounceQueue) trySteer(ctx context.Context, item AnnounceItem) bool {
	if aq.embedded == nil || aq.steerFn == nil {
		return false
	}
	if !aq.embedded.IsEmbeddedRunActive(item.SessionKey) {
		return false
	}
	return aq.steerFn(ctx, item.SessionKey, item.Prompt)
}

// hold appends item to its bucket and flushes immediately if the bucket
// reaches cap (a memory bound that applies to every mode). armTimer
// selects the followup/interrupt behaviour: a debounce timer that
// delivers once the window passes and the parent run is idle. Collect
// items arm no timer and wait for OnParentRunEnd.
func (aq *AnnounceQueue) hold(item AnnounceItem, armTimer bool) {
	key := item.SessionKey

	aq.mu.Lock()
	b, ok := aq.buckets[key]
	if !ok {
		b = &pendingBucket{}
		aq.buckets[key] = b
	}
	aq.mu.Unlock()

	b.mu.Lock()
	b.items = append(b.items, item)
	full := len(b.items) >= aq.cap
	if full {
		if b.timer != nil {
			b.timer.Stop()
		}
		items := b.items
		b.items = nil
		b.mu.Unlock()
		go aq.flush(key, items)
		return
	}
	if armTimer {
		if b.timer != nil {
			b.timer.Stop()
		}
		b.timer = time.AfterFunc(aq.debounce, func() { aq.drainTimer(key) })
	}
	b.mu.Unlock()
}

func (aq *AnnounceQueue) drainTimer(key string) {
	aq.mu.Lock()
	b, ok := aq.buckets[key]
	aq.mu.Unlock()
	if !ok {
		return
	}

	// Followup semantics: while the parent run is still active, keep the
	// batch held and check again after another debounce window. The
	// parent-run-end signal (OnParentRunEnd) flushes sooner.
	if aq.embedded != nil && aq.embedded.IsEmbeddedRunActive(key) {
		b.mu.Lock()
		if len(b.items) > 0 {
			b.timer = time.AfterFunc(aq.debounce, func() { aq.drainTimer(key) })
		}
		b.mu.Unlock()
		return
	}

	b.mu.Lock()
	items := b.items
	b.items = nil
	b.mu.Unlock()
	aq.flush(key, items)
}

// OnParentRunEnd is the parent-run-end/idle signal: every item held for
// sessionKey is flushed now, whether it was collecting until run end or
// deferring behind an active run. Returns the number of items flushed.
func (aq *AnnounceQueue) OnParentRunEnd(sessionKey string) int {
	return aq.Flush(context.Background(), sessionKey)
}

// Flush delivers every pending item for key immediately. Returns the
// number of items delivered.
func (aq *AnnounceQueue) Flush(ctx context.Context, key string) int {
	key = CanonicalParentKey(aq.mainKey, key)
	aq.mu.Lock()
	b, ok := aq.buckets[key]
	aq.mu.Unlock()
	if !ok {
		return 0
	}
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
	}
	items := b.items
	b.items = nil
	b.mu.Unlock()
	if len(items) == 0 {
		return 0
	}
	aq.flush(key, items)
	return len(items)
}

func (aq *AnnounceQueue) flush(key string, items []AnnounceItem) {
	if len(items) == 0 || aq.deliverFn == nil {
		return
	}
	remaining := 0
	if aq.activeCount != nil {
		remaining = aq.activeCount(key)
	}
	prompt := FormatBatchedAnnounce(items, remaining)
	origin := items[len(items)-1].Origin
	sessionKey := items[len(items)-1].SessionKey

	if err := aq.deliverFn(context.Background(), sessionKey, origin, prompt); err != nil {
		logger.ErrorCF("subagent.announcequeue", "flush delivery failed", map[string]any{
			"key": key, "count": len(items), "error": err.Error(),
		})
	}
}

// FormatBatchedAnnounce merges items into one announce prompt. A single
// item renders without batching overhead; multiple items render as
// numbered sections followed by one shared reply instruction.
func FormatBatchedAnnounce(items []AnnounceItem, remainingActive int) string {
	if len(items) == 1 {
		return items[0].Prompt
	}

	var sb strings.Builder
	sb.WriteString("[System Message] Multiple subagent tasks completed:\n")
	for i, item := range items {
		line := item.SummaryLine
		if line == "" {
			line = item.Prompt
		}
		fmt.Fprintf(&sb, "\n---\nTask #%d:\n%s\n", i+1, line)
	}
	sb.WriteString("---\n\n")
	sb.WriteString(buildReplyInstruction(remainingActive))
	return sb.String()
}

func buildReplyInstruction(remainingActive int) string {
	if remainingActive > 0 {
		runsLabel := "runs"
		if remainingActive == 1 {
			runsLabel = "run"
		}
		return fmt.Sprintf(
			"There are still %d active subagent %s for this session. "+
				"If they are part of the same workflow, wait for the remaining results "+
				"before sending a user update. If they are unrelated, respond normally "+
				"using only the results above. Reply ONLY: NO_REPLY if this was already "+
				"delivered to the user.",
			remainingActive, runsLabel,
		)
	}
	return "All pending subagent results are ready for user delivery. Convert them into " +
		"your normal assistant voice now. Reply ONLY: NO_REPLY if already delivered."
}
