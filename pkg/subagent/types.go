// Package subagent implements the orchestration core that spawns child
// agent runs on behalf of a parent conversation, tracks their lifecycle
// across restarts, and delivers their completion announcements back
// into the parent's channel under flow control.
package subagent

import (
	"sync/atomic"
	"time"

	"github.com/sipeed/picoclaw/pkg/providers"
)

// CleanupPolicy decides what happens to a child session once its
// announcement has been delivered.
type CleanupPolicy string

const (
	CleanupDelete CleanupPolicy = "delete"
	CleanupKeep   CleanupPolicy = "keep"
)

// OutcomeStatus is the runtime-derived result of a finished run. It is
// never inferred from the child's reply content (testable property #10).
type OutcomeStatus string

const (
	OutcomeOK      OutcomeStatus = "ok"
	OutcomeError   OutcomeStatus = "error"
	OutcomeTimeout OutcomeStatus = "timeout"
	OutcomeUnknown OutcomeStatus = "unknown"
)

// Outcome is the terminal status of a run.
type Outcome struct {
	Status OutcomeStatus `json:"status"`
	Error  string        `json:"error,omitempty"`
}

// DeliveryContext is "where a reply should land": channel id, recipient
// id, account id, and thread id, all optional. See delivery.go for the
// normalize/merge/fromSession/key operations over this type.
type DeliveryContext struct {
	Channel   string `json:"channel,omitempty"`
	To        string `json:"to,omitempty"`
	AccountID string `json:"accountId,omitempty"`
	ThreadID  string `json:"threadId,omitempty"`
}

// SubagentRunRecord is one spawned child run, held in memory and
// persisted to <stateDir>/subagents/runs.json (see registry.go).
type SubagentRunRecord struct {
	RunID           string `json:"runId"`
	ChildSessionKey string `json:"childSessionKey"`

	RequesterSessionKey string          `json:"requesterSessionKey"`
	RequesterOrigin     DeliveryContext `json:"requesterOrigin"`
	RequesterDisplayKey string          `json:"requesterDisplayKey"`

	Task  string `json:"task"`
	Label string `json:"label,omitempty"`
	Model string `json:"model,omitempty"`

	Cleanup CleanupPolicy `json:"cleanup"`

	CreatedAtMs int64 `json:"createdAt"`
	StartedAtMs int64 `json:"startedAt,omitempty"`
	EndedAtMs   int64 `json:"endedAt,omitempty"`

	Outcome *Outcome `json:"outcome,omitempty"`

	ArchiveAtMs int64 `json:"archiveAtMs,omitempty"`

	// cleanupHandled and cleanupCompletedAt are the at-most-once gate
	// (I1-I3). cleanupHandled lives as an atomic so beginSubagentCleanup
	// can CAS it without holding the registry lock.
	cleanupHandled     atomic.Bool
	CleanupCompletedAt int64 `json:"cleanupCompletedAt,omitempty"`

	// AnnounceMode selects the Announce Queue flow-control mode used
	// when delivering this run's result. Defaults to AnnounceFollowup.
	AnnounceMode AnnounceMode `json:"announceMode,omitempty"`
}

// clone returns a deep-enough copy for safe external use (snapshot
// reads, persistence). Fields are copied one by one rather than via a
// struct copy so the atomic gate is never copied as a value; only its
// current bit is carried over into the clone's own fresh atomic.
func (r *SubagentRunRecord) clone() *SubagentRunRecord {
	cp := &SubagentRunRecord{
		RunID:               r.RunID,
		ChildSessionKey:     r.ChildSessionKey,
		RequesterSessionKey: r.RequesterSessionKey,
		RequesterOrigin:     r.RequesterOrigin,
		RequesterDisplayKey: r.RequesterDisplayKey,
		Task:                r.Task,
		Label:               r.Label,
		Model:               r.Model,
		Cleanup:             r.Cleanup,
		CreatedAtMs:         r.CreatedAtMs,
		StartedAtMs:         r.StartedAtMs,
		EndedAtMs:           r.EndedAtMs,
		ArchiveAtMs:         r.ArchiveAtMs,
		CleanupCompletedAt:  r.CleanupCompletedAt,
		AnnounceMode:        r.AnnounceMode,
	}
	if r.Outcome != nil {
		o := *r.Outcome
		cp.Outcome = &o
	}
	cp.cleanupHandled.Store(r.cleanupHandled.Load())
	return cp
}

func nowMs() int64 { return time.Now().UnixMilli() }

// RunStats is the computed statistics line inputs for one finished run.
type RunStats struct {
	Usage       providers.UsageInfo
	RuntimeMs   int64
	CostUSD     float64
	SessionKey  string
	SessionID   string
	Transcript  string
}
