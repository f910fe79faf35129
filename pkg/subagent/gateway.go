package subagent

import (
	"context"
	"time"

	"github.com/sipeed/picoclaw/pkg/providers"
)

// AgentRequest is the payload for the gateway's `agent` RPC method.
type AgentRequest struct {
	SessionKey     string
	Message        string
	Deliver        bool
	Channel        string
	AccountID      string
	To             string
	ThreadID       string
	IdempotencyKey string
	ExpectFinal    bool
}

// AgentWaitResult is what `agent.wait` resolves to.
type AgentWaitResult struct {
	Status    OutcomeStatus
	StartedAt int64
	EndedAt   int64
	Error     string
}

// SessionSnapshot is the subset of session-store state the announce
// flow needs to read back (latest reply, usage, transcript path).
type SessionSnapshot struct {
	SessionID      string
	LatestReply    string
	Usage          providers.UsageInfo
	TranscriptPath string
}

// AgentGateway is the model-invocation gateway's contract as consumed
// by this core: `agent`, `agent.wait`, and the `sessions.*` family. It
// is an external collaborator; this package never implements it for
// production use, only the reference adapter in cmd/subagentd does
// (backed by anthropic-sdk-go).
type AgentGateway interface {
	Agent(ctx context.Context, req AgentRequest) error
	AgentWait(ctx context.Context, runID string, timeout time.Duration) (AgentWaitResult, error)

	SessionsPatch(ctx context.Context, key, label string) error
	SessionsDelete(ctx context.Context, key string, deleteTranscript bool) error
	SessionsSnapshot(ctx context.Context, key string) (SessionSnapshot, error)
	SessionsSpawn(ctx context.Context, req SpawnRequest) (SpawnResult, error)
}

// SpawnRequest mirrors the sessions_spawn tool's accepted parameters.
// ChildSessionKey is chosen by the caller (the tool replies
// with it immediately, before the gateway has done anything), so the
// gateway must create the child run under this exact key rather than
// minting its own.
type SpawnRequest struct {
	RunID               string
	RequesterSessionKey string
	ChildSessionKey     string
	Task                string
	Label               string
	AgentID             string
	Model               string
	Thinking            string
	RunTimeout          time.Duration // 0 = no timeout
	Cleanup             CleanupPolicy
	Origin              DeliveryContext
	RequesterDisplayKey string
}

// SpawnResult is returned immediately; the spawn never blocks the caller.
type SpawnResult struct {
	Status          string // "accepted"
	RunID           string
	ChildSessionKey string
	Warning         string // e.g. invalid model fell back to default
}
