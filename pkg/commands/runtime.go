package commands

import (
	"github.com/sipeed/picoclaw/pkg/config"
	"github.com/sipeed/picoclaw/pkg/session"
)

// SessionOps defines the session lifecycle operations command handlers rely on.
// Implementations are expected to be scope-aware and deterministic for a given scopeKey.
type SessionOps interface {
	// ResolveActive returns the active session key for scopeKey, creating default scope state if needed.
	ResolveActive(scopeKey string) (string, error)
	// StartNew creates and activates a new session for scopeKey and returns its key.
	StartNew(scopeKey string) (string, error)
	// List returns ordered session metadata for scopeKey.
	List(scopeKey string) ([]session.SessionMeta, error)
	// Resume activates the session at a 1-based index within scopeKey and returns its key.
	Resume(scopeKey string, index int) (string, error)
	// Prune deletes older sessions for scopeKey according to limit and returns deleted session keys.
	Prune(scopeKey string, limit int) ([]string, error)
}

// SubagentSummary is the read-only view of one run the /subagents
// command family prints; it never exposes a requester's full transcript.
type SubagentSummary struct {
	RunID       string
	Label       string
	Task        string
	Status      string
	CreatedAtMs int64
	EndedAtMs   int64
}

// SubagentOps is what /subagents and /stop need from the registry,
// scoped to one requester session.
type SubagentOps interface {
	// List returns every run belonging to the requester.
	List() []SubagentSummary
	// Info returns one run's summary, regardless of which requester owns it.
	Info(runID string) (SubagentSummary, bool)
	// Log returns up to the last limit messages of a run's recorded output, if known.
	// limit <= 0 means no bound.
	Log(runID string, limit int) (string, bool)
	// Send injects message into a still-active run (steer), returns false if not possible.
	Send(runID, message string) bool
	// StopRun cancels one run by id, returns false if it was not active.
	StopRun(runID string) bool
	// Stop cancels the requester's own run and every descendant, returning the count stopped.
	Stop() int
}

// Runtime exposes the minimal agent runtime state needed by command handlers.
type Runtime interface {
	// Channel returns the inbound channel name (for example: telegram, whatsapp).
	Channel() string
	// ScopeKey returns the resolved scope identifier used for session operations.
	ScopeKey() string
	// SessionOps returns scoped session lifecycle operations.
	SessionOps() SessionOps
	// Config returns process config for read-only access by handlers; callers must not mutate it.
	Config() *config.Config
	// SubagentOps returns scoped subagent run operations, nil if unavailable.
	SubagentOps() SubagentOps
}
