package subagent

import (
	"context"
	"sync"
	"time"

	"github.com/sipeed/picoclaw/pkg/logger"
)

// ActiveRun is a running child (or embedded) run that can be cancelled,
// tracked separately from the persisted SubagentRunRecord so that /stop
// can cascade without touching the on-disk registry.
type ActiveRun struct {
	SessionKey string
	AgentID    string
	ParentKey  string // "" for a top-level (requester) run
	Cancel     context.CancelFunc
	StartedAt  time.Time
}

// RunRegistry tracks active runs for cascade cancellation, keyed by
// session key and thread-safe via sync.Map.
type RunRegistry struct {
	runs sync.Map // sessionKey -> *ActiveRun
}

// NewRunRegistry creates an empty run registry.
func NewRunRegistry() *RunRegistry {
	return &RunRegistry{}
}

// Register adds an active run to the registry.
func (r *RunRegistry) Register(run *ActiveRun) {
	r.runs.Store(run.SessionKey, run)
	logger.DebugCF("subagent.cascade", "run registered", map[string]any{
		"session_key": run.SessionKey, "agent_id": run.AgentID, "parent_key": run.ParentKey,
	})
}

// Deregister removes a run from the registry on normal completion.
func (r *RunRegistry) Deregister(sessionKey string) {
	r.runs.Delete(sessionKey)
}

// CascadeStop cancels sessionKey's run and every descendant run whose
// ParentKey chain leads back to it. Returns the count cancelled.
func (r *RunRegistry) CascadeStop(sessionKey string) int {
	seen := make(map[string]bool)
	killed := r.cascadeStop(sessionKey, seen)
	if killed > 0 {
		logger.InfoCF("subagent.cascade", "cascade stop completed", map[string]any{
			"root_key": sessionKey, "killed": killed,
		})
	}
	return killed
}

func (r *RunRegistry) cascadeStop(sessionKey string, seen map[string]bool) int {
	if seen[sessionKey] {
		return 0
	}
	seen[sessionKey] = true
	killed := 0

	if v, ok := r.runs.LoadAndDelete(sessionKey); ok {
		run := v.(*ActiveRun)
		run.Cancel()
		killed++
	}

	r.runs.Range(func(key, value any) bool {
		child := value.(*ActiveRun)
		if child.ParentKey == sessionKey {
			killed += r.cascadeStop(key.(string), seen)
		}
		return true
	})
	return killed
}

// StopAll cancels every active run. Returns the count cancelled.
func (r *RunRegistry) StopAll() int {
	killed := 0
	r.runs.Range(func(key, value any) bool {
		run := value.(*ActiveRun)
		run.Cancel()
		r.runs.Delete(key)
		killed++
		return true
	})
	return killed
}

// ActiveCount returns the number of currently active runs.
func (r *RunRegistry) ActiveCount() int {
	count := 0
	r.runs.Range(func(_, _ any) bool { count++; return true })
	return count
}

// Children returns session keys of direct children of parentKey.
func (r *RunRegistry) Children(parentKey string) []string {
	var children []string
	r.runs.Range(func(key, value any) bool {
		if value.(*ActiveRun).ParentKey == parentKey {
			children = append(children, key.(string))
		}
		return true
	})
	return children
}
