package main

import (
	"context"
	"strings"

	"github.com/sipeed/picoclaw/pkg/commands"
	"github.com/sipeed/picoclaw/pkg/config"
	"github.com/sipeed/picoclaw/pkg/session"
	"github.com/sipeed/picoclaw/pkg/subagent"
)

// subagentOps backs the /subagents and /stop command family with the
// registry and the gateway, scoped to one requester session.
type subagentOps struct {
	registry  *subagent.SubagentRegistry
	gateway   *AnthropicGateway
	requester string
}

func (o *subagentOps) List() []commands.SubagentSummary {
	recs := o.registry.ListForRequester(o.requester)
	out := make([]commands.SubagentSummary, 0, len(recs))
	for _, rec := range recs {
		out = append(out, summarizeRun(rec))
	}
	return out
}

func (o *subagentOps) Info(runID string) (commands.SubagentSummary, bool) {
	rec := o.registry.Get(runID)
	if rec == nil {
		return commands.SubagentSummary{}, false
	}
	return summarizeRun(rec), true
}

// Log returns the child session's conversation tail, newest last,
// bounded to limit turns when limit > 0.
func (o *subagentOps) Log(runID string, limit int) (string, bool) {
	rec := o.registry.Get(runID)
	if rec == nil {
		return "", false
	}
	history := o.gateway.sessions.GetHistory(rec.ChildSessionKey)
	if len(history) == 0 {
		return "", false
	}
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	lines := make([]string, 0, len(history))
	for _, m := range history {
		lines = append(lines, m.Role+": "+m.Content)
	}
	return strings.Join(lines, "\n"), true
}

func (o *subagentOps) Send(runID, message string) bool {
	rec := o.registry.Get(runID)
	if rec == nil || rec.EndedAtMs != 0 {
		return false
	}
	return o.gateway.Agent(context.Background(), subagent.AgentRequest{
		SessionKey: rec.ChildSessionKey,
		Message:    message,
	}) == nil
}

func (o *subagentOps) StopRun(runID string) bool {
	return o.registry.StopRun(runID)
}

func (o *subagentOps) Stop() int {
	return o.registry.CascadeStopFromParent(o.requester)
}

func summarizeRun(rec *subagent.SubagentRunRecord) commands.SubagentSummary {
	status := "running"
	if rec.EndedAtMs != 0 {
		status = string(subagent.OutcomeUnknown)
		if rec.Outcome != nil {
			status = string(rec.Outcome.Status)
		}
	}
	return commands.SubagentSummary{
		RunID:       rec.RunID,
		Label:       rec.Label,
		Task:        rec.Task,
		Status:      status,
		CreatedAtMs: rec.CreatedAtMs,
		EndedAtMs:   rec.EndedAtMs,
	}
}

// commandRuntime adapts the runner to commands.Runtime for one inbound
// conversation scope.
type commandRuntime struct {
	channel  string
	scopeKey string
	sessions *session.SessionManager
	cfg      *config.Config
	ops      commands.SubagentOps
}

func (r *commandRuntime) Channel() string                   { return r.channel }
func (r *commandRuntime) ScopeKey() string                  { return r.scopeKey }
func (r *commandRuntime) SessionOps() commands.SessionOps   { return r.sessions }
func (r *commandRuntime) Config() *config.Config            { return r.cfg }
func (r *commandRuntime) SubagentOps() commands.SubagentOps { return r.ops }
