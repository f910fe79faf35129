package subagent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sipeed/picoclaw/pkg/logger"
	"github.com/sipeed/picoclaw/pkg/tools"
)

// SubagentLane is the global lane name the spawn tool enqueues every
// child run under, so a single config knob (maxConcurrent, default 8)
// bounds how many subagents run at once across the whole process.
const SubagentLane = "subagent"

// DefaultSubagentConcurrency is applied when the caller doesn't override it.
const DefaultSubagentConcurrency = 8

// SpawnTool implements the sessions_spawn tool. One instance is
// bound to a single requester session. This package builds no tool set
// for child sessions; the reference gateway in cmd/subagentd runs child
// turns without any tools, so a child cannot call sessions_spawn.
type SpawnTool struct {
	Registry  *SubagentRegistry
	LaneQueue *LaneQueue
	Gateway   AgentGateway

	RequesterSessionKey string
	RequesterDisplayKey string
	Origin              DeliveryContext

	DefaultModel        string
	ValidModel          func(model string) bool
	DefaultAnnounceMode AnnounceMode
	ArchiveAfter        time.Duration

	// AllowAgent gates which agentId values this requester may target,
	// backed in production by pkg/config.Config.AgentAllowed. Nil means
	// unrestricted.
	AllowAgent func(targetAgentID string) bool
}

// NewSpawnTool builds a bound spawn tool and applies the lane's
// concurrency cap (idempotent across calls for the same LaneQueue).
func NewSpawnTool(registry *SubagentRegistry, laneQueue *LaneQueue, gateway AgentGateway, requesterSessionKey, requesterDisplayKey string, origin DeliveryContext, defaultModel string, validModel func(string) bool, maxConcurrent int) *SpawnTool {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultSubagentConcurrency
	}
	laneQueue.SetConcurrency(SubagentLane, maxConcurrent)
	return &SpawnTool{
		Registry:            registry,
		LaneQueue:           laneQueue,
		Gateway:             gateway,
		RequesterSessionKey: requesterSessionKey,
		RequesterDisplayKey: requesterDisplayKey,
		Origin:              origin,
		DefaultModel:        defaultModel,
		ValidModel:          validModel,
		DefaultAnnounceMode: AnnounceFollowup,
	}
}

func (t *SpawnTool) Name() string { return "sessions_spawn" }

func (t *SpawnTool) Description() string {
	return "Spawn a child agent session to work on a task in the background. " +
		"Returns immediately with a run id; the result is announced back into " +
		"this conversation once the child finishes. A child session cannot " +
		"itself call sessions_spawn."
}

func (t *SpawnTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task":              map[string]any{"type": "string", "description": "The task for the child agent to work on."},
			"label":             map[string]any{"type": "string", "description": "A short human-readable label for this run."},
			"agentId":           map[string]any{"type": "string", "description": "Which configured agent profile to spawn."},
			"model":             map[string]any{"type": "string", "description": "Override the child's model."},
			"thinking":          map[string]any{"type": "string", "description": "Override the child's thinking effort."},
			"runTimeoutSeconds": map[string]any{"type": "number", "description": "Maximum seconds before the run is considered timed out."},
			"cleanup":           map[string]any{"type": "string", "enum": []string{"delete", "keep"}, "description": "What to do with the child session after announcing. Defaults to keep."},
		},
		"required": []string{"task"},
	}
}

func (t *SpawnTool) Execute(ctx context.Context, args map[string]any) *tools.ToolResult {
	task, _ := args["task"].(string)
	if task == "" {
		return tools.ErrorResult("task is required")
	}
	label, _ := args["label"].(string)
	agentID, _ := args["agentId"].(string)
	model, _ := args["model"].(string)
	thinking, _ := args["thinking"].(string)

	cleanup := CleanupKeep
	if c, ok := args["cleanup"].(string); ok && CleanupPolicy(c) == CleanupDelete {
		cleanup = CleanupDelete
	}

	var runTimeout time.Duration
	if secs, ok := args["runTimeoutSeconds"].(float64); ok && secs > 0 {
		runTimeout = time.Duration(secs * float64(time.Second))
	}

	warning := ""
	if model == "" {
		model = t.DefaultModel
	} else if t.ValidModel != nil && !t.ValidModel(model) {
		warning = fmt.Sprintf("model %q is not recognised; falling back to %s", model, t.DefaultModel)
		model = t.DefaultModel
	}

	if t.Gateway == nil {
		return tools.ErrorResult("no agent gateway configured")
	}
	if agentID != "" && t.AllowAgent != nil && !t.AllowAgent(agentID) {
		return tools.ErrorResult(fmt.Sprintf("this session is not permitted to spawn agent %q", agentID))
	}

	agentName := agentID
	if agentName == "" {
		agentName = "default"
	}
	runID := NewRunID()
	childSessionKey := fmt.Sprintf("agent:%s:subagent:%s", agentName, uuid.NewString())

	req := SpawnRequest{
		RunID:               runID,
		RequesterSessionKey: t.RequesterSessionKey,
		ChildSessionKey:     childSessionKey,
		Task:                task,
		Label:               label,
		AgentID:             agentID,
		Model:               model,
		Thinking:            thinking,
		RunTimeout:          runTimeout,
		Cleanup:             cleanup,
		Origin:              t.Origin,
		RequesterDisplayKey: t.RequesterDisplayKey,
	}

	t.Registry.Register(RegisterParams{
		RunID:               runID,
		ChildSessionKey:     childSessionKey,
		RequesterSessionKey: t.RequesterSessionKey,
		RequesterOrigin:     t.Origin,
		RequesterDisplayKey: t.RequesterDisplayKey,
		Task:                task,
		Label:               label,
		Cleanup:             cleanup,
		Model:               model,
		AnnounceMode:        t.DefaultAnnounceMode,
		ArchiveAfter:        t.ArchiveAfter,
		WaitTimeout:         runTimeout,
		AgentID:             agentID,
	})

	go t.runInLane(req, runID)

	payload := map[string]any{
		"status":          "accepted",
		"runId":           runID,
		"childSessionKey": childSessionKey,
	}
	if warning != "" {
		payload["warning"] = warning
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return tools.ErrorResult("failed to encode spawn response")
	}
	return tools.NewToolResult(string(data))
}

// runInLane actually starts the child session, gated by the subagent
// lane's concurrency cap. sessions_spawn itself never blocks the caller:
// this runs detached, and the registry/announce flow pick up the result.
func (t *SpawnTool) runInLane(req SpawnRequest, runID string) {
	_, err := t.LaneQueue.Enqueue(context.Background(), SubagentLane, EnqueueOptions{}, func(ctx context.Context) (any, error) {
		return t.Gateway.SessionsSpawn(ctx, req)
	})
	if err != nil {
		logger.ErrorCF("subagent.tool", "spawn failed", map[string]any{"runId": runID, "error": err.Error()})
		t.Registry.mu.Lock()
		if rec, ok := t.Registry.records[runID]; ok {
			rec.EndedAtMs = nowMs()
			rec.Outcome = &Outcome{Status: OutcomeError, Error: err.Error()}
		}
		t.Registry.mu.Unlock()
		t.Registry.persist()
		go t.Registry.triggerAnnounce(runID, false, 0)
	}
}
