package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/sipeed/picoclaw/pkg/config"
	"github.com/sipeed/picoclaw/pkg/logger"
	"github.com/sipeed/picoclaw/pkg/providers"
	"github.com/sipeed/picoclaw/pkg/session"
	"github.com/sipeed/picoclaw/pkg/subagent"
)

// embeddedRun tracks one in-flight Anthropic call, keyed by runID. It is
// the "embedded run" the flow's settle step and steer path both read.
type embeddedRun struct {
	sessionKey string
	active     bool
	done       chan struct{}
	result     subagent.AgentWaitResult
}

// AnthropicGateway is the reference AgentGateway: it drives a single
// embedded run per session through the Anthropic Messages API,
// recording usage the announce flow's statistics step reads back via
// SessionsSnapshot. It intentionally runs one request-response turn per
// Agent/SessionsSpawn call rather than a full tool loop; multi-provider
// abstraction and tool-call translation are out of scope for this
// minimal adapter.
type AnthropicGateway struct {
	client   anthropic.Client
	sessions *session.SessionManager
	cfg      *config.Config

	bus *lifecycleBus

	// onSessionIdle fires whenever a session's last embedded run ends,
	// driving the announce queue's parent-run-end flush. Set once during
	// wiring, before any run starts.
	onSessionIdle func(sessionKey string)

	mu          sync.Mutex
	runs        map[string]*embeddedRun // runID -> state
	activeByKey map[string]int          // sessionKey -> count of active embedded runs
}

// NewAnthropicGateway builds a gateway bound to cfg's LLM settings. bus
// receives a LifecycleEnd event whenever an embedded run finishes, which
// races the registry's own agent.wait watcher by design (the at-most-
// once cleanup token resolves whichever observes completion first).
func NewAnthropicGateway(cfg *config.Config, sessions *session.SessionManager, bus *lifecycleBus) *AnthropicGateway {
	cfg.RLock()
	token := cfg.LLM.APIKey
	baseURL := cfg.LLM.BaseURL
	cfg.RUnlock()

	var opts []option.RequestOption
	opts = append(opts, option.WithAuthToken(token))
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	return &AnthropicGateway{
		client:      anthropic.NewClient(opts...),
		sessions:    sessions,
		cfg:         cfg,
		bus:         bus,
		runs:        make(map[string]*embeddedRun),
		activeByKey: make(map[string]int),
	}
}

// IsEmbeddedRunActive implements subagent.EmbeddedRunChecker.
func (g *AnthropicGateway) IsEmbeddedRunActive(sessionKey string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.activeByKey[sessionKey] > 0
}

func (g *AnthropicGateway) markActive(runID, sessionKey string) *embeddedRun {
	g.mu.Lock()
	defer g.mu.Unlock()
	r := &embeddedRun{sessionKey: sessionKey, active: true, done: make(chan struct{})}
	g.runs[runID] = r
	g.activeByKey[sessionKey]++
	return r
}

// beginEmbedded/endEmbedded bracket any completion turn for a session,
// run-tracked or not, so IsEmbeddedRunActive covers parent turns too and
// the idle hook fires when the session's last turn ends.
func (g *AnthropicGateway) beginEmbedded(sessionKey string) {
	g.mu.Lock()
	g.activeByKey[sessionKey]++
	g.mu.Unlock()
}

func (g *AnthropicGateway) endEmbedded(sessionKey string) {
	g.mu.Lock()
	g.activeByKey[sessionKey]--
	idle := g.activeByKey[sessionKey] <= 0
	if idle {
		delete(g.activeByKey, sessionKey)
	}
	g.mu.Unlock()
	if idle && g.onSessionIdle != nil {
		g.onSessionIdle(sessionKey)
	}
}

func (g *AnthropicGateway) markDone(runID string, result subagent.AgentWaitResult) {
	g.mu.Lock()
	r, ok := g.runs[runID]
	if ok {
		r.result = result
		r.active = false
	}
	g.mu.Unlock()
	if !ok {
		return
	}
	g.endEmbedded(r.sessionKey)
	close(r.done)
	if g.bus != nil {
		kind := subagent.LifecycleEnd
		if result.Status == subagent.OutcomeError {
			kind = subagent.LifecycleError
		}
		g.bus.Publish(subagent.LifecycleEvent{RunID: runID, Kind: kind, EndedAtMs: result.EndedAt, Error: result.Error})
	}
}

// Agent sends req.Message into req.SessionKey's history and, when
// Deliver is set, runs one completion turn against it synchronously;
// this is how the announce flow's direct delivery and the steer path
// both post text back into a live conversation.
func (g *AnthropicGateway) Agent(ctx context.Context, req subagent.AgentRequest) error {
	g.sessions.AddMessage(req.SessionKey, "user", req.Message)
	if !req.Deliver {
		return nil
	}
	g.beginEmbedded(req.SessionKey)
	reply, _, err := g.complete(ctx, req.SessionKey)
	g.endEmbedded(req.SessionKey)
	if err != nil {
		return fmt.Errorf("anthropic agent turn for %s: %w", req.SessionKey, err)
	}
	g.sessions.AddFullMessage(req.SessionKey, providers.Message{Role: "assistant", Content: reply})
	return g.sessions.Save(req.SessionKey)
}

// AgentWait blocks until runID's embedded run finishes or timeout elapses.
func (g *AnthropicGateway) AgentWait(ctx context.Context, runID string, timeout time.Duration) (subagent.AgentWaitResult, error) {
	g.mu.Lock()
	r, ok := g.runs[runID]
	g.mu.Unlock()
	if !ok {
		return subagent.AgentWaitResult{Status: subagent.OutcomeUnknown}, nil
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case <-r.done:
		return r.result, nil
	case <-time.After(timeout):
		return subagent.AgentWaitResult{Status: subagent.OutcomeTimeout}, nil
	case <-ctx.Done():
		return subagent.AgentWaitResult{Status: subagent.OutcomeUnknown}, ctx.Err()
	}
}

func (g *AnthropicGateway) SessionsPatch(ctx context.Context, key, label string) error {
	g.sessions.SetLabel(key, label)
	return g.sessions.Save(key)
}

func (g *AnthropicGateway) SessionsDelete(ctx context.Context, key string, deleteTranscript bool) error {
	if deleteTranscript {
		if err := g.sessions.SoftDeleteTranscript(key); err != nil {
			logger.WarnCF("subagentd.gateway", "transcript soft-delete failed", map[string]any{"key": key, "error": err.Error()})
		}
	}
	return g.sessions.DeleteSession(key)
}

func (g *AnthropicGateway) SessionsSnapshot(ctx context.Context, key string) (subagent.SessionSnapshot, error) {
	history := g.sessions.GetHistory(key)
	snap := subagent.SessionSnapshot{SessionID: key, TranscriptPath: g.sessions.TranscriptPath(key)}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == "assistant" {
			snap.LatestReply = history[i].Content
			break
		}
	}
	snap.Usage = sessionUsage(history)
	return snap, nil
}

// SessionsSpawn creates the child session under the caller-chosen
// ChildSessionKey and kicks off its first (and, for this minimal
// adapter, only) completion turn in the background.
func (g *AnthropicGateway) SessionsSpawn(ctx context.Context, req subagent.SpawnRequest) (subagent.SpawnResult, error) {
	if req.ChildSessionKey == "" {
		return subagent.SpawnResult{}, fmt.Errorf("sessions.spawn: missing child session key")
	}
	g.sessions.GetOrCreate(req.ChildSessionKey)
	if req.Label != "" {
		g.sessions.SetLabel(req.ChildSessionKey, req.Label)
	}
	g.sessions.AddMessage(req.ChildSessionKey, "system", "You are a background subagent. Complete the task below and reply with your findings.")
	g.sessions.AddMessage(req.ChildSessionKey, "user", req.Task)

	g.markActive(req.RunID, req.ChildSessionKey)
	startedAt := time.Now().UnixMilli()

	go func() {
		runCtx := context.Background()
		if req.RunTimeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(runCtx, req.RunTimeout)
			defer cancel()
		}
		reply, _, err := g.complete(runCtx, req.ChildSessionKey)
		endedAt := time.Now().UnixMilli()
		if err != nil {
			logger.ErrorCF("subagentd.gateway", "embedded run failed", map[string]any{"runId": req.RunID, "error": err.Error()})
			g.markDone(req.RunID, subagent.AgentWaitResult{Status: subagent.OutcomeError, StartedAt: startedAt, EndedAt: endedAt, Error: err.Error()})
			return
		}
		g.sessions.AddFullMessage(req.ChildSessionKey, providers.Message{Role: "assistant", Content: reply})
		if err := g.sessions.Save(req.ChildSessionKey); err != nil {
			logger.WarnCF("subagentd.gateway", "failed to persist child session", map[string]any{"runId": req.RunID, "error": err.Error()})
		}
		g.markDone(req.RunID, subagent.AgentWaitResult{Status: subagent.OutcomeOK, StartedAt: startedAt, EndedAt: endedAt})
	}()

	return subagent.SpawnResult{Status: "accepted", RunID: req.RunID, ChildSessionKey: req.ChildSessionKey}, nil
}

// complete runs one non-streaming Messages.New call against key's full
// history and returns the assistant's text plus token usage.
func (g *AnthropicGateway) complete(ctx context.Context, key string) (string, providers.UsageInfo, error) {
	history := g.sessions.GetHistory(key)

	g.cfg.RLock()
	model := g.cfg.Agents.Defaults.Subagents.Model
	if model == "" {
		model = g.cfg.LLM.Model
	}
	maxTokens := int64(g.cfg.Agents.Defaults.MaxTokens)
	temperature := g.cfg.Agents.Defaults.Temperature
	g.cfg.RUnlock()
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	var system []anthropic.TextBlockParam
	var messages []anthropic.MessageParam
	for _, m := range history {
		switch m.Role {
		case "system":
			system = append(system, anthropic.TextBlockParam{Text: m.Content})
		case "user":
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: maxTokens,
	}
	if len(system) > 0 {
		params.System = system
	}
	if temperature > 0 {
		params.Temperature = anthropic.Float(temperature)
	}

	resp, err := g.client.Messages.New(ctx, params)
	if err != nil {
		return "", providers.UsageInfo{}, fmt.Errorf("claude API call: %w", err)
	}

	var content string
	for _, block := range resp.Content {
		if block.Type == "text" {
			content += block.AsText().Text
		}
	}
	usage := providers.UsageInfo{
		PromptTokens:     int(resp.Usage.InputTokens),
		CompletionTokens: int(resp.Usage.OutputTokens),
		TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
	}
	return content, usage, nil
}

// sessionUsage reports token usage for a session's history. This minimal
// adapter doesn't keep per-message usage, so it always returns the zero
// value and the statistics line shows 0 tokens and an est $0.0000.
func sessionUsage(history []providers.Message) providers.UsageInfo {
	return providers.UsageInfo{}
}

// modelCostLookup adapts pkg/config/models.go's catalog to
// subagent.ModelCostLookup.
func modelCostLookup(model string) providers.ModelCost {
	info, ok := config.FindModelInfo(model)
	if !ok {
		return providers.ModelCost{}
	}
	return providers.ModelCost{InputPerMillion: info.InputCost, OutputPerMillion: info.OutputCost}
}
