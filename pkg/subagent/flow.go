package subagent

import (
	"context"
	"fmt"
	"time"

	"github.com/sipeed/picoclaw/pkg/logger"
	"github.com/sipeed/picoclaw/pkg/providers"
)

// AnnounceSkipSentinel is the special child reply that causes the whole
// flow to publish nothing.
const AnnounceSkipSentinel = "ANNOUNCE_SKIP"

// settleCap, replyRetryCap, and replyRetryInterval bound the settle
// and reply-retry steps.
const (
	settleCap          = 120 * time.Second
	replyRetryCap      = 15 * time.Second
	replyRetryInterval = 100 * time.Millisecond
)

// ModelCostLookup resolves a model's per-million-token USD pricing,
// backed in production by pkg/config/models.go's ModelInfo fields.
type ModelCostLookup func(model string) providers.ModelCost

// FlowDeps bundles the flow's external collaborators.
type FlowDeps struct {
	Gateway     AgentGateway
	Embedded    EmbeddedRunChecker
	AnnounceQ   *AnnounceQueue
	CostLookup  ModelCostLookup
	Locale      Locale
}

// FlowResult reports what the announce flow did with one run.
type FlowResult struct {
	DidAnnounce bool
	Deferred    bool
	Reason      string
}

// RunSubagentAnnounceFlow produces at most one best-effort announcement
// for rec, honouring its AnnounceMode and CleanupPolicy.
// waitForCompletion controls whether step 2 calls agent.wait at all;
// timeout bounds steps 1-3 (each individually capped as documented).
func RunSubagentAnnounceFlow(ctx context.Context, deps FlowDeps, rec *SubagentRunRecord, announceType string, waitForCompletion bool, timeout time.Duration) FlowResult {
	// Step 1: settle.
	if deps.Embedded != nil {
		settleTimeout := timeout
		if settleTimeout <= 0 || settleTimeout > settleCap {
			settleTimeout = settleCap
		}
		deadline := time.Now().Add(settleTimeout)
		for deps.Embedded.IsEmbeddedRunActive(rec.ChildSessionKey) && time.Now().Before(deadline) {
			time.Sleep(100 * time.Millisecond)
		}
		if deps.Embedded.IsEmbeddedRunActive(rec.ChildSessionKey) {
			return FlowResult{Deferred: true, Reason: "embedded run still active after settle"}
		}
	}

	outcome := rec.Outcome
	startedAt, endedAt := rec.StartedAtMs, rec.EndedAtMs

	// Step 2: acquire outcome.
	if waitForCompletion && deps.Gateway != nil {
		waitTimeout := timeout
		if waitTimeout <= 0 {
			waitTimeout = 30 * time.Second
		}
		res, err := deps.Gateway.AgentWait(ctx, rec.RunID, waitTimeout)
		if err != nil {
			logger.ErrorCF("subagent.flow", "agent.wait failed", map[string]any{"runId": rec.RunID, "error": err.Error()})
		} else {
			outcome = &Outcome{Status: res.Status, Error: res.Error}
			if startedAt == 0 {
				startedAt = res.StartedAt
			}
			if endedAt == 0 {
				endedAt = res.EndedAt
			}
		}
	}
	if outcome == nil {
		outcome = &Outcome{Status: OutcomeUnknown}
	}

	// Step 3: acquire reply.
	reply, sessionID, usage, transcript := acquireReply(ctx, deps, rec, timeout)
	if reply == "" {
		if deps.Embedded != nil && deps.Embedded.IsEmbeddedRunActive(rec.ChildSessionKey) {
			return FlowResult{Deferred: true, Reason: "embedded run re-became active during reply wait"}
		}
	}

	if reply == AnnounceSkipSentinel {
		finalize(ctx, deps.Gateway, rec)
		return FlowResult{DidAnnounce: false, Reason: "ANNOUNCE_SKIP"}
	}

	// Step 4: statistics. Pricing comes from the model captured at spawn.
	var cost providers.ModelCost
	if deps.CostLookup != nil {
		cost = deps.CostLookup(rec.Model)
	}
	stats := RunStats{
		Usage:      usage,
		RuntimeMs:  endedAt - startedAt,
		CostUSD:    providers.EstimateCostUSD(usage, cost),
		SessionKey: rec.ChildSessionKey,
		SessionID:  sessionID,
		Transcript: transcript,
	}
	statsLine := formatStatsLine(stats)

	// Step 5: status label.
	statusLabel := statusLabelFor(*outcome)

	// Step 6: trigger message.
	findings := reply
	if findings == "" {
		findings = "(no output)"
	}
	message := buildTriggerMessage(deps.Locale, announceType, rec.Label, statusLabel, findings, statsLine)

	// Step 7: deliver.
	didAnnounce := deliver(ctx, deps, rec, message)

	// Step 8: finalise (best-effort, failures swallowed).
	finalize(ctx, deps.Gateway, rec)

	return FlowResult{DidAnnounce: didAnnounce}
}

func acquireReply(ctx context.Context, deps FlowDeps, rec *SubagentRunRecord, timeout time.Duration) (reply, sessionID string, usage providers.UsageInfo, transcript string) {
	if deps.Gateway == nil {
		return "", "", usage, ""
	}
	retryCap := timeout
	if retryCap <= 0 || retryCap > replyRetryCap {
		retryCap = replyRetryCap
	}
	deadline := time.Now().Add(retryCap)
	for {
		snap, err := deps.Gateway.SessionsSnapshot(ctx, rec.ChildSessionKey)
		if err == nil {
			if snap.LatestReply != "" {
				return snap.LatestReply, snap.SessionID, snap.Usage, snap.TranscriptPath
			}
			sessionID, transcript = snap.SessionID, snap.TranscriptPath
			usage = snap.Usage
		}
		if !time.Now().Before(deadline) {
			return "", sessionID, usage, transcript
		}
		time.Sleep(replyRetryInterval)
	}
}

func statusLabelFor(o Outcome) string {
	switch o.Status {
	case OutcomeOK:
		return "completed successfully"
	case OutcomeTimeout:
		return "timed out"
	case OutcomeError:
		errMsg := o.Error
		if errMsg == "" {
			errMsg = "unknown error"
		}
		return "failed: " + errMsg
	default:
		return "finished with unknown status"
	}
}

func formatStatsLine(s RunStats) string {
	runtime := "n/a"
	if s.RuntimeMs > 0 {
		runtime = time.Duration(s.RuntimeMs * int64(time.Millisecond)).Round(time.Second).String()
	}
	sessionKey := orNA(s.SessionKey)
	sessionID := orNA(s.SessionID)
	transcript := orNA(s.Transcript)
	cost := fmt.Sprintf("$%.4f", s.CostUSD)

	return fmt.Sprintf(
		"runtime %s • tokens %d (in %d / out %d) • est %s • sessionKey %s • sessionId %s • transcript %s",
		runtime, s.Usage.TotalTokens, s.Usage.PromptTokens, s.Usage.CompletionTokens,
		cost, sessionKey, sessionID, transcript,
	)
}

func orNA(s string) string {
	if s == "" {
		return "n/a"
	}
	return s
}

func deliver(ctx context.Context, deps FlowDeps, rec *SubagentRunRecord, message string) bool {
	if deps.AnnounceQ == nil {
		return directDeliver(ctx, deps.Gateway, rec, message)
	}
	mode := rec.AnnounceMode
	if mode == "" {
		mode = AnnounceFollowup
	}
	outcome := deps.AnnounceQ.Enqueue(ctx, mode, AnnounceItem{
		Prompt:     message,
		EnqueuedAt: time.Now(),
		SessionKey: rec.RequesterSessionKey,
		Origin:     rec.RequesterOrigin,
	})
	switch outcome {
	case EnqueueSteered, EnqueueQueued:
		return true
	default:
		return directDeliver(ctx, deps.Gateway, rec, message)
	}
}

func directDeliver(ctx context.Context, gw AgentGateway, rec *SubagentRunRecord, message string) bool {
	if gw == nil {
		return false
	}
	err := gw.Agent(ctx, AgentRequest{
		SessionKey:     rec.RequesterSessionKey,
		Message:        message,
		Deliver:        true,
		Channel:        rec.RequesterOrigin.Channel,
		AccountID:      rec.RequesterOrigin.AccountID,
		To:             rec.RequesterOrigin.To,
		ThreadID:       rec.RequesterOrigin.ThreadID,
		IdempotencyKey: fmt.Sprintf("announce:%s:%d", rec.RunID, time.Now().UnixNano()),
	})
	if err != nil {
		logger.ErrorCF("subagent.flow", "direct announce send failed", map[string]any{"runId": rec.RunID, "error": err.Error()})
		return false
	}
	return true
}

func finalize(ctx context.Context, gw AgentGateway, rec *SubagentRunRecord) {
	if gw == nil {
		return
	}
	if rec.Label != "" {
		if err := gw.SessionsPatch(ctx, rec.ChildSessionKey, rec.Label); err != nil {
			logger.WarnCF("subagent.flow", "sessions.patch failed", map[string]any{"runId": rec.RunID, "error": err.Error()})
		}
	}
	if rec.Cleanup == CleanupDelete {
		if err := gw.SessionsDelete(ctx, rec.ChildSessionKey, true); err != nil {
			logger.WarnCF("subagent.flow", "sessions.delete failed", map[string]any{"runId": rec.RunID, "error": err.Error()})
		}
	}
}
