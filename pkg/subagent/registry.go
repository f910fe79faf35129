package subagent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sipeed/picoclaw/pkg/logger"
	"github.com/sipeed/picoclaw/pkg/utils"
)

const registrySchemaVersion = 2

// LifecycleEventKind is the kind of lifecycle event the in-process agent
// event bus emits for a run.
type LifecycleEventKind string

const (
	LifecycleStart LifecycleEventKind = "start"
	LifecycleEnd   LifecycleEventKind = "end"
	LifecycleError LifecycleEventKind = "error"
)

// LifecycleEvent is one event on the in-process agent-event bus.
type LifecycleEvent struct {
	RunID     string
	Kind      LifecycleEventKind
	EndedAtMs int64
	Error     string
}

// LifecycleBus is the in-process event source the registry listens on.
type LifecycleBus interface {
	Subscribe(handler func(LifecycleEvent)) (unsubscribe func())
}

// RegisterParams is what the spawn path passes to Register.
type RegisterParams struct {
	RunID               string
	ChildSessionKey     string
	RequesterSessionKey string
	RequesterOrigin     DeliveryContext
	RequesterDisplayKey string
	Task                string
	Label               string
	Cleanup             CleanupPolicy
	Model               string
	AnnounceMode        AnnounceMode
	ArchiveAfter        time.Duration // 0 = never archive
	WaitTimeout         time.Duration // agent.wait timeout used by the RPC watcher
	AgentID             string
}

// SubagentRegistry is the authoritative, persisted map of active child
// runs: lifecycle event listener, agent.wait watcher, archive sweeper,
// and crash-recovery restorer.
type SubagentRegistry struct {
	mu      sync.RWMutex
	records map[string]*SubagentRunRecord

	statePath string
	gateway   AgentGateway
	bus       LifecycleBus
	flowDeps  FlowDeps

	runs         *RunRegistry
	announceType string

	subscribeOnce sync.Once
	unsubscribe   func()

	sweeperMu      sync.Mutex
	sweeperRunning bool
	sweeperStop    chan struct{}

	resumedMu sync.Mutex
	resumed   map[string]bool

	initOnce sync.Once
}

// NewSubagentRegistry constructs a registry persisting to
// <stateDir>/subagents/runs.json.
func NewSubagentRegistry(stateDir string, gateway AgentGateway, bus LifecycleBus, flowDeps FlowDeps, announceType string) *SubagentRegistry {
	return &SubagentRegistry{
		records:      make(map[string]*SubagentRunRecord),
		statePath:    filepath.Join(stateDir, "subagents", "runs.json"),
		gateway:      gateway,
		bus:          bus,
		flowDeps:     flowDeps,
		runs:         NewRunRegistry(),
		announceType: announceType,
		resumed:      make(map[string]bool),
	}
}

// NewRunID generates an opaque unique run id.
func NewRunID() string {
	return "run_" + uuid.NewString()
}

// Register persists a new record, subscribes the lifecycle listener on
// first call, starts the sweeper if archival is enabled, and starts an
// agent.wait watcher.
func (r *SubagentRegistry) Register(params RegisterParams) {
	rec := &SubagentRunRecord{
		RunID:               params.RunID,
		ChildSessionKey:     params.ChildSessionKey,
		RequesterSessionKey: params.RequesterSessionKey,
		RequesterOrigin:     params.RequesterOrigin,
		RequesterDisplayKey: params.RequesterDisplayKey,
		Task:                params.Task,
		Label:               params.Label,
		Model:               params.Model,
		Cleanup:             params.Cleanup,
		CreatedAtMs:         nowMs(),
		AnnounceMode:        params.AnnounceMode,
	}
	if params.ArchiveAfter > 0 {
		rec.ArchiveAtMs = nowMs() + params.ArchiveAfter.Milliseconds()
	}

	r.mu.Lock()
	r.records[rec.RunID] = rec
	r.mu.Unlock()

	r.runs.Register(&ActiveRun{
		SessionKey: rec.ChildSessionKey,
		AgentID:    params.AgentID,
		ParentKey:  rec.RequesterSessionKey,
		Cancel:     func() {}, // caller overwrites via RunRegistry.Register if it owns cancellation
		StartedAt:  time.Now(),
	})

	r.persist()
	r.ensureLifecycleSubscription()
	r.ensureSweeper(params.ArchiveAfter)

	waitTimeout := params.WaitTimeout
	if waitTimeout <= 0 {
		waitTimeout = 30 * time.Second
	}
	go r.watchAgentWait(rec.RunID, waitTimeout)
}

// Release removes runID from the in-memory and persisted maps.
func (r *SubagentRegistry) Release(runID string) {
	r.mu.Lock()
	delete(r.records, runID)
	r.mu.Unlock()
	r.persist()
}

// ListForRequester returns a filtered, cloned view of every record
// belonging to requesterSessionKey.
func (r *SubagentRegistry) ListForRequester(requesterSessionKey string) []*SubagentRunRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*SubagentRunRecord
	for _, rec := range r.records {
		if rec.RequesterSessionKey == requesterSessionKey {
			out = append(out, rec.clone())
		}
	}
	return out
}

// Get returns a cloned snapshot of one record, or nil.
func (r *SubagentRegistry) Get(runID string) *SubagentRunRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[runID]
	if !ok {
		return nil
	}
	return rec.clone()
}

// beginSubagentCleanup atomically flips cleanupHandled false->true,
// returning true exactly once per attempt window (I2).
func (r *SubagentRegistry) beginSubagentCleanup(runID string) (*SubagentRunRecord, bool) {
	r.mu.RLock()
	rec, ok := r.records[runID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if rec.CleanupCompletedAt != 0 {
		return rec, false // I1: already finalised, never reopen.
	}
	return rec, rec.cleanupHandled.CompareAndSwap(false, true)
}

// finalizeSubagentCleanup applies the three-way cleanup outcome.
func (r *SubagentRegistry) finalizeSubagentCleanup(rec *SubagentRunRecord, didAnnounce bool) {
	switch {
	case rec.Cleanup == CleanupDelete:
		r.mu.Lock()
		delete(r.records, rec.RunID)
		r.mu.Unlock()
	case !didAnnounce:
		rec.cleanupHandled.Store(false) // I3: allow a later trigger to retry.
	default:
		rec.CleanupCompletedAt = nowMs()
	}
	r.persist()
}

// triggerAnnounce wins the cleanup token (if available) and runs the
// announce flow, then finalises. Used by both the lifecycle listener and
// the RPC watcher so the race is resolved the same way in both paths.
func (r *SubagentRegistry) triggerAnnounce(runID string, waitForCompletion bool, timeout time.Duration) {
	rec, won := r.beginSubagentCleanup(runID)
	if rec == nil || !won {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			logger.ErrorCF("subagent.registry", "announce flow panicked", map[string]any{"panic": fmt.Sprint(rec)})
		}
	}()

	result := RunSubagentAnnounceFlow(context.Background(), r.flowDeps, rec, r.announceType, waitForCompletion, timeout)
	if result.Deferred {
		rec.cleanupHandled.Store(false)
		return
	}
	r.finalizeSubagentCleanup(rec, result.DidAnnounce)
}

func (r *SubagentRegistry) ensureLifecycleSubscription() {
	r.subscribeOnce.Do(func() {
		if r.bus == nil {
			return
		}
		r.unsubscribe = r.bus.Subscribe(r.handleLifecycleEvent)
	})
}

func (r *SubagentRegistry) handleLifecycleEvent(ev LifecycleEvent) {
	r.mu.RLock()
	rec, ok := r.records[ev.RunID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	switch ev.Kind {
	case LifecycleStart:
		rec.StartedAtMs = nowMs()
		r.persist()
	case LifecycleEnd:
		endedAt := ev.EndedAtMs
		if endedAt == 0 {
			endedAt = nowMs()
		}
		rec.EndedAtMs = endedAt
		rec.Outcome = &Outcome{Status: OutcomeOK}
		r.persist()
		go r.triggerAnnounce(ev.RunID, false, 0)
	case LifecycleError:
		endedAt := ev.EndedAtMs
		if endedAt == 0 {
			endedAt = nowMs()
		}
		rec.EndedAtMs = endedAt
		rec.Outcome = &Outcome{Status: OutcomeError, Error: ev.Error}
		r.persist()
		go r.triggerAnnounce(ev.RunID, false, 0)
	}
}

// watchAgentWait is the RPC watcher: it calls agent.wait and mirrors the
// lifecycle end/error handling on a non-pending resolution.
func (r *SubagentRegistry) watchAgentWait(runID string, timeout time.Duration) {
	if r.gateway == nil {
		return
	}
	res, err := r.gateway.AgentWait(context.Background(), runID, timeout)
	if err != nil {
		logger.ErrorCF("subagent.registry", "agent.wait failed", map[string]any{"runId": runID, "error": err.Error()})
		return
	}
	if res.Status != OutcomeOK && res.Status != OutcomeError {
		return // timeout or unknown: leave the record for a later trigger.
	}

	r.mu.RLock()
	rec, ok := r.records[runID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	if rec.EndedAtMs == 0 {
		rec.EndedAtMs = res.EndedAt
		if rec.EndedAtMs == 0 {
			rec.EndedAtMs = nowMs()
		}
	}
	if rec.StartedAtMs == 0 {
		rec.StartedAtMs = res.StartedAt
	}
	rec.Outcome = &Outcome{Status: res.Status, Error: res.Error}
	r.persist()

	r.triggerAnnounce(runID, false, timeout)
}

// ensureSweeper starts the archive sweeper if archival is configured and
// it is not already running.
func (r *SubagentRegistry) ensureSweeper(archiveAfter time.Duration) {
	if archiveAfter <= 0 {
		return
	}
	r.sweeperMu.Lock()
	defer r.sweeperMu.Unlock()
	if r.sweeperRunning {
		return
	}
	r.sweeperRunning = true
	r.sweeperStop = make(chan struct{})
	go r.sweepLoop(r.sweeperStop)
}

func (r *SubagentRegistry) sweepLoop(stop chan struct{}) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if r.sweepOnce() {
				r.sweeperMu.Lock()
				r.sweeperRunning = false
				r.sweeperMu.Unlock()
				return
			}
		}
	}
}

// sweepOnce archives every record past its ArchiveAtMs and reports
// whether the sweeper should stop (no records left at all).
func (r *SubagentRegistry) sweepOnce() (empty bool) {
	now := nowMs()
	r.mu.Lock()
	var toArchive []*SubagentRunRecord
	for id, rec := range r.records {
		if rec.ArchiveAtMs > 0 && rec.ArchiveAtMs <= now {
			toArchive = append(toArchive, rec)
			delete(r.records, id)
		}
	}
	empty = len(r.records) == 0
	r.mu.Unlock()

	for _, rec := range toArchive {
		if r.gateway != nil {
			if err := r.gateway.SessionsDelete(context.Background(), rec.ChildSessionKey, true); err != nil {
				logger.WarnCF("subagent.registry", "sweeper delete failed", map[string]any{"runId": rec.RunID, "error": err.Error()})
			}
		}
	}
	if len(toArchive) > 0 {
		r.persist()
	}
	return empty
}

// Init restores the persisted map once, resuming in-flight and pending
// runs. Records already present in memory (e.g. from this process
// having already Register()'d them) win over restored copies.
func (r *SubagentRegistry) Init() {
	r.initOnce.Do(func() {
		restored, err := r.load()
		if err != nil {
			logger.WarnCF("subagent.registry", "failed to load persisted registry", map[string]any{"error": err.Error()})
			return
		}
		r.mu.Lock()
		for id, rec := range restored {
			if _, exists := r.records[id]; !exists {
				r.records[id] = rec
			}
		}
		snapshot := make([]*SubagentRunRecord, 0, len(r.records))
		for _, rec := range r.records {
			snapshot = append(snapshot, rec)
		}
		r.mu.Unlock()

		if len(restored) > 0 {
			r.persist() // rewrite on-disk schema at the current version.
		}
		for _, rec := range snapshot {
			r.resumeOne(rec)
		}
	})
}

func (r *SubagentRegistry) resumeOne(rec *SubagentRunRecord) {
	r.resumedMu.Lock()
	if r.resumed[rec.RunID] {
		r.resumedMu.Unlock()
		return
	}
	r.resumed[rec.RunID] = true
	r.resumedMu.Unlock()

	if rec.CleanupCompletedAt != 0 {
		return
	}
	if rec.EndedAtMs > 0 {
		if _, won := r.beginSubagentCleanup(rec.RunID); won {
			go r.triggerAnnounceRecord(rec, false, 30*time.Second)
		}
		return
	}
	go r.watchAgentWait(rec.RunID, 30*time.Second)
}

func (r *SubagentRegistry) triggerAnnounceRecord(rec *SubagentRunRecord, waitForCompletion bool, timeout time.Duration) {
	result := RunSubagentAnnounceFlow(context.Background(), r.flowDeps, rec, r.announceType, waitForCompletion, timeout)
	if result.Deferred {
		rec.cleanupHandled.Store(false)
		return
	}
	r.finalizeSubagentCleanup(rec, result.DidAnnounce)
}

// CascadeStopFromParent cancels the parent's own run (if tracked) and
// every descendant child run, backing the /stop slash command.
func (r *SubagentRegistry) CascadeStopFromParent(requesterSessionKey string) int {
	return r.runs.CascadeStop(requesterSessionKey)
}

// StopRun cancels a single child run's active execution, backing
// /subagents stop <id>. Returns false when the run is unknown or no
// longer active.
func (r *SubagentRegistry) StopRun(runID string) bool {
	rec := r.Get(runID)
	if rec == nil {
		return false
	}
	return r.runs.CascadeStop(rec.ChildSessionKey) > 0
}

// --- persistence ---

type persistedRecord struct {
	RunID               string        `json:"runId"`
	ChildSessionKey     string        `json:"childSessionKey"`
	RequesterSessionKey string        `json:"requesterSessionKey"`
	RequesterDisplayKey string        `json:"requesterDisplayKey"`
	Task                string        `json:"task"`
	Label               string        `json:"label,omitempty"`
	Model               string        `json:"model,omitempty"`
	Cleanup             CleanupPolicy `json:"cleanup"`
	CreatedAtMs         int64         `json:"createdAt"`
	StartedAtMs         int64         `json:"startedAt,omitempty"`
	EndedAtMs           int64         `json:"endedAt,omitempty"`
	Outcome             *Outcome      `json:"outcome,omitempty"`
	ArchiveAtMs         int64         `json:"archiveAtMs,omitempty"`
	AnnounceMode        AnnounceMode  `json:"announceMode,omitempty"`

	// v2 fields.
	RequesterOrigin    *DeliveryContext `json:"requesterOrigin,omitempty"`
	CleanupHandled     bool             `json:"cleanupHandled,omitempty"`
	CleanupCompletedAt int64            `json:"cleanupCompletedAt,omitempty"`

	// v1 fields, migrated on read.
	RequesterChannel    string `json:"requesterChannel,omitempty"`
	RequesterAccountID  string `json:"requesterAccountId,omitempty"`
	AnnounceHandled     bool   `json:"announceHandled,omitempty"`
	AnnounceCompletedAt int64  `json:"announceCompletedAt,omitempty"`
}

type persistedEnvelope struct {
	Version int                         `json:"version"`
	Runs    map[string]*persistedRecord `json:"runs"`
}

func (r *SubagentRegistry) persist() {
	r.mu.RLock()
	env := persistedEnvelope{Version: registrySchemaVersion, Runs: make(map[string]*persistedRecord, len(r.records))}
	for id, rec := range r.records {
		env.Runs[id] = toPersisted(rec)
	}
	r.mu.RUnlock()

	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		logger.ErrorCF("subagent.registry", "failed to marshal registry", map[string]any{"error": err.Error()})
		return
	}
	if err := utils.WriteFileAtomic(r.statePath, data, 0o600, 0o700); err != nil {
		logger.ErrorCF("subagent.registry", "failed to persist registry", map[string]any{"error": err.Error()})
	}
}

func toPersisted(rec *SubagentRunRecord) *persistedRecord {
	origin := rec.RequesterOrigin
	return &persistedRecord{
		RunID:               rec.RunID,
		ChildSessionKey:     rec.ChildSessionKey,
		RequesterSessionKey: rec.RequesterSessionKey,
		RequesterDisplayKey: rec.RequesterDisplayKey,
		Task:                rec.Task,
		Label:               rec.Label,
		Model:               rec.Model,
		Cleanup:             rec.Cleanup,
		CreatedAtMs:         rec.CreatedAtMs,
		StartedAtMs:         rec.StartedAtMs,
		EndedAtMs:           rec.EndedAtMs,
		Outcome:             rec.Outcome,
		ArchiveAtMs:         rec.ArchiveAtMs,
		AnnounceMode:        rec.AnnounceMode,
		RequesterOrigin:     &origin,
		CleanupHandled:      rec.cleanupHandled.Load(),
		CleanupCompletedAt:  rec.CleanupCompletedAt,
	}
}

// load reads the persisted registry, migrating v1 payloads to v2 in
// memory. Unknown versions yield an empty registry: no crash, no
// overwrite of the file on this read.
func (r *SubagentRegistry) load() (map[string]*SubagentRunRecord, error) {
	data, err := os.ReadFile(r.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*SubagentRunRecord{}, nil
		}
		return nil, err
	}

	var env persistedEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse subagent registry: %w", err)
	}

	switch env.Version {
	case 1:
		return migrateV1(env.Runs), nil
	case registrySchemaVersion:
		return fromPersisted(env.Runs), nil
	default:
		return map[string]*SubagentRunRecord{}, nil
	}
}

func migrateV1(in map[string]*persistedRecord) map[string]*SubagentRunRecord {
	out := make(map[string]*SubagentRunRecord, len(in))
	for id, p := range in {
		rec := fromPersistedOne(p)
		rec.CleanupCompletedAt = p.AnnounceCompletedAt
		rec.cleanupHandled.Store(p.AnnounceHandled || p.AnnounceCompletedAt != 0)
		rec.RequesterOrigin = DeliveryContext{Channel: p.RequesterChannel, AccountID: p.RequesterAccountID}
		out[id] = rec
	}
	return out
}

func fromPersisted(in map[string]*persistedRecord) map[string]*SubagentRunRecord {
	out := make(map[string]*SubagentRunRecord, len(in))
	for id, p := range in {
		out[id] = fromPersistedOne(p)
	}
	return out
}

func fromPersistedOne(p *persistedRecord) *SubagentRunRecord {
	rec := &SubagentRunRecord{
		RunID:               p.RunID,
		ChildSessionKey:     p.ChildSessionKey,
		RequesterSessionKey: p.RequesterSessionKey,
		RequesterDisplayKey: p.RequesterDisplayKey,
		Task:                p.Task,
		Label:               p.Label,
		Model:               p.Model,
		Cleanup:             p.Cleanup,
		CreatedAtMs:         p.CreatedAtMs,
		StartedAtMs:         p.StartedAtMs,
		EndedAtMs:           p.EndedAtMs,
		Outcome:             p.Outcome,
		ArchiveAtMs:         p.ArchiveAtMs,
		AnnounceMode:        p.AnnounceMode,
		CleanupCompletedAt:  p.CleanupCompletedAt,
	}
	if p.RequesterOrigin != nil {
		rec.RequesterOrigin = *p.RequesterOrigin
	}
	rec.cleanupHandled.Store(p.CleanupHandled)
	return rec
}
