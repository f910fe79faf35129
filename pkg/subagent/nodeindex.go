package subagent

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/sipeed/picoclaw/pkg/logger"
)

// SendFunc delivers one event+payload to a single node. payload is the
// pre-serialized JSON the index built once per call.
type SendFunc func(nodeID string, event string, payload json.RawMessage)

// ListFunc returns every currently connected node id, ignoring
// subscriptions. Used by SendToAllConnected.
type ListFunc func() []string

// NodeSubscriptionIndex maintains symmetric node<->session mappings so
// gateway events can be fanned out to whichever sessions a node cares
// about (and vice versa), always updated pair-wise so the inverse holds
// (testable property #7).
type NodeSubscriptionIndex struct {
	mu         sync.RWMutex
	nodeToSess map[string]map[string]struct{}
	sessToNode map[string]map[string]struct{}
}

// NewNodeSubscriptionIndex creates an empty index.
func NewNodeSubscriptionIndex() *NodeSubscriptionIndex {
	return &NodeSubscriptionIndex{
		nodeToSess: make(map[string]map[string]struct{}),
		sessToNode: make(map[string]map[string]struct{}),
	}
}

// Subscribe records that nodeID cares about events for sessionKey.
// Trimmed inputs; empty strings are a silent no-op.
func (idx *NodeSubscriptionIndex) Subscribe(nodeID, sessionKey string) {
	nodeID, sessionKey = strings.TrimSpace(nodeID), strings.TrimSpace(sessionKey)
	if nodeID == "" || sessionKey == "" {
		return
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.nodeToSess[nodeID] == nil {
		idx.nodeToSess[nodeID] = make(map[string]struct{})
	}
	idx.nodeToSess[nodeID][sessionKey] = struct{}{}

	if idx.sessToNode[sessionKey] == nil {
		idx.sessToNode[sessionKey] = make(map[string]struct{})
	}
	idx.sessToNode[sessionKey][nodeID] = struct{}{}
}

// Unsubscribe removes one node/session pairing. Emptied inner sets are
// removed entirely so no empty-set leakage remains.
func (idx *NodeSubscriptionIndex) Unsubscribe(nodeID, sessionKey string) {
	nodeID, sessionKey = strings.TrimSpace(nodeID), strings.TrimSpace(sessionKey)
	if nodeID == "" || sessionKey == "" {
		return
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.unsubscribeLocked(nodeID, sessionKey)
}

func (idx *NodeSubscriptionIndex) unsubscribeLocked(nodeID, sessionKey string) {
	if sessions, ok := idx.nodeToSess[nodeID]; ok {
		delete(sessions, sessionKey)
		if len(sessions) == 0 {
			delete(idx.nodeToSess, nodeID)
		}
	}
	if nodes, ok := idx.sessToNode[sessionKey]; ok {
		delete(nodes, nodeID)
		if len(nodes) == 0 {
			delete(idx.sessToNode, sessionKey)
		}
	}
}

// UnsubscribeAll removes nodeID from every session it was subscribed
// to, pruning the inverse entries and any now-empty session buckets.
func (idx *NodeSubscriptionIndex) UnsubscribeAll(nodeID string) {
	nodeID = strings.TrimSpace(nodeID)
	if nodeID == "" {
		return
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()

	sessions := idx.nodeToSess[nodeID]
	for sessionKey := range sessions {
		idx.unsubscribeLocked(nodeID, sessionKey)
	}
}

// SendToSession fans event/payload out to every node subscribed to
// sessionKey. Missing sendFn is a silent no-op.
func (idx *NodeSubscriptionIndex) SendToSession(sessionKey, event string, payload any, sendFn SendFunc) {
	if sendFn == nil {
		return
	}
	idx.mu.RLock()
	nodes := make([]string, 0, len(idx.sessToNode[sessionKey]))
	for n := range idx.sessToNode[sessionKey] {
		nodes = append(nodes, n)
	}
	idx.mu.RUnlock()
	if len(nodes) == 0 {
		return
	}
	raw := marshalOnce(payload)
	for _, n := range nodes {
		sendFn(n, event, raw)
	}
}

// SendToAllSubscribed fans event/payload to every node with at least
// one subscription, regardless of which session.
func (idx *NodeSubscriptionIndex) SendToAllSubscribed(event string, payload any, sendFn SendFunc) {
	if sendFn == nil {
		return
	}
	idx.mu.RLock()
	nodes := make([]string, 0, len(idx.nodeToSess))
	for n := range idx.nodeToSess {
		nodes = append(nodes, n)
	}
	idx.mu.RUnlock()

	raw := marshalOnce(payload)
	for _, n := range nodes {
		sendFn(n, event, raw)
	}
}

// SendToAllConnected ignores subscriptions entirely and fans out to
// every node listFn reports as connected. Missing listFn/sendFn is a
// silent no-op.
func (idx *NodeSubscriptionIndex) SendToAllConnected(event string, payload any, listFn ListFunc, sendFn SendFunc) {
	if listFn == nil || sendFn == nil {
		return
	}
	raw := marshalOnce(payload)
	for _, n := range listFn() {
		sendFn(n, event, raw)
	}
}

func marshalOnce(payload any) json.RawMessage {
	raw, err := json.Marshal(payload)
	if err != nil {
		logger.ErrorCF("subagent.nodeindex", "failed to marshal event payload", map[string]any{"error": err.Error()})
		return json.RawMessage("null")
	}
	return raw
}
