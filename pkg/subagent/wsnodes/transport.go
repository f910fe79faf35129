// Package wsnodes is the reference websocket transport for
// pkg/subagent's Node Subscription Index: a node is one accepted
// connection, identified by its remote address, that may subscribe to
// any number of session keys and receives fan-out events as small JSON
// envelopes. The inbound side is a minimal subscribe/unsubscribe
// control protocol; everything else flows outbound.
package wsnodes

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sipeed/picoclaw/pkg/config"
	"github.com/sipeed/picoclaw/pkg/logger"
	"github.com/sipeed/picoclaw/pkg/subagent"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Envelope is the wire format for every message exchanged with a node.
// Type "subscribe"/"unsubscribe" carry SessionKey inbound; every other
// type is an outbound fan-out event carrying Payload.
type Envelope struct {
	Type       string          `json:"type"`
	SessionKey string          `json:"sessionKey,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

type nodeConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *nodeConn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *nodeConn) writeControl(messageType int, data []byte, deadline time.Time) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(messageType, data, deadline)
}

// Transport accepts node connections and exposes the SendFunc/ListFunc
// pair the Node Subscription Index fans events out through.
type Transport struct {
	cfg      config.WebSocketConfig
	upgrader websocket.Upgrader
	index    *subagent.NodeSubscriptionIndex

	mu    sync.RWMutex
	nodes map[string]*nodeConn

	server *http.Server
	ctx    context.Context
	cancel context.CancelFunc
}

// NewTransport wires a transport against an existing subscription index
// (the index outlives any one Transport instance: it is the thing
// pkg/subagent's announce flow and RPC layer call into).
func NewTransport(cfg config.WebSocketConfig, index *subagent.NodeSubscriptionIndex) *Transport {
	return &Transport{
		cfg:   cfg,
		index: index,
		nodes: make(map[string]*nodeConn),
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Start begins listening for node connections at cfg.Host:cfg.Port + cfg.Path.
func (t *Transport) Start(ctx context.Context) error {
	t.ctx, t.cancel = context.WithCancel(ctx)

	mux := http.NewServeMux()
	path := t.cfg.Path
	if path == "" {
		path = "/ws"
	}
	mux.HandleFunc(path, t.handleUpgrade)

	addr := fmt.Sprintf("%s:%d", t.cfg.Host, t.cfg.Port)
	t.server = &http.Server{Addr: addr, Handler: mux, ReadTimeout: 15 * time.Second, WriteTimeout: 15 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		if err := t.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("start node transport: %w", err)
	case <-time.After(100 * time.Millisecond):
		logger.InfoCF("subagent.wsnodes", "node transport listening", map[string]any{"address": addr})
		return nil
	}
}

// Stop closes every node connection and shuts down the HTTP server.
func (t *Transport) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}
	t.mu.Lock()
	for id, nc := range t.nodes {
		nc.conn.Close()
		delete(t.nodes, id)
	}
	t.mu.Unlock()

	if t.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return t.server.Shutdown(shutdownCtx)
}

// Send implements subagent.SendFunc.
func (t *Transport) Send(nodeID, event string, payload json.RawMessage) {
	t.mu.RLock()
	nc, ok := t.nodes[nodeID]
	t.mu.RUnlock()
	if !ok {
		return
	}
	env := Envelope{Type: event, Payload: payload}
	if err := nc.writeJSON(env); err != nil {
		logger.WarnCF("subagent.wsnodes", "failed to deliver event, dropping node", map[string]any{"node": nodeID, "error": err.Error()})
		t.removeNode(nodeID)
	}
}

// List implements subagent.ListFunc.
func (t *Transport) List() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.nodes))
	for id := range t.nodes {
		out = append(out, id)
	}
	return out
}

func (t *Transport) removeNode(nodeID string) {
	t.mu.Lock()
	nc, ok := t.nodes[nodeID]
	delete(t.nodes, nodeID)
	t.mu.Unlock()
	if ok {
		nc.conn.Close()
	}
	t.index.UnsubscribeAll(nodeID)
}

// isAllowed checks the remote host against cfg.AllowFrom; an empty list
// admits everyone.
func (t *Transport) isAllowed(remoteAddr string) bool {
	if len(t.cfg.AllowFrom) == 0 {
		return true
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	for _, allowed := range t.cfg.AllowFrom {
		if strings.TrimSpace(allowed) == host {
			return true
		}
	}
	return false
}

// validToken checks the configured api key, accepted either as a bearer
// Authorization header or an api_key query parameter. An empty
// configured key disables the check.
func (t *Transport) validToken(r *http.Request) bool {
	if t.cfg.APIKey == "" {
		return true
	}
	if auth := r.Header.Get("Authorization"); strings.TrimPrefix(auth, "Bearer ") == t.cfg.APIKey {
		return true
	}
	return r.URL.Query().Get("api_key") == t.cfg.APIKey
}

func (t *Transport) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !t.isAllowed(r.RemoteAddr) {
		logger.WarnCF("subagent.wsnodes", "rejected connection from disallowed address", map[string]any{"remote": r.RemoteAddr})
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if !t.validToken(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.ErrorCF("subagent.wsnodes", "upgrade failed", map[string]any{"error": err.Error()})
		return
	}
	nodeID := r.RemoteAddr
	nc := &nodeConn{conn: conn}

	t.mu.Lock()
	t.nodes[nodeID] = nc
	t.mu.Unlock()

	logger.InfoCF("subagent.wsnodes", "node connected", map[string]any{"node": nodeID})
	go t.readLoop(nodeID, nc)
}

func (t *Transport) readLoop(nodeID string, nc *nodeConn) {
	defer t.removeNode(nodeID)

	nc.conn.SetReadDeadline(time.Now().Add(pongWait))
	nc.conn.SetPongHandler(func(string) error {
		nc.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()

	messages := make(chan Envelope, 10)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var env Envelope
			if err := nc.conn.ReadJSON(&env); err != nil {
				return
			}
			select {
			case messages <- env:
			case <-t.ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-done:
			return
		case <-pingTicker.C:
			if err := nc.writeControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		case env := <-messages:
			t.handleEnvelope(nodeID, env)
		}
	}
}

func (t *Transport) handleEnvelope(nodeID string, env Envelope) {
	switch env.Type {
	case "subscribe":
		t.index.Subscribe(nodeID, env.SessionKey)
	case "unsubscribe":
		t.index.Unsubscribe(nodeID, env.SessionKey)
	default:
		logger.DebugCF("subagent.wsnodes", "ignoring unknown envelope type", map[string]any{"node": nodeID, "type": env.Type})
	}
}
