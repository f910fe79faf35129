// Package channelregistry gives Delivery Context's Normalize a real
// channel-aware implementation instead of the pass-through default in
// pkg/subagent. Each channel named in pkg/config.ChannelsConfig gets a
// chance to normalize its own account-id shape; Slack is the first
// adapter, built on github.com/slack-go/slack.
package channelregistry

import (
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"

	"github.com/sipeed/picoclaw/pkg/logger"
)

// Registry dispatches NormalizeChannel/NormalizeAccountID to whichever
// per-channel adapter is registered for a channel name, falling back to
// a plain trim for channels with no adapter wired.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]ChannelAdapter
}

// ChannelAdapter normalizes account identifiers for one channel.
// Slack's adapter resolves a raw Slack user/channel id to the stable
// form the rest of the core keys announcements on; other channels can
// implement the same contract without the core knowing the difference.
type ChannelAdapter interface {
	NormalizeAccountID(raw string) string
}

// New builds an empty registry; channels are added via Register.
func New() *Registry {
	return &Registry{adapters: make(map[string]ChannelAdapter)}
}

// Register binds name (lowercased) to adapter.
func (r *Registry) Register(name string, adapter ChannelAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[strings.ToLower(strings.TrimSpace(name))] = adapter
}

// NormalizeChannel trims and lowercases the channel name, the core's
// canonical form for matching config and announce-queue keys.
func (r *Registry) NormalizeChannel(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// NormalizeAccountID delegates to the channel's adapter if one is
// registered, otherwise trims whitespace.
func (r *Registry) NormalizeAccountID(channel, raw string) string {
	r.mu.RLock()
	adapter, ok := r.adapters[r.NormalizeChannel(channel)]
	r.mu.RUnlock()
	if !ok {
		return strings.TrimSpace(raw)
	}
	return adapter.NormalizeAccountID(raw)
}

// SlackAdapter resolves Slack user ids (e.g. "U0123ABC") to their
// canonical form via the Slack Web API, with a short in-process cache
// so repeated announcements to the same user don't re-hit the API.
// Configured from pkg/config.SlackConfig's BotToken field.
type SlackAdapter struct {
	client *slack.Client

	mu    sync.Mutex
	cache map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	resolved string
	at       time.Time
}

// NewSlackAdapter builds an adapter against a bot token. With a zero-value
// token, normalization only trims the id: it makes no network calls and
// does not check the id's shape.
func NewSlackAdapter(botToken string) *SlackAdapter {
	a := &SlackAdapter{cache: make(map[string]cacheEntry), ttl: 10 * time.Minute}
	if botToken != "" {
		a.client = slack.New(botToken)
	}
	return a
}

// NormalizeAccountID trims raw and, when a client is configured, resolves
// it to the user's canonical Slack id via users.info, falling back to
// the trimmed raw id on any API error so delivery never hard-fails on a
// transient Slack outage.
func (a *SlackAdapter) NormalizeAccountID(raw string) string {
	id := strings.TrimSpace(raw)
	if id == "" || a.client == nil {
		return id
	}

	a.mu.Lock()
	if entry, ok := a.cache[id]; ok && time.Since(entry.at) < a.ttl {
		a.mu.Unlock()
		return entry.resolved
	}
	a.mu.Unlock()

	resolved := id
	if user, err := a.client.GetUserInfo(id); err != nil {
		logger.WarnCF("subagent.channelregistry", "slack user lookup failed, using raw id", map[string]any{"id": id, "error": err.Error()})
	} else if user.ID != "" {
		resolved = user.ID
	}

	a.mu.Lock()
	a.cache[id] = cacheEntry{resolved: resolved, at: time.Now()}
	a.mu.Unlock()
	return resolved
}
