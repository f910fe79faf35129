package subagent

import (
	"fmt"
	"strconv"
	"strings"
)

// ChannelRegistry normalizes channel names and account ids on behalf of
// Delivery Context. It is an external collaborator contract: the core
// never hardcodes channel-specific logic. See pkg/subagent/channelregistry
// for a concrete adapter.
type ChannelRegistry interface {
	NormalizeChannel(name string) string
	NormalizeAccountID(channel, raw string) string
}

// PassthroughChannelRegistry trims whitespace and does nothing else. It
// is the default used when no real channel registry is wired, and it is
// what the unit tests in this package use.
type PassthroughChannelRegistry struct{}

func (PassthroughChannelRegistry) NormalizeChannel(name string) string {
	return strings.TrimSpace(name)
}

func (PassthroughChannelRegistry) NormalizeAccountID(_ string, raw string) string {
	return strings.TrimSpace(raw)
}

// SessionOrigin is the subset of a persisted session entry Delivery
// Context reads when falling back via FromSession.
type SessionOrigin struct {
	LastChannel   string
	LastTo        string
	LastAccountID string
	LastThreadID  string

	DeliveryContext *DeliveryContext
	OriginThreadID  string
}

// Normalize trims strings, delegates channel/account-id normalization to
// registry, and coerces ThreadID. Returns nil when every field is empty
// after cleaning, the "absent" delivery context.
func Normalize(registry ChannelRegistry, ctx *DeliveryContext) *DeliveryContext {
	if ctx == nil {
		return nil
	}
	if registry == nil {
		registry = PassthroughChannelRegistry{}
	}

	out := DeliveryContext{
		Channel:   registry.NormalizeChannel(ctx.Channel),
		To:        strings.TrimSpace(ctx.To),
		ThreadID:  normalizeThreadID(ctx.ThreadID),
	}
	out.AccountID = registry.NormalizeAccountID(out.Channel, ctx.AccountID)

	if out.Channel == "" && out.To == "" && out.AccountID == "" && out.ThreadID == "" {
		return nil
	}
	return &out
}

// normalizeThreadID trims the string form; truncating a float-looking
// value to its integer part mirrors the source's "number -> truncated
// integer" coercion, expressed over strings since Go has no loose typing.
func normalizeThreadID(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return strconv.FormatInt(int64(f), 10)
	}
	return trimmed
}

// Merge returns a normalized context with each field taking from primary
// first, falling back to fallback. Either argument may be nil.
func Merge(registry ChannelRegistry, primary, fallback *DeliveryContext) *DeliveryContext {
	if primary == nil && fallback == nil {
		return nil
	}
	merged := DeliveryContext{}
	if primary != nil {
		merged.Channel = primary.Channel
		merged.To = primary.To
		merged.AccountID = primary.AccountID
		merged.ThreadID = primary.ThreadID
	}
	if fallback != nil {
		if merged.Channel == "" {
			merged.Channel = fallback.Channel
		}
		if merged.To == "" {
			merged.To = fallback.To
		}
		if merged.AccountID == "" {
			merged.AccountID = fallback.AccountID
		}
		if merged.ThreadID == "" {
			merged.ThreadID = fallback.ThreadID
		}
	}
	return Normalize(registry, &merged)
}

// FromSession derives a delivery context from a session store entry,
// preferring last-observed channel/to/accountId/threadId, then the
// session's persisted delivery context, then origin.threadId.
func FromSession(registry ChannelRegistry, entry SessionOrigin) *DeliveryContext {
	primary := &DeliveryContext{
		Channel:   entry.LastChannel,
		To:        entry.LastTo,
		AccountID: entry.LastAccountID,
		ThreadID:  entry.LastThreadID,
	}
	fallback := entry.DeliveryContext
	merged := Merge(registry, primary, fallback)
	if merged != nil {
		return merged
	}
	if entry.OriginThreadID != "" {
		return Normalize(registry, &DeliveryContext{ThreadID: entry.OriginThreadID})
	}
	return nil
}

// Key is defined only when Channel and To are present; it yields
// "<channel>|<to>|<accountId>|<threadId>" and is used as the Announce
// Queue's bucket key. Returns "", false when undefined.
func Key(ctx *DeliveryContext) (string, bool) {
	if ctx == nil || ctx.Channel == "" || ctx.To == "" {
		return "", false
	}
	return fmt.Sprintf("%s|%s|%s|%s", ctx.Channel, ctx.To, ctx.AccountID, ctx.ThreadID), true
}
