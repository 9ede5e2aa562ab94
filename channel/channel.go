// Package channel defines the outbound Channel Port every concrete
// transport implements (channel/telegram, channel/discord, channel/socket),
// and the bot-voice prefix policy shared by all of them.
package channel

import (
	"context"
	"strings"
	"sync"
)

// Port is the minimal send capability every concrete channel exposes.
// Declared here rather than assumed from scheduler.ChannelPort/
// runner.Processor so neither of those packages needs a forward
// dependency on this one.
type Port interface {
	Send(ctx context.Context, userID, channel, text string) error
}

// Processor is satisfied by *runner.Runner. Declared locally the same
// way scheduler.ChannelPort is, to avoid a forward dependency on runner.
type Processor interface {
	Process(ctx context.Context, userID, channel, text string, skipContext bool) (reply, sessionID string, err error)
}

// defaultMarker is the bot-voice prefix applied on shared-identity
// transports, where the assistant and its owner post through the same
// account and an outbound marker is the only way to tell them apart.
const defaultMarker = "[gbot] "

// PrefixPolicy implements the bot-voice prefix: outbound messages sent
// autonomously on a shared-identity transport carry Marker, and inbound
// messages that are both self-authored and already carry Marker are
// dropped to break echo loops. Channels with a distinct bot identity
// (their own account, as with Telegram and Discord bots) set
// SharedIdentity false and skip both sides of the policy.
type PrefixPolicy struct {
	Marker         string
	SharedIdentity bool
}

// NewPrefixPolicy builds a PrefixPolicy with the default marker.
func NewPrefixPolicy(sharedIdentity bool) PrefixPolicy {
	return PrefixPolicy{Marker: defaultMarker, SharedIdentity: sharedIdentity}
}

// Outbound applies the marker to text when this transport shares an
// identity with its owner; otherwise returns text unchanged.
func (p PrefixPolicy) Outbound(text string) string {
	if !p.SharedIdentity || text == "" {
		return text
	}
	return p.Marker + text
}

// DropInbound reports whether an inbound message should be discarded:
// true only when it was authored by the bot's own identity and already
// carries the marker, meaning it is an echo of the bot's own prior send.
func (p PrefixPolicy) DropInbound(isFromSelf bool, text string) bool {
	if !p.SharedIdentity || !isFromSelf {
		return false
	}
	return strings.HasPrefix(text, p.Marker)
}

// SplitMessage breaks text into chunks no longer than limit, preferring
// to split on the last newline within the limit so paragraphs stay
// intact. A limit <= 0 returns text as a single chunk.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	remaining := text
	for len(remaining) > limit {
		window := remaining[:limit]
		splitAt := strings.LastIndex(window, "\n")
		if splitAt <= 0 {
			splitAt = limit
		} else {
			splitAt++
		}
		chunks = append(chunks, remaining[:splitAt])
		remaining = remaining[splitAt:]
	}
	if len(remaining) > 0 {
		chunks = append(chunks, remaining)
	}
	return chunks
}

// AddressCache maps a user_id to the most recently seen channel address
// for one concrete channel (a Telegram chat ID, a Discord channel ID, a
// socket session key). store.Store has no userID-to-address reverse
// lookup — ChannelLink only resolves address to userID — so each
// channel adapter keeps this bridge in memory, populated as inbound
// traffic arrives. A user who hasn't contacted this instance since
// restart can't be pushed to until they do; see DESIGN.md.
type AddressCache struct {
	mu sync.RWMutex
	m  map[string]string
}

// NewAddressCache builds an empty cache.
func NewAddressCache() *AddressCache {
	return &AddressCache{m: make(map[string]string)}
}

// Put records the address a user_id was last seen at.
func (c *AddressCache) Put(userID, address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[userID] = address
}

// Get returns the last known address for userID, if any.
func (c *AddressCache) Get(userID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	addr, ok := c.m[userID]
	return addr, ok
}
