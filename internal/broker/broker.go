// Package broker tracks which live connections share a broadcast channel and
// fans mutation events out to them.
package broker

import (
	"sync"

	"github.com/rs/zerolog"
)

// Member is a live connection able to receive channel events. Send must be
// non-blocking: it reports false when the member cannot accept the frame
// (buffer full, connection closing), and the broker moves on. One slow peer
// must never stall the fan-out for the rest of the channel.
type Member interface {
	ID() int64
	SendEvent(frame []byte) bool
}

// Broker maintains the channel → membership map. Reads (broadcasts) are
// concurrent; joins and leaves take the write lock. Empty channels are
// removed on the last leave.
type Broker struct {
	mu       sync.RWMutex
	channels map[string]map[Member]struct{}
	byMember map[Member]string
	logger   zerolog.Logger
}

func New(logger zerolog.Logger) *Broker {
	return &Broker{
		channels: make(map[string]map[Member]struct{}),
		byMember: make(map[Member]string),
		logger:   logger.With().Str("component", "channel-broker").Logger(),
	}
}

// Join adds a member to a channel, creating the channel on first join. A
// member joining a second channel implicitly leaves its first; a connection
// is in at most one channel.
func (b *Broker) Join(m Member, channelID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if prev, ok := b.byMember[m]; ok {
		b.removeLocked(m, prev)
	}

	set, ok := b.channels[channelID]
	if !ok {
		set = make(map[Member]struct{})
		b.channels[channelID] = set
	}
	set[m] = struct{}{}
	b.byMember[m] = channelID

	b.logger.Debug().
		Int64("client_id", m.ID()).
		Str("channel_id", channelID).
		Int("members", len(set)).
		Msg("Member joined channel")
}

// Leave removes a member from its channel, dropping the channel when empty.
// Safe to call for members that never joined.
func (b *Broker) Leave(m Member) {
	b.mu.Lock()
	defer b.mu.Unlock()

	channelID, ok := b.byMember[m]
	if !ok {
		return
	}
	b.removeLocked(m, channelID)
}

func (b *Broker) removeLocked(m Member, channelID string) {
	delete(b.byMember, m)
	set, ok := b.channels[channelID]
	if !ok {
		return
	}
	delete(set, m)
	if len(set) == 0 {
		delete(b.channels, channelID)
	}
}

// Broadcast delivers a frame to every current member of the channel except
// the originator. Send failures are logged and do not abort the fan-out.
// Returns how many members accepted the frame.
func (b *Broker) Broadcast(channelID string, frame []byte, except Member) int {
	b.mu.RLock()
	set := b.channels[channelID]
	members := make([]Member, 0, len(set))
	for m := range set {
		if m != except {
			members = append(members, m)
		}
	}
	b.mu.RUnlock()

	sent := 0
	for _, m := range members {
		if m.SendEvent(frame) {
			sent++
			continue
		}
		b.logger.Warn().
			Int64("client_id", m.ID()).
			Str("channel_id", channelID).
			Msg("Dropped channel event: member not accepting frames")
	}
	return sent
}

// Members reports the current size of a channel.
func (b *Broker) Members(channelID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.channels[channelID])
}

// Channels reports how many channels currently have members.
func (b *Broker) Channels() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.channels)
}

// ChannelOf returns the channel a member currently belongs to.
func (b *Broker) ChannelOf(m Member) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	id, ok := b.byMember[m]
	return id, ok
}
