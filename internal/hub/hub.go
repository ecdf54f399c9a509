// Package hub implements the server's online-user registry and message
// fan-out: every logged-in connection registers here under its username, and
// broadcasts/whispers/kicks are routed through it.
package hub

import (
	"errors"
	"sync"

	"accord/internal/wire"
)

// ErrDuplicateLogin is returned by Register when username is already
// registered to a live session.
var ErrDuplicateLogin = errors.New("hub: username already online")

// Member is the hub's view of a logged-in connection: just enough surface to
// fan a packet out to it or sever it, without the hub knowing anything about
// TCP, framing, or the handshake.
type Member interface {
	// Enqueue attempts a non-blocking delivery of pkt. It returns false if
	// the member's outbound queue is full; the caller (Hub) treats that as
	// a slow client and evicts it rather than blocking the broadcast.
	Enqueue(pkt wire.Packet) bool
	// Disconnect tears the connection down with reason, used for kicks and
	// for evicting a member whose queue is full.
	Disconnect(reason string)
}

// memberPool recycles []target slices across Broadcast calls. A pool (not a
// field on Hub) avoids a data race: RLock permits concurrent Broadcast
// calls, which would otherwise append to a shared backing array.
var memberPool = sync.Pool{
	New: func() any {
		s := make([]target, 0, 8)
		return &s
	},
}

type target struct {
	username string
	member   Member
}

// Hub is the concurrent registry of logged-in connections, keyed by the
// account's exact (case-sensitive) username — accounts themselves are
// case-sensitive and globally unique, so the hub never folds case either.
type Hub struct {
	mu      sync.RWMutex
	members map[string]Member
}

// New returns an empty Hub.
func New() *Hub {
	return &Hub{members: make(map[string]Member)}
}

// Register adds member under username. If a session is already registered
// under the same username, Register rejects the new member with
// ErrDuplicateLogin and leaves the existing session untouched — a duplicate
// login is rejected, not allowed to evict the session already online.
func (h *Hub) Register(username string, member Member) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.members[username]; ok {
		return ErrDuplicateLogin
	}
	h.members[username] = member
	return nil
}

// Deregister removes username's member, but only if it is still the one
// passed in — this prevents a stale deregister (from a connection that was
// already kicked or evicted, after which a newer session registered the same
// username) from removing the newer session.
func (h *Hub) Deregister(username string, member Member) {
	h.mu.Lock()
	if h.members[username] == member {
		delete(h.members, username)
	}
	h.mu.Unlock()
}

// Lookup returns the member registered under username, if any.
func (h *Hub) Lookup(username string) (Member, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	m, ok := h.members[username]
	return m, ok
}

// Online returns the usernames currently registered.
func (h *Hub) Online() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.members))
	for k := range h.members {
		names = append(names, k)
	}
	return names
}

// Count returns the number of registered members.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members)
}

// Broadcast delivers pkt to every registered member except excludeUsername
// (pass "" to exclude no one). Targets are snapshotted under a read lock and
// released before any delivery is attempted, so one slow member can never
// block fan-out to the rest. Members whose queue is full are disconnected
// rather than allowed to stall the hub.
func (h *Hub) Broadcast(pkt wire.Packet, excludeUsername string) {
	h.mu.RLock()
	sp := memberPool.Get().(*[]target)
	targets := (*sp)[:0]
	for username, m := range h.members {
		if username == excludeUsername {
			continue
		}
		targets = append(targets, target{username: username, member: m})
	}
	h.mu.RUnlock()

	for _, t := range targets {
		if !t.member.Enqueue(pkt) {
			t.member.Disconnect("outbound queue full")
			h.Deregister(t.username, t.member)
		}
	}

	*sp = targets
	memberPool.Put(sp)
}

// Whisper delivers pkt to exactly one member. Returns false if no member is
// registered under toUsername.
func (h *Hub) Whisper(pkt wire.Packet, toUsername string) bool {
	m, ok := h.Lookup(toUsername)
	if !ok {
		return false
	}
	if !m.Enqueue(pkt) {
		m.Disconnect("outbound queue full")
		h.Deregister(toUsername, m)
		return false
	}
	return true
}

// Kick disconnects the member registered under username with the given
// reason and removes it from the registry. Returns false if no such member
// was registered.
func (h *Hub) Kick(username, reason string) bool {
	h.mu.Lock()
	m, ok := h.members[username]
	if ok {
		delete(h.members, username)
	}
	h.mu.Unlock()

	if !ok {
		return false
	}
	m.Disconnect(reason)
	return true
}
