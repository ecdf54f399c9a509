package hub

import (
	"errors"
	"sync"
	"testing"

	"accord/internal/wire"
)

// mockMember implements Member for tests.
type mockMember struct {
	mu         sync.Mutex
	received   []wire.Packet
	full       bool
	disconnect string
}

func (m *mockMember) Enqueue(pkt wire.Packet) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.full {
		return false
	}
	m.received = append(m.received, pkt)
	return true
}

func (m *mockMember) Disconnect(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnect = reason
}

func (m *mockMember) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.received)
}

func TestRegisterLookupDeregister(t *testing.T) {
	h := New()
	alice := &mockMember{}

	h.Register("alice", alice)

	m, ok := h.Lookup("alice")
	if !ok || m != alice {
		t.Fatalf("expected lookup to find alice")
	}

	h.Deregister("alice", alice)
	if _, ok := h.Lookup("alice"); ok {
		t.Fatal("expected alice to be deregistered")
	}
}

func TestUsernamesAreCaseSensitive(t *testing.T) {
	h := New()
	lower := &mockMember{}
	upper := &mockMember{}

	h.Register("alice", lower)
	h.Register("Alice", upper)

	if m, ok := h.Lookup("alice"); !ok || m != lower {
		t.Error("expected \"alice\" and \"Alice\" to be distinct registrations")
	}
	if m, ok := h.Lookup("Alice"); !ok || m != upper {
		t.Error("expected \"alice\" and \"Alice\" to be distinct registrations")
	}
}

func TestRegisterRejectsDuplicateLogin(t *testing.T) {
	h := New()
	first := &mockMember{}
	second := &mockMember{}

	if err := h.Register("alice", first); err != nil {
		t.Fatalf("expected the first registration to succeed, got %v", err)
	}
	if err := h.Register("alice", second); !errors.Is(err, ErrDuplicateLogin) {
		t.Fatalf("expected ErrDuplicateLogin, got %v", err)
	}

	m, ok := h.Lookup("alice")
	if !ok || m != first {
		t.Fatal("expected the existing session to remain registered")
	}
}

func TestDeregisterThenRegisterAllowsNewSession(t *testing.T) {
	h := New()
	first := &mockMember{}
	second := &mockMember{}

	h.Register("alice", first)
	h.Deregister("alice", first)

	if err := h.Register("alice", second); err != nil {
		t.Fatalf("expected registration to succeed once the prior session is gone, got %v", err)
	}
	m, ok := h.Lookup("alice")
	if !ok || m != second {
		t.Fatal("expected the new session to be registered")
	}
}

func TestBroadcastExcludesSenderAndDeliversToOthers(t *testing.T) {
	h := New()
	alice := &mockMember{}
	bob := &mockMember{}
	carol := &mockMember{}

	h.Register("alice", alice)
	h.Register("bob", bob)
	h.Register("carol", carol)

	h.Broadcast(&wire.Message{Sender: "alice", Body: "hi"}, "alice")

	if alice.count() != 0 {
		t.Error("sender should not receive its own broadcast")
	}
	if bob.count() != 1 || carol.count() != 1 {
		t.Error("expected both other members to receive the broadcast")
	}
}

func TestBroadcastEvictsFullMember(t *testing.T) {
	h := New()
	slow := &mockMember{full: true}
	fast := &mockMember{}

	h.Register("slow", slow)
	h.Register("fast", fast)

	h.Broadcast(&wire.Ping{Nonce: 1}, "")

	if slow.disconnect == "" {
		t.Error("expected full member to be disconnected")
	}
	if _, ok := h.Lookup("slow"); ok {
		t.Error("expected full member to be removed from the registry")
	}
	if fast.count() != 1 {
		t.Error("expected fast member to still receive the broadcast")
	}
}

func TestWhisperDeliversToOneMember(t *testing.T) {
	h := New()
	bob := &mockMember{}
	h.Register("bob", bob)

	ok := h.Whisper(&wire.Message{Sender: "alice", Body: "psst"}, "bob")
	if !ok {
		t.Fatal("expected whisper to succeed")
	}
	if bob.count() != 1 {
		t.Error("expected bob to receive exactly one message")
	}
}

func TestWhisperUnknownRecipient(t *testing.T) {
	h := New()
	if h.Whisper(&wire.Message{Sender: "alice", Body: "hi"}, "ghost") {
		t.Error("expected whisper to an unregistered user to fail")
	}
}

func TestKickDisconnectsAndRemoves(t *testing.T) {
	h := New()
	alice := &mockMember{}
	h.Register("alice", alice)

	if !h.Kick("alice", "banned") {
		t.Fatal("expected Kick to succeed")
	}
	if alice.disconnect != "banned" {
		t.Errorf("got disconnect reason %q, want %q", alice.disconnect, "banned")
	}
	if _, ok := h.Lookup("alice"); ok {
		t.Error("expected alice to be removed from the registry")
	}
}

func TestKickUnknownUser(t *testing.T) {
	h := New()
	if h.Kick("ghost", "banned") {
		t.Error("expected Kick of an unregistered user to fail")
	}
}

func TestOnlineAndCount(t *testing.T) {
	h := New()
	h.Register("alice", &mockMember{})
	h.Register("bob", &mockMember{})

	if h.Count() != 2 {
		t.Errorf("got count %d, want 2", h.Count())
	}
	online := h.Online()
	if len(online) != 2 {
		t.Errorf("got %d online names, want 2", len(online))
	}
}

func TestConcurrentBroadcastAndRegister(t *testing.T) {
	h := New()
	const n = 50
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := string(rune('a' + i%26))
			h.Register(name, &mockMember{})
		}(i)
	}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Broadcast(&wire.Ping{Nonce: 1}, "")
		}()
	}
	wg.Wait()
}
