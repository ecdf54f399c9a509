package command

import (
	"context"
	"sync"
	"testing"

	"accord/internal/hub"
	"accord/internal/store"
	"accord/internal/wire"
)

// mockMember implements hub.Member for tests.
type mockMember struct {
	mu         sync.Mutex
	received   []wire.Packet
	disconnect string
}

func (m *mockMember) Enqueue(pkt wire.Packet) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.received = append(m.received, pkt)
	return true
}

func (m *mockMember) Disconnect(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnect = reason
}

func newTestHandler(t *testing.T) (*Handler, *hub.Hub, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	h := hub.New()
	return New(h, st), h, st
}

func collectReply(h *Handler, ctx context.Context, actor string, isOperator bool, line string) []wire.Packet {
	var replies []wire.Packet
	h.Execute(ctx, actor, isOperator, line, func(pkt wire.Packet) {
		replies = append(replies, pkt)
	})
	return replies
}

func TestExecuteUnknownCommand(t *testing.T) {
	h, _, _ := newTestHandler(t)
	ctx := context.Background()

	replies := collectReply(h, ctx, "alice", false, "/nonsense")
	if len(replies) != 1 {
		t.Fatalf("got %d replies, want 1", len(replies))
	}
	errPkt, ok := replies[0].(*wire.ErrorPacket)
	if !ok || errPkt.Code != wire.ErrCodeCommand {
		t.Fatalf("expected command error, got %#v", replies[0])
	}
}

func TestExecuteEmptyCommand(t *testing.T) {
	h, _, _ := newTestHandler(t)
	replies := collectReply(h, context.Background(), "alice", false, "/")
	if len(replies) != 1 {
		t.Fatalf("got %d replies, want 1", len(replies))
	}
	if _, ok := replies[0].(*wire.ErrorPacket); !ok {
		t.Fatalf("expected error for empty command, got %#v", replies[0])
	}
}

func TestOperatorCommandRejectedForNonOperator(t *testing.T) {
	h, _, _ := newTestHandler(t)
	replies := collectReply(h, context.Background(), "alice", false, "/ban mallory")
	if len(replies) != 1 {
		t.Fatalf("got %d replies, want 1", len(replies))
	}
	errPkt, ok := replies[0].(*wire.ErrorPacket)
	if !ok {
		t.Fatalf("expected error reply, got %#v", replies[0])
	}
	if errPkt.Detail != "operator privilege required" {
		t.Errorf("got detail %q, want %q", errPkt.Detail, "operator privilege required")
	}
}

func TestCmdListReportsOnlineMembers(t *testing.T) {
	h, hb, _ := newTestHandler(t)
	hb.Register("alice", &mockMember{})
	hb.Register("bob", &mockMember{})

	replies := collectReply(h, context.Background(), "alice", false, "/list")
	if len(replies) != 1 {
		t.Fatalf("got %d replies, want 1", len(replies))
	}
	msg, ok := replies[0].(*wire.Message)
	if !ok || msg.Sender != "server" {
		t.Fatalf("expected a server message, got %#v", replies[0])
	}
}

func TestCmdWhisperDeliversToOnlineTarget(t *testing.T) {
	h, hb, _ := newTestHandler(t)
	bob := &mockMember{}
	hb.Register("bob", bob)

	replies := collectReply(h, context.Background(), "alice", false, "/whisper bob hey there")
	if len(replies) != 0 {
		t.Fatalf("expected no reply to the sender on success, got %#v", replies)
	}

	bob.mu.Lock()
	defer bob.mu.Unlock()
	if len(bob.received) != 1 {
		t.Fatalf("got %d messages delivered to bob, want 1", len(bob.received))
	}
	msg, ok := bob.received[0].(*wire.Message)
	if !ok || msg.Sender != "alice" || msg.Body != "hey there" {
		t.Fatalf("unexpected whisper payload: %#v", bob.received[0])
	}
}

func TestCmdWhisperOfflineTarget(t *testing.T) {
	h, _, _ := newTestHandler(t)
	replies := collectReply(h, context.Background(), "alice", false, "/whisper ghost hi")
	if len(replies) != 1 {
		t.Fatalf("got %d replies, want 1", len(replies))
	}
	if _, ok := replies[0].(*wire.ErrorPacket); !ok {
		t.Fatalf("expected error reply for offline target, got %#v", replies[0])
	}
}

func TestCmdWhisperMissingArgs(t *testing.T) {
	h, _, _ := newTestHandler(t)
	replies := collectReply(h, context.Background(), "alice", false, "/whisper bob")
	if len(replies) != 1 {
		t.Fatal("expected usage error reply")
	}
	if _, ok := replies[0].(*wire.ErrorPacket); !ok {
		t.Fatalf("expected error reply, got %#v", replies[0])
	}
}

func TestCmdBanKicksOnlineTargetAndRecordsAudit(t *testing.T) {
	h, hb, st := newTestHandler(t)
	ctx := context.Background()
	mallory := &mockMember{}
	hb.Register("mallory", mallory)

	replies := collectReply(h, ctx, "root", true, "/ban mallory spamming the channel")
	if len(replies) != 0 {
		t.Fatalf("expected no error reply, got %#v", replies)
	}

	mallory.mu.Lock()
	reason := mallory.disconnect
	mallory.mu.Unlock()
	if reason != "spamming the channel" {
		t.Errorf("got disconnect reason %q, want %q", reason, "spamming the channel")
	}
	if _, ok := hb.Lookup("mallory"); ok {
		t.Error("expected mallory to be removed from the hub")
	}

	banned, banReason, err := st.IsUsernameBanned(ctx, "mallory")
	if err != nil {
		t.Fatalf("check ban: %v", err)
	}
	if !banned || banReason != "spamming the channel" {
		t.Errorf("got banned=%v reason=%q", banned, banReason)
	}

	entries, err := st.ListAudit(ctx, 10)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != "ban" || entries[0].Target != "mallory" {
		t.Fatalf("unexpected audit log: %#v", entries)
	}
}

func TestCmdBanDefaultReason(t *testing.T) {
	h, _, st := newTestHandler(t)
	ctx := context.Background()

	collectReply(h, ctx, "root", true, "/ban mallory")

	banned, reason, err := st.IsUsernameBanned(ctx, "mallory")
	if err != nil {
		t.Fatalf("check ban: %v", err)
	}
	if !banned || reason != "banned by operator" {
		t.Errorf("got banned=%v reason=%q", banned, reason)
	}
}

func TestCmdUnban(t *testing.T) {
	h, _, st := newTestHandler(t)
	ctx := context.Background()

	collectReply(h, ctx, "root", true, "/ban mallory")
	replies := collectReply(h, ctx, "root", true, "/unban mallory")
	if len(replies) != 0 {
		t.Fatalf("expected no error reply, got %#v", replies)
	}

	banned, _, err := st.IsUsernameBanned(ctx, "mallory")
	if err != nil {
		t.Fatalf("check ban: %v", err)
	}
	if banned {
		t.Error("expected mallory to no longer be banned")
	}
}

func TestCmdKickOnlineTarget(t *testing.T) {
	h, hb, st := newTestHandler(t)
	ctx := context.Background()
	bob := &mockMember{}
	hb.Register("bob", bob)

	replies := collectReply(h, ctx, "root", true, "/kick bob disruptive")
	if len(replies) != 0 {
		t.Fatalf("expected no error reply, got %#v", replies)
	}
	if _, ok := hb.Lookup("bob"); ok {
		t.Error("expected bob to be removed from the hub")
	}

	banned, _, err := st.IsUsernameBanned(ctx, "bob")
	if err != nil {
		t.Fatalf("check ban: %v", err)
	}
	if banned {
		t.Error("a kick must not ban the target")
	}
}

func TestCmdKickOfflineTarget(t *testing.T) {
	h, _, _ := newTestHandler(t)
	replies := collectReply(h, context.Background(), "root", true, "/kick ghost")
	if len(replies) != 1 {
		t.Fatal("expected error reply for an offline target")
	}
	if _, ok := replies[0].(*wire.ErrorPacket); !ok {
		t.Fatalf("expected error reply, got %#v", replies[0])
	}
}

func TestCmdWhitelistOnOffAddRemove(t *testing.T) {
	h, _, st := newTestHandler(t)
	ctx := context.Background()

	collectReply(h, ctx, "root", true, "/whitelist on")
	enabled, err := WhitelistEnabled(ctx, st)
	if err != nil {
		t.Fatalf("check whitelist flag: %v", err)
	}
	if !enabled {
		t.Error("expected whitelist to be enabled")
	}

	collectReply(h, ctx, "root", true, "/whitelist add alice")
	onList, err := st.IsWhitelisted(ctx, "alice")
	if err != nil {
		t.Fatalf("check whitelist membership: %v", err)
	}
	if !onList {
		t.Error("expected alice to be whitelisted")
	}

	collectReply(h, ctx, "root", true, "/whitelist remove alice")
	onList, err = st.IsWhitelisted(ctx, "alice")
	if err != nil {
		t.Fatalf("check whitelist membership: %v", err)
	}
	if onList {
		t.Error("expected alice to be removed from the whitelist")
	}

	collectReply(h, ctx, "root", true, "/whitelist off")
	enabled, err = WhitelistEnabled(ctx, st)
	if err != nil {
		t.Fatalf("check whitelist flag: %v", err)
	}
	if enabled {
		t.Error("expected whitelist to be disabled")
	}
}

func TestCmdWhitelistUnknownSubcommand(t *testing.T) {
	h, _, _ := newTestHandler(t)
	replies := collectReply(h, context.Background(), "root", true, "/whitelist frobnicate")
	if len(replies) != 1 {
		t.Fatal("expected an error reply for an unknown subcommand")
	}
}

func TestWhitelistEnabledDefaultsFalse(t *testing.T) {
	_, _, st := newTestHandler(t)
	enabled, err := WhitelistEnabled(context.Background(), st)
	if err != nil {
		t.Fatalf("check whitelist flag: %v", err)
	}
	if enabled {
		t.Error("expected the whitelist to default to disabled")
	}
}

func TestCmdOpDeopIsIdempotent(t *testing.T) {
	h, _, st := newTestHandler(t)
	ctx := context.Background()

	collectReply(h, ctx, "root", true, "/op alice")
	collectReply(h, ctx, "root", true, "/op alice")
	isOp, err := st.IsOperator(ctx, "alice")
	if err != nil {
		t.Fatalf("check operator: %v", err)
	}
	if !isOp {
		t.Error("expected alice to be an operator")
	}

	collectReply(h, ctx, "root", true, "/deop alice")
	collectReply(h, ctx, "root", true, "/deop alice")
	isOp, err = st.IsOperator(ctx, "alice")
	if err != nil {
		t.Fatalf("check operator: %v", err)
	}
	if isOp {
		t.Error("expected alice to no longer be an operator")
	}
}
