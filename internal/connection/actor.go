// Package connection implements the per-client connection actor: the
// handshake state machine and, once Active, the chat message loop. Reader
// and writer run as two goroutines per connection, coordinating through a
// bounded outbound queue, with an explicit phase-dispatch loop driving the
// handshake through to the active session.
package connection

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/time/rate"

	"accord/internal/command"
	"accord/internal/hub"
	"accord/internal/keys"
	"accord/internal/store"
	"accord/internal/wire"
)

// phase is the connection's position in the handshake/session state machine.
type phase int

const (
	phaseAwaitingHandshake phase = iota
	phaseAwaitingEncryptionConfirm
	phaseAwaitingLogin
	phaseActive
	phaseClosing
)

// Actor drives one TCP connection through the protocol. It implements
// hub.Member so the hub can address it directly for broadcast, whisper, and
// kick delivery.
type Actor struct {
	conn     net.Conn
	remote   string
	connID   string
	keyPair  *keys.KeyPair
	hub      *hub.Hub
	store    *store.Store
	commands *command.Handler
	limiter  *rate.Limiter

	cipher    *wire.Cipher
	outMu     sync.Mutex
	outbound  chan wire.Packet
	outClosed bool

	phase        phase
	username     string
	isOperator   bool
	serverNonce  []byte
	autoRegister bool
}

// SetAutoRegister toggles whether a Login for an unknown username creates
// the account instead of failing. Must be called before Run.
func (a *Actor) SetAutoRegister(v bool) {
	a.autoRegister = v
}

// New returns an Actor ready to drive conn. The caller is responsible for
// calling Run, which blocks until the connection is closed.
func New(conn net.Conn, kp *keys.KeyPair, h *hub.Hub, st *store.Store, cmd *command.Handler) *Actor {
	return &Actor{
		conn:     conn,
		remote:   conn.RemoteAddr().String(),
		connID:   uuid.NewString(),
		keyPair:  kp,
		hub:      h,
		store:    st,
		commands: cmd,
		limiter:  rate.NewLimiter(rate.Limit(DefaultCommandRate), DefaultCommandBurst),
		cipher:   wire.NewCipher(),
		outbound: make(chan wire.Packet, DefaultOutboundCapacity),
		phase:    phaseAwaitingHandshake,
	}
}

// Run drives the connection to completion. It returns once the socket is
// closed, whether by protocol error, idle timeout, client disconnect, or an
// operator kick.
func (a *Actor) Run(ctx context.Context) {
	defer a.cleanup()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for pkt := range a.outbound {
			if err := a.writeFrame(pkt); err != nil {
				slog.Debug("connection write error", "remote", a.remote, "username", a.username, "err", err)
				break
			}
		}
		a.conn.Close()
	}()

	a.readLoop(ctx)
	a.closeOutbound()
	<-writerDone
}

func (a *Actor) cleanup() {
	if a.username != "" {
		a.hub.Deregister(a.username, a)
	}
	slog.Info("connection closed", "conn_id", a.connID, "remote", a.remote, "username", a.username)
}

// ---------------------------------------------------------------------------
// hub.Member
// ---------------------------------------------------------------------------

// Enqueue attempts a non-blocking delivery of pkt, used by the hub for
// broadcast and whisper fan-out.
func (a *Actor) Enqueue(pkt wire.Packet) bool {
	return a.enqueue(pkt)
}

// Disconnect queues a Kick packet (dropped only if the outbound queue is
// already full) and tears the connection down. It is the hub's sole path for
// evicting a member — both for operator kicks/bans and for a member whose
// outbound queue overflowed. Closing the outbound channel lets the writer
// send what is queued, Kick last, and then close the socket. The write
// deadline matters for a genuinely slow client: the writer goroutine may be
// blocked inside a socket Write that a channel close alone would never
// interrupt, and the deadline makes that Write fail after
// ShutdownFlushTimeout so the socket still gets closed.
func (a *Actor) Disconnect(reason string) {
	a.outMu.Lock()
	if !a.outClosed {
		select {
		case a.outbound <- &wire.Kick{Reason: reason}:
		default:
		}
		a.outClosed = true
		close(a.outbound)
	}
	a.outMu.Unlock()
	_ = a.conn.SetWriteDeadline(time.Now().Add(ShutdownFlushTimeout))
}

func (a *Actor) enqueue(pkt wire.Packet) bool {
	a.outMu.Lock()
	defer a.outMu.Unlock()
	if a.outClosed {
		return false
	}
	select {
	case a.outbound <- pkt:
		return true
	default:
		return false
	}
}

func (a *Actor) closeOutbound() {
	a.outMu.Lock()
	defer a.outMu.Unlock()
	if a.outClosed {
		return
	}
	a.outClosed = true
	close(a.outbound)
}

// send enqueues pkt and, on queue overflow, evicts this connection as a slow
// client — the same disposition a full queue gets when the overflow is
// discovered from the hub's side of a broadcast.
func (a *Actor) send(pkt wire.Packet) bool {
	if a.enqueue(pkt) {
		return true
	}
	slog.Warn("connection evicted: outbound queue full", "remote", a.remote, "username", a.username)
	a.phase = phaseClosing
	a.closeOutbound()
	return false
}

func (a *Actor) writeFrame(pkt wire.Packet) error {
	frame, err := wire.Encode(pkt, a.cipher)
	if err != nil {
		return err
	}
	_, err = a.conn.Write(frame)
	return err
}

// ---------------------------------------------------------------------------
// Reader loop
// ---------------------------------------------------------------------------

func (a *Actor) phaseDeadline() time.Time {
	if a.phase == phaseActive {
		return time.Now().Add(IdleTimeout)
	}
	return time.Now().Add(HandshakeTimeout)
}

func (a *Actor) readLoop(ctx context.Context) {
	buf := make([]byte, 0, readBufferInitialSize)
	tmp := make([]byte, 4096)

	for a.phase != phaseClosing {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := a.conn.SetReadDeadline(a.phaseDeadline()); err != nil {
			a.fail(kindIO, err)
			return
		}

		drained, ok := a.drainFrames(ctx, &buf)
		if !ok {
			return
		}
		if drained {
			continue
		}

		n, err := a.conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				a.fail(kindTimeout, err)
			} else {
				a.fail(kindIO, err)
			}
			return
		}
	}
}

// drainFrames decodes every complete frame currently buffered. It returns
// ok=false if the connection should stop (a fatal error occurred or a
// handler closed it), and drained=true if at least one frame was consumed
// (so the caller should re-check for more before blocking on a socket read).
func (a *Actor) drainFrames(ctx context.Context, buf *[]byte) (drained, ok bool) {
	for {
		pkt, consumed, err := wire.Decode(*buf, a.cipher)
		if err == nil {
			*buf = (*buf)[consumed:]
			drained = true
			if !a.handlePacket(ctx, pkt) {
				return drained, false
			}
			continue
		}
		if errors.Is(err, wire.ErrNeedMore) {
			return drained, true
		}
		// Every other Decode error — a *wire.FramingError or
		// wire.ErrDecryptFailed — means the byte stream itself can no
		// longer be trusted; close without a reply.
		a.fail(kindFraming, err)
		return drained, false
	}
}

func (a *Actor) fail(k kind, err error) {
	slog.Debug("connection closing", "remote", a.remote, "username", a.username, "kind", k.String(), "err", err)
	if k == kindProtocol {
		a.send(&wire.ErrorPacket{Code: wire.ErrCodeProtocol, Detail: err.Error()})
	}
	a.phase = phaseClosing
}

func (a *Actor) failAuth(reason string) {
	a.send(&wire.LoginFail{Reason: reason})
	a.fail(kindAuth, errors.New(reason))
}

// ---------------------------------------------------------------------------
// Phase dispatch
// ---------------------------------------------------------------------------

func (a *Actor) handlePacket(ctx context.Context, pkt wire.Packet) bool {
	switch a.phase {
	case phaseAwaitingHandshake:
		return a.handleHandshake(pkt)
	case phaseAwaitingEncryptionConfirm:
		return a.handleEncryptionConfirm(pkt)
	case phaseAwaitingLogin:
		return a.handleAwaitingLogin(ctx, pkt)
	case phaseActive:
		return a.handleActive(ctx, pkt)
	default:
		return false
	}
}

func (a *Actor) handleHandshake(pkt wire.Packet) bool {
	if _, ok := pkt.(*wire.Handshake); !ok {
		a.fail(kindProtocol, fmt.Errorf("expected Handshake, got %s", pkt.Tag()))
		return false
	}
	nonce, err := randomBytes(wire.NonceSize)
	if err != nil {
		a.fail(kindIO, err)
		return false
	}
	a.serverNonce = nonce
	if !a.send(&wire.ServerPubKey{PubKeyDER: a.keyPair.PubDER, ServerNonce: nonce}) {
		return false
	}
	a.phase = phaseAwaitingEncryptionConfirm
	return true
}

// The session key blob the client encrypts under the server's public key is
// two chacha20poly1305 keys concatenated: client→server key, then
// server→client key. The server reads with the client→server key and writes
// with the server→client key; the client installs the same pair the other
// way round.
func (a *Actor) handleEncryptionConfirm(pkt wire.Packet) bool {
	er, ok := pkt.(*wire.EncryptionRequest)
	if !ok {
		a.fail(kindProtocol, fmt.Errorf("expected EncryptionRequest, got %s", pkt.Tag()))
		return false
	}

	sessionKey, err := a.keyPair.Decrypt(er.EncSessionKey)
	if err != nil || len(sessionKey) != 2*chacha20poly1305.KeySize {
		a.fail(kindAuth, fmt.Errorf("decrypt session key: %w", err))
		return false
	}
	nonceEcho, err := a.keyPair.Decrypt(er.EncNonceEcho)
	if err != nil || !bytes.Equal(nonceEcho, a.serverNonce) {
		a.fail(kindAuth, errors.New("nonce echo mismatch"))
		return false
	}

	clientToServer := sessionKey[:chacha20poly1305.KeySize]
	serverToClient := sessionKey[chacha20poly1305.KeySize:]
	if err := a.cipher.InstallKeys(clientToServer, serverToClient); err != nil {
		a.fail(kindAuth, fmt.Errorf("install session key: %w", err))
		return false
	}

	if !a.send(&wire.EncryptionAck{}) {
		return false
	}
	a.phase = phaseAwaitingLogin
	return true
}

func (a *Actor) handleAwaitingLogin(ctx context.Context, pkt wire.Packet) bool {
	switch p := pkt.(type) {
	case *wire.Login:
		return a.handleLogin(ctx, p.Username, p.Password, false)
	case *wire.Register:
		return a.handleLogin(ctx, p.Username, p.Password, true)
	default:
		a.fail(kindProtocol, fmt.Errorf("expected Login or Register, got %s", pkt.Tag()))
		return false
	}
}

// handleLogin implements both Login and Register: account resolution
// differs, but the ban/whitelist checks, operator lookup, hub registration,
// and history replay are shared. Auto-register-on-login defaults to off,
// so Login fails for an unknown account; SetAutoRegister restores the
// permissive behavior.
func (a *Actor) handleLogin(ctx context.Context, username, password string, register bool) bool {
	if !validUsername(username) {
		a.failAuth("invalid username")
		return false
	}
	if len(password) < MinPasswordLen {
		a.failAuth("invalid password")
		return false
	}

	banned, reason, err := a.store.IsUsernameBanned(ctx, username)
	if err != nil {
		slog.Error("login: ban check failed", "remote", a.remote, "err", err)
		a.failAuth("internal error")
		return false
	}
	if banned {
		a.failAuth("banned: " + reason)
		return false
	}

	whitelisted, err := a.checkWhitelist(ctx, username)
	if err != nil {
		a.failAuth("internal error")
		return false
	}
	if !whitelisted {
		a.failAuth("not whitelisted")
		return false
	}

	account, err := a.resolveAccount(ctx, username, password, register)
	if err != nil {
		a.failAuth(err.Error())
		return false
	}

	isOperator, err := a.store.IsOperator(ctx, account.Username)
	if err != nil {
		slog.Error("login: operator check failed", "remote", a.remote, "err", err)
		a.failAuth("internal error")
		return false
	}

	if err := a.hub.Register(account.Username, a); err != nil {
		a.failAuth("already online")
		return false
	}

	a.username = account.Username
	a.isOperator = isOperator
	a.phase = phaseActive

	if !a.send(&wire.LoginAck{}) {
		return false
	}
	a.replayHistory(ctx)

	slog.Info("connection authenticated", "remote", a.remote, "username", a.username, "operator", a.isOperator, "register", register)
	return true
}

func (a *Actor) checkWhitelist(ctx context.Context, username string) (bool, error) {
	enabled, err := command.WhitelistEnabled(ctx, a.store)
	if err != nil {
		slog.Error("login: whitelist check failed", "remote", a.remote, "err", err)
		return false, err
	}
	if !enabled {
		return true, nil
	}
	ok, err := a.store.IsWhitelisted(ctx, username)
	if err != nil {
		slog.Error("login: whitelist lookup failed", "remote", a.remote, "err", err)
		return false, err
	}
	return ok, nil
}

func (a *Actor) resolveAccount(ctx context.Context, username, password string, register bool) (store.Account, error) {
	if register {
		exists, err := a.store.AccountExists(ctx, username)
		if err != nil {
			slog.Error("register: exists check failed", "remote", a.remote, "err", err)
			return store.Account{}, errors.New("internal error")
		}
		if exists {
			return store.Account{}, errors.New("username already registered")
		}
		account, err := a.store.CreateAccount(ctx, username, password)
		if err != nil {
			slog.Error("register: create account failed", "remote", a.remote, "err", err)
			return store.Account{}, errors.New("internal error")
		}
		return account, nil
	}

	account, ok, err := a.store.Authenticate(ctx, username, password)
	if errors.Is(err, store.ErrNotFound) {
		if a.autoRegister {
			account, err := a.store.CreateAccount(ctx, username, password)
			if err != nil {
				slog.Error("auto-register: create account failed", "remote", a.remote, "err", err)
				return store.Account{}, errors.New("internal error")
			}
			return account, nil
		}
		return store.Account{}, errors.New("no such account")
	}
	if err != nil {
		slog.Error("login: authenticate failed", "remote", a.remote, "err", err)
		return store.Account{}, errors.New("internal error")
	}
	if !ok {
		return store.Account{}, errors.New("invalid credentials")
	}
	return account, nil
}

func (a *Actor) replayHistory(ctx context.Context) {
	rows, err := a.store.History(ctx, 0, DefaultHistoryReplay)
	if err != nil {
		slog.Warn("history replay failed", "username", a.username, "err", err)
		return
	}
	a.send(&wire.HistoryChunk{Records: toRecords(rows)})
}

// ---------------------------------------------------------------------------
// Active phase
// ---------------------------------------------------------------------------

func (a *Actor) handleActive(ctx context.Context, pkt wire.Packet) bool {
	switch p := pkt.(type) {
	case *wire.Message:
		if a.rateLimited() {
			return a.phase != phaseClosing
		}
		a.handleMessage(ctx, p)
	case *wire.ImageMessage:
		if a.rateLimited() {
			return a.phase != phaseClosing
		}
		a.handleImageMessage(ctx, p)
	case *wire.HistoryRequest:
		if a.rateLimited() {
			return a.phase != phaseClosing
		}
		a.handleHistoryRequest(ctx, p)
	case *wire.Ping:
		a.send(&wire.Pong{Nonce: p.Nonce})
	default:
		a.fail(kindProtocol, fmt.Errorf("unexpected packet in Active phase: %s", pkt.Tag()))
		return false
	}
	return a.phase != phaseClosing
}

// rateLimited enforces the per-connection command token bucket. A violation
// gets a reply, not a disconnect — sustained abuse past a
// client's patience will eventually trip the slow-client outbound-queue
// eviction instead.
func (a *Actor) rateLimited() bool {
	if a.limiter.Allow() {
		return false
	}
	a.send(&wire.ErrorPacket{Code: wire.ErrCodeTransient, Detail: "rate limit exceeded"})
	return true
}

func (a *Actor) handleMessage(ctx context.Context, p *wire.Message) {
	if strings.HasPrefix(p.Body, "/") {
		a.commands.Execute(ctx, a.username, a.isOperator, p.Body, func(reply wire.Packet) {
			a.send(reply)
		})
		return
	}

	if _, err := a.store.InsertMessage(ctx, a.username, store.KindText, []byte(p.Body), store.Now()); err != nil {
		slog.Error("persist message failed", "username", a.username, "err", err)
		a.send(&wire.ErrorPacket{Code: wire.ErrCodeTransient, Detail: "message not delivered"})
		return
	}
	a.hub.Broadcast(&wire.Message{Sender: a.username, Body: p.Body}, a.username)
}

func (a *Actor) handleImageMessage(ctx context.Context, p *wire.ImageMessage) {
	if _, err := a.store.InsertMessage(ctx, a.username, store.KindImage, p.Bytes, store.Now()); err != nil {
		slog.Error("persist image message failed", "username", a.username, "err", err)
		a.send(&wire.ErrorPacket{Code: wire.ErrCodeTransient, Detail: "image not delivered"})
		return
	}
	a.hub.Broadcast(&wire.ImageMessage{Sender: a.username, Bytes: p.Bytes}, a.username)
}

func (a *Actor) handleHistoryRequest(ctx context.Context, p *wire.HistoryRequest) {
	count := int(p.Count)
	if count <= 0 || count > wire.MaxHistoryCount {
		count = DefaultHistoryReplay
	}
	rows, err := a.store.History(ctx, p.BeforeID, count)
	if err != nil {
		slog.Error("history query failed", "username", a.username, "err", err)
		a.send(&wire.ErrorPacket{Code: wire.ErrCodeTransient, Detail: "history unavailable"})
		return
	}
	a.send(&wire.HistoryChunk{Records: toRecords(rows)})
}

func toRecords(rows []store.MessageRow) []wire.MessageRecord {
	records := make([]wire.MessageRecord, len(rows))
	for i, r := range rows {
		records[i] = wire.MessageRecord{
			ID:     uint64(r.ID),
			Sender: r.Sender,
			Kind:   wire.MessageKind(r.Kind),
			Body:   r.Body,
			SentAt: r.SentAt,
		}
	}
	return records
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func validUsername(u string) bool {
	if len(u) < MinUsernameLen || len(u) > MaxUsernameLen {
		return false
	}
	for _, r := range u {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !isAlnum && r != '_' {
			return false
		}
	}
	return true
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

