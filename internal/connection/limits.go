package connection

import "time"

// Limits bounds the connection actor's resource usage and timing, collected
// into one named block rather than scattered through the implementation.
//
// HandshakeTimeout and IdleTimeout are vars, not consts: cmd/accord's
// --handshake-timeout/--idle-timeout flags override them at startup, before
// any Acceptor is constructed.
var (
	// HandshakeTimeout bounds each handshake phase (AwaitingHandshake,
	// AwaitingEncryptionConfirm, AwaitingLogin).
	HandshakeTimeout = 5 * time.Second

	// IdleTimeout bounds the Active phase; any inbound packet (Ping
	// included) resets it.
	IdleTimeout = 120 * time.Second
)

const (
	// MinUsernameLen/MaxUsernameLen bound Account.Username: printable ASCII,
	// 3–18 characters, matching [A-Za-z0-9_]+.
	MinUsernameLen = 3
	MaxUsernameLen = 18

	// MinPasswordLen is a floor so a truncated/typo'd password field does
	// not register an account that's trivial to guess.
	MinPasswordLen = 1

	// ShutdownFlushTimeout bounds how long the acceptor waits for connections
	// to finish during graceful server shutdown, and how long a kicked or
	// evicted connection's writer may spend flushing its outbound queue.
	ShutdownFlushTimeout = 2 * time.Second

	// DefaultOutboundCapacity is the bounded outbound channel's default
	// size; overflow triggers slow-client eviction.
	DefaultOutboundCapacity = 64

	// DefaultHistoryReplay is how many recent messages are replayed to a
	// client immediately after a successful login.
	DefaultHistoryReplay = 50

	// readBufferInitialSize is the starting capacity of a connection's
	// accumulation buffer for partially-read frames.
	readBufferInitialSize = 4096

	// DefaultCommandRate/DefaultCommandBurst bound how many Message,
	// ImageMessage, or HistoryRequest packets a single connection may submit
	// per second, enforced via a token bucket (golang.org/x/time/rate).
	DefaultCommandRate  = 20
	DefaultCommandBurst = 40
)
