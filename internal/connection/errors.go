package connection

// kind classifies why a connection is closing, per the error-kind table.
// Actor.fail applies the disposition: it sends an Error packet for
// kindProtocol and closes silently otherwise; Actor.failAuth sends the
// LoginFail before failing with kindAuth.
type kind int

const (
	// kindNone means no error occurred; used for the ordinary EOF/shutdown path.
	kindNone kind = iota
	// kindFraming: bad length, invalid UTF-8 — close silently, no reply.
	kindFraming
	// kindProtocol: wrong packet for the current phase — send Error, then close.
	kindProtocol
	// kindAuth: bad password, banned, whitelist miss, duplicate login — send
	// LoginFail, then close.
	kindAuth
	// kindPersistenceTransient: a DB error triggered by an Active-phase
	// operation — reply Error to the triggering client; connection survives.
	// (Not a terminal kind — included here for documentation completeness;
	// callers handling it never invoke fail.)
	kindPersistenceTransient
	// kindIO: socket read/write error — close connection.
	kindIO
	// kindTimeout: handshake or idle timeout — close connection.
	kindTimeout
	// kindKicked: an operator command or ban closed this connection.
	kindKicked
	// kindSlowClient: outbound queue overflowed.
	kindSlowClient
)

func (k kind) String() string {
	switch k {
	case kindNone:
		return "none"
	case kindFraming:
		return "framing"
	case kindProtocol:
		return "protocol"
	case kindAuth:
		return "auth"
	case kindPersistenceTransient:
		return "persistence_transient"
	case kindIO:
		return "io"
	case kindTimeout:
		return "timeout"
	case kindKicked:
		return "kicked"
	case kindSlowClient:
		return "slow_client"
	default:
		return "unknown"
	}
}
