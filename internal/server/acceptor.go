// Package server owns the raw TCP listener: admission control (bans, total
// and per-IP connection caps, an accept-rate token bucket) and spawning one
// connection.Actor per accepted socket.
package server

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"accord/internal/command"
	"accord/internal/connection"
	"accord/internal/hub"
	"accord/internal/keys"
	"accord/internal/store"
)

// Config bounds the acceptor's admission policy: connection caps enforced
// at accept time rather than inside the chat hub.
type Config struct {
	MaxConnections int
	PerIPLimit     int
	AcceptRate     rate.Limit
	AcceptBurst    int
	AutoRegister   bool
}

// DefaultConfig matches cmd/accord's flag defaults.
func DefaultConfig() Config {
	return Config{
		MaxConnections: 500,
		PerIPLimit:     10,
		AcceptRate:     5,
		AcceptBurst:    10,
	}
}

// Acceptor owns the TCP listener and the shared dependencies every spawned
// connection.Actor needs.
type Acceptor struct {
	addr     string
	keyPair  *keys.KeyPair
	hub      *hub.Hub
	store    *store.Store
	commands *command.Handler
	cfg      Config

	mu         sync.Mutex
	totalConns int
	ipConns    map[string]int
	ipLimiters map[string]*rate.Limiter
	conns      map[net.Conn]struct{}

	wg sync.WaitGroup
}

// New returns an Acceptor ready to Run.
func New(addr string, kp *keys.KeyPair, h *hub.Hub, st *store.Store, cmd *command.Handler, cfg Config) *Acceptor {
	return &Acceptor{
		addr:       addr,
		keyPair:    kp,
		hub:        h,
		store:      st,
		commands:   cmd,
		cfg:        cfg,
		ipConns:    make(map[string]int),
		ipLimiters: make(map[string]*rate.Limiter),
		conns:      make(map[net.Conn]struct{}),
	}
}

// Run listens on addr and blocks, spawning a connection actor per accepted
// socket, until ctx is canceled. On cancellation it stops accepting, waits
// up to ShutdownFlushTimeout for in-flight actors to return, and then
// force-closes the sockets of any still running before returning. Actors are
// not woken on cancellation: one blocked in a socket read stays there until
// that force-close.
func (a *Acceptor) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", a.addr)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		slog.Info("acceptor shutting down", "addr", a.addr)
		ln.Close()
	}()

	slog.Info("acceptor listening", "addr", a.addr)
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				a.waitForDrain()
				return nil
			default:
				slog.Error("accept failed", "err", err)
				return err
			}
		}
		a.accept(ctx, conn)
	}
}

func (a *Acceptor) waitForDrain() {
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(connection.ShutdownFlushTimeout):
		slog.Warn("acceptor shutdown: connections still draining after flush timeout, forcing close")
		a.closeAll()
		<-done
	}
}

// closeAll force-closes every still-tracked connection. A connection's actor
// may be blocked inside conn.Read up to its phase deadline, and ctx
// cancellation alone won't unblock that read — closing the socket does.
func (a *Acceptor) closeAll() {
	a.mu.Lock()
	conns := make([]net.Conn, 0, len(a.conns))
	for c := range a.conns {
		conns = append(conns, c)
	}
	a.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

func (a *Acceptor) accept(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	ip := ipOf(conn)

	banned, reason, err := a.store.IsIPBanned(ctx, ip)
	if err != nil {
		slog.Error("ban check failed", "remote", remote, "err", err)
	}
	if banned {
		slog.Debug("rejected connection: banned ip", "remote", remote, "reason", reason)
		conn.Close()
		return
	}

	if !a.admit(ip) {
		slog.Debug("rejected connection: over limit", "remote", remote)
		conn.Close()
		return
	}

	a.track(conn)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.release(ip)
		defer a.untrack(conn)
		actor := connection.New(conn, a.keyPair, a.hub, a.store, a.commands)
		actor.SetAutoRegister(a.cfg.AutoRegister)
		actor.Run(ctx)
	}()
}

func (a *Acceptor) track(conn net.Conn) {
	a.mu.Lock()
	a.conns[conn] = struct{}{}
	a.mu.Unlock()
}

func (a *Acceptor) untrack(conn net.Conn) {
	a.mu.Lock()
	delete(a.conns, conn)
	a.mu.Unlock()
}

// admit enforces the accept-rate token bucket and connection caps, returning
// false if this accept should be rejected.
func (a *Acceptor) admit(ip string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cfg.MaxConnections > 0 && a.totalConns >= a.cfg.MaxConnections {
		return false
	}
	if a.cfg.PerIPLimit > 0 && a.ipConns[ip] >= a.cfg.PerIPLimit {
		return false
	}

	limiter, ok := a.ipLimiters[ip]
	if !ok {
		limiter = rate.NewLimiter(a.cfg.AcceptRate, a.cfg.AcceptBurst)
		a.ipLimiters[ip] = limiter
	}
	if !limiter.Allow() {
		return false
	}

	a.totalConns++
	a.ipConns[ip]++
	return true
}

func (a *Acceptor) release(ip string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.totalConns--
	a.ipConns[ip]--
	if a.ipConns[ip] <= 0 {
		delete(a.ipConns, ip)
	}
}

func ipOf(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
