// Command accord runs the Accord chat server: the TCP wire-protocol
// listener, the optional admin HTTP surface, and periodic housekeeping
// (expired-ban purge, metrics logging).
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"accord/internal/adminapi"
	"accord/internal/command"
	"accord/internal/connection"
	"accord/internal/hub"
	"accord/internal/keys"
	"accord/internal/server"
	"accord/internal/store"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	// Subcommands are checked before flag parsing.
	if len(os.Args) > 1 {
		if RunCLI(os.Args[1:], defaultDBPath) {
			return
		}
	}
	os.Exit(runServe(os.Args[1:]))
}

const defaultDBPath = "accord.db"

func runServe(args []string) int {
	fs := flag.NewFlagSet("accord", flag.ContinueOnError)
	addr := fs.String("addr", ":7777", "TCP listen address for the wire protocol")
	adminAddr := fs.String("admin-addr", "", "admin HTTP listen address (empty to disable)")
	dbPath := fs.String("db", defaultDBPath, "SQLite database path")
	keysPath := fs.String("keys", "accord.keys", "path to the server's RSA keypair")
	genKeys := fs.Bool("gen-keys", false, "generate and store a new RSA keypair, then exit")
	handshakeTimeout := fs.Duration("handshake-timeout", 5*time.Second, "per-phase handshake timeout")
	idleTimeout := fs.Duration("idle-timeout", 120*time.Second, "active-phase idle timeout")
	whitelist := fs.Bool("whitelist", false, "require usernames to be whitelisted before login")
	autoRegister := fs.Bool("auto-register", false, "auto-create an account on first Login instead of requiring Register")
	maxConnections := fs.Int("max-connections", 500, "maximum total connections")
	perIPLimit := fs.Int("per-ip-limit", 10, "maximum connections per source IP")
	_ = fs.String("config", "", "unused; flags only (no config-file parser)")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	connection.HandshakeTimeout = *handshakeTimeout
	connection.IdleTimeout = *idleTimeout

	if *genKeys {
		kp, err := keys.Generate()
		if err != nil {
			slog.Error("generate keys", "err", err)
			return 2
		}
		if err := keys.Save(kp, *keysPath); err != nil {
			slog.Error("save keys", "path", *keysPath, "err", err)
			return 2
		}
		fp := kp.Fingerprint()
		slog.Info("keys generated", "path", *keysPath, "fingerprint", formatFingerprint(fp[:]))
		return 0
	}

	st, err := store.Open(*dbPath)
	if err != nil {
		slog.Error("open store", "path", *dbPath, "err", err)
		return 2
	}
	defer st.Close()

	// Seed the whitelist setting from the flag only on first run; once an
	// operator toggles it at runtime via the /whitelist command, the
	// persisted value takes precedence over the flag on future restarts.
	if _, ok, err := st.GetSetting(context.Background(), "whitelist_enabled"); err == nil && !ok {
		if err := st.SetSetting(context.Background(), "whitelist_enabled", boolSetting(*whitelist)); err != nil {
			slog.Warn("seed whitelist_enabled setting", "err", err)
		}
	}

	kp, err := keys.LoadOrGenerate(*keysPath)
	if err != nil {
		slog.Error("load keys", "path", *keysPath, "err", err)
		return 2
	}
	fp := kp.Fingerprint()
	slog.Info("server keypair ready", "fingerprint", formatFingerprint(fp[:]))

	h := hub.New()
	cmd := command.New(h, st)

	cfg := server.Config{
		MaxConnections: *maxConnections,
		PerIPLimit:     *perIPLimit,
		AutoRegister:   *autoRegister,
	}
	cfg.AcceptRate = server.DefaultConfig().AcceptRate
	cfg.AcceptBurst = server.DefaultConfig().AcceptBurst

	acceptor := server.New(*addr, kp, h, st, cmd, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()

	go server.RunMetrics(ctx, h, st, 5*time.Second)

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := st.PurgeExpiredBans(ctx); err != nil {
					slog.Error("purge expired bans", "err", err)
				} else if n > 0 {
					slog.Info("purged expired bans", "count", n)
				}
			}
		}
	}()

	if *adminAddr != "" {
		admin := adminapi.New(h, st)
		go func() {
			if err := admin.Run(ctx, *adminAddr); err != nil {
				slog.Error("admin http server", "err", err)
			}
		}()
		slog.Info("admin http listening", "addr", *adminAddr)
	}

	if err := acceptor.Run(ctx); err != nil {
		slog.Error("acceptor", "err", err)
		return 2
	}
	return 0
}

func boolSetting(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

func formatFingerprint(fp []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, 0, len(fp)*3-1)
	for i, b := range fp {
		if i > 0 {
			out = append(out, ':')
		}
		out = append(out, hexDigits[b>>4], hexDigits[b&0xf])
	}
	return string(out)
}
