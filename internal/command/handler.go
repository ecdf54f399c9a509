// Package command implements the `/`-prefixed operator command language:
// parsing, privilege checks, and the effects on the hub and persistence
// gateway that each command has.
package command

import (
	"context"
	"fmt"
	"strings"

	"accord/internal/hub"
	"accord/internal/store"
	"accord/internal/wire"
)

// privilege is the access level a command requires.
type privilege int

const (
	privAny privilege = iota
	privOperator
)

// Handler dispatches parsed commands against a shared Hub and Store.
type Handler struct {
	Hub   *hub.Hub
	Store *store.Store
}

// New returns a Handler wired to hub and store.
func New(h *hub.Hub, st *store.Store) *Handler {
	return &Handler{Hub: h, Store: st}
}

// entry is one row of the command table: its required privilege and effect.
// run is a method expression ((*Handler).cmdX), so the table carries no
// bound receiver — Execute supplies h explicitly at call time.
type entry struct {
	privilege privilege
	run       func(*Handler, context.Context, string, []string, func(wire.Packet)) error
}

var table = map[string]entry{
	"list":      {privilege: privAny, run: (*Handler).cmdList},
	"whisper":   {privilege: privAny, run: (*Handler).cmdWhisper},
	"ban":       {privilege: privOperator, run: (*Handler).cmdBan},
	"unban":     {privilege: privOperator, run: (*Handler).cmdUnban},
	"kick":      {privilege: privOperator, run: (*Handler).cmdKick},
	"whitelist": {privilege: privOperator, run: (*Handler).cmdWhitelist},
	"op":        {privilege: privOperator, run: (*Handler).cmdOp},
	"deop":      {privilege: privOperator, run: (*Handler).cmdDeop},
}

// Execute parses and runs a command line (including the leading '/').
// Privilege failures and unknown commands produce a reply to the sender via
// reply and never return an error — command errors never close the
// connection.
func (h *Handler) Execute(ctx context.Context, actor string, isOperator bool, line string, reply func(wire.Packet)) {
	fields := strings.Fields(strings.TrimPrefix(line, "/"))
	if len(fields) == 0 {
		reply(&wire.ErrorPacket{Code: wire.ErrCodeCommand, Detail: "empty command"})
		return
	}
	name := strings.ToLower(fields[0])
	args := fields[1:]

	e, ok := table[name]
	if !ok {
		reply(&wire.ErrorPacket{Code: wire.ErrCodeCommand, Detail: fmt.Sprintf("unknown command: %s", name)})
		return
	}
	if e.privilege == privOperator && !isOperator {
		reply(&wire.ErrorPacket{Code: wire.ErrCodeCommand, Detail: "operator privilege required"})
		return
	}
	if err := e.run(h, ctx, actor, args, reply); err != nil {
		reply(&wire.ErrorPacket{Code: wire.ErrCodeCommand, Detail: err.Error()})
	}
}

// ---------------------------------------------------------------------------
// /list
// ---------------------------------------------------------------------------

func (h *Handler) cmdList(ctx context.Context, actor string, args []string, reply func(wire.Packet)) error {
	names := h.Hub.Online()
	reply(&wire.Message{Sender: "server", Body: "online: " + strings.Join(names, ", ")})
	return nil
}

// ---------------------------------------------------------------------------
// /whisper
// ---------------------------------------------------------------------------

func (h *Handler) cmdWhisper(ctx context.Context, actor string, args []string, reply func(wire.Packet)) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: /whisper <user> <text>")
	}
	target := args[0]
	text := strings.Join(args[1:], " ")
	if !h.Hub.Whisper(&wire.Message{Sender: actor, Body: text}, target) {
		return fmt.Errorf("%s is not online", target)
	}
	return nil
}

// ---------------------------------------------------------------------------
// /ban, /unban, /kick
// ---------------------------------------------------------------------------

func (h *Handler) cmdBan(ctx context.Context, actor string, args []string, reply func(wire.Packet)) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: /ban <user> [reason]")
	}
	target := args[0]
	reason := "banned by operator"
	if len(args) > 1 {
		reason = strings.Join(args[1:], " ")
	}
	if _, err := h.Store.InsertBan(ctx, target, "", reason, actor, 0); err != nil {
		return fmt.Errorf("ban failed: %w", err)
	}
	_ = h.Store.InsertAudit(ctx, actor, "ban", target, reason)
	h.Hub.Kick(target, reason)
	return nil
}

func (h *Handler) cmdUnban(ctx context.Context, actor string, args []string, reply func(wire.Packet)) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: /unban <user>")
	}
	target := args[0]
	if _, err := h.Store.DeleteBanByUsername(ctx, target); err != nil {
		return fmt.Errorf("unban failed: %w", err)
	}
	_ = h.Store.InsertAudit(ctx, actor, "unban", target, "")
	return nil
}

func (h *Handler) cmdKick(ctx context.Context, actor string, args []string, reply func(wire.Packet)) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: /kick <user> [reason]")
	}
	target := args[0]
	reason := "kicked by operator"
	if len(args) > 1 {
		reason = strings.Join(args[1:], " ")
	}
	if !h.Hub.Kick(target, reason) {
		return fmt.Errorf("%s is not online", target)
	}
	_ = h.Store.InsertAudit(ctx, actor, "kick", target, reason)
	return nil
}

// ---------------------------------------------------------------------------
// /whitelist
// ---------------------------------------------------------------------------

func (h *Handler) cmdWhitelist(ctx context.Context, actor string, args []string, reply func(wire.Packet)) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: /whitelist <on|off|add|remove> [user]")
	}
	switch strings.ToLower(args[0]) {
	case "on":
		if err := h.Store.SetSetting(ctx, "whitelist_enabled", "true"); err != nil {
			return err
		}
		_ = h.Store.InsertAudit(ctx, actor, "whitelist_on", "", "")
	case "off":
		if err := h.Store.SetSetting(ctx, "whitelist_enabled", "false"); err != nil {
			return err
		}
		_ = h.Store.InsertAudit(ctx, actor, "whitelist_off", "", "")
	case "add":
		if len(args) < 2 {
			return fmt.Errorf("usage: /whitelist add <user>")
		}
		if err := h.Store.AddToWhitelist(ctx, args[1], actor); err != nil {
			return err
		}
		_ = h.Store.InsertAudit(ctx, actor, "whitelist_add", args[1], "")
	case "remove":
		if len(args) < 2 {
			return fmt.Errorf("usage: /whitelist remove <user>")
		}
		if err := h.Store.RemoveFromWhitelist(ctx, args[1]); err != nil {
			return err
		}
		_ = h.Store.InsertAudit(ctx, actor, "whitelist_remove", args[1], "")
	default:
		return fmt.Errorf("unknown whitelist subcommand: %s", args[0])
	}
	return nil
}

// WhitelistEnabled reports the persisted whitelist flag, defaulting to
// false when unset.
func WhitelistEnabled(ctx context.Context, st *store.Store) (bool, error) {
	val, ok, err := st.GetSetting(ctx, "whitelist_enabled")
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return val == "true", nil
}

// ---------------------------------------------------------------------------
// /op, /deop
// ---------------------------------------------------------------------------

func (h *Handler) cmdOp(ctx context.Context, actor string, args []string, reply func(wire.Packet)) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: /op <user>")
	}
	if err := h.Store.GrantOperator(ctx, args[0], actor); err != nil {
		return err
	}
	_ = h.Store.InsertAudit(ctx, actor, "op", args[0], "")
	return nil
}

func (h *Handler) cmdDeop(ctx context.Context, actor string, args []string, reply func(wire.Packet)) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: /deop <user>")
	}
	if err := h.Store.RevokeOperator(ctx, args[0]); err != nil {
		return err
	}
	_ = h.Store.InsertAudit(ctx, actor, "deop", args[0], "")
	return nil
}
