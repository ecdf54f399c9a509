package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"accord/internal/store"
)

// RunCLI handles subcommand execution. Returns true if a subcommand was
// handled.
func RunCLI(args []string, dbPath string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "status":
		return cliStatus(dbPath)
	case "bans":
		return cliBans(args[1:], dbPath)
	case "accounts":
		return cliAccounts(args[1:], dbPath)
	case "operators":
		return cliOperators(args[1:], dbPath)
	default:
		return false
	}
}

func openCLIStore(dbPath string) *store.Store {
	st, err := store.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	return st
}

func cliStatus(dbPath string) bool {
	st := openCLIStore(dbPath)
	defer st.Close()
	ctx := context.Background()

	online := 0 // the CLI has no hub; this reports persisted state only
	bans, err := st.ListBans(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	msgs, err := st.MessageCount(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Database: %s\n", dbPath)
	fmt.Printf("Messages: %d\n", msgs)
	fmt.Printf("Bans: %d\n", len(bans))
	fmt.Printf("Online (this process): %d\n", online)
	return true
}

func cliBans(args []string, dbPath string) bool {
	st := openCLIStore(dbPath)
	defer st.Close()
	ctx := context.Background()

	if len(args) == 0 || args[0] == "list" {
		bans, err := st.ListBans(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		if len(bans) == 0 {
			fmt.Println("No bans found.")
			return true
		}
		for _, b := range bans {
			expiry := "permanent"
			if b.DurationS > 0 {
				expiry = time.Unix(b.CreatedAt+b.DurationS, 0).UTC().Format(time.RFC3339)
			}
			fmt.Printf("  [%d] username=%q ip=%q reason=%q by=%q expires=%s\n",
				b.ID, b.Username, b.IP, b.Reason, b.BannedBy, expiry)
		}
		return true
	}

	if args[0] == "remove" && len(args) > 1 {
		n, err := st.DeleteBanByUsername(ctx, args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "error removing ban: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Removed %d ban(s) for %q\n", n, args[1])
		return true
	}

	fmt.Fprintf(os.Stderr, "Usage: accord bans [list|remove <username>]\n")
	os.Exit(1)
	return true
}

func cliAccounts(args []string, dbPath string) bool {
	st := openCLIStore(dbPath)
	defer st.Close()
	ctx := context.Background()

	if len(args) == 0 || args[0] == "list" {
		accounts, err := st.ListAccounts(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		if len(accounts) == 0 {
			fmt.Println("No accounts found.")
			return true
		}
		for _, a := range accounts {
			fmt.Printf("  [%d] %s (created %s)\n", a.ID, a.Username,
				time.Unix(a.CreatedAt, 0).UTC().Format(time.RFC3339))
		}
		return true
	}

	fmt.Fprintf(os.Stderr, "Usage: accord accounts [list]\n")
	os.Exit(1)
	return true
}

func cliOperators(args []string, dbPath string) bool {
	st := openCLIStore(dbPath)
	defer st.Close()
	ctx := context.Background()

	if len(args) == 0 || args[0] == "list" {
		ops, err := st.ListOperators(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		if len(ops) == 0 {
			fmt.Println("No operators found.")
			return true
		}
		for _, op := range ops {
			fmt.Printf("  %s\n", op)
		}
		return true
	}

	if args[0] == "grant" && len(args) > 1 {
		if err := st.GrantOperator(ctx, args[1], "cli"); err != nil {
			fmt.Fprintf(os.Stderr, "error granting operator: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Granted operator to %q\n", args[1])
		return true
	}

	if args[0] == "revoke" && len(args) > 1 {
		if err := st.RevokeOperator(ctx, args[1]); err != nil {
			fmt.Fprintf(os.Stderr, "error revoking operator: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Revoked operator from %q\n", args[1])
		return true
	}

	fmt.Fprintf(os.Stderr, "Usage: accord operators [list|grant <username>|revoke <username>]\n")
	os.Exit(1)
	return true
}
