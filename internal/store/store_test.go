package store

import (
	"context"
	"testing"
)

// newMemStore opens an in-memory SQLite database, runs migrations, and
// returns the store. The database is discarded when the test completes.
func newMemStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// ---------------------------------------------------------------------------
// migrations
// ---------------------------------------------------------------------------

func TestMigrationsApplied(t *testing.T) {
	s := newMemStore(t)

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatalf("query schema_migrations: %v", err)
	}
	if count != len(migrations) {
		t.Errorf("expected %d migrations recorded, got %d", len(migrations), count)
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	s := newMemStore(t)
	ctx := context.Background()

	if err := s.migrate(ctx); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatalf("query: %v", err)
	}
	if count != len(migrations) {
		t.Errorf("expected %d rows after second migrate, got %d", len(migrations), count)
	}
}

// ---------------------------------------------------------------------------
// accounts
// ---------------------------------------------------------------------------

func TestCreateAccountAndAuthenticate(t *testing.T) {
	s := newMemStore(t)
	ctx := context.Background()

	if _, err := s.CreateAccount(ctx, "alice", "hunter2"); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	acct, ok, err := s.Authenticate(ctx, "alice", "hunter2")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !ok {
		t.Fatal("expected authentication to succeed with correct password")
	}
	if acct.Username != "alice" {
		t.Errorf("got username %q, want %q", acct.Username, "alice")
	}
}

func TestAuthenticateWrongPassword(t *testing.T) {
	s := newMemStore(t)
	ctx := context.Background()

	if _, err := s.CreateAccount(ctx, "alice", "hunter2"); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	_, ok, err := s.Authenticate(ctx, "alice", "wrongpass")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if ok {
		t.Error("expected authentication to fail with wrong password")
	}
}

func TestAuthenticateUnknownUser(t *testing.T) {
	s := newMemStore(t)
	ctx := context.Background()

	_, _, err := s.Authenticate(ctx, "ghost", "whatever")
	if err != ErrNotFound {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestCreateAccountDuplicateUsername(t *testing.T) {
	s := newMemStore(t)
	ctx := context.Background()

	if _, err := s.CreateAccount(ctx, "alice", "hunter2"); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	_, err := s.CreateAccount(ctx, "alice", "different")
	if err != ErrDuplicateUsername {
		t.Errorf("got %v, want ErrDuplicateUsername", err)
	}
}

func TestAccountExists(t *testing.T) {
	s := newMemStore(t)
	ctx := context.Background()

	exists, err := s.AccountExists(ctx, "alice")
	if err != nil {
		t.Fatalf("AccountExists: %v", err)
	}
	if exists {
		t.Error("expected alice to not exist yet")
	}

	if _, err := s.CreateAccount(ctx, "alice", "hunter2"); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	exists, err = s.AccountExists(ctx, "alice")
	if err != nil {
		t.Fatalf("AccountExists: %v", err)
	}
	if !exists {
		t.Error("expected alice to exist")
	}
}

// ---------------------------------------------------------------------------
// messages
// ---------------------------------------------------------------------------

func TestInsertMessageIDsStrictlyIncrease(t *testing.T) {
	s := newMemStore(t)
	ctx := context.Background()

	var lastID int64
	for i := 0; i < 5; i++ {
		id, err := s.InsertMessage(ctx, "alice", KindText, []byte("hi"), Now())
		if err != nil {
			t.Fatalf("InsertMessage: %v", err)
		}
		if id <= lastID {
			t.Fatalf("message id %d did not increase from %d", id, lastID)
		}
		lastID = id
	}
}

func TestHistoryOrderingAndPaging(t *testing.T) {
	s := newMemStore(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 5; i++ {
		id, err := s.InsertMessage(ctx, "alice", KindText, []byte("msg"), Now())
		if err != nil {
			t.Fatalf("InsertMessage: %v", err)
		}
		ids = append(ids, id)
	}

	latest, err := s.History(ctx, 0, 3)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(latest) != 3 {
		t.Fatalf("got %d messages, want 3", len(latest))
	}
	for i := 1; i < len(latest); i++ {
		if latest[i].ID <= latest[i-1].ID {
			t.Errorf("History did not return messages in ascending id order")
		}
	}

	before, err := s.History(ctx, uint64(ids[len(ids)-1]), 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	for _, m := range before {
		if m.ID >= ids[len(ids)-1] {
			t.Errorf("History(beforeID) returned message %d which is not before %d", m.ID, ids[len(ids)-1])
		}
	}
}

// ---------------------------------------------------------------------------
// bans
// ---------------------------------------------------------------------------

func TestBanLifecycle(t *testing.T) {
	s := newMemStore(t)
	ctx := context.Background()

	if _, err := s.InsertBan(ctx, "mallory", "", "spam", "admin", 0); err != nil {
		t.Fatalf("InsertBan: %v", err)
	}

	banned, reason, err := s.IsUsernameBanned(ctx, "mallory")
	if err != nil {
		t.Fatalf("IsUsernameBanned: %v", err)
	}
	if !banned || reason != "spam" {
		t.Errorf("got banned=%v reason=%q, want true/\"spam\"", banned, reason)
	}

	n, err := s.DeleteBanByUsername(ctx, "mallory")
	if err != nil {
		t.Fatalf("DeleteBanByUsername: %v", err)
	}
	if n != 1 {
		t.Errorf("got %d rows removed, want 1", n)
	}

	banned, _, err = s.IsUsernameBanned(ctx, "mallory")
	if err != nil {
		t.Fatalf("IsUsernameBanned: %v", err)
	}
	if banned {
		t.Error("expected mallory to no longer be banned")
	}
}

func TestExpiredBanIsNotActiveAndGetsPurged(t *testing.T) {
	s := newMemStore(t)
	ctx := context.Background()

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO bans(username, reason, banned_by, duration_s, created_at) VALUES(?, ?, ?, ?, ?)`,
		"mallory", "temp", "admin", 10, Now()-3600,
	); err != nil {
		t.Fatalf("seed expired ban: %v", err)
	}

	banned, _, err := s.IsUsernameBanned(ctx, "mallory")
	if err != nil {
		t.Fatalf("IsUsernameBanned: %v", err)
	}
	if banned {
		t.Error("expected expired ban to not be active")
	}

	n, err := s.PurgeExpiredBans(ctx)
	if err != nil {
		t.Fatalf("PurgeExpiredBans: %v", err)
	}
	if n != 1 {
		t.Errorf("got %d purged, want 1", n)
	}
}

func TestIPBan(t *testing.T) {
	s := newMemStore(t)
	ctx := context.Background()

	if _, err := s.InsertBan(ctx, "", "10.0.0.5", "abuse", "admin", 0); err != nil {
		t.Fatalf("InsertBan: %v", err)
	}
	banned, _, err := s.IsIPBanned(ctx, "10.0.0.5")
	if err != nil {
		t.Fatalf("IsIPBanned: %v", err)
	}
	if !banned {
		t.Error("expected IP to be banned")
	}
}

// ---------------------------------------------------------------------------
// whitelist / operators
// ---------------------------------------------------------------------------

func TestWhitelistIdempotent(t *testing.T) {
	s := newMemStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := s.AddToWhitelist(ctx, "alice", "admin"); err != nil {
			t.Fatalf("AddToWhitelist: %v", err)
		}
	}
	ok, err := s.IsWhitelisted(ctx, "alice")
	if err != nil {
		t.Fatalf("IsWhitelisted: %v", err)
	}
	if !ok {
		t.Error("expected alice to be whitelisted")
	}

	if err := s.RemoveFromWhitelist(ctx, "alice"); err != nil {
		t.Fatalf("RemoveFromWhitelist: %v", err)
	}
	ok, err = s.IsWhitelisted(ctx, "alice")
	if err != nil {
		t.Fatalf("IsWhitelisted: %v", err)
	}
	if ok {
		t.Error("expected alice to no longer be whitelisted")
	}
}

func TestOperatorGrantRevokeIdempotent(t *testing.T) {
	s := newMemStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := s.GrantOperator(ctx, "bob", "admin"); err != nil {
			t.Fatalf("GrantOperator: %v", err)
		}
	}
	ok, err := s.IsOperator(ctx, "bob")
	if err != nil {
		t.Fatalf("IsOperator: %v", err)
	}
	if !ok {
		t.Error("expected bob to be an operator")
	}

	names, err := s.ListOperators(ctx)
	if err != nil {
		t.Fatalf("ListOperators: %v", err)
	}
	if len(names) != 1 || names[0] != "bob" {
		t.Errorf("got %v, want [bob]", names)
	}

	if err := s.RevokeOperator(ctx, "bob"); err != nil {
		t.Fatalf("RevokeOperator: %v", err)
	}
	ok, err = s.IsOperator(ctx, "bob")
	if err != nil {
		t.Fatalf("IsOperator: %v", err)
	}
	if ok {
		t.Error("expected bob to no longer be an operator")
	}
}

// ---------------------------------------------------------------------------
// audit log / settings
// ---------------------------------------------------------------------------

func TestAuditLog(t *testing.T) {
	s := newMemStore(t)
	ctx := context.Background()

	if err := s.InsertAudit(ctx, "admin", "ban", "mallory", "spam"); err != nil {
		t.Fatalf("InsertAudit: %v", err)
	}
	entries, err := s.ListAudit(ctx, 10)
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != "ban" {
		t.Errorf("got %+v, want one ban entry", entries)
	}
}

func TestGetSetSetting(t *testing.T) {
	s := newMemStore(t)
	ctx := context.Background()

	_, ok, err := s.GetSetting(ctx, "missing")
	if err != nil {
		t.Fatalf("GetSetting: %v", err)
	}
	if ok {
		t.Error("expected missing key to return ok=false")
	}

	if err := s.SetSetting(ctx, "auto_register", "false"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	val, ok, err := s.GetSetting(ctx, "auto_register")
	if err != nil {
		t.Fatalf("GetSetting: %v", err)
	}
	if !ok || val != "false" {
		t.Errorf("got (%q, %v), want (\"false\", true)", val, ok)
	}

	if err := s.SetSetting(ctx, "auto_register", "true"); err != nil {
		t.Fatalf("SetSetting (update): %v", err)
	}
	val, _, err = s.GetSetting(ctx, "auto_register")
	if err != nil {
		t.Fatalf("GetSetting: %v", err)
	}
	if val != "true" {
		t.Errorf("got %q, want %q after update", val, "true")
	}
}
