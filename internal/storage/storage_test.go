package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"testing"
	"time"

	"messenger-backend/internal/roles"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := Open(context.Background(), "sqlite::memory:", logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func mustCreateUser(t *testing.T, store *Store, username string) UserRow {
	t.Helper()
	user, err := store.CreateUser(context.Background(), username, "hash-"+username, time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("CreateUser(%q): %v", username, err)
	}
	return user
}

// mustCreateGroup creates a group whose first member is the creator.
func mustCreateGroup(t *testing.T, store *Store, title string, members ...int64) ChatRow {
	t.Helper()
	ctx := context.Background()
	nowMs := time.Now().UnixMilli()
	var chat ChatRow
	err := store.WithTx(ctx, func(tx *Tx) error {
		var err error
		chat, err = tx.CreateChat(ctx, ChatTypeGroup, members[0], "", nowMs)
		if err != nil {
			return err
		}
		for _, id := range members {
			if _, err := tx.InsertMember(ctx, chat.ID, id, nowMs); err != nil {
				return err
			}
		}
		if _, err := tx.SetMemberRole(ctx, chat.ID, members[0], roles.Moderator, nowMs); err != nil {
			return err
		}
		_, err = tx.UpsertChatInfo(ctx, chat.ID, title, nil, nowMs)
		return err
	})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	return chat
}

func TestDriverAndDSN(t *testing.T) {
	cases := []struct {
		raw        string
		wantDriver string
		wantDSN    string
	}{
		{"sqlite::memory:", "sqlite", ":memory:"},
		{"sqlite:data/app.db", "sqlite", "data/app.db"},
		{"sqlite:///var/lib/app.db", "sqlite", "/var/lib/app.db"},
		{"postgres://u:p@localhost:5432/db", "pgx", "postgres://u:p@localhost:5432/db"},
	}
	for _, tc := range cases {
		u, err := url.Parse(tc.raw)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.raw, err)
		}
		driver, dsn, err := driverAndDSN(u, tc.raw)
		if err != nil {
			t.Fatalf("driverAndDSN(%q): %v", tc.raw, err)
		}
		if driver != tc.wantDriver || dsn != tc.wantDSN {
			t.Fatalf("driverAndDSN(%q) = %q, %q, want %q, %q", tc.raw, driver, dsn, tc.wantDriver, tc.wantDSN)
		}
	}

	u, _ := url.Parse("mysql://localhost/db")
	if _, _, err := driverAndDSN(u, "mysql://localhost/db"); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
}

func TestRedactedDatabaseURL(t *testing.T) {
	got := RedactedDatabaseURL("postgres://admin:secret@db:5432/app")
	if strings.Contains(got, "secret") || !strings.Contains(got, "admin") {
		t.Fatalf("RedactedDatabaseURL = %q", got)
	}
	if got := RedactedDatabaseURL("sqlite::memory:"); got != "sqlite::memory:" {
		t.Fatalf("RedactedDatabaseURL(sqlite) = %q", got)
	}
}

func TestRebindToPostgres(t *testing.T) {
	cases := []struct{ in, want string }{
		{`SELECT * FROM t WHERE a = ? AND b = '?' AND c = ?`, `SELECT * FROM t WHERE a = $1 AND b = '?' AND c = $2`},
		{`SELECT "odd?col" FROM t WHERE a = ?`, `SELECT "odd?col" FROM t WHERE a = $1`},
		{`SELECT 'it''s ?' WHERE a = ?`, `SELECT 'it''s ?' WHERE a = $1`},
	}
	for _, tc := range cases {
		if got := rebindToPostgres(tc.in); got != tc.want {
			t.Fatalf("rebindToPostgres(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
	if got := rebindQuery("sqlite", "a = ?"); got != "a = ?" {
		t.Fatalf("rebindQuery(sqlite) = %q", got)
	}
}

func TestChatQueryLocksOnPostgres(t *testing.T) {
	if got, want := chatQuery("pgx", true), `SELECT id, type, creator_id, created_at_ms FROM chats WHERE id = $1 FOR UPDATE;`; got != want {
		t.Fatalf("chatQuery(pgx, lock) = %q, want %q", got, want)
	}
	if got := chatQuery("pgx", false); strings.Contains(got, "FOR UPDATE") {
		t.Fatalf("chatQuery(pgx, read) = %q, want no row lock", got)
	}
	if got := chatQuery("sqlite", true); strings.Contains(got, "FOR UPDATE") || !strings.Contains(got, "id = ?") {
		t.Fatalf("chatQuery(sqlite, lock) = %q, want plain select", got)
	}
}

func TestLockChat(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	u := mustCreateUser(t, store, "locker")
	chat := mustCreateGroup(t, store, "locked", u.ID)

	err := store.WithTx(ctx, func(tx *Tx) error {
		locked, err := tx.LockChat(ctx, chat.ID)
		if err != nil {
			return err
		}
		if locked.CreatorID != u.ID {
			t.Fatalf("LockChat creator = %d, want %d", locked.CreatorID, u.ID)
		}
		if _, err := tx.LockChat(ctx, chat.ID+100); !errors.Is(err, ErrInvalidReference) {
			t.Fatalf("LockChat(missing) err = %v, want ErrInvalidReference", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}
}

func TestCreateUserUniqueUsername(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	u1 := mustCreateUser(t, store, "alice")
	if u1.ID <= 0 {
		t.Fatalf("user id = %d, want positive", u1.ID)
	}
	if _, err := store.CreateUser(ctx, "alice", "x", time.Now().UnixMilli()); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("duplicate CreateUser err = %v, want ErrAlreadyExists", err)
	}

	u2 := mustCreateUser(t, store, "bob")
	if u2.ID <= u1.ID {
		t.Fatalf("ids not increasing: %d then %d", u1.ID, u2.ID)
	}

	got, err := store.GetUserByUsername(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != u2.ID {
		t.Fatalf("GetUserByUsername id = %d, want %d", got.ID, u2.ID)
	}

	if _, err := store.GetUserByID(ctx, 0); !errors.Is(err, ErrInvalidReference) {
		t.Fatalf("GetUserByID(0) err = %v, want ErrInvalidReference", err)
	}
	if _, err := store.GetUserByID(ctx, 9999); !errors.Is(err, ErrInvalidReference) {
		t.Fatalf("GetUserByID(9999) err = %v, want ErrInvalidReference", err)
	}
}

func TestUpdateUserProfile(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	u := mustCreateUser(t, store, "alice")

	name := "Alice"
	bio := ""
	updated, err := store.UpdateUserProfile(ctx, u.ID, UserProfile{DisplayName: &name, Bio: &bio, Avatar: []byte{1, 2}}, time.Now().UnixMilli())
	if err != nil {
		t.Fatal(err)
	}
	if updated.DisplayName == nil || *updated.DisplayName != "Alice" {
		t.Fatalf("DisplayName = %v, want Alice", updated.DisplayName)
	}
	if updated.Bio == nil || *updated.Bio != "" {
		t.Fatalf("Bio = %v, want empty string", updated.Bio)
	}
	if len(updated.Avatar) != 2 {
		t.Fatalf("Avatar len = %d, want 2", len(updated.Avatar))
	}

	cleared, err := store.UpdateUserProfile(ctx, u.ID, UserProfile{}, time.Now().UnixMilli())
	if err != nil {
		t.Fatal(err)
	}
	if cleared.DisplayName != nil || cleared.Bio != nil || cleared.Avatar != nil {
		t.Fatalf("profile not cleared: %+v", cleared)
	}
}

func TestTextIsStoredComposed(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	u := mustCreateUser(t, store, "jose\u0301")
	if u.Username != "jos\u00e9" {
		t.Fatalf("Username = %q, want composed form", u.Username)
	}
	if _, err := store.GetUserByUsername(ctx, "jose\u0301"); err != nil {
		t.Fatalf("GetUserByUsername(decomposed): %v", err)
	}

	name := "Rene\u0301"
	updated, err := store.UpdateUserProfile(ctx, u.ID, UserProfile{DisplayName: &name}, time.Now().UnixMilli())
	if err != nil {
		t.Fatal(err)
	}
	if updated.DisplayName == nil || *updated.DisplayName != "Ren\u00e9" {
		t.Fatalf("DisplayName = %v, want composed form", updated.DisplayName)
	}

	chat := mustCreateGroup(t, store, "caf\u0065\u0301", u.ID)
	nick := "Zo\u0065\u0308"
	err = store.WithTx(ctx, func(tx *Tx) error {
		row, err := tx.UpsertMemberInfo(ctx, chat.ID, u.ID, &nick, roles.Moderator, time.Now().UnixMilli())
		if err != nil {
			return err
		}
		if row.Nickname == nil || *row.Nickname != "Zo\u00eb" {
			t.Fatalf("Nickname = %v, want composed form", row.Nickname)
		}
		summary, err := tx.GetChatSummary(ctx, chat.ID)
		if err != nil {
			return err
		}
		if summary.Info == nil || summary.Info.Title != "caf\u00e9" {
			t.Fatalf("Title = %v, want composed form", summary.Info)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestDialogKeyUnique(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	a := mustCreateUser(t, store, "a")
	b := mustCreateUser(t, store, "b")

	if DialogKey(a.ID, b.ID) != DialogKey(b.ID, a.ID) {
		t.Fatalf("DialogKey is not symmetric")
	}

	nowMs := time.Now().UnixMilli()
	err := store.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.CreateChat(ctx, ChatTypeDialog, 0, DialogKey(a.ID, b.ID), nowMs)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	err = store.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.CreateChat(ctx, ChatTypeDialog, 0, DialogKey(b.ID, a.ID), nowMs)
		return err
	})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("second dialog err = %v, want ErrAlreadyExists", err)
	}
}

func TestWithTxRollsBack(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	a := mustCreateUser(t, store, "a")

	boom := errors.New("boom")
	var chatID int64
	err := store.WithTx(ctx, func(tx *Tx) error {
		chat, err := tx.CreateChat(ctx, ChatTypeGroup, a.ID, "", time.Now().UnixMilli())
		if err != nil {
			return err
		}
		chatID = chat.ID
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx err = %v, want boom", err)
	}
	if _, err := getChat(ctx, store.db, store.driver, chatID); !errors.Is(err, ErrInvalidReference) {
		t.Fatalf("GetChat after rollback err = %v, want ErrInvalidReference", err)
	}
}

func TestMembersAndMemberInfo(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	a := mustCreateUser(t, store, "a")
	b := mustCreateUser(t, store, "b")
	c := mustCreateUser(t, store, "c")
	chat := mustCreateGroup(t, store, "team", a.ID, b.ID)

	full, err := getChatWithMembers(ctx, store.db, store.driver, chat.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(full.Members) != 2 {
		t.Fatalf("members = %d, want 2", len(full.Members))
	}
	if full.Info == nil || full.Info.Title != "team" {
		t.Fatalf("info = %+v, want title team", full.Info)
	}
	if full.Members[0].Info.Role != roles.Moderator || !full.Members[0].Info.Stored {
		t.Fatalf("creator info = %+v, want stored moderator", full.Members[0].Info)
	}
	if full.Members[1].Info.Role != roles.Regular || full.Members[1].Info.Stored {
		t.Fatalf("member info = %+v, want default regular", full.Members[1].Info)
	}

	if _, err := getMemberInfo(ctx, store.db, store.driver, chat.ID, c.ID); !errors.Is(err, ErrInvalidReference) {
		t.Fatalf("GetMemberInfo(non-member) err = %v, want ErrInvalidReference", err)
	}

	nowMs := time.Now().UnixMilli()
	err = store.WithTx(ctx, func(tx *Tx) error {
		added, err := tx.InsertMember(ctx, chat.ID, b.ID, nowMs)
		if err != nil {
			return err
		}
		if added {
			t.Errorf("InsertMember(existing) = true, want false")
		}
		_, err = tx.UpsertMemberInfo(ctx, chat.ID, c.ID, nil, roles.Trusted, nowMs)
		return err
	})
	if !errors.Is(err, ErrInvalidReference) {
		t.Fatalf("UpsertMemberInfo(non-member) err = %v, want ErrInvalidReference", err)
	}

	nick := "bee"
	err = store.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.UpsertMemberInfo(ctx, chat.ID, b.ID, &nick, roles.Listener, nowMs); err != nil {
			return err
		}
		_, err := tx.DeleteMember(ctx, chat.ID, b.ID)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	// member info is removed with the membership
	err = store.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.InsertMember(ctx, chat.ID, b.ID, nowMs); err != nil {
			return err
		}
		info, err := tx.GetMemberInfo(ctx, chat.ID, b.ID)
		if err != nil {
			return err
		}
		if info.Stored || info.Nickname != nil || info.Role != roles.Regular {
			t.Errorf("rejoined member info = %+v, want default", info)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestMissingUsers(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	a := mustCreateUser(t, store, "a")

	err := store.WithTx(ctx, func(tx *Tx) error {
		missing, err := tx.MissingUsers(ctx, []int64{a.ID, 0, 4242})
		if err != nil {
			return err
		}
		if len(missing) != 2 {
			t.Errorf("MissingUsers = %v, want [0 4242]", missing)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestMessagesAfterAndExpiry(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	a := mustCreateUser(t, store, "a")
	b := mustCreateUser(t, store, "b")
	chat := mustCreateGroup(t, store, "", a.ID, b.ID)

	nowMs := time.Now().UnixMilli()
	expires := nowMs + 1000
	text1, text2 := "one", "two"
	var first, second MessageRow
	err := store.WithTx(ctx, func(tx *Tx) error {
		var err error
		first, err = tx.InsertMessage(ctx, chat.ID, a.ID, &text1, nil, nowMs, nil)
		if err != nil {
			return err
		}
		second, err = tx.InsertMessage(ctx, chat.ID, b.ID, &text2, []NewAttachment{{Type: "image/png", Data: []byte{9}}}, nowMs, &expires)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	msgs, hasMore, err := store.ListMessagesAfter(ctx, chat.ID, first.ID, 10, nowMs)
	if err != nil {
		t.Fatal(err)
	}
	if hasMore || len(msgs) != 1 || msgs[0].ID != second.ID {
		t.Fatalf("ListMessagesAfter = %+v (hasMore=%v), want only message %d", msgs, hasMore, second.ID)
	}
	if len(msgs[0].Attachments) != 1 || msgs[0].Attachments[0].Type != "image/png" {
		t.Fatalf("attachments = %+v, want one image/png", msgs[0].Attachments)
	}

	msgs, hasMore, err = store.ListMessagesAfter(ctx, chat.ID, 0, 1, nowMs)
	if err != nil {
		t.Fatal(err)
	}
	if !hasMore || len(msgs) != 1 || msgs[0].ID != first.ID {
		t.Fatalf("ListMessagesAfter(limit 1) = %+v (hasMore=%v)", msgs, hasMore)
	}

	// expired but not yet swept messages are hidden
	later := expires + 1
	msgs, _, err = store.ListMessagesAfter(ctx, chat.ID, 0, 10, later)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("messages after expiry = %d, want 1", len(msgs))
	}

	swept, err := store.DeleteExpiredMessages(ctx, later, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(swept) != 1 || swept[0].ID != second.ID || swept[0].ChatID != chat.ID {
		t.Fatalf("DeleteExpiredMessages = %+v, want message %d", swept, second.ID)
	}
	if _, err := store.GetMessage(ctx, second.ID, nowMs); !errors.Is(err, ErrInvalidReference) {
		t.Fatalf("GetMessage(swept) err = %v, want ErrInvalidReference", err)
	}

	page, more, err := store.ListMessages(ctx, chat.ID, 10, 0, nowMs)
	if err != nil {
		t.Fatal(err)
	}
	if more || len(page) != 1 || page[0].ID != first.ID {
		t.Fatalf("ListMessages = %+v (more=%v)", page, more)
	}
}

func TestDeleteUserPolicy(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	a := mustCreateUser(t, store, "a")
	b := mustCreateUser(t, store, "b")
	c := mustCreateUser(t, store, "c")

	handed := mustCreateGroup(t, store, "handed", a.ID, b.ID, c.ID)
	alone := mustCreateGroup(t, store, "alone", a.ID)
	nowMs := time.Now().UnixMilli()
	var dialog ChatRow
	text := "hi"
	err := store.WithTx(ctx, func(tx *Tx) error {
		var err error
		dialog, err = tx.CreateChat(ctx, ChatTypeDialog, 0, DialogKey(a.ID, c.ID), nowMs)
		if err != nil {
			return err
		}
		if _, err := tx.InsertMember(ctx, dialog.ID, a.ID, nowMs); err != nil {
			return err
		}
		if _, err := tx.InsertMember(ctx, dialog.ID, c.ID, nowMs); err != nil {
			return err
		}
		_, err = tx.InsertMessage(ctx, handed.ID, a.ID, &text, nil, nowMs, nil)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	chatIDs, err := store.DeleteUser(ctx, a.ID, nowMs)
	if err != nil {
		t.Fatal(err)
	}
	if len(chatIDs) != 3 {
		t.Fatalf("DeleteUser chats = %v, want 3", chatIDs)
	}

	if _, err := getChat(ctx, store.db, store.driver, dialog.ID); !errors.Is(err, ErrInvalidReference) {
		t.Fatalf("dialog survived user deletion: %v", err)
	}
	if _, err := getChat(ctx, store.db, store.driver, alone.ID); !errors.Is(err, ErrInvalidReference) {
		t.Fatalf("empty group survived user deletion: %v", err)
	}

	full, err := getChatWithMembers(ctx, store.db, store.driver, handed.ID)
	if err != nil {
		t.Fatal(err)
	}
	if full.Chat.CreatorID != b.ID {
		t.Fatalf("creator = %d, want %d", full.Chat.CreatorID, b.ID)
	}
	if len(full.Members) != 2 {
		t.Fatalf("members = %d, want 2", len(full.Members))
	}
	info, err := getMemberInfo(ctx, store.db, store.driver, handed.ID, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if info.Role != roles.Moderator {
		t.Fatalf("new creator role = %s, want moderator", info.Role)
	}

	msgs, _, err := store.ListMessagesAfter(ctx, handed.ID, 0, 10, nowMs)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].SenderID != 0 {
		t.Fatalf("messages = %+v, want one anonymous message", msgs)
	}
}

func TestAuthTokens(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	u := mustCreateUser(t, store, "a")
	nowMs := time.Now().UnixMilli()

	tok, err := store.CreateAuthToken(ctx, u.ID, nil, nowMs, nowMs+1000)
	if err != nil {
		t.Fatal(err)
	}
	got, err := store.ValidateToken(ctx, tok.Token, nowMs)
	if err != nil {
		t.Fatal(err)
	}
	if got.UserID != u.ID {
		t.Fatalf("ValidateToken user = %d, want %d", got.UserID, u.ID)
	}
	if _, err := store.ValidateToken(ctx, tok.Token, nowMs+2000); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expired token err = %v, want ErrTokenExpired", err)
	}
	if _, err := store.CreateAuthToken(ctx, 0, nil, nowMs, nowMs+1000); !errors.Is(err, ErrInvalidReference) {
		t.Fatalf("CreateAuthToken(0) err = %v, want ErrInvalidReference", err)
	}
	if err := store.DeleteToken(ctx, tok.Token); err != nil {
		t.Fatal(err)
	}
	if _, err := store.ValidateToken(ctx, tok.Token, nowMs); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("deleted token err = %v, want ErrTokenInvalid", err)
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if err := applyMigrations(ctx, store.db, store.driver); err != nil {
		t.Fatalf("second applyMigrations: %v", err)
	}
	ok, err := columnExists(ctx, store.db, store.driver, "messages", "expires_at_ms")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatalf("messages.expires_at_ms missing")
	}
	if err := ensureColumn(ctx, store.db, store.driver, "users; DROP", "x", "TEXT"); err == nil {
		t.Fatalf("expected unsafe identifier error")
	}
}
