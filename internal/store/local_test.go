package store

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/connectauth/internal/model"
	"github.com/hitoshi/connectauth/internal/token"
)

type localFixture struct {
	store      *LocalStore
	identities *memIdentityRepo
	sessions   *memSessionRepo
	clock      *fakeClock
	logs       *bytes.Buffer
}

func newLocalFixture(t *testing.T) *localFixture {
	t.Helper()
	clock := newFakeClock()
	identities := newMemIdentityRepo()
	sessions := newMemSessionRepo(identities)
	operators, err := NewOperatorList([]model.OperatorAccount{
		{Email: "admin@admin.com", Password: "admin", SubjectID: "00000000-0000-0000-0000-000000000001", DisplayName: "Admin"},
	})
	if err != nil {
		t.Fatalf("NewOperatorList failed: %v", err)
	}
	logs := &bytes.Buffer{}
	s := NewLocalStore(LocalConfig{
		Identities: identities,
		Sessions:   sessions,
		Codec:      newTestCodec(),
		Tokens:     newTestTokens(t, clock),
		Operators:  operators,
		Logger:     newTestLogger(logs),
		Now:        clock.Now,
	})
	return &localFixture{store: s, identities: identities, sessions: sessions, clock: clock, logs: logs}
}

func (f *localFixture) createUser(t *testing.T, email, password string) *model.Identity {
	t.Helper()
	identity, err := f.store.CreateIdentity(context.Background(), model.NewIdentity{
		Email:       email,
		Password:    password,
		DisplayName: "Test User",
	})
	if err != nil {
		t.Fatalf("CreateIdentity(%s) failed: %v", email, err)
	}
	return identity
}

func TestLocalStore_SignInRoundTrip(t *testing.T) {
	f := newLocalFixture(t)
	ctx := context.Background()
	created := f.createUser(t, "user@7connect.id", "correct-horse")

	identity, tok, err := f.store.SignIn(ctx, "User@7connect.id ", "correct-horse", model.SignInMeta{IPAddress: "203.0.113.5", UserAgent: "test-agent"})
	if err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}
	if tok == "" {
		t.Fatal("expected non-empty token")
	}
	if identity.ID != created.ID {
		t.Errorf("identity.ID = %q, want %q", identity.ID, created.ID)
	}
	if identity.LastLoginAt == nil || !identity.LastLoginAt.Equal(f.clock.Now()) {
		t.Errorf("LastLoginAt = %v, want %v", identity.LastLoginAt, f.clock.Now())
	}

	session := f.sessions.get(tok)
	if session == nil {
		t.Fatal("expected session row to be created")
	}
	if !session.IsActive {
		t.Error("expected session to be active")
	}
	if session.IPAddress != "203.0.113.5" || session.UserAgent != "test-agent" {
		t.Errorf("unexpected session meta: ip=%q ua=%q", session.IPAddress, session.UserAgent)
	}
	if got := session.ExpiresAt.Sub(session.CreatedAt); got != model.SessionLifetime {
		t.Errorf("session lifetime = %v, want %v", got, model.SessionLifetime)
	}

	stored, _ := f.identities.FindByID(ctx, created.ID)
	if stored.LastLoginAt == nil {
		t.Error("expected last_login_at to be updated in the same write")
	}

	resolved, err := f.store.ResolveIdentity(ctx, tok)
	if err != nil {
		t.Fatalf("ResolveIdentity failed: %v", err)
	}
	if resolved.ID != created.ID || resolved.Email != "user@7connect.id" {
		t.Errorf("resolved = %+v, want id %q", resolved, created.ID)
	}
}

func TestLocalStore_WrongPasswordTouchesNoSession(t *testing.T) {
	f := newLocalFixture(t)
	f.createUser(t, "user@7connect.id", "correct-horse")

	_, tok, err := f.store.SignIn(context.Background(), "user@7connect.id", "wrongpass", model.SignInMeta{})
	if !errors.Is(err, model.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if tok != "" {
		t.Errorf("expected empty token, got %q", tok)
	}
	if f.sessions.writes != 0 || f.sessions.count() != 0 {
		t.Errorf("expected no session writes, got writes=%d rows=%d", f.sessions.writes, f.sessions.count())
	}
}

func TestLocalStore_SignInFailures(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(t *testing.T, f *localFixture)
		email    string
		password string
		want     error
	}{
		{
			name:     "未登録のメールアドレス",
			setup:    func(*testing.T, *localFixture) {},
			email:    "nobody@example.com",
			password: "whatever-pass",
			want:     model.ErrInvalidCredentials,
		},
		{
			name: "無効化されたIdentity",
			setup: func(t *testing.T, f *localFixture) {
				identity := f.createUser(t, "inactive@example.com", "correct-horse")
				inactive := false
				if _, err := f.store.UpdateIdentity(context.Background(), identity.ID, model.IdentityPatch{IsActive: &inactive}); err != nil {
					t.Fatalf("UpdateIdentity failed: %v", err)
				}
			},
			email:    "inactive@example.com",
			password: "correct-horse",
			want:     model.ErrInvalidCredentials,
		},
		{
			name: "壊れたパスワードハッシュ",
			setup: func(t *testing.T, f *localFixture) {
				identity := f.createUser(t, "broken@example.com", "correct-horse")
				f.identities.hashes[identity.ID] = "not-a-bcrypt-hash"
			},
			email:    "broken@example.com",
			password: "correct-horse",
			want:     model.ErrCredential,
		},
		{
			name:     "オペレーターのパスワード誤り",
			setup:    func(*testing.T, *localFixture) {},
			email:    "admin@admin.com",
			password: "wrong",
			want:     model.ErrInvalidCredentials,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newLocalFixture(t)
			tt.setup(t, f)

			_, _, err := f.store.SignIn(context.Background(), tt.email, tt.password, model.SignInMeta{})
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
			if f.sessions.count() != 0 {
				t.Errorf("expected no session rows, got %d", f.sessions.count())
			}
		})
	}
}

func TestLocalStore_UnknownEmailUsesComparableHash(t *testing.T) {
	f := newLocalFixture(t)

	cost, err := bcrypt.Cost([]byte(f.store.dummyHash))
	if err != nil {
		t.Fatalf("dummy hash is not a bcrypt hash: %v", err)
	}
	if cost != f.store.codec.Cost() {
		t.Errorf("dummy hash cost = %d, want %d", cost, f.store.codec.Cost())
	}

	// 照合に使うハッシュ自体がどのパスワードとも一致しないこと
	if ok, err := f.store.codec.Compare("whatever-pass", f.store.dummyHash); err != nil || ok {
		t.Errorf("Compare(dummy) = (%v, %v), want (false, nil)", ok, err)
	}
	if _, _, err := f.store.SignIn(context.Background(), "nobody@example.com", dummyPassword, model.SignInMeta{}); !errors.Is(err, model.ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials for unknown email, got %v", err)
	}
}

func TestLocalStore_UpdateIdentityFailureChangesNothing(t *testing.T) {
	f := newLocalFixture(t)
	ctx := context.Background()
	identity := f.createUser(t, "user@7connect.id", "correct-horse")
	_, tok, err := f.store.SignIn(ctx, "user@7connect.id", "correct-horse", model.SignInMeta{})
	if err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}

	f.identities.updateErr = errors.New("connection reset")
	password := "brand-new-pass"
	if _, err := f.store.UpdateIdentity(ctx, identity.ID, model.IdentityPatch{Password: &password}); err == nil {
		t.Fatal("expected UpdateIdentity to fail")
	}
	f.identities.updateErr = nil

	if _, err := f.store.ResolveIdentity(ctx, tok); err != nil {
		t.Errorf("session should stay valid when the update is rolled back, got %v", err)
	}
	if _, _, err := f.store.SignIn(ctx, "user@7connect.id", "correct-horse", model.SignInMeta{}); err != nil {
		t.Errorf("old password should still work, got %v", err)
	}
	if _, _, err := f.store.SignIn(ctx, "user@7connect.id", password, model.SignInMeta{}); !errors.Is(err, model.ErrInvalidCredentials) {
		t.Errorf("new password should not be stored, got %v", err)
	}
}

func TestLocalStore_OperatorSignIn(t *testing.T) {
	f := newLocalFixture(t)
	ctx := context.Background()

	identity, tok, err := f.store.SignIn(ctx, "admin@admin.com", "admin", model.SignInMeta{})
	if err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}
	if identity.Role != model.RoleAdmin {
		t.Errorf("Role = %q, want %q", identity.Role, model.RoleAdmin)
	}
	if tok == "" {
		t.Fatal("expected non-empty token")
	}
	if f.sessions.count() != 0 {
		t.Error("operator sign-in must not create a session row")
	}
	if _, hash, _ := f.identities.FindByEmailWithCredential(ctx, "admin@admin.com"); hash != "" {
		t.Error("operator sign-in must not create an identity row")
	}

	resolved, err := f.store.ResolveIdentity(ctx, tok)
	if err != nil {
		t.Fatalf("ResolveIdentity failed: %v", err)
	}
	if resolved.Email != "admin@admin.com" || resolved.Role != model.RoleAdmin {
		t.Errorf("resolved = %+v", resolved)
	}

	revoked, err := f.store.SignOut(ctx, tok)
	if err != nil {
		t.Fatalf("SignOut failed: %v", err)
	}
	if revoked {
		t.Error("operator sign-out has no row to revoke and should return false")
	}
}

func TestLocalStore_CreateIdentityValidation(t *testing.T) {
	f := newLocalFixture(t)
	f.createUser(t, "taken@example.com", "correct-horse")

	tests := []struct {
		name  string
		input model.NewIdentity
		want  error
	}{
		{"大文字小文字違いの重複", model.NewIdentity{Email: "TAKEN@example.com", Password: "correct-horse"}, model.ErrDuplicateEmail},
		{"オペレーターのメールアドレス", model.NewIdentity{Email: "admin@admin.com", Password: "correct-horse"}, model.ErrDuplicateEmail},
		{"短いパスワード", model.NewIdentity{Email: "new@example.com", Password: "short"}, model.ErrWeakCredential},
		{"長すぎるパスワード", model.NewIdentity{Email: "new@example.com", Password: string(bytes.Repeat([]byte("a"), 73))}, model.ErrWeakCredential},
		{"メールアドレス形式不正", model.NewIdentity{Email: "not-an-email", Password: "correct-horse"}, ErrInvalidEmail},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.store.CreateIdentity(context.Background(), tt.input)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestLocalStore_CreateIdentityDefaultsRole(t *testing.T) {
	f := newLocalFixture(t)
	identity := f.createUser(t, "plain@example.com", "correct-horse")
	if identity.Role != model.RoleUser {
		t.Errorf("Role = %q, want %q", identity.Role, model.RoleUser)
	}
	if !identity.IsActive {
		t.Error("expected new identity to be active")
	}
}

func TestLocalStore_SignOutIsIdempotent(t *testing.T) {
	f := newLocalFixture(t)
	ctx := context.Background()
	f.createUser(t, "user@7connect.id", "correct-horse")
	_, tok, err := f.store.SignIn(ctx, "user@7connect.id", "correct-horse", model.SignInMeta{})
	if err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}

	first, err := f.store.SignOut(ctx, tok)
	if err != nil || !first {
		t.Fatalf("first SignOut = %v, %v; want true, nil", first, err)
	}
	second, err := f.store.SignOut(ctx, tok)
	if err != nil || second {
		t.Fatalf("second SignOut = %v, %v; want false, nil", second, err)
	}

	if _, err := f.store.ResolveIdentity(ctx, tok); !errors.Is(err, model.ErrSessionRevoked) {
		t.Errorf("expected ErrSessionRevoked after sign-out, got %v", err)
	}
	if got := f.sessions.count(); got != 1 {
		t.Errorf("session rows = %d, want 1 (rows are retained)", got)
	}

	if ok, err := f.store.SignOut(ctx, ""); err != nil || ok {
		t.Errorf("SignOut(\"\") = %v, %v; want false, nil", ok, err)
	}
}

func TestLocalStore_MultiDeviceSessions(t *testing.T) {
	f := newLocalFixture(t)
	ctx := context.Background()
	f.createUser(t, "user@7connect.id", "correct-horse")

	_, laptop, err := f.store.SignIn(ctx, "user@7connect.id", "correct-horse", model.SignInMeta{UserAgent: "laptop"})
	if err != nil {
		t.Fatalf("SignIn(laptop) failed: %v", err)
	}
	f.clock.Advance(time.Second)
	_, phone, err := f.store.SignIn(ctx, "user@7connect.id", "correct-horse", model.SignInMeta{UserAgent: "phone"})
	if err != nil {
		t.Fatalf("SignIn(phone) failed: %v", err)
	}
	if laptop == phone {
		t.Fatal("expected distinct tokens per sign-in")
	}

	if _, err := f.store.InvalidateSession(ctx, laptop); err != nil {
		t.Fatalf("InvalidateSession failed: %v", err)
	}
	if _, err := f.store.ResolveIdentity(ctx, laptop); !errors.Is(err, model.ErrSessionRevoked) {
		t.Errorf("laptop: expected ErrSessionRevoked, got %v", err)
	}
	if _, err := f.store.ResolveIdentity(ctx, phone); err != nil {
		t.Errorf("phone: expected session to remain usable, got %v", err)
	}
}

func TestLocalStore_InvalidateAllSessionsIsolation(t *testing.T) {
	f := newLocalFixture(t)
	ctx := context.Background()
	alice := f.createUser(t, "alice@example.com", "correct-horse")
	f.createUser(t, "bob@example.com", "correct-horse")

	var aliceTokens []string
	for i := 0; i < 2; i++ {
		_, tok, err := f.store.SignIn(ctx, "alice@example.com", "correct-horse", model.SignInMeta{})
		if err != nil {
			t.Fatalf("SignIn(alice) failed: %v", err)
		}
		aliceTokens = append(aliceTokens, tok)
		f.clock.Advance(time.Second)
	}
	_, bobToken, err := f.store.SignIn(ctx, "bob@example.com", "correct-horse", model.SignInMeta{})
	if err != nil {
		t.Fatalf("SignIn(bob) failed: %v", err)
	}

	ok, err := f.store.InvalidateAllSessions(ctx, alice.ID)
	if err != nil || !ok {
		t.Fatalf("InvalidateAllSessions = %v, %v; want true, nil", ok, err)
	}
	for _, tok := range aliceTokens {
		if _, err := f.store.ResolveIdentity(ctx, tok); !errors.Is(err, model.ErrSessionRevoked) {
			t.Errorf("alice token: expected ErrSessionRevoked, got %v", err)
		}
	}
	if _, err := f.store.ResolveIdentity(ctx, bobToken); err != nil {
		t.Errorf("bob token: expected usable, got %v", err)
	}

	ok, err = f.store.InvalidateAllSessions(ctx, alice.ID)
	if err != nil || ok {
		t.Errorf("second InvalidateAllSessions = %v, %v; want false, nil", ok, err)
	}
}

func TestLocalStore_ExpiredSession(t *testing.T) {
	f := newLocalFixture(t)
	ctx := context.Background()
	f.createUser(t, "user@7connect.id", "correct-horse")
	_, tok, err := f.store.SignIn(ctx, "user@7connect.id", "correct-horse", model.SignInMeta{})
	if err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}

	// トークン自体は有効なまま、セッション行だけを1秒前に期限切れにする
	f.sessions.get(tok).ExpiresAt = f.clock.Now().Add(-time.Second)

	if _, err := f.store.ResolveIdentity(ctx, tok); !errors.Is(err, model.ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
	if !f.sessions.get(tok).IsActive {
		t.Fatal("resolve must not flip is_active")
	}

	n, err := f.store.CleanupExpiredSessions(ctx)
	if err != nil {
		t.Fatalf("CleanupExpiredSessions failed: %v", err)
	}
	if n != 1 {
		t.Errorf("cleaned = %d, want 1", n)
	}
	if f.sessions.get(tok).IsActive {
		t.Error("expected cleanup to flip is_active to false")
	}

	n, err = f.store.CleanupExpiredSessions(ctx)
	if err != nil || n != 0 {
		t.Errorf("second cleanup = %d, %v; want 0, nil", n, err)
	}
}

func TestLocalStore_ResolveIdentityTokenErrors(t *testing.T) {
	f := newLocalFixture(t)
	ctx := context.Background()
	f.createUser(t, "user@7connect.id", "correct-horse")
	_, tok, err := f.store.SignIn(ctx, "user@7connect.id", "correct-horse", model.SignInMeta{})
	if err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}

	if _, err := f.store.ResolveIdentity(ctx, "garbage"); !errors.Is(err, model.ErrTokenMalformed) {
		t.Errorf("expected ErrTokenMalformed, got %v", err)
	}

	f.clock.Advance(model.SessionLifetime + time.Minute)
	if _, err := f.store.ResolveIdentity(ctx, tok); !errors.Is(err, model.ErrTokenExpired) {
		t.Errorf("expected ErrTokenExpired, got %v", err)
	}
}

func TestLocalStore_ResolveIdentityUnknownSession(t *testing.T) {
	f := newLocalFixture(t)
	ctx := context.Background()
	identity := f.createUser(t, "user@7connect.id", "correct-horse")

	// 署名は正しいがセッション行が存在しないトークン
	issued, err := newTestTokens(t, f.clock).Issue(token.ClaimsFor(identity))
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if _, err := f.store.ResolveIdentity(ctx, issued.Token); !errors.Is(err, model.ErrSessionRevoked) {
		t.Errorf("expected ErrSessionRevoked, got %v", err)
	}
}

func TestLocalStore_UpdateIdentity(t *testing.T) {
	f := newLocalFixture(t)
	ctx := context.Background()
	identity := f.createUser(t, "user@7connect.id", "correct-horse")
	_, tok, err := f.store.SignIn(ctx, "user@7connect.id", "correct-horse", model.SignInMeta{})
	if err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}

	t.Run("表示名の変更ではセッションを維持する", func(t *testing.T) {
		name := "  New Name "
		updated, err := f.store.UpdateIdentity(ctx, identity.ID, model.IdentityPatch{DisplayName: &name})
		if err != nil {
			t.Fatalf("UpdateIdentity failed: %v", err)
		}
		if updated.DisplayName != "New Name" {
			t.Errorf("DisplayName = %q, want %q", updated.DisplayName, "New Name")
		}
		if _, err := f.store.ResolveIdentity(ctx, tok); err != nil {
			t.Errorf("expected session to survive a display name change, got %v", err)
		}
	})

	t.Run("表示名のHTMLは除去される", func(t *testing.T) {
		name := `<b onclick="x()">Bold</b> Name`
		updated, err := f.store.UpdateIdentity(ctx, identity.ID, model.IdentityPatch{DisplayName: &name})
		if err != nil {
			t.Fatalf("UpdateIdentity failed: %v", err)
		}
		if updated.DisplayName != "Bold Name" {
			t.Errorf("DisplayName = %q, want %q", updated.DisplayName, "Bold Name")
		}
	})

	t.Run("パスワード変更で全セッションを失効する", func(t *testing.T) {
		password := "brand-new-pass"
		if _, err := f.store.UpdateIdentity(ctx, identity.ID, model.IdentityPatch{Password: &password}); err != nil {
			t.Fatalf("UpdateIdentity failed: %v", err)
		}
		if _, err := f.store.ResolveIdentity(ctx, tok); !errors.Is(err, model.ErrSessionRevoked) {
			t.Errorf("expected ErrSessionRevoked after password change, got %v", err)
		}
		if _, _, err := f.store.SignIn(ctx, "user@7connect.id", "correct-horse", model.SignInMeta{}); !errors.Is(err, model.ErrInvalidCredentials) {
			t.Errorf("old password: expected ErrInvalidCredentials, got %v", err)
		}
		if _, _, err := f.store.SignIn(ctx, "user@7connect.id", password, model.SignInMeta{}); err != nil {
			t.Errorf("new password: expected success, got %v", err)
		}
	})

	t.Run("存在しないIdentity", func(t *testing.T) {
		name := "x"
		_, err := f.store.UpdateIdentity(ctx, "00000000-0000-0000-0000-00000000dead", model.IdentityPatch{DisplayName: &name})
		if !errors.Is(err, model.ErrIdentityNotFound) {
			t.Errorf("expected ErrIdentityNotFound, got %v", err)
		}
	})

	t.Run("弱いパスワード", func(t *testing.T) {
		weak := "short"
		_, err := f.store.UpdateIdentity(ctx, identity.ID, model.IdentityPatch{Password: &weak})
		if !errors.Is(err, model.ErrWeakCredential) {
			t.Errorf("expected ErrWeakCredential, got %v", err)
		}
	})
}

func TestLocalStore_DeleteIdentity(t *testing.T) {
	f := newLocalFixture(t)
	ctx := context.Background()
	identity := f.createUser(t, "user@7connect.id", "correct-horse")
	_, tok, err := f.store.SignIn(ctx, "user@7connect.id", "correct-horse", model.SignInMeta{})
	if err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}

	deleted, err := f.store.DeleteIdentity(ctx, identity.ID)
	if err != nil || !deleted {
		t.Fatalf("DeleteIdentity = %v, %v; want true, nil", deleted, err)
	}
	session := f.sessions.get(tok)
	if session == nil {
		t.Fatal("session row should be retained for audit")
	}
	if session.IsActive {
		t.Error("expected session to be revoked before deletion")
	}

	deleted, err = f.store.DeleteIdentity(ctx, identity.ID)
	if err != nil || deleted {
		t.Errorf("second DeleteIdentity = %v, %v; want false, nil", deleted, err)
	}
}
