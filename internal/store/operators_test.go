package store

import (
	"testing"

	"github.com/hitoshi/connectauth/internal/model"
)

func TestNewOperatorList_Validation(t *testing.T) {
	tests := []struct {
		name     string
		accounts []model.OperatorAccount
		wantErr  bool
	}{
		{"空のリスト", nil, false},
		{"正常", []model.OperatorAccount{{Email: "admin@admin.com", Password: "admin", SubjectID: "op-1"}}, false},
		{"メールアドレス未設定", []model.OperatorAccount{{Password: "admin", SubjectID: "op-1"}}, true},
		{"サブジェクトID未設定", []model.OperatorAccount{{Email: "admin@admin.com", Password: "admin"}}, true},
		{"パスワード未設定", []model.OperatorAccount{{Email: "admin@admin.com", SubjectID: "op-1"}}, true},
		{"不正なロール", []model.OperatorAccount{{Email: "admin@admin.com", Password: "admin", SubjectID: "op-1", Role: "root"}}, true},
		{
			"メールアドレス重複（大文字小文字違い）",
			[]model.OperatorAccount{
				{Email: "admin@admin.com", Password: "a", SubjectID: "op-1"},
				{Email: "ADMIN@admin.com", Password: "b", SubjectID: "op-2"},
			},
			true,
		},
		{
			"サブジェクトID重複",
			[]model.OperatorAccount{
				{Email: "a@admin.com", Password: "a", SubjectID: "op-1"},
				{Email: "b@admin.com", Password: "b", SubjectID: "op-1"},
			},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewOperatorList(tt.accounts)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewOperatorList() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestOperatorList_Match(t *testing.T) {
	codec := newTestCodec()
	hash, err := codec.Hash("hashed-secret")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}

	list, err := NewOperatorList([]model.OperatorAccount{
		{Email: "admin@admin.com", Password: "admin", SubjectID: "op-1"},
		{Email: "ops@example.com", PasswordHash: hash, SubjectID: "op-2", Role: model.RoleModerator},
	})
	if err != nil {
		t.Fatalf("NewOperatorList failed: %v", err)
	}

	tests := []struct {
		name      string
		email     string
		password  string
		wantMatch bool
		wantRole  model.Role
	}{
		{"平文一致", "admin@admin.com", "admin", true, model.RoleAdmin},
		{"メールアドレスの大文字小文字は区別しない", " Admin@Admin.com", "admin", true, model.RoleAdmin},
		{"パスワードは完全一致", "admin@admin.com", "Admin", false, ""},
		{"前方一致は不可", "admin@admin.com", "admi", false, ""},
		{"ハッシュ一致", "ops@example.com", "hashed-secret", true, model.RoleModerator},
		{"ハッシュ不一致", "ops@example.com", "wrong", false, ""},
		{"未登録", "user@7connect.id", "admin", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acct, ok, err := list.Match(tt.email, tt.password, codec)
			if err != nil {
				t.Fatalf("Match failed: %v", err)
			}
			if ok != tt.wantMatch {
				t.Fatalf("Match() = %v, want %v", ok, tt.wantMatch)
			}
			if ok && acct.Role != tt.wantRole {
				t.Errorf("Role = %q, want %q", acct.Role, tt.wantRole)
			}
		})
	}
}

func TestOperatorList_BySubject(t *testing.T) {
	list, err := NewOperatorList([]model.OperatorAccount{
		{Email: "admin@admin.com", Password: "admin", SubjectID: "op-1"},
	})
	if err != nil {
		t.Fatalf("NewOperatorList failed: %v", err)
	}

	if _, ok := list.BySubject("op-1", "admin@admin.com"); !ok {
		t.Error("expected subject to match")
	}
	if _, ok := list.BySubject("op-1", "other@admin.com"); ok {
		t.Error("subject with a different email must not match")
	}
	if _, ok := list.BySubject("op-2", "admin@admin.com"); ok {
		t.Error("unknown subject must not match")
	}
}

func TestOperatorList_NilSafe(t *testing.T) {
	var list *OperatorList
	if list.Len() != 0 || list.Has("admin@admin.com") {
		t.Error("nil list should be empty")
	}
	if _, ok, err := list.Match("admin@admin.com", "admin", nil); ok || err != nil {
		t.Errorf("Match on nil list = %v, %v", ok, err)
	}
	if _, ok := list.BySubject("op-1", "admin@admin.com"); ok {
		t.Error("BySubject on nil list should not match")
	}
}
