// Package model はドメインモデルを定義する。
package model

import (
	"fmt"
	"strings"
	"time"
)

// Role はIdentityの権限ロールを表す。
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
	RoleUser      Role = "user"
)

// Valid はロールが定義済みの値かどうかを返す。
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleModerator, RoleUser:
		return true
	default:
		return false
	}
}

// ParseRole は文字列をRoleに変換する。空文字の場合はRoleUserを返す。
func ParseRole(s string) (Role, error) {
	if strings.TrimSpace(s) == "" {
		return RoleUser, nil
	}
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("invalid role: %q", s)
	}
	return r, nil
}

// Backend は認証バックエンドの種別を表す。
type Backend string

const (
	// BackendManaged は外部IdP + コンパニオンスキーマによるバックエンド。
	BackendManaged Backend = "managed"
	// BackendLocal は自前DB + オペレーター許可リストによるバックエンド。
	BackendLocal Backend = "local"
)

// Identity は認証された主体（ユーザー/オペレーター）を表す。
// 作成したバックエンドが所有し、Facadeはroleやemailを直接変更しない。
type Identity struct {
	ID          string     `json:"id"`
	Email       string     `json:"email"`
	DisplayName string     `json:"display_name,omitempty"`
	Role        Role       `json:"role"`
	IsActive    bool       `json:"is_active"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

// NewIdentity はIdentity作成時の入力値。
type NewIdentity struct {
	Email       string
	Password    string
	DisplayName string
	Role        Role
}

// IdentityPatch はIdentityの部分更新内容。nilのフィールドは変更しない。
// Passwordが指定された場合、既存セッションはすべて無効化される。
type IdentityPatch struct {
	Email       *string `json:"email,omitempty"`
	DisplayName *string `json:"display_name,omitempty"`
	Role        *Role   `json:"role,omitempty"`
	IsActive    *bool   `json:"is_active,omitempty"`
	Password    *string `json:"password,omitempty"`
}

// Empty はパッチに変更内容が含まれないかどうかを返す。
func (p IdentityPatch) Empty() bool {
	return p.Email == nil && p.DisplayName == nil && p.Role == nil && p.IsActive == nil && p.Password == nil
}

// Apply はパッチをIdentityに適用する。Passwordは対象外。
func (p IdentityPatch) Apply(identity *Identity, now time.Time) {
	if p.Email != nil {
		identity.Email = NormalizeEmail(*p.Email)
	}
	if p.DisplayName != nil {
		identity.DisplayName = *p.DisplayName
	}
	if p.Role != nil {
		identity.Role = *p.Role
	}
	if p.IsActive != nil {
		identity.IsActive = *p.IsActive
	}
	identity.UpdatedAt = now
}

// OperatorAccount は起動時に注入される運用/テスト用アカウント。
// DBには保存されず、セッション行も作成されない。
type OperatorAccount struct {
	Email        string `yaml:"email"`
	Password     string `yaml:"password"`
	PasswordHash string `yaml:"password_hash"`
	SubjectID    string `yaml:"subject_id"`
	DisplayName  string `yaml:"display_name"`
	Role         Role   `yaml:"role"`
}

// Identity はオペレーターアカウントをIdentityとして表現する。
func (a OperatorAccount) Identity() *Identity {
	return &Identity{
		ID:          a.SubjectID,
		Email:       NormalizeEmail(a.Email),
		DisplayName: a.DisplayName,
		Role:        a.Role,
		IsActive:    true,
	}
}

// SignInMeta はサインイン時にセッションへ記録するクライアント情報。
type SignInMeta struct {
	IPAddress string
	UserAgent string
}

// NormalizeEmail はメールアドレスを比較用に正規化する（前後空白除去・小文字化）。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
