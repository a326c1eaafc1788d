// Package store はSession Storeのインターフェースと実装を提供する。
//
// 実装はLocal（自前DB + オペレーター許可リスト）、Managed（外部プロバイダ + コンパニオンスキーマ）、
// Schemaless（プロバイダのみ）の3種類。ManagedはFallbackStoreで包み、
// コンパニオンスキーマが存在しない場合はSchemalessで同じ操作をやり直す。
package store

import (
	"context"
	"errors"
	"strings"

	"github.com/hitoshi/connectauth/internal/model"
	"github.com/hitoshi/connectauth/internal/security"
)

const (
	// MinPasswordLength はパスワードの最小文字数。
	MinPasswordLength = 8
	// MaxPasswordBytes はbcryptが扱えるパスワードの最大バイト数。
	MaxPasswordBytes = 72
)

// Store はセッションの永続化・照会・失効を行うインターフェース。
// 型付きの失敗は*model.AuthErrorで返し、errors.Isでセンチネルと比較する。
type Store interface {
	// CreateIdentity はIdentityを作成する。
	// メールアドレス重複はErrDuplicateEmail、パスワードポリシー違反はErrWeakCredential。
	CreateIdentity(ctx context.Context, in model.NewIdentity) (*model.Identity, error)

	// SignIn は資格情報を照合し、トークンを発行してセッションを作成する。
	// 資格情報の誤りや無効なIdentityはErrInvalidCredentials。
	SignIn(ctx context.Context, email, password string, meta model.SignInMeta) (*model.Identity, string, error)

	// SignOut は一致するセッションを失効させる。冪等であり、2回目以降はfalseを返す。
	SignOut(ctx context.Context, token string) (bool, error)

	// ResolveIdentity はトークンの署名、セッションの有効性、Identityの有効性を確認する。
	ResolveIdentity(ctx context.Context, token string) (*model.Identity, error)

	// InvalidateSession は1件のセッションを失効させる。
	InvalidateSession(ctx context.Context, token string) (bool, error)

	// InvalidateAllSessions は指定Identityのすべてのセッションを失効させる。
	InvalidateAllSessions(ctx context.Context, identityID string) (bool, error)

	// UpdateIdentity はプロフィールを更新する。
	UpdateIdentity(ctx context.Context, identityID string, patch model.IdentityPatch) (*model.Identity, error)

	// DeleteIdentity はIdentityを削除する。先にすべてのセッションを失効（Local）または削除（Managed）する。
	DeleteIdentity(ctx context.Context, identityID string) (bool, error)

	// CleanupExpiredSessions は期限切れの有効なセッションを一括で失効させ、件数を返す。
	CleanupExpiredSessions(ctx context.Context) (int64, error)
}

var (
	// ErrInvalidEmail はメールアドレスの形式が不正な場合のエラー。
	ErrInvalidEmail = errors.New("invalid email address")
	// ErrInvalidRole は未定義のロールが指定された場合のエラー。
	ErrInvalidRole = errors.New("invalid role")
)

var displayNames = security.NewDisplayNameSanitizer()

// ValidatePassword はパスワードポリシーを確認する。
func ValidatePassword(password string) error {
	if len([]rune(password)) < MinPasswordLength {
		return model.NewAuthError(model.KindWeakCredential, "validate password", errors.New("password is too short"))
	}
	if len(password) > MaxPasswordBytes {
		return model.NewAuthError(model.KindWeakCredential, "validate password", errors.New("password is too long"))
	}
	return nil
}

// ValidateEmail はメールアドレスの最低限の形式を確認する。
func ValidateEmail(email string) error {
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 || strings.ContainsAny(email, " \t\r\n") {
		return ErrInvalidEmail
	}
	return nil
}

// normalizeNewIdentity は作成入力を正規化し、検証する。
func normalizeNewIdentity(in model.NewIdentity) (model.NewIdentity, error) {
	in.Email = model.NormalizeEmail(in.Email)
	in.DisplayName = displayNames.Sanitize(in.DisplayName)
	if err := ValidateEmail(in.Email); err != nil {
		return in, err
	}
	if err := ValidatePassword(in.Password); err != nil {
		return in, err
	}
	if in.Role == "" {
		in.Role = model.RoleUser
	}
	if !in.Role.Valid() {
		return in, ErrInvalidRole
	}
	return in, nil
}

// normalizePatch はパッチを正規化し、検証する。
func normalizePatch(patch model.IdentityPatch) (model.IdentityPatch, error) {
	if patch.Email != nil {
		email := model.NormalizeEmail(*patch.Email)
		if err := ValidateEmail(email); err != nil {
			return patch, err
		}
		patch.Email = &email
	}
	if patch.DisplayName != nil {
		name := displayNames.Sanitize(*patch.DisplayName)
		patch.DisplayName = &name
	}
	if patch.Role != nil && !patch.Role.Valid() {
		return patch, ErrInvalidRole
	}
	if patch.Password != nil {
		if err := ValidatePassword(*patch.Password); err != nil {
			return patch, err
		}
	}
	return patch, nil
}

// revokesSessions はパッチの適用で既存セッションを失効させるべきかどうかを返す。
// パスワード変更と無効化が該当する。
func revokesSessions(patch model.IdentityPatch) bool {
	return patch.Password != nil || (patch.IsActive != nil && !*patch.IsActive)
}
