package store

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/connectauth/internal/model"
	"github.com/hitoshi/connectauth/internal/provider"
	"github.com/hitoshi/connectauth/internal/token"
)

// SchemalessStore はコンパニオンスキーマを一切使わず、プロバイダの機能だけで動くStore実装。
// セッションの有効性はトークン検証とプロバイダが返すアカウント状態のみで判断する。
type SchemalessStore struct {
	provider ProviderAPI
	tokens   *token.Service
	now      func() time.Time
}

// NewSchemalessStore はSchemalessStoreを生成する。
func NewSchemalessStore(p ProviderAPI, tokens *token.Service, now func() time.Time) *SchemalessStore {
	if now == nil {
		now = time.Now
	}
	return &SchemalessStore{provider: p, tokens: tokens, now: now}
}

// CreateIdentity はプロバイダにユーザーを作成する。
func (s *SchemalessStore) CreateIdentity(ctx context.Context, in model.NewIdentity) (*model.Identity, error) {
	in, err := normalizeNewIdentity(in)
	if err != nil {
		return nil, err
	}
	user, err := s.provider.CreateUser(ctx, in)
	if err != nil {
		return nil, err
	}
	return user.Identity(s.now()), nil
}

// SignIn はプロバイダで資格情報を照合し、トークンを発行する。セッション行は作成しない。
func (s *SchemalessStore) SignIn(ctx context.Context, email, password string, _ model.SignInMeta) (*model.Identity, string, error) {
	user, err := s.provider.SignInWithPassword(ctx, email, password)
	if err != nil {
		return nil, "", err
	}
	identity := user.Identity(s.now())
	if !identity.IsActive {
		return nil, "", model.NewAuthError(model.KindInvalidCredentials, "sign in", errors.New("identity is banned"))
	}

	issued, err := s.tokens.Issue(token.ClaimsFor(identity))
	if err != nil {
		return nil, "", err
	}
	lastLogin := issued.IssuedAt
	identity.LastLoginAt = &lastLogin
	return identity, issued.Token, nil
}

// SignOut はサーバー側に失効させる状態がないため常にfalseを返す。
func (s *SchemalessStore) SignOut(context.Context, string) (bool, error) {
	return false, nil
}

// ResolveIdentity はトークンを検証し、プロバイダのアカウント状態を確認する。
func (s *SchemalessStore) ResolveIdentity(ctx context.Context, raw string) (*model.Identity, error) {
	claims, err := s.tokens.Verify(raw)
	if err != nil {
		return nil, err
	}

	user, err := s.provider.GetUser(ctx, claims.SubjectID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, model.NewAuthError(model.KindIdentityNotFound, "resolve identity", nil)
	}
	return checkIdentity(user.Identity(s.now()))
}

// InvalidateSession は常にfalseを返す。
func (s *SchemalessStore) InvalidateSession(context.Context, string) (bool, error) {
	return false, nil
}

// InvalidateAllSessions は常にfalseを返す。
func (s *SchemalessStore) InvalidateAllSessions(context.Context, string) (bool, error) {
	return false, nil
}

// UpdateIdentity はプロバイダのユーザーを更新する。
func (s *SchemalessStore) UpdateIdentity(ctx context.Context, identityID string, patch model.IdentityPatch) (*model.Identity, error) {
	patch, err := normalizePatch(patch)
	if err != nil {
		return nil, err
	}

	if patch.Empty() {
		user, err := s.provider.GetUser(ctx, identityID)
		if err != nil {
			return nil, err
		}
		if user == nil {
			return nil, model.NewAuthError(model.KindIdentityNotFound, "update identity", nil)
		}
		return user.Identity(s.now()), nil
	}

	user, err := s.provider.UpdateUser(ctx, identityID, provider.UpdateFromPatch(patch))
	if err != nil {
		return nil, err
	}
	return user.Identity(s.now()), nil
}

// DeleteIdentity はプロバイダのユーザーを削除する。
func (s *SchemalessStore) DeleteIdentity(ctx context.Context, identityID string) (bool, error) {
	return s.provider.DeleteUser(ctx, identityID)
}

// CleanupExpiredSessions は対象となるセッション行がないため0を返す。
func (s *SchemalessStore) CleanupExpiredSessions(context.Context) (int64, error) {
	return 0, nil
}

var _ Store = (*SchemalessStore)(nil)
