package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/connectauth/internal/model"
	"github.com/hitoshi/connectauth/internal/provider"
	"github.com/hitoshi/connectauth/internal/repository"
	"github.com/hitoshi/connectauth/internal/token"
)

// ProviderAPI はManaged/Schemalessが利用する認証プロバイダの操作。
// *provider.Client がこれを満たす。
type ProviderAPI interface {
	CreateUser(ctx context.Context, in model.NewIdentity) (*provider.User, error)
	SignInWithPassword(ctx context.Context, email, password string) (*provider.User, error)
	GetUser(ctx context.Context, id string) (*provider.User, error)
	UpdateUser(ctx context.Context, id string, update provider.UserUpdate) (*provider.User, error)
	DeleteUser(ctx context.Context, id string) (bool, error)
}

// ManagedConfig はManagedStoreの依存関係。
type ManagedConfig struct {
	Provider  ProviderAPI
	Companion repository.CompanionRepository
	Tokens    *token.Service
	Logger    *slog.Logger
	Now       func() time.Time
}

// ManagedStore は外部プロバイダとコンパニオンスキーマによるStore実装。
//
// コンパニオンスキーマが存在しない場合はmodel.ErrSchemaAbsentを返す。
// 冪等でないプロバイダ操作の前に必ずコンパニオンスキーマへアクセスする。
type ManagedStore struct {
	provider  ProviderAPI
	companion repository.CompanionRepository
	tokens    *token.Service
	logger    *slog.Logger
	now       func() time.Time
}

// NewManagedStore はManagedStoreを生成する。
func NewManagedStore(cfg ManagedConfig) *ManagedStore {
	s := &ManagedStore{
		provider:  cfg.Provider,
		companion: cfg.Companion,
		tokens:    cfg.Tokens,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// CreateIdentity はプロフィールの重複を確認してからプロバイダにユーザーを作成し、
// コンパニオンスキーマにプロフィールを複製する。
func (s *ManagedStore) CreateIdentity(ctx context.Context, in model.NewIdentity) (*model.Identity, error) {
	in, err := normalizeNewIdentity(in)
	if err != nil {
		return nil, err
	}

	existing, err := s.companion.FindProfileByEmail(ctx, in.Email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, model.NewAuthError(model.KindDuplicateEmail, "create identity", nil)
	}

	user, err := s.provider.CreateUser(ctx, in)
	if err != nil {
		return nil, err
	}
	identity := user.Identity(s.now())
	if err := s.companion.UpsertProfile(ctx, identity); err != nil {
		s.sideEffectFailed("create identity", identity.ID, err)
	}
	return identity, nil
}

// SignIn はプロバイダで資格情報を照合し、コンパニオンスキーマにセッションを作成する。
func (s *ManagedStore) SignIn(ctx context.Context, email, password string, meta model.SignInMeta) (*model.Identity, string, error) {
	profile, err := s.companion.FindProfileByEmail(ctx, email)
	if err != nil {
		return nil, "", err
	}
	if profile != nil && !profile.IsActive {
		return nil, "", model.NewAuthError(model.KindInvalidCredentials, "sign in", errors.New("identity is inactive"))
	}

	user, err := s.provider.SignInWithPassword(ctx, email, password)
	if err != nil {
		return nil, "", err
	}
	identity := user.Identity(s.now())
	if !identity.IsActive {
		return nil, "", model.NewAuthError(model.KindInvalidCredentials, "sign in", errors.New("identity is banned"))
	}
	if profile != nil {
		identity.CreatedAt = profile.CreatedAt
	}

	issued, err := s.tokens.Issue(token.ClaimsFor(identity))
	if err != nil {
		return nil, "", err
	}

	// セッションの外部キーのため、先にプロフィールを同期する
	if err := s.companion.UpsertProfile(ctx, identity); err != nil {
		return nil, "", err
	}
	session := &model.Session{
		ID:         uuid.NewString(),
		IdentityID: identity.ID,
		Token:      issued.Token,
		ExpiresAt:  issued.ExpiresAt,
		IsActive:   true,
		IPAddress:  meta.IPAddress,
		UserAgent:  meta.UserAgent,
		CreatedAt:  issued.IssuedAt,
		UpdatedAt:  issued.IssuedAt,
	}
	if err := s.companion.CreateSession(ctx, session); err != nil {
		return nil, "", err
	}

	lastLogin := issued.IssuedAt
	identity.LastLoginAt = &lastLogin
	return identity, issued.Token, nil
}

// SignOut はコンパニオンスキーマのセッションを失効させる。
func (s *ManagedStore) SignOut(ctx context.Context, raw string) (bool, error) {
	return s.InvalidateSession(ctx, raw)
}

// ResolveIdentity はトークン、コンパニオンスキーマのセッションとプロフィールを確認する。
func (s *ManagedStore) ResolveIdentity(ctx context.Context, raw string) (*model.Identity, error) {
	claims, err := s.tokens.Verify(raw)
	if err != nil {
		return nil, err
	}

	session, err := s.companion.FindSessionByToken(ctx, raw)
	if err != nil {
		return nil, err
	}
	if err := checkSession(session, claims, s.now()); err != nil {
		return nil, err
	}

	profile, err := s.companion.FindProfileByID(ctx, session.IdentityID)
	if err != nil {
		return nil, err
	}
	return checkIdentity(profile)
}

// InvalidateSession はトークンに一致する有効なセッションを失効させる。
func (s *ManagedStore) InvalidateSession(ctx context.Context, raw string) (bool, error) {
	if raw == "" {
		return false, nil
	}
	return s.companion.DeactivateSessionByToken(ctx, raw, s.now().UTC())
}

// InvalidateAllSessions は指定Identityの有効なセッションをすべて失効させる。
func (s *ManagedStore) InvalidateAllSessions(ctx context.Context, identityID string) (bool, error) {
	n, err := s.companion.DeactivateSessionsByIdentityID(ctx, identityID, s.now().UTC())
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpdateIdentity はプロバイダのユーザーを更新し、プロフィールを同期する。
func (s *ManagedStore) UpdateIdentity(ctx context.Context, identityID string, patch model.IdentityPatch) (*model.Identity, error) {
	patch, err := normalizePatch(patch)
	if err != nil {
		return nil, err
	}

	profile, err := s.companion.FindProfileByID(ctx, identityID)
	if err != nil {
		return nil, err
	}
	if patch.Email != nil && (profile == nil || profile.Email != *patch.Email) {
		other, err := s.companion.FindProfileByEmail(ctx, *patch.Email)
		if err != nil {
			return nil, err
		}
		if other != nil && other.ID != identityID {
			return nil, model.NewAuthError(model.KindDuplicateEmail, "update identity", nil)
		}
	}

	if patch.Empty() {
		if profile != nil {
			return profile, nil
		}
		return s.fetchIdentity(ctx, identityID)
	}

	user, err := s.provider.UpdateUser(ctx, identityID, provider.UpdateFromPatch(patch))
	if err != nil {
		return nil, err
	}
	identity := user.Identity(s.now())
	if err := s.companion.UpsertProfile(ctx, identity); err != nil {
		s.sideEffectFailed("update identity", identity.ID, err)
	}

	if revokesSessions(patch) {
		if _, err := s.companion.DeactivateSessionsByIdentityID(ctx, identity.ID, s.now().UTC()); err != nil {
			// スキーマ欠如なら失効対象の行も存在しない
			if !errors.Is(err, model.ErrSchemaAbsent) {
				return nil, err
			}
			s.sideEffectFailed("update identity", identity.ID, err)
		}
	}
	return identity, nil
}

// DeleteIdentity はセッション、プロフィールの順に削除してからプロバイダのユーザーを削除する。
func (s *ManagedStore) DeleteIdentity(ctx context.Context, identityID string) (bool, error) {
	if _, err := s.companion.DeleteSessionsByIdentityID(ctx, identityID); err != nil {
		return false, err
	}
	if err := s.companion.DeleteProfile(ctx, identityID); err != nil {
		return false, err
	}
	return s.provider.DeleteUser(ctx, identityID)
}

// CleanupExpiredSessions はコンパニオンスキーマの期限切れセッションを一括で失効させる。
func (s *ManagedStore) CleanupExpiredSessions(ctx context.Context) (int64, error) {
	return s.companion.DeactivateExpiredSessions(ctx, s.now().UTC())
}

func (s *ManagedStore) fetchIdentity(ctx context.Context, identityID string) (*model.Identity, error) {
	user, err := s.provider.GetUser(ctx, identityID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, model.NewAuthError(model.KindIdentityNotFound, "get identity", nil)
	}
	return user.Identity(s.now()), nil
}

// sideEffectFailed はプロバイダ操作の成功後に起きたコンパニオンスキーマの失敗を記録する。
// この失敗は呼び出し元へ返さない（縮退モードで再実行させない）。
func (s *ManagedStore) sideEffectFailed(op, identityID string, err error) {
	s.logger.Warn("プロバイダ操作後のコンパニオンスキーマ同期に失敗しました",
		slog.String("op", op),
		slog.String("identity_id", identityID),
		slog.String("error", err.Error()),
	)
}

var _ Store = (*ManagedStore)(nil)
