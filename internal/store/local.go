package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/connectauth/internal/credential"
	"github.com/hitoshi/connectauth/internal/model"
	"github.com/hitoshi/connectauth/internal/repository"
	"github.com/hitoshi/connectauth/internal/token"
)

// LocalConfig はLocalStoreの依存関係。
type LocalConfig struct {
	Identities repository.IdentityRepository
	Sessions   repository.SessionRepository
	Codec      *credential.Codec
	Tokens     *token.Service
	Operators  *OperatorList
	Logger     *slog.Logger
	Now        func() time.Time
}

// LocalStore は自前のリレーショナルDBとオペレーター許可リストによるStore実装。
type LocalStore struct {
	identities repository.IdentityRepository
	sessions   repository.SessionRepository
	codec      *credential.Codec
	tokens     *token.Service
	operators  *OperatorList
	logger     *slog.Logger
	now        func() time.Time

	// dummyHash は未登録のメールアドレスでも照合コストを揃えるためのハッシュ。
	dummyHash string
}

const dummyPassword = "connectauth-unknown-identity"

// NewLocalStore はLocalStoreを生成する。
func NewLocalStore(cfg LocalConfig) *LocalStore {
	s := &LocalStore{
		identities: cfg.Identities,
		sessions:   cfg.Sessions,
		codec:      cfg.Codec,
		tokens:     cfg.Tokens,
		operators:  cfg.Operators,
		logger:     cfg.Logger,
		now:        cfg.Now,
	}
	if s.codec == nil {
		s.codec = credential.NewCodec(credential.DefaultCost)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if hash, err := s.codec.Hash(dummyPassword); err == nil {
		s.dummyHash = hash
	}
	return s
}

// CreateIdentity はIdentityと資格情報を作成する。
func (s *LocalStore) CreateIdentity(ctx context.Context, in model.NewIdentity) (*model.Identity, error) {
	in, err := normalizeNewIdentity(in)
	if err != nil {
		return nil, err
	}
	if s.operators.Has(in.Email) {
		return nil, model.NewAuthError(model.KindDuplicateEmail, "create identity", errors.New("email is reserved by an operator account"))
	}

	hash, err := s.codec.Hash(in.Password)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	identity := &model.Identity{
		ID:          uuid.NewString(),
		Email:       in.Email,
		DisplayName: in.DisplayName,
		Role:        in.Role,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.identities.CreateWithCredential(ctx, identity, hash); err != nil {
		return nil, err
	}
	return identity, nil
}

// SignIn は許可リスト、DBの順に資格情報を照合する。
// 許可リストに一致した場合はトークンのみを発行し、DBには一切書き込まない。
func (s *LocalStore) SignIn(ctx context.Context, email, password string, meta model.SignInMeta) (*model.Identity, string, error) {
	op, ok, err := s.operators.Match(email, password, s.codec)
	if err != nil {
		return nil, "", err
	}
	if ok {
		identity := op.Identity()
		issued, err := s.tokens.Issue(token.ClaimsFor(identity))
		if err != nil {
			return nil, "", err
		}
		issuedAt := issued.IssuedAt
		identity.LastLoginAt = &issuedAt
		return identity, issued.Token, nil
	}

	identity, hash, err := s.identities.FindByEmailWithCredential(ctx, email)
	if err != nil {
		return nil, "", err
	}
	if identity == nil {
		_, _ = s.codec.Compare(password, s.dummyHash)
		return nil, "", model.NewAuthError(model.KindInvalidCredentials, "sign in", errors.New("unknown email"))
	}

	matched, err := s.codec.Compare(password, hash)
	if err != nil {
		return nil, "", err
	}
	if !matched {
		return nil, "", model.NewAuthError(model.KindInvalidCredentials, "sign in", errors.New("password mismatch"))
	}
	if !identity.IsActive {
		return nil, "", model.NewAuthError(model.KindInvalidCredentials, "sign in", errors.New("identity is inactive"))
	}

	issued, err := s.tokens.Issue(token.ClaimsFor(identity))
	if err != nil {
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
	// セッション作成とlast_login_atの更新は同一トランザクション
	if err := s.sessions.CreateForSignIn(ctx, session); err != nil {
		return nil, "", err
	}

	lastLogin := issued.IssuedAt
	identity.LastLoginAt = &lastLogin
	return identity, issued.Token, nil
}

// SignOut はセッションを失効させる。オペレーターのトークンには行がないためfalseを返す。
func (s *LocalStore) SignOut(ctx context.Context, raw string) (bool, error) {
	return s.InvalidateSession(ctx, raw)
}

// ResolveIdentity はトークンを検証し、セッション行またはオペレーター許可リストで有効性を確認する。
func (s *LocalStore) ResolveIdentity(ctx context.Context, raw string) (*model.Identity, error) {
	claims, err := s.tokens.Verify(raw)
	if err != nil {
		return nil, err
	}

	if op, ok := s.operators.BySubject(claims.SubjectID, claims.Email); ok {
		return op.Identity(), nil
	}

	session, err := s.sessions.FindByToken(ctx, raw)
	if err != nil {
		return nil, err
	}
	if err := checkSession(session, claims, s.now()); err != nil {
		return nil, err
	}

	identity, err := s.identities.FindByID(ctx, session.IdentityID)
	if err != nil {
		return nil, err
	}
	return checkIdentity(identity)
}

// InvalidateSession はトークンに一致する有効なセッションを失効させる。
func (s *LocalStore) InvalidateSession(ctx context.Context, raw string) (bool, error) {
	if raw == "" {
		return false, nil
	}
	return s.sessions.DeactivateByToken(ctx, raw, s.now().UTC())
}

// InvalidateAllSessions は指定Identityの有効なセッションをすべて失効させる。
func (s *LocalStore) InvalidateAllSessions(ctx context.Context, identityID string) (bool, error) {
	n, err := s.sessions.DeactivateByIdentityID(ctx, identityID, s.now().UTC())
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpdateIdentity はプロフィールを更新する。
// パスワード変更または無効化の場合は既存セッションをすべて失効させる。
func (s *LocalStore) UpdateIdentity(ctx context.Context, identityID string, patch model.IdentityPatch) (*model.Identity, error) {
	patch, err := normalizePatch(patch)
	if err != nil {
		return nil, err
	}
	if patch.Email != nil && s.operators.Has(*patch.Email) {
		return nil, model.NewAuthError(model.KindDuplicateEmail, "update identity", errors.New("email is reserved by an operator account"))
	}

	identity, err := s.identities.FindByID(ctx, identityID)
	if err != nil {
		return nil, err
	}
	if identity == nil {
		return nil, model.NewAuthError(model.KindIdentityNotFound, "update identity", nil)
	}
	if patch.Empty() {
		return identity, nil
	}

	now := s.now().UTC()
	change := repository.IdentityChange{RevokeSessions: revokesSessions(patch), At: now}
	if patch.Password != nil {
		hash, err := s.codec.Hash(*patch.Password)
		if err != nil {
			return nil, err
		}
		change.PasswordHash = hash
	}

	patch.Apply(identity, now)
	revoked, err := s.identities.Update(ctx, identity, change)
	if err != nil {
		return nil, err
	}
	if change.RevokeSessions {
		s.logger.Info("Identity更新に伴いセッションを失効させました",
			slog.String("identity_id", identity.ID),
			slog.Int64("revoked", revoked),
		)
	}

	return identity, nil
}

// DeleteIdentity はセッションをすべて失効させてからIdentityを削除する。
// セッション行は監査用に残る。
func (s *LocalStore) DeleteIdentity(ctx context.Context, identityID string) (bool, error) {
	if _, err := s.sessions.DeactivateByIdentityID(ctx, identityID, s.now().UTC()); err != nil {
		return false, err
	}
	return s.identities.DeleteByID(ctx, identityID)
}

// CleanupExpiredSessions は期限切れの有効なセッションを一括で失効させる。
func (s *LocalStore) CleanupExpiredSessions(ctx context.Context) (int64, error) {
	return s.sessions.DeactivateExpired(ctx, s.now().UTC())
}

// checkSession はセッション行がトークンに対して利用可能かどうかを確認する。
func checkSession(session *model.Session, claims *token.Claims, now time.Time) error {
	if session == nil {
		return model.NewAuthError(model.KindSessionRevoked, "resolve identity", errors.New("session not found"))
	}
	if err := session.StateError(now); err != nil {
		return err
	}
	if session.IdentityID != claims.SubjectID {
		return model.NewAuthError(model.KindSessionRevoked, "resolve identity", errors.New("session subject mismatch"))
	}
	return nil
}

// checkIdentity はIdentityが存在し、有効であることを確認する。
func checkIdentity(identity *model.Identity) (*model.Identity, error) {
	if identity == nil {
		return nil, model.NewAuthError(model.KindIdentityNotFound, "resolve identity", nil)
	}
	if !identity.IsActive {
		return nil, model.NewAuthError(model.KindInvalidCredentials, "resolve identity", errors.New("identity is inactive"))
	}
	return identity, nil
}

var _ Store = (*LocalStore)(nil)
