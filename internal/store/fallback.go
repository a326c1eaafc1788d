package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hitoshi/connectauth/internal/model"
)

// FallbackRecorder は縮退モードへの切り替えを記録する。
// *metrics.Collector がこれを満たす。
type FallbackRecorder interface {
	RecordFallback(operation string)
}

// FallbackStore はManagedStoreを包み、コンパニオンスキーマの欠如時のみ
// 同じ論理操作をSchemalessStoreでやり直すStore実装。
//
// 切り替えの判定は呼び出しごとに行い、状態は保持しない。
// ネットワーク障害や資格情報の誤りなど、スキーマ欠如以外のエラーはそのまま返す。
type FallbackStore struct {
	primary   Store
	secondary Store
	logger    *slog.Logger
	recorder  FallbackRecorder
}

// NewFallbackStore はFallbackStoreを生成する。
func NewFallbackStore(primary, secondary Store, logger *slog.Logger, recorder FallbackRecorder) *FallbackStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackStore{
		primary:   primary,
		secondary: secondary,
		logger:    logger,
		recorder:  recorder,
	}
}

// withFallback はprimaryを実行し、ErrSchemaAbsentの場合に限りsecondaryを実行する。
func withFallback[T any](ctx context.Context, f *FallbackStore, op string, primary, secondary func(context.Context) (T, error)) (T, error) {
	v, err := primary(ctx)
	if !errors.Is(err, model.ErrSchemaAbsent) {
		return v, err
	}

	f.logger.Warn("コンパニオンスキーマが存在しないため縮退モードで処理します",
		slog.String("mode", "degraded"),
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
	if f.recorder != nil {
		f.recorder.RecordFallback(op)
	}

	v, err = secondary(ctx)
	if errors.Is(err, model.ErrSchemaAbsent) {
		// 縮退モードでもスキーマ欠如は呼び出し元に見せない。原因はチェーンに含めない
		var zero T
		return zero, model.NewAuthError(model.KindBackendUnavailable, op, fmt.Errorf("degraded mode failed: %v", err))
	}
	return v, err
}

type signInResult struct {
	identity *model.Identity
	token    string
}

// CreateIdentity はIdentityを作成する。
func (f *FallbackStore) CreateIdentity(ctx context.Context, in model.NewIdentity) (*model.Identity, error) {
	return withFallback(ctx, f, "create_identity",
		func(ctx context.Context) (*model.Identity, error) { return f.primary.CreateIdentity(ctx, in) },
		func(ctx context.Context) (*model.Identity, error) { return f.secondary.CreateIdentity(ctx, in) },
	)
}

// SignIn は資格情報を照合してトークンを発行する。
func (f *FallbackStore) SignIn(ctx context.Context, email, password string, meta model.SignInMeta) (*model.Identity, string, error) {
	call := func(s Store) func(context.Context) (signInResult, error) {
		return func(ctx context.Context) (signInResult, error) {
			identity, token, err := s.SignIn(ctx, email, password, meta)
			return signInResult{identity: identity, token: token}, err
		}
	}
	res, err := withFallback(ctx, f, "sign_in", call(f.primary), call(f.secondary))
	if err != nil {
		return nil, "", err
	}
	return res.identity, res.token, nil
}

// SignOut はセッションを失効させる。
func (f *FallbackStore) SignOut(ctx context.Context, token string) (bool, error) {
	return withFallback(ctx, f, "sign_out",
		func(ctx context.Context) (bool, error) { return f.primary.SignOut(ctx, token) },
		func(ctx context.Context) (bool, error) { return f.secondary.SignOut(ctx, token) },
	)
}

// ResolveIdentity はトークンからIdentityを解決する。
func (f *FallbackStore) ResolveIdentity(ctx context.Context, token string) (*model.Identity, error) {
	return withFallback(ctx, f, "resolve_identity",
		func(ctx context.Context) (*model.Identity, error) { return f.primary.ResolveIdentity(ctx, token) },
		func(ctx context.Context) (*model.Identity, error) { return f.secondary.ResolveIdentity(ctx, token) },
	)
}

// InvalidateSession は1件のセッションを失効させる。
func (f *FallbackStore) InvalidateSession(ctx context.Context, token string) (bool, error) {
	return withFallback(ctx, f, "invalidate_session",
		func(ctx context.Context) (bool, error) { return f.primary.InvalidateSession(ctx, token) },
		func(ctx context.Context) (bool, error) { return f.secondary.InvalidateSession(ctx, token) },
	)
}

// InvalidateAllSessions は指定Identityのすべてのセッションを失効させる。
func (f *FallbackStore) InvalidateAllSessions(ctx context.Context, identityID string) (bool, error) {
	return withFallback(ctx, f, "invalidate_all_sessions",
		func(ctx context.Context) (bool, error) { return f.primary.InvalidateAllSessions(ctx, identityID) },
		func(ctx context.Context) (bool, error) { return f.secondary.InvalidateAllSessions(ctx, identityID) },
	)
}

// UpdateIdentity はプロフィールを更新する。
func (f *FallbackStore) UpdateIdentity(ctx context.Context, identityID string, patch model.IdentityPatch) (*model.Identity, error) {
	return withFallback(ctx, f, "update_identity",
		func(ctx context.Context) (*model.Identity, error) { return f.primary.UpdateIdentity(ctx, identityID, patch) },
		func(ctx context.Context) (*model.Identity, error) { return f.secondary.UpdateIdentity(ctx, identityID, patch) },
	)
}

// DeleteIdentity はIdentityを削除する。
func (f *FallbackStore) DeleteIdentity(ctx context.Context, identityID string) (bool, error) {
	return withFallback(ctx, f, "delete_identity",
		func(ctx context.Context) (bool, error) { return f.primary.DeleteIdentity(ctx, identityID) },
		func(ctx context.Context) (bool, error) { return f.secondary.DeleteIdentity(ctx, identityID) },
	)
}

// CleanupExpiredSessions は期限切れセッションを一括で失効させる。
func (f *FallbackStore) CleanupExpiredSessions(ctx context.Context) (int64, error) {
	return withFallback(ctx, f, "cleanup_expired_sessions",
		f.primary.CleanupExpiredSessions,
		f.secondary.CleanupExpiredSessions,
	)
}

var _ Store = (*FallbackStore)(nil)
