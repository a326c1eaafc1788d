// Package auth はアプリケーション全体から使う認証の単一窓口を提供する。
//
// Serviceは呼び出しごとにランタイムトグルとプロバイダの設定状況から
// Managed/Localのどちらのバックエンドを使うかを決め、Session Storeに委譲する。
package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/connectauth/internal/metrics"
	"github.com/hitoshi/connectauth/internal/model"
	"github.com/hitoshi/connectauth/internal/store"
)

// DefaultCallTimeout はSession Store呼び出し1回あたりの既定のタイムアウト。
const DefaultCallTimeout = 10 * time.Second

// Toggle はManagedバックエンドを使うかどうかのランタイムトグル。
// 呼び出しごとに評価されるため、実装は毎回最新の値を返すこと。
type Toggle interface {
	ManagedEnabled() bool
}

// ToggleFunc は関数をToggleとして扱うアダプタ。
type ToggleFunc func() bool

// ManagedEnabled はToggleインターフェースを実装する。
func (f ToggleFunc) ManagedEnabled() bool {
	return f()
}

// ProviderStatus は外部プロバイダの設定状況を返す。*provider.Client がこれを満たす。
type ProviderStatus interface {
	Configured() bool
}

// Config はServiceの依存関係。
type Config struct {
	Local     store.Store                     // 必須
	Managed   store.Store                     // FallbackStore。未設定の場合はLocalのみ
	Provider  ProviderStatus                  // Managedの到達可能性判定に使う
	Toggle    Toggle                          // nilの場合は常にLocal
	LocalPing func(ctx context.Context) error // Localの可用性確認（DB ping）
	Timeout   time.Duration                   // 0の場合はDefaultCallTimeout
	Metrics   metrics.MetricsCollector
	Logger    *slog.Logger
}

// Service は統一認証ファサード。
type Service struct {
	local     store.Store
	managed   store.Store
	provider  ProviderStatus
	toggle    Toggle
	localPing func(ctx context.Context) error
	timeout   time.Duration
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
}

// NewService はServiceを生成する。
func NewService(cfg Config) *Service {
	s := &Service{
		local:     cfg.Local,
		managed:   cfg.Managed,
		provider:  cfg.Provider,
		toggle:    cfg.Toggle,
		localPing: cfg.LocalPing,
		timeout:   cfg.Timeout,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
	}
	if s.timeout <= 0 {
		s.timeout = DefaultCallTimeout
	}
	if s.metrics == nil {
		s.metrics = metrics.Nop{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// ActiveBackend は現在選択されるバックエンドを返す。
func (s *Service) ActiveBackend() model.Backend {
	if s.managedActive() {
		return model.BackendManaged
	}
	return model.BackendLocal
}

// IsAuthAvailable は選択中のバックエンドが利用可能かどうかを返す。
func (s *Service) IsAuthAvailable(ctx context.Context) bool {
	if s.managedActive() {
		return true
	}
	if s.local == nil {
		return false
	}
	if s.localPing == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.localPing(ctx); err != nil {
		s.logger.Warn("ローカル認証バックエンドに到達できません", slog.String("error", err.Error()))
		return false
	}
	return true
}

// SignIn は資格情報を照合してトークンを発行する。
// 失敗の種別はログとメトリクスにのみ残し、呼び出し元には常にErrInvalidCredentialsを返す。
func (s *Service) SignIn(ctx context.Context, email, password string, meta model.SignInMeta) (*model.Identity, string, error) {
	st, backend := s.selectStore()
	ctx, done := s.begin(ctx, "sign_in")
	defer done()

	identity, tok, err := st.SignIn(ctx, email, password, meta)
	if err != nil {
		kind := kindLabel(err)
		s.metrics.RecordSignIn(string(backend), kind)
		s.logger.Warn("サインインに失敗しました",
			slog.String("backend", string(backend)),
			slog.String("kind", kind),
			slog.String("error", err.Error()),
		)
		return nil, "", model.NewAuthError(model.KindInvalidCredentials, "sign in", nil)
	}

	s.metrics.RecordSignIn(string(backend), "success")
	s.logger.Info("サインインしました",
		slog.String("backend", string(backend)),
		slog.String("identity_id", identity.ID),
	)
	return identity, tok, nil
}

// SignOut はトークンに対応するセッションを失効させる。冪等。
func (s *Service) SignOut(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	st, _ := s.selectStore()
	ctx, done := s.begin(ctx, "sign_out")
	defer done()
	return st.SignOut(ctx, token)
}

// GetCurrentIdentity はトークンからIdentityを解決する。
// 解決できない場合は理由によらずnil（匿名）を返す。
func (s *Service) GetCurrentIdentity(ctx context.Context, token string) *model.Identity {
	if token == "" {
		return nil
	}
	st, backend := s.selectStore()
	ctx, done := s.begin(ctx, "resolve_identity")
	defer done()

	identity, err := st.ResolveIdentity(ctx, token)
	if err != nil {
		kind := kindLabel(err)
		s.metrics.RecordSessionResolve(string(backend), kind)
		if isTokenFailure(err) {
			s.metrics.RecordTokenFailure(kind)
		}
		s.logger.Debug("セッションを解決できませんでした",
			slog.String("backend", string(backend)),
			slog.String("kind", kind),
		)
		return nil
	}
	s.metrics.RecordSessionResolve(string(backend), "success")
	return identity
}

// ValidateSession はトークンが有効なセッションに対応するかどうかを返す。
func (s *Service) ValidateSession(ctx context.Context, token string) bool {
	return s.GetCurrentIdentity(ctx, token) != nil
}

// CreateIdentity はIdentityを作成する。Localモードでは利用できない。
func (s *Service) CreateIdentity(ctx context.Context, in model.NewIdentity) (*model.Identity, error) {
	if !s.managedActive() {
		return nil, model.NewAuthError(model.KindUnsupportedOperation, "create identity", errors.New("self-serve registration requires the managed backend"))
	}
	ctx, done := s.begin(ctx, "create_identity")
	defer done()
	return s.managed.CreateIdentity(ctx, in)
}

// InvalidateSession は1件のセッションを失効させる。
func (s *Service) InvalidateSession(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	st, _ := s.selectStore()
	ctx, done := s.begin(ctx, "invalidate_session")
	defer done()
	return st.InvalidateSession(ctx, token)
}

// InvalidateAllSessions は指定Identityのすべてのセッションを失効させる。
func (s *Service) InvalidateAllSessions(ctx context.Context, identityID string) (bool, error) {
	st, backend := s.selectStore()
	ctx, done := s.begin(ctx, "invalidate_all_sessions")
	defer done()

	ok, err := st.InvalidateAllSessions(ctx, identityID)
	if err != nil {
		return false, err
	}
	s.logger.Info("すべてのセッションを失効させました",
		slog.String("backend", string(backend)),
		slog.String("identity_id", identityID),
		slog.Bool("revoked", ok),
	)
	return ok, nil
}

// UpdateIdentity はプロフィールを更新する。Localモードでは利用できない。
func (s *Service) UpdateIdentity(ctx context.Context, identityID string, patch model.IdentityPatch) (*model.Identity, error) {
	if !s.managedActive() {
		return nil, model.NewAuthError(model.KindUnsupportedOperation, "update identity", errors.New("profile updates require the managed backend"))
	}
	ctx, done := s.begin(ctx, "update_identity")
	defer done()
	return s.managed.UpdateIdentity(ctx, identityID, patch)
}

// DeleteIdentity はIdentityとそのセッションを削除する。
func (s *Service) DeleteIdentity(ctx context.Context, identityID string) (bool, error) {
	st, backend := s.selectStore()
	ctx, done := s.begin(ctx, "delete_identity")
	defer done()

	ok, err := st.DeleteIdentity(ctx, identityID)
	if err != nil {
		return false, err
	}
	s.logger.Info("Identityを削除しました",
		slog.String("backend", string(backend)),
		slog.String("identity_id", identityID),
		slog.Bool("deleted", ok),
	)
	return ok, nil
}

// CleanupExpiredSessions は期限切れセッションを一括で失効させる。
// Localは常に、Managedは設定されている場合に対象とする。
func (s *Service) CleanupExpiredSessions(ctx context.Context) (int64, error) {
	var (
		total int64
		errs  []error
	)

	sweep := func(name model.Backend, st store.Store) {
		ctx, done := s.begin(ctx, "cleanup_"+string(name))
		defer done()
		n, err := st.CleanupExpiredSessions(ctx)
		if err != nil {
			errs = append(errs, err)
			return
		}
		total += n
	}

	if s.local != nil {
		sweep(model.BackendLocal, s.local)
	}
	if s.managedConfigured() {
		sweep(model.BackendManaged, s.managed)
	}

	s.metrics.RecordExpiredSessions(total)
	return total, errors.Join(errs...)
}

// selectStore はこの呼び出しで使うStoreを選ぶ。結果はキャッシュしない。
func (s *Service) selectStore() (store.Store, model.Backend) {
	if s.managedActive() {
		return s.managed, model.BackendManaged
	}
	return s.local, model.BackendLocal
}

func (s *Service) managedConfigured() bool {
	return s.managed != nil && s.provider != nil && s.provider.Configured()
}

func (s *Service) managedActive() bool {
	return s.toggle != nil && s.toggle.ManagedEnabled() && s.managedConfigured()
}

// begin は呼び出し単位のタイムアウトを設定し、終了時にレイテンシを記録する関数を返す。
func (s *Service) begin(ctx context.Context, op string) (context.Context, func()) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	start := time.Now()
	return ctx, func() {
		cancel()
		s.metrics.RecordStoreLatency(op, time.Since(start))
	}
}

// kindLabel はメトリクスのラベルに使うエラー種別を返す。
func kindLabel(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	kind := model.KindOf(err)
	if kind == "" {
		return "internal"
	}
	return strings.ToLower(string(kind))
}

func isTokenFailure(err error) bool {
	return errors.Is(err, model.ErrTokenMalformed) ||
		errors.Is(err, model.ErrTokenBadSignature) ||
		errors.Is(err, model.ErrTokenExpired)
}
