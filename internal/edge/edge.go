// Package edge はルーティング層で使うステートレスなトークン検証を提供する。
//
// Verifierは署名鍵と時計だけを持ち、DBやプロバイダには一切アクセスしない。
// セッションの失効はここでは判定しない（下流のSession Storeが判定する）。
package edge

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/connectauth/internal/middleware"
	"github.com/hitoshi/connectauth/internal/model"
	"github.com/hitoshi/connectauth/internal/token"
	"github.com/hitoshi/connectauth/internal/transport"
)

// DefaultSignInPath は未認証のブラウザリクエストのリダイレクト先。
const DefaultSignInPath = "/signin"

// ErrNoToken はリクエストにトークンが含まれない場合のエラー。
var ErrNoToken = errors.New("no token presented")

// Verifier はCookieのトークンを検証する。
type Verifier struct {
	key    []byte
	leeway time.Duration
	now    func() time.Time
}

// NewVerifier はVerifierを生成する。nowがnilの場合はtime.Nowを使う。
func NewVerifier(key []byte, leeway time.Duration, now func() time.Time) *Verifier {
	if now == nil {
		now = time.Now
	}
	return &Verifier{key: key, leeway: leeway, now: now}
}

// Check はリクエストのCookieからトークンを取り出して検証する。
func (v *Verifier) Check(r *http.Request) (*token.Claims, error) {
	raw, ok := transport.Extract(r)
	if !ok {
		return nil, ErrNoToken
	}
	return token.Verify(raw, v.key, v.now(), v.leeway)
}

type claimsKey struct{}

// ClaimsFromContext はMiddlewareが格納した検証済みClaimsを返す。
func ClaimsFromContext(ctx context.Context) (*token.Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*token.Claims)
	return c, ok && c != nil
}

// TokenFailureRecorder はエッジでの検証失敗を記録する。
type TokenFailureRecorder interface {
	RecordTokenFailure(reason string)
}

// MiddlewareConfig はMiddlewareの設定。
type MiddlewareConfig struct {
	Verifier   *Verifier
	Protected  []string // 保護するパスのプレフィックス
	SignInPath string
	Recorder   TokenFailureRecorder
}

// Middleware は保護パスへのリクエストをトークン検証で振り分ける。
// /api/ 配下は401のJSON、それ以外はサインイン画面へリダイレクトする。
func Middleware(cfg MiddlewareConfig) func(next http.Handler) http.Handler {
	signIn := cfg.SignInPath
	if signIn == "" {
		signIn = DefaultSignInPath
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !isProtected(r.URL.Path, cfg.Protected) {
				next.ServeHTTP(w, r)
				return
			}

			claims, err := cfg.Verifier.Check(r)
			if err != nil {
				reason := failureReason(err)
				if cfg.Recorder != nil && reason != "no_token" {
					cfg.Recorder.RecordTokenFailure(reason)
				}
				slog.Debug("edge token check failed",
					slog.String("path", r.URL.Path),
					slog.String("reason", reason),
				)
				reject(w, r, signIn)
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func reject(w http.ResponseWriter, r *http.Request, signIn string) {
	if strings.HasPrefix(r.URL.Path, "/api/") {
		middleware.WriteUnauthenticated(w)
		return
	}
	target := signIn + "?redirect=" + url.QueryEscape(r.URL.RequestURI())
	http.Redirect(w, r, target, http.StatusFound)
}

func isProtected(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if path == p || strings.HasPrefix(path, strings.TrimSuffix(p, "/")+"/") {
			return true
		}
	}
	return false
}

func failureReason(err error) string {
	if errors.Is(err, ErrNoToken) {
		return "no_token"
	}
	if kind := model.KindOf(err); kind != "" {
		return strings.ToLower(string(kind))
	}
	return "unknown"
}
