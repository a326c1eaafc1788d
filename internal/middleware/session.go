// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"slices"

	"github.com/hitoshi/connectauth/internal/model"
	"github.com/hitoshi/connectauth/internal/transport"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// identityContextKey はリクエストコンテキストに解決済みIdentityを格納するためのキー。
var identityContextKey = contextKey("identity")

// tokenContextKey はリクエストコンテキストに生のトークンを格納するためのキー。
var tokenContextKey = contextKey("token")

// IdentityResolver はトークンからIdentityを解決する。*auth.Service がこれを満たす。
// 解決できない場合はnilを返す。
type IdentityResolver interface {
	GetCurrentIdentity(ctx context.Context, token string) *model.Identity
}

// NewSessionMiddleware はHTTP Only CookieのトークンからIdentityを解決するミドルウェアを返す。
// トークンの署名に加えてセッション行の有効性まで確認する。
// 解決済みIdentityをリクエストコンテキストに注入し、未認証リクエストには401を返す。
func NewSessionMiddleware(resolver IdentityResolver) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := transport.Extract(r)
			if !ok {
				WriteUnauthenticated(w)
				return
			}

			identity := resolver.GetCurrentIdentity(r.Context(), token)
			if identity == nil {
				WriteUnauthenticated(w)
				return
			}

			ctx := ContextWithIdentity(r.Context(), identity)
			ctx = context.WithValue(ctx, tokenContextKey, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole は指定ロールのいずれかを持つIdentity以外を403で拒否するミドルウェアを返す。
// SessionMiddlewareの後に配置する。
func RequireRole(roles ...model.Role) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := IdentityFromContext(r.Context())
			if err != nil {
				WriteUnauthenticated(w)
				return
			}
			if !slices.Contains(roles, identity.Role) {
				WriteErrorResponse(w, http.StatusForbidden, model.NewForbiddenError())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IdentityFromContext はリクエストコンテキストから解決済みIdentityを取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func IdentityFromContext(ctx context.Context) (*model.Identity, error) {
	identity, ok := ctx.Value(identityContextKey).(*model.Identity)
	if !ok || identity == nil {
		return nil, fmt.Errorf("identity not found in context")
	}
	return identity, nil
}

// UserIDFromContext はリクエストコンテキストからIdentityのIDを取得する。
func UserIDFromContext(ctx context.Context) (string, error) {
	identity, err := IdentityFromContext(ctx)
	if err != nil || identity.ID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return identity.ID, nil
}

// TokenFromContext はセッションミドルウェアが検証したトークンを取得する。
func TokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(tokenContextKey).(string)
	return token
}

// ContextWithIdentity はコンテキストにIdentityを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
// リクエストログの対象であれば、ログにもユーザーIDを記録する。
func ContextWithIdentity(ctx context.Context, identity *model.Identity) context.Context {
	if identity != nil {
		annotateUserID(ctx, identity.ID)
	}
	return context.WithValue(ctx, identityContextKey, identity)
}
