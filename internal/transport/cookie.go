// Package transport はトークンとHTTP Cookieの相互変換を提供する。
package transport

import (
	"net/http"
	"time"

	"github.com/hitoshi/connectauth/internal/model"
)

// CookieName は認証トークンを保持するCookieの名前。
const CookieName = "auth-token"

// Cookie はトークンCookieの属性設定。
type Cookie struct {
	Secure bool   // 本番環境のみtrue
	Domain string // 空の場合はホスト限定
}

// Attach はトークンをHTTP Only、SameSite=LaxのCookieとしてレスポンスに設定する。
func (c Cookie) Attach(w http.ResponseWriter, token string) {
	maxAge := int(model.SessionLifetime / time.Second)
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		Domain:   c.Domain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// Detach はトークンCookieを削除する。
func (c Cookie) Detach(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		Domain:   c.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// Extract はリクエストからトークンを取り出す。
// Cookieが無い・空の場合はエラーではなく「資格情報なし」としてfalseを返す。
func Extract(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(CookieName)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	return cookie.Value, true
}
