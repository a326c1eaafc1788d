// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hitoshi/connectauth/internal/middleware"
	"github.com/hitoshi/connectauth/internal/model"
	"github.com/hitoshi/connectauth/internal/transport"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
// *auth.Service がこれを満たす。
type AuthServiceInterface interface {
	ActiveBackend() model.Backend
	IsAuthAvailable(ctx context.Context) bool
	SignIn(ctx context.Context, email, password string, meta model.SignInMeta) (*model.Identity, string, error)
	SignOut(ctx context.Context, token string) (bool, error)
	GetCurrentIdentity(ctx context.Context, token string) *model.Identity
	ValidateSession(ctx context.Context, token string) bool
	CreateIdentity(ctx context.Context, in model.NewIdentity) (*model.Identity, error)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	Cookie transport.Cookie
}

// AuthHandler はサインイン/サインアウト等の認証関連HTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	config  AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service: service,
		config:  config,
	}
}

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type signUpRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

type sessionResponse struct {
	Valid   bool          `json:"valid"`
	Backend model.Backend `json:"backend"`
}

type statusResponse struct {
	Available bool          `json:"available"`
	Backend   model.Backend `json:"backend"`
}

// SignIn は資格情報を照合し、トークンCookieを設定する。
// POST /auth/signin
// 失敗理由はレスポンスに含めない。
func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("malformed JSON body"))
		return
	}
	if req.Email == "" || req.Password == "" {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewSignInFailedError())
		return
	}

	meta := model.SignInMeta{
		IPAddress: middleware.ClientIP(r),
		UserAgent: r.UserAgent(),
	}
	identity, token, err := h.service.SignIn(r.Context(), req.Email, req.Password, meta)
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewSignInFailedError())
		return
	}

	h.config.Cookie.Attach(w, token)
	writeJSON(w, http.StatusOK, identity)
}

// SignUp はIdentityを作成する。Managedバックエンドでのみ利用できる。
// POST /auth/signup
// 作成後のサインインは別途 /auth/signin で行う。
func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req signUpRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("malformed JSON body"))
		return
	}

	identity, err := h.service.CreateIdentity(r.Context(), model.NewIdentity{
		Email:       req.Email,
		Password:    req.Password,
		DisplayName: req.DisplayName,
		Role:        model.RoleUser,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, identity)
}

// SignOut はセッションを失効させ、トークンCookieを削除する。
// POST /auth/signout
// Cookieが無い場合や既に失効済みの場合も204を返す。
func (h *AuthHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	if token, ok := transport.Extract(r); ok {
		if _, err := h.service.SignOut(r.Context(), token); err != nil {
			// 失効に失敗してもCookieはクリアする
			slog.Error("failed to sign out", slog.String("error", err.Error()))
		}
	}

	h.config.Cookie.Detach(w)
	w.WriteHeader(http.StatusNoContent)
}

// Me は現在のIdentityを返す。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	token, ok := transport.Extract(r)
	if !ok {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
		return
	}

	identity := h.service.GetCurrentIdentity(r.Context(), token)
	if identity == nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
		return
	}

	writeJSON(w, http.StatusOK, identity)
}

// Session はトークンが有効なセッションに対応するかどうかを返す。
// GET /auth/session
func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	valid := false
	if token, ok := transport.Extract(r); ok {
		valid = h.service.ValidateSession(r.Context(), token)
	}
	writeJSON(w, http.StatusOK, sessionResponse{Valid: valid, Backend: h.service.ActiveBackend()})
}

// Status は認証バックエンドが利用可能かどうかを返す。
// GET /auth/status
func (h *AuthHandler) Status(w http.ResponseWriter, r *http.Request) {
	available := h.service.IsAuthAvailable(r.Context())
	statusCode := http.StatusOK
	if !available {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, statusResponse{Available: available, Backend: h.service.ActiveBackend()})
}
