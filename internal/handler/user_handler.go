package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/connectauth/internal/middleware"
	"github.com/hitoshi/connectauth/internal/model"
	"github.com/hitoshi/connectauth/internal/transport"
)

// UserServiceInterface はユーザーハンドラーが必要とするサービスインターフェース。
type UserServiceInterface interface {
	// UpdateIdentity はプロフィールを更新する。パスワード変更時は既存セッションをすべて失効させる。
	UpdateIdentity(ctx context.Context, identityID string, patch model.IdentityPatch) (*model.Identity, error)
	// DeleteIdentity はIdentityを削除する。セッションは先に失効させる。
	DeleteIdentity(ctx context.Context, identityID string) (bool, error)
	// InvalidateAllSessions は指定Identityのすべてのセッションを失効させる。
	InvalidateAllSessions(ctx context.Context, identityID string) (bool, error)
}

// UserHandler はユーザー管理のHTTPハンドラー。
type UserHandler struct {
	service UserServiceInterface
	cookie  transport.Cookie
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(service UserServiceInterface, cookie transport.Cookie) *UserHandler {
	return &UserHandler{
		service: service,
		cookie:  cookie,
	}
}

// updateMeRequest は本人が変更できる項目。ロールと有効状態は含まない。
type updateMeRequest struct {
	Email       *string `json:"email"`
	DisplayName *string `json:"display_name"`
	Password    *string `json:"password"`
}

type revokeResponse struct {
	Revoked bool `json:"revoked"`
}

// UpdateMe は本人のプロフィールを更新する。
// PATCH /api/users/me
// パスワードを変更した場合はすべてのセッションが失効するため、Cookieも削除する。
func (h *UserHandler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}

	var req updateMeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("malformed JSON body"))
		return
	}
	patch := model.IdentityPatch{
		Email:       req.Email,
		DisplayName: req.DisplayName,
		Password:    req.Password,
	}
	if patch.Empty() {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("no fields to update"))
		return
	}

	updated, err := h.service.UpdateIdentity(r.Context(), identity.ID, patch)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	if patch.Password != nil {
		h.cookie.Detach(w)
	}
	writeJSON(w, http.StatusOK, updated)
}

// DeleteMe は本人のIdentityを削除する。
// DELETE /api/users/me
func (h *UserHandler) DeleteMe(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}

	deleted, err := h.service.DeleteIdentity(r.Context(), identity.ID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if !deleted {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewIdentityNotFoundError())
		return
	}

	h.cookie.Detach(w)
	w.WriteHeader(http.StatusNoContent)
}

// RevokeMySessions は本人のすべてのセッション（このリクエストのものを含む）を失効させる。
// POST /api/users/me/sessions/revoke
func (h *UserHandler) RevokeMySessions(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}

	revoked, err := h.service.InvalidateAllSessions(r.Context(), identity.ID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	h.cookie.Detach(w)
	writeJSON(w, http.StatusOK, revokeResponse{Revoked: revoked})
}

// RevokeIdentitySessions は指定Identityのすべてのセッションを失効させる（管理者用）。
// POST /api/admin/identities/{id}/sessions/revoke
func (h *UserHandler) RevokeIdentitySessions(w http.ResponseWriter, r *http.Request) {
	admin, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}

	targetID := chi.URLParam(r, "id")
	if targetID == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("identity id is required"))
		return
	}

	revoked, err := h.service.InvalidateAllSessions(r.Context(), targetID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	slog.Info("管理者がセッションを失効させました",
		slog.String("admin_id", admin.ID),
		slog.String("identity_id", targetID),
		slog.Bool("revoked", revoked),
	)
	writeJSON(w, http.StatusOK, revokeResponse{Revoked: revoked})
}

func (h *UserHandler) requireIdentity(w http.ResponseWriter, r *http.Request) (*model.Identity, bool) {
	identity, err := middleware.IdentityFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
		return nil, false
	}
	return identity, true
}
