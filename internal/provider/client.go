// Package provider は外部の認証プロバイダ（Managedバックエンド）のAPIクライアントを提供する。
// Identityの作成・パスワード照合・プロフィール更新・削除はこのクライアント経由で行う。
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/connectauth/internal/model"
)

const (
	// DefaultTimeout はプロバイダ呼び出し1回あたりのHTTPタイムアウト。
	DefaultTimeout = 5 * time.Second

	// banForever は無効化したIdentityに設定するBAN期間。
	banForever = "876000h"
	banNone    = "none"

	// maxErrorBody はエラーレスポンスとして読み取る最大バイト数。
	maxErrorBody = 64 << 10
)

// Config はClientの設定。
type Config struct {
	BaseURL    string // 例: https://project.example.com
	AnonKey    string // 公開キー（サインインに使用）
	ServiceKey string // 管理用キー。空の場合はAnonKeyを使う
	HTTPClient *http.Client
}

// Client は認証プロバイダのREST APIクライアント。
type Client struct {
	baseURL    string
	anonKey    string
	serviceKey string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(cfg Config, logger *slog.Logger) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	serviceKey := cfg.ServiceKey
	if serviceKey == "" {
		serviceKey = cfg.AnonKey
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		anonKey:    cfg.AnonKey,
		serviceKey: serviceKey,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Configured はエンドポイントと公開キーの両方が設定されているかどうかを返す。
// どちらかが欠けている場合、トグルに関係なくManagedバックエンドは無効になる。
func (c *Client) Configured() bool {
	return c != nil && c.baseURL != "" && c.anonKey != ""
}

// User はプロバイダが保持するユーザー情報。
type User struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	UserMetadata map[string]any `json:"user_metadata"`
	AppMetadata  map[string]any `json:"app_metadata"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	LastSignInAt *time.Time     `json:"last_sign_in_at"`
	BannedUntil  *time.Time     `json:"banned_until"`
}

// Identity はプロバイダのユーザー情報をIdentityに変換する。
// ロールはapp_metadata、user_metadataの順に参照する。
func (u *User) Identity(now time.Time) *model.Identity {
	role := model.RoleUser
	for _, meta := range []map[string]any{u.AppMetadata, u.UserMetadata} {
		if s, ok := meta["role"].(string); ok && s != "" {
			if r, err := model.ParseRole(s); err == nil {
				role = r
				break
			}
		}
	}
	displayName, _ := u.UserMetadata["display_name"].(string)

	return &model.Identity{
		ID:          u.ID,
		Email:       model.NormalizeEmail(u.Email),
		DisplayName: displayName,
		Role:        role,
		IsActive:    u.BannedUntil == nil || !u.BannedUntil.After(now),
		CreatedAt:   u.CreatedAt,
		UpdatedAt:   u.UpdatedAt,
		LastLoginAt: u.LastSignInAt,
	}
}

// UserUpdate は管理APIによるユーザー更新内容。nilのフィールドは送信しない。
type UserUpdate struct {
	Email        *string        `json:"email,omitempty"`
	Password     *string        `json:"password,omitempty"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
	AppMetadata  map[string]any `json:"app_metadata,omitempty"`
	BanDuration  string         `json:"ban_duration,omitempty"`
}

// UpdateFromPatch はIdentityPatchをプロバイダの更新リクエストに変換する。
func UpdateFromPatch(patch model.IdentityPatch) UserUpdate {
	var u UserUpdate
	if patch.Email != nil {
		email := model.NormalizeEmail(*patch.Email)
		u.Email = &email
	}
	u.Password = patch.Password
	if patch.DisplayName != nil {
		u.UserMetadata = map[string]any{"display_name": *patch.DisplayName}
	}
	if patch.Role != nil {
		u.AppMetadata = map[string]any{"role": string(*patch.Role)}
	}
	if patch.IsActive != nil {
		if *patch.IsActive {
			u.BanDuration = banNone
		} else {
			u.BanDuration = banForever
		}
	}
	return u
}

// CreateUser は管理APIでユーザーを作成する。メール確認は済みとして扱う。
func (c *Client) CreateUser(ctx context.Context, in model.NewIdentity) (*User, error) {
	body := map[string]any{
		"email":         model.NormalizeEmail(in.Email),
		"password":      in.Password,
		"email_confirm": true,
		"user_metadata": map[string]any{"display_name": in.DisplayName},
		"app_metadata":  map[string]any{"role": string(in.Role)},
	}
	var user User
	if err := c.do(ctx, "create user", http.MethodPost, "/auth/v1/admin/users", nil, c.serviceKey, body, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// SignInWithPassword はメールアドレスとパスワードを照合し、ユーザー情報を返す。
// プロバイダが発行するアクセストークンは使用しない（トークンは自前で発行する）。
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*User, error) {
	body := map[string]any{
		"email":    model.NormalizeEmail(email),
		"password": password,
	}
	var resp struct {
		User User `json:"user"`
	}
	q := url.Values{"grant_type": {"password"}}
	if err := c.do(ctx, "sign in", http.MethodPost, "/auth/v1/token", q, c.anonKey, body, &resp); err != nil {
		return nil, err
	}
	if resp.User.ID == "" {
		return nil, fmt.Errorf("sign in: provider response has no user")
	}
	return &resp.User, nil
}

// GetUser は指定IDのユーザーを取得する。存在しない場合はnilを返す。
func (c *Client) GetUser(ctx context.Context, id string) (*User, error) {
	var user User
	err := c.do(ctx, "get user", http.MethodGet, "/auth/v1/admin/users/"+url.PathEscape(id), nil, c.serviceKey, nil, &user)
	if errors.Is(err, model.ErrIdentityNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// UpdateUser は管理APIでユーザーを更新する。
func (c *Client) UpdateUser(ctx context.Context, id string, update UserUpdate) (*User, error) {
	var user User
	if err := c.do(ctx, "update user", http.MethodPut, "/auth/v1/admin/users/"+url.PathEscape(id), nil, c.serviceKey, update, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// DeleteUser は管理APIでユーザーを削除する。存在しない場合はfalseを返す。
func (c *Client) DeleteUser(ctx context.Context, id string) (bool, error) {
	err := c.do(ctx, "delete user", http.MethodDelete, "/auth/v1/admin/users/"+url.PathEscape(id), nil, c.serviceKey, nil, nil)
	if errors.Is(err, model.ErrIdentityNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// do はリクエストを送信し、成功時はレスポンスをoutにデコードする。
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, key string, in, out any) error {
	if !c.Configured() {
		return model.NewAuthError(model.KindBackendUnavailable, op, errors.New("provider is not configured"))
	}

	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: failed to encode request: %w", op, err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return fmt.Errorf("%s: failed to create request: %w", op, err)
	}
	req.Header.Set("apikey", key)
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("認証プロバイダの呼び出しに失敗しました",
			slog.String("op", op),
			slog.String("error", err.Error()),
		)
		return model.NewAuthError(model.KindBackendUnavailable, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		err := classifyResponse(op, resp.StatusCode, raw)
		if model.KindOf(err) == model.KindBackendUnavailable {
			c.logger.Error("認証プロバイダがエラーステータスを返しました",
				slog.String("op", op),
				slog.Int("http_status", resp.StatusCode),
			)
		}
		return err
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: failed to decode response: %w", op, err)
	}
	return nil
}

// errorBody はプロバイダのエラーレスポンス。エンドポイントによって形式が異なる。
type errorBody struct {
	ErrorCode        string `json:"error_code"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Msg              string `json:"msg"`
	Message          string `json:"message"`
}

func (b errorBody) text() string {
	for _, s := range []string{b.Msg, b.Message, b.ErrorDescription, b.Error} {
		if s != "" {
			return s
		}
	}
	return ""
}

// classifyResponse はエラーレスポンスを認証エラーの種別に対応付ける。
func classifyResponse(op string, status int, raw []byte) error {
	var body errorBody
	_ = json.Unmarshal(raw, &body)
	cause := fmt.Errorf("provider returned status %d: %s", status, body.text())
	lower := strings.ToLower(body.text())

	switch {
	case status >= 500 || status == http.StatusTooManyRequests:
		return model.NewAuthError(model.KindBackendUnavailable, op, cause)
	case body.ErrorCode == "email_exists" || body.ErrorCode == "user_already_exists" ||
		strings.Contains(lower, "already registered") || strings.Contains(lower, "already been registered"):
		return model.NewAuthError(model.KindDuplicateEmail, op, cause)
	case body.ErrorCode == "weak_password":
		return model.NewAuthError(model.KindWeakCredential, op, cause)
	case body.Error == "invalid_grant" || body.ErrorCode == "invalid_credentials" ||
		body.ErrorCode == "email_not_confirmed" || body.ErrorCode == "user_banned":
		return model.NewAuthError(model.KindInvalidCredentials, op, cause)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		// キーの設定誤り。利用者の資格情報の問題ではない
		return model.NewAuthError(model.KindBackendUnavailable, op, cause)
	case status == http.StatusNotFound || body.ErrorCode == "user_not_found":
		return model.NewAuthError(model.KindIdentityNotFound, op, cause)
	default:
		return fmt.Errorf("%s: %w", op, cause)
	}
}
