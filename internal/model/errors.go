// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// ErrorKind は認証エラーの種別を表す。
type ErrorKind string

const (
	KindInvalidCredentials   ErrorKind = "INVALID_CREDENTIALS"
	KindDuplicateEmail       ErrorKind = "DUPLICATE_EMAIL"
	KindWeakCredential       ErrorKind = "WEAK_CREDENTIAL"
	KindSessionExpired       ErrorKind = "SESSION_EXPIRED"
	KindSessionRevoked       ErrorKind = "SESSION_REVOKED"
	KindTokenMalformed       ErrorKind = "TOKEN_MALFORMED"
	KindTokenBadSignature    ErrorKind = "TOKEN_BAD_SIGNATURE"
	KindTokenExpired         ErrorKind = "TOKEN_EXPIRED"
	KindSchemaAbsent         ErrorKind = "SCHEMA_ABSENT" // 内部専用。Fallback Coordinatorが回収する
	KindBackendUnavailable   ErrorKind = "BACKEND_UNAVAILABLE"
	KindUnsupportedOperation ErrorKind = "UNSUPPORTED_OPERATION"
	KindCredential           ErrorKind = "CREDENTIAL_ERROR"
	KindIdentityNotFound     ErrorKind = "IDENTITY_NOT_FOUND"
)

// AuthError は認証サブシステムの型付きエラー。
// errors.Isは種別（Kind）のみで比較する。
type AuthError struct {
	Kind ErrorKind
	Op   string // 失敗した操作名（ログ用）
	Err  error  // 原因
}

// Error はerrorインターフェースを実装する。
func (e *AuthError) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

// Unwrap は原因エラーを返す。
func (e *AuthError) Unwrap() error {
	return e.Err
}

// Is は同じ種別のAuthErrorと一致する。
func (e *AuthError) Is(target error) bool {
	t, ok := target.(*AuthError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// NewAuthError はAuthErrorを生成する。
func NewAuthError(kind ErrorKind, op string, err error) *AuthError {
	return &AuthError{Kind: kind, Op: op, Err: err}
}

// 種別比較用のセンチネル。errors.Is(err, ErrSchemaAbsent) のように使う。
var (
	ErrInvalidCredentials   = &AuthError{Kind: KindInvalidCredentials}
	ErrDuplicateEmail       = &AuthError{Kind: KindDuplicateEmail}
	ErrWeakCredential       = &AuthError{Kind: KindWeakCredential}
	ErrSessionExpired       = &AuthError{Kind: KindSessionExpired}
	ErrSessionRevoked       = &AuthError{Kind: KindSessionRevoked}
	ErrTokenMalformed       = &AuthError{Kind: KindTokenMalformed}
	ErrTokenBadSignature    = &AuthError{Kind: KindTokenBadSignature}
	ErrTokenExpired         = &AuthError{Kind: KindTokenExpired}
	ErrSchemaAbsent         = &AuthError{Kind: KindSchemaAbsent}
	ErrBackendUnavailable   = &AuthError{Kind: KindBackendUnavailable}
	ErrUnsupportedOperation = &AuthError{Kind: KindUnsupportedOperation}
	ErrCredential           = &AuthError{Kind: KindCredential}
	ErrIdentityNotFound     = &AuthError{Kind: KindIdentityNotFound}
)

// KindOf はエラーチェーンからAuthErrorの種別を取り出す。
// AuthErrorを含まない場合は空文字を返す。
func KindOf(err error) ErrorKind {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeSignInFailed         = "SIGNIN_FAILED"
	ErrCodeUnauthenticated      = "UNAUTHENTICATED"
	ErrCodeForbidden            = "FORBIDDEN"
	ErrCodeDuplicateEmail       = "DUPLICATE_EMAIL"
	ErrCodeWeakCredential       = "WEAK_CREDENTIAL"
	ErrCodeUnsupportedOperation = "UNSUPPORTED_OPERATION"
	ErrCodeBackendUnavailable   = "BACKEND_UNAVAILABLE"
	ErrCodeInvalidRequest       = "INVALID_REQUEST"
	ErrCodeIdentityNotFound     = "IDENTITY_NOT_FOUND"
	ErrCodeRateLimited          = "RATE_LIMIT_EXCEEDED"
	ErrCodeCSRFInvalid          = "CSRF_TOKEN_INVALID"
	ErrCodeInternal             = "INTERNAL_ERROR"
)

// NewSignInFailedError はサインイン失敗エラーを生成する。
// アカウント列挙を防ぐため、失敗理由によらず同じ内容を返す。
func NewSignInFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeSignInFailed,
		Message:  "Email or password is incorrect.",
		Category: "auth",
		Action:   "メールアドレスとパスワードを確認して、再度サインインしてください。",
	}
}

// NewUnauthenticatedError は未認証エラーを生成する。
func NewUnauthenticatedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthenticated,
		Message:  "Authentication required.",
		Category: "auth",
		Action:   "サインインし直してください。",
	}
}

// NewForbiddenError は権限不足エラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "You do not have permission to perform this action.",
		Category: "auth",
		Action:   "管理者に権限を確認してください。",
	}
}

// NewDuplicateEmailError はメールアドレス重複エラーを生成する。
func NewDuplicateEmailError() *APIError {
	return &APIError{
		Code:     ErrCodeDuplicateEmail,
		Message:  "This email address is already registered.",
		Category: "validation",
		Action:   "別のメールアドレスを使用するか、サインインしてください。",
	}
}

// NewWeakCredentialError はパスワードポリシー違反エラーを生成する。
func NewWeakCredentialError() *APIError {
	return &APIError{
		Code:     ErrCodeWeakCredential,
		Message:  "The password does not meet the password policy.",
		Category: "validation",
		Action:   "8文字以上のパスワードを指定してください。",
	}
}

// NewUnsupportedOperationError は現在のバックエンドで利用できない操作のエラーを生成する。
func NewUnsupportedOperationError() *APIError {
	return &APIError{
		Code:     ErrCodeUnsupportedOperation,
		Message:  "This operation is not available with the current authentication backend.",
		Category: "auth",
		Action:   "管理者に問い合わせてください。",
	}
}

// NewBackendUnavailableError は認証バックエンド到達不能エラーを生成する。
func NewBackendUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeBackendUnavailable,
		Message:  "The authentication service is temporarily unavailable.",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewInvalidRequestError はリクエスト不正エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("Invalid request: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewIdentityNotFoundError はIdentityが見つからない場合のエラーを生成する。
func NewIdentityNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeIdentityNotFound,
		Message:  "The account was not found.",
		Category: "auth",
		Action:   "サインインし直してください。",
	}
}

// NewRateLimitedError はレート制限超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "Too many requests. Please try again later.",
		Category: "system",
		Action:   "Retry-Afterヘッダーの秒数だけ待ってから再度お試しください。",
	}
}

// NewCSRFInvalidError はCSRFトークン検証失敗エラーを生成する。
func NewCSRFInvalidError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRFInvalid,
		Message:  "CSRF token validation failed.",
		Category: "auth",
		Action:   "ページを再読み込みしてから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログのみに記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
