package model

import "time"

// SessionLifetime はセッションとトークンの有効期間。作成時刻からの絶対期限で、延長しない。
const SessionLifetime = 7 * 24 * time.Hour

// SessionState はセッションの状態を表す。
type SessionState string

const (
	SessionActive  SessionState = "active"
	SessionRevoked SessionState = "revoked"
	SessionExpired SessionState = "expired"
)

// Session は署名済みトークンとIdentityを結び付けるサーバー側のレコード。
// tokenは一意かつ作成後に変更されない。
type Session struct {
	ID         string
	IdentityID string
	Token      string
	ExpiresAt  time.Time
	IsActive   bool
	IPAddress  string
	UserAgent  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// State は指定時刻におけるセッションの状態を返す。
// 失効（is_active=false）は期限切れより優先する。
func (s *Session) State(now time.Time) SessionState {
	if !s.IsActive {
		return SessionRevoked
	}
	if !now.Before(s.ExpiresAt) {
		return SessionExpired
	}
	return SessionActive
}

// Usable はセッションが認可に利用可能かどうかを返す。
func (s *Session) Usable(now time.Time) bool {
	return s.State(now) == SessionActive
}

// StateError はSessionStateに対応するエラーを返す。利用可能な場合はnil。
func (s *Session) StateError(now time.Time) error {
	switch s.State(now) {
	case SessionRevoked:
		return ErrSessionRevoked
	case SessionExpired:
		return ErrSessionExpired
	default:
		return nil
	}
}
