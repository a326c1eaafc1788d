// Package repository はデータ永続化のインターフェースを定義する。
//
// Localバックエンド用のリポジトリはlib/pq（database/sql）、
// Managedバックエンドのコンパニオンスキーマ用のリポジトリはpgxを使用する。
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/connectauth/internal/model"
)

// IdentityRepository はLocalバックエンドのIdentityと資格情報の永続化インターフェース。
type IdentityRepository interface {
	// FindByID は指定IDのIdentityを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Identity, error)

	// FindByEmailWithCredential はメールアドレスでIdentityとパスワードハッシュを取得する。
	// 見つからない場合はnilと空文字を返す。
	FindByEmailWithCredential(ctx context.Context, email string) (*model.Identity, string, error)

	// CreateWithCredential はIdentityと資格情報を同一トランザクションで作成する。
	// メールアドレスが重複する場合はmodel.ErrDuplicateEmailを返す。
	CreateWithCredential(ctx context.Context, identity *model.Identity, passwordHash string) error

	// Update はIdentityのプロフィール項目と、changeで指定された資格情報・セッションの変更を
	// 同一トランザクションで反映し、失効させたセッション数を返す。
	// 対象が存在しない場合はmodel.ErrIdentityNotFoundを返す。
	Update(ctx context.Context, identity *model.Identity, change IdentityChange) (int64, error)

	// DeleteByID は指定IDのIdentityを削除する。資格情報はCASCADE削除される。
	// 削除した場合はtrueを返す。
	DeleteByID(ctx context.Context, id string) (bool, error)
}

// IdentityChange はプロフィール更新と同時に反映する変更。
type IdentityChange struct {
	PasswordHash   string // 空の場合は資格情報を変更しない
	RevokeSessions bool   // 有効なセッションをすべて失効させる
	At             time.Time
}

// SessionRepository はLocalバックエンドのセッションの永続化インターフェース。
// 行は削除せず、is_activeで論理的に失効させる（監査用に保持）。
type SessionRepository interface {
	// CreateForSignIn はセッション作成とlast_login_atの更新を同一トランザクションで行う。
	CreateForSignIn(ctx context.Context, session *model.Session) error

	// FindByToken はトークンでセッションを取得する。失効・期限切れも含めて返す。
	// 見つからない場合はnilを返す。
	FindByToken(ctx context.Context, token string) (*model.Session, error)

	// DeactivateByToken は有効なセッションを失効させる。失効させた場合はtrueを返す。
	DeactivateByToken(ctx context.Context, token string, now time.Time) (bool, error)

	// DeactivateByIdentityID は指定Identityの有効なセッションをすべて失効させる。
	DeactivateByIdentityID(ctx context.Context, identityID string, now time.Time) (int64, error)

	// DeactivateExpired はexpires_at < now かつ有効なセッションを一括で失効させる。
	DeactivateExpired(ctx context.Context, now time.Time) (int64, error)
}

// CompanionRepository はManagedバックエンドのコンパニオンスキーマ
// （profiles, auth_sessions）の永続化インターフェース。
// スキーマが存在しない場合、各メソッドはmodel.ErrSchemaAbsentを返す。
type CompanionRepository interface {
	// FindProfileByID は指定IDのプロフィールを取得する。見つからない場合はnilを返す。
	FindProfileByID(ctx context.Context, id string) (*model.Identity, error)

	// FindProfileByEmail はメールアドレスでプロフィールを取得する。見つからない場合はnilを返す。
	FindProfileByEmail(ctx context.Context, email string) (*model.Identity, error)

	// UpsertProfile はプロフィールを作成または更新する。
	UpsertProfile(ctx context.Context, identity *model.Identity) error

	// DeleteProfile は指定IDのプロフィールを削除する。
	DeleteProfile(ctx context.Context, id string) error

	// CreateSession はセッション作成とlast_login_atの更新を同一トランザクションで行う。
	CreateSession(ctx context.Context, session *model.Session) error

	// FindSessionByToken はトークンでセッションを取得する。見つからない場合はnilを返す。
	FindSessionByToken(ctx context.Context, token string) (*model.Session, error)

	// DeactivateSessionByToken は有効なセッションを失効させる。失効させた場合はtrueを返す。
	DeactivateSessionByToken(ctx context.Context, token string, now time.Time) (bool, error)

	// DeactivateSessionsByIdentityID は指定Identityの有効なセッションをすべて失効させる。
	DeactivateSessionsByIdentityID(ctx context.Context, identityID string, now time.Time) (int64, error)

	// DeleteSessionsByIdentityID は指定Identityのセッションをすべて削除する。
	DeleteSessionsByIdentityID(ctx context.Context, identityID string) (int64, error)

	// DeactivateExpiredSessions は期限切れの有効なセッションを一括で失効させる。
	DeactivateExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// DBTX はLocalリポジトリが必要とする*sql.DBの部分集合。
type DBTX interface {
	TxBeginner
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
