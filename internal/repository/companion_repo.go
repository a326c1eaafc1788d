package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hitoshi/connectauth/internal/model"
)

// PgxConn はCompanionRepoが必要とするpgxの接続インターフェース。
// *pgxpool.Pool と pgx.Tx がこれを満たす。
type PgxConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

const profileColumns = `id, email, display_name, role, is_active, created_at, updated_at, last_login_at`

// CompanionRepo はManagedバックエンドのコンパニオンスキーマをpgxで操作するリポジトリ。
// すべてのエラーはclassifyを経由し、スキーマ欠如はmodel.ErrSchemaAbsentになる。
type CompanionRepo struct {
	conn PgxConn
}

// NewCompanionRepo はCompanionRepoを生成する。
func NewCompanionRepo(conn PgxConn) *CompanionRepo {
	return &CompanionRepo{conn: conn}
}

// FindProfileByID は指定IDのプロフィールを取得する。見つからない場合はnilを返す。
func (r *CompanionRepo) FindProfileByID(ctx context.Context, id string) (*model.Identity, error) {
	identity, err := scanProfile(r.conn.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE id = $1`, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("find profile by ID", err)
	}
	return identity, nil
}

// FindProfileByEmail はメールアドレスでプロフィールを取得する。見つからない場合はnilを返す。
func (r *CompanionRepo) FindProfileByEmail(ctx context.Context, email string) (*model.Identity, error) {
	identity, err := scanProfile(r.conn.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE lower(email) = $1`, model.NormalizeEmail(email),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("find profile by email", err)
	}
	return identity, nil
}

// UpsertProfile はプロフィールを作成または更新する。
func (r *CompanionRepo) UpsertProfile(ctx context.Context, identity *model.Identity) error {
	_, err := r.conn.Exec(ctx,
		`INSERT INTO profiles (id, email, display_name, role, is_active, created_at, updated_at, last_login_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
		   email = EXCLUDED.email,
		   display_name = EXCLUDED.display_name,
		   role = EXCLUDED.role,
		   is_active = EXCLUDED.is_active,
		   updated_at = EXCLUDED.updated_at`,
		identity.ID, identity.Email, identity.DisplayName, string(identity.Role), identity.IsActive,
		identity.CreatedAt, identity.UpdatedAt, identity.LastLoginAt,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return model.NewAuthError(model.KindDuplicateEmail, "upsert profile", err)
		}
		return classify("upsert profile", err)
	}
	return nil
}

// DeleteProfile は指定IDのプロフィールを削除する。
func (r *CompanionRepo) DeleteProfile(ctx context.Context, id string) error {
	if _, err := r.conn.Exec(ctx, `DELETE FROM profiles WHERE id = $1`, id); err != nil {
		return classify("delete profile", err)
	}
	return nil
}

// CreateSession はセッション作成とlast_login_atの更新を同一トランザクションで行う。
func (r *CompanionRepo) CreateSession(ctx context.Context, session *model.Session) error {
	tx, err := r.conn.Begin(ctx)
	if err != nil {
		return classify("begin transaction", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO auth_sessions (id, user_id, token, expires_at, is_active, ip_address, user_agent, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		session.ID, session.IdentityID, session.Token, session.ExpiresAt, session.IsActive,
		nullIfEmpty(session.IPAddress), nullIfEmpty(session.UserAgent), session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		return classify("create session", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE profiles SET last_login_at = $2 WHERE id = $1`,
		session.IdentityID, session.CreatedAt,
	); err != nil {
		return classify("update last login", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return classify("commit transaction", err)
	}
	return nil
}

// FindSessionByToken はトークンでセッションを取得する。見つからない場合はnilを返す。
func (r *CompanionRepo) FindSessionByToken(ctx context.Context, token string) (*model.Session, error) {
	var (
		session   model.Session
		ip, agent *string
	)
	err := r.conn.QueryRow(ctx,
		`SELECT id, user_id, token, expires_at, is_active, ip_address, user_agent, created_at, updated_at
		 FROM auth_sessions
		 WHERE token = $1`,
		token,
	).Scan(&session.ID, &session.IdentityID, &session.Token, &session.ExpiresAt, &session.IsActive,
		&ip, &agent, &session.CreatedAt, &session.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("find session", err)
	}
	if ip != nil {
		session.IPAddress = *ip
	}
	if agent != nil {
		session.UserAgent = *agent
	}
	return &session, nil
}

// DeactivateSessionByToken は有効なセッションを失効させる。
func (r *CompanionRepo) DeactivateSessionByToken(ctx context.Context, token string, now time.Time) (bool, error) {
	tag, err := r.conn.Exec(ctx,
		`UPDATE auth_sessions SET is_active = false, updated_at = $2 WHERE token = $1 AND is_active`,
		token, now,
	)
	if err != nil {
		return false, classify("deactivate session", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeactivateSessionsByIdentityID は指定Identityの有効なセッションをすべて失効させる。
func (r *CompanionRepo) DeactivateSessionsByIdentityID(ctx context.Context, identityID string, now time.Time) (int64, error) {
	tag, err := r.conn.Exec(ctx,
		`UPDATE auth_sessions SET is_active = false, updated_at = $2 WHERE user_id = $1 AND is_active`,
		identityID, now,
	)
	if err != nil {
		return 0, classify("deactivate user sessions", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteSessionsByIdentityID は指定Identityのセッションをすべて削除する。
func (r *CompanionRepo) DeleteSessionsByIdentityID(ctx context.Context, identityID string) (int64, error) {
	tag, err := r.conn.Exec(ctx, `DELETE FROM auth_sessions WHERE user_id = $1`, identityID)
	if err != nil {
		return 0, classify("delete user sessions", err)
	}
	return tag.RowsAffected(), nil
}

// DeactivateExpiredSessions は期限切れの有効なセッションを一括で失効させる。
func (r *CompanionRepo) DeactivateExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.conn.Exec(ctx,
		`UPDATE auth_sessions SET is_active = false, updated_at = $1 WHERE is_active AND expires_at < $1`,
		now,
	)
	if err != nil {
		return 0, classify("deactivate expired sessions", err)
	}
	return tag.RowsAffected(), nil
}

func scanProfile(row pgx.Row) (*model.Identity, error) {
	var (
		identity model.Identity
		role     string
	)
	if err := row.Scan(&identity.ID, &identity.Email, &identity.DisplayName, &role, &identity.IsActive,
		&identity.CreatedAt, &identity.UpdatedAt, &identity.LastLoginAt); err != nil {
		return nil, err
	}
	identity.Role = model.Role(role)
	return &identity, nil
}

// compile-time interface check
var _ CompanionRepository = (*CompanionRepo)(nil)
