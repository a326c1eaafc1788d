package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/connectauth/internal/model"
)

// PostgresSessionRepo はPostgreSQLを使用したLocalバックエンドのセッションリポジトリ。
type PostgresSessionRepo struct {
	db DBTX
}

// NewPostgresSessionRepo はPostgresSessionRepoを生成する。
func NewPostgresSessionRepo(db DBTX) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

// CreateForSignIn はセッションを作成し、同一トランザクションでlast_login_atを更新する。
// いずれかが失敗した場合はどちらも反映されない。
func (r *PostgresSessionRepo) CreateForSignIn(ctx context.Context, session *model.Session) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, token, expires_at, is_active, ip_address, user_agent, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		session.ID, session.IdentityID, session.Token, session.ExpiresAt, session.IsActive,
		nullIfEmpty(session.IPAddress), nullIfEmpty(session.UserAgent), session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE users SET last_login_at = $2 WHERE id = $1`,
		session.IdentityID, session.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// FindByToken はトークンでセッションを取得する。見つからない場合はnilを返す。
// 失効・期限切れの判定は呼び出し側で行う。
func (r *PostgresSessionRepo) FindByToken(ctx context.Context, token string) (*model.Session, error) {
	var (
		session   model.Session
		ip, agent sql.NullString
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, token, expires_at, is_active, ip_address, user_agent, created_at, updated_at
		 FROM sessions
		 WHERE token = $1`,
		token,
	).Scan(&session.ID, &session.IdentityID, &session.Token, &session.ExpiresAt, &session.IsActive,
		&ip, &agent, &session.CreatedAt, &session.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}

	session.IPAddress = ip.String
	session.UserAgent = agent.String
	return &session, nil
}

// DeactivateByToken は有効なセッションを失効させる。
func (r *PostgresSessionRepo) DeactivateByToken(ctx context.Context, token string, now time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET is_active = false, updated_at = $2 WHERE token = $1 AND is_active`,
		token, now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to deactivate session: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// DeactivateByIdentityID は指定Identityの有効なセッションをすべて失効させる。
func (r *PostgresSessionRepo) DeactivateByIdentityID(ctx context.Context, identityID string, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET is_active = false, updated_at = $2 WHERE user_id = $1 AND is_active`,
		identityID, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate user sessions: %w", err)
	}
	return result.RowsAffected()
}

// DeactivateExpired は期限切れの有効なセッションを一括で失効させる。行は削除しない。
func (r *PostgresSessionRepo) DeactivateExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET is_active = false, updated_at = $1 WHERE is_active AND expires_at < $1`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate expired sessions: %w", err)
	}
	return result.RowsAffected()
}

// compile-time interface check
var _ SessionRepository = (*PostgresSessionRepo)(nil)
