package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/connectauth/internal/model"
)

const identityColumns = `u.id, u.email, u.display_name, u.role, u.is_active, u.created_at, u.updated_at, u.last_login_at`

// PostgresIdentityRepo はPostgreSQLを使用したLocalバックエンドのIdentityリポジトリ。
type PostgresIdentityRepo struct {
	db DBTX
}

// NewPostgresIdentityRepo はPostgresIdentityRepoを生成する。
func NewPostgresIdentityRepo(db DBTX) *PostgresIdentityRepo {
	return &PostgresIdentityRepo{db: db}
}

// FindByID は指定IDのIdentityを取得する。見つからない場合はnilを返す。
func (r *PostgresIdentityRepo) FindByID(ctx context.Context, id string) (*model.Identity, error) {
	identity, err := scanIdentity(r.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM users u WHERE u.id = $1`,
		id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find identity by ID: %w", err)
	}
	return identity, nil
}

// FindByEmailWithCredential はメールアドレスでIdentityとパスワードハッシュを取得する。
// 見つからない場合はnilと空文字を返す。
func (r *PostgresIdentityRepo) FindByEmailWithCredential(ctx context.Context, email string) (*model.Identity, string, error) {
	var hash string
	identity, err := scanIdentity(r.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+`, c.password_hash
		 FROM users u
		 JOIN credentials c ON c.user_id = u.id
		 WHERE lower(u.email) = $1`,
		model.NormalizeEmail(email),
	), &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to find identity by email: %w", err)
	}
	return identity, hash, nil
}

// CreateWithCredential はIdentityと資格情報を同一トランザクションで作成する。
func (r *PostgresIdentityRepo) CreateWithCredential(ctx context.Context, identity *model.Identity, passwordHash string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// ユーザーを作成
	_, err = tx.ExecContext(ctx,
		`INSERT INTO users (id, email, display_name, role, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		identity.ID, identity.Email, identity.DisplayName, string(identity.Role), identity.IsActive,
		identity.CreatedAt, identity.UpdatedAt,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return model.NewAuthError(model.KindDuplicateEmail, "create identity", err)
		}
		return fmt.Errorf("failed to insert identity: %w", err)
	}

	// 資格情報を作成
	_, err = tx.ExecContext(ctx,
		`INSERT INTO credentials (user_id, password_hash, updated_at) VALUES ($1, $2, $3)`,
		identity.ID, passwordHash, identity.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert credential: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// Update はプロフィール、パスワードハッシュ、セッション失効を同一トランザクションで反映する。
// いずれかが失敗した場合は何も変更しない。
func (r *PostgresIdentityRepo) Update(ctx context.Context, identity *model.Identity, change IdentityChange) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE users
		 SET email = $2, display_name = $3, role = $4, is_active = $5, updated_at = $6
		 WHERE id = $1`,
		identity.ID, identity.Email, identity.DisplayName, string(identity.Role), identity.IsActive, identity.UpdatedAt,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return 0, model.NewAuthError(model.KindDuplicateEmail, "update identity", err)
		}
		return 0, fmt.Errorf("failed to update identity: %w", err)
	}
	if err := requireRows(result, "update identity"); err != nil {
		return 0, err
	}

	if change.PasswordHash != "" {
		result, err = tx.ExecContext(ctx,
			`UPDATE credentials SET password_hash = $2, updated_at = $3 WHERE user_id = $1`,
			identity.ID, change.PasswordHash, change.At,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to update password hash: %w", err)
		}
		if err := requireRows(result, "update password hash"); err != nil {
			return 0, err
		}
	}

	var revoked int64
	if change.RevokeSessions {
		result, err = tx.ExecContext(ctx,
			`UPDATE sessions SET is_active = false, updated_at = $2 WHERE user_id = $1 AND is_active`,
			identity.ID, change.At,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to revoke sessions: %w", err)
		}
		if revoked, err = result.RowsAffected(); err != nil {
			return 0, fmt.Errorf("failed to get rows affected: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return revoked, nil
}

// DeleteByID は指定IDのIdentityを削除する。資格情報はCASCADE削除される。
// セッション行は監査用に残す（sessionsはusersを外部キー参照しない）。
func (r *PostgresIdentityRepo) DeleteByID(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete identity: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanIdentity はidentityColumnsの順で1行を読み取る。extraは末尾の追加カラム。
func scanIdentity(row rowScanner, extra ...any) (*model.Identity, error) {
	var (
		identity  model.Identity
		role      string
		lastLogin sql.NullTime
	)
	dest := []any{
		&identity.ID, &identity.Email, &identity.DisplayName, &role, &identity.IsActive,
		&identity.CreatedAt, &identity.UpdatedAt, &lastLogin,
	}
	dest = append(dest, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	identity.Role = model.Role(role)
	if lastLogin.Valid {
		t := lastLogin.Time
		identity.LastLoginAt = &t
	}
	return &identity, nil
}

func requireRows(result sql.Result, op string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return model.NewAuthError(model.KindIdentityNotFound, op, nil)
	}
	return nil
}

// compile-time interface check
var _ IdentityRepository = (*PostgresIdentityRepo)(nil)
