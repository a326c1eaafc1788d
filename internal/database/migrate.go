// Package database はデータベース接続とマイグレーション管理を提供する。
package database

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net/url"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

//go:embed companion/*.sql
var companionFS embed.FS

// CompanionMigrationsTable はコンパニオンスキーマのマイグレーション履歴テーブル名。
// Localスキーマと同じデータベースに同居できるよう分けている。
const CompanionMigrationsTable = "companion_schema_migrations"

// NewMigrator はLocalスキーマのマイグレーション実行用のmigrateインスタンスを生成する。
// databaseURLはPostgreSQLの接続URLを指定する。
func NewMigrator(databaseURL string) (*migrate.Migrate, error) {
	return newMigrator(migrationsFS, "migrations", databaseURL)
}

// NewCompanionMigrator はコンパニオンスキーマ（profiles, auth_sessions）の
// マイグレーション実行用のmigrateインスタンスを生成する。
func NewCompanionMigrator(databaseURL string) (*migrate.Migrate, error) {
	u, err := withMigrationsTable(databaseURL, CompanionMigrationsTable)
	if err != nil {
		return nil, err
	}
	return newMigrator(companionFS, "companion", u)
}

func newMigrator(fsys fs.FS, dir, databaseURL string) (*migrate.Migrate, error) {
	source, err := iofs.New(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}

	return m, nil
}

// RunMigrations はLocalスキーマのすべてのマイグレーションを適用する。
// すでに最新の場合はエラーなしで返る。
func RunMigrations(databaseURL string) error {
	m, err := NewMigrator(databaseURL)
	if err != nil {
		return err
	}
	return up(m)
}

// RunCompanionMigrations はコンパニオンスキーマのすべてのマイグレーションを適用する。
func RunCompanionMigrations(databaseURL string) error {
	m, err := NewCompanionMigrator(databaseURL)
	if err != nil {
		return err
	}
	return up(m)
}

func up(m *migrate.Migrate) error {
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// withMigrationsTable はgolang-migrateのx-migrations-tableパラメータを付与する。
func withMigrationsTable(databaseURL, table string) (string, error) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse database url: %w", err)
	}
	q := u.Query()
	q.Set("x-migrations-table", table)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
