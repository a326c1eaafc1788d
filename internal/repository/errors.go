package repository

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"github.com/hitoshi/connectauth/internal/model"
)

// スキーマ欠如とみなすSQLSTATE。
// 一般的なI/Oエラーや制約違反はここに含めない。
var schemaAbsentCodes = map[string]struct{}{
	"42P01": {}, // undefined_table
	"3F000": {}, // invalid_schema_name
	"42703": {}, // undefined_column
}

const uniqueViolationCode = "23505"

// sqlState はpgx・lib/pqいずれかのエラーからSQLSTATEを取り出す。
func sqlState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

// IsSchemaAbsent はエラーがテーブル・スキーマ・カラムの欠如によるものかどうかを判定する。
func IsSchemaAbsent(err error) bool {
	if err == nil {
		return false
	}
	_, ok := schemaAbsentCodes[sqlState(err)]
	return ok
}

// IsUniqueViolation はエラーが一意制約違反かどうかを判定する。
func IsUniqueViolation(err error) bool {
	return err != nil && sqlState(err) == uniqueViolationCode
}

// classify はコンパニオンスキーマ操作のエラーを分類する。
// スキーマ欠如はmodel.ErrSchemaAbsent、それ以外は通常のラップエラーにする。
func classify(op string, err error) error {
	if IsSchemaAbsent(err) {
		return model.NewAuthError(model.KindSchemaAbsent, op, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

// nullIfEmpty は空文字をNULLとして扱うための値を返す。
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
