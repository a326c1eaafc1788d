// Package cleanup は失効済みセッション行の物理削除ジョブを提供する。
// セッション行は既定では監査用に無期限で残す。保持日数が設定された場合のみ、
// 失効（is_active=false）から保持期間を過ぎた行を削除する。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// PurgeJob は保持期間を過ぎた失効済みセッションを削除する。
// 有効なセッションは期限切れであっても対象にしない（先にjanitorが失効させる）。
type PurgeJob struct {
	db            Executor
	logger        *slog.Logger
	RetentionDays int
}

// NewPurgeJob はPurgeJobを生成する。retentionDaysが0以下の場合は削除を行わない。
func NewPurgeJob(db Executor, retentionDays int, logger *slog.Logger) *PurgeJob {
	if retentionDays < 0 {
		retentionDays = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PurgeJob{
		db:            db,
		logger:        logger,
		RetentionDays: retentionDays,
	}
}

// Enabled は削除が有効かどうかを返す。
func (j *PurgeJob) Enabled() bool {
	return j.RetentionDays > 0
}

// Run は失効からRetentionDays日を過ぎたセッションを削除し、件数を返す。
// 冪等: 削除対象がない場合は0を返す。無効な場合はDBにアクセスしない。
func (j *PurgeJob) Run(ctx context.Context) (int64, error) {
	if !j.Enabled() {
		return 0, nil
	}
	start := time.Now()
	interval := fmt.Sprintf("%d days", j.RetentionDays)

	const query = `DELETE FROM sessions WHERE is_active = false AND updated_at < now() - $1::interval`
	result, err := j.db.ExecContext(ctx, query, interval)
	if err != nil {
		j.logger.Error("失効済みセッションの削除に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return 0, fmt.Errorf("失効済みセッションの削除に失敗: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗: %w", err)
	}

	j.logger.Info("失効済みセッションの削除が完了しました",
		slog.Int64("deleted_count", deleted),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return deleted, nil
}

// RunDaily は起動直後に1回実行し、その後は24時間ごとに実行する。
// コンテキストがキャンセルされるまでブロックする。無効な場合は即座に戻る。
func (j *PurgeJob) RunDaily(ctx context.Context) {
	if !j.Enabled() {
		return
	}
	j.runEvery(ctx, 24*time.Hour)
}

func (j *PurgeJob) runEvery(ctx context.Context, interval time.Duration) {
	// エラーはRun内でログ済み。次回の実行で再試行する
	_, _ = j.Run(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = j.Run(ctx)
		}
	}
}
