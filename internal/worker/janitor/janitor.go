// Package janitor は期限切れセッションの定期失効ジョブを提供する。
// expires_at < now かつ有効なセッションをまとめてis_active=falseにする。
// 失敗はログに記録し、次回のスケジュールで再試行する。
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule は既定の実行スケジュール。
const DefaultSchedule = "@every 1h"

// Sweeper は期限切れセッションを一括で失効させる。*auth.Service がこれを満たす。
type Sweeper interface {
	CleanupExpiredSessions(ctx context.Context) (int64, error)
}

// Janitor は1回分のスイープを実行する。
type Janitor struct {
	sweeper Sweeper
	logger  *slog.Logger
}

// New はJanitorを生成する。
func New(sweeper Sweeper, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{sweeper: sweeper, logger: logger}
}

// Run は期限切れセッションを失効させ、件数を返す。
// 冪等: 対象がない場合は0を返す。
func (j *Janitor) Run(ctx context.Context) (int64, error) {
	start := time.Now()

	n, err := j.sweeper.CleanupExpiredSessions(ctx)
	if err != nil {
		j.logger.Error("期限切れセッションの失効に失敗しました",
			slog.String("error", err.Error()),
			slog.Int64("expired_count", n),
		)
		return n, fmt.Errorf("期限切れセッションの失効に失敗: %w", err)
	}

	j.logger.Info("期限切れセッションの失効が完了しました",
		slog.Int64("expired_count", n),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return n, nil
}

// ValidateSchedule はcron形式（@every等の記述子を含む）のスケジュールを検証する。
func ValidateSchedule(schedule string) error {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid janitor schedule %q: %w", schedule, err)
	}
	return nil
}

// Scheduler はJanitorをcronスケジュールで起動する。
// 前回の実行が終わっていない場合、その回はスキップする。
type Scheduler struct {
	janitor  *Janitor
	schedule string
	logger   *slog.Logger
}

// NewScheduler はSchedulerを生成する。scheduleが空の場合はDefaultScheduleを使う。
func NewScheduler(j *Janitor, schedule string, logger *slog.Logger) (*Scheduler, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if err := ValidateSchedule(schedule); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{janitor: j, schedule: schedule, logger: logger}, nil
}

// Start は起動直後に1回実行し、その後はスケジュールに従って実行する。
// コンテキストがキャンセルされ、実行中のジョブが終わるまでブロックする。
func (s *Scheduler) Start(ctx context.Context) error {
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := c.AddFunc(s.schedule, func() { s.runOnce(ctx) }); err != nil {
		return fmt.Errorf("failed to register janitor job: %w", err)
	}

	s.logger.Info("セッション失効ジョブのスケジューラを開始しました",
		slog.String("schedule", s.schedule),
	)

	s.runOnce(ctx)
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("セッション失効ジョブのスケジューラを停止しました")
	return nil
}

func (s *Scheduler) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	// エラーはRun内でログ済み。次回のスケジュールで再試行する
	_, _ = s.janitor.Run(ctx)
}
