// Package cleanup は保持期間を超過したデータの自動削除ジョブを提供する。
// 期限切れセッション、配信済み・失敗のアウトボックス行、
// 保持日数（デフォルト90日）を超過したインタラクションを削除する。
// ペアリクエストの台帳は削除しない。
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/puppybell/internal/metrics"
	"github.com/hitoshi/puppybell/internal/repository"
)

// 削除対象のラベル値
const (
	TargetSessions     = "sessions"
	TargetDeliveries   = "deliveries"
	TargetInteractions = "interactions"
)

// Store はクリーンアップジョブが使用するストアの部分集合。
type Store interface {
	Sessions() repository.SessionRepository
	Interactions() repository.InteractionRepository
	Deliveries() repository.DeliveryRepository
}

// Summary は1回の実行で削除した件数。
type Summary struct {
	Sessions     int64
	Deliveries   int64
	Interactions int64
}

// RetentionJob は保持期間を超過したデータの削除ジョブ。
// 冪等な削除処理のみを行うため、複数プロセスから実行してもよい。
type RetentionJob struct {
	store   Store
	metrics metrics.MetricsCollector
	logger  *slog.Logger
	now     func() time.Time

	RetentionDays     int           // インタラクションの保持日数（デフォルト: 90）
	DeliveryRetention time.Duration // 配信済み・失敗のアウトボックス行の保持期間（デフォルト: 7日）
}

// NewRetentionJob は新しいRetentionJobを生成する。
// retentionDaysが0以下の場合は90日とする。
func NewRetentionJob(store Store, collector metrics.MetricsCollector, logger *slog.Logger, retentionDays int) *RetentionJob {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionJob{
		store:             store,
		metrics:           collector,
		logger:            logger,
		now:               time.Now,
		RetentionDays:     retentionDays,
		DeliveryRetention: 7 * 24 * time.Hour,
	}
}

// SetClock は時刻の取得関数を差し替える。
func (j *RetentionJob) SetClock(now func() time.Time) {
	j.now = now
}

// Run は保持期間を超過したデータを削除する。
// 1つの対象で失敗しても残りの対象の削除は続行し、失敗をまとめて返す。
func (j *RetentionJob) Run(ctx context.Context) (Summary, error) {
	start := j.now()
	now := start.UTC()
	var summary Summary
	var errs []error

	n, err := j.store.Sessions().DeleteExpired(ctx, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("期限切れセッションの削除に失敗: %w", err))
	}
	summary.Sessions = n
	j.metrics.RecordCleanupDeleted(TargetSessions, n)

	n, err = j.store.Deliveries().DeleteFinishedBefore(ctx, now.Add(-j.DeliveryRetention))
	if err != nil {
		errs = append(errs, fmt.Errorf("アウトボックス行の削除に失敗: %w", err))
	}
	summary.Deliveries = n
	j.metrics.RecordCleanupDeleted(TargetDeliveries, n)

	cutoff := now.AddDate(0, 0, -j.RetentionDays)
	n, err = j.store.Interactions().DeleteOlderThan(ctx, cutoff)
	if err != nil {
		errs = append(errs, fmt.Errorf("インタラクションの削除に失敗: %w", err))
	}
	summary.Interactions = n
	j.metrics.RecordCleanupDeleted(TargetInteractions, n)

	if err := errors.Join(errs...); err != nil {
		j.logger.Error("クリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return summary, err
	}

	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("deleted_sessions", summary.Sessions),
		slog.Int64("deleted_deliveries", summary.Deliveries),
		slog.Int64("deleted_interactions", summary.Interactions),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(j.now().Sub(start).Milliseconds())),
	)
	return summary, nil
}

// Start はinterval間隔でジョブを実行する。コンテキストがキャンセルされるまで継続する。
func (j *RetentionJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("クリーンアップジョブを開始しました", slog.Duration("interval", interval))

	_, _ = j.Run(ctx)
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("クリーンアップジョブを停止しました")
			return
		case <-ticker.C:
			_, _ = j.Run(ctx)
		}
	}
}
