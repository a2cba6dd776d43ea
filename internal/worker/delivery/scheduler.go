// Package delivery はインタラクションのWebhookプッシュ配信を提供する。
// アウトボックスのスケジューラ、送信処理、リトライ/バックオフ戦略を含む。
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/puppybell/internal/metrics"
	"github.com/hitoshi/puppybell/internal/model"
	"github.com/hitoshi/puppybell/internal/repository"
)

// Sender は配信1件の送信インターフェース。
type Sender interface {
	// Send はペイロードを送信し、HTTPステータスコードを返す。
	Send(ctx context.Context, d *model.Delivery) (int, error)
}

// SchedulerConfig はSchedulerの設定。
type SchedulerConfig struct {
	MaxConcurrent int           // 同時送信数の上限
	MaxAttempts   int           // 試行回数の上限。到達するとfailedになる
	BatchSize     int           // 1サイクルで確保する最大件数
	Lease         time.Duration // 確保した行を他のワーカーから隠す時間
}

// Scheduler はアウトボックスから配信待ちの行を確保し、並列に送信する。
// 確保した行はLeaseの間は他のワーカーから見えないため、複数プロセスで実行してもよい。
type Scheduler struct {
	deliveries repository.DeliveryRepository
	sender     Sender
	metrics    metrics.MetricsCollector
	logger     *slog.Logger
	config     SchedulerConfig
	now        func() time.Time
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// 0以下の設定値にはデフォルト値（並列5、試行8回、100件、5分）を使用する。
func NewScheduler(
	deliveries repository.DeliveryRepository,
	sender Sender,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	config SchedulerConfig,
) *Scheduler {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 5
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 8
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.Lease <= 0 {
		config.Lease = 5 * time.Minute
	}
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		deliveries: deliveries,
		sender:     sender,
		metrics:    collector,
		logger:     logger,
		config:     config,
		now:        time.Now,
	}
}

// SetClock は時刻の取得関数を差し替える。
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Start はinterval間隔のティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("配信スケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrent", s.config.MaxConcurrent),
	)

	// 起動直後に1回実行
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("配信サイクルの実行に失敗しました", slog.String("error", err.Error()))
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("配信スケジューラを停止しました")
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Error("配信サイクルの実行に失敗しました", slog.String("error", err.Error()))
			}
		}
	}
}

// RunOnce は配信待ちの行を1回確保して送信し、処理件数を返す。
// semaphoreパターンで同時送信数を制御する。
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	start := s.now()

	claimed, err := s.deliveries.ClaimDue(ctx, start.UTC(), start.UTC().Add(s.config.Lease), s.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("配信待ち行の確保に失敗: %w", err)
	}
	if len(claimed) == 0 {
		s.logger.Debug("配信待ちの行はありません")
		return 0, nil
	}

	sem := make(chan struct{}, s.config.MaxConcurrent)
	var wg sync.WaitGroup

	for _, d := range claimed {
		wg.Add(1)
		sem <- struct{}{}

		go func(d *model.Delivery) {
			defer wg.Done()
			defer func() { <-sem }()
			s.deliver(ctx, d)
		}(d)
	}

	wg.Wait()

	s.logger.Info("配信サイクルが完了しました",
		slog.Int("delivery_count", len(claimed)),
		slog.Float64("duration_ms", float64(s.now().Sub(start).Milliseconds())),
	)
	return len(claimed), nil
}

// deliver は1件を送信し、結果をアウトボックスに保存する。
func (s *Scheduler) deliver(ctx context.Context, d *model.Delivery) {
	sendStart := time.Now()
	status, err := s.sender.Send(ctx, d)
	s.metrics.RecordDeliveryLatency(time.Since(sendStart))

	now := s.now().UTC()
	outcome := metrics.DeliveryOutcomeDelivered
	switch {
	case err != nil:
		outcome = s.retry(d, err.Error(), now)
	case ClassifyHTTPStatus(status) == ResultDelivered:
		ApplyDelivered(d, now)
	case ClassifyHTTPStatus(status) == ResultRetry:
		outcome = s.retry(d, fmt.Sprintf("HTTP %d", status), now)
	default:
		ApplyPermanentFailure(d, fmt.Sprintf("HTTP %d", status), now)
		outcome = metrics.DeliveryOutcomeFailed
	}
	s.metrics.RecordDelivery(outcome)

	if err := s.deliveries.Update(ctx, d); err != nil {
		// 更新に失敗した行はリース期限後に再送される
		s.logger.Error("配信状態の更新に失敗しました",
			slog.String("delivery_id", d.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	attrs := []any{
		slog.String("delivery_id", d.ID),
		slog.String("interaction_id", d.InteractionID),
		slog.String("event", string(d.Event)),
		slog.String("outcome", outcome),
		slog.Int("attempts", d.Attempts),
		slog.Int("http_status", status),
	}
	if outcome == metrics.DeliveryOutcomeDelivered {
		s.logger.Info("配信しました", attrs...)
	} else {
		s.logger.Warn("配信に失敗しました", append(attrs, slog.String("error", d.LastError))...)
	}
}

func (s *Scheduler) retry(d *model.Delivery, reason string, now time.Time) string {
	if ApplyRetry(d, reason, now, s.config.MaxAttempts) {
		return metrics.DeliveryOutcomeRetry
	}
	return metrics.DeliveryOutcomeFailed
}
