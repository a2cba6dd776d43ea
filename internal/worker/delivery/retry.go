package delivery

import (
	"fmt"
	"time"

	"github.com/hitoshi/puppybell/internal/model"
)

// Result はWebhook応答のHTTPステータスコードに基づく配信結果の分類。
type Result int

const (
	// ResultDelivered は配信成功（2xx）。
	ResultDelivered Result = iota
	// ResultRetry は再試行が必要なステータス（408/429/5xx）。
	ResultRetry
	// ResultPermanent は再試行しても成功しないステータス（その他の4xx等）。
	ResultPermanent
)

const (
	// initialBackoff は指数バックオフの初回遅延（30秒）。
	initialBackoff = 30 * time.Second
	// maxBackoff は指数バックオフの最大遅延（1時間）。
	maxBackoff = time.Hour
	// maxErrorLength はlast_errorに保存するメッセージの最大長。
	maxErrorLength = 500
)

// ClassifyHTTPStatus はHTTPステータスコードを配信結果に分類する。
func ClassifyHTTPStatus(statusCode int) Result {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return ResultDelivered
	case statusCode == 408 || statusCode == 429:
		return ResultRetry
	case statusCode >= 500:
		return ResultRetry
	default:
		return ResultPermanent
	}
}

// CalculateBackoff は失敗回数に基づいて指数バックオフ遅延を計算する。
// 初回30秒、2倍ずつ増加、最大1時間。
func CalculateBackoff(failures int) time.Duration {
	delay := initialBackoff
	for i := 0; i < failures; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// ApplyDelivered は配信成功を記録する。
func ApplyDelivered(d *model.Delivery, now time.Time) {
	d.Attempts++
	d.Status = model.DeliveryStatusDelivered
	d.LastError = ""
	d.UpdatedAt = now
}

// ApplyRetry は再試行可能な失敗を記録する。
// 試行回数がmaxAttemptsに達した場合はfailedに遷移し、falseを返す。
func ApplyRetry(d *model.Delivery, reason string, now time.Time, maxAttempts int) bool {
	d.Attempts++
	d.LastError = truncate(reason)
	d.UpdatedAt = now
	if maxAttempts > 0 && d.Attempts >= maxAttempts {
		d.Status = model.DeliveryStatusFailed
		d.LastError = truncate(fmt.Sprintf("リトライ上限(%d回)に達しました: %s", maxAttempts, reason))
		return false
	}
	d.Status = model.DeliveryStatusPending
	d.NextAttemptAt = now.Add(CalculateBackoff(d.Attempts - 1))
	return true
}

// ApplyPermanentFailure は再試行しない失敗を記録する。
func ApplyPermanentFailure(d *model.Delivery, reason string, now time.Time) {
	d.Attempts++
	d.Status = model.DeliveryStatusFailed
	d.LastError = truncate(reason)
	d.UpdatedAt = now
}

func truncate(s string) string {
	if len(s) <= maxErrorLength {
		return s
	}
	return s[:maxErrorLength]
}
