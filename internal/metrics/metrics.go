// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// サービス層、ワーカー、HTTPミドルウェアから利用する。
type MetricsCollector interface {
	RecordBondRequestSent()
	RecordBondAccepted()
	RecordBondAcceptFailure(code string)
	RecordNotification()
	RecordResponse(responseTimeSeconds int64)
	RecordDelivery(outcome string)
	RecordDeliveryLatency(duration time.Duration)
	RecordHTTPStatus(statusCode int)
	RecordCleanupDeleted(target string, count int64)
}

// 配信結果のラベル値
const (
	DeliveryOutcomeDelivered = "delivered"
	DeliveryOutcomeRetry     = "retry"
	DeliveryOutcomeFailed    = "failed"
)

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	bondRequestsSent prometheus.Counter
	bondsAccepted    prometheus.Counter
	bondAcceptFail   *prometheus.CounterVec
	notifications    prometheus.Counter
	responses        prometheus.Counter
	responseTime     prometheus.Histogram
	deliveries       *prometheus.CounterVec
	deliveryLatency  prometheus.Histogram
	httpStatus       *prometheus.CounterVec
	cleanupDeleted   *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		bondRequestsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "puppybell_bond_requests_sent_total",
			Help: "送信されたペアリクエストの合計数",
		}),
		bondsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "puppybell_bonds_accepted_total",
			Help: "成立したペアの合計数",
		}),
		bondAcceptFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "puppybell_bond_accept_fail_total",
			Help: "エラーコード別のペア承認失敗数",
		}, []string{"code"}),
		notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "puppybell_notifications_total",
			Help: "記録された通知の合計数",
		}),
		responses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "puppybell_responses_total",
			Help: "記録された応答の合計数",
		}),
		responseTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "puppybell_response_time_seconds",
			Help:    "通知から応答までの経過時間（秒）",
			Buckets: []float64{1, 5, 10, 30, 60, 300, 900, 3600},
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "puppybell_deliveries_total",
			Help: "結果別のWebhook配信試行数",
		}, []string{"outcome"}),
		deliveryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "puppybell_delivery_latency_seconds",
			Help:    "Webhook配信のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "puppybell_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		cleanupDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "puppybell_cleanup_deleted_total",
			Help: "保持期間切れで削除された行数",
		}, []string{"target"}),
	}

	reg.MustRegister(
		c.bondRequestsSent,
		c.bondsAccepted,
		c.bondAcceptFail,
		c.notifications,
		c.responses,
		c.responseTime,
		c.deliveries,
		c.deliveryLatency,
		c.httpStatus,
		c.cleanupDeleted,
	)

	return c
}

// RecordBondRequestSent はペアリクエスト送信を記録する。
func (c *Collector) RecordBondRequestSent() {
	c.bondRequestsSent.Inc()
}

// RecordBondAccepted はペア成立を記録する。
func (c *Collector) RecordBondAccepted() {
	c.bondsAccepted.Inc()
}

// RecordBondAcceptFailure はペア承認の失敗をエラーコード別に記録する。
func (c *Collector) RecordBondAcceptFailure(code string) {
	c.bondAcceptFail.WithLabelValues(code).Inc()
}

// RecordNotification は通知の記録を数える。
func (c *Collector) RecordNotification() {
	c.notifications.Inc()
}

// RecordResponse は応答の記録と応答時間を記録する。
func (c *Collector) RecordResponse(responseTimeSeconds int64) {
	c.responses.Inc()
	c.responseTime.Observe(float64(responseTimeSeconds))
}

// RecordDelivery はWebhook配信試行の結果を記録する。
func (c *Collector) RecordDelivery(outcome string) {
	c.deliveries.WithLabelValues(outcome).Inc()
}

// RecordDeliveryLatency はWebhook配信のレイテンシを記録する。
func (c *Collector) RecordDeliveryLatency(duration time.Duration) {
	c.deliveryLatency.Observe(duration.Seconds())
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordCleanupDeleted は保持期間切れで削除した行数を記録する。
func (c *Collector) RecordCleanupDeleted(target string, count int64) {
	c.cleanupDeleted.WithLabelValues(target).Add(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// NopCollector は何も記録しないMetricsCollector。
// METRICS_ENABLED=false の場合とテストで使用する。
type NopCollector struct{}

func (NopCollector) RecordBondRequestSent() {}
func (NopCollector) RecordBondAccepted() {}
func (NopCollector) RecordBondAcceptFailure(string) {}
func (NopCollector) RecordNotification() {}
func (NopCollector) RecordResponse(int64) {}
func (NopCollector) RecordDelivery(string) {}
func (NopCollector) RecordDeliveryLatency(time.Duration) {}
func (NopCollector) RecordHTTPStatus(int) {}
func (NopCollector) RecordCleanupDeleted(string, int64) {}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)
var _ MetricsCollector = NopCollector{}
