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
// 監査レコーダーやアバター取得から利用する。
type MetricsCollector interface {
	RecordSignInOutcome(outcome string)
	RecordSignInError(code string)
	RecordSignInLatency(duration time.Duration)
	RecordAvatarFetch(ok bool)
	RecordUpstreamStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	outcomes       *prometheus.CounterVec
	errors         *prometheus.CounterVec
	latency        prometheus.Histogram
	avatarFetch    *prometheus.CounterVec
	upstreamStatus *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "googlesignin_signin_outcome_total",
			Help: "終端状態別のサインインラウンドトリップ数",
		}, []string{"outcome"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "googlesignin_signin_error_total",
			Help: "エラーコード別のサインイン失敗数",
		}, []string{"code"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "googlesignin_signin_duration_seconds",
			Help:    "アカウント選択の起動から終端状態までの所要時間（秒）",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		avatarFetch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "googlesignin_avatar_fetch_total",
			Help: "アバター画像取得の結果別件数",
		}, []string{"result"}),
		upstreamStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "googlesignin_upstream_status_total",
			Help: "外部HTTPレスポンスのステータスコード別件数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.outcomes,
		c.errors,
		c.latency,
		c.avatarFetch,
		c.upstreamStatus,
	)

	return c
}

// RecordSignInOutcome は終端状態を記録する。
func (c *Collector) RecordSignInOutcome(outcome string) {
	c.outcomes.WithLabelValues(outcome).Inc()
}

// RecordSignInError は失敗のエラーコードを記録する。
func (c *Collector) RecordSignInError(code string) {
	c.errors.WithLabelValues(code).Inc()
}

// RecordSignInLatency はラウンドトリップの所要時間を記録する。
func (c *Collector) RecordSignInLatency(duration time.Duration) {
	c.latency.Observe(duration.Seconds())
}

// RecordAvatarFetch はアバター取得の成否を記録する。
func (c *Collector) RecordAvatarFetch(ok bool) {
	result := "failure"
	if ok {
		result = "success"
	}
	c.avatarFetch.WithLabelValues(result).Inc()
}

// RecordUpstreamStatus は外部HTTPレスポンスのステータスコードを記録する。
func (c *Collector) RecordUpstreamStatus(statusCode int) {
	c.upstreamStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
