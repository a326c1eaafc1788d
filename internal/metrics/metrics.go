// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 認証Facade、Fallback Coordinator、Janitorから利用する。
type MetricsCollector interface {
	RecordSignIn(backend, result string)
	RecordSessionResolve(backend, result string)
	RecordFallback(operation string)
	RecordTokenFailure(reason string)
	RecordExpiredSessions(count int64)
	RecordStoreLatency(operation string, duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	signIn         *prometheus.CounterVec
	sessionResolve *prometheus.CounterVec
	fallback       *prometheus.CounterVec
	tokenFailure   *prometheus.CounterVec
	expired        prometheus.Counter
	storeLatency   *prometheus.HistogramVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		signIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "connectauth_signin_total",
			Help: "バックエンド・結果別のサインイン試行数",
		}, []string{"backend", "result"}),
		sessionResolve: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "connectauth_session_resolve_total",
			Help: "バックエンド・結果別のセッション解決数",
		}, []string{"backend", "result"}),
		fallback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "connectauth_fallback_total",
			Help: "コンパニオンスキーマ欠如による縮退モードへの切り替え数",
		}, []string{"operation"}),
		tokenFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "connectauth_token_verify_failures_total",
			Help: "理由別のトークン検証失敗数",
		}, []string{"reason"}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "connectauth_janitor_expired_total",
			Help: "Janitorが失効させた期限切れセッションの合計数",
		}),
		storeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "connectauth_store_latency_seconds",
			Help:    "Session Store操作のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
	}

	reg.MustRegister(
		c.signIn,
		c.sessionResolve,
		c.fallback,
		c.tokenFailure,
		c.expired,
		c.storeLatency,
	)

	return c
}

// RecordSignIn はサインイン結果を記録する。resultはsuccessまたはエラー種別。
func (c *Collector) RecordSignIn(backend, result string) {
	c.signIn.WithLabelValues(backend, result).Inc()
}

// RecordSessionResolve はセッション解決結果を記録する。
func (c *Collector) RecordSessionResolve(backend, result string) {
	c.sessionResolve.WithLabelValues(backend, result).Inc()
}

// RecordFallback は縮退モードへの切り替えを記録する。
func (c *Collector) RecordFallback(operation string) {
	c.fallback.WithLabelValues(operation).Inc()
}

// RecordTokenFailure はトークン検証失敗を記録する。
func (c *Collector) RecordTokenFailure(reason string) {
	c.tokenFailure.WithLabelValues(reason).Inc()
}

// RecordExpiredSessions はJanitorが失効させたセッション数を記録する。
func (c *Collector) RecordExpiredSessions(count int64) {
	c.expired.Add(float64(count))
}

// RecordStoreLatency はSession Store操作のレイテンシを記録する。
func (c *Collector) RecordStoreLatency(operation string, duration time.Duration) {
	c.storeLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使う。
type Nop struct{}

func (Nop) RecordSignIn(string, string)              {}
func (Nop) RecordSessionResolve(string, string)      {}
func (Nop) RecordFallback(string)                    {}
func (Nop) RecordTokenFailure(string)                {}
func (Nop) RecordExpiredSessions(int64)              {}
func (Nop) RecordStoreLatency(string, time.Duration) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
