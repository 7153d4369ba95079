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
// ハンドラーやセッション層から利用する。
type MetricsCollector interface {
	RecordCacheHit()
	RecordCacheMiss()
	RecordCommitSuccess()
	RecordCommitConflict()
	RecordAuthFailure(reason string)
	RecordHTTPStatus(statusCode int)
	RecordTurnLatency(duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	cacheHit       prometheus.Counter
	cacheMiss      prometheus.Counter
	commitSuccess  prometheus.Counter
	commitConflict prometheus.Counter
	authFail       *prometheus.CounterVec
	httpStatus     *prometheus.CounterVec
	turnLatency    prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		cacheHit: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatd_snapshot_cache_hit_total",
			Help: "スナップショットキャッシュヒットの合計数",
		}),
		cacheMiss: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatd_snapshot_cache_miss_total",
			Help: "スナップショットキャッシュミスの合計数",
		}),
		commitSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatd_commit_success_total",
			Help: "スナップショットコミット成功の合計数",
		}),
		commitConflict: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatd_commit_conflict_total",
			Help: "バージョン競合で拒否されたコミットの合計数",
		}),
		authFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatd_auth_fail_total",
			Help: "理由別の認可失敗の合計数",
		}, []string{"reason"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatd_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		turnLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatd_turn_latency_seconds",
			Help:    "会話ターン処理のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.cacheHit,
		c.cacheMiss,
		c.commitSuccess,
		c.commitConflict,
		c.authFail,
		c.httpStatus,
		c.turnLatency,
	)

	return c
}

// RecordCacheHit はスナップショットキャッシュヒットを記録する。
func (c *Collector) RecordCacheHit() {
	c.cacheHit.Inc()
}

// RecordCacheMiss はスナップショットキャッシュミスを記録する。
func (c *Collector) RecordCacheMiss() {
	c.cacheMiss.Inc()
}

// RecordCommitSuccess はコミット成功を記録する。
func (c *Collector) RecordCommitSuccess() {
	c.commitSuccess.Inc()
}

// RecordCommitConflict はバージョン競合を記録する。
func (c *Collector) RecordCommitConflict() {
	c.commitConflict.Inc()
}

// RecordAuthFailure は認可失敗を理由付きで記録する。
func (c *Collector) RecordAuthFailure(reason string) {
	c.authFail.WithLabelValues(reason).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordTurnLatency はターン処理のレイテンシを記録する。
func (c *Collector) RecordTurnLatency(duration time.Duration) {
	c.turnLatency.Observe(duration.Seconds())
}

// Nop は何も記録しないMetricsCollector。テストや計測不要な構成で使う。
type Nop struct{}

func (Nop) RecordCacheHit()                          {}
func (Nop) RecordCacheMiss()                         {}
func (Nop) RecordCommitSuccess()                     {}
func (Nop) RecordCommitConflict()                    {}
func (Nop) RecordAuthFailure(reason string)          {}
func (Nop) RecordHTTPStatus(statusCode int)          {}
func (Nop) RecordTurnLatency(duration time.Duration) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
