// Package metrics は Prometheus メトリクスを提供します。
// 登録するメトリクス: pano_jobs_*, pano_conversion_duration_seconds, pano_http_*。
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ジョブの結果ラベル
const (
	ResultCompleted = "completed"
	ResultError     = "error"
)

var (
	jobsSubmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pano_jobs_submitted_total",
			Help: "受け付けた変換ジョブの数",
		},
	)

	jobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pano_jobs_finished_total",
			Help: "終了状態に達した変換ジョブの数",
		},
		[]string{"result"},
	)

	jobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pano_jobs_in_flight",
			Help: "バックグラウンドで処理中の変換ジョブの数",
		},
	)

	conversionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pano_conversion_duration_seconds",
			Help:    "検証開始から終了状態までの所要時間",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s .. ~34min
		},
		[]string{"result"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pano_http_requests_total",
			Help: "HTTPリクエスト数",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pano_http_request_duration_seconds",
			Help:    "HTTPリクエストの処理時間",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// JobSubmitted は受け付けたジョブを数えます。
func JobSubmitted() {
	jobsSubmitted.Inc()
}

// JobStarted はバックグラウンド処理の開始を記録し、終了時に呼ぶ関数を返します。
func JobStarted() func(result string) {
	start := time.Now()
	jobsInFlight.Inc()
	return func(result string) {
		jobsInFlight.Dec()
		jobsFinished.WithLabelValues(result).Inc()
		conversionDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
	}
}

// Handler は /metrics 用のハンドラーです。
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

// Middleware は HTTP リクエストの件数と処理時間を記録します。
// パスはルート定義（/api/status/:id など）を使い、ID ごとにラベルが増えないようにします。
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
