// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ワーカーや取り込みパイプラインから利用する。
type MetricsCollector interface {
	RecordIngestSuccess(videoCount, deliveryCount int)
	RecordIngestRetry()
	RecordIngestFailure()
	RecordSyncCycle(selected int, duration time.Duration)
	RecordRenewalCycle(selected int)
	RecordSweep(kind string, deleted int64)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	ingestSuccess   prometheus.Counter
	ingestRetries   prometheus.Counter
	ingestFailures  prometheus.Counter
	videosIngested  prometheus.Counter
	deliveriesQueued prometheus.Counter
	syncSelected    prometheus.Counter
	syncCycleSecs   prometheus.Histogram
	renewalSelected prometheus.Counter
	sweepDeleted    *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		ingestSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chanwatch_ingest_success_total",
			Help: "取り込みトランザクション成功の合計数",
		}),
		ingestRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chanwatch_ingest_retries_total",
			Help: "一時的競合によるリトライの合計数",
		}),
		ingestFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chanwatch_ingest_failures_total",
			Help: "取り込みトランザクション失敗の合計数",
		}),
		videosIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chanwatch_videos_ingested_total",
			Help: "取り込まれた動画の合計数",
		}),
		deliveriesQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chanwatch_deliveries_queued_total",
			Help: "作成された配信待ち行の合計数",
		}),
		syncSelected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chanwatch_sync_selected_total",
			Help: "同期対象として選択されたチャンネルの合計数",
		}),
		syncCycleSecs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chanwatch_sync_cycle_seconds",
			Help:    "同期サイクルの所要時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		renewalSelected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chanwatch_renewal_selected_total",
			Help: "購読更新対象として選択されたチャンネルの合計数",
		}),
		sweepDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chanwatch_sweep_deleted_total",
			Help: "掃引ジョブが削除した行の種別ごとの合計数",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		c.ingestSuccess,
		c.ingestRetries,
		c.ingestFailures,
		c.videosIngested,
		c.deliveriesQueued,
		c.syncSelected,
		c.syncCycleSecs,
		c.renewalSelected,
		c.sweepDeleted,
	)

	return c
}

// RecordIngestSuccess は取り込み成功とその行数を記録する。
func (c *Collector) RecordIngestSuccess(videoCount, deliveryCount int) {
	c.ingestSuccess.Inc()
	c.videosIngested.Add(float64(videoCount))
	c.deliveriesQueued.Add(float64(deliveryCount))
}

// RecordIngestRetry は一時的競合によるリトライを記録する。
func (c *Collector) RecordIngestRetry() {
	c.ingestRetries.Inc()
}

// RecordIngestFailure は取り込み失敗を記録する。
func (c *Collector) RecordIngestFailure() {
	c.ingestFailures.Inc()
}

// RecordSyncCycle は同期サイクルの選択数と所要時間を記録する。
func (c *Collector) RecordSyncCycle(selected int, duration time.Duration) {
	c.syncSelected.Add(float64(selected))
	c.syncCycleSecs.Observe(duration.Seconds())
}

// RecordRenewalCycle は購読更新サイクルの選択数を記録する。
func (c *Collector) RecordRenewalCycle(selected int) {
	c.renewalSelected.Add(float64(selected))
}

// RecordSweep は掃引ジョブの削除行数を種別ごとに記録する。
func (c *Collector) RecordSweep(kind string, deleted int64) {
	c.sweepDeleted.WithLabelValues(kind).Add(float64(deleted))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)
