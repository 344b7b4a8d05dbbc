// ============================================================================
// Metrics 監控模組
// 職責：收集並暴露 Prometheus 指標
// ============================================================================
//
// 指標分類:
//
//   1. 任務計數器 (Counter) - 累計值，只增不減：
//      - crawler_jobs_submitted_total: 提交任務總數
//      - crawler_jobs_accepted_total: 進入待處理集合的任務總數
//      - crawler_jobs_dispatched_total: 已分派任務總數
//      - crawler_jobs_succeeded_total: 成功任務總數
//      - crawler_jobs_failed_total: 失敗任務總數
//
//   2. 性能指標 (Histogram):
//      - crawler_job_duration_seconds: 任務執行時長分佈
//
//   3. 狀態指標 (Gauge) - 瞬時值：
//      - crawler_jobs_pending: 當前待處理任務數
//      - crawler_jobs_running: 執行中任務數
//      - crawler_threads_in_use: 叢集線程佔用
//      - crawler_utilization_rate: 叢集資源使用率
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/crawlqueue/pkg/types"
)

// Collector Prometheus 指標收集器
type Collector struct {
	jobsSubmitted  prometheus.Counter
	jobsAccepted   prometheus.Counter
	jobsDispatched prometheus.Counter
	jobsSucceeded  prometheus.Counter
	jobsFailed     prometheus.Counter

	jobDuration prometheus.Histogram

	jobsPending     prometheus.Gauge
	jobsRunning     prometheus.Gauge
	threadsInUse    prometheus.Gauge
	utilizationRate prometheus.Gauge
}

// NewCollector 創建並註冊指標收集器；reg 為 nil 時使用預設註冊表
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_jobs_submitted_total",
			Help: "Total number of jobs submitted",
		}),
		jobsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_jobs_accepted_total",
			Help: "Total number of jobs accepted into the pending set",
		}),
		jobsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_jobs_dispatched_total",
			Help: "Total number of jobs dispatched for execution",
		}),
		jobsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_jobs_succeeded_total",
			Help: "Total number of jobs completed successfully",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_jobs_failed_total",
			Help: "Total number of jobs failed",
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "crawler_job_duration_seconds",
			Help:    "Job execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		jobsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawler_jobs_pending",
			Help: "Current number of pending jobs in this process",
		}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawler_jobs_running",
			Help: "Cluster-wide jobs currently executing",
		}),
		threadsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawler_threads_in_use",
			Help: "Cluster-wide threads currently in use",
		}),
		utilizationRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawler_utilization_rate",
			Help: "Cluster thread utilization rate",
		}),
	}

	reg.MustRegister(
		c.jobsSubmitted, c.jobsAccepted, c.jobsDispatched,
		c.jobsSucceeded, c.jobsFailed, c.jobDuration,
		c.jobsPending, c.jobsRunning, c.threadsInUse, c.utilizationRate,
	)
	return c
}

// RecordSubmitted 記錄任務提交
func (c *Collector) RecordSubmitted() { c.jobsSubmitted.Inc() }

// RecordAccepted 記錄任務進入待處理集合
func (c *Collector) RecordAccepted() { c.jobsAccepted.Inc() }

// RecordDispatched 記錄任務分派
func (c *Collector) RecordDispatched() { c.jobsDispatched.Inc() }

// RecordSucceeded 記錄任務成功與執行時長
func (c *Collector) RecordSucceeded(durationSeconds float64) {
	c.jobsSucceeded.Inc()
	c.jobDuration.Observe(durationSeconds)
}

// RecordFailed 記錄任務失敗
func (c *Collector) RecordFailed() { c.jobsFailed.Inc() }

// UpdateQueueStats 更新待處理與叢集資源統計
func (c *Collector) UpdateQueueStats(pending int, status types.WorkerResourceStatus) {
	c.jobsPending.Set(float64(pending))
	c.jobsRunning.Set(float64(status.UsedInstances))
	c.threadsInUse.Set(float64(status.UsedThreads))
	c.utilizationRate.Set(status.UtilizationRate())
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}
