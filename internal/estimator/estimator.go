// Package estimator derives a resource estimate for an incoming job from its
// URL count and the execution history of recently completed jobs.
package estimator

import (
	"context"
	"log/slog"

	"github.com/ChuLiYu/crawlqueue/internal/store"
	"github.com/ChuLiYu/crawlqueue/pkg/types"
)

const (
	// 無歷史樣本時每個 URL 的預設執行時長
	defaultPerURLMs = 2000
	// 每 URL 時長的合理範圍
	minPerURLMs = 100
	maxPerURLMs = 30000
	// 單一任務的線程上下限
	minThreads = 1
	maxThreads = 10
	// 時長歸一化基準（30 秒封頂）
	durationNormMs = 30000.0
	// 取樣的已完成任務數
	sampleLimit = 100
)

// SampleSource provides execution samples of recently completed jobs.
type SampleSource interface {
	RecentCompletedSamples(ctx context.Context, userID string, limit int) ([]store.Sample, error)
}

// Estimator computes per-job resource estimates.
type Estimator struct {
	samples SampleSource
	log     *slog.Logger
}

// New creates an Estimator backed by the given sample source.
func New(samples SampleSource, logger *slog.Logger) *Estimator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Estimator{samples: samples, log: logger}
}

// Estimate computes the immutable resource estimate for a job of urlCount
// URLs. userID optionally scopes the historical samples to one user.
func (e *Estimator) Estimate(ctx context.Context, urlCount int, userID string) types.ResourceEstimate {
	perURLMs := e.averagePerURLMs(ctx, userID)
	durationMs := perURLMs * int64(urlCount)
	threads := estimateThreads(urlCount)

	estimate := types.ResourceEstimate{
		Threads:    threads,
		DurationMs: durationMs,
		Score:      resourceScore(threads, durationMs),
	}

	e.log.Debug("Resource estimation",
		"urlCount", urlCount,
		"threads", estimate.Threads,
		"durationMs", estimate.DurationMs,
		"score", estimate.Score)
	return estimate
}

// averagePerURLMs 取最近 100 個 SUCCEEDED 任務的 (執行時長/URL 數) 平均值
func (e *Estimator) averagePerURLMs(ctx context.Context, userID string) int64 {
	samples, err := e.samples.RecentCompletedSamples(ctx, userID, sampleLimit)
	if err != nil {
		e.log.Warn("Failed to load execution samples, using default", "error", err)
		return defaultPerURLMs
	}

	var sum float64
	var count int
	for _, sample := range samples {
		if sample.ExecutionMs <= 0 || sample.URLsSubmitted <= 0 {
			continue
		}
		sum += float64(sample.ExecutionMs) / float64(sample.URLsSubmitted)
		count++
	}
	if count == 0 {
		return defaultPerURLMs
	}

	avg := int64(sum / float64(count))
	if avg < minPerURLMs {
		return minPerURLMs
	}
	if avg > maxPerURLMs {
		return maxPerURLMs
	}
	return avg
}

// estimateThreads 依 URL 數量的階梯函數估算線程數
//
//	1-5   個 URL: 1 線程
//	6-20  個 URL: min(3, urlCount/7+1)
//	21-50 個 URL: min(6, urlCount/10+2)
//	50+   個 URL: min(10, urlCount/10+3)
func estimateThreads(urlCount int) int {
	var threads int
	switch {
	case urlCount <= 5:
		threads = 1
	case urlCount <= 20:
		threads = min(3, urlCount/7+1)
	case urlCount <= 50:
		threads = min(6, urlCount/10+2)
	default:
		threads = min(maxThreads, urlCount/10+3)
	}
	return max(minThreads, min(maxThreads, threads))
}

// resourceScore 線程佔 0.6、時長佔 0.4 的歸一化消耗分數，越小越便宜
func resourceScore(threads int, durationMs int64) float64 {
	normalizedTime := min(1.0, float64(durationMs)/durationNormMs)
	normalizedThreads := min(1.0, float64(threads)/float64(maxThreads))
	return normalizedThreads*0.6 + normalizedTime*0.4
}
