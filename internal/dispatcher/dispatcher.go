// ============================================================================
// Crawlqueue 分派器 - 系統核心協調器
// ============================================================================
//
// Package: internal/dispatcher
// 文件: dispatcher.go
// 功能: 系統核心分派器，協調入列、調度、執行與資源記帳
//
// 架構設計:
//   這是整個控制平面的"大腦"，負責協調以下組件：
//   - Scheduler: 行程內待處理集合與優先級引擎
//   - Estimator: 入列時的資源評估（一次計算，終生不變）
//   - Store: 持久層，PENDING 行與終態寫入
//   - Livecache: 執行中任務的即時進度快取
//   - Ledger: 叢集資源與使用者配額記帳
//   - CrawlRunner: 實際抓取 URL 批次的執行單元
//
// 核心循環 (2 個並發 Goroutine):
//   1. Dispatch Loop - 每個 tick 取一個可執行任務，交給獨立 goroutine 執行
//   2. Stats Loop    - 定期記錄叢集使用率並更新監控指標
//      （記帳資料的過期清理交由快取層的 TTL 完成，無需專屬循環）
//
// 任務生命週期（單次分派）:
//   1. NextExecutable 挑出優先級最高且通過閘門的任務
//   2. 資源登記（RegisterStart）先於任何即時狀態寫入
//   3. 落庫 started_at，寫入第一筆 RUNNING 即時狀態
//   4. 執行抓取，每個 URL 完成後回寫即時進度
//   5. 終態落庫 → 刪除即時狀態 → 釋放資源 → 清除待處理殘留
//   終態寫入永遠在即時狀態刪除之前，保證狀態查詢不會出現空窗。
//
// 失敗處理:
//   執行單元 panic 或終態寫入失敗時任務標記 FAILED，
//   已登記的資源照常釋放，不留殭屍佔用。
//
// 並發安全:
//   - stopCh channel 用於優雅關閉所有循環
//   - loopWg 等待循環退出，runWg 等待執行中的抓取收尾
//   - 水平擴展時傳輸層按 jobId 分區，同一任務只會落在一個行程
//
// ============================================================================

package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/crawlqueue/internal/crawler"
	"github.com/ChuLiYu/crawlqueue/internal/estimator"
	"github.com/ChuLiYu/crawlqueue/internal/ledger"
	"github.com/ChuLiYu/crawlqueue/internal/livecache"
	"github.com/ChuLiYu/crawlqueue/internal/metrics"
	"github.com/ChuLiYu/crawlqueue/internal/queue"
	"github.com/ChuLiYu/crawlqueue/internal/scheduler"
	"github.com/ChuLiYu/crawlqueue/internal/store"
	"github.com/ChuLiYu/crawlqueue/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Dispatcher 配置
type Config struct {
	DispatchInterval time.Duration // 分派 tick 間隔
	StatsInterval    time.Duration // 統計記錄間隔
}

// CrawlRunner 執行單元介面，抓取一批 URL 並回報進度
type CrawlRunner interface {
	Run(ctx context.Context, jobID types.JobID, urls []string, threads int, progress crawler.Progress) crawler.Result
}

// Dispatcher 核心分派器
type Dispatcher struct {
	scheduler *scheduler.Scheduler // 待處理集合
	estimator *estimator.Estimator // 資源評估
	store     *store.Store         // 持久層
	cache     *livecache.Cache     // 即時狀態快取
	ledger    *ledger.Ledger       // 資源記帳
	runner    CrawlRunner          // 抓取執行單元
	metrics   *metrics.Collector   // 監控指標
	config    Config               // 配置

	mu      sync.Mutex
	stopCh  chan struct{}  // 停止訊號
	stopped bool           // 標記是否已停止
	loopWg  sync.WaitGroup // 等待循環退出
	runWg   sync.WaitGroup // 等待執行中的抓取收尾
	now     func() time.Time
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立 Dispatcher 實例，所有協作者由呼叫端注入
func New(sched *scheduler.Scheduler, est *estimator.Estimator, st *store.Store,
	cache *livecache.Cache, ldg *ledger.Ledger, runner CrawlRunner,
	collector *metrics.Collector, config Config) *Dispatcher {

	return &Dispatcher{
		scheduler: sched,
		estimator: est,
		store:     st,
		cache:     cache,
		ledger:    ldg,
		runner:    runner,
		metrics:   collector,
		config:    config,
		stopCh:    make(chan struct{}),
		now:       time.Now,
	}
}

// Accept 接收傳輸層解析出的任務記錄並插入待處理集合
//
// 流程：
//  1. 依 URL 數量與歷史樣本評估資源（評估結果隨任務入列後不再改變）
//  2. 插入 Scheduler；重複的 jobId 轉譯為 queue.ErrDuplicate，
//     讓消費端直接提交 offset
func (d *Dispatcher) Accept(ctx context.Context, msg types.TaskMessage) error {
	jobID := types.JobID(msg.JobID)
	estimate := d.estimator.Estimate(ctx, len(msg.URLs), msg.UserID)

	if err := d.scheduler.Add(jobID, msg.UserID, msg.URLs, estimate); err != nil {
		if err == scheduler.ErrDuplicateTask {
			return queue.ErrDuplicate
		}
		return fmt.Errorf("failed to add task to pending set: %w", err)
	}

	d.metrics.RecordAccepted()
	log.Info("Task accepted into pending set",
		"jobID", jobID, "urls", len(msg.URLs), "threads", estimate.Threads)
	return nil
}

// Start 啟動兩個核心循環
func (d *Dispatcher) Start() {
	d.loopWg.Add(2)
	go d.dispatchLoop()
	go d.statsLoop()

	log.Info("Dispatcher started",
		"dispatchInterval", d.config.DispatchInterval,
		"statsInterval", d.config.StatsInterval)
}

// ============================================================================
// 兩個核心循環
// ============================================================================

// dispatchLoop 每個 tick 嘗試分派一個任務
func (d *Dispatcher) dispatchLoop() {
	defer d.loopWg.Done()
	ticker := time.NewTicker(d.config.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			log.Info("Dispatch loop stopped")
			return

		case <-ticker.C:
			// 再次檢查是否已停止（避免在 ticker 觸發後才收到 stop 信號）
			select {
			case <-d.stopCh:
				log.Info("Dispatch loop stopped")
				return
			default:
			}

			d.dispatchNext(context.Background())
		}
	}
}

// dispatchNext 取出一個可執行任務並交給獨立 goroutine 執行
func (d *Dispatcher) dispatchNext(ctx context.Context) {
	task := d.scheduler.NextExecutable(ctx)
	if task == nil {
		return
	}

	urls := d.scheduler.URLs(task.JobID)
	if len(urls) == 0 {
		log.Error("Dispatched task has no URL list, dropping", "jobID", task.JobID)
		d.scheduler.Remove(task.JobID)
		return
	}

	d.metrics.RecordDispatched()
	log.Info("Dispatching job",
		"jobID", task.JobID, "urls", len(urls),
		"threads", task.Estimate.Threads, "score", task.Score)

	d.runWg.Add(1)
	go d.execute(task, urls)
}

// execute 執行單一任務的完整生命週期
func (d *Dispatcher) execute(task *types.PrioritizedTask, urls []string) {
	defer d.runWg.Done()

	// 分派後的執行與呼叫端生命週期脫鉤
	ctx := context.Background()
	jobID := task.JobID
	threads := task.Estimate.Threads
	startedAt := d.now()

	defer func() {
		if r := recover(); r != nil {
			log.Error("Crawl execution panicked, marking job failed",
				"jobID", jobID, "panic", r)
			if err := d.store.MarkFailed(ctx, jobID, 0, 0, d.now()); err != nil {
				log.Error("Failed to persist FAILED state", "jobID", jobID, "error", err)
			}
			d.metrics.RecordFailed()
			d.cleanup(ctx, task)
		}
	}()

	// 資源登記先於任何即時狀態寫入
	if err := d.ledger.RegisterStart(ctx, jobID, task.UserID, threads); err != nil {
		log.Error("Failed to register job resources, dispatching anyway",
			"jobID", jobID, "error", err)
	}

	if err := d.store.MarkStarted(ctx, jobID, startedAt); err != nil {
		log.Error("Failed to persist start time", "jobID", jobID, "error", err)
	}

	total := len(urls)
	d.putLive(ctx, jobID, 0, 0, total, fmt.Sprintf("Starting to crawl %d URLs", total))

	progress := func(succeeded, failed int, message string) {
		d.putLive(ctx, jobID, succeeded, failed, total, message)
	}
	result := d.runner.Run(ctx, jobID, urls, threads, progress)

	executionMs := d.now().Sub(startedAt).Milliseconds()
	if err := d.store.MarkSucceeded(ctx, jobID, result.HTML,
		result.Succeeded, result.Failed, executionMs, d.now()); err != nil {

		log.Error("Failed to persist SUCCEEDED state, marking job failed",
			"jobID", jobID, "error", err)
		if err := d.store.MarkFailed(ctx, jobID, result.Succeeded, result.Failed, d.now()); err != nil {
			log.Error("Failed to persist FAILED state", "jobID", jobID, "error", err)
		}
		d.metrics.RecordFailed()
		d.cleanup(ctx, task)
		return
	}

	d.metrics.RecordSucceeded(float64(executionMs) / 1000.0)
	log.Info("Job completed",
		"jobID", jobID, "succeeded", result.Succeeded,
		"failed", result.Failed, "executionMs", executionMs)
	d.cleanup(ctx, task)
}

// cleanup 終態落庫之後的收尾：刪即時狀態、釋放資源、清待處理殘留
//
// 順序不可調換：即時狀態必須在終態可查之後才刪除，
// 否則狀態查詢會在兩層之間落空。
func (d *Dispatcher) cleanup(ctx context.Context, task *types.PrioritizedTask) {
	if err := d.cache.Delete(ctx, task.JobID); err != nil {
		log.Error("Failed to delete live status", "jobID", task.JobID, "error", err)
	}
	if err := d.ledger.RegisterComplete(ctx, task.JobID, task.UserID, task.Estimate.Threads); err != nil {
		log.Error("Failed to release job resources", "jobID", task.JobID, "error", err)
	}
	d.scheduler.Remove(task.JobID)
}

// putLive 寫入一筆 RUNNING 即時狀態，失敗只記錄不中斷執行
func (d *Dispatcher) putLive(ctx context.Context, jobID types.JobID, succeeded, failed, total int, message string) {
	status := types.LiveStatus{
		Status:        types.StatusRunning,
		Message:       message,
		URLsSubmitted: total,
		URLsSucceeded: succeeded,
		URLsFailed:    failed,
	}
	if err := d.cache.Put(ctx, jobID, status); err != nil {
		log.Warn("Failed to write live status", "jobID", jobID, "error", err)
	}
}

// statsLoop 定期記錄叢集使用率並更新監控指標
func (d *Dispatcher) statsLoop() {
	defer d.loopWg.Done()
	ticker := time.NewTicker(d.config.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			log.Info("Stats loop stopped")
			return

		case <-ticker.C:
			ctx := context.Background()
			status, err := d.ledger.ResourceStatus(ctx)
			if err != nil {
				log.Error("Failed to snapshot cluster resources", "error", err)
				continue
			}

			pending := d.scheduler.PendingCount()
			d.metrics.UpdateQueueStats(pending, status)

			log.Info("Queue statistics",
				"pending", pending,
				"usedThreads", status.UsedThreads,
				"totalThreads", status.TotalThreads,
				"utilization", fmt.Sprintf("%.2f", status.UtilizationRate()))
		}
	}
}

// ============================================================================
// 關閉
// ============================================================================

// Stop 優雅關閉 Dispatcher
//
// 關閉順序：
//  1. close(stopCh)  → 兩個循環停止，不再分派新任務
//  2. loopWg.Wait()  → 等待循環退出
//  3. runWg.Wait()   → 等待執行中的抓取跑完收尾
//     （收尾包含終態落庫與資源釋放，中斷會留下殭屍佔用）
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		log.Info("Dispatcher already stopped")
		return
	}
	d.stopped = true
	d.mu.Unlock()

	log.Info("Stopping dispatcher...")
	close(d.stopCh)
	d.loopWg.Wait()
	d.runWg.Wait()
	log.Info("Dispatcher stopped")
}
