// ============================================================================
// Crawlqueue 准入與優先級引擎 - 待處理集合實現
// ============================================================================
//
// Package: internal/scheduler
// 文件: scheduler.go
// 功能: 管理行程內的待處理任務集合，按優先級挑選下一個可執行任務
//
// 設計理念:
//   採用雙映射設計，兼顧評分效率和資料完整性：
//   1. pending map - jobId 到優先級任務的統一儲存
//   2. urls map    - jobId 到 URL 列表的平行儲存
//   URL 列表不放進優先級記錄，讓每次評分只搬運輕量欄位。
//
// 任務流轉:
//   Add()            - 消費端解析訊息後插入（入列前已完成資源評估）
//   NextExecutable() - 分派 tick 取出優先級最高且可執行的任務
//   Remove()         - 任務終態或放棄時清除殘留的 URL 映射
//
// 評分規則（分數越小優先級越高）:
//   resource = 資源消耗分數，範圍 [0,1]
//   waitNorm = min(1, 等待時間 / 300 秒)
//   score    = 0.7 × resource - 0.3 × waitNorm
//   配額超限的任務得 1000 分並標記不可執行，留在隊列中等待而不丟棄。
//
// 同分裁決:
//   先比提交時間（早者優先），再比 jobId 字典序，保證排序結果可重現。
//
// 併發安全:
//   - 使用 sync.Mutex 保護兩個映射
//   - NextExecutable 的挑選與移除在同一臨界區內完成，
//     對並發插入保持原子性
//   - 水平擴展時每個行程持有自己的待處理集合，
//     傳輸層按 jobId 分區保證不會兩個行程搶同一任務
//
// ============================================================================

package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/crawlqueue/pkg/types"
)

// 優先級計算權重
const (
	resourceWeight = 0.7      // 資源消耗權重
	waitWeight     = 0.3      // 等待時間權重
	maxWaitMs      = 300_000  // 等待時間歸一化上限（5 分鐘）
	blockedScore   = 1000.0   // 配額超限任務的分數（極低優先級）
)

var (
	// ErrDuplicateTask 任務 ID 已存在於待處理集合
	ErrDuplicateTask = errors.New("task already pending")
)

// QuotaChecker 檢查使用者投入指定線程後是否仍在配額內
type QuotaChecker interface {
	CanUserStart(ctx context.Context, userID string, requiredThreads int) bool
}

// ResourceSource 提供叢集資源快照
type ResourceSource interface {
	ResourceStatus(ctx context.Context) (types.WorkerResourceStatus, error)
}

// Scheduler 待處理任務集合與優先級引擎
type Scheduler struct {
	mu      sync.Mutex
	pending map[types.JobID]*types.PrioritizedTask // 待處理任務
	urls    map[types.JobID][]string               // 任務的 URL 列表
	quota   QuotaChecker
	cluster ResourceSource
	log     *slog.Logger
	now     func() time.Time // 可注入時鐘，便於測試
}

// New 建立 Scheduler 實例
func New(quota QuotaChecker, cluster ResourceSource, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		pending: make(map[types.JobID]*types.PrioritizedTask),
		urls:    make(map[types.JobID][]string),
		quota:   quota,
		cluster: cluster,
		log:     logger,
		now:     time.Now,
	}
}

// Add 將任務插入待處理集合
//
// 返回值：
//   - error: 任務 ID 重複時回傳 ErrDuplicateTask
//
// 併發安全：使用互斥鎖保護
func (s *Scheduler) Add(jobID types.JobID, userID string, urls []string, estimate types.ResourceEstimate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.pending[jobID]; exists {
		return ErrDuplicateTask
	}

	s.pending[jobID] = &types.PrioritizedTask{
		JobID:      jobID,
		UserID:     userID,
		URLCount:   len(urls),
		Estimate:   estimate,
		SubmitTime: s.now(),
	}
	s.urls[jobID] = urls

	s.log.Debug("Added task to pending set",
		"jobID", jobID, "userID", userID, "urls", len(urls))
	return nil
}

// URLs 取得任務的 URL 列表，不存在時回傳 nil
func (s *Scheduler) URLs(jobID types.JobID) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.urls[jobID]
}

// Remove 清除任務殘留（分派後、任務終態或放棄時呼叫）
func (s *Scheduler) Remove(jobID types.JobID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, jobID)
	delete(s.urls, jobID)
}

// PendingCount 待處理任務數量
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// NextExecutable 取得下一個可執行的任務
//
// 流程：
//  1. 快照叢集資源狀態
//  2. 對所有待處理任務評分（配額超限 → 1000 分且不可執行）
//  3. 按 (分數, 提交時間, jobId) 排序
//  4. 掃描排序結果，回傳第一個通過容量與配額閘門的任務，
//     並在同一臨界區內將其移出待處理集合
//
// 沒有可執行任務時回傳 nil。URL 列表保留到 Remove 被呼叫為止。
func (s *Scheduler) NextExecutable(ctx context.Context) *types.PrioritizedTask {
	status, err := s.cluster.ResourceStatus(ctx)
	if err != nil {
		s.log.Error("Failed to snapshot cluster resources", "error", err)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		return nil
	}

	now := s.now()
	tasks := make([]*types.PrioritizedTask, 0, len(s.pending))
	for _, task := range s.pending {
		s.scoreTask(ctx, task, status, now)
		tasks = append(tasks, task)
	}

	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Score != tasks[j].Score {
			return tasks[i].Score < tasks[j].Score
		}
		if !tasks[i].SubmitTime.Equal(tasks[j].SubmitTime) {
			return tasks[i].SubmitTime.Before(tasks[j].SubmitTime)
		}
		return tasks[i].JobID < tasks[j].JobID
	})

	for _, task := range tasks {
		if !task.CanExecute {
			continue
		}
		delete(s.pending, task.JobID)
		s.log.Debug("Selected task for execution",
			"jobID", task.JobID, "score", task.Score)
		return task
	}

	s.log.Debug("No executable task found", "pending", len(s.pending))
	return nil
}

// scoreTask 計算單一任務的優先級分數與可執行旗標
func (s *Scheduler) scoreTask(ctx context.Context, task *types.PrioritizedTask, status types.WorkerResourceStatus, now time.Time) {
	required := task.Estimate.Threads

	// 配額閘門：超限任務沉底但不出列
	if !s.quota.CanUserStart(ctx, task.UserID, required) {
		task.Score = blockedScore
		task.CanExecute = false
		return
	}

	waitMs := float64(now.Sub(task.SubmitTime).Milliseconds())
	waitNorm := min(1.0, waitMs/maxWaitMs)
	task.Score = task.Estimate.Score*resourceWeight - waitNorm*waitWeight

	// 容量閘門：叢集須同時有足夠線程與空閒實例
	task.CanExecute = status.HasEnoughResources(required)
}
