// Package types 定義了 crawlqueue 控制平面使用的核心領域模型
package types

import "time"

// JobID 任務唯一識別碼（128-bit UUID 字串形式）
type JobID string

// JobStatus 任務狀態
type JobStatus string

// 定義任務狀態常數
const (
	StatusPending   JobStatus = "PENDING"   // 待處理狀態：任務已落庫但尚未開始執行
	StatusRunning   JobStatus = "RUNNING"   // 執行中狀態：任務正在被 worker 處理
	StatusSucceeded JobStatus = "SUCCEEDED" // 成功狀態：所有 URL 處理完畢，結果已持久化
	StatusFailed    JobStatus = "FAILED"    // 失敗狀態：任務驅動層崩潰或執行異常
)

// IsTerminal 回報狀態是否為終態（終態一旦到達永不改變）
func (s JobStatus) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Job 任務結構，代表一批 URL 構成的單一工作單元
type Job struct {
	ID            JobID      `json:"id"`                    // 任務唯一識別碼
	Status        JobStatus  `json:"status"`                // 任務當前狀態
	URLsSubmitted int        `json:"urlsSubmitted"`         // 提交的 URL 總數
	URLsSucceeded int        `json:"urlsSucceeded"`         // 成功處理的 URL 數量
	URLsFailed    int        `json:"urlsFailed"`            // 處理失敗的 URL 數量
	UserID        string     `json:"userId,omitempty"`      // 提交者（可選）
	ResultHTML    string     `json:"-"`                     // 最終結果工件，僅 SUCCEEDED 時非空
	ExecutionMs   *int64     `json:"executionMs,omitempty"` // 執行時長（毫秒）
	CreatedAt     time.Time  `json:"createdAt"`             // 任務建立時間
	StartedAt     *time.Time `json:"startedAt,omitempty"`   // 開始執行時間
	CompletedAt   *time.Time `json:"completedAt,omitempty"` // 終態寫入時間
}

// TaskMessage 工作佇列傳輸的任務記錄，value 為 UTF-8 JSON，key 為 jobId
type TaskMessage struct {
	JobID  string   `json:"jobId"`
	URLs   []string `json:"urls"`
	UserID string   `json:"userId,omitempty"`
}

// ResourceEstimate 任務資源評估結果，於入列時計算後不可變
type ResourceEstimate struct {
	Threads    int     `json:"threads"`    // 預估線程數，範圍 [1,10]
	DurationMs int64   `json:"durationMs"` // 預估總執行時長（毫秒）
	Score      float64 `json:"score"`      // 資源消耗分數，範圍 [0,1]，越小越便宜
}

// PrioritizedTask 帶優先級的待處理任務，自入列存活至分派或移除
type PrioritizedTask struct {
	JobID      JobID            // 任務 ID
	UserID     string           // 提交者（可選）
	URLCount   int              // URL 數量
	Estimate   ResourceEstimate // 資源評估
	SubmitTime time.Time        // 進入待處理集合的時間
	Score      float64          // 優先級分數，越小優先級越高
	CanExecute bool             // 是否通過容量與配額檢查
}

// WorkerResourceStatus 叢集資源快照
type WorkerResourceStatus struct {
	TotalInstances int // Worker 實例總數
	TotalThreads   int // 叢集線程總數
	UsedInstances  int // 使用中的實例數（以 running set 基數估計）
	UsedThreads    int // 使用中的線程數
}

// AvailableThreads 可用線程數
func (s WorkerResourceStatus) AvailableThreads() int {
	return s.TotalThreads - s.UsedThreads
}

// AvailableInstances 可用實例數
func (s WorkerResourceStatus) AvailableInstances() int {
	return s.TotalInstances - s.UsedInstances
}

// UtilizationRate 資源使用率（0.0 - 1.0）
func (s WorkerResourceStatus) UtilizationRate() float64 {
	if s.TotalThreads == 0 {
		return 0
	}
	return float64(s.UsedThreads) / float64(s.TotalThreads)
}

// HasEnoughResources 檢查叢集是否有足夠資源執行任務
func (s WorkerResourceStatus) HasEnoughResources(requiredThreads int) bool {
	return s.AvailableThreads() >= requiredThreads && s.AvailableInstances() > 0
}

// LiveStatus 執行中任務的即時進度，存放於短期快取而非持久層
type LiveStatus struct {
	Status        JobStatus `json:"status"`
	Message       string    `json:"message"`
	URLsSubmitted int       `json:"urlsSubmitted"`
	URLsSucceeded int       `json:"urlsSucceeded"`
	URLsFailed    int       `json:"urlsFailed"`
}

// UserUsage 使用者在時間窗口內的資源使用情況
type UserUsage struct {
	ThreadsInUse        int // 當前佔用的線程數（完成時釋放，下限為 0）
	JobsStartedInWindow int // 窗口內已啟動的任務數（只增不減，隨 TTL 重置）
}
