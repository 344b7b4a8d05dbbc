// ============================================================================
// Resource Ledger - 叢集資源帳本
// ============================================================================
//
// Package: internal/ledger
// 功能: 維護跨行程共享的叢集資源計數器與使用者配額計數器
//
// 鍵空間（全部位於同一個 Redis，與即時狀態快取分屬不同前綴）:
//   crawler:worker:running:jobs      - 執行中任務的集合，TTL 1 小時
//   crawler:worker:thread:usage      - 叢集線程佔用計數，TTL 1 小時
//   crawler:user:threads:{userId}    - 使用者線程佔用，TTL = 配額窗口
//   crawler:user:jobs:{userId}       - 使用者窗口內啟動任務數，TTL = 配額窗口
//
// 併發紀律:
//   所有增減都使用 Redis 原生 INCR/DECR 原子語義，多個分派行程可以競爭；
//   帳本只保證一個 tick 以內的一致性。
//
// 洩漏控制:
//   行程在登記開始與登記完成之間崩潰會留下殘留額度，靠鍵上的 TTL 收斂：
//   叢集鍵 1 小時，使用者鍵隨每次遞增刷新為窗口長度。
//
// ============================================================================

package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ChuLiYu/crawlqueue/pkg/types"
)

const (
	runningJobsKey  = "crawler:worker:running:jobs"
	threadUsageKey  = "crawler:worker:thread:usage"
	userThreadsKey  = "crawler:user:threads:"
	userJobsKey     = "crawler:user:jobs:"
	clusterKeyTTL   = time.Hour
	fallbackThreads = 2 // 無權威計數時，每個執行中任務估 2 線程
)

// Capacity 叢集容量配置（行程級不可變）
type Capacity struct {
	TotalInstances int
	TotalThreads   int
}

// Limits 使用者配額配置
type Limits struct {
	Window              time.Duration
	MaxThreadsPerWindow int
	MaxJobsPerWindow    int
}

// Ledger 叢集資源帳本
type Ledger struct {
	client   redis.UniversalClient
	capacity Capacity
	limits   Limits
	log      *slog.Logger
}

// New 建立帳本實例
func New(client redis.UniversalClient, capacity Capacity, limits Limits, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{client: client, capacity: capacity, limits: limits, log: logger}
}

// Limits 回傳配額配置
func (l *Ledger) Limits() Limits { return l.limits }

// RegisterStart 登記任務開始執行：加入 running set、累加線程計數、
// 累加使用者窗口計數（每次遞增刷新 TTL）
func (l *Ledger) RegisterStart(ctx context.Context, jobID types.JobID, userID string, threads int) error {
	pipe := l.client.TxPipeline()
	pipe.SAdd(ctx, runningJobsKey, string(jobID))
	pipe.Expire(ctx, runningJobsKey, clusterKeyTTL)
	pipe.IncrBy(ctx, threadUsageKey, int64(threads))
	pipe.Expire(ctx, threadUsageKey, clusterKeyTTL)
	if userID != "" {
		pipe.IncrBy(ctx, userThreadsKey+userID, int64(threads))
		pipe.Expire(ctx, userThreadsKey+userID, l.limits.Window)
		pipe.Incr(ctx, userJobsKey+userID)
		pipe.Expire(ctx, userJobsKey+userID, l.limits.Window)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to register job start %s: %w", jobID, err)
	}

	l.log.Debug("Registered job start", "jobID", jobID, "threads", threads, "userID", userID)
	return nil
}

// RegisterComplete 登記任務完成：移出 running set、釋放線程額度。
// 計數器減到負值時夾回 0 並記錄異常。
func (l *Ledger) RegisterComplete(ctx context.Context, jobID types.JobID, userID string, threads int) error {
	if err := l.client.SRem(ctx, runningJobsKey, string(jobID)).Err(); err != nil {
		return fmt.Errorf("failed to remove %s from running set: %w", jobID, err)
	}

	if err := l.decrClamped(ctx, threadUsageKey, int64(threads)); err != nil {
		return fmt.Errorf("failed to release cluster threads for %s: %w", jobID, err)
	}

	if userID != "" {
		if err := l.decrClamped(ctx, userThreadsKey+userID, int64(threads)); err != nil {
			return fmt.Errorf("failed to release user threads for %s: %w", jobID, err)
		}
	}

	l.log.Debug("Registered job complete", "jobID", jobID, "threads", threads, "userID", userID)
	return nil
}

// decrClamped 原子遞減，負值夾回 0
func (l *Ledger) decrClamped(ctx context.Context, key string, delta int64) error {
	val, err := l.client.DecrBy(ctx, key, delta).Result()
	if err != nil {
		return err
	}
	if val < 0 {
		l.log.Warn("Counter went negative, clamping to zero", "key", key, "value", val)
		return l.client.Set(ctx, key, "0", redis.KeepTTL).Err()
	}
	return nil
}

// ResourceStatus 回傳叢集資源快照。
// 權威線程計數缺失但 running set 非空時，以每任務 2 線程估算。
func (l *Ledger) ResourceStatus(ctx context.Context) (types.WorkerResourceStatus, error) {
	running, err := l.client.SCard(ctx, runningJobsKey).Result()
	if err != nil {
		return types.WorkerResourceStatus{}, fmt.Errorf("failed to read running set: %w", err)
	}

	usedThreads, err := l.intValue(ctx, threadUsageKey)
	if err != nil {
		return types.WorkerResourceStatus{}, fmt.Errorf("failed to read thread usage: %w", err)
	}
	if usedThreads == 0 && running > 0 {
		usedThreads = int(running) * fallbackThreads
	}

	status := types.WorkerResourceStatus{
		TotalInstances: l.capacity.TotalInstances,
		TotalThreads:   l.capacity.TotalThreads,
		UsedInstances:  min(int(running), l.capacity.TotalInstances),
		UsedThreads:    min(usedThreads, l.capacity.TotalThreads),
	}
	return status, nil
}

// UserUsage 回傳使用者當前窗口內的資源使用情況，計數永不為負。
func (l *Ledger) UserUsage(ctx context.Context, userID string) (types.UserUsage, error) {
	if userID == "" {
		return types.UserUsage{}, nil
	}

	threads, err := l.intValue(ctx, userThreadsKey+userID)
	if err != nil {
		return types.UserUsage{}, fmt.Errorf("failed to read user threads for %s: %w", userID, err)
	}
	jobs, err := l.intValue(ctx, userJobsKey+userID)
	if err != nil {
		return types.UserUsage{}, fmt.Errorf("failed to read user jobs for %s: %w", userID, err)
	}

	return types.UserUsage{
		ThreadsInUse:        max(threads, 0),
		JobsStartedInWindow: max(jobs, 0),
	}, nil
}

// CanUserStart 檢查使用者投入 requiredThreads 後是否仍滿足兩個窗口上限。
// 匿名提交不受配額限制；帳本讀取失敗時放行，避免把整條隊伍堵死。
func (l *Ledger) CanUserStart(ctx context.Context, userID string, requiredThreads int) bool {
	if userID == "" {
		return true
	}

	usage, err := l.UserUsage(ctx, userID)
	if err != nil {
		l.log.Error("Failed to check user quota, allowing", "userID", userID, "error", err)
		return true
	}

	if usage.ThreadsInUse+requiredThreads > l.limits.MaxThreadsPerWindow {
		l.log.Warn("User exceeded thread limit",
			"userID", userID,
			"current", usage.ThreadsInUse,
			"required", requiredThreads,
			"max", l.limits.MaxThreadsPerWindow)
		return false
	}
	if usage.JobsStartedInWindow >= l.limits.MaxJobsPerWindow {
		l.log.Warn("User exceeded job count limit",
			"userID", userID,
			"current", usage.JobsStartedInWindow,
			"max", l.limits.MaxJobsPerWindow)
		return false
	}
	return true
}

func (l *Ledger) intValue(ctx context.Context, key string) (int, error) {
	val, err := l.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		l.log.Warn("Invalid counter value", "key", key, "value", val)
		return 0, nil
	}
	return n, nil
}
