package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/crawlqueue/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// fakeQuota blocks the user ids listed in blocked.
type fakeQuota struct {
	blocked map[string]bool
}

func (f *fakeQuota) CanUserStart(_ context.Context, userID string, _ int) bool {
	return !f.blocked[userID]
}

// fakeCluster returns a fixed resource snapshot.
type fakeCluster struct {
	status types.WorkerResourceStatus
	err    error
}

func (f *fakeCluster) ResourceStatus(_ context.Context) (types.WorkerResourceStatus, error) {
	return f.status, f.err
}

func openCluster() *fakeCluster {
	return &fakeCluster{status: types.WorkerResourceStatus{
		TotalInstances: 1,
		TotalThreads:   10,
	}}
}

func newTestScheduler(quota QuotaChecker, cluster ResourceSource) *Scheduler {
	return New(quota, cluster, nil)
}

func estimateFor(threads int, durationMs int64, score float64) types.ResourceEstimate {
	return types.ResourceEstimate{Threads: threads, DurationMs: durationMs, Score: score}
}

func urlList(n int) []string {
	urls := make([]string, n)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://example.com/%d", i)
	}
	return urls
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestAddRejectsDuplicateJobID(t *testing.T) {
	s := newTestScheduler(&fakeQuota{}, openCluster())

	require.NoError(t, s.Add("job-1", "u1", urlList(2), estimateFor(1, 2000, 0.1)))
	err := s.Add("job-1", "u1", urlList(2), estimateFor(1, 2000, 0.1))

	assert.ErrorIs(t, err, ErrDuplicateTask)
	assert.Equal(t, 1, s.PendingCount(), "duplicate insert must not grow the pending set")
}

func TestURLsSurviveUntilRemove(t *testing.T) {
	s := newTestScheduler(&fakeQuota{}, openCluster())
	require.NoError(t, s.Add("job-1", "", urlList(3), estimateFor(1, 2000, 0.1)))

	task := s.NextExecutable(context.Background())
	require.NotNil(t, task)

	assert.Len(t, s.URLs("job-1"), 3, "URL list must survive selection")
	s.Remove("job-1")
	assert.Nil(t, s.URLs("job-1"), "Remove clears the URL list")
}

// TestPriorityBlendsCostAndAge reproduces the canonical three-job ordering:
// among two equally cheap jobs the older one wins, and both beat an
// expensive job regardless of age.
func TestPriorityBlendsCostAndAge(t *testing.T) {
	s := newTestScheduler(&fakeQuota{}, openCluster())

	base := time.Now()
	clock := base
	s.now = func() time.Time { return clock }

	// Job A and C are identical small jobs; C entered 10s earlier.
	clock = base.Add(-10 * time.Second)
	require.NoError(t, s.Add("job-c", "u1", urlList(5), estimateFor(1, 10000, 0.193)))
	clock = base
	require.NoError(t, s.Add("job-a", "u1", urlList(5), estimateFor(1, 10000, 0.193)))
	// Job B is a large job with the maximum resource score.
	require.NoError(t, s.Add("job-b", "u2", urlList(80), estimateFor(10, 160000, 1.0)))

	first := s.NextExecutable(context.Background())
	require.NotNil(t, first)
	assert.Equal(t, types.JobID("job-c"), first.JobID, "older of the cheap jobs goes first")

	second := s.NextExecutable(context.Background())
	require.NotNil(t, second)
	assert.Equal(t, types.JobID("job-a"), second.JobID)

	third := s.NextExecutable(context.Background())
	require.NotNil(t, third)
	assert.Equal(t, types.JobID("job-b"), third.JobID, "the expensive job drains last")
}

func TestWaitingImprovesPriorityMonotonically(t *testing.T) {
	s := newTestScheduler(&fakeQuota{}, openCluster())

	base := time.Now()
	clock := base
	s.now = func() time.Time { return clock }

	require.NoError(t, s.Add("job-1", "", urlList(5), estimateFor(1, 10000, 0.193)))

	scoreAt := func(wait time.Duration) float64 {
		clock = base.Add(wait)
		task := s.pending["job-1"]
		s.scoreTask(context.Background(), task, openCluster().status, clock)
		return task.Score
	}

	prev := scoreAt(0)
	for _, wait := range []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute} {
		cur := scoreAt(wait)
		assert.Less(t, cur, prev, "score must strictly improve while waiting below the cap")
		prev = cur
	}

	// Beyond the 5 minute cap the age credit saturates.
	capped := scoreAt(5 * time.Minute)
	assert.InDelta(t, capped, scoreAt(20*time.Minute), 1e-9, "age credit saturates at the cap")
}

func TestQuotaExceededTaskSinksButStaysQueued(t *testing.T) {
	quota := &fakeQuota{blocked: map[string]bool{"hog": true}}
	s := newTestScheduler(quota, openCluster())

	require.NoError(t, s.Add("job-hog", "hog", urlList(2), estimateFor(1, 2000, 0.05)))
	require.NoError(t, s.Add("job-ok", "ok", urlList(80), estimateFor(10, 160000, 1.0)))

	task := s.NextExecutable(context.Background())
	require.NotNil(t, task)
	assert.Equal(t, types.JobID("job-ok"), task.JobID,
		"an expensive admissible job beats a cheap quota-blocked one")

	// The blocked job is still pending, not dropped.
	assert.Equal(t, 1, s.PendingCount())

	// Once the quota frees up it becomes selectable again.
	quota.blocked = nil
	task = s.NextExecutable(context.Background())
	require.NotNil(t, task)
	assert.Equal(t, types.JobID("job-hog"), task.JobID)
}

func TestNoSelectionWithoutCapacity(t *testing.T) {
	cluster := &fakeCluster{status: types.WorkerResourceStatus{
		TotalInstances: 1,
		TotalThreads:   10,
		UsedInstances:  1, // no free instance
		UsedThreads:    10,
	}}
	s := newTestScheduler(&fakeQuota{}, cluster)

	require.NoError(t, s.Add("job-1", "", urlList(2), estimateFor(1, 2000, 0.1)))

	assert.Nil(t, s.NextExecutable(context.Background()),
		"a saturated cluster must not release any task")
	assert.Equal(t, 1, s.PendingCount(), "the task stays queued for the next tick")
}

func TestNextExecutableNilOnResourceSnapshotFailure(t *testing.T) {
	cluster := &fakeCluster{err: fmt.Errorf("redis down")}
	s := newTestScheduler(&fakeQuota{}, cluster)

	require.NoError(t, s.Add("job-1", "", urlList(2), estimateFor(1, 2000, 0.1)))

	assert.Nil(t, s.NextExecutable(context.Background()))
	assert.Equal(t, 1, s.PendingCount())
}

func TestTieBreakIsDeterministic(t *testing.T) {
	s := newTestScheduler(&fakeQuota{}, openCluster())

	fixed := time.Now()
	s.now = func() time.Time { return fixed }

	// Identical estimates and identical submit times: jobId decides.
	require.NoError(t, s.Add("job-b", "", urlList(2), estimateFor(1, 2000, 0.1)))
	require.NoError(t, s.Add("job-a", "", urlList(2), estimateFor(1, 2000, 0.1)))

	task := s.NextExecutable(context.Background())
	require.NotNil(t, task)
	assert.Equal(t, types.JobID("job-a"), task.JobID, "lexicographic jobId breaks exact ties")
}

func TestConcurrentAddAndSelect(t *testing.T) {
	s := newTestScheduler(&fakeQuota{}, openCluster())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.Add(types.JobID(fmt.Sprintf("job-%03d", i)), "", urlList(1), estimateFor(1, 2000, 0.1))
		}(i)
	}

	selected := make(map[types.JobID]bool)
	var mu sync.Mutex
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if task := s.NextExecutable(context.Background()); task != nil {
				mu.Lock()
				assert.False(t, selected[task.JobID], "a task must never be selected twice")
				selected[task.JobID] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
}
