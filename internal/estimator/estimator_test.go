package estimator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ChuLiYu/crawlqueue/internal/store"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// fakeSamples is a canned SampleSource.
type fakeSamples struct {
	samples []store.Sample
	err     error
	gotUser string
}

func (f *fakeSamples) RecentCompletedSamples(_ context.Context, userID string, _ int) ([]store.Sample, error) {
	f.gotUser = userID
	return f.samples, f.err
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestEstimateThreadsSteps(t *testing.T) {
	cases := []struct {
		urlCount int
		want     int
	}{
		{1, 1},
		{5, 1},
		{6, 1},   // min(3, 6/7+1) = 1
		{14, 3},  // min(3, 14/7+1) = 3
		{20, 3},  // min(3, 20/7+1) = 3
		{21, 4},  // min(6, 21/10+2) = 4
		{40, 6},  // min(6, 40/10+2) = 6
		{50, 6},  // min(6, 50/10+2) = 6
		{51, 8},  // min(10, 51/10+3) = 8
		{70, 10}, // min(10, 70/10+3) = 10
		{500, 10},
	}

	for _, tc := range cases {
		got := estimateThreads(tc.urlCount)
		assert.Equal(t, tc.want, got, "urlCount=%d", tc.urlCount)
	}
}

func TestEstimateUsesDefaultWithoutHistory(t *testing.T) {
	est := New(&fakeSamples{}, nil)

	estimate := est.Estimate(context.Background(), 3, "")

	assert.Equal(t, 1, estimate.Threads)
	assert.Equal(t, int64(3*defaultPerURLMs), estimate.DurationMs,
		"no history should fall back to the default per-URL duration")
}

func TestEstimateUsesDefaultOnSampleError(t *testing.T) {
	est := New(&fakeSamples{err: errors.New("db down")}, nil)

	estimate := est.Estimate(context.Background(), 2, "u1")

	assert.Equal(t, int64(2*defaultPerURLMs), estimate.DurationMs,
		"a sample source failure must not block estimation")
}

func TestEstimateAveragesPerJobRatios(t *testing.T) {
	// Two jobs: 1000ms/1url = 1000, 4000ms/2urls = 2000.
	// The estimate averages the per-job ratios, so (1000+2000)/2 = 1500.
	samples := []store.Sample{
		{ExecutionMs: 1000, URLsSubmitted: 1},
		{ExecutionMs: 4000, URLsSubmitted: 2},
	}
	est := New(&fakeSamples{samples: samples}, nil)

	estimate := est.Estimate(context.Background(), 4, "u1")

	assert.Equal(t, int64(6000), estimate.DurationMs, "4 URLs at 1500ms each")
}

func TestEstimateSkipsDegenerateSamples(t *testing.T) {
	samples := []store.Sample{
		{ExecutionMs: 0, URLsSubmitted: 5},
		{ExecutionMs: 900, URLsSubmitted: 0},
		{ExecutionMs: 3000, URLsSubmitted: 2},
	}
	est := New(&fakeSamples{samples: samples}, nil)

	estimate := est.Estimate(context.Background(), 1, "")

	assert.Equal(t, int64(1500), estimate.DurationMs,
		"zero-duration and zero-URL samples must not poison the average")
}

func TestEstimateClampsPerURLDuration(t *testing.T) {
	fast := []store.Sample{{ExecutionMs: 1, URLsSubmitted: 10}} // 0.1ms per URL
	slow := []store.Sample{{ExecutionMs: 900000, URLsSubmitted: 1}}

	fastEst := New(&fakeSamples{samples: fast}, nil).Estimate(context.Background(), 1, "")
	assert.Equal(t, int64(minPerURLMs), fastEst.DurationMs, "per-URL duration clamps at the floor")

	slowEst := New(&fakeSamples{samples: slow}, nil).Estimate(context.Background(), 1, "")
	assert.Equal(t, int64(maxPerURLMs), slowEst.DurationMs, "per-URL duration clamps at the ceiling")
}

func TestEstimateScopesSamplesToUser(t *testing.T) {
	src := &fakeSamples{}
	est := New(src, nil)

	est.Estimate(context.Background(), 1, "alice")

	assert.Equal(t, "alice", src.gotUser)
}

func TestResourceScoreBounds(t *testing.T) {
	assert.InDelta(t, 0.6*0.1+0.4*(2000.0/30000.0), resourceScore(1, 2000), 1e-9,
		"small job blends thread and duration shares")
	assert.InDelta(t, 1.0, resourceScore(10, 60000), 1e-9,
		"max threads and capped duration give the maximum score")
	assert.LessOrEqual(t, resourceScore(10, 1_000_000), 1.0, "score never exceeds 1")
	assert.Greater(t, resourceScore(1, 100), 0.0, "score is always positive")
}

func TestEstimateScoreOrdersByCost(t *testing.T) {
	est := New(&fakeSamples{}, nil)

	small := est.Estimate(context.Background(), 5, "")
	large := est.Estimate(context.Background(), 80, "")

	assert.Less(t, small.Score, large.Score,
		"a cheaper job must score lower than an expensive one")
}
