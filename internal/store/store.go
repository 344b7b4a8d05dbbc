// Package store is the durable job store: the authoritative record of every
// job and the only source of truth for terminal state.
//
// Backed by a single relational `job` table. Terminal writes are idempotent:
// a row that already reached SUCCEEDED or FAILED is never modified again, so
// redelivered work cannot corrupt a finished job.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/ChuLiYu/crawlqueue/pkg/types"
)

// ErrNotFound 任務不存在
var ErrNotFound = errors.New("job not found")

// jobRecord maps to the `job` table.
type jobRecord struct {
	ID            string          `gorm:"column:id;primaryKey;size:36"`
	Status        types.JobStatus `gorm:"column:status;size:20;not null"`
	ResultHTML    string          `gorm:"column:result_html;type:text"`
	URLsSubmitted int             `gorm:"column:urls_submitted;not null"`
	URLsSucceeded int             `gorm:"column:urls_succeeded;not null"`
	URLsFailed    int             `gorm:"column:urls_failed;not null"`
	UserID        *string         `gorm:"column:user_id;size:64"`
	ExecutionMs   *int64          `gorm:"column:execution_time_ms"`
	StartedAt     *time.Time      `gorm:"column:started_at"`
	CompletedAt   *time.Time      `gorm:"column:completed_at"`
	CreatedAt     time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

func (jobRecord) TableName() string { return "job" }

func (r *jobRecord) toJob() *types.Job {
	job := &types.Job{
		ID:            types.JobID(r.ID),
		Status:        r.Status,
		URLsSubmitted: r.URLsSubmitted,
		URLsSucceeded: r.URLsSucceeded,
		URLsFailed:    r.URLsFailed,
		ResultHTML:    r.ResultHTML,
		ExecutionMs:   r.ExecutionMs,
		CreatedAt:     r.CreatedAt,
		StartedAt:     r.StartedAt,
		CompletedAt:   r.CompletedAt,
	}
	if r.UserID != nil {
		job.UserID = *r.UserID
	}
	return job
}

// Store provides access to the job table.
type Store struct {
	db *gorm.DB
}

// New creates a Store and ensures the job table exists.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&jobRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate job table: %w", err)
	}
	return &Store{db: db}, nil
}

// Create persists a new PENDING row. Must complete before the task record is
// published so a status query immediately after submit finds the job.
func (s *Store) Create(ctx context.Context, jobID types.JobID, urlCount int, userID string) error {
	rec := jobRecord{
		ID:            string(jobID),
		Status:        types.StatusPending,
		URLsSubmitted: urlCount,
	}
	if userID != "" {
		rec.UserID = &userID
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("failed to create job row: %w", err)
	}
	return nil
}

// Get loads a job by ID, ErrNotFound if absent.
func (s *Store) Get(ctx context.Context, jobID types.JobID) (*types.Job, error) {
	var rec jobRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", string(jobID)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	return rec.toJob(), nil
}

// MarkStarted records the execution start time. The durable status stays
// PENDING while running; the live view comes from the status cache.
func (s *Store) MarkStarted(ctx context.Context, jobID types.JobID, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&jobRecord{}).
		Where("id = ? AND status = ?", string(jobID), types.StatusPending).
		Update("started_at", at)
	if res.Error != nil {
		return fmt.Errorf("failed to mark job %s started: %w", jobID, res.Error)
	}
	return nil
}

// MarkSucceeded writes the terminal SUCCEEDED row with the result artifact.
// Rows already in a terminal state are left untouched.
func (s *Store) MarkSucceeded(ctx context.Context, jobID types.JobID, resultHTML string, succeeded, failed int, executionMs int64, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&jobRecord{}).
		Where("id = ? AND status NOT IN ?", string(jobID), terminalStatuses()).
		Updates(map[string]interface{}{
			"status":            types.StatusSucceeded,
			"result_html":       resultHTML,
			"urls_succeeded":    succeeded,
			"urls_failed":       failed,
			"execution_time_ms": executionMs,
			"completed_at":      at,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to mark job %s succeeded: %w", jobID, res.Error)
	}
	return nil
}

// MarkFailed writes the terminal FAILED row. Partial URL counts are kept.
func (s *Store) MarkFailed(ctx context.Context, jobID types.JobID, succeeded, failed int, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&jobRecord{}).
		Where("id = ? AND status NOT IN ?", string(jobID), terminalStatuses()).
		Updates(map[string]interface{}{
			"status":         types.StatusFailed,
			"urls_succeeded": succeeded,
			"urls_failed":    failed,
			"completed_at":   at,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to mark job %s failed: %w", jobID, res.Error)
	}
	return nil
}

func terminalStatuses() []types.JobStatus {
	return []types.JobStatus{types.StatusSucceeded, types.StatusFailed}
}

// Sample is one completed job's execution record used by the estimator.
type Sample struct {
	ExecutionMs   int64
	URLsSubmitted int
}

// RecentCompletedSamples returns execution samples of the most recently
// completed SUCCEEDED jobs, newest first, optionally filtered by user.
func (s *Store) RecentCompletedSamples(ctx context.Context, userID string, limit int) ([]Sample, error) {
	q := s.db.WithContext(ctx).Model(&jobRecord{}).
		Select("execution_time_ms, urls_submitted").
		Where("status = ?", types.StatusSucceeded).
		Where("execution_time_ms IS NOT NULL AND execution_time_ms > 0").
		Order("completed_at DESC").
		Limit(limit)
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}

	var recs []jobRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to load completed job samples: %w", err)
	}

	samples := make([]Sample, 0, len(recs))
	for _, rec := range recs {
		if rec.ExecutionMs == nil {
			continue
		}
		samples = append(samples, Sample{ExecutionMs: *rec.ExecutionMs, URLsSubmitted: rec.URLsSubmitted})
	}
	return samples, nil
}
