// Package service holds the job-facing operations behind the REST surface:
// submit, status reconciliation, and result fetch.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/ChuLiYu/crawlqueue/internal/livecache"
	"github.com/ChuLiYu/crawlqueue/internal/queue"
	"github.com/ChuLiYu/crawlqueue/internal/store"
	"github.com/ChuLiYu/crawlqueue/pkg/types"
)

// StatusView is the reconciled answer of a status query: either the live
// cache view (during RUNNING) or the persisted row.
type StatusView struct {
	JobID         types.JobID
	Status        types.JobStatus
	LiveMessage   *string // nil when the view comes from the durable store
	URLsSubmitted int
	URLsSucceeded int
	URLsFailed    int
}

// Jobs implements the submit/status/result operations.
type Jobs struct {
	store     *store.Store
	cache     *livecache.Cache
	publisher queue.Publisher
	log       *slog.Logger
}

// NewJobs wires the job service. All collaborators are injected at
// construction.
func NewJobs(st *store.Store, cache *livecache.Cache, publisher queue.Publisher, logger *slog.Logger) *Jobs {
	if logger == nil {
		logger = slog.Default()
	}
	return &Jobs{store: st, cache: cache, publisher: publisher, log: logger}
}

// Submit validates the URL batch, assigns a job identity, durably writes the
// PENDING row, and then publishes the task record.
//
// 順序契約：資料庫行必須在任務記錄發佈之前寫入，保證提交後立刻查詢
// 狀態一定找得到任務。發佈失敗時該行保持 PENDING，由操作人員補救。
func (j *Jobs) Submit(ctx context.Context, urls []string, userID string) (types.JobID, error) {
	if details := validateURLs(urls); details != "" {
		return "", newError(KindInvalidInput, "Validation failed", details, nil)
	}

	jobID := types.JobID(uuid.NewString())
	j.log.Info("Submitting new crawling job", "jobID", jobID, "urls", len(urls), "userID", userID)

	if err := j.store.Create(ctx, jobID, len(urls), userID); err != nil {
		return "", newError(KindStore, "Failed to persist job", "", err)
	}

	msg := types.TaskMessage{JobID: string(jobID), URLs: urls, UserID: userID}
	if err := j.publisher.Publish(ctx, msg); err != nil {
		// 行已落庫且可被狀態查詢觀察到；不自動重試
		j.log.Error("Failed to publish task record, job row stays PENDING",
			"jobID", jobID, "error", err)
		return "", newError(KindTransport, "Failed to publish task record", string(jobID), err)
	}

	return jobID, nil
}

func validateURLs(urls []string) string {
	if len(urls) == 0 {
		return "urls: must not be empty"
	}
	for i, url := range urls {
		if strings.TrimSpace(url) == "" {
			return fmt.Sprintf("urls[%d]: must not be blank", i)
		}
	}
	return ""
}

// Status reconciles the live cache and the durable store:
//  1. a present, parseable live entry wins verbatim
//  2. otherwise the persisted row answers, with no live message
//  3. a malformed live entry is logged and falls back to the store
func (j *Jobs) Status(ctx context.Context, jobID types.JobID) (StatusView, error) {
	live, found, err := j.cache.Get(ctx, jobID)
	switch {
	case err != nil && errors.Is(err, livecache.ErrMalformed):
		j.log.Error("Malformed live status, falling back to store", "jobID", jobID, "error", err)
	case err != nil:
		j.log.Error("Live status cache unavailable, falling back to store", "jobID", jobID, "error", err)
	case found:
		message := live.Message
		return StatusView{
			JobID:         jobID,
			Status:        live.Status,
			LiveMessage:   &message,
			URLsSubmitted: live.URLsSubmitted,
			URLsSucceeded: live.URLsSucceeded,
			URLsFailed:    live.URLsFailed,
		}, nil
	}

	job, err := j.store.Get(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return StatusView{}, newError(KindJobNotFound, "Job not found", "id: "+string(jobID), err)
	}
	if err != nil {
		return StatusView{}, newError(KindStore, "Failed to load job", "", err)
	}

	return StatusView{
		JobID:         job.ID,
		Status:        job.Status,
		URLsSubmitted: job.URLsSubmitted,
		URLsSucceeded: job.URLsSucceeded,
		URLsFailed:    job.URLsFailed,
	}, nil
}

// Result fetches the final artifact from the durable store only.
func (j *Jobs) Result(ctx context.Context, jobID types.JobID) (string, error) {
	job, err := j.store.Get(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return "", newError(KindJobNotFound, "Job not found", "id: "+string(jobID), err)
	}
	if err != nil {
		return "", newError(KindStore, "Failed to load job", "", err)
	}

	if job.Status != types.StatusSucceeded {
		return "", newError(KindJobNotCompleted, "Job not completed",
			fmt.Sprintf("status: %s", job.Status), nil)
	}
	if job.ResultHTML == "" {
		j.log.Warn("SUCCEEDED job has empty result artifact", "jobID", jobID)
		return "", newError(KindInternal, "Job result is empty", "id: "+string(jobID), nil)
	}
	return job.ResultHTML, nil
}
