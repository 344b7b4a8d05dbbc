// Package livecache is the live status cache: a short-lived per-job progress
// record keyed by job id.
//
// Workers write the full progress snapshot as a single JSON value under
// scraping:job:live:status:{jobId}. Every write refreshes a 1-hour TTL so a
// silent worker crash lets the status eventually fall back to the durable
// store. Terminal transitions delete the key.
package livecache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ChuLiYu/crawlqueue/pkg/types"
)

const (
	liveStatusPrefix = "scraping:job:live:status:"
	liveStatusTTL    = time.Hour
)

// ErrMalformed indicates the cached payload could not be parsed. Callers fall
// back to the durable store.
var ErrMalformed = fmt.Errorf("malformed live status payload")

// Cache is the keyed write-through channel from progress reporters to the
// status read path.
type Cache struct {
	client redis.UniversalClient
}

// New creates a Cache on top of an existing Redis client.
func New(client redis.UniversalClient) *Cache {
	return &Cache{client: client}
}

func liveStatusKey(jobID types.JobID) string {
	return liveStatusPrefix + string(jobID)
}

// Put writes the full progress snapshot and refreshes the TTL.
func (c *Cache) Put(ctx context.Context, jobID types.JobID, status types.LiveStatus) error {
	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to encode live status for %s: %w", jobID, err)
	}
	if err := c.client.Set(ctx, liveStatusKey(jobID), payload, liveStatusTTL).Err(); err != nil {
		return fmt.Errorf("failed to write live status for %s: %w", jobID, err)
	}
	return nil
}

// Get returns the live view for a job. The second return value is false when
// no entry exists. A present but unparseable entry returns ErrMalformed.
func (c *Cache) Get(ctx context.Context, jobID types.JobID) (types.LiveStatus, bool, error) {
	payload, err := c.client.Get(ctx, liveStatusKey(jobID)).Result()
	if err == redis.Nil {
		return types.LiveStatus{}, false, nil
	}
	if err != nil {
		return types.LiveStatus{}, false, fmt.Errorf("failed to read live status for %s: %w", jobID, err)
	}

	var status types.LiveStatus
	if err := json.Unmarshal([]byte(payload), &status); err != nil {
		return types.LiveStatus{}, true, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if status.Status == "" {
		status.Status = types.StatusRunning
	}
	return status, true, nil
}

// Delete removes the entry. Called on every terminal write.
func (c *Cache) Delete(ctx context.Context, jobID types.JobID) error {
	if err := c.client.Del(ctx, liveStatusKey(jobID)).Err(); err != nil {
		return fmt.Errorf("failed to delete live status for %s: %w", jobID, err)
	}
	return nil
}
