// Package jobs defines the background cache maintenance tasks run by the worker.
package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/briangreenhill/propertydata/cache"
)

const (
	TaskCleanupCache = "cache:cleanup"
	TaskWarmCache    = "cache:warm"

	// QueueMaintenance is lower priority than request-driven work
	QueueMaintenance = "maintenance"
)

type WarmCachePayload struct {
	Provider cache.Provider `json:"provider"`
	Keys     []string       `json:"keys"`
}

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

func NewCleanupTask() *asynq.Task {
	return asynq.NewTask(TaskCleanupCache, nil,
		asynq.Queue(QueueMaintenance),
		asynq.MaxRetry(1),
		asynq.Unique(time.Minute),
	)
}

func NewWarmTask(provider cache.Provider, keys []string) (*asynq.Task, error) {
	payload, err := json.Marshal(WarmCachePayload{Provider: provider, Keys: keys})
	if err != nil {
		return nil, fmt.Errorf("marshal warm payload: %w", err)
	}
	return asynq.NewTask(TaskWarmCache, payload,
		asynq.Queue(QueueMaintenance),
		asynq.MaxRetry(5),
		asynq.Timeout(5*time.Minute),
	), nil
}

// RegisterSchedule enqueues a cleanup on every tick of cronspec.
func RegisterSchedule(s *asynq.Scheduler, cronspec string) (string, error) {
	id, err := s.Register(cronspec, NewCleanupTask())
	if err != nil {
		return "", fmt.Errorf("schedule %s on %q: %w", TaskCleanupCache, cronspec, err)
	}
	return id, nil
}
