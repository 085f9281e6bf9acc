// Package scheduler runs delayed jobs keyed for deduplication. Scheduling a
// job under a key that is already pending replaces it, so only the last
// schedule for a key ever fires.
package scheduler

import (
	"context"
	"time"
)

// Job kinds.
const (
	KindMaintenanceAutoProgress = "maintenance.auto_progress"
	KindApprovalExpire          = "approval.expire"
)

// AutoProgressKey is the dedup key of a ticket's auto-progress job.
func AutoProgressKey(ticketID string) string {
	return "maintenance:auto-progress:" + ticketID
}

// ApprovalExpiryKey is the dedup key of a request's expiry job.
func ApprovalExpiryKey(requestID string) string {
	return "approval:expire:" + requestID
}

// Job is a unit of delayed work.
type Job struct {
	Kind    string            `json:"kind"`
	Key     string            `json:"key"`
	RunAt   time.Time         `json:"run_at"`
	Payload map[string]string `json:"payload,omitempty"`
}

// Handler executes a job. Errors are logged by the scheduler and the job is
// not retried.
type Handler func(ctx context.Context, job Job) error

// Scheduler is implemented by Local and Redis.
type Scheduler interface {
	// Schedule registers job, replacing any pending job with the same key.
	Schedule(ctx context.Context, job Job) error
	// Cancel drops the pending job for key, if any.
	Cancel(ctx context.Context, key string) error
	// Handle registers the handler for a job kind. Call before Start.
	Handle(kind string, h Handler)
	// Start begins dispatching due jobs until ctx is cancelled or Stop is called.
	Start(ctx context.Context)
	Stop()
}
