// Package coordinate holds the reassign operation shared by the Lifecycle
// Controller's fail() and the Scheduler's maintenance sweeps (§4.6/§4.7) so
// both call paths apply identical retry-budget and requeue semantics.
package coordinate

import (
	"context"

	"github.com/nodepool/marketplace/internal/clock"
	"github.com/nodepool/marketplace/internal/domain"
	"github.com/nodepool/marketplace/internal/pkg/logger"
	"github.com/nodepool/marketplace/internal/queue"
	"github.com/nodepool/marketplace/internal/realtime/bus"
	"github.com/nodepool/marketplace/internal/store"
)

// Reassign moves an ASSIGNED/RUNNING job back to QUEUED with a promoted
// priority and incremented retry_count, or terminates it as ABANDONED when
// the retry budget (job.MaxRetries) is exhausted. No Payment row is ever
// created for an ABANDONED job. notifier may be nil — the bus is a
// best-effort side channel, never load-bearing for correctness.
func Reassign(ctx context.Context, st store.Store, q *queue.Queue, log *logger.Logger, clk clock.Clock, notifier *bus.Bus, jobID, reason string) (*domain.Job, bool, error) {
	current, err := st.GetJob(ctx, jobID)
	if err != nil {
		return nil, false, err
	}
	job, abandoned, err := st.ReassignJob(ctx, jobID, reason, current.MaxRetries, clk.Now())
	if err != nil {
		return nil, false, err
	}
	if abandoned {
		log.Warn("job abandoned, retry budget exhausted", "job_id", jobID, "reason", reason, "retry_count", job.RetryCount)
		return job, true, nil
	}
	q.Push(job.ID, job.Priority, job.AdmittedAt)
	log.Info("job reassigned", "job_id", jobID, "reason", reason, "retry_count", job.RetryCount, "priority", job.Priority.String())
	if notifier != nil {
		notifier.PublishJobAvailable(ctx, bus.Event{JobID: job.ID, JobType: job.JobType, Reason: reason})
	}
	return job, false, nil
}
