// Package store defines the marketplace's persistence contract (§4.2): a
// linearizable key/value mapping of agents, jobs, and payments, with the
// compound operations the coordination core needs ("mark job assigned and
// increment agent load", "mark job completed and create payment") exposed
// as single atomic calls so callers never observe a partially-applied
// mutation. The exact storage is opaque to everything above this package —
// what matters is that these calls are all-or-nothing.
package store

import (
	"context"
	"time"

	"github.com/nodepool/marketplace/internal/domain"
)

// Store is implemented by an in-memory reference store (used by default,
// and by every deterministic test) and by a Postgres-backed store for
// production durability. Both honor identical atomicity semantics.
type Store interface {
	RegisterAgent(ctx context.Context, agent *domain.Agent) error
	GetAgent(ctx context.Context, id string) (*domain.Agent, error)
	GetAgentByCredential(ctx context.Context, credential string) (*domain.Agent, error)
	ListAgents(ctx context.Context) ([]*domain.Agent, error)
	ListHealthyAgents(ctx context.Context) ([]*domain.Agent, error)

	// Heartbeat is last-writer-wins on last_heartbeat_at (§5).
	Heartbeat(ctx context.Context, agentID string, now time.Time) error
	// MarkUnhealthy flips healthy=false for every agent whose heartbeat has
	// expired as of now, returning the ids that actually transitioned.
	MarkUnhealthy(ctx context.Context, heartbeatTimeout time.Duration, now time.Time) ([]string, error)
	// ObserveCompletion/ObserveFailure update an agent's rolling counters
	// (§4.4); avg_duration_seconds is an EWMA with smoothing factor 0.2.
	ObserveCompletion(ctx context.Context, agentID string, durationSeconds float64) error
	ObserveFailure(ctx context.Context, agentID string) error

	CreateJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	ListJobsByState(ctx context.Context, state domain.JobState) ([]*domain.Job, error)
	ListJobsByAgent(ctx context.Context, agentID string) ([]*domain.Job, error)
	ListInFlightJobs(ctx context.Context) ([]*domain.Job, error)

	// AssignJob performs the assignment act of §4.6 atomically: QUEUED ->
	// ASSIGNED, pins assigned_agent_id/assigned_at, increments the agent's
	// current_load, and records last_assigned_at. Fails with a Conflict
	// apperr if the job is no longer QUEUED, and with NotFound if either id
	// is unknown.
	AssignJob(ctx context.Context, jobID, agentID string, now time.Time) (*domain.Job, *domain.Agent, error)
	// AcceptJob is AssignJob scoped to a specific agent's own pull request
	// (§4.7 accept).
	AcceptJob(ctx context.Context, jobID, agentID string, now time.Time) (*domain.Job, *domain.Agent, error)
	// StartJob transitions ASSIGNED -> RUNNING scoped to agentID.
	StartJob(ctx context.Context, jobID, agentID string, now time.Time) (*domain.Job, error)
	// CompleteJob transitions RUNNING -> COMPLETED, decrements the agent's
	// load, creates the Payment row (PENDING) in the same transaction, and
	// is the only writer of a Payment for a given job (§3.4/§4.7).
	CompleteJob(ctx context.Context, jobID, agentID string, durationSeconds float64, now time.Time) (*domain.Job, *domain.Payment, error)
	// ReassignJob implements §4.6's reassign(J, reason): decrements the
	// current agent's load and either re-queues J with retry_count++ and a
	// promoted priority, or — if the retry budget is exhausted — terminates
	// it as ABANDONED. Returns the updated job and whether it was abandoned.
	ReassignJob(ctx context.Context, jobID string, reason string, maxRetries int, now time.Time) (*domain.Job, bool, error)

	CreatePayment(ctx context.Context, payment *domain.Payment) error
	GetPayment(ctx context.Context, id string) (*domain.Payment, error)
	GetPaymentByJob(ctx context.Context, jobID string) (*domain.Payment, error)
	ListPaymentsDue(ctx context.Context, now time.Time) ([]*domain.Payment, error)
	UpdatePaymentResult(ctx context.Context, id string, state domain.PaymentState, signature string, nextRetryAt *time.Time, parkedAt *time.Time) error

	// Stats aggregates the admin counters (§6 GET /admin/stats).
	Stats(ctx context.Context) (Counters, error)
}

type Counters struct {
	Queued    int64
	Assigned  int64
	Running   int64
	Completed int64
	Failed    int64
	Abandoned int64
	Agents    int64
	Healthy   int64
}
