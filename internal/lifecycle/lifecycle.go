// Package lifecycle implements the Lifecycle Controller (§4.7): the sole
// writer of job state outside the maintenance loop. It owns admit, pull,
// accept, started, complete, and fail, and is the only caller that ever
// creates a Payment row (on RUNNING -> COMPLETED).
package lifecycle

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nodepool/marketplace/internal/clock"
	"github.com/nodepool/marketplace/internal/coordinate"
	"github.com/nodepool/marketplace/internal/domain"
	"github.com/nodepool/marketplace/internal/pkg/apperr"
	"github.com/nodepool/marketplace/internal/pkg/logger"
	"github.com/nodepool/marketplace/internal/queue"
	"github.com/nodepool/marketplace/internal/realtime/bus"
	"github.com/nodepool/marketplace/internal/registry"
	"github.com/nodepool/marketplace/internal/settlement"
	"github.com/nodepool/marketplace/internal/store"
)

const DefaultMaxRetries = 3

// JobSpec is the admission-time boundary struct for POST /admin/jobs.
// Extensions carries any field the caller sent that this version does not
// recognize — ignored, never persisted beyond the job's own Extensions map
// (§9 "Dynamic request/response shapes").
type JobSpec struct {
	JobType                string
	DockerImage             string
	Command                 []string
	Env                     map[string]string
	RequiresGPU             bool
	GPUMemoryRequired       int64
	DeclaredTimeoutSeconds  int
	Reward                  float64
	Extensions              map[string]any
}

type Controller struct {
	store      store.Store
	registry   *registry.Registry
	queue      *queue.Queue
	pool       *settlement.Pool
	clock      clock.Clock
	log        *logger.Logger
	maxRetries int
	notifier   *bus.Bus
}

func New(st store.Store, reg *registry.Registry, q *queue.Queue, pool *settlement.Pool, clk clock.Clock, baseLog *logger.Logger, maxRetries int, notifier *bus.Bus) *Controller {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Controller{
		store:      st,
		registry:   reg,
		queue:      q,
		pool:       pool,
		clock:      clk,
		log:        baseLog.With("component", "LifecycleController"),
		maxRetries: maxRetries,
		notifier:   notifier,
	}
}

// Admit validates a job spec and writes it QUEUED (§4.7 admit).
func (c *Controller) Admit(ctx context.Context, spec JobSpec) (string, error) {
	if spec.JobType == "" || spec.DockerImage == "" {
		return "", apperr.New(apperr.BadRequest, "job_type and docker_image are required")
	}
	if spec.DeclaredTimeoutSeconds <= 0 {
		return "", apperr.New(apperr.BadRequest, "declared_timeout_seconds must be positive")
	}
	if spec.Reward < 0 {
		return "", apperr.New(apperr.BadRequest, "reward must not be negative")
	}
	if spec.RequiresGPU && spec.GPUMemoryRequired <= 0 {
		return "", apperr.New(apperr.BadRequest, "gpu_memory_required must be positive when requires_gpu is set")
	}

	now := c.clock.Now()
	job := &domain.Job{
		ID:                     uuid.NewString(),
		JobType:                spec.JobType,
		DockerImage:            spec.DockerImage,
		Command:                spec.Command,
		Env:                    spec.Env,
		RequiresGPU:            spec.RequiresGPU,
		GPUMemoryRequired:      spec.GPUMemoryRequired,
		DeclaredTimeoutSeconds: spec.DeclaredTimeoutSeconds,
		Reward:                 spec.Reward,
		State:                  domain.JobQueued,
		Priority:               domain.PriorityForReward(spec.Reward),
		MaxRetries:             c.maxRetries,
		AdmittedAt:             now,
		Extensions:             spec.Extensions,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := c.store.CreateJob(ctx, job); err != nil {
		return "", err
	}
	c.queue.Push(job.ID, job.Priority, job.AdmittedAt)
	c.log.Info("job admitted", "job_id", job.ID, "job_type", job.JobType, "priority", job.Priority.String())
	if c.notifier != nil {
		c.notifier.PublishJobAvailable(ctx, bus.Event{JobID: job.ID, JobType: job.JobType, Reason: "admitted"})
	}
	return job.ID, nil
}

// Pull returns up to limit currently-matching QUEUED jobs for agentID
// without transitioning them — a read-only preview for pull-style agents
// (§4.7 pull). Primary dispatch is push-style via the maintenance loop;
// this is safe under concurrent callers because it never mutates state.
func (c *Controller) Pull(ctx context.Context, agentID string, limit int) ([]*domain.Job, error) {
	if limit <= 0 {
		limit = 10
	}
	agent, err := c.registry.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	var out []*domain.Job
	for _, jobID := range c.queue.PeekAll() {
		if len(out) >= limit {
			break
		}
		job, err := c.store.GetJob(ctx, jobID)
		if err != nil || job.State != domain.JobQueued {
			continue
		}
		if registry.Matches(agent, job) {
			out = append(out, job)
		}
	}
	return out, nil
}

// Accept transitions QUEUED -> ASSIGNED scoped to agentID, for pull-style
// agents that claim a job themselves rather than waiting for the
// maintenance loop's push (§4.7 accept).
func (c *Controller) Accept(ctx context.Context, agentID, jobID string) error {
	c.queue.Remove(jobID)
	_, _, err := c.store.AcceptJob(ctx, jobID, agentID, c.clock.Now())
	if err != nil {
		if apperr.Is(err, apperr.Unavailable) {
			// The speculative removal above was never actually honored by
			// the store, so the job is still logically queued.
			if job, getErr := c.store.GetJob(ctx, jobID); getErr == nil && job.State == domain.JobQueued {
				c.queue.Push(job.ID, job.Priority, job.AdmittedAt)
			}
		}
		return err
	}
	c.log.Info("job accepted", "job_id", jobID, "agent_id", agentID)
	return nil
}

// Started transitions ASSIGNED -> RUNNING scoped to agentID.
func (c *Controller) Started(ctx context.Context, agentID, jobID string) error {
	_, err := c.store.StartJob(ctx, jobID, agentID, c.clock.Now())
	if err != nil {
		return err
	}
	c.log.Info("job started", "job_id", jobID, "agent_id", agentID)
	return nil
}

// Complete transitions RUNNING -> COMPLETED, creates the Payment row, and
// updates the agent's rolling stats. It never blocks on Settlement: the
// submission is nudged asynchronously and otherwise left to the
// maintenance loop's payment-retry sweep (§4.3 "never invoke inline on a
// request").
func (c *Controller) Complete(ctx context.Context, agentID, jobID string, duration time.Duration) (string, error) {
	job, payment, err := c.store.CompleteJob(ctx, jobID, agentID, duration.Seconds(), c.clock.Now())
	if err != nil {
		return "", err
	}
	if err := c.registry.ObserveCompletion(ctx, agentID, duration); err != nil {
		c.log.Warn("observe completion failed", "agent_id", agentID, "error", err)
	}
	c.log.Info("job completed", "job_id", job.ID, "agent_id", agentID, "payment_id", payment.ID)

	if c.pool != nil {
		go func() {
			bgCtx, cancel := context.WithTimeout(context.Background(), settlement.DefaultCallTimeout+5*time.Second)
			defer cancel()
			if _, err := c.pool.SubmitDue(bgCtx); err != nil {
				c.log.Warn("async settlement nudge failed", "job_id", job.ID, "error", err)
			}
		}()
	}
	return payment.ID, nil
}

// Fail calls reassign(J, reason=error) (§4.6), scoped to the caller's own
// assignment: a stale agent failing a job it no longer owns gets Conflict,
// not a second reassignment of someone else's attempt (§8 scenario 4).
func (c *Controller) Fail(ctx context.Context, agentID, jobID, reason string) error {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.AssignedAgentID != agentID || (job.State != domain.JobAssigned && job.State != domain.JobRunning) {
		return apperr.New(apperr.Conflict, "job is not in flight for this agent")
	}
	if err := c.registry.ObserveFailure(ctx, agentID); err != nil {
		c.log.Warn("observe failure failed", "agent_id", agentID, "error", err)
	}
	_, _, err = coordinate.Reassign(ctx, c.store, c.queue, c.log, c.clock, c.notifier, jobID, reason)
	return err
}

func (c *Controller) Heartbeat(ctx context.Context, agentID string) error {
	return c.registry.Heartbeat(ctx, agentID)
}

func (c *Controller) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	return c.store.GetJob(ctx, jobID)
}

func (c *Controller) Stats(ctx context.Context) (store.Counters, error) {
	return c.store.Stats(ctx)
}
