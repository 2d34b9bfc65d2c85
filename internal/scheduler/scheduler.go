// Package scheduler implements the Scheduler (§4.6): the assignment act
// and the fixed-cadence maintenance loop that sweeps heartbeats, timeouts,
// dispatch, and payment retries, in that order, every rebalance_interval.
package scheduler

import (
	"context"
	"time"

	"github.com/nodepool/marketplace/internal/clock"
	"github.com/nodepool/marketplace/internal/coordinate"
	"github.com/nodepool/marketplace/internal/domain"
	"github.com/nodepool/marketplace/internal/pkg/logger"
	"github.com/nodepool/marketplace/internal/queue"
	"github.com/nodepool/marketplace/internal/realtime/bus"
	"github.com/nodepool/marketplace/internal/registry"
	"github.com/nodepool/marketplace/internal/settlement"
	"github.com/nodepool/marketplace/internal/store"
)

const (
	DefaultTimeoutBuffer     = 1.2
	DefaultRebalanceInterval = 30 * time.Second
)

type Config struct {
	TimeoutBuffer     float64
	RebalanceInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		TimeoutBuffer:     DefaultTimeoutBuffer,
		RebalanceInterval: DefaultRebalanceInterval,
	}
}

// Scheduler owns the queue->agent matching decision and the maintenance
// loop; it never accepts/starts/completes a job directly — that remains
// the Lifecycle Controller's job — but it does perform the assignment act
// and the internal recovery path (reassign) on the core's behalf.
type Scheduler struct {
	store    store.Store
	registry *registry.Registry
	queue    *queue.Queue
	pool     *settlement.Pool
	clock    clock.Clock
	log      *logger.Logger
	cfg      Config
	notifier *bus.Bus

	stop chan struct{}
}

func New(st store.Store, reg *registry.Registry, q *queue.Queue, pool *settlement.Pool, clk clock.Clock, baseLog *logger.Logger, cfg Config, notifier *bus.Bus) *Scheduler {
	if cfg.TimeoutBuffer <= 0 {
		cfg.TimeoutBuffer = DefaultTimeoutBuffer
	}
	if cfg.RebalanceInterval <= 0 {
		cfg.RebalanceInterval = DefaultRebalanceInterval
	}
	return &Scheduler{
		store:    st,
		registry: reg,
		queue:    q,
		pool:     pool,
		clock:    clk,
		log:      baseLog.With("component", "Scheduler"),
		cfg:      cfg,
		notifier: notifier,
		stop:     make(chan struct{}),
	}
}

// Start runs the maintenance loop until ctx is cancelled or Stop is
// called. It never runs a sweep concurrently with itself, and it never
// abandons a pass mid-transaction when stopped: the current pass finishes,
// then the loop exits (§5 "stopping the marketplace drains in-flight
// transactions then exits").
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		for {
			if err := s.RunMaintenancePass(ctx); err != nil {
				s.log.Warn("maintenance pass failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			default:
			}
			s.clock.Sleep(s.cfg.RebalanceInterval)
		}
	}()
}

func (s *Scheduler) Stop() {
	close(s.stop)
}

// RunMaintenancePass runs exactly one pass of the four sweeps in the order
// required by §4.6: heartbeat, timeout, dispatch, payment retry. It is the
// unit every deterministic test in §8 drives directly against a virtual
// clock.
func (s *Scheduler) RunMaintenancePass(ctx context.Context) error {
	if err := s.heartbeatSweep(ctx); err != nil {
		return err
	}
	if err := s.timeoutSweep(ctx); err != nil {
		return err
	}
	if err := s.dispatchSweep(ctx); err != nil {
		return err
	}
	if _, err := s.pool.SubmitDue(ctx); err != nil {
		return err
	}
	return nil
}

func (s *Scheduler) heartbeatSweep(ctx context.Context) error {
	unhealthy, err := s.registry.SweepHeartbeats(ctx)
	if err != nil {
		return err
	}
	for _, agentID := range unhealthy {
		jobs, err := s.store.ListJobsByAgent(ctx, agentID)
		if err != nil {
			return err
		}
		for _, j := range jobs {
			if j.State != domain.JobAssigned && j.State != domain.JobRunning {
				continue
			}
			if _, _, err := coordinate.Reassign(ctx, s.store, s.queue, s.log, s.clock, s.notifier, j.ID, "agent unhealthy"); err != nil {
				s.log.Warn("reassign after heartbeat loss failed", "job_id", j.ID, "agent_id", agentID, "error", err)
			}
		}
	}
	return nil
}

func (s *Scheduler) timeoutSweep(ctx context.Context) error {
	inFlight, err := s.store.ListInFlightJobs(ctx)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	for _, j := range inFlight {
		ref := j.AssignedAt
		if j.StartedAt != nil {
			ref = j.StartedAt
		}
		if ref == nil {
			continue
		}
		if now.Sub(*ref) <= j.EffectiveTimeout(s.cfg.TimeoutBuffer) {
			continue
		}
		if _, _, err := coordinate.Reassign(ctx, s.store, s.queue, s.log, s.clock, s.notifier, j.ID, "timeout"); err != nil {
			s.log.Warn("reassign after timeout failed", "job_id", j.ID, "error", err)
		}
	}
	return nil
}

// dispatchSweep implements §4.6's dispatch loop: while some queued job has
// any matching candidate agent, assign the best one, then look again (an
// assignment changes agent availability, so later jobs may now fit).
func (s *Scheduler) dispatchSweep(ctx context.Context) error {
	for {
		assigned, err := s.tryAssignOne(ctx)
		if err != nil {
			return err
		}
		if !assigned {
			return nil
		}
	}
}

func (s *Scheduler) tryAssignOne(ctx context.Context) (bool, error) {
	var candidateErr error
	var chosenJob *domain.Job
	var chosenAgent *domain.Agent

	jobID, found := s.queue.PopBestMatch(func(jobID string) bool {
		job, err := s.store.GetJob(ctx, jobID)
		if err != nil {
			candidateErr = err
			return false
		}
		if job.State != domain.JobQueued {
			return false
		}
		candidates, err := s.registry.Candidates(ctx, job)
		if err != nil {
			candidateErr = err
			return false
		}
		if len(candidates) == 0 {
			return false
		}
		chosenJob = job
		chosenAgent = candidates[0]
		return true
	})
	if candidateErr != nil {
		return false, candidateErr
	}
	if !found {
		return false, nil
	}

	_, _, err := s.store.AssignJob(ctx, jobID, chosenAgent.ID, s.clock.Now())
	if err != nil {
		if job, getErr := s.store.GetJob(ctx, jobID); getErr == nil && job.State == domain.JobQueued {
			// The job is still queued (e.g. the agent lost its last free slot
			// to a concurrent accept()); put it back and leave it for the next pass.
			s.queue.Push(job.ID, job.Priority, job.AdmittedAt)
			s.log.Warn("assignment act failed, job left queued", "job_id", jobID, "agent_id", chosenAgent.ID, "error", err)
			return false, nil
		}
		// Another caller (e.g. a concurrent accept()) won the race; the job
		// is no longer queued, so simply drop it from the queue and move on.
		s.queue.Remove(jobID)
		s.log.Warn("assignment act failed, dropping from queue", "job_id", jobID, "agent_id", chosenAgent.ID, "error", err)
		return true, nil
	}
	s.log.Info("job assigned", "job_id", jobID, "agent_id", chosenAgent.ID, "job_type", chosenJob.JobType)
	return true, nil
}
