package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nodepool/marketplace/internal/domain"
	"github.com/nodepool/marketplace/internal/pkg/apperr"
)

// memoryStore is the reference Store: a mutex-guarded set of maps. It is
// the default backing store (no external dependency required to run the
// marketplace or its test suite) and the store every property test in §8
// drives directly.
type memoryStore struct {
	mu sync.Mutex

	agents      map[string]*domain.Agent
	credentials map[string]string // credential -> agent id
	jobs        map[string]*domain.Job
	payments    map[string]*domain.Payment
	paymentByJob map[string]string
}

func NewMemory() Store {
	return &memoryStore{
		agents:       make(map[string]*domain.Agent),
		credentials:  make(map[string]string),
		jobs:         make(map[string]*domain.Job),
		payments:     make(map[string]*domain.Payment),
		paymentByJob: make(map[string]string),
	}
}

func (s *memoryStore) RegisterAgent(_ context.Context, agent *domain.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if agent.ID == "" {
		agent.ID = uuid.NewString()
	}
	s.agents[agent.ID] = agent.Clone()
	s.credentials[agent.Credential] = agent.ID
	return nil
}

func (s *memoryStore) GetAgent(_ context.Context, id string) (*domain.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "agent not found")
	}
	return a.Clone(), nil
}

func (s *memoryStore) GetAgentByCredential(_ context.Context, credential string) (*domain.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.credentials[credential]
	if !ok {
		return nil, apperr.New(apperr.Unauthorized, "unknown credential")
	}
	return s.agents[id].Clone(), nil
}

func (s *memoryStore) ListAgents(_ context.Context) ([]*domain.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) ListHealthyAgents(_ context.Context) ([]*domain.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		if a.Healthy {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) Heartbeat(_ context.Context, agentID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok {
		return apperr.New(apperr.NotFound, "agent not found")
	}
	a.LastHeartbeatAt = now
	a.Healthy = true
	a.UpdatedAt = now
	return nil
}

func (s *memoryStore) MarkUnhealthy(_ context.Context, heartbeatTimeout time.Duration, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var transitioned []string
	for _, a := range s.agents {
		if a.Healthy && now.Sub(a.LastHeartbeatAt) > heartbeatTimeout {
			a.Healthy = false
			a.UpdatedAt = now
			transitioned = append(transitioned, a.ID)
		}
	}
	sort.Strings(transitioned)
	return transitioned, nil
}

const avgDurationSmoothing = 0.2

func (s *memoryStore) ObserveCompletion(_ context.Context, agentID string, durationSeconds float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok {
		return apperr.New(apperr.NotFound, "agent not found")
	}
	a.Completed++
	if a.AvgDurationSeconds == 0 {
		a.AvgDurationSeconds = durationSeconds
	} else {
		a.AvgDurationSeconds = avgDurationSmoothing*durationSeconds + (1-avgDurationSmoothing)*a.AvgDurationSeconds
	}
	return nil
}

func (s *memoryStore) ObserveFailure(_ context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok {
		return apperr.New(apperr.NotFound, "agent not found")
	}
	a.Failed++
	return nil
}

func (s *memoryStore) CreateJob(_ context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *memoryStore) GetJob(_ context.Context, id string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "job not found")
	}
	return j.Clone(), nil
}

func (s *memoryStore) ListJobsByState(_ context.Context, state domain.JobState) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Job
	for _, j := range s.jobs {
		if j.State == state {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].AdmittedAt.Before(out[j].AdmittedAt)
	})
	return out, nil
}

func (s *memoryStore) ListJobsByAgent(_ context.Context, agentID string) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Job
	for _, j := range s.jobs {
		if j.AssignedAgentID == agentID {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AdmittedAt.Before(out[j].AdmittedAt) })
	return out, nil
}

func (s *memoryStore) ListInFlightJobs(_ context.Context) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Job
	for _, j := range s.jobs {
		if j.State == domain.JobAssigned || j.State == domain.JobRunning {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AdmittedAt.Before(out[j].AdmittedAt) })
	return out, nil
}

func (s *memoryStore) assign(jobID, agentID string, now time.Time, requireQueued bool) (*domain.Job, *domain.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, nil, apperr.New(apperr.NotFound, "job not found")
	}
	agent, ok := s.agents[agentID]
	if !ok {
		return nil, nil, apperr.New(apperr.NotFound, "agent not found")
	}
	if requireQueued && job.State != domain.JobQueued {
		return nil, nil, apperr.New(apperr.Conflict, "job is not queued")
	}
	if agent.AvailableSlots() < 1 {
		return nil, nil, apperr.New(apperr.Conflict, "agent has no free slots")
	}

	job.State = domain.JobAssigned
	job.AssignedAgentID = agentID
	job.AssignedAt = &now
	job.UpdatedAt = now

	agent.CurrentLoad++
	agent.LastAssignedAt = now
	agent.UpdatedAt = now

	return job.Clone(), agent.Clone(), nil
}

func (s *memoryStore) AssignJob(_ context.Context, jobID, agentID string, now time.Time) (*domain.Job, *domain.Agent, error) {
	return s.assign(jobID, agentID, now, true)
}

func (s *memoryStore) AcceptJob(_ context.Context, jobID, agentID string, now time.Time) (*domain.Job, *domain.Agent, error) {
	return s.assign(jobID, agentID, now, true)
}

func (s *memoryStore) StartJob(_ context.Context, jobID, agentID string, now time.Time) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "job not found")
	}
	if job.State != domain.JobAssigned || job.AssignedAgentID != agentID {
		return nil, apperr.New(apperr.Conflict, "job is not assigned to this agent")
	}
	job.State = domain.JobRunning
	job.StartedAt = &now
	job.UpdatedAt = now
	return job.Clone(), nil
}

func (s *memoryStore) CompleteJob(_ context.Context, jobID, agentID string, durationSeconds float64, now time.Time) (*domain.Job, *domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, nil, apperr.New(apperr.NotFound, "job not found")
	}
	if job.State != domain.JobRunning || job.AssignedAgentID != agentID {
		return nil, nil, apperr.New(apperr.Conflict, "job is not running for this agent")
	}
	if _, exists := s.paymentByJob[jobID]; exists {
		return nil, nil, apperr.New(apperr.Conflict, "job already has a payment")
	}
	agent, ok := s.agents[agentID]
	if !ok {
		return nil, nil, apperr.New(apperr.NotFound, "agent not found")
	}

	job.State = domain.JobCompleted
	job.CompletedAt = &now
	job.UpdatedAt = now

	if agent.CurrentLoad > 0 {
		agent.CurrentLoad--
	}
	agent.UpdatedAt = now

	payment := &domain.Payment{
		ID:         uuid.NewString(),
		JobID:      jobID,
		FromWallet: "marketplace-treasury",
		ToWallet:   agent.Wallet,
		Amount:     job.Reward,
		State:      domain.PaymentPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.payments[payment.ID] = payment.Clone()
	s.paymentByJob[jobID] = payment.ID
	job.PaymentID = payment.ID

	return job.Clone(), payment.Clone(), nil
}

func (s *memoryStore) ReassignJob(_ context.Context, jobID string, reason string, maxRetries int, now time.Time) (*domain.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, false, apperr.New(apperr.NotFound, "job not found")
	}
	if job.State != domain.JobAssigned && job.State != domain.JobRunning {
		return nil, false, apperr.New(apperr.Conflict, "job is not in flight")
	}

	if job.AssignedAgentID != "" {
		if agent, ok := s.agents[job.AssignedAgentID]; ok && agent.CurrentLoad > 0 {
			agent.CurrentLoad--
			agent.UpdatedAt = now
		}
	}

	abandoned := job.RetryCount >= maxRetries
	job.AssignedAgentID = ""
	job.AssignedAt = nil
	job.StartedAt = nil
	job.LastError = reason
	job.UpdatedAt = now

	if abandoned {
		job.State = domain.JobAbandoned
	} else {
		job.RetryCount++
		job.Priority = job.Priority.Promote()
		job.State = domain.JobQueued
	}

	return job.Clone(), abandoned, nil
}

func (s *memoryStore) CreatePayment(_ context.Context, payment *domain.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if payment.ID == "" {
		payment.ID = uuid.NewString()
	}
	if _, exists := s.paymentByJob[payment.JobID]; exists {
		return apperr.New(apperr.Conflict, "payment already exists for job")
	}
	s.payments[payment.ID] = payment.Clone()
	s.paymentByJob[payment.JobID] = payment.ID
	return nil
}

func (s *memoryStore) GetPayment(_ context.Context, id string) (*domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "payment not found")
	}
	return p.Clone(), nil
}

func (s *memoryStore) GetPaymentByJob(_ context.Context, jobID string) (*domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.paymentByJob[jobID]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "no payment for job")
	}
	return s.payments[id].Clone(), nil
}

func (s *memoryStore) ListPaymentsDue(_ context.Context, now time.Time) ([]*domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Payment
	for _, p := range s.payments {
		if p.ParkedAt != nil {
			continue
		}
		if p.State != domain.PaymentPending && p.State != domain.PaymentFailed {
			continue
		}
		if p.NextRetryAt != nil && p.NextRetryAt.After(now) {
			continue
		}
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memoryStore) UpdatePaymentResult(_ context.Context, id string, state domain.PaymentState, signature string, nextRetryAt *time.Time, parkedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return apperr.New(apperr.NotFound, "payment not found")
	}
	p.State = state
	p.Attempts++
	if signature != "" {
		p.Signature = signature
	}
	p.NextRetryAt = nextRetryAt
	p.ParkedAt = parkedAt
	return nil
}

func (s *memoryStore) Stats(_ context.Context) (Counters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var c Counters
	for _, j := range s.jobs {
		switch j.State {
		case domain.JobQueued:
			c.Queued++
		case domain.JobAssigned:
			c.Assigned++
		case domain.JobRunning:
			c.Running++
		case domain.JobCompleted:
			c.Completed++
		case domain.JobFailed:
			c.Failed++
		case domain.JobAbandoned:
			c.Abandoned++
		}
	}
	for _, a := range s.agents {
		c.Agents++
		if a.Healthy {
			c.Healthy++
		}
	}
	return c, nil
}
