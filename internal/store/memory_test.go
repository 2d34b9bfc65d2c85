package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodepool/marketplace/internal/domain"
)

func TestMemoryStoreFullJobLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	now := time.Unix(1_700_000_000, 0)

	agent := &domain.Agent{ID: "agent-1", Wallet: "wallet-1", MaxConcurrent: 1, Healthy: true}
	require.NoError(t, s.RegisterAgent(ctx, agent))

	job := &domain.Job{ID: "job-1", Reward: 1, MaxRetries: 3, State: domain.JobQueued, AdmittedAt: now}
	require.NoError(t, s.CreateJob(ctx, job))

	assigned, assignedAgent, err := s.AssignJob(ctx, "job-1", "agent-1", now)
	require.NoError(t, err)
	assert.Equal(t, domain.JobAssigned, assigned.State)
	assert.Equal(t, 1, assignedAgent.CurrentLoad)

	_, err = s.StartJob(ctx, "job-1", "agent-1", now.Add(time.Second))
	require.NoError(t, err)

	completed, payment, err := s.CompleteJob(ctx, "job-1", "agent-1", 42, now.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, completed.State)
	assert.Equal(t, domain.PaymentPending, payment.State)
	assert.Equal(t, "wallet-1", payment.ToWallet)
	assert.Equal(t, completed.PaymentID, payment.ID)

	// A second CompleteJob for the same job must never create a second
	// payment (§3.4 exactly-once).
	_, _, err = s.CompleteJob(ctx, "job-1", "agent-1", 1, now.Add(3*time.Second))
	assert.Error(t, err)

	byJob, err := s.GetPaymentByJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, payment.ID, byJob.ID)

	agentAfter, err := s.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 0, agentAfter.CurrentLoad)
}

func TestMemoryStoreReassignPromotesPriorityAndRetries(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	now := time.Unix(1_700_000_000, 0)

	agent := &domain.Agent{ID: "agent-1", MaxConcurrent: 1, Healthy: true}
	require.NoError(t, s.RegisterAgent(ctx, agent))
	job := &domain.Job{ID: "job-1", MaxRetries: 2, Priority: domain.PriorityNormal, State: domain.JobQueued, AdmittedAt: now}
	require.NoError(t, s.CreateJob(ctx, job))

	_, _, err := s.AssignJob(ctx, "job-1", "agent-1", now)
	require.NoError(t, err)

	reassigned, abandoned, err := s.ReassignJob(ctx, "job-1", "timeout", 2, now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, abandoned)
	assert.Equal(t, domain.JobQueued, reassigned.State)
	assert.Equal(t, 1, reassigned.RetryCount)
	assert.Equal(t, domain.PriorityHigh, reassigned.Priority)

	agentAfter, err := s.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 0, agentAfter.CurrentLoad)
}

func TestMemoryStoreReassignAbandonsWhenRetryBudgetExhausted(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	now := time.Unix(1_700_000_000, 0)

	agent := &domain.Agent{ID: "agent-1", MaxConcurrent: 1, Healthy: true}
	require.NoError(t, s.RegisterAgent(ctx, agent))
	job := &domain.Job{ID: "job-1", MaxRetries: 0, RetryCount: 0, State: domain.JobQueued, AdmittedAt: now}
	require.NoError(t, s.CreateJob(ctx, job))
	_, _, err := s.AssignJob(ctx, "job-1", "agent-1", now)
	require.NoError(t, err)

	final, abandoned, err := s.ReassignJob(ctx, "job-1", "agent unhealthy", 0, now)
	require.NoError(t, err)
	assert.True(t, abandoned)
	assert.Equal(t, domain.JobAbandoned, final.State)
}

func TestMemoryStoreHeartbeatTimeout(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	now := time.Unix(1_700_000_000, 0)

	agent := &domain.Agent{ID: "agent-1", Healthy: true, LastHeartbeatAt: now}
	require.NoError(t, s.RegisterAgent(ctx, agent))

	transitioned, err := s.MarkUnhealthy(ctx, 60*time.Second, now.Add(30*time.Second))
	require.NoError(t, err)
	assert.Empty(t, transitioned)

	transitioned, err = s.MarkUnhealthy(ctx, 60*time.Second, now.Add(90*time.Second))
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-1"}, transitioned)
}

func TestMemoryStoreAssignRequiresQueued(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	now := time.Unix(1_700_000_000, 0)

	agent := &domain.Agent{ID: "agent-1", MaxConcurrent: 1, Healthy: true}
	require.NoError(t, s.RegisterAgent(ctx, agent))
	job := &domain.Job{ID: "job-1", State: domain.JobRunning, AdmittedAt: now}
	require.NoError(t, s.CreateJob(ctx, job))

	_, _, err := s.AssignJob(ctx, "job-1", "agent-1", now)
	require.Error(t, err)
}
