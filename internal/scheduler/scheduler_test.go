package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodepool/marketplace/internal/clock"
	"github.com/nodepool/marketplace/internal/domain"
	"github.com/nodepool/marketplace/internal/pkg/logger"
	"github.com/nodepool/marketplace/internal/queue"
	"github.com/nodepool/marketplace/internal/registry"
	"github.com/nodepool/marketplace/internal/settlement"
	"github.com/nodepool/marketplace/internal/store"
)

func newHarness(t *testing.T) (*Scheduler, store.Store, *registry.Registry, *queue.Queue, *clock.Virtual) {
	t.Helper()
	log, err := logger.New("test")
	require.NoError(t, err)

	st := store.NewMemory()
	clk := clock.NewVirtual(time.Unix(1_700_000_000, 0))
	reg := registry.New(st, log, clk, 60*time.Second, 2)
	q := queue.New()
	pool := settlement.NewPool(settlement.NewMock(), st, log, clk, 2, settlement.DefaultBackoff)
	sched := New(st, reg, q, pool, clk, log, Config{TimeoutBuffer: 1.0, RebalanceInterval: 30 * time.Second}, nil)
	return sched, st, reg, q, clk
}

func TestDispatchSweepAssignsQueuedJobToMatchingAgent(t *testing.T) {
	ctx := context.Background()
	sched, st, reg, q, clk := newHarness(t)

	agentID, _, _, err := reg.Register(ctx, "wallet-1", registry.Capability{})
	require.NoError(t, err)

	job := &domain.Job{ID: "job-1", State: domain.JobQueued, Priority: domain.PriorityNormal, MaxRetries: 3, AdmittedAt: clk.Now()}
	require.NoError(t, st.CreateJob(ctx, job))
	q.Push(job.ID, job.Priority, job.AdmittedAt)

	require.NoError(t, sched.RunMaintenancePass(ctx))

	got, err := st.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobAssigned, got.State)
	assert.Equal(t, agentID, got.AssignedAgentID)
	assert.Equal(t, 0, q.Len())
}

func TestTimeoutSweepReassignsRunningJob(t *testing.T) {
	ctx := context.Background()
	sched, st, reg, q, clk := newHarness(t)

	agentID, _, _, err := reg.Register(ctx, "wallet-1", registry.Capability{})
	require.NoError(t, err)

	job := &domain.Job{ID: "job-1", State: domain.JobQueued, Priority: domain.PriorityNormal, MaxRetries: 3, DeclaredTimeoutSeconds: 10, AdmittedAt: clk.Now()}
	require.NoError(t, st.CreateJob(ctx, job))
	_, _, err = st.AssignJob(ctx, "job-1", agentID, clk.Now())
	require.NoError(t, err)
	_, err = st.StartJob(ctx, "job-1", agentID, clk.Now())
	require.NoError(t, err)

	clk.Advance(20 * time.Second)
	require.NoError(t, sched.timeoutSweep(ctx))

	got, err := st.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, got.State)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, domain.PriorityHigh, got.Priority)
	assert.Equal(t, 1, q.Len())
}

func TestHeartbeatSweepReassignsUnhealthyAgentsJobs(t *testing.T) {
	ctx := context.Background()
	sched, st, reg, q, clk := newHarness(t)

	agentID, _, _, err := reg.Register(ctx, "wallet-1", registry.Capability{})
	require.NoError(t, err)

	job := &domain.Job{ID: "job-1", State: domain.JobQueued, Priority: domain.PriorityNormal, MaxRetries: 3, DeclaredTimeoutSeconds: 999, AdmittedAt: clk.Now()}
	require.NoError(t, st.CreateJob(ctx, job))
	_, _, err = st.AssignJob(ctx, "job-1", agentID, clk.Now())
	require.NoError(t, err)

	clk.Advance(61 * time.Second) // past the 60s heartbeat timeout, no heartbeat sent
	require.NoError(t, sched.RunMaintenancePass(ctx))

	agentAfter, err := st.GetAgent(ctx, agentID)
	require.NoError(t, err)
	assert.False(t, agentAfter.Healthy)

	got, err := st.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, got.State)
	assert.Equal(t, 1, q.Len())
}

func TestMaintenancePassOrderHeartbeatThenTimeoutThenDispatch(t *testing.T) {
	// An agent that just went unhealthy must have its in-flight job
	// reassigned before dispatch runs, and a healthy replacement agent
	// should then pick it straight back up within the same pass.
	ctx := context.Background()
	sched, st, reg, _, clk := newHarness(t)

	staleAgent, _, _, err := reg.Register(ctx, "wallet-1", registry.Capability{})
	require.NoError(t, err)
	freshAgent, _, _, err := reg.Register(ctx, "wallet-2", registry.Capability{})
	require.NoError(t, err)

	job := &domain.Job{ID: "job-1", State: domain.JobQueued, Priority: domain.PriorityNormal, MaxRetries: 3, DeclaredTimeoutSeconds: 999, AdmittedAt: clk.Now()}
	require.NoError(t, st.CreateJob(ctx, job))
	_, _, err = st.AssignJob(ctx, "job-1", staleAgent, clk.Now())
	require.NoError(t, err)

	clk.Advance(30 * time.Second)
	require.NoError(t, reg.Heartbeat(ctx, freshAgent))

	clk.Advance(55 * time.Second) // 85s since stale's last heartbeat, 55s since fresh's
	require.NoError(t, sched.RunMaintenancePass(ctx))

	got, err := st.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobAssigned, got.State)
	assert.Equal(t, freshAgent, got.AssignedAgentID)
}
