package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodepool/marketplace/internal/clock"
	"github.com/nodepool/marketplace/internal/domain"
	"github.com/nodepool/marketplace/internal/pkg/apperr"
	"github.com/nodepool/marketplace/internal/pkg/logger"
	"github.com/nodepool/marketplace/internal/queue"
	"github.com/nodepool/marketplace/internal/registry"
	"github.com/nodepool/marketplace/internal/settlement"
	"github.com/nodepool/marketplace/internal/store"
)

func newController(t *testing.T) (*Controller, store.Store, *registry.Registry, *clock.Virtual) {
	t.Helper()
	log, err := logger.New("test")
	require.NoError(t, err)

	st := store.NewMemory()
	clk := clock.NewVirtual(time.Unix(1_700_000_000, 0))
	reg := registry.New(st, log, clk, 60*time.Second, 2)
	q := queue.New()
	pool := settlement.NewPool(settlement.NewMock(), st, log, clk, 2, settlement.DefaultBackoff)
	ctrl := New(st, reg, q, pool, clk, log, 3, nil)
	return ctrl, st, reg, clk
}

func TestAdmitValidatesRequiredFields(t *testing.T) {
	ctrl, _, _, _ := newController(t)
	ctx := context.Background()

	_, err := ctrl.Admit(ctx, JobSpec{DeclaredTimeoutSeconds: 10})
	require.Error(t, err)
	assert.Equal(t, apperr.BadRequest, apperr.KindOf(err))

	_, err = ctrl.Admit(ctx, JobSpec{JobType: "train", DockerImage: "img:latest", DeclaredTimeoutSeconds: 0})
	require.Error(t, err)
	assert.Equal(t, apperr.BadRequest, apperr.KindOf(err))

	_, err = ctrl.Admit(ctx, JobSpec{JobType: "train", DockerImage: "img:latest", DeclaredTimeoutSeconds: 10, RequiresGPU: true, GPUMemoryRequired: 0})
	require.Error(t, err)
}

func TestAdmitSetsPriorityFromReward(t *testing.T) {
	ctrl, st, _, _ := newController(t)
	ctx := context.Background()

	jobID, err := ctrl.Admit(ctx, JobSpec{JobType: "train", DockerImage: "img:latest", DeclaredTimeoutSeconds: 10, Reward: 0.02})
	require.NoError(t, err)

	job, err := st.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityHigh, job.Priority)
	assert.Equal(t, domain.JobQueued, job.State)
}

func TestFailIsScopedToCurrentAssignee(t *testing.T) {
	ctrl, st, reg, clk := newController(t)
	ctx := context.Background()

	agentA, _, _, err := reg.Register(ctx, "wallet-a", registry.Capability{})
	require.NoError(t, err)
	agentB, _, _, err := reg.Register(ctx, "wallet-b", registry.Capability{})
	require.NoError(t, err)

	jobID, err := ctrl.Admit(ctx, JobSpec{JobType: "train", DockerImage: "img:latest", DeclaredTimeoutSeconds: 10})
	require.NoError(t, err)
	_, _, err = st.AssignJob(ctx, jobID, agentA, clk.Now())
	require.NoError(t, err)

	// agentB never held this job: Fail must refuse rather than steal it.
	err = ctrl.Fail(ctx, agentB, jobID, "boom")
	require.Error(t, err)
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))

	require.NoError(t, ctrl.Fail(ctx, agentA, jobID, "boom"))
	job, err := st.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, job.State)
	assert.Equal(t, 1, job.RetryCount)
}

func TestCompleteCreatesPaymentAndUpdatesAgentStats(t *testing.T) {
	ctrl, st, reg, clk := newController(t)
	ctx := context.Background()

	agentID, _, _, err := reg.Register(ctx, "wallet-a", registry.Capability{})
	require.NoError(t, err)

	jobID, err := ctrl.Admit(ctx, JobSpec{JobType: "train", DockerImage: "img:latest", DeclaredTimeoutSeconds: 10, Reward: 1})
	require.NoError(t, err)
	_, _, err = st.AssignJob(ctx, jobID, agentID, clk.Now())
	require.NoError(t, err)
	require.NoError(t, ctrl.Started(ctx, agentID, jobID))

	paymentID, err := ctrl.Complete(ctx, agentID, jobID, 30*time.Second)
	require.NoError(t, err)
	assert.NotEmpty(t, paymentID)

	agentAfter, err := st.GetAgent(ctx, agentID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), agentAfter.Completed)
	assert.Equal(t, 30.0, agentAfter.AvgDurationSeconds)
}
