package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodepool/marketplace/internal/clock"
	"github.com/nodepool/marketplace/internal/domain"
	"github.com/nodepool/marketplace/internal/pkg/logger"
	"github.com/nodepool/marketplace/internal/store"
)

func TestNextRetrySchedule(t *testing.T) {
	schedule := []time.Duration{time.Second, 5 * time.Second}

	delay, parked := NextRetry(0, schedule)
	assert.False(t, parked)
	assert.Equal(t, time.Second, delay)

	delay, parked = NextRetry(1, schedule)
	assert.False(t, parked)
	assert.Equal(t, 5*time.Second, delay)

	_, parked = NextRetry(2, schedule)
	assert.True(t, parked)
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	require.NoError(t, err)
	return log
}

func TestPoolSubmitDueRetriesThenSucceeds(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	now := time.Unix(1_700_000_000, 0)
	clk := clock.NewVirtual(now)

	agent := &domain.Agent{ID: "agent-1", Wallet: "wallet-1", MaxConcurrent: 1, Healthy: true}
	require.NoError(t, st.RegisterAgent(ctx, agent))
	job := &domain.Job{ID: "job-1", Reward: 5, MaxRetries: 1, State: domain.JobQueued, AdmittedAt: now}
	require.NoError(t, st.CreateJob(ctx, job))
	_, _, err := st.AssignJob(ctx, "job-1", "agent-1", now)
	require.NoError(t, err)
	_, err = st.StartJob(ctx, "job-1", "agent-1", now)
	require.NoError(t, err)
	_, payment, err := st.CompleteJob(ctx, "job-1", "agent-1", 10, now)
	require.NoError(t, err)

	mock := NewMock()
	mock.FailNextN("job-1", 1)
	pool := NewPool(mock, st, newTestLogger(t), clk, 2, []time.Duration{time.Second})

	submitted, err := pool.SubmitDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, submitted)

	afterFailure, err := st.GetPayment(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentFailed, afterFailure.State)
	require.NotNil(t, afterFailure.NextRetryAt)

	// Not due yet.
	submitted, err = pool.SubmitDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, submitted)

	clk.Advance(2 * time.Second)
	submitted, err = pool.SubmitDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, submitted)

	final, err := st.GetPayment(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentConfirmed, final.State)
	assert.NotEmpty(t, final.Signature)
	assert.Equal(t, int64(2), mock.Calls())
}

func TestPoolSubmitDueParksAfterScheduleExhausted(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	now := time.Unix(1_700_000_000, 0)
	clk := clock.NewVirtual(now)

	agent := &domain.Agent{ID: "agent-1", Wallet: "wallet-1", MaxConcurrent: 1, Healthy: true}
	require.NoError(t, st.RegisterAgent(ctx, agent))
	job := &domain.Job{ID: "job-1", Reward: 5, MaxRetries: 1, State: domain.JobQueued, AdmittedAt: now}
	require.NoError(t, st.CreateJob(ctx, job))
	_, _, err := st.AssignJob(ctx, "job-1", "agent-1", now)
	require.NoError(t, err)
	_, err = st.StartJob(ctx, "job-1", "agent-1", now)
	require.NoError(t, err)
	_, payment, err := st.CompleteJob(ctx, "job-1", "agent-1", 10, now)
	require.NoError(t, err)

	mock := NewMock()
	mock.FailNextN("job-1", 10)
	pool := NewPool(mock, st, newTestLogger(t), clk, 1, []time.Duration{time.Second})

	for i := 0; i < 2; i++ {
		_, err := pool.SubmitDue(ctx)
		require.NoError(t, err)
		clk.Advance(2 * time.Second)
	}

	parked, err := st.GetPayment(ctx, payment.ID)
	require.NoError(t, err)
	assert.NotNil(t, parked.ParkedAt)
}
