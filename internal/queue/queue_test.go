package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodepool/marketplace/internal/domain"
)

func TestQueueOrdersByPriorityThenFIFO(t *testing.T) {
	q := New()
	base := time.Unix(0, 0)

	q.Push("low-1", domain.PriorityLow, base)
	q.Push("normal-1", domain.PriorityNormal, base.Add(time.Second))
	q.Push("normal-2", domain.PriorityNormal, base.Add(2*time.Second))
	q.Push("urgent-1", domain.PriorityUrgent, base.Add(3*time.Second))

	assert.Equal(t, []string{"urgent-1", "normal-1", "normal-2", "low-1"}, q.PeekAll())
}

func TestQueuePushIsIdempotentByJobID(t *testing.T) {
	q := New()
	base := time.Unix(0, 0)
	q.Push("job-1", domain.PriorityLow, base)
	q.Push("job-1", domain.PriorityUrgent, base)
	assert.Equal(t, 1, q.Len())
}

func TestQueueRemove(t *testing.T) {
	q := New()
	base := time.Unix(0, 0)
	q.Push("job-1", domain.PriorityNormal, base)
	assert.True(t, q.Remove("job-1"))
	assert.False(t, q.Remove("job-1"))
	assert.Equal(t, 0, q.Len())
}

func TestQueuePopBestMatchSkipsNonMatchingWithoutReordering(t *testing.T) {
	q := New()
	base := time.Unix(0, 0)
	q.Push("urgent-no-match", domain.PriorityUrgent, base)
	q.Push("normal-match", domain.PriorityNormal, base.Add(time.Second))

	jobID, found := q.PopBestMatch(func(id string) bool {
		return id == "normal-match"
	})
	require.True(t, found)
	assert.Equal(t, "normal-match", jobID)

	// The skipped higher-priority job must still be present and still first.
	assert.Equal(t, []string{"urgent-no-match"}, q.PeekAll())
}

func TestQueuePopBestMatchNoneMatch(t *testing.T) {
	q := New()
	q.Push("job-1", domain.PriorityNormal, time.Unix(0, 0))
	_, found := q.PopBestMatch(func(string) bool { return false })
	assert.False(t, found)
	assert.Equal(t, 1, q.Len())
}
