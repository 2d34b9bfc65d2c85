package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPriorityPromote(t *testing.T) {
	cases := []struct {
		from Priority
		want Priority
	}{
		{PriorityLow, PriorityNormal},
		{PriorityNormal, PriorityHigh},
		{PriorityHigh, PriorityUrgent},
		{PriorityUrgent, PriorityUrgent},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.from.Promote(), "promote(%s)", tc.from)
	}
}

func TestPriorityForReward(t *testing.T) {
	assert.Equal(t, PriorityHigh, PriorityForReward(0.01))
	assert.Equal(t, PriorityHigh, PriorityForReward(1))
	assert.Equal(t, PriorityNormal, PriorityForReward(0.001))
	assert.Equal(t, PriorityNormal, PriorityForReward(0.005))
	assert.Equal(t, PriorityLow, PriorityForReward(0))
	assert.Equal(t, PriorityLow, PriorityForReward(0.0005))
}

func TestJobEffectiveTimeout(t *testing.T) {
	j := &Job{DeclaredTimeoutSeconds: 100}
	assert.Equal(t, 120*time.Second, j.EffectiveTimeout(1.2))
}

func TestJobCloneIsDeep(t *testing.T) {
	j := &Job{
		ID:         "job-1",
		Command:    []string{"python", "train.py"},
		Env:        map[string]string{"FOO": "bar"},
		Extensions: map[string]any{"k": "v"},
	}
	cp := j.Clone()
	cp.Command[0] = "mutated"
	cp.Env["FOO"] = "mutated"
	cp.Extensions["k"] = "mutated"

	assert.Equal(t, "python", j.Command[0])
	assert.Equal(t, "bar", j.Env["FOO"])
	assert.Equal(t, "v", j.Extensions["k"])
}
