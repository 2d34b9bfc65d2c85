package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nodepool/marketplace/internal/domain"
)

func TestMatchesRequiresHealthAndSlots(t *testing.T) {
	job := &domain.Job{GPUMemoryRequired: 0}
	unhealthy := &domain.Agent{Healthy: false, MaxConcurrent: 1}
	assert.False(t, Matches(unhealthy, job))

	full := &domain.Agent{Healthy: true, MaxConcurrent: 1, CurrentLoad: 1}
	assert.False(t, Matches(full, job))

	ok := &domain.Agent{Healthy: true, MaxConcurrent: 1, CurrentLoad: 0}
	assert.True(t, Matches(ok, job))
}

func TestMatchesGPURequirements(t *testing.T) {
	agentNoGPU := &domain.Agent{Healthy: true, MaxConcurrent: 1, GPUMemory: 0}
	agentGPU := &domain.Agent{Healthy: true, MaxConcurrent: 1, GPUMemory: 16}

	jobNeedsGPU := &domain.Job{RequiresGPU: true, GPUMemoryRequired: 8}
	assert.False(t, Matches(agentNoGPU, jobNeedsGPU))
	assert.True(t, Matches(agentGPU, jobNeedsGPU))

	jobNeedsMoreMemory := &domain.Job{RequiresGPU: true, GPUMemoryRequired: 32}
	assert.False(t, Matches(agentGPU, jobNeedsMoreMemory))

	jobNoGPU := &domain.Job{RequiresGPU: false}
	assert.True(t, Matches(agentNoGPU, jobNoGPU))
}

func TestScoreWeighting(t *testing.T) {
	idle := &domain.Agent{MaxConcurrent: 4, CurrentLoad: 0, Completed: 10, Failed: 0, AvgDurationSeconds: 60}
	assert.InDelta(t, 0.5+0.3+0.2, Score(idle, nil), 1e-9)

	busy := &domain.Agent{MaxConcurrent: 4, CurrentLoad: 4, Completed: 10, Failed: 0, AvgDurationSeconds: 60}
	assert.InDelta(t, 0.3+0.2, Score(busy, nil), 1e-9)

	slow := &domain.Agent{MaxConcurrent: 4, CurrentLoad: 0, Completed: 10, Failed: 0, AvgDurationSeconds: 600}
	assert.Less(t, Score(slow, nil), Score(idle, nil))

	unreliable := &domain.Agent{MaxConcurrent: 4, CurrentLoad: 0, Completed: 1, Failed: 9, AvgDurationSeconds: 60}
	assert.Less(t, Score(unreliable, nil), Score(idle, nil))
}

func TestScoreZeroMaxConcurrent(t *testing.T) {
	a := &domain.Agent{MaxConcurrent: 0}
	assert.Equal(t, 0.0, Score(a, nil))
}
