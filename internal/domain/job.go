package domain

import "time"

type JobState string

const (
	JobQueued    JobState = "QUEUED"
	JobAssigned  JobState = "ASSIGNED"
	JobRunning   JobState = "RUNNING"
	JobCompleted JobState = "COMPLETED"
	JobFailed    JobState = "FAILED"
	JobAbandoned JobState = "ABANDONED"
)

type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityUrgent:
		return "URGENT"
	default:
		return "UNKNOWN"
	}
}

// Promote implements the retry-time monotonicity rule from §3:
// NORMAL→HIGH→URGENT, URGENT stays URGENT. LOW is promoted to NORMAL so a
// retried job never regresses below its admission priority.
func (p Priority) Promote() Priority {
	switch p {
	case PriorityLow:
		return PriorityNormal
	case PriorityNormal:
		return PriorityHigh
	case PriorityHigh:
		return PriorityUrgent
	default:
		return PriorityUrgent
	}
}

// PriorityForReward implements the default reward→priority admission mapping.
func PriorityForReward(reward float64) Priority {
	switch {
	case reward >= 0.01:
		return PriorityHigh
	case reward >= 0.001:
		return PriorityNormal
	default:
		return PriorityLow
	}
}

// Job is a single unit of scheduled GPU work. Identity is permanent
// (job_id never reused); lifecycle fields mutate only through the
// Lifecycle Controller's state machine.
type Job struct {
	ID string `json:"job_id" gorm:"primaryKey"`

	JobType                string            `json:"job_type"`
	DockerImage             string            `json:"docker_image"`
	Command                 []string          `json:"command" gorm:"serializer:json"`
	Env                     map[string]string `json:"env" gorm:"serializer:json"`
	RequiresGPU             bool              `json:"requires_gpu"`
	GPUMemoryRequired       int64             `json:"gpu_memory_required"`
	DeclaredTimeoutSeconds  int               `json:"declared_timeout_seconds"`
	Reward                  float64           `json:"reward"`

	State    JobState `json:"state"`
	Priority Priority `json:"priority"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	AssignedAgentID string `json:"assigned_agent_id,omitempty"`

	AdmittedAt  time.Time  `json:"admitted_at"`
	AssignedAt  *time.Time `json:"assigned_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	LastError string `json:"last_error,omitempty"`
	PaymentID string `json:"payment_id,omitempty"`

	// Extensions is a forward-compatibility escape hatch for unrecognized
	// boundary fields (§9 "Dynamic request/response shapes"). It is never
	// interpreted by core logic.
	Extensions map[string]any `json:"extensions,omitempty" gorm:"serializer:json"`

	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

// EffectiveTimeout applies the scheduler's timeout buffer to the declared
// timeout (§4.6 Timeout sweep).
func (j *Job) EffectiveTimeout(buffer float64) time.Duration {
	return time.Duration(float64(j.DeclaredTimeoutSeconds)*buffer) * time.Second
}

func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	if j.Command != nil {
		cp.Command = append([]string(nil), j.Command...)
	}
	if j.Env != nil {
		cp.Env = make(map[string]string, len(j.Env))
		for k, v := range j.Env {
			cp.Env[k] = v
		}
	}
	if j.Extensions != nil {
		cp.Extensions = make(map[string]any, len(j.Extensions))
		for k, v := range j.Extensions {
			cp.Extensions[k] = v
		}
	}
	return &cp
}
