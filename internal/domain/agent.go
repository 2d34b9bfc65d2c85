package domain

import "time"

// Agent is the registry's view of a remote worker node: its declared GPU
// capability, its live capacity/health, and the rolling stats the scheduler
// scores it on. Agents are never destroyed once registered (§3) — they can
// only become unhealthy and, eventually, be purged after a long idle grace
// period with no assignments.
type Agent struct {
	ID         string `json:"agent_id" gorm:"primaryKey"`
	Wallet     string `json:"wallet"`
	Credential string `json:"-" gorm:"column:credential"` // opaque bearer, returned once at registration

	GPUVendor  string `json:"gpu_vendor"`
	GPUModel   string `json:"gpu_model"`
	GPUMemory  int64  `json:"gpu_memory"` // bytes; 0 means no GPU
	Framework  string `json:"framework,omitempty"`

	MaxConcurrent int `json:"max_concurrent"`
	CurrentLoad   int `json:"current_load"`

	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	LastAssignedAt  time.Time `json:"last_assigned_at"`
	Healthy         bool      `json:"healthy"`

	Completed           int64   `json:"completed"`
	Failed              int64   `json:"failed"`
	Retried             int64   `json:"retried"`
	AvgDurationSeconds  float64 `json:"avg_duration_seconds"`
	ReputationScore     float64 `json:"reputation_score"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (a *Agent) HasGPU() bool {
	return a != nil && a.GPUMemory > 0
}

func (a *Agent) AvailableSlots() int {
	if a == nil {
		return 0
	}
	slots := a.MaxConcurrent - a.CurrentLoad
	if slots < 0 {
		return 0
	}
	return slots
}

// Clone returns a deep-enough copy for safe return from a locked registry
// snapshot — callers must never mutate registry-owned Agent values in place.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	cp := *a
	return &cp
}
