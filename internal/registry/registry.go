// Package registry implements the Agent Registry (§4.4): the authoritative
// view of every registered agent's capacity, health, and rolling stats,
// plus the pure scoring function the scheduler ranks candidates with.
package registry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/nodepool/marketplace/internal/clock"
	"github.com/nodepool/marketplace/internal/domain"
	"github.com/nodepool/marketplace/internal/pkg/apperr"
	"github.com/nodepool/marketplace/internal/pkg/logger"
	"github.com/nodepool/marketplace/internal/store"
)

const DefaultHeartbeatTimeout = 60 * time.Second

type Capability struct {
	GPUVendor string
	GPUModel  string
	GPUMemory int64
	Framework string
}

type Registry struct {
	store            store.Store
	log              *logger.Logger
	heartbeatTimeout time.Duration
	defaultMaxConc   int
	clock            clock.Clock
}

func New(st store.Store, baseLog *logger.Logger, clk clock.Clock, heartbeatTimeout time.Duration, defaultMaxConcurrent int) *Registry {
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = DefaultHeartbeatTimeout
	}
	if defaultMaxConcurrent <= 0 {
		defaultMaxConcurrent = 2
	}
	return &Registry{
		store:            st,
		log:              baseLog.With("component", "AgentRegistry"),
		heartbeatTimeout: heartbeatTimeout,
		defaultMaxConc:   defaultMaxConcurrent,
		clock:            clk,
	}
}

// Register issues a fresh agent id and a high-entropy opaque credential,
// returned exactly once (§4.4). Callers must persist the credential — it
// cannot be recovered later.
func (r *Registry) Register(ctx context.Context, wallet string, cap Capability) (agentID, credential string, maxConcurrent int, err error) {
	if wallet == "" {
		return "", "", 0, apperr.New(apperr.BadRequest, "wallet is required")
	}
	credential, err = newCredential()
	if err != nil {
		return "", "", 0, apperr.Wrap(apperr.Internal, "generate credential", err)
	}
	now := r.clock.Now()
	agent := &domain.Agent{
		ID:              uuid.NewString(),
		Wallet:          wallet,
		Credential:      credential,
		GPUVendor:       cap.GPUVendor,
		GPUModel:        cap.GPUModel,
		GPUMemory:       cap.GPUMemory,
		Framework:       cap.Framework,
		MaxConcurrent:   r.defaultMaxConc,
		Healthy:         true,
		LastHeartbeatAt: now,
		ReputationScore: 1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := r.store.RegisterAgent(ctx, agent); err != nil {
		return "", "", 0, err
	}
	r.log.Info("agent registered", "agent_id", agent.ID, "wallet", wallet)
	return agent.ID, credential, agent.MaxConcurrent, nil
}

// newCredential returns a hex-encoded 256-bit random token (well above the
// 128-bit entropy floor required by §4.4).
func newCredential() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func (r *Registry) Authenticate(ctx context.Context, credential string) (string, error) {
	if credential == "" {
		return "", apperr.New(apperr.Unauthorized, "missing credential")
	}
	agent, err := r.store.GetAgentByCredential(ctx, credential)
	if err != nil {
		return "", err
	}
	return agent.ID, nil
}

func (r *Registry) Heartbeat(ctx context.Context, agentID string) error {
	return r.store.Heartbeat(ctx, agentID, r.clock.Now())
}

func (r *Registry) ObserveCompletion(ctx context.Context, agentID string, duration time.Duration) error {
	return r.store.ObserveCompletion(ctx, agentID, duration.Seconds())
}

func (r *Registry) ObserveFailure(ctx context.Context, agentID string) error {
	return r.store.ObserveFailure(ctx, agentID)
}

func (r *Registry) Get(ctx context.Context, agentID string) (*domain.Agent, error) {
	return r.store.GetAgent(ctx, agentID)
}

func (r *Registry) List(ctx context.Context) ([]*domain.Agent, error) {
	return r.store.ListAgents(ctx)
}

// SweepHeartbeats marks every agent whose heartbeat has expired as
// unhealthy and returns the ids that transitioned in this pass, for the
// maintenance loop's heartbeat sweep (§4.6 step 1) to reassign their jobs.
func (r *Registry) SweepHeartbeats(ctx context.Context) ([]string, error) {
	return r.store.MarkUnhealthy(ctx, r.heartbeatTimeout, r.clock.Now())
}

// Candidates returns every healthy agent matching the job's GPU
// requirements with at least one free slot (§4.6 matching predicate),
// ordered by score descending, highest-scoring first, with the tie-break
// of earliest last_assigned_at then lexicographic agent_id.
func (r *Registry) Candidates(ctx context.Context, job *domain.Job) ([]*domain.Agent, error) {
	healthy, err := r.store.ListHealthyAgents(ctx)
	if err != nil {
		return nil, err
	}
	var out []*domain.Agent
	for _, a := range healthy {
		if Matches(a, job) {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := Score(out[i], job), Score(out[j], job)
		if si != sj {
			return si > sj
		}
		if !out[i].LastAssignedAt.Equal(out[j].LastAssignedAt) {
			return out[i].LastAssignedAt.Before(out[j].LastAssignedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Matches implements the §4.6 matching predicate.
func Matches(a *domain.Agent, j *domain.Job) bool {
	if a == nil || j == nil {
		return false
	}
	if !a.Healthy || a.AvailableSlots() < 1 {
		return false
	}
	if a.GPUMemory < j.GPUMemoryRequired {
		return false
	}
	if j.RequiresGPU && !a.HasGPU() {
		return false
	}
	return true
}

// Score implements the §4.6 agent scoring function, pure over the agent's
// registry state and the candidate job.
func Score(a *domain.Agent, _ *domain.Job) float64 {
	if a == nil || a.MaxConcurrent <= 0 {
		return 0
	}
	availability := float64(a.AvailableSlots()) / float64(a.MaxConcurrent)

	total := a.Completed + a.Failed
	denom := total
	if denom < 1 {
		denom = 1
	}
	successRate := float64(a.Completed) / float64(denom)

	avgDuration := a.AvgDurationSeconds
	if avgDuration < 1 {
		avgDuration = 1
	}
	speed := 60 / avgDuration
	if speed > 1 {
		speed = 1
	}

	return 0.5*availability + 0.3*successRate + 0.2*speed
}
