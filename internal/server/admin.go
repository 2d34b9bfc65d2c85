package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/nodepool/marketplace/internal/lifecycle"
	"github.com/nodepool/marketplace/internal/pkg/apperr"
	"github.com/nodepool/marketplace/internal/server/middleware"
)

type adminLoginRequest struct {
	Passphrase string `json:"passphrase" binding:"required"`
}

func (s *Server) adminLogin(c *gin.Context) {
	var req adminLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, apperr.Wrap(apperr.BadRequest, "invalid request body", err))
		return
	}
	if s.cfg.AdminPassphraseHash == "" || bcrypt.CompareHashAndPassword([]byte(s.cfg.AdminPassphraseHash), []byte(req.Passphrase)) != nil {
		RespondError(c, apperr.New(apperr.Unauthorized, "invalid passphrase"))
		return
	}
	token, err := middleware.IssueAdminToken(s.cfg.AdminJWTSecret, 12*time.Hour)
	if err != nil {
		RespondError(c, apperr.Wrap(apperr.Internal, "issue admin token", err))
		return
	}
	RespondOK(c, gin.H{"token": token})
}

type admitJobRequest struct {
	JobType                string            `json:"job_type" binding:"required"`
	DockerImage            string            `json:"docker_image" binding:"required"`
	Command                []string          `json:"command"`
	Env                    map[string]string `json:"env"`
	RequiresGPU            bool              `json:"requires_gpu"`
	GPUMemoryRequired      int64             `json:"gpu_memory_required"`
	DeclaredTimeoutSeconds int               `json:"declared_timeout_seconds" binding:"required"`
	Reward                 float64           `json:"reward"`
	Extensions             map[string]any    `json:"extensions"`
}

func (s *Server) admitJob(c *gin.Context) {
	var req admitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, apperr.Wrap(apperr.BadRequest, "invalid request body", err))
		return
	}
	jobID, err := s.lifecycle.Admit(c.Request.Context(), lifecycle.JobSpec{
		JobType:                req.JobType,
		DockerImage:            req.DockerImage,
		Command:                req.Command,
		Env:                    req.Env,
		RequiresGPU:            req.RequiresGPU,
		GPUMemoryRequired:      req.GPUMemoryRequired,
		DeclaredTimeoutSeconds: req.DeclaredTimeoutSeconds,
		Reward:                 req.Reward,
		Extensions:             req.Extensions,
	})
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondCreated(c, gin.H{"job_id": jobID})
}

func (s *Server) adminStats(c *gin.Context) {
	stats, err := s.lifecycle.Stats(c.Request.Context())
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, stats)
}

type loadBalancerView struct {
	QueueDepth int                    `json:"queue_depth"`
	Agents     []loadBalancerAgent    `json:"agents"`
}

type loadBalancerAgent struct {
	AgentID         string  `json:"agent_id"`
	Healthy         bool    `json:"healthy"`
	MaxConcurrent   int     `json:"max_concurrent"`
	CurrentLoad     int     `json:"current_load"`
	AvailableSlots  int     `json:"available_slots"`
	ReputationScore float64 `json:"reputation_score"`
}

func (s *Server) loadBalancer(c *gin.Context) {
	agents, err := s.registry.List(c.Request.Context())
	if err != nil {
		RespondError(c, err)
		return
	}
	view := loadBalancerView{QueueDepth: s.queue.Len()}
	for _, a := range agents {
		view.Agents = append(view.Agents, loadBalancerAgent{
			AgentID:         a.ID,
			Healthy:         a.Healthy,
			MaxConcurrent:   a.MaxConcurrent,
			CurrentLoad:     a.CurrentLoad,
			AvailableSlots:  a.AvailableSlots(),
			ReputationScore: a.ReputationScore,
		})
	}
	RespondOK(c, view)
}

func (s *Server) health(c *gin.Context) {
	RespondOK(c, gin.H{"status": "ok"})
}
