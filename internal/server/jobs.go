package server

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nodepool/marketplace/internal/pkg/apperr"
	"github.com/nodepool/marketplace/internal/server/middleware"
)

type jobView struct {
	JobID             string         `json:"job_id"`
	JobType           string         `json:"job_type"`
	DockerImage       string         `json:"docker_image"`
	Command           []string       `json:"command"`
	Env               map[string]string `json:"env"`
	RequiresGPU       bool           `json:"requires_gpu"`
	GPUMemoryRequired int64          `json:"gpu_memory_required"`
	State             string         `json:"state"`
	Priority          string         `json:"priority"`
	RetryCount        int            `json:"retry_count"`
}

func (s *Server) availableJobs(c *gin.Context) {
	agentID := c.GetString(middleware.AgentIDKey)
	limit := 10
	if q := c.Query("limit"); q != "" {
		if n, err := parsePositiveInt(q); err == nil {
			limit = n
		}
	}
	jobs, err := s.lifecycle.Pull(c.Request.Context(), agentID, limit)
	if err != nil {
		RespondError(c, err)
		return
	}
	out := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobView{
			JobID:             j.ID,
			JobType:           j.JobType,
			DockerImage:       j.DockerImage,
			Command:           j.Command,
			Env:               j.Env,
			RequiresGPU:       j.RequiresGPU,
			GPUMemoryRequired: j.GPUMemoryRequired,
			State:             string(j.State),
			Priority:          j.Priority.String(),
			RetryCount:        j.RetryCount,
		})
	}
	RespondOK(c, gin.H{"jobs": out})
}

func (s *Server) acceptJob(c *gin.Context) {
	agentID := c.GetString(middleware.AgentIDKey)
	jobID := c.Param("id")
	if err := s.lifecycle.Accept(c.Request.Context(), agentID, jobID); err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, gin.H{"status": "accepted"})
}

func (s *Server) startJob(c *gin.Context) {
	agentID := c.GetString(middleware.AgentIDKey)
	jobID := c.Param("id")
	if err := s.lifecycle.Started(c.Request.Context(), agentID, jobID); err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, gin.H{"status": "running"})
}

type completeJobRequest struct {
	DurationSeconds float64 `json:"duration_seconds" binding:"required"`
}

func (s *Server) completeJob(c *gin.Context) {
	agentID := c.GetString(middleware.AgentIDKey)
	jobID := c.Param("id")
	var req completeJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, apperr.Wrap(apperr.BadRequest, "invalid request body", err))
		return
	}
	if req.DurationSeconds < 0 {
		RespondError(c, apperr.New(apperr.BadRequest, "duration_seconds must not be negative"))
		return
	}
	paymentID, err := s.lifecycle.Complete(c.Request.Context(), agentID, jobID, time.Duration(req.DurationSeconds*float64(time.Second)))
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, gin.H{"status": "completed", "payment_id": paymentID})
}

type failJobRequest struct {
	Error string `json:"error" binding:"required"`
}

func (s *Server) failJob(c *gin.Context) {
	agentID := c.GetString(middleware.AgentIDKey)
	jobID := c.Param("id")
	var req failJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, apperr.Wrap(apperr.BadRequest, "invalid request body", err))
		return
	}
	if err := s.lifecycle.Fail(c.Request.Context(), agentID, jobID, req.Error); err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, gin.H{"status": "requeued"})
}

func parsePositiveInt(s string) (int, error) {
	var n int
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, apperr.New(apperr.BadRequest, "limit must be a positive integer")
		}
		n = n*10 + int(r-'0')
	}
	if n <= 0 {
		return 0, apperr.New(apperr.BadRequest, "limit must be a positive integer")
	}
	return n, nil
}
