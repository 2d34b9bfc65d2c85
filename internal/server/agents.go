package server

import (
	"github.com/gin-gonic/gin"

	"github.com/nodepool/marketplace/internal/pkg/apperr"
	"github.com/nodepool/marketplace/internal/registry"
	"github.com/nodepool/marketplace/internal/server/middleware"
)

type registerAgentRequest struct {
	Wallet    string `json:"wallet" binding:"required"`
	GPUVendor string `json:"gpu_vendor"`
	GPUModel  string `json:"gpu_model"`
	GPUMemory int64  `json:"gpu_memory"`
	Framework string `json:"framework"`
}

type registerAgentResponse struct {
	AgentID       string `json:"agent_id"`
	Credential    string `json:"credential"`
	MaxConcurrent int    `json:"max_concurrent"`
}

func (s *Server) registerAgent(c *gin.Context) {
	var req registerAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, apperr.Wrap(apperr.BadRequest, "invalid request body", err))
		return
	}
	agentID, credential, maxConcurrent, err := s.registry.Register(c.Request.Context(), req.Wallet, registry.Capability{
		GPUVendor: req.GPUVendor,
		GPUModel:  req.GPUModel,
		GPUMemory: req.GPUMemory,
		Framework: req.Framework,
	})
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondCreated(c, registerAgentResponse{AgentID: agentID, Credential: credential, MaxConcurrent: maxConcurrent})
}

type heartbeatRequest struct{}

func (s *Server) heartbeat(c *gin.Context) {
	agentID := c.GetString(middleware.AgentIDKey)
	var req heartbeatRequest
	_ = c.ShouldBindJSON(&req)
	if err := s.lifecycle.Heartbeat(c.Request.Context(), agentID); err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, gin.H{"status": "ok"})
}
