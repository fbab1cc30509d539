package main

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/common/logger"
	"github.com/loomworks/loom/internal/orchestrator"
)

// Hook routes are the agent runtime's side of the engine: the runtime
// calls them around every agent turn.

type beforeStartRequest struct {
	SessionKey string `json:"sessionKey" binding:"required"`
}

type agentEndRequest struct {
	SessionKey string `json:"sessionKey" binding:"required"`
	Success    bool   `json:"success"`
}

type agentStreamRequest struct {
	SessionKey string `json:"sessionKey" binding:"required"`
	Type       string `json:"type"`
	Text       string `json:"text"`
	ToolName   string `json:"toolName"`
}

type toolCallRequest struct {
	SessionKey string                 `json:"sessionKey" binding:"required"`
	Tool       string                 `json:"tool" binding:"required"`
	Args       map[string]interface{} `json:"args"`
}

func registerHookRoutes(router *gin.Engine, orch *orchestrator.Orchestrator, log *logger.Logger) {
	hookLog := log.WithFields(zap.String("component", "hooks"))
	hooks := router.Group("/hooks")

	hooks.POST("/before-agent-start", func(c *gin.Context) {
		var req beforeStartRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		context, ok := orch.BeforeAgentStart(c.Request.Context(), req.SessionKey)
		c.JSON(http.StatusOK, gin.H{"prependContext": context, "hasContext": ok})
	})

	hooks.POST("/agent-end", func(c *gin.Context) {
		var req agentEndRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		orch.AgentEnd(c.Request.Context(), req.SessionKey, req.Success)
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	hooks.POST("/agent-stream", func(c *gin.Context) {
		var req agentStreamRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		orch.AgentStream(c.Request.Context(), req.SessionKey, orchestrator.StreamChunk{
			Type:     req.Type,
			Text:     req.Text,
			ToolName: req.ToolName,
		})
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	hooks.GET("/tools", func(c *gin.Context) {
		sessionKey := c.Query("sessionKey")
		if sessionKey == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "sessionKey is required"})
			return
		}
		tools := orch.ToolsFor(sessionKey)
		names := make([]gin.H, 0, len(tools))
		for _, tool := range tools {
			names = append(names, gin.H{"name": tool.Name, "description": tool.Description})
		}
		c.JSON(http.StatusOK, gin.H{"tools": names})
	})

	hooks.POST("/tools/call", func(c *gin.Context) {
		var req toolCallRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		for _, tool := range orch.ToolsFor(req.SessionKey) {
			if tool.Name != req.Tool {
				continue
			}
			result, err := tool.Handler(c.Request.Context(), req.Args)
			if err != nil {
				hookLog.Debug("Tool call failed",
					zap.String("tool", req.Tool),
					zap.Error(err))
				c.JSON(http.StatusOK, gin.H{"ok": false, "error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, gin.H{"ok": true, "text": result.Text, "meta": result.Meta})
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown tool: " + req.Tool})
	})
}
