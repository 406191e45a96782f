package dashboard

import (
	"errors"
	"net/http"

	"whatsapp-gateway/mirror"
	"whatsapp-gateway/types"
	"whatsapp-gateway/whatsapp"

	"github.com/gin-gonic/gin"
)

type textRequest struct {
	ID      string `json:"id" binding:"required"`
	Message string `json:"message" binding:"required"`
}

func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, whatsapp.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, whatsapp.ErrNoAccount), errors.Is(err, whatsapp.ErrGroupNotFound):
		status = http.StatusBadRequest
	case errors.Is(err, whatsapp.ErrNotConnected), errors.Is(err, whatsapp.ErrDuplicateSession):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("route", c.FullPath()).Msg("Request error")
	}
	c.JSON(status, gin.H{"error": true, "message": err.Error()})
}

func (s *Server) listInstances(c *gin.Context) {
	list := s.gateway.List()
	if list == nil {
		list = []types.InstanceDetail{}
	}
	c.JSON(http.StatusOK, gin.H{"error": false, "message": "All instance listed", "data": list})
}

func (s *Server) initInstance(c *gin.Context) {
	var hook *types.Webhook
	if url := c.Query("webhookUrl"); c.Query("webhook") == "true" && url != "" {
		hook = &types.Webhook{Enabled: true, Endpoint: url}
	}
	info, err := s.gateway.Init(c.Request.Context(), c.Query("key"), hook)
	if info.InstanceKey == "" {
		s.fail(c, err)
		return
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("instance", info.InstanceKey).Msg("Session initialized with errors")
	}
	c.JSON(http.StatusOK, gin.H{
		"error":   false,
		"message": "Initializing successfully",
		"key":     info.InstanceKey,
		"data":    info,
	})
}

func (s *Server) instanceInfo(c *gin.Context) {
	info, err := s.gateway.Info(c.Param("key"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"error": false, "message": "Instance fetched successfully", "instance_data": info})
}

func (s *Server) deleteInstance(c *gin.Context) {
	if err := s.gateway.Delete(c.Request.Context(), c.Param("key")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"error": false, "message": "Instance deleted successfully"})
}

func (s *Server) sendText(c *gin.Context) {
	var req textRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": true, "message": err.Error()})
		return
	}
	id, err := s.gateway.SendText(c.Request.Context(), c.Param("key"), req.ID, req.Message)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"error": false, "data": gin.H{"id": id}})
}

func (s *Server) readMessage(c *gin.Context) {
	var req struct {
		MsgKey whatsapp.MessageKey `json:"msgKey"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.MsgKey.RemoteJID == "" || req.MsgKey.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": true, "message": "msgKey with remoteJid and id is required"})
		return
	}
	if err := s.gateway.ReadMessage(c.Request.Context(), c.Param("key"), req.MsgKey); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"error": false, "message": "Message marked as read"})
}

func (s *Server) listChats(c *gin.Context) {
	chats, err := s.gateway.Chats(c.Request.Context(), c.Param("key"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if chats == nil {
		chats = []mirror.Chat{}
	}
	c.JSON(http.StatusOK, gin.H{"error": false, "data": chats})
}

func (s *Server) listGroups(c *gin.Context) {
	groups, err := s.gateway.Groups(c.Request.Context(), c.Param("key"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if groups == nil {
		groups = []whatsapp.GroupSummary{}
	}
	c.JSON(http.StatusOK, gin.H{"error": false, "message": "Instance fetched successfully", "instance_data": groups})
}
