package dashboard

import (
	"net/http"

	"whatsapp-gateway/mirror"
	"whatsapp-gateway/types"
	"whatsapp-gateway/whatsapp"

	"github.com/gin-gonic/gin"
)

type createGroupRequest struct {
	Name  string   `json:"name" binding:"required"`
	Users []string `json:"users" binding:"required"`
}

type participantsRequest struct {
	ID     string   `json:"id" binding:"required"`
	Users  []string `json:"users" binding:"required"`
	Action string   `json:"action"`
}

type groupFieldRequest struct {
	ID          string `json:"id" binding:"required"`
	Action      string `json:"action"`
	Subject     string `json:"subject"`
	Description string `json:"description"`
}

func bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": true, "message": err.Error()})
		return false
	}
	return true
}

// respond writes an operation outcome. A denied operation is an expected
// result and keeps the 200 status; the body carries error=true.
func (s *Server) respond(c *gin.Context, res types.OperationResult, err error) {
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) createGroup(c *gin.Context) {
	var req createGroupRequest
	if !bind(c, &req) {
		return
	}
	meta, err := s.gateway.CreateGroup(c.Request.Context(), c.Param("key"), req.Name, req.Users)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"error": false, "message": "Group created successfully", "data": meta})
}

func (s *Server) addParticipants(c *gin.Context) {
	var req participantsRequest
	if !bind(c, &req) {
		return
	}
	res, err := s.gateway.AddParticipants(c.Request.Context(), c.Param("key"), req.ID, req.Users)
	s.respond(c, res, err)
}

func (s *Server) makeAdmin(c *gin.Context) {
	var req participantsRequest
	if !bind(c, &req) {
		return
	}
	res, err := s.gateway.MakeAdmin(c.Request.Context(), c.Param("key"), req.ID, req.Users)
	s.respond(c, res, err)
}

func (s *Server) demoteAdmin(c *gin.Context) {
	var req participantsRequest
	if !bind(c, &req) {
		return
	}
	res, err := s.gateway.DemoteAdmin(c.Request.Context(), c.Param("key"), req.ID, req.Users)
	s.respond(c, res, err)
}

func (s *Server) participantsUpdate(c *gin.Context) {
	var req participantsRequest
	if !bind(c, &req) {
		return
	}
	action := mirror.ParticipantAction(req.Action)
	switch action {
	case mirror.ActionAdd, mirror.ActionRemove, mirror.ActionPromote, mirror.ActionDemote:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": true, "message": "action must be add, remove, promote or demote"})
		return
	}
	res, err := s.gateway.ParticipantsUpdate(c.Request.Context(), c.Param("key"), req.ID, req.Users, action)
	s.respond(c, res, err)
}

func (s *Server) settingUpdate(c *gin.Context) {
	var req groupFieldRequest
	if !bind(c, &req) {
		return
	}
	res, err := s.gateway.SettingUpdate(c.Request.Context(), c.Param("key"), req.ID, whatsapp.GroupSetting(req.Action))
	s.respond(c, res, err)
}

func (s *Server) updateSubject(c *gin.Context) {
	var req groupFieldRequest
	if !bind(c, &req) {
		return
	}
	res, err := s.gateway.UpdateSubject(c.Request.Context(), c.Param("key"), req.ID, req.Subject)
	s.respond(c, res, err)
}

func (s *Server) updateDescription(c *gin.Context) {
	var req groupFieldRequest
	if !bind(c, &req) {
		return
	}
	res, err := s.gateway.UpdateDescription(c.Request.Context(), c.Param("key"), req.ID, req.Description)
	s.respond(c, res, err)
}

func (s *Server) leaveGroup(c *gin.Context) {
	id := c.Query("id")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": true, "message": "id is required"})
		return
	}
	if err := s.gateway.LeaveGroup(c.Request.Context(), c.Param("key"), id); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"error": false, "message": "Group left successfully"})
}

func (s *Server) inviteCode(c *gin.Context) {
	id := c.Query("id")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": true, "message": "id is required"})
		return
	}
	code, err := s.gateway.InviteCode(c.Request.Context(), c.Param("key"), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"error": false, "message": "Group invite code fetched successfully", "data": code})
}
