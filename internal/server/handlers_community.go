package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/opennotes-ai/communitynotes/internal/community"
	"github.com/opennotes-ai/communitynotes/internal/database"
	"github.com/opennotes-ai/communitynotes/internal/trust"
	"go.uber.org/zap"
)

type registerServerPayload struct {
	ExternalID string `json:"external_id"`
	Name       string `json:"name"`
}

type pauseServerPayload struct {
	Reason string `json:"reason"`
}

type settingsPayload struct {
	AllowNoteRequests *bool `json:"allow_note_requests"`
	AllowNoteCreation *bool `json:"allow_note_creation"`
}

type joinServerPayload struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles"`
}

type registerMessagePayload struct {
	ExternalID string `json:"external_id"`
	ChannelID  string `json:"channel_id"`
	AuthorID   string `json:"author_id"`
	Content    string `json:"content"`
}

func (h *httpHandler) handleRegisterServer(c *gin.Context) {
	caller := currentPrincipal(c)
	if err := trust.Require(caller.Trust, trust.ScopeServerConfig); err != nil {
		h.respondError(c, err)
		return
	}
	var request registerServerPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, "invalid_request")
		return
	}
	server, err := h.community.RegisterServer(c.Request.Context(), community.NewServer{ExternalID: request.ExternalID, Name: request.Name})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newServerPayload(server))
}

func (h *httpHandler) handleGetServer(c *gin.Context) {
	server, err := h.community.GetServer(c.Request.Context(), c.Param("serverID"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newServerPayload(server))
}

// handleUpdateSettings applies a partial update; omitted toggles keep their stored value.
func (h *httpHandler) handleUpdateSettings(c *gin.Context) {
	caller := currentPrincipal(c)
	var request settingsPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, "invalid_request")
		return
	}
	ctx := c.Request.Context()
	current, err := h.community.GetServer(ctx, c.Param("serverID"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	settings := community.Settings{AllowNoteRequests: current.AllowNoteRequests, AllowNoteCreation: current.AllowNoteCreation}
	if request.AllowNoteRequests != nil {
		settings.AllowNoteRequests = *request.AllowNoteRequests
	}
	if request.AllowNoteCreation != nil {
		settings.AllowNoteCreation = *request.AllowNoteCreation
	}
	server, err := h.community.UpdateSettings(ctx, caller.Trust, current.ID, settings)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newServerPayload(server))
}

func (h *httpHandler) handlePauseServer(c *gin.Context) {
	caller := currentPrincipal(c)
	var request pauseServerPayload
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			badRequest(c, "invalid_request")
			return
		}
	}
	server, err := h.community.PauseServer(c.Request.Context(), caller.UserID, caller.Trust, c.Param("serverID"), request.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newServerPayload(server))
}

func (h *httpHandler) handleResumeServer(c *gin.Context) {
	caller := currentPrincipal(c)
	server, err := h.community.ResumeServer(c.Request.Context(), caller.UserID, caller.Trust, c.Param("serverID"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newServerPayload(server))
}

// handleJoinServer adds the caller. Adding someone else or assigning roles needs server:config.
func (h *httpHandler) handleJoinServer(c *gin.Context) {
	caller := currentPrincipal(c)
	var request joinServerPayload
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			badRequest(c, "invalid_request")
			return
		}
	}
	userID := caller.UserID
	if (request.UserID != "" && request.UserID != caller.UserID) || len(request.Roles) > 0 {
		if err := trust.Require(caller.Trust, trust.ScopeServerConfig); err != nil {
			h.respondError(c, err)
			return
		}
		if request.UserID != "" {
			userID = request.UserID
		}
	}
	member, err := h.community.AddMember(c.Request.Context(), c.Param("serverID"), userID, request.Roles)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"server_id":   member.ServerID,
		"user_id":     member.UserID,
		"roles":       append([]string{}, member.Roles...),
		"joined_at_s": member.JoinedAtSeconds,
	})
}

func (h *httpHandler) handleRegisterMessage(c *gin.Context) {
	caller := currentPrincipal(c)
	var request registerMessagePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, "invalid_request")
		return
	}
	authorID := request.AuthorID
	if authorID == "" {
		authorID = caller.UserID
	}
	message, err := h.community.RegisterMessage(c.Request.Context(), community.NewMessage{
		ServerID:   c.Param("serverID"),
		ExternalID: request.ExternalID,
		ChannelID:  request.ChannelID,
		AuthorID:   authorID,
		Content:    request.Content,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newMessagePayload(message))
}

func purgeReportPayload(report database.PurgeReport) gin.H {
	return gin.H{
		"servers":            report.Servers,
		"members":            report.Members,
		"messages":           report.Messages,
		"notes":              report.Notes,
		"ratings":            report.Ratings,
		"requests":           report.Requests,
		"moderation_entries": report.ModerationEntries,
	}
}

func (h *httpHandler) handleGetMessage(c *gin.Context) {
	message, err := h.community.GetMessage(c.Request.Context(), c.Param("messageID"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newMessagePayload(message))
}

func (h *httpHandler) handlePurgeMessage(c *gin.Context) {
	if h.purger == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "purge_unavailable"})
		return
	}
	caller := currentPrincipal(c)
	report, err := h.purger.DeleteMessage(c.Request.Context(), caller.UserID, caller.Trust, c.Param("messageID"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.logger.Info("message purged",
		zap.String("message_id", c.Param("messageID")),
		zap.String("actor_id", caller.UserID),
		zap.Int64("notes", report.Notes))
	c.JSON(http.StatusOK, purgeReportPayload(report))
}

func (h *httpHandler) handlePurgeServer(c *gin.Context) {
	if h.purger == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "purge_unavailable"})
		return
	}
	caller := currentPrincipal(c)
	report, err := h.purger.DeleteServer(c.Request.Context(), caller.UserID, caller.Trust, c.Param("serverID"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.logger.Info("server purged",
		zap.String("server_id", c.Param("serverID")),
		zap.String("actor_id", caller.UserID),
		zap.Int64("messages", report.Messages))
	c.JSON(http.StatusOK, purgeReportPayload(report))
}

var errScoringUnavailable = errors.New("scoring is not configured")

func (h *httpHandler) handleSubmitScoring(c *gin.Context) {
	caller := currentPrincipal(c)
	if err := trust.Require(caller.Trust, trust.ScopeServerConfig); err != nil {
		h.respondError(c, err)
		return
	}
	if h.scoring == nil {
		h.logger.Debug("scoring run rejected", zap.Error(errScoringUnavailable))
		c.JSON(http.StatusNotImplemented, gin.H{"error": "scoring_unavailable"})
		return
	}
	if err := h.scoring.Submit("api:" + caller.UserID); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scoring_busy"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}
