package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/opennotes-ai/communitynotes/internal/trust"
)

type mutePayload struct {
	Minutes int `json:"minutes"`
}

type trustLevelPayload struct {
	TrustLevel string `json:"trust_level"`
}

func (h *httpHandler) handleGetMe(c *gin.Context) {
	caller := currentPrincipal(c)
	user, err := h.users.Get(c.Request.Context(), caller.UserID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newUserPayload(user))
}

func (h *httpHandler) handleUpdatePreferences(c *gin.Context) {
	caller := currentPrincipal(c)
	var request preferencesPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, "invalid_request")
		return
	}
	prefs := request.toPreferences()
	prefs.UserID = caller.UserID
	updated, err := h.users.UpdatePreferences(c.Request.Context(), caller.UserID, prefs)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newPreferencesPayload(updated))
}

func (h *httpHandler) handleMute(c *gin.Context) {
	caller := currentPrincipal(c)
	var request mutePayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Minutes <= 0 {
		badRequest(c, "invalid_request")
		return
	}
	until := h.clock().UTC().Add(time.Duration(request.Minutes) * time.Minute)
	if err := h.users.MuteUntil(c.Request.Context(), caller.UserID, until); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"muted_until_s": until.Unix()})
}

func (h *httpHandler) handleUnmute(c *gin.Context) {
	caller := currentPrincipal(c)
	if err := h.users.Unmute(c.Request.Context(), caller.UserID); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListNotifications(c *gin.Context) {
	caller := currentPrincipal(c)
	entries, err := h.queue.ListForUser(c.Request.Context(), caller.UserID, queryLimit(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	response := make([]notificationPayload, 0, len(entries))
	for _, entry := range entries {
		response = append(response, newNotificationPayload(entry))
	}
	c.JSON(http.StatusOK, gin.H{"notifications": response})
}

func (h *httpHandler) handleIssueAPIKey(c *gin.Context) {
	if h.apiKeys == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "api_keys_unavailable"})
		return
	}
	caller := currentPrincipal(c)
	secret, key, err := h.apiKeys.Issue(c.Request.Context(), caller.UserID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":           key.ID,
		"key":          secret,
		"created_at_s": key.CreatedAtSeconds,
	})
}

func (h *httpHandler) handleRevokeAPIKey(c *gin.Context) {
	if h.apiKeys == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "api_keys_unavailable"})
		return
	}
	caller := currentPrincipal(c)
	if err := h.apiKeys.Revoke(c.Request.Context(), c.Param("keyID"), caller.UserID); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleSetTrustLevel(c *gin.Context) {
	caller := currentPrincipal(c)
	var request trustLevelPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, "invalid_request")
		return
	}
	level, err := trust.ParseLevel(request.TrustLevel)
	if err != nil {
		h.respondError(c, err)
		return
	}
	user, err := h.users.SetTrustLevel(c.Request.Context(), caller.UserID, caller.Trust, c.Param("userID"), level)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newUserPayload(user))
}
