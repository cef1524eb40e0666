package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/opennotes-ai/communitynotes/internal/moderation"
)

type flagPayload struct {
	ItemType string `json:"item_type"`
	ItemID   string `json:"item_id"`
	FlagType string `json:"flag_type"`
	Reason   string `json:"reason"`
}

type resolvePayload struct {
	Outcome     string `json:"outcome"`
	ActionTaken string `json:"action_taken"`
}

func (h *httpHandler) handleFlag(c *gin.Context) {
	caller := currentPrincipal(c)
	var request flagPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, "invalid_request")
		return
	}
	itemType, err := moderation.ParseItemType(request.ItemType)
	if err != nil {
		h.respondError(c, err)
		return
	}
	entry, err := h.moderation.Flag(c.Request.Context(), moderation.FlagInput{
		ItemType:     itemType,
		ItemID:       request.ItemID,
		FlagType:     request.FlagType,
		FlaggedBy:    caller.UserID,
		FlaggerTrust: caller.Trust,
		Reason:       request.Reason,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newModerationPayload(entry))
}

func (h *httpHandler) handleListPending(c *gin.Context) {
	caller := currentPrincipal(c)
	entries, err := h.moderation.ListPending(c.Request.Context(), c.Param("serverID"), caller.Trust, queryLimit(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	response := make([]moderationPayload, 0, len(entries))
	for _, entry := range entries {
		response = append(response, newModerationPayload(entry))
	}
	c.JSON(http.StatusOK, gin.H{"entries": response})
}

func (h *httpHandler) handleResolve(c *gin.Context) {
	caller := currentPrincipal(c)
	var request resolvePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, "invalid_request")
		return
	}
	outcome := moderation.Status(request.Outcome)
	if outcome != moderation.StatusActioned && outcome != moderation.StatusDismissed {
		badRequest(c, "invalid_outcome")
		return
	}
	entry, err := h.moderation.Resolve(c.Request.Context(), moderation.Resolution{
		EntryID:       c.Param("entryID"),
		ReviewerID:    caller.UserID,
		ReviewerTrust: caller.Trust,
		Outcome:       outcome,
		ActionTaken:   request.ActionTaken,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newModerationPayload(entry))
}
