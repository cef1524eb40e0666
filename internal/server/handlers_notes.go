package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/opennotes-ai/communitynotes/internal/engagement"
	"github.com/opennotes-ai/communitynotes/internal/notes"
	"github.com/opennotes-ai/communitynotes/internal/trust"
)

type noteRequestPayload struct {
	Reason string `json:"reason"`
}

type submitNotePayload struct {
	Content        string   `json:"content"`
	Classification string   `json:"classification"`
	Sources        []string `json:"sources"`
}

type ratingPayload struct {
	Helpful *bool  `json:"helpful"`
	Reason  string `json:"reason"`
}

func (h *httpHandler) handleRecordRequest(c *gin.Context) {
	caller := currentPrincipal(c)
	var request noteRequestPayload
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			badRequest(c, "invalid_request")
			return
		}
	}
	result, err := h.engagement.RecordRequest(c.Request.Context(), engagement.RequestInput{
		MessageID:  c.Param("messageID"),
		UserID:     caller.UserID,
		TrustLevel: caller.Trust,
		Reason:     request.Reason,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{
		"created":           result.Created,
		"reactivated":       result.Reactivated,
		"threshold_crossed": result.ThresholdCrossed,
		"aggregation":       newAggregationPayload(result.Aggregation),
	})
}

func (h *httpHandler) handleWithdrawRequest(c *gin.Context) {
	caller := currentPrincipal(c)
	if err := h.engagement.WithdrawRequest(c.Request.Context(), c.Param("messageID"), caller.UserID); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleGetAggregation(c *gin.Context) {
	aggregation, err := h.engagement.GetAggregation(c.Request.Context(), c.Param("messageID"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newAggregationPayload(aggregation))
}

func (h *httpHandler) handleSubmitNote(c *gin.Context) {
	caller := currentPrincipal(c)
	var request submitNotePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, "invalid_request")
		return
	}
	note, err := h.notes.SubmitNote(c.Request.Context(), notes.NewNote{
		MessageID:      c.Param("messageID"),
		AuthorID:       caller.UserID,
		AuthorTrust:    caller.Trust,
		Content:        request.Content,
		Classification: request.Classification,
		Sources:        request.Sources,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newNotePayload(note))
}

// handleListNotes returns visible notes. Moderators may pass visible=false to see every note.
func (h *httpHandler) handleListNotes(c *gin.Context) {
	caller := currentPrincipal(c)
	visibleOnly := true
	if raw, ok := c.GetQuery("visible"); ok {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			badRequest(c, "invalid_visible")
			return
		}
		visibleOnly = parsed || !trust.Authorize(caller.Trust, trust.ScopeModerationRead)
	}
	list, err := h.notes.ListForMessage(c.Request.Context(), c.Param("messageID"), visibleOnly, queryLimit(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	response := make([]notePayload, 0, len(list))
	for _, note := range list {
		response = append(response, newNotePayload(note))
	}
	c.JSON(http.StatusOK, gin.H{"notes": response})
}

// handleGetNote hides unpublished notes from everyone but the author and moderators.
func (h *httpHandler) handleGetNote(c *gin.Context) {
	caller := currentPrincipal(c)
	note, err := h.notes.GetNote(c.Request.Context(), c.Param("noteID"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if !note.IsVisible && note.AuthorID != caller.UserID && !trust.Authorize(caller.Trust, trust.ScopeModerationRead) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.JSON(http.StatusOK, newNotePayload(note))
}

func (h *httpHandler) handleDeleteNote(c *gin.Context) {
	caller := currentPrincipal(c)
	if err := h.notes.DeleteNote(c.Request.Context(), c.Param("noteID"), caller.UserID, caller.Trust); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleRateNote(c *gin.Context) {
	caller := currentPrincipal(c)
	var request ratingPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Helpful == nil {
		badRequest(c, "invalid_request")
		return
	}
	result, err := h.notes.RecordRating(c.Request.Context(), notes.RatingInput{
		NoteID:     c.Param("noteID"),
		RaterID:    caller.UserID,
		RaterTrust: caller.Trust,
		Helpful:    *request.Helpful,
		Reason:     request.Reason,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"note":            newNotePayload(result.Note),
		"previous_status": string(result.PreviousStatus),
		"overwritten":     result.Overwritten,
		"evaluated":       result.Evaluated,
	})
}
