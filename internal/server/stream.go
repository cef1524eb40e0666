package server

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/opennotes-ai/communitynotes/internal/notify"
	"go.uber.org/zap"
)

const (
	streamEventNotification = "notification"
	streamEventHeartbeat    = "heartbeat"
	streamSource            = "opennotes-engine"
	streamHeartbeatInterval = 25 * time.Second
)

type streamEventPayload struct {
	Type      string   `json:"type"`
	Subject   string   `json:"subject"`
	Markdown  string   `json:"markdown"`
	HTML      string   `json:"html"`
	EntryIDs  []string `json:"entry_ids"`
	Timestamp int64    `json:"timestamp_s"`
	Source    string   `json:"source"`
}

func newStreamEventPayload(event notify.StreamEvent) streamEventPayload {
	return streamEventPayload{
		Type:      string(event.Type),
		Subject:   event.Subject,
		Markdown:  event.Markdown,
		HTML:      event.HTML,
		EntryIDs:  append([]string{}, event.EntryIDs...),
		Timestamp: event.Timestamp.UTC().Unix(),
		Source:    streamSource,
	}
}

// handleIssueStreamToken hands out a short-lived token for opening the
// notification stream from an EventSource.
func (h *httpHandler) handleIssueStreamToken(c *gin.Context) {
	if h.streamTokens == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "stream_tokens_unavailable"})
		return
	}
	caller := currentPrincipal(c)
	token, expiresAt, err := h.streamTokens.Sign(caller.UserID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"token":        token,
		"expires_at_s": expiresAt.UTC().Unix(),
	})
}

// handleNotificationStream pushes delivered notifications to the caller as server-sent events.
func (h *httpHandler) handleNotificationStream(c *gin.Context) {
	caller := currentPrincipal(c)
	events, cleanup := h.stream.Subscribe(c.Request.Context(), caller.UserID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	heartbeat := time.NewTicker(streamHeartbeatInterval)
	defer heartbeat.Stop()

	h.logger.Debug("notification stream opened", zap.String("user_id", caller.UserID))
	c.SSEvent(streamEventHeartbeat, gin.H{"source": streamSource, "timestamp_s": h.clock().UTC().Unix()})
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case event, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(streamEventNotification, newStreamEventPayload(event))
			return true
		case <-heartbeat.C:
			c.SSEvent(streamEventHeartbeat, gin.H{"source": streamSource, "timestamp_s": h.clock().UTC().Unix()})
			return true
		}
	})
	h.logger.Debug("notification stream closed", zap.String("user_id", caller.UserID))
}
