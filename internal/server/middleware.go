package server

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/opennotes-ai/communitynotes/internal/apperr"
	"github.com/opennotes-ai/communitynotes/internal/auth"
	"github.com/opennotes-ai/communitynotes/internal/ratelimit"
	"github.com/opennotes-ai/communitynotes/internal/trust"
	"github.com/opennotes-ai/communitynotes/internal/users"
	"go.uber.org/zap"
)

// principal is the authenticated caller with its current trust level.
type principal struct {
	UserID string
	Trust  trust.Level
}

// authorizeRequest resolves credentials, provisions first-time users as
// newcomers and stores the principal on the context.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	identity, err := h.authenticator.AuthenticateRequest(c.Request.Context(), c.Request)
	if err != nil {
		h.rejectCredentials(c, err)
		return
	}
	h.admitPrincipal(c, identity.UserID)
}

// authorizeStream accepts header credentials or, for EventSource clients that
// cannot set headers, a short-lived stream token in the access_token query
// parameter. API bearer tokens are never accepted from the URL.
func (h *httpHandler) authorizeStream(c *gin.Context) {
	token := strings.TrimSpace(c.Query("access_token"))
	if token == "" || c.GetHeader("Authorization") != "" || c.GetHeader(auth.HeaderAPIKey) != "" {
		h.authorizeRequest(c)
		return
	}
	if h.streamTokens == nil {
		h.rejectCredentials(c, auth.ErrInvalidToken)
		return
	}
	userID, err := h.streamTokens.Verify(token)
	if err != nil {
		h.rejectCredentials(c, err)
		return
	}
	h.admitPrincipal(c, userID)
}

func (h *httpHandler) rejectCredentials(c *gin.Context, err error) {
	if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrMissingCredentials) {
		h.logger.Info("authentication failed", zap.Error(err))
	} else {
		h.logger.Warn("authentication failed", zap.Error(err))
	}
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
}

func (h *httpHandler) admitPrincipal(c *gin.Context, userID string) {
	user, err := h.users.Get(c.Request.Context(), userID)
	if errors.Is(err, apperr.ErrNotFound) {
		user, err = h.users.EnsureUser(c.Request.Context(), users.NewUser{ID: userID, TrustLevel: trust.LevelNewcomer})
	}
	if err != nil {
		h.respondError(c, err)
		c.Abort()
		return
	}
	c.Set(principalContextKey, principal{UserID: user.ID, Trust: user.TrustLevel})
	c.Next()
}

// enforceGeneralQuota charges mutating requests against the caller's hourly
// budget. Reads are free.
func (h *httpHandler) enforceGeneralQuota(c *gin.Context) {
	if h.limiter == nil {
		c.Next()
		return
	}
	switch c.Request.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		c.Next()
		return
	}
	caller := currentPrincipal(c)
	decision, err := h.limiter.Check(c.Request.Context(), caller.UserID, ratelimit.KindGeneralHourly, caller.Trust, h.clock())
	if err == nil {
		err = decision.Err(ratelimit.KindGeneralHourly)
	}
	if err != nil {
		h.respondError(c, err)
		c.Abort()
		return
	}
	c.Header("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	c.Next()
}

func currentPrincipal(c *gin.Context) principal {
	value, ok := c.Get(principalContextKey)
	if !ok {
		return principal{}
	}
	caller, _ := value.(principal)
	return caller
}

// respondError maps error kinds to HTTP statuses.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status := statusForKind(kind)
	body := gin.H{"error": string(kind)}

	var serviceErr *apperr.ServiceError
	if errors.As(err, &serviceErr) {
		body["code"] = serviceErr.Code()
	}
	var limitErr *apperr.RateLimitError
	if errors.As(err, &limitErr) {
		retryAfter := int(math.Ceil(limitErr.ResetAt.Sub(h.clock()).Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		c.Header("Retry-After", strconv.Itoa(retryAfter))
		body["limit"] = limitErr.Limit
		body["reset_at"] = limitErr.ResetAt.UTC().Unix()
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	} else {
		h.logger.Debug("request rejected", zap.String("path", c.FullPath()), zap.String("kind", string(kind)), zap.Error(err))
	}
	c.JSON(status, body)
}

func statusForKind(kind apperr.Kind) int {
	switch kind {
	case apperr.KindDuplicateEntry, apperr.KindInvalidStateTransition:
		return http.StatusConflict
	case apperr.KindRateLimitExceeded:
		return http.StatusTooManyRequests
	case apperr.KindUnauthorized:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindInvalidInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func badRequest(c *gin.Context, reason string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": reason})
}

func queryLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultListLimit)))
	if err != nil || limit <= 0 {
		return defaultListLimit
	}
	return limit
}
