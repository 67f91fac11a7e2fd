package httpapi

import (
	"errors"
	"net/http"
	"time"

	"peercall-platform/internal/auth"
	"peercall-platform/internal/lifecycle"
	"peercall-platform/internal/matchmaking"
	"peercall-platform/internal/media"
	"peercall-platform/internal/presence"
	"peercall-platform/internal/rbac"
	"peercall-platform/internal/reporting"
	"peercall-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Agents finds the running agent of a signed-in user. *lifecycle.Directory
// implements it.
type Agents interface {
	Agent(userID string) (*lifecycle.Agent, bool)
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth    *auth.Manager
	Agents  Agents
	Reports *reporting.Service
	Now     func() time.Time
}

func (h Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// --- Auth ---

type guestRequest struct {
	DisplayName string `json:"display_name"`
}

type tokenResponse struct {
	User         auth.Identity `json:"user"`
	AccessToken  string        `json:"access_token"`
	RefreshToken string        `json:"refresh_token"`
}

// Guest mints an anonymous identity. The body is optional.
func (h Handlers) Guest(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req guestRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
	}
	id, pair, err := h.Auth.IssueGuest(h.now(), req.DisplayName, rbac.RoleUser)
	if err != nil {
		logger.FromGin(c).Error("issue guest token", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusCreated, tokenResponse{User: id, AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h Handlers) Refresh(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "refresh_token required"})
		return
	}
	id, pair, err := h.Auth.Refresh(req.RefreshToken, h.now())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	c.JSON(http.StatusOK, tokenResponse{User: id, AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken})
}

func (h Handlers) Me(c *gin.Context) {
	id, err := auth.FromContext(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	out := gin.H{"user": id, "online": false}
	if a, ok := h.agent(c, false); ok {
		out["online"] = true
		out["call"] = a.Status()
	}
	c.JSON(http.StatusOK, out)
}

// --- Calls ---

type initiateRequest struct {
	TargetID string `json:"target_id"`
}

func (h Handlers) FindPartner(c *gin.Context) {
	a, ok := h.agent(c, true)
	if !ok {
		return
	}
	rec, err := a.FindRandomUser(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"partner": rec})
}

func (h Handlers) InitiateCall(c *gin.Context) {
	a, ok := h.agent(c, true)
	if !ok {
		return
	}
	var req initiateRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.TargetID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "target_id required"})
		return
	}
	if req.TargetID == a.UserID() {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "cannot call yourself"})
		return
	}
	callID, err := a.InitiateCall(c.Request.Context(), req.TargetID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"call_id": callID, "target_id": req.TargetID})
}

func (h Handlers) RandomCall(c *gin.Context) {
	a, ok := h.agent(c, true)
	if !ok {
		return
	}
	m, err := a.FindAndCall(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, m)
}

func (h Handlers) AcceptCall(c *gin.Context) {
	h.callAction(c, func(a *lifecycle.Agent) error { return a.AcceptCall(c.Request.Context(), c.Param("call_id")) })
}

func (h Handlers) RejectCall(c *gin.Context) {
	h.callAction(c, func(a *lifecycle.Agent) error { return a.RejectCall(c.Request.Context(), c.Param("call_id")) })
}

func (h Handlers) EndCall(c *gin.Context) {
	h.callAction(c, func(a *lifecycle.Agent) error { return a.EndCall(c.Request.Context()) })
}

func (h Handlers) CancelSearch(c *gin.Context) {
	h.callAction(c, func(a *lifecycle.Agent) error { return a.CancelSearch(c.Request.Context()) })
}

func (h Handlers) CurrentCall(c *gin.Context) {
	a, ok := h.agent(c, true)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, a.Status())
}

// --- Media ---

func (h Handlers) ToggleAudio(c *gin.Context) {
	a, ok := h.inCall(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"audio_muted": a.ToggleAudio()})
}

func (h Handlers) ToggleVideo(c *gin.Context) {
	a, ok := h.inCall(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"video_disabled": a.ToggleVideo()})
}

// --- Admin ---

// CallsSummary aggregates the call log. from/to are RFC3339; the default
// window is the last 24 hours.
func (h Handlers) CallsSummary(c *gin.Context) {
	if h.Reports == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reporting not configured"})
		return
	}
	to := h.now().UTC()
	from := to.Add(-24 * time.Hour)
	var err error
	if v := c.Query("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from must be RFC3339"})
			return
		}
	}
	if v := c.Query("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to must be RFC3339"})
			return
		}
	}
	out, err := h.Reports.CallsSummary(c.Request.Context(), reporting.CallsSummaryRequest{Range: reporting.TimeRange{From: from, To: to}})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// --- helpers ---

// agent resolves the caller's agent. Users are online only while their
// event stream is open.
func (h Handlers) agent(c *gin.Context, abort bool) (*lifecycle.Agent, bool) {
	uid, err := auth.UserID(c.Request.Context())
	if err != nil {
		if abort {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		}
		return nil, false
	}
	if h.Agents == nil {
		if abort {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "calls not configured"})
		}
		return nil, false
	}
	a, ok := h.Agents.Agent(uid)
	if !ok && abort {
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "not online: open the event stream first"})
	}
	return a, ok
}

func (h Handlers) inCall(c *gin.Context) (*lifecycle.Agent, bool) {
	a, ok := h.agent(c, true)
	if !ok {
		return nil, false
	}
	if a.Status().State == lifecycle.StateIdle {
		writeError(c, lifecycle.ErrNoSession)
		return nil, false
	}
	return a, true
}

func (h Handlers) callAction(c *gin.Context, fn func(*lifecycle.Agent) error) {
	a, ok := h.agent(c, true)
	if !ok {
		return
	}
	if err := fn(a); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a.Status())
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, matchmaking.ErrNoPartnerAvailable),
		errors.Is(err, lifecycle.ErrNoSession),
		errors.Is(err, presence.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, matchmaking.ErrPartnerUnavailable),
		errors.Is(err, matchmaking.ErrRequesterBusy),
		errors.Is(err, lifecycle.ErrBusy),
		errors.Is(err, lifecycle.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, media.ErrMediaAccessDenied):
		status = http.StatusForbidden
	case errors.Is(err, matchmaking.ErrInvalidArgument),
		errors.Is(err, reporting.ErrInvalidRequest):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		logger.FromGin(c).Error("request failed", "err", err)
		c.AbortWithStatusJSON(status, gin.H{"error": "internal error"})
		return
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
