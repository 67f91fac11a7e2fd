package main

import (
	"net/http"

	"peercall-platform/internal/auth"
	"peercall-platform/internal/httpapi"
	"peercall-platform/internal/lifecycle"
	"peercall-platform/internal/rbac"
	"peercall-platform/internal/realtime"
	"peercall-platform/internal/reporting"

	"github.com/gin-gonic/gin"
)

type app struct {
	auth      *auth.Manager
	directory *lifecycle.Directory
	reports   *reporting.Service
	events    *realtime.Handler
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, a app) {
	h := httpapi.Handlers{
		Auth:    a.auth,
		Agents:  a.directory,
		Reports: a.reports,
	}
	authMW := auth.RequireAccessToken(a.auth)

	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "online": a.directory.Len()})
	})

	v1 := r.Group("/v1")
	{
		authGroup := v1.Group("/auth")
		authGroup.POST("/guest", h.Guest)
		authGroup.POST("/refresh", h.Refresh)
	}

	protected := v1.Group("")
	protected.Use(authMW)
	{
		protected.GET("/me", h.Me)

		// The event stream is what puts a user online.
		protected.GET("/ws", a.events.Serve)

		callers := rbac.RequireAnyRole(rbac.RoleUser, rbac.RoleTherapist)

		calls := protected.Group("/calls")
		calls.Use(callers)
		{
			calls.GET("/partner", h.FindPartner)
			calls.GET("/current", h.CurrentCall)
			calls.POST("", h.InitiateCall)
			calls.POST("/random", h.RandomCall)
			calls.POST("/end", h.EndCall)
			calls.POST("/cancel", h.CancelSearch)
			calls.POST("/:call_id/accept", h.AcceptCall)
			calls.POST("/:call_id/reject", h.RejectCall)
		}

		mediaGroup := protected.Group("/media")
		mediaGroup.Use(callers)
		{
			mediaGroup.POST("/audio/toggle", h.ToggleAudio)
			mediaGroup.POST("/video/toggle", h.ToggleVideo)
		}

		// ADMIN routes
		admin := protected.Group("/admin")
		admin.Use(rbac.RequireAnyRole(rbac.RoleAdmin))
		{
			admin.GET("/calls/summary", h.CallsSummary)
		}
	}
}
