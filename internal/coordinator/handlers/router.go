package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/kestrelhq/kestrel/internal/common/httpmw"
)

// Router builds the gin engine with all coordinator routes.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(
		httpmw.RequestLogger(h.log, "coordinator"),
		httpmw.OtelTracing("coordinator"),
		httpmw.CORS(h.cfg.Server.CORSOrigins),
		gin.Recovery(),
	)

	r.GET("/health", h.Health)
	r.GET("/status", h.Status)

	r.POST("/runs", h.CreateRun)
	r.GET("/runs", h.ListRuns)
	r.GET("/runs/:id", h.GetRun)
	r.POST("/runs/:id/stop", h.StopRun)

	r.GET("/sessions", h.ListSessions)
	r.GET("/sessions/:id", h.GetSession)
	r.DELETE("/sessions/:id", h.DeleteSession)
	r.GET("/sessions/:id/events", h.ListSessionEvents)
	r.GET("/sessions/:id/result", h.GetSessionResult)
	r.POST("/sessions/:id/stop", h.StopSession)

	runner := r.Group("/runner")
	{
		runner.POST("/register", h.RegisterRunner)
		runner.POST("/heartbeat", h.RunnerHeartbeat)
		runner.POST("/deregister", h.DeregisterRunnerSelf)
		runner.GET("/runs", h.GetWork)
		runner.POST("/runs/:id/started", h.RunStarted)
		runner.POST("/runs/:id/completed", h.RunCompleted)
		runner.POST("/runs/:id/failed", h.RunFailed)
		runner.POST("/runs/:id/stopped", h.RunStopped)
	}

	r.GET("/runners", h.ListRunners)
	r.GET("/runners/:id", h.GetRunner)
	r.DELETE("/runners/:id", h.DeregisterRunner)

	r.GET("/agents", h.ListAgents)
	r.POST("/agents", h.CreateAgent)
	r.GET("/agents/:name", h.GetAgent)
	r.PATCH("/agents/:name", h.UpdateAgent)
	r.DELETE("/agents/:name", h.DeleteAgent)

	r.GET("/stream/sessions", h.StreamSessions)
	r.GET("/stream/sessions/ws", h.StreamSessionsWS)

	return r
}
