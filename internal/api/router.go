package api

import (
	httpSwagger "github.com/swaggo/http-swagger"

	_ "sports-ingest/docs"
	"sports-ingest/internal/api/handler"
	"sports-ingest/pkg/router"
)

func RegisterRoutes(r *router.Router, h *handler.Handler) {
	r.GET("/api/v1/tasks", h.ListTasks)
	r.POST("/api/v1/runs", h.CreateRun)
	r.GET("/api/v1/runs", h.ListRuns)
	r.GET("/api/v1/runs/*", h.GetRun)
	r.GET("/api/v1/schedule", h.GetSchedule)
	r.POST("/api/v1/mappings", h.EnsureMapping)
	r.GET("/api/v1/mappings", h.FindMapping)
	r.GET("/swagger/*", router.HandlerFunc(httpSwagger.WrapHandler))
}
