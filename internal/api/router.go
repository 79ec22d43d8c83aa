package api

import (
	"model-runner/internal/api/handler"
	"model-runner/pkg/router"

	httpSwagger "github.com/swaggo/http-swagger"
)

func RegisterRoutes(r *router.Router, h *handler.Handler) {
	r.POST("/api/v1/runs", h.CreateRun)
	r.GET("/api/v1/runs", h.ListRuns)
	// More specific routes first
	r.GET("/api/v1/runs/*/events", h.GetRunEvents)
	r.GET("/api/v1/runs/*/errors", h.GetRunErrors)
	r.GET("/api/v1/runs/*/metrics", h.GetRunMetrics)
	r.GET("/api/v1/runs/*/files/**", h.DownloadFile)
	r.GET("/api/v1/runs/*/files", h.GetRunFiles)
	// Generic run route last
	r.GET("/api/v1/runs/*", h.GetRun)

	r.Handle("/swagger/", httpSwagger.WrapHandler)
}
