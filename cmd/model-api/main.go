package main

import (
	"flag"
	"log"

	_ "model-runner/docs"
	"model-runner/internal/api"
	"model-runner/internal/api/handler"
	"model-runner/internal/app"
	"model-runner/internal/config"
	"model-runner/internal/store"
	"model-runner/pkg/router"
)

// @title Model Runner API
// @version 1.0
// @description Start county and state forecast runs and inspect their version manifests, events and artifacts.
// @host localhost:8080
// @BasePath /api/v1
func main() {
	configPath := flag.String("config", "", "Config file (default "+config.DefaultPath+" if present)")
	revision := flag.String("revision", "", "Pin the revision recorded in version files instead of reading git")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
	if cfg.Database == "" {
		log.Fatalf("❌ the API needs a run ledger: set database in the config")
	}

	// Init DB and the run service
	svc, err := app.NewService(cfg, app.Options{Revision: *revision})
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
	defer store.Close()

	// Create router
	r := router.New()

	// Register API routes
	api.RegisterRoutes(r, &handler.Handler{Service: svc, Config: cfg})

	// Start server
	if err := r.Start(cfg.API.Addr); err != nil {
		log.Printf("❌ server stopped: %v", err)
	}
}
