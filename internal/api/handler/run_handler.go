package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"model-runner/internal/config"
	"model-runner/internal/model"
	"model-runner/internal/pipeline"
	"model-runner/internal/store"
	"model-runner/pkg/router"
	"model-runner/pkg/utils"
)

// URL layout: /api/v1/runs/{id}/...
const runIDSegment = 3

const defaultRunTimeout = 12 * time.Hour

// Handler serves the run API on top of a RunService and the run ledger
type Handler struct {
	Service *pipeline.RunService
	Config  config.Config
}

// CreateRunRequest is the body of POST /runs
type CreateRunRequest struct {
	Level   string `json:"level" example:"county"`
	State   string `json:"state,omitempty" example:"CA"`
	Output  string `json:"output,omitempty" example:"results/county"`
	Country string `json:"country,omitempty" example:"USA"`
}

// CreateRunResponse acknowledges an accepted run
type CreateRunResponse struct {
	Message   string    `json:"message"`
	RunID     string    `json:"run_id"`
	State     string    `json:"state"`
	Scope     string    `json:"scope"`
	Output    string    `json:"output"`
	CreatedAt time.Time `json:"created_at"`
}

// ErrorResponse is returned for every failed request
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// ArtifactResponse describes one file of a run's output location
type ArtifactResponse struct {
	utils.Artifact
	DownloadURL string `json:"download_url"`
}

// CreateRun starts a forecast run
// @Summary Start a run
// @Description Validate the scope, claim the output location and run the forecast in the background. A run without a state filter stamps a version manifest on success.
// @Tags runs
// @Accept json
// @Produce json
// @Param run body CreateRunRequest true "Run request"
// @Success 202 {object} CreateRunResponse "Run accepted"
// @Failure 400 {object} ErrorResponse "Invalid level or scope"
// @Failure 409 {object} ErrorResponse "Output location busy"
// @Failure 500 {object} ErrorResponse "Internal server error"
// @Router /runs [post]
func (h *Handler) CreateRun(w http.ResponseWriter, r *http.Request) {
	var body CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON payload", nil)
		return
	}

	level, err := model.ParseAggregationLevel(body.Level)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), pipeline.ErrInvalidScope)
		return
	}
	req := model.RunRequest{
		Level:   level,
		Region:  model.RegionFilter(body.State),
		Country: body.Country,
		Output:  body.Output,
	}
	if req.Country == "" {
		req.Country = h.Config.Country
	}
	if req.Output == "" {
		req.Output = h.Config.OutputFor(string(level))
	}

	// reject a bad scope here rather than accepting a run that fails at once
	scope, err := h.Service.Orchestrator.Selector.Select(req.Level, req.Country, req.Region)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), err)
		return
	}

	pending, err := h.Service.Begin(req)
	switch {
	case errors.Is(err, pipeline.ErrOutputBusy):
		writeError(w, http.StatusConflict, err.Error(), err)
		return
	case errors.Is(err, pipeline.ErrInvalidScope):
		writeError(w, http.StatusBadRequest, err.Error(), err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "Failed to register run", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), utils.ParseDuration(h.Config.API.RunTimeout, defaultRunTimeout))
	go func() {
		defer cancel()
		pending.Execute(ctx)
	}()

	writeJSON(w, http.StatusAccepted, CreateRunResponse{
		Message:   "Run accepted",
		RunID:     pending.ID,
		State:     string(model.StateIdle),
		Scope:     scope.String(),
		Output:    req.Output,
		CreatedAt: time.Now().UTC(),
	})
}

// ListRuns lists recorded runs
// @Summary List runs
// @Description Get every recorded run, newest first
// @Tags runs
// @Produce json
// @Success 200 {array} store.RunRecord "Runs"
// @Failure 503 {object} ErrorResponse "Run ledger disabled"
// @Router /runs [get]
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if !requireLedger(w) {
		return
	}
	runs, err := store.ListRuns()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to fetch runs", err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// GetRun returns one run
// @Summary Get run
// @Description Retrieve a run's state, coverage, revision and manifest path
// @Tags runs
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} store.RunRecord "Run"
// @Failure 404 {object} ErrorResponse "Run not found"
// @Router /runs/{id} [get]
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := h.lookupRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// GetRunEvents returns a run's events
// @Summary Get run events
// @Description Every state transition, skip and error of a run in order
// @Tags runs
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} map[string]interface{} "Run events"
// @Failure 404 {object} ErrorResponse "Run not found"
// @Router /runs/{id}/events [get]
func (h *Handler) GetRunEvents(w http.ResponseWriter, r *http.Request) {
	run, ok := h.lookupRun(w, r)
	if !ok {
		return
	}
	events, err := store.GetRunEvents(run.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to fetch events", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"run_id": run.ID,
		"events": events,
		"count":  len(events),
	})
}

// GetRunErrors returns the errors recorded for a run
// @Summary Get run errors
// @Description Errors a run failed with, including publish failures
// @Tags runs
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} map[string]interface{} "Run errors"
// @Failure 404 {object} ErrorResponse "Run not found"
// @Router /runs/{id}/errors [get]
func (h *Handler) GetRunErrors(w http.ResponseWriter, r *http.Request) {
	run, ok := h.lookupRun(w, r)
	if !ok {
		return
	}
	errs, err := store.GetRunErrors(run.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to fetch errors", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"run_id": run.ID,
		"errors": errs,
		"count":  len(errs),
	})
}

// GetRunMetrics returns stage timings for a run
// @Summary Get run metrics
// @Description Time spent in each state, derived from the run's events
// @Tags runs
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} pipeline.RunMetrics "Run metrics"
// @Failure 404 {object} ErrorResponse "Run not found"
// @Router /runs/{id}/metrics [get]
func (h *Handler) GetRunMetrics(w http.ResponseWriter, r *http.Request) {
	run, ok := h.lookupRun(w, r)
	if !ok {
		return
	}
	events, err := store.GetRunEvents(run.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to fetch events", err)
		return
	}
	writeJSON(w, http.StatusOK, pipeline.ComputeMetrics(run.ID, events))
}

// GetRunFiles lists the files in a run's output location
// @Summary List run files
// @Description List the artifacts and version manifest currently in the run's output location
// @Tags files
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} map[string]interface{} "Run files"
// @Failure 404 {object} ErrorResponse "Run not found"
// @Router /runs/{id}/files [get]
func (h *Handler) GetRunFiles(w http.ResponseWriter, r *http.Request) {
	run, ok := h.lookupRun(w, r)
	if !ok {
		return
	}
	om := utils.NewOutputManager(run.Output)
	files := []ArtifactResponse{}
	artifacts, err := om.ListArtifacts()
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		writeError(w, http.StatusInternalServerError, "Failed to list files", err)
		return
	}
	for _, a := range artifacts {
		files = append(files, ArtifactResponse{Artifact: a, DownloadURL: om.GetDownloadURL(run.ID, a.Name)})
	}

	level, _ := model.ParseAggregationLevel(run.Level)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"run_id":   run.ID,
		"output":   run.Output,
		"stamped":  om.HasManifest(level.ManifestKey()),
		"files":    files,
		"count":    len(files),
		"manifest": level.ManifestKey() + utils.ManifestSuffix,
	})
}

// DownloadFile serves one file of a run's output location
// @Summary Download file
// @Description Download an artifact or the version manifest of a run
// @Tags files
// @Produce application/octet-stream
// @Param id path string true "Run ID"
// @Param name path string true "Artifact name"
// @Success 200 {file} file "File download"
// @Failure 400 {object} ErrorResponse "Invalid file name"
// @Failure 404 {object} ErrorResponse "File not found"
// @Router /runs/{id}/files/{name} [get]
func (h *Handler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	run, ok := h.lookupRun(w, r)
	if !ok {
		return
	}
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) <= runIDSegment+2 {
		writeError(w, http.StatusBadRequest, "File name is required", nil)
		return
	}
	name := strings.Join(parts[runIDSegment+2:], "/")

	filePath, err := utils.NewOutputManager(run.Output).ResolveArtifact(name)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	info, err := os.Stat(filePath)
	if err != nil || !info.Mode().IsRegular() {
		writeError(w, http.StatusNotFound, "File not found", nil)
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", path.Base(name)))
	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeFile(w, r, filePath)
}

func (h *Handler) lookupRun(w http.ResponseWriter, r *http.Request) (store.RunRecord, bool) {
	if !requireLedger(w) {
		return store.RunRecord{}, false
	}
	runID := router.Segment(r, runIDSegment)
	if runID == "" {
		writeError(w, http.StatusBadRequest, "Run ID is required", nil)
		return store.RunRecord{}, false
	}
	run, err := store.GetRun(runID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "Run not found", nil)
		return store.RunRecord{}, false
	case err != nil:
		writeError(w, http.StatusInternalServerError, "Failed to fetch run", err)
		return store.RunRecord{}, false
	}
	return run, true
}

func requireLedger(w http.ResponseWriter) bool {
	if store.Enabled() {
		return true
	}
	writeError(w, http.StatusServiceUnavailable, "Run ledger is disabled", nil)
	return false
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, err error) {
	writeJSON(w, status, ErrorResponse{Error: msg, Kind: pipeline.ErrorKind(err)})
}
