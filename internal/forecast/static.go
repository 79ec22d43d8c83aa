package forecast

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"model-runner/internal/model"
	"model-runner/internal/pipeline"
)

// USStates are the regions a full US run covers: the 50 states plus DC
var USStates = []string{
	"AK", "AL", "AR", "AZ", "CA", "CO", "CT", "DC", "DE", "FL", "GA", "HI", "IA",
	"ID", "IL", "IN", "KS", "KY", "LA", "MA", "MD", "ME", "MI", "MN", "MO", "MS",
	"MT", "NC", "ND", "NE", "NH", "NJ", "NM", "NV", "NY", "OH", "OK", "OR", "PA",
	"RI", "SC", "SD", "TN", "TX", "UT", "VA", "VT", "WA", "WI", "WV", "WY",
}

// StaticForecaster writes one placeholder artifact per region without running
// a model. It backs the "dry-run" forecaster kind.
type StaticForecaster struct {
	Regions []string
}

// RegionArtifact is the placeholder artifact body
type RegionArtifact struct {
	Region      string `json:"region"`
	Level       string `json:"level"`
	Country     string `json:"country"`
	Start       string `json:"start"`
	End         string `json:"end"`
	GeneratedBy string `json:"generated_by"`
}

func (s StaticForecaster) RunCountyForecast(ctx context.Context, req pipeline.ForecastRequest) error {
	return s.write(ctx, model.LevelCounty, req)
}

func (s StaticForecaster) RunStateForecast(ctx context.Context, req pipeline.ForecastRequest) error {
	return s.write(ctx, model.LevelState, req)
}

// ArtifactName is the file a region's output is written to
func ArtifactName(level model.AggregationLevel, region string) string {
	if level == model.LevelCounty {
		return region + ".counties.json"
	}
	return region + ".state.json"
}

func (s StaticForecaster) write(ctx context.Context, level model.AggregationLevel, req pipeline.ForecastRequest) error {
	regions := s.Regions
	if len(regions) == 0 {
		regions = USStates
	}
	if req.Region != "" {
		regions = []string{req.Region}
	}

	for _, region := range regions {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := json.MarshalIndent(RegionArtifact{
			Region:      region,
			Level:       string(level),
			Country:     req.Country,
			Start:       req.Start.Format(time.DateOnly),
			End:         req.End.Format(time.DateOnly),
			GeneratedBy: "dry-run",
		}, "", "  ")
		if err != nil {
			return err
		}
		path := filepath.Join(req.Output, ArtifactName(level, region))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	}
	return nil
}
