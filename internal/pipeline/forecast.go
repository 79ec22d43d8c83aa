package pipeline

import (
	"context"
	"time"

	"model-runner/internal/model"
	"model-runner/pkg/utils"
)

// ForecastRequest is the argument list handed to the forecasting collaborator
type ForecastRequest struct {
	Start   time.Time
	End     time.Time
	Output  string
	Country string
	Region  string // empty = all regions
}

// Forecaster is the external forecasting collaborator, one entry point per
// aggregation level. Implementations populate req.Output with per-region
// artifacts and return nil only when the whole scope was produced.
type Forecaster interface {
	RunCountyForecast(ctx context.Context, req ForecastRequest) error
	RunStateForecast(ctx context.Context, req ForecastRequest) error
}

// ForecastInvoker calls the collaborator once per run. It never retries.
type ForecastInvoker struct {
	Forecaster Forecaster
}

// Invoke dispatches to the collaborator entry point for scope.Level.
// Any failure is reported as ErrForecastFailure.
func (fi ForecastInvoker) Invoke(ctx context.Context, window model.SimulationWindow, scope model.Scope, output string) error {
	if fi.Forecaster == nil {
		return runErrorf(ErrForecastFailure, model.StateInvoking, nil, "no forecaster configured")
	}
	if err := utils.NewOutputManager(output).EnsureOutputDirExists(); err != nil {
		return runErrorf(ErrForecastFailure, model.StateInvoking, err, "prepare output location")
	}

	req := ForecastRequest{
		Start:   window.Start(),
		End:     window.End(),
		Output:  output,
		Country: scope.Country,
		Region:  scope.Region,
	}

	var err error
	switch scope.Level {
	case model.LevelCounty:
		err = fi.Forecaster.RunCountyForecast(ctx, req)
	case model.LevelState:
		err = fi.Forecaster.RunStateForecast(ctx, req)
	default:
		return runErrorf(ErrForecastFailure, model.StateInvoking, nil, "no forecast entry point for level %q", scope.Level)
	}
	if err != nil {
		return runErrorf(ErrForecastFailure, model.StateInvoking, err, "%s forecast", scope.Level)
	}
	return nil
}
