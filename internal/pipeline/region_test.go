package pipeline

import (
	"errors"
	"testing"

	"model-runner/internal/model"
)

func TestRegionSelector_Select(t *testing.T) {
	rs := RegionSelector{}

	cases := []struct {
		name    string
		level   model.AggregationLevel
		country string
		filter  model.RegionFilter
		want    model.Scope
		wantErr bool
	}{
		{name: "all counties", level: model.LevelCounty, country: "USA", want: model.Scope{Level: model.LevelCounty, Country: "USA"}},
		{name: "all states lower-case country", level: model.LevelState, country: " usa ", want: model.Scope{Level: model.LevelState, Country: "USA"}},
		{name: "single state", level: model.LevelState, country: "USA", filter: " ca", want: model.Scope{Level: model.LevelState, Country: "USA", Region: "CA"}},
		{name: "blank filter", level: model.LevelCounty, country: "USA", filter: "   ", wantErr: true},
		{name: "tab filter", level: model.LevelState, country: "USA", filter: "\t", wantErr: true},
		{name: "empty country", level: model.LevelCounty, country: "", wantErr: true},
		{name: "unknown country", level: model.LevelCounty, country: "CAN", wantErr: true},
		{name: "unknown level", level: "city", country: "USA", wantErr: true},
		{name: "filter with separator", level: model.LevelState, country: "USA", filter: "../CA", wantErr: true},
		{name: "filter with space", level: model.LevelState, country: "USA", filter: "NEW YORK", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := rs.Select(tc.level, tc.country, tc.filter)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidScope) {
					t.Fatalf("expected ErrInvalidScope, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("want %+v got %+v", tc.want, got)
			}
		})
	}
}

func TestRegionSelector_ConfiguredCountries(t *testing.T) {
	rs := RegionSelector{Countries: []string{"USA", "can"}}
	if _, err := rs.Select(model.LevelState, "CAN", ""); err != nil {
		t.Fatalf("expected configured country to be accepted: %v", err)
	}
	if _, err := rs.Select(model.LevelState, "MEX", ""); !errors.Is(err, ErrInvalidScope) {
		t.Fatalf("expected ErrInvalidScope, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	if got := Classify(model.Scope{Level: model.LevelCounty, Country: "USA"}); got != model.CoverageFull {
		t.Fatalf("expected full, got %s", got)
	}
	if got := Classify(model.Scope{Level: model.LevelState, Country: "USA", Region: "CA"}); got != model.CoveragePartial {
		t.Fatalf("expected partial, got %s", got)
	}
}

func TestTransition(t *testing.T) {
	allowed := [][2]model.RunState{
		{model.StateIdle, model.StateResolving},
		{model.StateResolving, model.StateInvoking},
		{model.StateResolving, model.StateFailed},
		{model.StateInvoking, model.StateClassifying},
		{model.StateInvoking, model.StateFailed},
		{model.StateClassifying, model.StateStamping},
		{model.StateClassifying, model.StateSkippingStamp},
		{model.StateStamping, model.StateDone},
		{model.StateStamping, model.StateFailed},
		{model.StateSkippingStamp, model.StateDone},
	}
	for _, tr := range allowed {
		if err := Transition(tr[0], tr[1]); err != nil {
			t.Fatalf("%s -> %s should be allowed: %v", tr[0], tr[1], err)
		}
	}

	forbidden := [][2]model.RunState{
		{model.StateIdle, model.StateInvoking},
		{model.StateInvoking, model.StateStamping},
		{model.StateClassifying, model.StateFailed},
		{model.StateSkippingStamp, model.StateFailed},
		{model.StateSkippingStamp, model.StateStamping},
		{model.StateDone, model.StateResolving},
		{model.StateFailed, model.StateInvoking},
	}
	for _, tr := range forbidden {
		if err := Transition(tr[0], tr[1]); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("%s -> %s should be rejected, got %v", tr[0], tr[1], err)
		}
	}

	if !IsTerminal(model.StateDone) || !IsTerminal(model.StateFailed) || IsTerminal(model.StateStamping) {
		t.Fatalf("unexpected terminal classification")
	}
}
