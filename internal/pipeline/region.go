package pipeline

import (
	"strings"

	"model-runner/internal/model"
)

// DefaultCountries is used when a RegionSelector has no configured country list.
var DefaultCountries = []string{"USA"}

// RegionSelector resolves which regions a run covers
type RegionSelector struct {
	Countries []string
}

// Select turns a level, country and optional filter into a Scope.
// No filter selects every region of the level in the country; a filter selects exactly one.
func (rs RegionSelector) Select(level model.AggregationLevel, country string, filter model.RegionFilter) (model.Scope, error) {
	if !level.Valid() {
		return model.Scope{}, runErrorf(ErrInvalidScope, model.StateResolving, nil, "unknown aggregation level %q", level)
	}

	country = strings.ToUpper(strings.TrimSpace(country))
	if country == "" {
		return model.Scope{}, runErrorf(ErrInvalidScope, model.StateResolving, nil, "country is required")
	}
	if !rs.knownCountry(country) {
		return model.Scope{}, runErrorf(ErrInvalidScope, model.StateResolving, nil, "unknown country %q", country)
	}

	region := strings.ToUpper(strings.TrimSpace(string(filter)))
	if filter != "" && region == "" {
		// a set filter never widens to a full run
		return model.Scope{}, runErrorf(ErrInvalidScope, model.StateResolving, nil, "blank region filter %q", string(filter))
	}
	if region != "" && strings.ContainsAny(region, " \t\r\n/\\") {
		// the filter is handed to the collaborator verbatim
		return model.Scope{}, runErrorf(ErrInvalidScope, model.StateResolving, nil, "malformed region filter %q", string(filter))
	}

	return model.Scope{Level: level, Country: country, Region: region}, nil
}

func (rs RegionSelector) knownCountry(country string) bool {
	known := rs.Countries
	if len(known) == 0 {
		known = DefaultCountries
	}
	for _, c := range known {
		if strings.EqualFold(strings.TrimSpace(c), country) {
			return true
		}
	}
	return false
}
