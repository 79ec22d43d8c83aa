package pipeline

import "model-runner/internal/model"

// Classify decides whether a scope is a full-coverage run. It is the only gate
// in front of version stamping: a manifest implies every region was run.
func Classify(scope model.Scope) model.Coverage {
	if scope.AllRegions() {
		return model.CoverageFull
	}
	return model.CoveragePartial
}
