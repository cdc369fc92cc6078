package orchestrator

import "github.com/renderloop/renderd/internal/renderspec"

// Render work is priced in abstract units before converting to credits:
// one unit per frame, scaled by quality and resolution. unitsPerCredit sets
// the exchange rate; the result is rounded up and never below one credit.
const unitsPerCredit = 10

var qualityWeight = map[string]int64{
	"draft":    1,
	"standard": 2,
	"high":     4,
}

var resolutionWeight = map[string]int64{
	"720p":  1,
	"1080p": 2,
	"1440p": 3,
	"4k":    5,
}

// CostFor returns the credit charge for a validated spec. The validator has
// already normalized quality and resolution, so the weight lookups never miss.
func CostFor(spec *renderspec.ValidatedSpec) int64 {
	units := int64(spec.Frames) * qualityWeight[spec.Quality] * resolutionWeight[spec.Resolution]
	cost := (units + unitsPerCredit - 1) / unitsPerCredit
	if cost < 1 {
		cost = 1
	}
	return cost
}
