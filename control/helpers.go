package control

import (
	"math"

	"github.com/signalsfoundry/acequia-simulator/model"
)

// Direction selects canals relative to a region.
type Direction int

const (
	// Incoming canals have the region as destination.
	Incoming Direction = iota
	// Outgoing canals have the region as source.
	Outgoing
)

// FindConnectedCanals returns the indices of canals entering or leaving
// regionID, in canal order.
func FindConnectedCanals(canals []model.Canal, regionID string, dir Direction) []int {
	var out []int
	for i, c := range canals {
		switch dir {
		case Incoming:
			if c.Destination == regionID {
				out = append(out, i)
			}
		case Outgoing:
			if c.Source == regionID {
				out = append(out, i)
			}
		}
	}
	return out
}

// CheckSolution reports whether every region is within tolerance of its
// need (|level-need| <= tolerance*need) and neither flooded nor in drought.
// An empty region set is trivially solved.
func CheckSolution(regions []model.Region, tolerance float64) bool {
	if tolerance < 0 || math.IsNaN(tolerance) {
		tolerance = 0
	}
	for _, r := range regions {
		if r.Flooded || r.InDrought {
			return false
		}
		if math.Abs(r.WaterLevel-r.WaterNeed) > tolerance*r.WaterNeed {
			return false
		}
	}
	return true
}

// DeficitRatio is how far the region sits below need*reference, measured in
// units of denom. It is never negative, and 0 when denom is 0.
func DeficitRatio(r model.Region, reference, denom float64) float64 {
	return safeRatio(r.WaterNeed*reference-r.WaterLevel, denom)
}

// ExcessRatio is how far the region sits above need*reference, measured in
// units of denom. It is never negative, and 0 when denom is 0.
func ExcessRatio(r model.Region, reference, denom float64) float64 {
	return safeRatio(r.WaterLevel-r.WaterNeed*reference, denom)
}

func safeRatio(num, denom float64) float64 {
	if denom <= 0 || math.IsNaN(denom) || math.IsInf(denom, 0) {
		return 0
	}
	ratio := num / denom
	if ratio < 0 || math.IsNaN(ratio) {
		return 0
	}
	return ratio
}
