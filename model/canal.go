package model

import "math"

// Canal is a directed edge moving water from Source to Destination. Source
// and Destination are region IDs; canals never own regions.
type Canal struct {
	ID          string
	Source      string
	Destination string

	// Capacity is the volume moved per hour at FlowRate 1.0.
	Capacity float64

	Open     bool
	FlowRate float64
}

// ToggleOpen opens or closes the canal.
func (c *Canal) ToggleOpen(open bool) {
	c.Open = open
}

// SetFlowRate stores rate clamped to [0,1].
func (c *Canal) SetFlowRate(rate float64) {
	c.FlowRate = ClampRate(rate)
}

// Volume is the water the canal would move this hour if nothing limited it.
func (c Canal) Volume() float64 {
	if !c.Open {
		return 0
	}
	return c.Capacity * c.FlowRate
}

// ClampRate maps any float onto [0,1]. NaN becomes 0.
func ClampRate(rate float64) float64 {
	switch {
	case math.IsNaN(rate), rate <= 0:
		return 0
	case rate >= 1:
		return 1
	default:
		return rate
	}
}
