package model

// Region is a node of the irrigation network: a basin holding water with a
// demand (WaterNeed) and a hard ceiling (WaterCapacity).
type Region struct {
	ID            string
	WaterLevel    float64
	WaterNeed     float64
	WaterCapacity float64

	// Derived by the engine after every hour.
	InDrought bool
	Flooded   bool

	// Inflow and Consumption are per-hour volumes the engine adds and
	// removes independently of canal traffic (rain, upstream feed, crops).
	Inflow      float64
	Consumption float64
}

// FillRatio returns WaterLevel/WaterNeed, or 1 when the region has no need.
func (r Region) FillRatio() float64 {
	if r.WaterNeed <= 0 {
		return 1
	}
	return r.WaterLevel / r.WaterNeed
}

// FreeCapacity is the volume the region can still take before spilling.
func (r Region) FreeCapacity() float64 {
	free := r.WaterCapacity - r.WaterLevel
	if free < 0 {
		return 0
	}
	return free
}
