package control

import "github.com/signalsfoundry/acequia-simulator/model"

// OverrideConfig tunes the emergency rules. A region at or above
// FloodFraction of its capacity has every outgoing canal opened at Rate; a
// region at or below DroughtFraction of its need has every incoming canal
// opened at Rate. Overrides run after band control and replace its writes.
type OverrideConfig struct {
	Disabled        bool    `yaml:"disabled,omitempty"`
	FloodFraction   float64 `yaml:"flood_fraction"`
	DroughtFraction float64 `yaml:"drought_fraction"`
	Rate            float64 `yaml:"rate"`
}

// DefaultOverride returns the 90% flood / 20% drought thresholds at rate 0.9.
func DefaultOverride() OverrideConfig {
	return OverrideConfig{
		FloodFraction:   0.9,
		DroughtFraction: 0.2,
		Rate:            0.9,
	}
}

// Flooding reports whether r is at or above the flood threshold.
func (o OverrideConfig) Flooding(r model.Region) bool {
	return r.WaterCapacity > 0 && r.WaterLevel >= r.WaterCapacity*o.FloodFraction
}

// Parched reports whether r is at or below the drought threshold. Regions
// without need are never parched.
func (o OverrideConfig) Parched(r model.Region) bool {
	return r.WaterNeed > 0 && r.WaterLevel <= r.WaterNeed*o.DroughtFraction
}

// applyOverrides runs the flood and drought rules for every region in
// snapshot order. Flood takes precedence for a region that matches both.
func applyOverrides(b *decisionBuilder, s Snapshot, cfg OverrideConfig) []Override {
	if cfg.Disabled {
		return nil
	}
	var fired []Override
	for _, r := range s.Regions {
		switch {
		case cfg.Flooding(r):
			for _, idx := range FindConnectedCanals(s.Canals, r.ID, Outgoing) {
				b.claim(idx, r.ID, RuleFlood, cfg.Rate)
			}
			fired = append(fired, Override{Region: r.ID, Rule: RuleFlood})
		case cfg.Parched(r):
			for _, idx := range FindConnectedCanals(s.Canals, r.ID, Incoming) {
				b.claim(idx, r.ID, RuleDrought, cfg.Rate)
			}
			fired = append(fired, Override{Region: r.ID, Rule: RuleDrought})
		}
	}
	return fired
}

// DampingConfig closes weak flows on a fixed cadence: on every hour h > 0
// with h%Every == 0, open canals below MinRate are closed. Canals held open
// by a flood or drought override are never damped. Every <= 0 disables
// damping.
type DampingConfig struct {
	Every   int     `yaml:"every"`
	MinRate float64 `yaml:"min_rate"`
}

// DefaultDamping damps flows under 0.2 every fifth hour.
func DefaultDamping() DampingConfig {
	return DampingConfig{Every: 5, MinRate: 0.2}
}

// Due reports whether damping runs on hour.
func (d DampingConfig) Due(hour int) bool {
	return d.Every > 0 && hour > 0 && hour%d.Every == 0
}

func applyDamping(b *decisionBuilder, cfg DampingConfig) {
	if !cfg.Due(b.hour) {
		return
	}
	for i, c := range b.canals {
		if c.Open && c.FlowRate < cfg.MinRate && !c.Rule.IsOverride() {
			b.close(i, RuleDamped)
		}
	}
}

// EmergencyPolicy only reacts to floods and droughts; it has no band
// control. It is useful as a baseline and for networks whose regions have
// no sensible target.
type EmergencyPolicy struct {
	Override OverrideConfig
	Damping  DampingConfig
}

// Name implements ControlPolicy.
func (p EmergencyPolicy) Name() string { return "emergency" }

// Decide implements ControlPolicy.
func (p EmergencyPolicy) Decide(s Snapshot) Decision {
	b := newDecisionBuilder(s)
	overrides := applyOverrides(b, s, p.Override)
	applyDamping(b, p.Damping)
	return b.build(p.Name(), overrides)
}
