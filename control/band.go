package control

import (
	"math"

	"github.com/signalsfoundry/acequia-simulator/model"
)

// Basis selects the denominator of a deficit or excess ratio.
type Basis string

const (
	// BasisDefault uses need for deficits and capacity for excesses.
	BasisDefault  Basis = ""
	BasisNeed     Basis = "need"
	BasisCapacity Basis = "capacity"
)

// BandRule is one side of a region's target band.
//
// A deficit rule fires when level < need*Trigger and opens every incoming
// canal; an excess rule fires when level > need*Trigger and opens every
// outgoing canal. Either way the rate is min(BaseRate + ratio*Gain, Cap),
// clamped to [0,1], where ratio is the distance between the level and
// need*Reference divided by the Basis volume.
type BandRule struct {
	Trigger   float64 `yaml:"trigger"`
	Reference float64 `yaml:"reference,omitempty"` // defaults to Trigger
	Basis     Basis   `yaml:"basis,omitempty"`
	BaseRate  float64 `yaml:"base_rate"`
	Gain      float64 `yaml:"gain"`
	Cap       float64 `yaml:"cap"` // <= 0 means uncapped
}

func (r BandRule) reference() float64 {
	if r.Reference > 0 {
		return r.Reference
	}
	return r.Trigger
}

func (r BandRule) denominator(reg model.Region, fallback Basis) float64 {
	basis := r.Basis
	if basis == BasisDefault {
		basis = fallback
	}
	if basis == BasisCapacity {
		return reg.WaterCapacity
	}
	return reg.WaterNeed
}

// Rate maps a non-negative ratio to a flow rate in [0,1].
func (r BandRule) Rate(ratio float64) float64 {
	term := ratio * r.Gain
	if math.IsNaN(term) {
		term = 0
	}
	rate := r.BaseRate + term
	if r.Cap > 0 {
		rate = math.Min(rate, r.Cap)
	}
	return model.ClampRate(rate)
}

// RegionPolicy is the band of one region. A nil side never fires. With
// Deficit.Trigger < Excess.Trigger the band has a dead zone in between.
type RegionPolicy struct {
	Deficit *BandRule `yaml:"deficit,omitempty"`
	Excess  *BandRule `yaml:"excess,omitempty"`
}

// BandTable maps region IDs to their bands. Regions without an entry use
// Default.
type BandTable struct {
	Default RegionPolicy            `yaml:"default"`
	Regions map[string]RegionPolicy `yaml:"regions,omitempty"`
}

// For returns the band that applies to regionID.
func (t BandTable) For(regionID string) RegionPolicy {
	if rp, ok := t.Regions[regionID]; ok {
		return rp
	}
	return t.Default
}

// DefaultRegionPolicy balances a region around exactly its need.
func DefaultRegionPolicy() RegionPolicy {
	return RegionPolicy{
		Deficit: &BandRule{Trigger: 1.0, Basis: BasisNeed, BaseRate: 0.3, Gain: 0.5, Cap: 0.8},
		Excess:  &BandRule{Trigger: 1.0, Basis: BasisCapacity, BaseRate: 0.4, Gain: 0.4, Cap: 0.75},
	}
}

// DefaultBandTable applies DefaultRegionPolicy to every region.
func DefaultBandTable() BandTable {
	return BandTable{Default: DefaultRegionPolicy()}
}

// AcequiaBandTable is the classic three-region acequia tuning: North keeps
// a 25% buffer and is only ever fed, South drains anything above its need,
// and East holds a dead zone between 90% and 115% of need. Other regions
// are left to the emergency rules.
func AcequiaBandTable() BandTable {
	return BandTable{
		Regions: map[string]RegionPolicy{
			"North": {
				Deficit: &BandRule{Trigger: 1.25, Basis: BasisNeed, BaseRate: 0.3, Gain: 0.5, Cap: 0.8},
			},
			"South": {
				Excess: &BandRule{Trigger: 1.0, Basis: BasisCapacity, BaseRate: 0.4, Gain: 0.4, Cap: 0.75},
			},
			"East": {
				Deficit: &BandRule{Trigger: 0.9, Reference: 1.0, Basis: BasisNeed, BaseRate: 0.25, Gain: 0.3, Cap: 0.6},
				Excess:  &BandRule{Trigger: 1.15, Reference: 1.0, Basis: BasisCapacity, BaseRate: 0.2, Gain: 0.3, Cap: 0.5},
			},
		},
	}
}

// BandPolicy is the full balancing policy: per-region band control, then
// emergency overrides, then periodic damping.
type BandPolicy struct {
	Table    BandTable
	Override OverrideConfig
	Damping  DampingConfig
}

// DefaultBandPolicy uses DefaultBandTable with the default override and
// damping settings.
func DefaultBandPolicy() BandPolicy {
	return BandPolicy{
		Table:    DefaultBandTable(),
		Override: DefaultOverride(),
		Damping:  DefaultDamping(),
	}
}

// Name implements ControlPolicy.
func (p BandPolicy) Name() string { return "band" }

// Decide implements ControlPolicy.
func (p BandPolicy) Decide(s Snapshot) Decision {
	b := newDecisionBuilder(s)
	for _, r := range s.Regions {
		applyBand(b, s.Canals, r, p.Table.For(r.ID))
	}
	overrides := applyOverrides(b, s, p.Override)
	applyDamping(b, p.Damping)
	return b.build(p.Name(), overrides)
}

// applyBand fires at most one side of the band. Deficit is checked first;
// a zero-need region never has a deficit.
func applyBand(b *decisionBuilder, canals []model.Canal, r model.Region, rp RegionPolicy) {
	if rule := rp.Deficit; rule != nil && r.WaterNeed > 0 && r.WaterLevel < r.WaterNeed*rule.Trigger {
		ratio := DeficitRatio(r, rule.reference(), rule.denominator(r, BasisNeed))
		rate := rule.Rate(ratio)
		for _, idx := range FindConnectedCanals(canals, r.ID, Incoming) {
			b.claim(idx, r.ID, RuleDeficit, rate)
		}
		return
	}
	if rule := rp.Excess; rule != nil && r.WaterLevel > r.WaterNeed*rule.Trigger {
		ratio := ExcessRatio(r, rule.reference(), rule.denominator(r, BasisCapacity))
		rate := rule.Rate(ratio)
		for _, idx := range FindConnectedCanals(canals, r.ID, Outgoing) {
			b.claim(idx, r.ID, RuleExcess, rate)
		}
	}
}
