// Package control decides, once per simulated hour, which canals of an
// irrigation network are open and at what flow rate.
//
// A ControlPolicy is a pure function from a Snapshot to a Decision. The
// Controller feeds it snapshots taken from a Network, writes the resulting
// canal states back and advances the network clock until every region is
// balanced or the hour budget runs out.
package control

import (
	"sort"

	"github.com/signalsfoundry/acequia-simulator/model"
)

// Rule names the rule that claimed a canal in a decision.
type Rule string

const (
	RuleNone    Rule = ""
	RuleDeficit Rule = "deficit"
	RuleExcess  Rule = "excess"
	RuleFlood   Rule = "flood"
	RuleDrought Rule = "drought"
	RuleDamped  Rule = "damped"
)

// IsOverride reports whether r is one of the emergency rules.
func (r Rule) IsOverride() bool {
	return r == RuleFlood || r == RuleDrought
}

// Snapshot is the network state a policy decides on. Regions and Canals are
// in engine order; the order is significant when rules compete for a canal.
type Snapshot struct {
	Hour    int
	Regions []model.Region
	Canals  []model.Canal
}

// CanalState is the decided state of one canal for one hour.
type CanalState struct {
	ID          string
	Source      string
	Destination string
	Open        bool
	FlowRate    float64

	// Rule and ClaimedBy record the last rule that wrote this canal and the
	// region it fired for. Both are empty for canals left closed by reset.
	Rule      Rule
	ClaimedBy string
}

// Override records an emergency rule firing for a region.
type Override struct {
	Region string
	Rule   Rule
}

// Decision is the full set of canal states for one hour, in snapshot order.
type Decision struct {
	Policy    string
	Hour      int
	Canals    []CanalState
	Overrides []Override
}

// OpenCount returns the number of open canals.
func (d Decision) OpenCount() int {
	n := 0
	for _, c := range d.Canals {
		if c.Open {
			n++
		}
	}
	return n
}

// RuleCounts returns how many canals each rule claimed.
func (d Decision) RuleCounts() map[string]int {
	counts := make(map[string]int)
	for _, c := range d.Canals {
		if c.Rule != RuleNone {
			counts[string(c.Rule)]++
		}
	}
	return counts
}

// Canal looks up the decided state of a canal by ID.
func (d Decision) Canal(id string) (CanalState, bool) {
	for _, c := range d.Canals {
		if c.ID == id {
			return c, true
		}
	}
	return CanalState{}, false
}

// OverrideRegions returns the sorted IDs of regions that triggered rule.
func (d Decision) OverrideRegions(rule Rule) []string {
	var out []string
	for _, o := range d.Overrides {
		if o.Rule == rule {
			out = append(out, o.Region)
		}
	}
	sort.Strings(out)
	return out
}

// ControlPolicy computes canal states from a snapshot. Implementations must
// not mutate the snapshot and must return the same Decision for the same
// snapshot.
type ControlPolicy interface {
	Name() string
	Decide(s Snapshot) Decision
}

// decisionBuilder accumulates canal writes for one hour. Every write is a
// full claim: later writes replace earlier ones.
type decisionBuilder struct {
	hour   int
	canals []CanalState
}

// newDecisionBuilder starts from the reset state: every canal closed at
// rate 0.
func newDecisionBuilder(s Snapshot) *decisionBuilder {
	states := make([]CanalState, len(s.Canals))
	for i, c := range s.Canals {
		states[i] = CanalState{
			ID:          c.ID,
			Source:      c.Source,
			Destination: c.Destination,
		}
	}
	return &decisionBuilder{hour: s.Hour, canals: states}
}

func (b *decisionBuilder) claim(idx int, region string, rule Rule, rate float64) {
	st := &b.canals[idx]
	st.Open = true
	st.FlowRate = model.ClampRate(rate)
	st.Rule = rule
	st.ClaimedBy = region
}

func (b *decisionBuilder) close(idx int, rule Rule) {
	st := &b.canals[idx]
	st.Open = false
	st.FlowRate = 0
	st.Rule = rule
}

func (b *decisionBuilder) build(policy string, overrides []Override) Decision {
	return Decision{
		Policy:    policy,
		Hour:      b.hour,
		Canals:    b.canals,
		Overrides: overrides,
	}
}
