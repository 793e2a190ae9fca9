package kb

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/signalsfoundry/acequia-simulator/model"
)

var (
	ErrRegionExists       = errors.New("region already exists")
	ErrRegionNotFound     = errors.New("region not found")
	ErrRegionBadInput     = errors.New("invalid region")
	ErrCanalExists        = errors.New("canal already exists")
	ErrCanalNotFound      = errors.New("canal not found")
	ErrCanalBadInput      = errors.New("invalid canal")
	ErrCanalUnknownRegion = errors.New("canal references unknown region")
)

// EventType indicates what kind of change happened in the KB.
type EventType int

const (
	EventRegionUpdated EventType = iota
	EventCanalUpdated
)

// Event is emitted to subscribers when a region or canal changes. Previous
// holds the state before the change so subscribers can detect transitions.
type Event struct {
	Type     EventType
	Region   model.Region
	Previous model.Region
	Canal    model.Canal
}

// KnowledgeBase is an in-memory, thread-safe store for the regions and
// canals of one irrigation network. Listing order is insertion order; the
// controller evaluates regions in that order.
type KnowledgeBase struct {
	mu sync.RWMutex

	regions     map[string]*model.Region
	regionOrder []string
	canals      map[string]*model.Canal
	canalOrder  []string

	subs    []subscriber
	nextSub uint64
}

type subscriber struct {
	id uint64
	fn func(Event)
}

// NewKnowledgeBase constructs an empty KB.
func NewKnowledgeBase() *KnowledgeBase {
	return &KnowledgeBase{
		regions: make(map[string]*model.Region),
		canals:  make(map[string]*model.Canal),
	}
}

//
// ---------- Regions ----------
//

// AddRegion validates and stores a region. The KB keeps its own copy.
func (kb *KnowledgeBase) AddRegion(r model.Region) error {
	if err := validateRegion(r); err != nil {
		return err
	}

	kb.mu.Lock()
	defer kb.mu.Unlock()

	if _, exists := kb.regions[r.ID]; exists {
		return fmt.Errorf("%w: %q", ErrRegionExists, r.ID)
	}
	kb.regions[r.ID] = &r
	kb.regionOrder = append(kb.regionOrder, r.ID)
	return nil
}

func validateRegion(r model.Region) error {
	if r.ID == "" {
		return fmt.Errorf("%w: empty region ID", ErrRegionBadInput)
	}
	for name, v := range map[string]float64{
		"water level":    r.WaterLevel,
		"water need":     r.WaterNeed,
		"water capacity": r.WaterCapacity,
		"inflow":         r.Inflow,
		"consumption":    r.Consumption,
	} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: region %q has %s %v", ErrRegionBadInput, r.ID, name, v)
		}
	}
	if r.WaterCapacity < r.WaterNeed {
		return fmt.Errorf("%w: region %q capacity %v below need %v", ErrRegionBadInput, r.ID, r.WaterCapacity, r.WaterNeed)
	}
	return nil
}

// GetRegion returns a copy of the region with the given ID.
func (kb *KnowledgeBase) GetRegion(id string) (model.Region, bool) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	r, ok := kb.regions[id]
	if !ok {
		return model.Region{}, false
	}
	return *r, true
}

// ListRegions returns a snapshot of all regions in insertion order.
func (kb *KnowledgeBase) ListRegions() []model.Region {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	out := make([]model.Region, 0, len(kb.regionOrder))
	for _, id := range kb.regionOrder {
		out = append(out, *kb.regions[id])
	}
	return out
}

// UpdateRegion applies fn to the stored region and notifies subscribers.
// fn must not change the region ID.
func (kb *KnowledgeBase) UpdateRegion(id string, fn func(*model.Region)) error {
	kb.mu.Lock()
	r, ok := kb.regions[id]
	if !ok {
		kb.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrRegionNotFound, id)
	}
	prev := *r
	fn(r)
	r.ID = prev.ID
	event := Event{
		Type:     EventRegionUpdated,
		Region:   *r,
		Previous: prev,
	}
	subs := kb.subscribersLocked()
	kb.mu.Unlock()

	// Notify subscribers outside the lock to avoid deadlocks.
	for _, sub := range subs {
		sub(event)
	}
	return nil
}

//
// ---------- Canals ----------
//

// AddCanal stores a canal after checking that both endpoints exist. A canal
// cannot loop back into its own source.
func (kb *KnowledgeBase) AddCanal(c model.Canal) error {
	if c.ID == "" {
		return fmt.Errorf("%w: empty canal ID", ErrCanalBadInput)
	}
	if c.Source == "" || c.Destination == "" {
		return fmt.Errorf("%w: canal %q needs a source and a destination", ErrCanalBadInput, c.ID)
	}
	if c.Source == c.Destination {
		return fmt.Errorf("%w: canal %q loops on region %q", ErrCanalBadInput, c.ID, c.Source)
	}
	if c.Capacity < 0 || math.IsNaN(c.Capacity) || math.IsInf(c.Capacity, 0) {
		return fmt.Errorf("%w: canal %q has capacity %v", ErrCanalBadInput, c.ID, c.Capacity)
	}
	c.FlowRate = model.ClampRate(c.FlowRate)

	kb.mu.Lock()
	defer kb.mu.Unlock()

	if _, exists := kb.canals[c.ID]; exists {
		return fmt.Errorf("%w: %q", ErrCanalExists, c.ID)
	}
	if _, ok := kb.regions[c.Source]; !ok {
		return fmt.Errorf("%w: canal %q source %q", ErrCanalUnknownRegion, c.ID, c.Source)
	}
	if _, ok := kb.regions[c.Destination]; !ok {
		return fmt.Errorf("%w: canal %q destination %q", ErrCanalUnknownRegion, c.ID, c.Destination)
	}

	kb.canals[c.ID] = &c
	kb.canalOrder = append(kb.canalOrder, c.ID)
	return nil
}

// GetCanal returns a copy of the canal with the given ID.
func (kb *KnowledgeBase) GetCanal(id string) (model.Canal, bool) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	c, ok := kb.canals[id]
	if !ok {
		return model.Canal{}, false
	}
	return *c, true
}

// ListCanals returns a snapshot of all canals in insertion order.
func (kb *KnowledgeBase) ListCanals() []model.Canal {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	out := make([]model.Canal, 0, len(kb.canalOrder))
	for _, id := range kb.canalOrder {
		out = append(out, *kb.canals[id])
	}
	return out
}

// SetCanalState opens or closes a canal and sets its flow rate (clamped to
// [0,1]). Subscribers are only notified when something actually changed.
func (kb *KnowledgeBase) SetCanalState(id string, open bool, rate float64) error {
	rate = model.ClampRate(rate)

	kb.mu.Lock()
	c, ok := kb.canals[id]
	if !ok {
		kb.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrCanalNotFound, id)
	}
	if c.Open == open && c.FlowRate == rate {
		kb.mu.Unlock()
		return nil
	}
	c.ToggleOpen(open)
	c.SetFlowRate(rate)
	event := Event{
		Type:  EventCanalUpdated,
		Canal: *c,
	}
	subs := kb.subscribersLocked()
	kb.mu.Unlock()

	for _, sub := range subs {
		sub(event)
	}
	return nil
}

// Subscribe registers a callback for KB events. It returns an unsubscribe
// function; calling it more than once is a no-op.
func (kb *KnowledgeBase) Subscribe(fn func(Event)) (unsubscribe func()) {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	kb.nextSub++
	id := kb.nextSub
	kb.subs = append(kb.subs, subscriber{id: id, fn: fn})

	return func() {
		kb.mu.Lock()
		defer kb.mu.Unlock()
		for i, sub := range kb.subs {
			if sub.id == id {
				kb.subs = append(kb.subs[:i], kb.subs[i+1:]...)
				return
			}
		}
	}
}

// subscribersLocked copies the callbacks so they can run without the lock.
func (kb *KnowledgeBase) subscribersLocked() []func(Event) {
	fns := make([]func(Event), len(kb.subs))
	for i, sub := range kb.subs {
		fns[i] = sub.fn
	}
	return fns
}
