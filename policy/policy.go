// Package policy maps composite scores to target tiers. It owns the score
// bands, the hysteresis margin that prevents boundary thrashing, and the
// capacity-pressure decisions (swap, evict, deny).
package policy

import (
	"fmt"

	"github.com/hupe1980/tiermem/model"
)

// EvictionPolicy controls what happens when the terminal Archive tier is full
// and a demotion into it is proposed.
type EvictionPolicy uint8

const (
	// EvictionDeny refuses the demotion; the item stays where it is.
	EvictionDeny EvictionPolicy = iota
	// EvictionEvictOldest permanently deletes the lowest-scoring archive
	// resident to make room.
	EvictionEvictOldest
)

// Band is a half-open score interval [Low, High).
type Band struct {
	Low  float64
	High float64
}

// Contains reports whether s falls inside the band.
func (b Band) Contains(s float64) bool {
	return s >= b.Low && s < b.High
}

// Config holds the placement bands and hysteresis margin.
type Config struct {
	// Bands maps each tier to its score band. Bands must be ascending from
	// Archive to FastVector and cover [0,1) without gaps.
	Bands [model.TierCount]Band

	// HysteresisMargin is the minimum distance past a band boundary the
	// score must travel before a move is proposed. Prevents items whose
	// score oscillates around a boundary from migrating on every pass.
	HysteresisMargin float64

	// Eviction gates capacity-pressure deletion from the Archive tier.
	Eviction EvictionPolicy
}

// DefaultConfig returns the default band layout: Archive [0,0.25),
// Columnar [0.25,0.5), FastKV [0.5,0.75), FastVector [0.75,1].
func DefaultConfig() Config {
	return Config{
		Bands: [model.TierCount]Band{
			model.TierFastVector: {Low: 0.75, High: 1.01},
			model.TierFastKV:     {Low: 0.5, High: 0.75},
			model.TierColumnar:   {Low: 0.25, High: 0.5},
			model.TierArchive:    {Low: 0, High: 0.25},
		},
		HysteresisMargin: 0.02,
		Eviction:         EvictionDeny,
	}
}

// Validate checks band ordering and coverage.
func (c Config) Validate() error {
	if c.HysteresisMargin < 0 {
		return fmt.Errorf("policy: hysteresis margin must be non-negative, got %v", c.HysteresisMargin)
	}
	prev := 0.0
	for t := model.TierArchive; ; t-- {
		b := c.Bands[t]
		if b.Low >= b.High {
			return fmt.Errorf("policy: %s band is empty: [%v,%v)", t, b.Low, b.High)
		}
		if b.Low != prev {
			return fmt.Errorf("policy: %s band starts at %v, want %v (bands must be contiguous and ascending)", t, b.Low, prev)
		}
		prev = b.High
		if t == model.TierFastVector {
			break
		}
	}
	if prev < 1 {
		return fmt.Errorf("policy: bands end at %v, must cover [0,1]", prev)
	}
	return nil
}

// Decision is the outcome of a placement evaluation.
type Decision uint8

const (
	// Stay means the item remains in its current tier.
	Stay Decision = iota
	// Move means the item should migrate to Target.
	Move
	// Swap means Target is full but the incoming item outranks the tier's
	// weakest resident: demote the victim one band, then move the item.
	Swap
	// Evict means the terminal tier is full and the eviction policy permits
	// deleting its weakest resident to make room.
	Evict
	// Deny means the proposed placement is refused; the item stays put.
	Deny
)

// Plan describes what the scheduler should do with one item.
type Plan struct {
	Decision Decision
	Target   model.Tier
}

// Policy decides tier placement. It is immutable and safe for concurrent use.
type Policy struct {
	cfg Config
}

// New validates cfg and returns a Policy.
func New(cfg Config) (*Policy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Policy{cfg: cfg}, nil
}

// Eviction returns the configured terminal-tier eviction policy.
func (p *Policy) Eviction() EvictionPolicy { return p.cfg.Eviction }

// Target returns the tier whose band contains score, applying hysteresis
// relative to the current tier: the item leaves its current band only when
// the score clears the boundary by more than the configured margin.
func (p *Policy) Target(score float64, current model.Tier) model.Tier {
	band := p.cfg.Bands[current]

	// Hysteresis: stay inside a widened current band.
	if score >= band.Low-p.cfg.HysteresisMargin && score < band.High+p.cfg.HysteresisMargin {
		return current
	}

	for t := model.Tier(0); t < model.TierCount; t++ {
		if p.cfg.Bands[t].Contains(score) {
			return t
		}
	}
	// Score of exactly 1.0 (or above after clamping) lands in the top band.
	if score >= p.cfg.Bands[model.TierFastVector].Low {
		return model.TierFastVector
	}
	return model.TierArchive
}

// CapacityView reports occupancy for one tier.
type CapacityView struct {
	// Full reports whether the tier cannot accept one more item of the
	// proposed size.
	Full bool
	// VictimScore is the score of the tier's lowest-scoring resident.
	// Meaningful only when Full.
	VictimScore float64
	// HasVictim reports whether the tier has any resident to demote.
	HasVictim bool
}

// Plan evaluates a full placement decision for an item with the given score,
// resolving capacity pressure on the target tier. capacity describes the
// target tier's occupancy. Plan never blocks and never proposes anything
// that could deadlock: when in doubt the answer is Deny.
func (p *Policy) Plan(score float64, current model.Tier, capacity func(model.Tier) CapacityView) Plan {
	target := p.Target(score, current)
	if target == current {
		return Plan{Decision: Stay, Target: current}
	}

	view := capacity(target)
	if !view.Full {
		return Plan{Decision: Move, Target: target}
	}

	if target == model.TierArchive {
		// Terminal tier: no band below it to demote into.
		if p.cfg.Eviction == EvictionEvictOldest && view.HasVictim {
			return Plan{Decision: Evict, Target: target}
		}
		return Plan{Decision: Deny, Target: current}
	}

	// Swap: demote the weakest resident one band if the incoming item
	// outranks it.
	if view.HasVictim && score > view.VictimScore {
		return Plan{Decision: Swap, Target: target}
	}
	return Plan{Decision: Deny, Target: current}
}
