/*
policy.go - Reward tiers and eligibility

PURPOSE:
  Maps a punch count to the tiers a customer can redeem right now and the
  next milestone. Pure functions over a static tier table: no store access,
  no caching. Eligibility is always recomputed from the current count.

DEFAULT TIERS:
  10 punches -> 15% Off
  15 punches -> 20% Off
  20 punches -> 25% Off

  A tier costs its threshold in punches. Tiers are evaluated in ascending
  threshold order; several can be eligible at once and the operator picks.

EXAMPLE:
  p := ledger.DefaultRewardPolicy()
  p.EligibleTiers(12)  // [10 -> 15% Off]
  p.NextReward(12)     // {Tier: 15, PunchesNeeded: 3}
  p.NextReward(25)     // {MaxReached: true}
*/
package ledger

import (
	"fmt"
	"sort"
)

// Tier is one redemption threshold.
type Tier struct {
	Threshold       int `yaml:"threshold" json:"threshold"`
	DiscountPercent int `yaml:"discount_percent" json:"discount_percent"`
}

// Cost is the number of punches a redemption consumes.
func (t Tier) Cost() int { return t.Threshold }

// Label is the reward description recorded on redemption, e.g. "15% Off".
func (t Tier) Label() string { return fmt.Sprintf("%d%% Off", t.DiscountPercent) }

// DefaultTiers is the tier table used when no configuration overrides it.
var DefaultTiers = []Tier{
	{Threshold: 10, DiscountPercent: 15},
	{Threshold: 15, DiscountPercent: 20},
	{Threshold: 20, DiscountPercent: 25},
}

// Reward is an eligible tier.
type Reward struct {
	Tier
	Ready bool
}

// NextReward describes the closest locked tier. When MaxReached is set, Tier
// is nil and PunchesNeeded is zero.
type NextReward struct {
	Tier          *Tier
	PunchesNeeded int
	MaxReached    bool
}

// RewardPolicy holds an ascending tier table. The zero value is not usable;
// construct with NewRewardPolicy or DefaultRewardPolicy.
type RewardPolicy struct {
	tiers []Tier
}

// NewRewardPolicy validates and sorts tiers.
func NewRewardPolicy(tiers []Tier) (*RewardPolicy, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("reward policy: at least one tier is required")
	}
	sorted := append([]Tier(nil), tiers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Threshold < sorted[j].Threshold })

	for i, t := range sorted {
		if t.Threshold <= 0 {
			return nil, fmt.Errorf("reward policy: tier threshold must be positive, got %d", t.Threshold)
		}
		if t.DiscountPercent <= 0 || t.DiscountPercent > 100 {
			return nil, fmt.Errorf("reward policy: discount for tier %d must be in 1..100, got %d", t.Threshold, t.DiscountPercent)
		}
		if i > 0 && sorted[i-1].Threshold == t.Threshold {
			return nil, fmt.Errorf("reward policy: duplicate tier threshold %d", t.Threshold)
		}
	}
	return &RewardPolicy{tiers: sorted}, nil
}

// DefaultRewardPolicy returns the 10/15/20 policy.
func DefaultRewardPolicy() *RewardPolicy {
	p, err := NewRewardPolicy(DefaultTiers)
	if err != nil {
		panic(err)
	}
	return p
}

// Tiers returns a copy of the tier table in ascending order.
func (p *RewardPolicy) Tiers() []Tier {
	return append([]Tier(nil), p.tiers...)
}

// Tier looks up a tier by threshold.
func (p *RewardPolicy) Tier(threshold int) (Tier, bool) {
	for _, t := range p.tiers {
		if t.Threshold == threshold {
			return t, true
		}
	}
	return Tier{}, false
}

// MaxTier is the highest threshold tier.
func (p *RewardPolicy) MaxTier() Tier {
	return p.tiers[len(p.tiers)-1]
}

// EligibleTiers returns every tier with Threshold <= punches, ascending.
func (p *RewardPolicy) EligibleTiers(punches int) []Reward {
	rewards := []Reward{}
	for _, t := range p.tiers {
		if t.Threshold > punches {
			break
		}
		rewards = append(rewards, Reward{Tier: t, Ready: true})
	}
	return rewards
}

// NextReward returns the lowest tier above punches.
func (p *RewardPolicy) NextReward(punches int) NextReward {
	for _, t := range p.tiers {
		if t.Threshold > punches {
			tier := t
			return NextReward{Tier: &tier, PunchesNeeded: t.Threshold - punches}
		}
	}
	return NextReward{MaxReached: true}
}
