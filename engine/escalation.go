/*
escalation.go - Escalation Evaluator

PURPOSE:
  Maps a point total to an escalation tier and lists the remedial actions
  each tier requires. The evaluator is a pure function of the configured
  policy: thresholds are policy data (config / factory JSON), never literals
  at call sites.

EVALUATION:
  The tier for a total is the highest configured level whose MinPoints is
  <= total. Levels must be strictly ascending in both rank and MinPoints,
  which makes TierFor monotonic non-decreasing in the total.

  Default policy:
    TIER_1  >= 6 points   TRAINING
    TIER_2  >= 10 points  TRAINING, MANAGER_NOTICE
    TIER_3  >= 15 points  TRAINING, FORMAL_WARNING, DISCIPLINARY_REVIEW

HISTORY:
  Callers create an Escalation only on a tier increase (see ledger.go).
  Decreases never alter existing escalation records.

SEE ALSO:
  - factory/policy.go: Builds an EscalationPolicy from JSON
  - config/config.go: Thresholds from YAML
*/
package engine

import "fmt"

// Default thresholds. Exported so config defaults and tests share them.
const (
	DefaultTier1MinPoints = 6
	DefaultTier2MinPoints = 10
	DefaultTier3MinPoints = 15
)

// TierLevel is one rung of the escalation ladder.
type TierLevel struct {
	Tier      Tier
	MinPoints int
	Actions   []RemedialAction
}

// EscalationPolicy is the ordered ladder of tiers above NONE.
type EscalationPolicy struct {
	Levels []TierLevel
}

// DefaultEscalationPolicy returns the built-in ladder.
func DefaultEscalationPolicy() EscalationPolicy {
	return EscalationPolicy{Levels: []TierLevel{
		{Tier: Tier1, MinPoints: DefaultTier1MinPoints, Actions: []RemedialAction{ActionTraining}},
		{Tier: Tier2, MinPoints: DefaultTier2MinPoints, Actions: []RemedialAction{ActionTraining, ActionManagerNotice}},
		{Tier: Tier3, MinPoints: DefaultTier3MinPoints, Actions: []RemedialAction{ActionTraining, ActionFormalWarning, ActionDisciplinaryReview}},
	}}
}

// Validate checks that levels are ascending and well formed.
func (p EscalationPolicy) Validate() error {
	prevRank, prevMin := TierNone.Rank(), 0
	for i, l := range p.Levels {
		if l.Tier.Rank() <= prevRank {
			return fmt.Errorf("escalation level %d: tier %s out of order", i, l.Tier)
		}
		if l.MinPoints <= prevMin {
			return fmt.Errorf("escalation level %d: min points %d must exceed %d", i, l.MinPoints, prevMin)
		}
		if len(l.Actions) == 0 {
			return fmt.Errorf("escalation level %d: tier %s has no remedial actions", i, l.Tier)
		}
		prevRank, prevMin = l.Tier.Rank(), l.MinPoints
	}
	return nil
}

// TierFor returns the tier reached by total.
func (p EscalationPolicy) TierFor(total int) Tier {
	tier := TierNone
	for _, l := range p.Levels {
		if total >= l.MinPoints {
			tier = l.Tier
		}
	}
	return tier
}

// ActionsFor returns a copy of the remedial actions required at tier.
func (p EscalationPolicy) ActionsFor(tier Tier) []RemedialAction {
	for _, l := range p.Levels {
		if l.Tier == tier {
			return append([]RemedialAction(nil), l.Actions...)
		}
	}
	return nil
}

// IsIncrease reports whether moving from old to new raises the tier.
func IsIncrease(old, new Tier) bool {
	return new.Rank() > old.Rank()
}
