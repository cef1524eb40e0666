package notes

import (
	"sort"

	"github.com/opennotes-ai/communitynotes/internal/apperr"
	"github.com/opennotes-ai/communitynotes/internal/trust"
)

// DuplicateRatingPolicy decides what a second rating by the same rater does.
type DuplicateRatingPolicy string

const (
	DuplicateReject    DuplicateRatingPolicy = "reject"
	DuplicateOverwrite DuplicateRatingPolicy = "overwrite"
)

// FrozenRatingPolicy decides whether a note under review accepts ratings.
type FrozenRatingPolicy string

const (
	// FrozenRecord stores the rating and its counters but skips evaluation.
	FrozenRecord FrozenRatingPolicy = "record"
	// FrozenReject refuses the rating with an invalid transition.
	FrozenReject FrozenRatingPolicy = "reject"
)

// Policy holds the visibility decision parameters.
type Policy struct {
	MinRatings          int
	VisibilityThreshold float64
	DuplicateRatings    DuplicateRatingPolicy
	FrozenRatings       FrozenRatingPolicy
	Weights             map[trust.Level]float64
	Milestones          []int
}

// DefaultPolicy returns the stock decision parameters.
func DefaultPolicy() Policy {
	return Policy{
		MinRatings:          5,
		VisibilityThreshold: 0.6,
		DuplicateRatings:    DuplicateReject,
		FrozenRatings:       FrozenRecord,
		Weights: map[trust.Level]float64{
			trust.LevelNewcomer:    0.5,
			trust.LevelContributor: 1.0,
			trust.LevelTrusted:     1.5,
			trust.LevelModerator:   2.0,
			trust.LevelAdmin:       2.0,
		},
		Milestones: []int{10, 50, 100},
	}
}

// Validate rejects parameters that would make the decision ill-defined.
// Weights must not decrease as trust rises.
func (p Policy) Validate() error {
	if p.MinRatings < 1 {
		return apperr.Wrap(apperr.ErrInvalidInput, "min ratings must be at least 1")
	}
	if p.VisibilityThreshold < 0 || p.VisibilityThreshold > 1 {
		return apperr.Wrap(apperr.ErrInvalidInput, "visibility threshold must be within [0, 1]")
	}
	switch p.DuplicateRatings {
	case DuplicateReject, DuplicateOverwrite:
	default:
		return apperr.Wrap(apperr.ErrInvalidInput, "unknown duplicate rating policy %q", p.DuplicateRatings)
	}
	switch p.FrozenRatings {
	case FrozenRecord, FrozenReject:
	default:
		return apperr.Wrap(apperr.ErrInvalidInput, "unknown frozen rating policy %q", p.FrozenRatings)
	}
	previous := 0.0
	for _, level := range trust.Levels() {
		weight, ok := p.Weights[level]
		if !ok {
			return apperr.Wrap(apperr.ErrInvalidInput, "missing rating weight for %s", level)
		}
		if weight <= 0 || weight < previous {
			return apperr.Wrap(apperr.ErrInvalidInput, "rating weight for %s must be positive and not below lower tiers", level)
		}
		previous = weight
	}
	for _, milestone := range p.Milestones {
		if milestone <= 0 {
			return apperr.Wrap(apperr.ErrInvalidInput, "milestones must be positive")
		}
	}
	return nil
}

// Weight returns the rating weight of the level. Unknown levels weigh nothing.
func (p Policy) Weight(level trust.Level) float64 {
	return p.Weights[level]
}

// Decide returns the status a note with the given counters should hold.
func (p Policy) Decide(totalRatings int, visibilityScore float64) Status {
	switch {
	case totalRatings == 0:
		return StatusPending
	case totalRatings < p.MinRatings:
		return StatusNeedsMoreRatings
	case visibilityScore >= p.VisibilityThreshold:
		return StatusVisible
	default:
		return StatusHidden
	}
}

// reachedMilestone reports whether total equals a configured milestone.
func (p Policy) reachedMilestone(total int) bool {
	milestones := append([]int(nil), p.Milestones...)
	sort.Ints(milestones)
	index := sort.SearchInts(milestones, total)
	return index < len(milestones) && milestones[index] == total
}

func ratio(part, whole int) float64 {
	if whole <= 0 {
		return 0
	}
	return float64(part) / float64(whole)
}

func weightedRatio(part, whole float64) float64 {
	if whole <= 0 {
		return 0
	}
	value := part / whole
	if value > 1 {
		return 1
	}
	if value < 0 {
		return 0
	}
	return value
}
