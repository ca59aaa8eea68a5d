package classification

import (
	"errors"
	"math"
)

// ErrNoValidResults is returned when no member produced a usable vote.
var ErrNoValidResults = errors.New("no valid model results")

// Aggregate combines member results by confidence-weighted majority vote.
//
// FAKE votes +1 and REAL votes -1, each scaled by the member's confidence.
// UNKNOWN results do not vote but are kept in MemberResults. A final score of
// exactly zero resolves to REAL.
func Aggregate(results []Result) (Decision, error) {
	members := make([]Result, len(results))
	copy(members, results)

	var (
		weightedSum float64
		totalWeight float64
		counts      VoteCounts
	)
	for _, r := range members {
		if !r.Label.Definite() {
			continue
		}
		weight := r.Confidence
		if !r.ConfidenceReported {
			weight = DefaultWeight
		}
		vote := -1.0
		if r.Label == LabelFake {
			vote = 1.0
			counts.Fake++
		}
		counts.Total++
		weightedSum += vote * weight
		totalWeight += weight
	}

	if totalWeight == 0 {
		return Decision{MemberResults: members, VoteCounts: counts}, ErrNoValidResults
	}

	score := weightedSum / totalWeight
	label := LabelReal
	if score > 0 {
		label = LabelFake
	}

	return Decision{
		Label:         label,
		Confidence:    Clamp(math.Abs(score)),
		MemberResults: members,
		VoteCounts:    counts,
	}, nil
}
