package matcher

import (
	"sort"

	"github.com/example/ride-dispatch/internal/models"
)

type Weights struct {
	Rating     float64
	Distance   float64
	Experience float64
	ETA        float64
}

var DefaultWeights = Weights{Rating: 0.40, Distance: 0.35, Experience: 0.15, ETA: 0.10}

// Score ranks candidates by a weighted sum of factors normalized against this
// candidate set, so scores only compare within one dispatch attempt.
//
//	rating     = rating / 5
//	distance   = (maxDist - dist) / maxDist
//	experience = trips / maxTrips
//	eta        = (maxETA - eta) / maxETA
//
// A set-relative factor whose values are all equal, or whose maximum is zero,
// is 1 for everyone. If preferredID is in the set its score gets bonus added
// on top of its unchanged factors. Order is score desc, distance asc, id asc.
// The input slice is not modified.
func Score(cands []models.MatchCandidate, w Weights, preferredID string, bonus float64) []models.MatchCandidate {
	out := append([]models.MatchCandidate(nil), cands...)
	if len(out) == 0 {
		return out
	}

	dist := spread(out, func(c models.MatchCandidate) float64 { return c.DistanceKm })
	trips := spread(out, func(c models.MatchCandidate) float64 { return float64(c.Profile.TotalTrips) })
	etas := spread(out, func(c models.MatchCandidate) float64 { return c.ETAMinutes })

	for i := range out {
		c := &out[i]
		c.Factors = models.ScoreFactors{
			Rating:     c.Profile.Rating / 5.0,
			Distance:   dist.inverse(c.DistanceKm),
			Experience: trips.ratio(float64(c.Profile.TotalTrips)),
			ETA:        etas.inverse(c.ETAMinutes),
		}
		c.Score = w.Rating*c.Factors.Rating +
			w.Distance*c.Factors.Distance +
			w.Experience*c.Factors.Experience +
			w.ETA*c.Factors.ETA
		if preferredID != "" && c.Profile.ID == preferredID {
			c.Factors.PreferredBonus = bonus
			c.Score += bonus
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].Profile.ID < out[j].Profile.ID
	})
	return out
}

type span struct{ min, max float64 }

func spread(cands []models.MatchCandidate, f func(models.MatchCandidate) float64) span {
	s := span{min: f(cands[0]), max: f(cands[0])}
	for _, c := range cands[1:] {
		v := f(c)
		if v < s.min {
			s.min = v
		}
		if v > s.max {
			s.max = v
		}
	}
	return s
}

func (s span) degenerate() bool { return s.max == s.min || s.max <= 0 }

// inverse is 1 at zero and 0 at the set maximum.
func (s span) inverse(v float64) float64 {
	if s.degenerate() {
		return 1
	}
	return (s.max - v) / s.max
}

func (s span) ratio(v float64) float64 {
	if s.degenerate() {
		return 1
	}
	return v / s.max
}
