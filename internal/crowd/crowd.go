// Package crowd maps raw counts and ratings to the labels shown to users.
// Everything here is pure.
package crowd

import (
	"math"

	"github.com/kalambet/scene/internal/activity"
)

// TrendingThreshold is the vibe count at which a venue is trending.
const TrendingThreshold = 3

// Level is the displayed crowd level for a vibe count.
type Level struct {
	Label            string `json:"label"`
	IntensityPercent int    `json:"intensity_percent"`
}

// LevelFor maps a count to its level. Negative counts are treated as zero.
func LevelFor(count int) Level {
	switch {
	case count <= 0:
		return Level{"Empty", 5}
	case count == 1:
		return Level{"Quiet", 20}
	case count == 2:
		return Level{"Warming Up", 40}
	case count <= 4:
		return Level{"Vibing", 60}
	case count <= 7:
		return Level{"Packed", 80}
	}
	return Level{"On Fire", 100}
}

// IsTrending reports whether count crosses the trending threshold.
func IsTrending(count int) bool {
	return count >= TrendingThreshold
}

// Counts holds feedback totals per rating bucket.
type Counts struct {
	Lit  int `json:"lit"`
	Good int `json:"good"`
	Mid  int `json:"mid"`
	Dead int `json:"dead"`
}

// Get returns the bucket total for r.
func (c Counts) Get(r activity.Rating) int {
	switch r {
	case activity.RatingLit:
		return c.Lit
	case activity.RatingGood:
		return c.Good
	case activity.RatingMid:
		return c.Mid
	case activity.RatingDead:
		return c.Dead
	}
	return 0
}

// FeedbackSummary aggregates a venue's recent ratings. Dominant is nil
// when there are no ratings.
type FeedbackSummary struct {
	Counts   Counts           `json:"counts"`
	Total    int              `json:"total"`
	Dominant *activity.Rating `json:"dominant,omitempty"`
	Average  float64          `json:"average"`
}

// Summarize buckets ratings. Values outside the enumeration are ignored.
// Ties for the dominant bucket go to lit, then good, mid, dead.
func Summarize(ratings []activity.Rating) FeedbackSummary {
	var s FeedbackSummary
	sum := 0
	for _, r := range ratings {
		switch r {
		case activity.RatingLit:
			s.Counts.Lit++
		case activity.RatingGood:
			s.Counts.Good++
		case activity.RatingMid:
			s.Counts.Mid++
		case activity.RatingDead:
			s.Counts.Dead++
		default:
			continue
		}
		s.Total++
		sum += int(r)
	}
	if s.Total == 0 {
		return s
	}

	best := activity.Ratings[0]
	for _, r := range activity.Ratings[1:] {
		if s.Counts.Get(r) > s.Counts.Get(best) {
			best = r
		}
	}
	s.Dominant = &best
	s.Average = Average(sum, s.Total)
	return s
}

// Average returns sum/total rounded to one decimal place, or 0 for no ratings.
func Average(sum, total int) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(float64(sum)*10/float64(total)) / 10
}
