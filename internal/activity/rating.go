package activity

import (
	"fmt"
	"strconv"
	"strings"
)

// Rating is a coarse feedback score. Only the four enumerated values are
// valid; 2 is deliberately absent.
type Rating int

const (
	RatingDead Rating = 1
	RatingMid  Rating = 3
	RatingGood Rating = 4
	RatingLit  Rating = 5
)

// Ratings lists the buckets in tie-break order.
var Ratings = []Rating{RatingLit, RatingGood, RatingMid, RatingDead}

// Valid reports whether r is one of the enumerated ratings.
func (r Rating) Valid() bool {
	switch r {
	case RatingLit, RatingGood, RatingMid, RatingDead:
		return true
	}
	return false
}

// Label returns the bucket name ("lit", "good", "mid", "dead").
func (r Rating) Label() string {
	switch r {
	case RatingLit:
		return "lit"
	case RatingGood:
		return "good"
	case RatingMid:
		return "mid"
	case RatingDead:
		return "dead"
	}
	return strconv.Itoa(int(r))
}

func (r Rating) String() string { return r.Label() }

// ParseRating accepts a bucket label or its numeric value.
func ParseRating(s string) (Rating, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, r := range Ratings {
		if s == r.Label() || s == strconv.Itoa(int(r)) {
			return r, nil
		}
	}
	return 0, fmt.Errorf("%w: rating %q (want lit, good, mid or dead)", ErrInvalidPayload, s)
}
