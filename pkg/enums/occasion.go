package enums

import "strings"

// OccasionCategory is the event category slug that decides an event's photo slots.
type OccasionCategory string

const (
	OccasionWedding     OccasionCategory = "wedding"
	OccasionAnniversary OccasionCategory = "anniversary"
	OccasionEngagement  OccasionCategory = "engagement"
)

// NormalizeOccasion lowercases and trims a category slug.
func NormalizeOccasion(value string) OccasionCategory {
	return OccasionCategory(strings.ToLower(strings.TrimSpace(value)))
}

func (o OccasionCategory) String() string {
	return string(o)
}
