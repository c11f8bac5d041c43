package domain

import "time"

// Tier is a station's priority bucket, derived from its richness rank.
type Tier string

const (
	TierCritical Tier = "critical"
	TierHigh     Tier = "high"
	TierMedium   Tier = "medium"
	TierLow      Tier = "low"
	TierMinimal  Tier = "minimal"
)

// TierForRank maps a 1-based richness rank to a priority tier.
func TierForRank(rank int) Tier {
	switch {
	case rank <= 10:
		return TierCritical
	case rank <= 30:
		return TierHigh
	case rank <= 60:
		return TierMedium
	case rank <= 100:
		return TierLow
	default:
		return TierMinimal
	}
}

// Station is a monitoring station known to the registry. ExternalID is the
// stable identifier assigned by the upstream data provider.
type Station struct {
	ExternalID   string
	Name         string
	Locality     string
	Country      string
	Lat          float64
	Lon          float64
	Parameters   []string
	SensorsCount int

	RichnessScore float64
	Tier          Tier
	Rank          int
	Active        bool

	// Running counters, owned by the ingestion engine. Registry syncs must
	// never overwrite these.
	TotalReadings int64
	LastReadingAt *time.Time
}
