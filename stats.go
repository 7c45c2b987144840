package pitstore

import (
	"math"
	"time"
)

// StoreStats summarizes the observation log.
type StoreStats struct {
	// ObservationCount is the total number of appended observations.
	ObservationCount int
	// EntityCount is the number of distinct entity ids.
	EntityCount int
	// FeatureCount is the number of distinct feature names.
	FeatureCount int
	// KeyCount is the number of distinct (entity, feature) pairs.
	KeyCount int
}

// Stats returns store-wide counts. Computed on demand from the log; nothing
// is cached.
func (s *Store) Stats() StoreStats {
	return StoreStats{
		ObservationCount: s.log.count(),
		EntityCount:      len(s.log.entityIDs()),
		FeatureCount:     len(s.log.featureNames()),
		KeyCount:         s.log.keyCount(),
	}
}

// FeatureStatistics describes the value distribution of one feature across
// all of its observations.
type FeatureStatistics struct {
	FeatureName string
	// Count is the number of observations, NaN values included.
	Count int
	// EntityCount is the number of distinct entities with at least one
	// observation of this feature.
	EntityCount int
	// Mean, Min, Max and StdDev are computed over non-NaN values only.
	Mean   float64
	Min    float64
	Max    float64
	StdDev float64
	// NaNCount is the number of NaN values excluded from the moments.
	NaNCount int
	// FirstObservedAt and LastObservedAt bound the feature's business-time
	// range.
	FirstObservedAt time.Time
	LastObservedAt  time.Time
}

// FeatureStats computes descriptive statistics for one feature over every
// observation in the log. The second return is false when the feature has
// never been observed.
func (s *Store) FeatureStats(featureName string) (FeatureStatistics, bool) {
	observations := s.log.observationsOfFeature(featureName)
	if len(observations) == 0 {
		return FeatureStatistics{}, false
	}

	stats := FeatureStatistics{
		FeatureName:     featureName,
		Count:           len(observations),
		FirstObservedAt: observations[0].ObservedAt,
		LastObservedAt:  observations[0].ObservedAt,
	}

	entities := make(map[string]struct{})
	var sum, sumSq float64
	effective := 0
	for _, obs := range observations {
		entities[obs.EntityID] = struct{}{}
		if obs.ObservedAt.Before(stats.FirstObservedAt) {
			stats.FirstObservedAt = obs.ObservedAt
		}
		if obs.ObservedAt.After(stats.LastObservedAt) {
			stats.LastObservedAt = obs.ObservedAt
		}
		if math.IsNaN(obs.Value) {
			stats.NaNCount++
			continue
		}
		if effective == 0 || obs.Value < stats.Min {
			stats.Min = obs.Value
		}
		if effective == 0 || obs.Value > stats.Max {
			stats.Max = obs.Value
		}
		sum += obs.Value
		sumSq += obs.Value * obs.Value
		effective++
	}
	stats.EntityCount = len(entities)

	if effective > 0 {
		stats.Mean = sum / float64(effective)
		variance := sumSq/float64(effective) - stats.Mean*stats.Mean
		if variance > 0 {
			stats.StdDev = math.Sqrt(variance)
		}
	}
	return stats, true
}
