package pitstore

import "time"

// Snapshot is the answer to a point-in-time question: the observation whose
// value held for (entity, feature) as of the requested time, plus the time
// the question was asked with.
type Snapshot struct {
	EntityID    string
	FeatureName string
	Value       float64
	ObservedAt  time.Time
	RecordedAt  time.Time
	Source      string
	AsOf        time.Time
}

// Resolve answers "what was this feature's value for this entity as of
// asOf". It returns the observation with the greatest ObservedAt at or
// before asOf; ties on ObservedAt fall to RecordedAt, then to insertion
// order. The second return is false when no observation qualifies, which is
// an ordinary outcome rather than an error. A zero asOf means now.
func (s *Store) Resolve(entityID, featureName string, asOf time.Time) (Snapshot, bool) {
	asOf = normalizeAsOf(asOf)
	obs, ok := s.log.resolve(ObservationKey{EntityID: entityID, FeatureName: featureName}, asOf)
	if !ok {
		return Snapshot{}, false
	}
	return snapshotOf(obs, asOf), true
}

func normalizeAsOf(asOf time.Time) time.Time {
	if asOf.IsZero() {
		return time.Now().UTC()
	}
	return asOf
}

func snapshotOf(obs Observation, asOf time.Time) Snapshot {
	return Snapshot{
		EntityID:    obs.EntityID,
		FeatureName: obs.FeatureName,
		Value:       obs.Value,
		ObservedAt:  obs.ObservedAt,
		RecordedAt:  obs.RecordedAt,
		Source:      obs.Source,
		AsOf:        asOf,
	}
}
