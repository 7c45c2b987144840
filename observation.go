package pitstore

import (
	"sort"
	"time"
)

// Observation is a single immutable fact: a feature's value for an entity,
// asserted to hold as of a business timestamp.
type Observation struct {
	// EntityID identifies the subject the feature describes (e.g., "cust01").
	EntityID string
	// FeatureName is the flat feature identifier (e.g., "avg_tx_amount_30d").
	FeatureName string
	// Value is the numeric feature value.
	Value float64
	// ObservedAt is the business time the value is asserted to hold.
	// It is required and drives all point-in-time resolution.
	ObservedAt time.Time
	// RecordedAt is the ingestion time. It breaks ties between observations
	// with equal ObservedAt and never participates in business logic.
	// The store assigns it at append when left zero.
	RecordedAt time.Time
	// Source is a free-form provenance tag (e.g., "batch_agg_job").
	Source string
}

// Validate checks the append contract: non-empty identifiers and a set
// business timestamp. Any non-empty string is a valid identifier; there is
// no registry requirement unless one is configured.
func (o Observation) Validate() error {
	if o.EntityID == "" {
		return newValidationError("entity_id", "entity id must not be empty", nil)
	}
	if o.FeatureName == "" {
		return newValidationError("feature_name", "feature name must not be empty", nil)
	}
	if o.ObservedAt.IsZero() {
		return newValidationError("observed_at", "observed_at timestamp is required", nil)
	}
	return nil
}

// Key returns the log key this observation belongs to.
func (o Observation) Key() ObservationKey {
	return ObservationKey{EntityID: o.EntityID, FeatureName: o.FeatureName}
}

// ObservationKey identifies one sequence in the feature log.
type ObservationKey struct {
	EntityID    string
	FeatureName string
}

// String returns a canonical "entity/feature" representation, used for
// map keys and error messages.
func (k ObservationKey) String() string {
	return k.EntityID + "/" + k.FeatureName
}

// logEntry pairs an observation with its per-key insertion sequence number.
// The sequence is the last-resort tie-break after ObservedAt and RecordedAt,
// which keeps resolution deterministic even for byte-identical appends.
type logEntry struct {
	obs Observation
	seq uint64
}

// before reports whether e orders strictly before other under the
// (ObservedAt, RecordedAt, seq) ordering.
func (e logEntry) before(other logEntry) bool {
	if !e.obs.ObservedAt.Equal(other.obs.ObservedAt) {
		return e.obs.ObservedAt.Before(other.obs.ObservedAt)
	}
	if !e.obs.RecordedAt.Equal(other.obs.RecordedAt) {
		return e.obs.RecordedAt.Before(other.obs.RecordedAt)
	}
	return e.seq < other.seq
}

// sortEntries orders entries ascending by (ObservedAt, RecordedAt, seq).
func sortEntries(entries []logEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].before(entries[j])
	})
}
