package pitstore

import (
	"context"
	"fmt"
	"time"
)

// AggFunc enumerates rolling aggregation functions.
type AggFunc int

const (
	AggNone AggFunc = iota
	AggMean
	AggCount
	AggSum
	// AggCountAbove counts values at or above RollingFeature.Threshold.
	AggCountAbove
)

// RollingFeature describes one derived feature computed over a trailing
// window of raw observations. A refresh at time t reads the source
// feature's observations with ObservedAt in [t-Window, t] and emits the
// aggregate as a new observation at t.
type RollingFeature struct {
	// Name is the derived feature's name, e.g. "avg_tx_amount_30d".
	Name string
	// SourceFeature is the raw feature the window reads, e.g. "tx_amount".
	SourceFeature string
	// Window is the trailing duration. Must be positive.
	Window time.Duration
	// Function selects the aggregate.
	Function AggFunc
	// Threshold applies to AggCountAbove only.
	Threshold float64
}

func (f RollingFeature) validate() error {
	if f.Name == "" {
		return fmt.Errorf("%w: rolling feature name is required", ErrInvalidConfig)
	}
	if f.SourceFeature == "" {
		return fmt.Errorf("%w: rolling feature %q needs a source feature", ErrInvalidConfig, f.Name)
	}
	if f.Window <= 0 {
		return fmt.Errorf("%w: rolling feature %q needs a positive window", ErrInvalidConfig, f.Name)
	}
	switch f.Function {
	case AggMean, AggCount, AggSum, AggCountAbove:
		return nil
	default:
		return fmt.Errorf("%w: rolling feature %q has no aggregation function", ErrInvalidConfig, f.Name)
	}
}

// compute folds one entity's windowed values. Callers skip empty windows,
// so values is never empty here.
func (f RollingFeature) compute(values []float64) float64 {
	switch f.Function {
	case AggMean:
		sum := 0.0
		for _, v := range values {
			sum += v
		}
		return sum / float64(len(values))
	case AggCount:
		return float64(len(values))
	case AggSum:
		sum := 0.0
		for _, v := range values {
			sum += v
		}
		return sum
	case AggCountAbove:
		n := 0
		for _, v := range values {
			if v >= f.Threshold {
				n++
			}
		}
		return float64(n)
	}
	return 0
}

// AggregatorConfig configures an Aggregator.
type AggregatorConfig struct {
	// Source tags emitted observations. Defaults to "rolling_agg".
	Source string
	// Features are the derived features to compute on each refresh.
	Features []RollingFeature
}

// Aggregator computes rolling features from raw observations and appends
// the results back to the store as derived observations. It is a producer
// beside the store: queries never aggregate on the fly, they only see what
// a refresh has already written.
type Aggregator struct {
	store    *Store
	source   string
	features []RollingFeature
}

// NewAggregator validates the feature definitions and returns an
// aggregator bound to the store.
func NewAggregator(store *Store, cfg AggregatorConfig) (*Aggregator, error) {
	if len(cfg.Features) == 0 {
		return nil, fmt.Errorf("%w: at least one rolling feature is required", ErrInvalidConfig)
	}
	for _, f := range cfg.Features {
		if err := f.validate(); err != nil {
			return nil, err
		}
	}
	source := cfg.Source
	if source == "" {
		source = "rolling_agg"
	}
	return &Aggregator{
		store:    store,
		source:   source,
		features: cfg.Features,
	}, nil
}

// Refresh recomputes every rolling feature for every entity that has
// source observations in the window ending at asOf (zero asOf means now)
// and ingests the results as one batch. Entities with an empty window emit
// nothing: a missing aggregate stays missing rather than becoming zero.
func (a *Aggregator) Refresh(ctx context.Context, asOf time.Time) (AppendResults, error) {
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}

	var derived []Observation
	for _, entityID := range a.store.EntityIDs() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		for _, f := range a.features {
			lo := asOf.Add(-f.Window)
			var values []float64
			for _, obs := range a.store.ObservationsFor(entityID, f.SourceFeature) {
				if obs.ObservedAt.Before(lo) || obs.ObservedAt.After(asOf) {
					continue
				}
				values = append(values, obs.Value)
			}
			if len(values) == 0 {
				continue
			}
			derived = append(derived, Observation{
				EntityID:    entityID,
				FeatureName: f.Name,
				Value:       f.compute(values),
				ObservedAt:  asOf,
				Source:      a.source,
			})
		}
	}

	return a.store.IngestBatch(ctx, derived), nil
}
