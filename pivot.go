package pitstore

import (
	"fmt"
	"sort"
	"time"
)

// FillPolicy controls how absent cells are handled when assembling a
// training table.
type FillPolicy string

const (
	// FillAbsent leaves absent cells explicitly missing. This is the
	// default: a missing value stays distinguishable from zero.
	FillAbsent FillPolicy = "absent"

	// FillZero substitutes 0.0 for absent cells. Zero-fill silently biases
	// aggregate statistics toward zero, so it is opt-in.
	FillZero FillPolicy = "zero"

	// FillMedian substitutes the per-feature median of the values present
	// across the requested entities. The imputed value depends on the whole
	// batch: adding or removing entities changes what absent cells receive.
	FillMedian FillPolicy = "median"

	// FillFail makes table assembly return an error when any cell is
	// absent. The table is still returned with its misses listed.
	FillFail FillPolicy = "fail"
)

func (p FillPolicy) valid() bool {
	switch p {
	case FillAbsent, FillZero, FillMedian, FillFail:
		return true
	}
	return false
}

// Cell is one entry in a training table grid.
type Cell struct {
	// Value is meaningful only when Present or Filled is true.
	Value float64
	// Present reports that a qualifying observation existed.
	Present bool
	// Filled reports that the value was substituted by a fill policy.
	Filled bool
	// ObservedAt is the business time of the resolved observation, zero for
	// absent or filled cells.
	ObservedAt time.Time
}

// Missing reports whether the cell carries no usable value.
func (c Cell) Missing() bool {
	return !c.Present && !c.Filled
}

// CellMiss identifies a cell left absent after fill policy was applied.
type CellMiss struct {
	EntityID    string
	FeatureName string
}

// TrainingTable is a wide-format result: one row per requested entity, one
// column per feature, always exactly len(EntityIDs) x len(Features) cells.
type TrainingTable struct {
	// EntityIDs in the order they were requested.
	EntityIDs []string
	// Features in column order.
	Features []string
	// Cells indexed as Cells[row][col] matching EntityIDs and Features.
	Cells [][]Cell
	// AsOf is the resolution timestamp every cell was computed against.
	AsOf time.Time
	// Medians holds the per-feature medians used for substitution. Set only
	// under FillMedian, and only for features with at least one present
	// value.
	Medians map[string]float64
	// Misses lists cells still absent after the fill policy was applied.
	Misses []CellMiss
}

// Row returns the cells for one entity.
func (t *TrainingTable) Row(entityID string) ([]Cell, bool) {
	for i, id := range t.EntityIDs {
		if id == entityID {
			return t.Cells[i], true
		}
	}
	return nil, false
}

// Value returns the cell value for (entityID, featureName). The second
// return is false for unknown coordinates and for missing cells.
func (t *TrainingTable) Value(entityID, featureName string) (float64, bool) {
	row, ok := t.Row(entityID)
	if !ok {
		return 0, false
	}
	for j, name := range t.Features {
		if name == featureName {
			if row[j].Missing() {
				return 0, false
			}
			return row[j].Value, true
		}
	}
	return 0, false
}

// TrainingTableRequest describes a table assembly.
type TrainingTableRequest struct {
	// EntityIDs selects and orders the rows. Required.
	EntityIDs []string
	// FeatureNames selects and orders the columns. Empty means the sorted
	// union of features observed for the requested entities.
	FeatureNames []string
	// AsOf is the resolution timestamp. Zero means now.
	AsOf time.Time
	// FillPolicy handles absent cells. Empty means the configured default.
	FillPolicy FillPolicy
	// FailFast aborts assembly at the first absent cell under FillFail
	// instead of collecting every miss.
	FailFast bool
}

// TrainingTable assembles a wide-format table by resolving every requested
// (entity, feature) pair at the request's as-of time. Under FillFail the
// table is returned together with an error that wraps ErrNoQualifyingValue;
// under every other policy absence is not an error.
func (s *Store) TrainingTable(req TrainingTableRequest) (*TrainingTable, error) {
	policy := req.FillPolicy
	if policy == "" {
		policy = s.config.Pivot.DefaultFillPolicy
	}
	if !policy.valid() {
		return nil, fmt.Errorf("%w: unknown fill policy %q", ErrInvalidConfig, policy)
	}

	asOf := normalizeAsOf(req.AsOf)
	features := req.FeatureNames
	if len(features) == 0 {
		features = s.featureUnion(req.EntityIDs)
	}

	table := &TrainingTable{
		EntityIDs: append([]string(nil), req.EntityIDs...),
		Features:  append([]string(nil), features...),
		Cells:     make([][]Cell, len(req.EntityIDs)),
		AsOf:      asOf,
	}

	// First pass: resolve every cell.
	for i, entityID := range table.EntityIDs {
		row := make([]Cell, len(table.Features))
		for j, feature := range table.Features {
			obs, ok := s.log.resolve(ObservationKey{EntityID: entityID, FeatureName: feature}, asOf)
			if ok {
				row[j] = Cell{Value: obs.Value, Present: true, ObservedAt: obs.ObservedAt}
				continue
			}
			if policy == FillFail && req.FailFast {
				table.Cells[i] = row
				table.Misses = []CellMiss{{EntityID: entityID, FeatureName: feature}}
				return table, missingCellError(table.Misses)
			}
		}
		table.Cells[i] = row
	}

	// Second pass: apply the fill policy.
	switch policy {
	case FillZero:
		for i := range table.Cells {
			for j := range table.Cells[i] {
				if table.Cells[i][j].Missing() {
					table.Cells[i][j] = Cell{Value: 0, Filled: true}
				}
			}
		}
	case FillMedian:
		table.Medians = columnMedians(table)
		for i := range table.Cells {
			for j := range table.Cells[i] {
				if !table.Cells[i][j].Missing() {
					continue
				}
				median, ok := table.Medians[table.Features[j]]
				if !ok {
					// No entity had a value for this feature, nothing to
					// impute from. The cell stays missing.
					continue
				}
				table.Cells[i][j] = Cell{Value: median, Filled: true}
			}
		}
	}

	for i := range table.Cells {
		for j := range table.Cells[i] {
			if table.Cells[i][j].Missing() {
				table.Misses = append(table.Misses, CellMiss{
					EntityID:    table.EntityIDs[i],
					FeatureName: table.Features[j],
				})
			}
		}
	}

	if policy == FillFail && len(table.Misses) > 0 {
		return table, missingCellError(table.Misses)
	}
	return table, nil
}

// Latest assembles a training table as of now. Empty featureNames means
// every feature observed for the requested entities.
func (s *Store) Latest(entityIDs, featureNames []string) (*TrainingTable, error) {
	return s.TrainingTable(TrainingTableRequest{
		EntityIDs:    entityIDs,
		FeatureNames: featureNames,
	})
}

// AsOfTime assembles a training table at an explicit historical timestamp.
// It is Latest with the clock pinned, sharing one resolution algorithm.
func (s *Store) AsOfTime(entityIDs, featureNames []string, asOf time.Time) (*TrainingTable, error) {
	return s.TrainingTable(TrainingTableRequest{
		EntityIDs:    entityIDs,
		FeatureNames: featureNames,
		AsOf:         asOf,
	})
}

// featureUnion returns the sorted union of feature names observed for the
// given entities.
func (s *Store) featureUnion(entityIDs []string) []string {
	seen := make(map[string]struct{})
	for _, entityID := range entityIDs {
		for _, name := range s.log.featuresOf(entityID) {
			seen[name] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// columnMedians computes the median of present values per feature column.
// Even-sized columns take the mean of the two middle values.
func columnMedians(table *TrainingTable) map[string]float64 {
	medians := make(map[string]float64)
	for j, feature := range table.Features {
		var values []float64
		for i := range table.Cells {
			if table.Cells[i][j].Present {
				values = append(values, table.Cells[i][j].Value)
			}
		}
		if len(values) == 0 {
			continue
		}
		sort.Float64s(values)
		mid := len(values) / 2
		if len(values)%2 == 1 {
			medians[feature] = values[mid]
		} else {
			medians[feature] = (values[mid-1] + values[mid]) / 2
		}
	}
	return medians
}

func missingCellError(misses []CellMiss) error {
	first := misses[0]
	if len(misses) == 1 {
		return fmt.Errorf("%w: %s/%s", ErrNoQualifyingValue, first.EntityID, first.FeatureName)
	}
	return fmt.Errorf("%w: %s/%s and %d more", ErrNoQualifyingValue, first.EntityID, first.FeatureName, len(misses)-1)
}
