package pitstore

import (
	"errors"
	"testing"
	"time"
)

func TestObservationValidate(t *testing.T) {
	observed := time.Date(2025, 10, 10, 14, 30, 0, 0, time.UTC)

	valid := Observation{EntityID: "cust01", FeatureName: "tx_amount", Value: 120.50, ObservedAt: observed}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid observation rejected: %v", err)
	}

	cases := []struct {
		name  string
		obs   Observation
		field string
	}{
		{"empty entity", Observation{FeatureName: "tx_amount", ObservedAt: observed}, "entity_id"},
		{"empty feature", Observation{EntityID: "cust01", ObservedAt: observed}, "feature_name"},
		{"zero observed_at", Observation{EntityID: "cust01", FeatureName: "tx_amount"}, "observed_at"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.obs.Validate()
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !errors.Is(err, ErrInvalidObservation) {
				t.Errorf("expected ErrInvalidObservation, got %v", err)
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected *ValidationError, got %T", err)
			}
			if verr.Field != tc.field {
				t.Errorf("expected field %q, got %q", tc.field, verr.Field)
			}
		})
	}
}

func TestObservationKey(t *testing.T) {
	obs := Observation{EntityID: "cust01", FeatureName: "tx_amount"}
	key := obs.Key()
	if key.EntityID != "cust01" || key.FeatureName != "tx_amount" {
		t.Errorf("unexpected key: %+v", key)
	}
	if key.String() != "cust01/tx_amount" {
		t.Errorf("expected cust01/tx_amount, got %s", key.String())
	}
}

func TestLogEntryOrdering(t *testing.T) {
	t0 := time.Date(2025, 10, 10, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)

	// ObservedAt dominates.
	a := logEntry{obs: Observation{ObservedAt: t0, RecordedAt: t1}, seq: 5}
	b := logEntry{obs: Observation{ObservedAt: t1, RecordedAt: t0}, seq: 0}
	if !a.before(b) || b.before(a) {
		t.Error("earlier ObservedAt must order first regardless of RecordedAt and seq")
	}

	// Equal ObservedAt: RecordedAt breaks the tie.
	c := logEntry{obs: Observation{ObservedAt: t0, RecordedAt: t0}, seq: 9}
	d := logEntry{obs: Observation{ObservedAt: t0, RecordedAt: t1}, seq: 0}
	if !c.before(d) || d.before(c) {
		t.Error("earlier RecordedAt must order first when ObservedAt is equal")
	}

	// Equal timestamps: insertion sequence decides.
	e := logEntry{obs: Observation{ObservedAt: t0, RecordedAt: t0}, seq: 1}
	f := logEntry{obs: Observation{ObservedAt: t0, RecordedAt: t0}, seq: 2}
	if !e.before(f) || f.before(e) {
		t.Error("lower seq must order first when both timestamps are equal")
	}

	// An entry never orders before itself.
	if e.before(e) {
		t.Error("entry orders before itself")
	}
}

func TestSortEntries(t *testing.T) {
	t0 := time.Date(2025, 10, 10, 0, 0, 0, 0, time.UTC)
	entries := []logEntry{
		{obs: Observation{ObservedAt: t0.Add(2 * time.Hour)}, seq: 0},
		{obs: Observation{ObservedAt: t0}, seq: 2},
		{obs: Observation{ObservedAt: t0.Add(time.Hour)}, seq: 1},
	}
	sortEntries(entries)

	for i := 1; i < len(entries); i++ {
		if entries[i].obs.ObservedAt.Before(entries[i-1].obs.ObservedAt) {
			t.Fatalf("entries not sorted at %d: %v after %v", i, entries[i].obs.ObservedAt, entries[i-1].obs.ObservedAt)
		}
	}
}
