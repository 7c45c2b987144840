package pitstore

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/golang/snappy"
)

func TestCodecRoundTrip(t *testing.T) {
	recorded := time.Date(2025, 10, 1, 12, 30, 0, 987654321, time.UTC)
	batch := []Observation{
		{EntityID: "cust01", FeatureName: "tx_amount", Value: 75.00,
			ObservedAt: time.Date(2025, 9, 11, 0, 0, 0, 123456789, time.UTC),
			RecordedAt: recorded, Source: "payments"},
		{EntityID: "cust01", FeatureName: "tx_amount", Value: -120.50,
			ObservedAt: time.Date(2025, 10, 10, 0, 0, 0, 0, time.UTC),
			RecordedAt: recorded, Source: "payments"},
		{EntityID: "cust02", FeatureName: "tx_count", Value: 0,
			ObservedAt: time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC),
			RecordedAt: recorded, Source: ""},
		{EntityID: "cust02", FeatureName: "risk_score", Value: math.NaN(),
			ObservedAt: time.Date(2025, 10, 2, 0, 0, 0, 0, time.UTC),
			RecordedAt: recorded, Source: "scoring"},
	}

	data, err := encodeObservations(batch)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decodeObservations(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != len(batch) {
		t.Fatalf("expected %d observations, got %d", len(batch), len(got))
	}

	for i, want := range batch {
		if got[i].EntityID != want.EntityID || got[i].FeatureName != want.FeatureName {
			t.Errorf("observation %d: key %s/%s, want %s/%s",
				i, got[i].EntityID, got[i].FeatureName, want.EntityID, want.FeatureName)
		}
		if got[i].Source != want.Source {
			t.Errorf("observation %d: source %q, want %q", i, got[i].Source, want.Source)
		}
		if !got[i].ObservedAt.Equal(want.ObservedAt) {
			t.Errorf("observation %d: observed_at %v, want %v", i, got[i].ObservedAt, want.ObservedAt)
		}
		if !got[i].RecordedAt.Equal(want.RecordedAt) {
			t.Errorf("observation %d: recorded_at %v, want %v", i, got[i].RecordedAt, want.RecordedAt)
		}
	}

	if got[1].Value != -120.50 {
		t.Errorf("expected -120.50, got %v", got[1].Value)
	}
	// NaN survives through the bit-level encoding.
	if !math.IsNaN(got[3].Value) {
		t.Errorf("expected NaN, got %v", got[3].Value)
	}
}

func TestCodecEmptyBatch(t *testing.T) {
	data, err := encodeObservations(nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decodeObservations(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty batch, got %d observations", len(got))
	}
}

func TestCodecCorruption(t *testing.T) {
	t.Run("invalid compression", func(t *testing.T) {
		_, err := decodeObservations([]byte{0xff, 0xff, 0xff, 0xff, 0xff})
		if !errors.Is(err, ErrCorruptedData) {
			t.Errorf("expected ErrCorruptedData, got %v", err)
		}
	})

	t.Run("truncated payload", func(t *testing.T) {
		// A valid compression envelope around a batch header with no body.
		data := snappy.Encode(nil, []byte{0x05, 0x00, 0x00, 0x00})
		_, err := decodeObservations(data)
		if !errors.Is(err, ErrCorruptedData) {
			t.Errorf("expected ErrCorruptedData, got %v", err)
		}
	})
}
