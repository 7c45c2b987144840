package pitstore

import (
	"bytes"
	"encoding/binary"
	"math"
	"time"

	"github.com/golang/snappy"

	"github.com/pitstore-db/pitstore/internal/encoding"
)

// Binary batch format, shared by the WAL and backup archives:
//
//	uint32  observation count
//	dict    shared string table (entity ids, feature names, sources)
//	records entityRef, featureRef, value bits, observedAt, recordedAt,
//	        sourceRef
//
// The whole payload is snappy block compressed. Identifiers repeat heavily
// across a batch, so dictionary references shrink the payload before
// compression even sees it.

// encodeObservations serializes a batch.
func encodeObservations(observations []Observation) ([]byte, error) {
	dict := encoding.NewStringDictionary()
	for _, obs := range observations {
		dict.Add(obs.EntityID)
		dict.Add(obs.FeatureName)
		dict.Add(obs.Source)
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(observations))); err != nil {
		return nil, err
	}
	if err := dict.WriteTo(&buf); err != nil {
		return nil, err
	}
	for _, obs := range observations {
		if err := dict.WriteStringRef(&buf, obs.EntityID); err != nil {
			return nil, err
		}
		if err := dict.WriteStringRef(&buf, obs.FeatureName); err != nil {
			return nil, err
		}
		if err := binary.Write(&buf, binary.LittleEndian, math.Float64bits(obs.Value)); err != nil {
			return nil, err
		}
		if err := binary.Write(&buf, binary.LittleEndian, obs.ObservedAt.UnixNano()); err != nil {
			return nil, err
		}
		if err := binary.Write(&buf, binary.LittleEndian, obs.RecordedAt.UnixNano()); err != nil {
			return nil, err
		}
		if err := dict.WriteStringRef(&buf, obs.Source); err != nil {
			return nil, err
		}
	}

	return snappy.Encode(nil, buf.Bytes()), nil
}

// decodeObservations deserializes a batch. Undecodable input is reported as
// corruption.
func decodeObservations(data []byte) ([]Observation, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, newBackendError(BackendCorruption, "decode", "snappy decompression failed", err)
	}

	reader := bytes.NewReader(raw)
	var count uint32
	if err := binary.Read(reader, binary.LittleEndian, &count); err != nil {
		return nil, newBackendError(BackendCorruption, "decode", "truncated batch header", err)
	}
	dict, err := encoding.ReadStringDictionary(reader)
	if err != nil {
		return nil, newBackendError(BackendCorruption, "decode", "corrupt string table", err)
	}

	observations := make([]Observation, 0, count)
	for i := uint32(0); i < count; i++ {
		var obs Observation
		if obs.EntityID, err = dict.ReadStringRef(reader); err != nil {
			return nil, newBackendError(BackendCorruption, "decode", "corrupt entity reference", err)
		}
		if obs.FeatureName, err = dict.ReadStringRef(reader); err != nil {
			return nil, newBackendError(BackendCorruption, "decode", "corrupt feature reference", err)
		}
		var bits uint64
		if err := binary.Read(reader, binary.LittleEndian, &bits); err != nil {
			return nil, newBackendError(BackendCorruption, "decode", "truncated value", err)
		}
		obs.Value = math.Float64frombits(bits)
		var observedAt, recordedAt int64
		if err := binary.Read(reader, binary.LittleEndian, &observedAt); err != nil {
			return nil, newBackendError(BackendCorruption, "decode", "truncated observed_at", err)
		}
		if err := binary.Read(reader, binary.LittleEndian, &recordedAt); err != nil {
			return nil, newBackendError(BackendCorruption, "decode", "truncated recorded_at", err)
		}
		obs.ObservedAt = time.Unix(0, observedAt).UTC()
		obs.RecordedAt = time.Unix(0, recordedAt).UTC()
		if obs.Source, err = dict.ReadStringRef(reader); err != nil {
			return nil, newBackendError(BackendCorruption, "decode", "corrupt source reference", err)
		}
		observations = append(observations, obs)
	}

	return observations, nil
}
