package pitstore

import (
	"sort"
	"sync"
	"time"
)

// featureLog is the in-memory append-only log. Observations are bucketed per
// (entity, feature) key and kept sorted by (ObservedAt, RecordedAt, seq), so
// appends serialize per key while reads and writes on distinct keys proceed
// in parallel.
type featureLog struct {
	mu   sync.RWMutex
	keys map[ObservationKey]*keyLog

	// entityFeatures tracks which features each entity has observations for,
	// maintained under the outer lock alongside key creation.
	entityFeatures map[string]map[string]struct{}
}

// keyLog holds one key's entries. Its lock serializes appends for the key
// without blocking other keys.
type keyLog struct {
	mu      sync.RWMutex
	entries []logEntry
	nextSeq uint64
}

func newFeatureLog() *featureLog {
	return &featureLog{
		keys:           make(map[ObservationKey]*keyLog),
		entityFeatures: make(map[string]map[string]struct{}),
	}
}

// getOrCreate returns the key's log, creating it on first use. The read lock
// covers the common path; creation double-checks under the write lock.
func (l *featureLog) getOrCreate(key ObservationKey) *keyLog {
	l.mu.RLock()
	kl, ok := l.keys[key]
	l.mu.RUnlock()
	if ok {
		return kl
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if kl, ok = l.keys[key]; ok {
		return kl
	}
	kl = &keyLog{}
	l.keys[key] = kl
	features, ok := l.entityFeatures[key.EntityID]
	if !ok {
		features = make(map[string]struct{})
		l.entityFeatures[key.EntityID] = features
	}
	features[key.FeatureName] = struct{}{}
	return kl
}

// get returns the key's log without creating it.
func (l *featureLog) get(key ObservationKey) (*keyLog, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	kl, ok := l.keys[key]
	return kl, ok
}

// insert appends one observation, keeping the key's entries sorted. Equal
// (ObservedAt, RecordedAt) entries stay in insertion order because the new
// entry's sequence number is always the highest.
func (l *featureLog) insert(obs Observation) {
	kl := l.getOrCreate(obs.Key())

	kl.mu.Lock()
	defer kl.mu.Unlock()
	entry := logEntry{obs: obs, seq: kl.nextSeq}
	kl.nextSeq++

	idx := sort.Search(len(kl.entries), func(i int) bool {
		return entry.before(kl.entries[i])
	})
	kl.entries = append(kl.entries, logEntry{})
	copy(kl.entries[idx+1:], kl.entries[idx:])
	kl.entries[idx] = entry
}

// insertMany appends a batch, grouping by key so each key is locked and
// re-sorted once.
func (l *featureLog) insertMany(observations []Observation) {
	if len(observations) == 0 {
		return
	}

	grouped := make(map[ObservationKey][]Observation)
	for _, obs := range observations {
		key := obs.Key()
		grouped[key] = append(grouped[key], obs)
	}

	for key, group := range grouped {
		kl := l.getOrCreate(key)

		kl.mu.Lock()
		for _, obs := range group {
			kl.entries = append(kl.entries, logEntry{obs: obs, seq: kl.nextSeq})
			kl.nextSeq++
		}
		sortEntries(kl.entries)
		kl.mu.Unlock()
	}
}

// observations returns a copy of the key's observations in log order.
func (l *featureLog) observations(key ObservationKey) []Observation {
	kl, ok := l.get(key)
	if !ok {
		return nil
	}

	kl.mu.RLock()
	defer kl.mu.RUnlock()
	out := make([]Observation, len(kl.entries))
	for i, entry := range kl.entries {
		out[i] = entry.obs
	}
	return out
}

// resolve returns the latest entry with ObservedAt at or before asOf.
// Entries are sorted, so a binary search finds the first entry past asOf and
// the answer is its predecessor.
func (l *featureLog) resolve(key ObservationKey, asOf time.Time) (Observation, bool) {
	kl, ok := l.get(key)
	if !ok {
		return Observation{}, false
	}

	kl.mu.RLock()
	defer kl.mu.RUnlock()
	idx := sort.Search(len(kl.entries), func(i int) bool {
		return kl.entries[i].obs.ObservedAt.After(asOf)
	})
	if idx == 0 {
		return Observation{}, false
	}
	return kl.entries[idx-1].obs, true
}

// featureNames returns all feature names with at least one observation,
// sorted ascending.
func (l *featureLog) featureNames() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	seen := make(map[string]struct{})
	for key := range l.keys {
		seen[key.FeatureName] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// entityIDs returns all entity ids with at least one observation, sorted
// ascending.
func (l *featureLog) entityIDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := make([]string, 0, len(l.entityFeatures))
	for id := range l.entityFeatures {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// featuresOf returns the feature names observed for one entity, sorted
// ascending.
func (l *featureLog) featuresOf(entityID string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	features, ok := l.entityFeatures[entityID]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(features))
	for name := range features {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// observationsOfFeature returns every observation of one feature across all
// entities, grouped by entity id ascending.
func (l *featureLog) observationsOfFeature(featureName string) []Observation {
	l.mu.RLock()
	keys := make([]ObservationKey, 0)
	for key := range l.keys {
		if key.FeatureName == featureName {
			keys = append(keys, key)
		}
	}
	l.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool {
		return keys[i].EntityID < keys[j].EntityID
	})

	var out []Observation
	for _, key := range keys {
		out = append(out, l.observations(key)...)
	}
	return out
}

// keyCount returns the number of distinct (entity, feature) keys.
func (l *featureLog) keyCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.keys)
}

// count returns the total number of observations across all keys.
func (l *featureLog) count() int {
	l.mu.RLock()
	logs := make([]*keyLog, 0, len(l.keys))
	for _, kl := range l.keys {
		logs = append(logs, kl)
	}
	l.mu.RUnlock()

	total := 0
	for _, kl := range logs {
		kl.mu.RLock()
		total += len(kl.entries)
		kl.mu.RUnlock()
	}
	return total
}

// snapshotAll returns a copy of every observation in the log, ordered by
// entity, feature, then log order. Used by backups and export.
func (l *featureLog) snapshotAll() []Observation {
	l.mu.RLock()
	keys := make([]ObservationKey, 0, len(l.keys))
	for key := range l.keys {
		keys = append(keys, key)
	}
	l.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].EntityID != keys[j].EntityID {
			return keys[i].EntityID < keys[j].EntityID
		}
		return keys[i].FeatureName < keys[j].FeatureName
	})

	var out []Observation
	for _, key := range keys {
		out = append(out, l.observations(key)...)
	}
	return out
}
