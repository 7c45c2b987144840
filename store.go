package pitstore

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Store is the feature store handle. It owns the append-only observation
// log and answers point-in-time queries against it. All methods are safe
// for concurrent use: appends serialize per (entity, feature) key, reads
// run in parallel.
type Store struct {
	path   string
	config Config

	log      *featureLog
	wal      *WAL
	backend  LogBackend
	registry *FeatureRegistry
	backups  *BackupManager

	// persistMu serializes WAL appends against checkpoints, so a
	// checkpoint's snapshot always covers every record its reset discards.
	persistMu     sync.Mutex
	checkpointing atomic.Bool

	mu      sync.RWMutex
	closeCh chan struct{}
	closed  bool
}

// Open opens or creates a feature store rooted at path. An empty path with
// the zero Config gives a pure in-memory store. With the WAL enabled, path
// names the snapshot file and the WAL lives beside it at path + ".wal";
// with cfg.Backend set, the backend's contents are loaded and every append
// is written through.
func Open(path string, cfg Config) (*Store, error) {
	if cfg.WAL.SyncInterval <= 0 {
		cfg.WAL.SyncInterval = time.Second
	}
	if cfg.WAL.MaxSize <= 0 {
		cfg.WAL.MaxSize = 64 * 1024 * 1024
	}
	if cfg.WAL.Retain <= 0 {
		cfg.WAL.Retain = 3
	}
	if cfg.Pivot.DefaultFillPolicy == "" {
		cfg.Pivot.DefaultFillPolicy = FillAbsent
	}
	if cfg.WAL.Enabled && path == "" {
		return nil, fmt.Errorf("%w: path is required when the WAL is enabled", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	registry, err := NewFeatureRegistry(cfg.Registry)
	if err != nil {
		return nil, err
	}

	s := &Store{
		path:     path,
		config:   cfg,
		log:      newFeatureLog(),
		registry: registry,
		closeCh:  make(chan struct{}),
	}

	if cfg.Backend != nil {
		s.backend = cfg.Backend
		observations, err := s.backend.LoadObservations(context.Background())
		if err != nil {
			return nil, err
		}
		s.log.insertMany(observations)
	}

	if cfg.WAL.Enabled {
		snapshot, err := readSnapshotFile(path, cfg.Encryption)
		if err != nil {
			return nil, err
		}
		s.log.insertMany(snapshot)

		wal, err := NewWAL(path+".wal", cfg.WAL.SyncInterval, cfg.WAL.MaxSize, cfg.WAL.Retain,
			WithWALEncryption(cfg.Encryption),
			WithRotateCallback(s.asyncCheckpoint))
		if err != nil {
			return nil, err
		}
		s.wal = wal
		if err := s.recover(); err != nil {
			_ = wal.Close()
			return nil, err
		}
	}

	if cfg.Archive != nil {
		backups, err := NewBackupManager(s, *cfg.Archive)
		if err != nil {
			if s.wal != nil {
				_ = s.wal.Close()
			}
			return nil, err
		}
		s.backups = backups
		if cfg.Archive.Interval > 0 {
			backups.Start()
		}
	}

	return s, nil
}

// recover replays the WAL on top of the snapshot and compacts: the rebuilt
// log is written back to the snapshot file and the WAL truncated, so
// segments never accumulate across restarts. Batches replay in write
// order, so insertion-order tie-breaks survive a restart.
func (s *Store) recover() error {
	observations, err := s.wal.ReadAll()
	if err != nil {
		return err
	}
	if len(observations) == 0 {
		return nil
	}
	s.log.insertMany(observations)
	return s.wal.Checkpoint(func() error {
		return writeSnapshotFile(s.path, s.log.snapshotAll(), s.config.Encryption)
	})
}

// checkpoint persists the full log to the snapshot file and truncates the
// WAL. Serialized against appends so the snapshot never misses a record
// the truncation would discard.
func (s *Store) checkpoint() error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if s.isClosed() {
		return nil
	}
	return s.wal.Checkpoint(func() error {
		return writeSnapshotFile(s.path, s.log.snapshotAll(), s.config.Encryption)
	})
}

// asyncCheckpoint is the WAL rotation callback; the WAL invokes it on its
// own goroutine. Overlapping triggers collapse into the in-flight run; a
// failed checkpoint leaves the WAL intact, so nothing is lost.
func (s *Store) asyncCheckpoint() {
	if s.isClosed() || !s.checkpointing.CompareAndSwap(false, true) {
		return
	}
	defer s.checkpointing.Store(false)
	if err := s.checkpoint(); err != nil {
		log.Printf("pitstore: checkpoint failed: %v", err)
	}
}

// Close stops background work and closes the WAL, the backend, and the
// archive destination. Reads remain valid on a closed store; appends fail
// with ErrStoreClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.closeCh)

	var firstErr error
	if s.backups != nil {
		if err := s.backups.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.wal != nil {
		// Wait out any in-flight checkpoint before closing the file.
		s.persistMu.Lock()
		err := s.wal.Close()
		s.persistMu.Unlock()
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.backend != nil {
		if err := s.backend.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// isClosed reports whether Close has begun.
func (s *Store) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Registry returns the feature registry.
func (s *Store) Registry() *FeatureRegistry {
	return s.registry
}

// Backups returns the backup manager, or nil when no archive is
// configured.
func (s *Store) Backups() *BackupManager {
	return s.backups
}

// Ingest validates and appends one observation. A zero RecordedAt is
// stamped with the current time. The observation becomes visible to reads
// only after it is durable; a failed ingest is never partially visible.
func (s *Store) Ingest(ctx context.Context, obs Observation) error {
	if s.isClosed() {
		return ErrStoreClosed
	}
	if err := obs.Validate(); err != nil {
		return err
	}
	if err := s.registry.Validate(obs); err != nil {
		return err
	}
	if obs.RecordedAt.IsZero() {
		obs.RecordedAt = time.Now().UTC()
	}

	if s.backend != nil {
		if err := s.backend.AppendObservations(ctx, []Observation{obs}); err != nil {
			return err
		}
		s.log.insert(obs)
		return nil
	}

	if s.wal != nil {
		s.persistMu.Lock()
		defer s.persistMu.Unlock()
		if err := s.wal.Write([]Observation{obs}); err != nil {
			return newBackendError(BackendUnavailable, "wal append", "write failed", err)
		}
	}
	s.log.insert(obs)
	return nil
}

// AppendResult reports the outcome for one element of a batch.
type AppendResult struct {
	// Index is the element's position in the input batch.
	Index int
	// Err is nil for appended observations.
	Err error
	// Skipped marks elements not attempted because an earlier element
	// failed under fail-fast.
	Skipped bool
}

// AppendResults is the per-element outcome of IngestBatch, always the same
// length as the input batch.
type AppendResults []AppendResult

// Ok reports whether every element was appended.
func (rs AppendResults) Ok() bool {
	for _, r := range rs {
		if r.Err != nil || r.Skipped {
			return false
		}
	}
	return true
}

// Failed returns the number of elements with errors.
func (rs AppendResults) Failed() int {
	n := 0
	for _, r := range rs {
		if r.Err != nil {
			n++
		}
	}
	return n
}

// FirstError returns the first element error, or nil.
func (rs AppendResults) FirstError() error {
	for _, r := range rs {
		if r.Err != nil {
			return r.Err
		}
	}
	return nil
}

// IngestBatch appends a batch, validating each observation independently.
// The batch is not transactional: invalid elements are rejected without
// rolling back valid ones. Valid elements share one durable write, so a
// backend outage fails them all with an error matching ErrStoreUnavailable.
// With Ingest.FailFast set, validation stops at the first invalid element
// and the rest are marked skipped.
func (s *Store) IngestBatch(ctx context.Context, observations []Observation) AppendResults {
	results := make(AppendResults, len(observations))
	for i := range results {
		results[i].Index = i
	}
	if len(observations) == 0 {
		return results
	}

	if s.isClosed() {
		for i := range results {
			results[i].Err = ErrStoreClosed
		}
		return results
	}

	// Validation pass. RecordedAt is stamped once for the whole batch;
	// same-timestamp elements keep their batch order via the insertion
	// sequence.
	now := time.Now().UTC()
	valid := make([]Observation, 0, len(observations))
	validIdx := make([]int, 0, len(observations))
	for i, obs := range observations {
		err := obs.Validate()
		if err == nil {
			err = s.registry.Validate(obs)
		}
		if err != nil {
			results[i].Err = err
			if s.config.Ingest.FailFast {
				for j := i + 1; j < len(observations); j++ {
					results[j].Skipped = true
				}
				break
			}
			continue
		}
		if obs.RecordedAt.IsZero() {
			obs.RecordedAt = now
		}
		valid = append(valid, obs)
		validIdx = append(validIdx, i)
	}

	if len(valid) == 0 {
		return results
	}

	if s.backend != nil {
		if err := s.backend.AppendObservations(ctx, valid); err != nil {
			for _, i := range validIdx {
				results[i].Err = err
			}
			return results
		}
		s.log.insertMany(valid)
		return results
	}

	if s.wal != nil {
		s.persistMu.Lock()
		defer s.persistMu.Unlock()
		if err := s.wal.Write(valid); err != nil {
			writeErr := newBackendError(BackendUnavailable, "wal append", "write failed", err)
			for _, i := range validIdx {
				results[i].Err = writeErr
			}
			return results
		}
	}
	s.log.insertMany(valid)
	return results
}

// ObservationsFor returns the full observation sequence for one
// (entity, feature) key, ordered by ObservedAt ascending with RecordedAt
// and insertion order breaking ties. The returned slice is a copy; it can
// be ranged repeatedly and is unaffected by later appends.
func (s *Store) ObservationsFor(entityID, featureName string) []Observation {
	return s.log.observations(ObservationKey{EntityID: entityID, FeatureName: featureName})
}

// KnownFeatureNames returns the distinct feature names ever observed for
// an entity, sorted. Entities never observed yield an empty slice.
func (s *Store) KnownFeatureNames(entityID string) []string {
	return s.log.featuresOf(entityID)
}

// FeatureNames returns every feature name in the log, sorted.
func (s *Store) FeatureNames() []string {
	return s.log.featureNames()
}

// EntityIDs returns every entity id in the log, sorted.
func (s *Store) EntityIDs() []string {
	return s.log.entityIDs()
}

// Backup archives the full observation log. It fails when no archive is
// configured.
func (s *Store) Backup(ctx context.Context) (*BackupRecord, error) {
	if s.backups == nil {
		return nil, fmt.Errorf("%w: no archive configured", ErrInvalidConfig)
	}
	return s.backups.Backup(ctx)
}

// Restore loads a backup into this store. The store must be empty.
func (s *Store) Restore(ctx context.Context, backupID string) error {
	if s.backups == nil {
		return fmt.Errorf("%w: no archive configured", ErrInvalidConfig)
	}
	return s.backups.Restore(ctx, backupID)
}

// restore rebuilds the log from archived observations. Used by the backup
// manager; requires an empty store so a restore never interleaves with
// live data.
func (s *Store) restore(ctx context.Context, observations []Observation) error {
	if s.isClosed() {
		return ErrStoreClosed
	}
	if s.log.count() > 0 {
		return ErrStoreNotEmpty
	}

	if s.backend != nil {
		if err := s.backend.AppendObservations(ctx, observations); err != nil {
			return err
		}
		s.log.insertMany(observations)
		return nil
	}

	if s.wal != nil {
		s.persistMu.Lock()
		defer s.persistMu.Unlock()
		if err := s.wal.Write(observations); err != nil {
			return newBackendError(BackendUnavailable, "wal append", "write failed", err)
		}
	}
	s.log.insertMany(observations)
	return nil
}
