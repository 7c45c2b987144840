package pitstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// manifestKey is the object store key of the backup manifest.
const manifestKey = "manifest.json"

// archiveSuffix is the object store suffix of backup payloads.
const archiveSuffix = ".pit"

// BackupRecord describes a single archived snapshot of the observation
// log.
type BackupRecord struct {
	ID               string    `json:"id"`
	Timestamp        time.Time `json:"timestamp"`
	Size             int64     `json:"size"`
	ObservationCount int       `json:"observation_count"`
	EntityCount      int       `json:"entity_count"`
	FeatureCount     int       `json:"feature_count"`
	Compressed       bool      `json:"compressed"`
	Encrypted        bool      `json:"encrypted"`
	Key              string    `json:"key"`
}

// backupManifest tracks backup history. It lives next to the archives in
// the object store, so a fresh process can list and restore backups made
// by another.
type backupManifest struct {
	LastBackup time.Time      `json:"last_backup"`
	Backups    []BackupRecord `json:"backups"`
}

// BackupManager archives the observation log to an object store and
// restores from it. Archives are full snapshots encoded with the batch
// codec (snappy-compressed) and optionally encrypted with the store's
// encryption settings.
type BackupManager struct {
	store      *Store
	objects    ObjectStore
	config     ArchiveConfig
	encryption EncryptionConfig

	mu       sync.Mutex
	manifest *backupManifest

	closeCh chan struct{}
	wg      sync.WaitGroup
	started bool
}

// NewBackupManager creates a backup manager for the store. The archive
// destination comes from the config: a programmatic ObjectStore, a local
// directory, or an S3 bucket, in that precedence order.
func NewBackupManager(store *Store, config ArchiveConfig) (*BackupManager, error) {
	objects, err := resolveArchiveStore(config)
	if err != nil {
		return nil, err
	}

	bm := &BackupManager{
		store:      store,
		objects:    objects,
		config:     config,
		encryption: store.config.Encryption,
		manifest: &backupManifest{
			Backups: make([]BackupRecord, 0),
		},
		closeCh: make(chan struct{}),
	}

	if err := bm.loadManifest(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load backup manifest: %w", err)
	}

	return bm, nil
}

func resolveArchiveStore(config ArchiveConfig) (ObjectStore, error) {
	switch {
	case config.Store != nil:
		return config.Store, nil
	case config.Path != "":
		return NewDirObjectStore(config.Path)
	case config.S3 != nil:
		return NewS3ObjectStore(*config.S3)
	default:
		return nil, fmt.Errorf("%w: archive enabled without a destination", ErrInvalidConfig)
	}
}

// Start begins the scheduled backup loop. It is a no-op when no interval
// is configured.
func (bm *BackupManager) Start() {
	if bm.config.Interval <= 0 || bm.started {
		return
	}
	bm.started = true
	bm.wg.Add(1)
	go bm.run()
}

func (bm *BackupManager) run() {
	defer bm.wg.Done()

	ticker := time.NewTicker(bm.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := bm.Backup(context.Background()); err != nil {
				log.Printf("pitstore: scheduled backup failed: %v", err)
			}
		case <-bm.closeCh:
			return
		}
	}
}

// Close stops the scheduled loop and closes the archive destination.
func (bm *BackupManager) Close() error {
	select {
	case <-bm.closeCh:
	default:
		close(bm.closeCh)
	}
	bm.wg.Wait()
	return bm.objects.Close()
}

// Backup archives a snapshot of the full observation log and records it
// in the manifest. Older backups past the retention count are deleted.
func (bm *BackupManager) Backup(ctx context.Context) (*BackupRecord, error) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	start := time.Now().UTC()
	observations := bm.store.log.snapshotAll()

	payload, err := encodeObservations(observations)
	if err != nil {
		return nil, fmt.Errorf("failed to encode archive: %w", err)
	}
	payload, encrypted, err := bm.sealArchive(payload)
	if err != nil {
		return nil, err
	}

	record := BackupRecord{
		ID:               uuid.New().String(),
		Timestamp:        start,
		Size:             int64(len(payload)),
		ObservationCount: len(observations),
		EntityCount:      len(bm.store.log.entityIDs()),
		FeatureCount:     len(bm.store.log.featureNames()),
		Compressed:       true,
		Encrypted:        encrypted,
	}
	record.Key = record.ID + archiveSuffix

	if err := bm.objects.Write(ctx, record.Key, payload); err != nil {
		return nil, err
	}

	bm.manifest.Backups = append(bm.manifest.Backups, record)
	bm.manifest.LastBackup = start
	if err := bm.saveManifest(ctx); err != nil {
		return nil, err
	}

	bm.enforceRetention(ctx)

	return &record, nil
}

// Restore loads a backup into the store. The store must be empty; a
// restore never merges into live data.
func (bm *BackupManager) Restore(ctx context.Context, backupID string) error {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	var record *BackupRecord
	for i := range bm.manifest.Backups {
		if bm.manifest.Backups[i].ID == backupID {
			record = &bm.manifest.Backups[i]
			break
		}
	}
	if record == nil {
		return fmt.Errorf("%w: %s", ErrBackupNotFound, backupID)
	}

	data, err := bm.objects.Read(ctx, record.Key)
	if err != nil {
		return err
	}
	payload, err := bm.openArchive(data, record.Encrypted)
	if err != nil {
		return err
	}
	observations, err := decodeObservations(payload)
	if err != nil {
		return err
	}

	return bm.store.restore(ctx, observations)
}

// RestoreLatest restores from the most recent backup.
func (bm *BackupManager) RestoreLatest(ctx context.Context) error {
	bm.mu.Lock()
	var latest string
	var latestTime time.Time
	for _, record := range bm.manifest.Backups {
		if latest == "" || record.Timestamp.After(latestTime) {
			latest = record.ID
			latestTime = record.Timestamp
		}
	}
	bm.mu.Unlock()

	if latest == "" {
		return fmt.Errorf("%w: no backups available", ErrBackupNotFound)
	}
	return bm.Restore(ctx, latest)
}

// ListBackups returns all backup records, oldest first.
func (bm *BackupManager) ListBackups() []BackupRecord {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	result := make([]BackupRecord, len(bm.manifest.Backups))
	copy(result, bm.manifest.Backups)
	sort.Slice(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result
}

// DeleteBackup removes a backup and its manifest entry.
func (bm *BackupManager) DeleteBackup(ctx context.Context, backupID string) error {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	for i, record := range bm.manifest.Backups {
		if record.ID == backupID {
			if err := bm.objects.Delete(ctx, record.Key); err != nil {
				return err
			}
			bm.manifest.Backups = append(bm.manifest.Backups[:i], bm.manifest.Backups[i+1:]...)
			return bm.saveManifest(ctx)
		}
	}
	return fmt.Errorf("%w: %s", ErrBackupNotFound, backupID)
}

// sealArchive encrypts the payload when encryption is configured,
// prepending a header that carries the key derivation salt.
func (bm *BackupManager) sealArchive(payload []byte) ([]byte, bool, error) {
	if !bm.encryption.Enabled {
		return payload, false, nil
	}

	encryptor, err := NewEncryptor(bm.encryption)
	if err != nil {
		return nil, false, err
	}
	ciphertext, err := encryptor.Encrypt(payload)
	if err != nil {
		return nil, false, err
	}

	var buf bytes.Buffer
	if err := WriteEncryptedHeader(&buf, encryptor.Salt()); err != nil {
		return nil, false, err
	}
	buf.Write(ciphertext)
	return buf.Bytes(), true, nil
}

// openArchive reverses sealArchive.
func (bm *BackupManager) openArchive(data []byte, encrypted bool) ([]byte, error) {
	if !encrypted {
		return data, nil
	}
	if !bm.encryption.Enabled {
		return nil, errors.New("backup is encrypted but encryption is not configured")
	}
	if len(data) < EncryptedHeaderSize {
		return nil, fmt.Errorf("%w: truncated archive header", ErrCorruptedData)
	}

	header, err := ReadEncryptedHeader(bytes.NewReader(data[:EncryptedHeaderSize]))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedData, err)
	}

	var encryptor *Encryptor
	if len(bm.encryption.Key) > 0 {
		encryptor, err = NewEncryptorWithKey(bm.encryption.Key)
	} else {
		encryptor, err = NewEncryptorWithSalt(bm.encryption.Password, header.Salt[:])
	}
	if err != nil {
		return nil, err
	}

	payload, err := encryptor.Decrypt(data[EncryptedHeaderSize:])
	if err != nil {
		return nil, fmt.Errorf("%w: archive decryption failed", ErrCorruptedData)
	}
	return payload, nil
}

func (bm *BackupManager) loadManifest(ctx context.Context) error {
	exists, err := bm.objects.Exists(ctx, manifestKey)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	data, err := bm.objects.Read(ctx, manifestKey)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, bm.manifest)
}

func (bm *BackupManager) saveManifest(ctx context.Context) error {
	data, err := json.MarshalIndent(bm.manifest, "", "  ")
	if err != nil {
		return err
	}
	return bm.objects.Write(ctx, manifestKey, data)
}

// enforceRetention deletes the oldest backups beyond the retention count.
// Deletion failures are logged, not returned: the new backup is already
// safe, and a missed cleanup retries after the next one.
func (bm *BackupManager) enforceRetention(ctx context.Context) {
	if bm.config.RetentionCount <= 0 || len(bm.manifest.Backups) <= bm.config.RetentionCount {
		return
	}

	sort.Slice(bm.manifest.Backups, func(i, j int) bool {
		return bm.manifest.Backups[i].Timestamp.Before(bm.manifest.Backups[j].Timestamp)
	})

	excess := len(bm.manifest.Backups) - bm.config.RetentionCount
	kept := make([]BackupRecord, 0, bm.config.RetentionCount)
	for i, record := range bm.manifest.Backups {
		if i < excess {
			if err := bm.objects.Delete(ctx, record.Key); err != nil {
				log.Printf("pitstore: failed to delete expired backup %s: %v", record.ID, err)
				kept = append(kept, record)
			}
			continue
		}
		kept = append(kept, record)
	}
	bm.manifest.Backups = kept

	if err := bm.saveManifest(ctx); err != nil {
		log.Printf("pitstore: failed to save backup manifest: %v", err)
	}
}
