package pitstore

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

// newArchivedStore opens an in-memory store backed by the given object
// store for backups.
func newArchivedStore(t *testing.T, objects ObjectStore, retention int) *Store {
	t.Helper()
	store, err := Open("", Config{
		Archive: &ArchiveConfig{Store: objects, RetentionCount: retention},
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	objects := NewMemoryObjectStore()
	source := newArchivedStore(t, objects, 0)

	asOf := time.Date(2025, 10, 12, 0, 0, 0, 0, time.UTC)
	seed := []Observation{
		obsAt("cust01", "credit_score", 720, asOf.Add(-48*time.Hour)),
		obsAt("cust01", "tx_amount", 100.5, asOf.Add(-24*time.Hour)),
		obsAt("cust02", "credit_score", 680, asOf.Add(-24*time.Hour)),
	}
	for _, obs := range seed {
		if err := source.Ingest(context.Background(), obs); err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}

	record, err := source.Backup(context.Background())
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	if record.ObservationCount != 3 || record.EntityCount != 2 || record.FeatureCount != 2 {
		t.Errorf("unexpected record counts: %+v", record)
	}
	if !record.Compressed || record.Encrypted {
		t.Errorf("expected compressed unencrypted archive, got %+v", record)
	}
	// One archive plus the manifest.
	if objects.Size() != 2 {
		t.Errorf("expected 2 objects, got %d", objects.Size())
	}

	// A fresh store on the same object store sees the manifest and can
	// restore without the source process.
	replica := newArchivedStore(t, objects, 0)
	backups := replica.Backups().ListBackups()
	if len(backups) != 1 || backups[0].ID != record.ID {
		t.Fatalf("expected shared manifest with 1 backup, got %+v", backups)
	}
	if err := replica.Restore(context.Background(), record.ID); err != nil {
		t.Fatalf("restore: %v", err)
	}

	snap, ok := replica.Resolve("cust01", "tx_amount", asOf)
	if !ok || snap.Value != 100.5 {
		t.Errorf("expected restored value 100.5, got %+v ok=%v", snap, ok)
	}
	if stats := replica.Stats(); stats.ObservationCount != 3 {
		t.Errorf("expected 3 restored observations, got %d", stats.ObservationCount)
	}
}

func TestRestoreRequiresEmptyStore(t *testing.T) {
	objects := NewMemoryObjectStore()
	source := newArchivedStore(t, objects, 0)

	obs := obsAt("cust01", "credit_score", 720, time.Date(2025, 10, 10, 0, 0, 0, 0, time.UTC))
	if err := source.Ingest(context.Background(), obs); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	record, err := source.Backup(context.Background())
	if err != nil {
		t.Fatalf("backup: %v", err)
	}

	// The source still holds live data, so restoring into it must refuse.
	if err := source.Restore(context.Background(), record.ID); !errors.Is(err, ErrStoreNotEmpty) {
		t.Errorf("expected ErrStoreNotEmpty, got %v", err)
	}
}

func TestRestoreUnknownBackup(t *testing.T) {
	store := newArchivedStore(t, NewMemoryObjectStore(), 0)
	if err := store.Restore(context.Background(), "no-such-id"); !errors.Is(err, ErrBackupNotFound) {
		t.Errorf("expected ErrBackupNotFound, got %v", err)
	}
}

func TestRestoreLatest(t *testing.T) {
	objects := NewMemoryObjectStore()
	source := newArchivedStore(t, objects, 0)
	base := time.Date(2025, 10, 10, 0, 0, 0, 0, time.UTC)

	if err := source.Ingest(context.Background(), obsAt("cust01", "credit_score", 700, base)); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if _, err := source.Backup(context.Background()); err != nil {
		t.Fatalf("first backup: %v", err)
	}
	if err := source.Ingest(context.Background(), obsAt("cust01", "credit_score", 720, base.Add(time.Hour))); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if _, err := source.Backup(context.Background()); err != nil {
		t.Fatalf("second backup: %v", err)
	}

	replica := newArchivedStore(t, objects, 0)
	if err := replica.Backups().RestoreLatest(context.Background()); err != nil {
		t.Fatalf("restore latest: %v", err)
	}
	if stats := replica.Stats(); stats.ObservationCount != 2 {
		t.Errorf("expected the later archive with 2 observations, got %d", stats.ObservationCount)
	}

	empty := newArchivedStore(t, NewMemoryObjectStore(), 0)
	if err := empty.Backups().RestoreLatest(context.Background()); !errors.Is(err, ErrBackupNotFound) {
		t.Errorf("expected ErrBackupNotFound with no backups, got %v", err)
	}
}

func TestDeleteBackup(t *testing.T) {
	objects := NewMemoryObjectStore()
	store := newArchivedStore(t, objects, 0)

	if err := store.Ingest(context.Background(), obsAt("cust01", "credit_score", 720, time.Date(2025, 10, 10, 0, 0, 0, 0, time.UTC))); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	record, err := store.Backup(context.Background())
	if err != nil {
		t.Fatalf("backup: %v", err)
	}

	if err := store.Backups().DeleteBackup(context.Background(), record.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if exists, _ := objects.Exists(context.Background(), record.Key); exists {
		t.Error("expected archive object removed")
	}
	if backups := store.Backups().ListBackups(); len(backups) != 0 {
		t.Errorf("expected empty manifest, got %+v", backups)
	}
	if err := store.Backups().DeleteBackup(context.Background(), record.ID); !errors.Is(err, ErrBackupNotFound) {
		t.Errorf("expected ErrBackupNotFound on second delete, got %v", err)
	}
}

func TestBackupRetention(t *testing.T) {
	objects := NewMemoryObjectStore()
	store := newArchivedStore(t, objects, 2)
	base := time.Date(2025, 10, 10, 0, 0, 0, 0, time.UTC)

	var ids []string
	for i := 0; i < 3; i++ {
		if err := store.Ingest(context.Background(), obsAt("cust01", "credit_score", float64(700+i), base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatalf("ingest: %v", err)
		}
		record, err := store.Backup(context.Background())
		if err != nil {
			t.Fatalf("backup %d: %v", i, err)
		}
		ids = append(ids, record.ID)
	}

	backups := store.Backups().ListBackups()
	if len(backups) != 2 {
		t.Fatalf("expected retention to keep 2 backups, got %d", len(backups))
	}
	if backups[0].ID != ids[1] || backups[1].ID != ids[2] {
		t.Errorf("expected the newest two kept, got %+v", backups)
	}
	if exists, _ := objects.Exists(context.Background(), ids[0]+archiveSuffix); exists {
		t.Error("expected oldest archive deleted from object store")
	}
	if exists, _ := objects.Exists(context.Background(), ids[2]+archiveSuffix); !exists {
		t.Error("expected newest archive kept")
	}
}

func TestListBackupsSortedOldestFirst(t *testing.T) {
	objects := NewMemoryObjectStore()
	store := newArchivedStore(t, objects, 0)
	base := time.Date(2025, 10, 10, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if err := store.Ingest(context.Background(), obsAt("cust01", "credit_score", float64(i), base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatalf("ingest: %v", err)
		}
		if _, err := store.Backup(context.Background()); err != nil {
			t.Fatalf("backup: %v", err)
		}
	}

	backups := store.Backups().ListBackups()
	if len(backups) != 3 {
		t.Fatalf("expected 3 backups, got %d", len(backups))
	}
	for i := 1; i < len(backups); i++ {
		if backups[i].Timestamp.Before(backups[i-1].Timestamp) {
			t.Errorf("expected oldest first, got %v before %v", backups[i-1].Timestamp, backups[i].Timestamp)
		}
	}
}

func TestEncryptedBackupRoundTrip(t *testing.T) {
	objects := NewMemoryObjectStore()
	open := func(password string) *Store {
		t.Helper()
		cfg := Config{Archive: &ArchiveConfig{Store: objects}}
		if password != "" {
			cfg.Encryption = EncryptionConfig{Enabled: true, Password: password}
		}
		store, err := Open("", cfg)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		t.Cleanup(func() { store.Close() })
		return store
	}

	source := open("backup-secret")
	if err := source.Ingest(context.Background(), obsAt("cust01-sensitive", "credit_score", 720, time.Date(2025, 10, 10, 0, 0, 0, 0, time.UTC))); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	record, err := source.Backup(context.Background())
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	if !record.Encrypted {
		t.Fatal("expected encrypted archive")
	}

	// The archived payload must not leak the entity id in cleartext.
	raw, err := objects.Read(context.Background(), record.Key)
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	if bytes.Contains(raw, []byte("cust01-sensitive")) {
		t.Error("archive leaks plaintext entity id")
	}

	replica := open("backup-secret")
	if err := replica.Restore(context.Background(), record.ID); err != nil {
		t.Fatalf("restore: %v", err)
	}
	snap, ok := replica.Resolve("cust01-sensitive", "credit_score", time.Time{})
	if !ok || snap.Value != 720 {
		t.Errorf("expected restored value 720, got %+v ok=%v", snap, ok)
	}

	// Without encryption configured the archive is unreadable.
	plain := open("")
	if err := plain.Restore(context.Background(), record.ID); err == nil {
		t.Error("expected restore to fail without encryption configured")
	}
}

func TestScheduledBackups(t *testing.T) {
	objects := NewMemoryObjectStore()
	store, err := Open("", Config{
		Archive: &ArchiveConfig{Store: objects, Interval: 20 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	if err := store.Ingest(context.Background(), obsAt("cust01", "credit_score", 720, time.Date(2025, 10, 10, 0, 0, 0, 0, time.UTC))); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if len(store.Backups().ListBackups()) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for a scheduled backup")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBackupManagerRequiresDestination(t *testing.T) {
	_, err := Open("", Config{Archive: &ArchiveConfig{}})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestBackupToDirectory(t *testing.T) {
	dir := t.TempDir()
	store, err := Open("", Config{Archive: &ArchiveConfig{Path: dir}})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	if err := store.Ingest(context.Background(), obsAt("cust01", "credit_score", 720, time.Date(2025, 10, 10, 0, 0, 0, 0, time.UTC))); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	record, err := store.Backup(context.Background())
	if err != nil {
		t.Fatalf("backup: %v", err)
	}

	replica, err := Open("", Config{Archive: &ArchiveConfig{Path: dir}})
	if err != nil {
		t.Fatalf("open replica: %v", err)
	}
	defer replica.Close()
	if err := replica.Restore(context.Background(), record.ID); err != nil {
		t.Fatalf("restore from directory: %v", err)
	}
	if stats := replica.Stats(); stats.ObservationCount != 1 {
		t.Errorf("expected 1 restored observation, got %d", stats.ObservationCount)
	}
}
