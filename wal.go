package pitstore

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// WAL is a write-ahead log for crash recovery. Each record is a
// length-prefixed encoded observation batch, optionally encrypted. The
// store replays the WAL on open and truncates it once the log has been
// compacted into the snapshot file. Oversized logs rotate the active file
// aside; rotated segments are replayed too and removed on the next
// checkpoint.
type WAL struct {
	path         string
	file         *os.File
	mu           sync.Mutex
	writer       *bufio.Writer
	syncInterval time.Duration
	closeCh      chan struct{}
	maxSize      int64
	retain       int

	encryption EncryptionConfig
	encryptor  *Encryptor

	// syncErrors tracks consecutive sync errors for monitoring
	syncErrors  int
	onSyncError func(error) // optional callback for sync errors
	onRotate    func()      // optional callback after segment rotation
}

// WALOption configures a WAL instance.
type WALOption func(*WAL)

// WithSyncErrorCallback sets a callback for sync errors.
func WithSyncErrorCallback(fn func(error)) WALOption {
	return func(w *WAL) {
		w.onSyncError = fn
	}
}

// WithWALEncryption encrypts record payloads. Password-derived keys store
// their salt in a file header, so reopening derives the same key.
func WithWALEncryption(cfg EncryptionConfig) WALOption {
	return func(w *WAL) {
		w.encryption = cfg
	}
}

// WithRotateCallback sets a callback invoked after the active segment
// rotates. The store uses it to schedule a checkpoint so rotated segments
// stay short-lived.
func WithRotateCallback(fn func()) WALOption {
	return func(w *WAL) {
		w.onRotate = fn
	}
}

// NewWAL creates or opens a WAL file.
func NewWAL(path string, syncInterval time.Duration, maxSize int64, retain int, opts ...WALOption) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	wal := &WAL{
		path:         path,
		file:         file,
		writer:       bufio.NewWriter(file),
		syncInterval: syncInterval,
		closeCh:      make(chan struct{}),
		maxSize:      maxSize,
		retain:       retain,
	}

	for _, opt := range opts {
		opt(wal)
	}

	if err := wal.setupEncryption(); err != nil {
		_ = file.Close()
		return nil, err
	}

	go wal.syncLoop()

	return wal, nil
}

// setupEncryption resolves the encryptor against the file on disk. A new
// file gets a header carrying the key derivation salt; an existing file's
// header supplies the salt to derive the same key again.
func (w *WAL) setupEncryption() error {
	info, err := w.file.Stat()
	if err != nil {
		return err
	}

	if !w.encryption.Enabled {
		if info.Size() >= int64(len(MagicEncrypted)) {
			magic := make([]byte, len(MagicEncrypted))
			if _, err := w.file.ReadAt(magic, 0); err != nil {
				return err
			}
			if [4]byte(magic) == MagicEncrypted {
				return errors.New("WAL is encrypted but encryption is not configured")
			}
		}
		return nil
	}

	if info.Size() == 0 {
		enc, err := NewEncryptor(w.encryption)
		if err != nil {
			return err
		}
		w.encryptor = enc
		return w.writeHeader()
	}

	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	header, err := ReadEncryptedHeader(w.file)
	if err != nil {
		return fmt.Errorf("%w: WAL header: %v", ErrCorruptedData, err)
	}
	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return err
	}

	if len(w.encryption.Key) > 0 {
		enc, err := NewEncryptorWithKey(w.encryption.Key)
		if err != nil {
			return err
		}
		w.encryptor = enc
		return nil
	}
	enc, err := NewEncryptorWithSalt(w.encryption.Password, header.Salt[:])
	if err != nil {
		return err
	}
	w.encryptor = enc
	return nil
}

// writeHeader writes the encryption header directly to the file. Caller
// holds the lock or is still single-threaded in NewWAL.
func (w *WAL) writeHeader() error {
	if err := WriteEncryptedHeader(w.file, w.encryptor.Salt()); err != nil {
		return err
	}
	return w.file.Sync()
}

// Close closes the WAL.
func (w *WAL) Close() error {
	close(w.closeCh)
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.writer.Flush(); err != nil {
		_ = w.file.Close()
		return err
	}
	if err := w.file.Sync(); err != nil {
		_ = w.file.Close()
		return err
	}
	return w.file.Close()
}

// Write appends an observation batch to the WAL.
func (w *WAL) Write(observations []Observation) error {
	if len(observations) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.rotateIfNeeded(); err != nil {
		return err
	}

	payload, err := encodeObservations(observations)
	if err != nil {
		return err
	}
	if w.encryptor != nil {
		if payload, err = w.encryptor.Encrypt(payload); err != nil {
			return err
		}
	}

	if err := binary.Write(w.writer, binary.LittleEndian, uint32(len(payload))); err != nil {
		return err
	}
	if _, err := w.writer.Write(payload); err != nil {
		return err
	}

	return w.writer.Flush()
}

// ReadAll reads every observation batch across rotated segments and the
// active file, in write order.
func (w *WAL) ReadAll() ([]Observation, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var out []Observation

	rotated, err := w.rotatedSegments()
	if err != nil {
		return nil, err
	}
	for _, segment := range rotated {
		file, err := os.Open(segment)
		if err != nil {
			return nil, err
		}
		observations, err := w.readSegment(file)
		_ = file.Close()
		if err != nil {
			return nil, fmt.Errorf("segment %s: %w", filepath.Base(segment), err)
		}
		out = append(out, observations...)
	}

	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	observations, err := w.readSegment(w.file)
	if err != nil {
		return nil, err
	}
	out = append(out, observations...)

	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return nil, err
	}

	return out, nil
}

// readSegment reads one segment file's records from the start. The caller
// positions the file at the beginning.
func (w *WAL) readSegment(file *os.File) ([]Observation, error) {
	reader := bufio.NewReader(file)
	if w.encryptor != nil {
		if _, err := io.CopyN(io.Discard, reader, EncryptedHeaderSize); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, nil
			}
			return nil, err
		}
	}

	var out []Observation
	for {
		var length uint32
		if err := binary.Read(reader, binary.LittleEndian, &length); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		if length == 0 {
			continue
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(reader, payload); err != nil {
			return nil, err
		}
		if w.encryptor != nil {
			decrypted, err := w.encryptor.Decrypt(payload)
			if err != nil {
				return nil, fmt.Errorf("%w: WAL record decrypt: %v", ErrCorruptedData, err)
			}
			payload = decrypted
		}
		observations, err := decodeObservations(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, observations...)
	}
	return out, nil
}

// rotatedSegments returns rotated segment paths, oldest first. Rotation
// suffixes are sortable timestamps, so lexical order is age order.
func (w *WAL) rotatedSegments() ([]string, error) {
	files, err := filepath.Glob(w.path + ".*")
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// Reset truncates the log once its contents have been persisted
// elsewhere. Rotated segments are removed for the same reason.
func (w *WAL) Reset() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.resetLocked()
}

func (w *WAL) resetLocked() error {
	if err := w.file.Truncate(0); err != nil {
		return err
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	w.writer = bufio.NewWriter(w.file)
	if w.encryptor != nil {
		if err := w.writeHeader(); err != nil {
			return err
		}
	}

	rotated, err := w.rotatedSegments()
	if err != nil {
		return err
	}
	for _, segment := range rotated {
		_ = os.Remove(segment)
	}
	return nil
}

// Checkpoint runs persist with writes blocked, then truncates the log.
// persist must durably store everything the log protects; when it fails
// the log is left untouched.
func (w *WAL) Checkpoint(persist func() error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return err
	}
	if err := persist(); err != nil {
		return err
	}
	return w.resetLocked()
}

func (w *WAL) rotateIfNeeded() error {
	if w.maxSize <= 0 {
		return nil
	}
	info, err := w.file.Stat()
	if err != nil {
		return err
	}
	if info.Size() < w.maxSize {
		return nil
	}

	if err := w.writer.Flush(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}

	// Nanosecond fraction keeps rapid rotations from colliding on a name;
	// zero padding keeps lexical order equal to age order.
	rotated := w.path + "." + time.Now().Format("20060102T150405.000000000")
	if err := os.Rename(w.path, rotated); err != nil {
		return err
	}

	file, err := os.OpenFile(w.path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	w.file = file
	w.writer = bufio.NewWriter(file)
	if w.encryptor != nil {
		if err := w.writeHeader(); err != nil {
			return err
		}
	}

	if w.retain > 0 {
		_ = w.cleanupRotations()
	}
	if w.onRotate != nil {
		// Spawned so the callback can call back into Checkpoint without
		// deadlocking on w.mu.
		go w.onRotate()
	}
	return nil
}

func (w *WAL) cleanupRotations() error {
	files, err := filepath.Glob(w.path + ".*")
	if err != nil {
		return err
	}
	if len(files) <= w.retain {
		return nil
	}
	sort.Strings(files)
	excess := len(files) - w.retain
	for i := 0; i < excess; i++ {
		_ = os.Remove(files[i])
	}
	return nil
}

func (w *WAL) syncLoop() {
	if w.syncInterval <= 0 {
		return
	}

	ticker := time.NewTicker(w.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.closeCh:
			return
		case <-ticker.C:
			w.mu.Lock()
			var syncErr *WALSyncError
			flushErr := w.writer.Flush()
			fileErr := w.file.Sync()

			if flushErr != nil || fileErr != nil {
				syncErr = &WALSyncError{FlushErr: flushErr, SyncErr: fileErr}
				w.syncErrors++

				// Log the error
				log.Printf("pitstore: WAL sync error (count=%d): %v", w.syncErrors, syncErr)

				// Call error callback if set
				if w.onSyncError != nil {
					w.onSyncError(syncErr)
				}
			} else {
				// Reset error counter on success
				w.syncErrors = 0
			}
			w.mu.Unlock()
		}
	}
}
