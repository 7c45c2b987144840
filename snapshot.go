package pitstore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
)

// Snapshot file layout: a fixed header carrying magic, flags, body length
// and checksum, then the body. The body is the encoded observation log,
// wrapped in an encryption header and ciphertext when encryption is on.
const (
	snapshotMagic         = "PITDB1"
	snapshotHeaderSize    = 16
	snapshotFlagEncrypted = byte(1)
)

// writeSnapshotFile atomically replaces path with the full encoded log.
// It writes to a temp file and renames, so a crash mid-write leaves the
// previous snapshot intact.
func writeSnapshotFile(path string, observations []Observation, enc EncryptionConfig) error {
	payload, err := encodeObservations(observations)
	if err != nil {
		return err
	}

	flags := byte(0)
	body := payload
	if enc.Enabled {
		encryptor, err := NewEncryptor(enc)
		if err != nil {
			return err
		}
		ciphertext, err := encryptor.Encrypt(payload)
		if err != nil {
			return err
		}
		var buf bytes.Buffer
		if err := WriteEncryptedHeader(&buf, encryptor.Salt()); err != nil {
			return err
		}
		buf.Write(ciphertext)
		body = buf.Bytes()
		flags |= snapshotFlagEncrypted
	}

	header := make([]byte, snapshotHeaderSize)
	copy(header, snapshotMagic)
	header[6] = flags
	binary.LittleEndian.PutUint32(header[7:], uint32(len(body)))
	binary.LittleEndian.PutUint32(header[11:], crc32.ChecksumIEEE(body))

	tmp := path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	writeErr := func() error {
		if _, err := file.Write(header); err != nil {
			return err
		}
		if _, err := file.Write(body); err != nil {
			return err
		}
		return file.Sync()
	}()
	if writeErr != nil {
		_ = file.Close()
		_ = os.Remove(tmp)
		return writeErr
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// readSnapshotFile loads the snapshot at path. A missing or empty file is
// an empty store, not an error.
func readSnapshotFile(path string, enc EncryptionConfig) ([]Observation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	if len(data) < snapshotHeaderSize || string(data[:len(snapshotMagic)]) != snapshotMagic {
		return nil, fmt.Errorf("%w: not a pitstore snapshot: %s", ErrCorruptedData, path)
	}

	flags := data[6]
	length := binary.LittleEndian.Uint32(data[7:])
	checksum := binary.LittleEndian.Uint32(data[11:])

	body := data[snapshotHeaderSize:]
	if uint32(len(body)) != length {
		return nil, fmt.Errorf("%w: truncated snapshot: %s", ErrCorruptedData, path)
	}
	if crc32.ChecksumIEEE(body) != checksum {
		return nil, fmt.Errorf("%w: snapshot checksum mismatch: %s", ErrCorruptedData, path)
	}

	if flags&snapshotFlagEncrypted != 0 {
		if !enc.Enabled {
			return nil, errors.New("snapshot is encrypted but encryption is not configured")
		}
		if len(body) < EncryptedHeaderSize {
			return nil, fmt.Errorf("%w: truncated snapshot header", ErrCorruptedData)
		}
		header, err := ReadEncryptedHeader(bytes.NewReader(body[:EncryptedHeaderSize]))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptedData, err)
		}
		var encryptor *Encryptor
		if len(enc.Key) > 0 {
			encryptor, err = NewEncryptorWithKey(enc.Key)
		} else {
			encryptor, err = NewEncryptorWithSalt(enc.Password, header.Salt[:])
		}
		if err != nil {
			return nil, err
		}
		plaintext, err := encryptor.Decrypt(body[EncryptedHeaderSize:])
		if err != nil {
			return nil, fmt.Errorf("%w: snapshot decryption failed", ErrCorruptedData)
		}
		body = plaintext
	}

	return decodeObservations(body)
}
