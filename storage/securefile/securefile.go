// Package securefile keeps the identity table in memory and persists it as a
// single AES-256-GCM encrypted snapshot after every mutation.
//
// The encryption key is derived from a passphrase with PBKDF2-SHA256 and a
// random salt stored next to the snapshot. Opening an existing snapshot with
// the wrong passphrase, or a snapshot that was modified on disk, fails; it
// never yields an empty table.
//
// Snapshot format: [version:2][nonce:12][ciphertext+tag:N], where the
// plaintext is the JSON encoding of the rows.
package securefile

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/pbkdf2"

	"github.com/opd-ai/trustcore/storage"
)

const (
	// PBKDF2Iterations is the number of iterations for key derivation.
	PBKDF2Iterations = 100000
	// SnapshotVersion is the current snapshot format version.
	SnapshotVersion = 1
	// SaltSize is the size of the PBKDF2 salt.
	SaltSize = 32

	saltFileName     = ".salt"
	snapshotFileName = "identities.enc"
)

var (
	// ErrEmptyPassphrase is returned by Open for an empty passphrase.
	ErrEmptyPassphrase = errors.New("passphrase cannot be empty")
	// ErrDecrypt is returned when the snapshot cannot be authenticated.
	ErrDecrypt = errors.New("snapshot decryption failed (wrong passphrase or corrupted data)")
)

// Backend is a storage.Backend persisted to an encrypted snapshot file.
type Backend struct {
	mu     sync.Mutex
	rows   *storage.Memory
	key    [32]byte
	dir    string
	closed bool
}

var _ storage.Backend = (*Backend)(nil)

// Open opens or creates the snapshot in dir. passphrase is wiped before
// Open returns.
func Open(dir string, passphrase []byte) (*Backend, error) {
	defer wipe(passphrase)

	if len(passphrase) == 0 {
		return nil, ErrEmptyPassphrase
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	salt, err := loadOrGenerateSalt(filepath.Join(dir, saltFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize salt: %w", err)
	}

	b := &Backend{dir: dir}
	derived := pbkdf2.Key(passphrase, salt, PBKDF2Iterations, 32, sha256.New)
	copy(b.key[:], derived)
	wipe(derived)

	rows, err := b.load()
	if err != nil {
		wipe(b.key[:])
		return nil, err
	}
	b.rows = storage.NewMemoryFromRows(rows)

	logrus.WithFields(logrus.Fields{
		"function": "Open",
		"package":  "securefile",
		"dir":      dir,
		"rows":     len(rows),
	}).Info("Encrypted identity snapshot opened")

	return b, nil
}

func loadOrGenerateSalt(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != SaltSize {
			return nil, fmt.Errorf("invalid salt file size: got %d, want %d", len(data), SaltSize)
		}
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read salt file: %w", err)
	}

	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	if err := replaceFile(path, salt); err != nil {
		return nil, fmt.Errorf("failed to save salt: %w", err)
	}
	return salt, nil
}

func (b *Backend) snapshotPath() string {
	return filepath.Join(b.dir, snapshotFileName)
}

func (b *Backend) load() ([]storage.Row, error) {
	data, err := os.ReadFile(b.snapshotPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	plaintext, err := b.decrypt(data)
	if err != nil {
		return nil, err
	}
	defer wipe(plaintext)

	var rows []storage.Row
	if err := json.Unmarshal(plaintext, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return rows, nil
}

func (b *Backend) newGCM() (cipher.AEAD, error) {
	block, err := aes.NewCipher(b.key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

func (b *Backend) decrypt(data []byte) ([]byte, error) {
	gcm, err := b.newGCM()
	if err != nil {
		return nil, err
	}
	nonceSize := gcm.NonceSize()
	if len(data) < 2+nonceSize+gcm.Overhead() {
		return nil, fmt.Errorf("snapshot too short: %d bytes", len(data))
	}
	if v := binary.BigEndian.Uint16(data[0:2]); v != SnapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version: %d (expected %d)", v, SnapshotVersion)
	}

	nonce := data[2 : 2+nonceSize]
	plaintext, err := gcm.Open(nil, nonce, data[2+nonceSize:], data[0:2])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plaintext, nil
}

// persist writes the current rows atomically via a temporary file.
func (b *Backend) persist() error {
	plaintext, err := json.Marshal(b.rows.Rows())
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	defer wipe(plaintext)

	gcm, err := b.newGCM()
	if err != nil {
		return err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	header := make([]byte, 2)
	binary.BigEndian.PutUint16(header, SnapshotVersion)
	out := append(header, nonce...)
	out = gcm.Seal(out, nonce, plaintext, header)

	if err := replaceFile(b.snapshotPath(), out); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

// replaceFile atomically replaces path with data. The data is synced in a
// temporary file before the rename, and the directory after it, so a crash
// leaves either the old file or the complete new one.
func replaceFile(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create temporary file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temporary file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync temporary file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temporary file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename into place: %w", err)
	}
	return syncDir(filepath.Dir(path))
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open directory: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync directory: %w", err)
	}
	return nil
}

// mutate applies fn to the in-memory rows and persists the result. When the
// snapshot cannot be written the row for address is restored.
func (b *Backend) mutate(ctx context.Context, address string, fn func() (int64, error)) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, storage.ErrClosed
	}

	prev, hadPrev, err := b.rows.Get(ctx, address)
	if err != nil {
		return 0, err
	}

	n, err := fn()
	if err != nil || n == 0 {
		return n, err
	}

	if err := b.persist(); err != nil {
		if hadPrev {
			_ = b.rows.Replace(ctx, prev)
		} else {
			_, _ = b.rows.Delete(ctx, address)
		}
		return 0, err
	}
	return n, nil
}

func (b *Backend) Get(ctx context.Context, address string) (storage.Row, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return storage.Row{}, false, storage.ErrClosed
	}
	return b.rows.Get(ctx, address)
}

func (b *Backend) Replace(ctx context.Context, row storage.Row) error {
	_, err := b.mutate(ctx, row.Address, func() (int64, error) {
		return 1, b.rows.Replace(ctx, row)
	})
	return err
}

func (b *Backend) UpdateApproval(ctx context.Context, address string, approval bool) (int64, error) {
	return b.mutate(ctx, address, func() (int64, error) {
		return b.rows.UpdateApproval(ctx, address, approval)
	})
}

func (b *Backend) UpdateVerified(ctx context.Context, address, identityKey string, verified int) (int64, error) {
	return b.mutate(ctx, address, func() (int64, error) {
		return b.rows.UpdateVerified(ctx, address, identityKey, verified)
	})
}

func (b *Backend) Delete(ctx context.Context, address string) (int64, error) {
	return b.mutate(ctx, address, func() (int64, error) {
		return b.rows.Delete(ctx, address)
	})
}

func (b *Backend) SecondaryKey(ctx context.Context, address string) (*string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, false, storage.ErrClosed
	}
	return b.rows.SecondaryKey(ctx, address)
}

// Close wipes the derived key. The snapshot on disk is already current.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	wipe(b.key[:])
	return b.rows.Close()
}

func wipe(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
