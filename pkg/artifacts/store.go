// Package artifacts stores off-chain credential metadata documents by
// content address. The on-chain NFT carries the document's storage URI.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	// ErrNotFound is returned by Get for an unknown hash.
	ErrNotFound = errors.New("artifacts: not found")
	// ErrCorrupt means a backend returned bytes that do not hash to their address.
	ErrCorrupt = errors.New("artifacts: content does not match its hash")
)

// Store is content-addressed storage for metadata documents.
type Store interface {
	// Store persists data and returns its "sha256:<hex>" content hash.
	Store(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, hash string) ([]byte, error)
	Exists(ctx context.Context, hash string) (bool, error)
	Delete(ctx context.Context, hash string) error
	// URI is the storage location recorded on-chain for hash.
	URI(hash string) string
}

const hashPrefix = "sha256:"

// ContentHash returns the "sha256:<hex>" address of data.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hashPrefix + hex.EncodeToString(sum[:])
}

// rawHash validates a prefixed hash and returns its hex part.
func rawHash(hash string) (string, error) {
	raw, ok := strings.CutPrefix(hash, hashPrefix)
	if !ok {
		return "", fmt.Errorf("invalid hash format: %s", hash)
	}
	if b, err := hex.DecodeString(raw); err != nil || len(b) != sha256.Size {
		return "", fmt.Errorf("invalid hash hex: %s", hash)
	}
	return raw, nil
}

// checkContent returns data when it hashes to hash.
func checkContent(hash string, data []byte) ([]byte, error) {
	if ContentHash(data) != hash {
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, hash)
	}
	return data, nil
}

// Documents never change once written.
const immutableCacheControl = "public, max-age=31536000, immutable"

// objectName is the key a document is stored under in every backend.
func objectName(raw string) string {
	return raw + ".json"
}

// HashFromURI recovers the content hash from a URI produced by any Store.
func HashFromURI(uri string) (string, error) {
	i := strings.LastIndex(uri, "/")
	name := uri[i+1:]
	raw, ok := strings.CutSuffix(name, ".json")
	if !ok {
		return "", fmt.Errorf("not a metadata uri: %s", uri)
	}
	hash := hashPrefix + raw
	if _, err := rawHash(hash); err != nil {
		return "", err
	}
	return hash, nil
}

// FileStore keeps documents under a local directory.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates the directory if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to ensure artifact dir: %w", err)
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve artifact dir: %w", err)
	}
	return &FileStore{baseDir: abs}, nil
}

func (s *FileStore) path(raw string) string {
	return filepath.Join(s.baseDir, objectName(raw))
}

func (s *FileStore) Store(_ context.Context, data []byte) (string, error) {
	hash := ContentHash(data)
	raw := hash[len(hashPrefix):]
	path := s.path(raw)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write document: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("failed to commit document: %w", err)
	}
	return hash, nil
}

func (s *FileStore) Get(_ context.Context, hash string) ([]byte, error) {
	raw, err := rawHash(hash)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, err := os.Open(s.path(raw))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
		}
		return nil, fmt.Errorf("open document: %w", err)
	}
	defer func() { _ = f.Close() }()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	return checkContent(hash, data)
}

func (s *FileStore) Exists(_ context.Context, hash string) (bool, error) {
	raw, err := rawHash(hash)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, err = os.Stat(s.path(raw))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat document: %w", err)
}

func (s *FileStore) Delete(_ context.Context, hash string) error {
	raw, err := rawHash(hash)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(raw)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return nil
}

func (s *FileStore) URI(hash string) string {
	return "file://" + filepath.ToSlash(filepath.Join(s.baseDir, objectName(strings.TrimPrefix(hash, hashPrefix))))
}
