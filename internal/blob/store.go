package blob

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/openmined/minisync/internal/hasher"
	"github.com/openmined/minisync/internal/utils"
)

var (
	ErrNotFound    = errors.New("blob not found")
	ErrInvalidHash = errors.New("invalid blob hash")

	regexSHA256 = regexp.MustCompile(`^[a-f0-9]{64}$`)
)

// Store is a content-addressed blob directory keyed by sha256 hex.
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) Path(hash string) string {
	return filepath.Join(s.dir, hash)
}

// Put stores data under hash. It is a no-op when the blob already exists.
func (s *Store) Put(hash string, data []byte) error {
	if !ValidHash(hash) {
		return fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}
	if s.Has(hash) {
		return nil
	}
	if err := utils.WriteFileAtomic(s.Path(hash), data, 0o644); err != nil {
		return fmt.Errorf("put blob %s: %w", hash, err)
	}
	return nil
}

// PutBytes hashes data and stores it, returning the content hash.
func (s *Store) PutBytes(data []byte) (hasher.Hash, error) {
	h := hasher.HashBytes(data)
	if err := s.Put(h.Value, data); err != nil {
		return hasher.Hash{}, err
	}
	return h, nil
}

func (s *Store) Get(hash string) ([]byte, error) {
	if !ValidHash(hash) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}
	data, err := os.ReadFile(s.Path(hash))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("get blob %s: %w", hash, err)
	}
	return data, nil
}

func (s *Store) Has(hash string) bool {
	if !ValidHash(hash) {
		return false
	}
	return utils.FileExists(s.Path(hash))
}

// ValidHash reports whether hash is a lowercase sha256 hex digest.
func ValidHash(hash string) bool {
	return regexSHA256.MatchString(hash)
}
