package vaults

import (
	"errors"
	"fmt"
	"regexp"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/openmined/minisync/internal/remote/fsremote"
	"github.com/openmined/minisync/internal/utils"
)

const defaultCacheSize = 256

var (
	ErrInvalidVaultID = errors.New("invalid vault id")
	validVaultID      = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)
)

// Store hands out the directory-backed remote of each vault hosted by the
// server. Providers are cached so that requests for the same vault share one
// in-process lock.
type Store struct {
	root      string
	providers *lru.Cache[string, *fsremote.Provider]
}

func NewStore(root string) (*Store, error) {
	if err := utils.EnsureDir(root); err != nil {
		return nil, fmt.Errorf("vault store: %w", err)
	}
	cache, err := lru.New[string, *fsremote.Provider](defaultCacheSize)
	if err != nil {
		return nil, err
	}
	return &Store{root: root, providers: cache}, nil
}

func (s *Store) Root() string {
	return s.root
}

func (s *Store) Get(vaultID string) (*fsremote.Provider, error) {
	if !ValidID(vaultID) {
		return nil, ErrInvalidVaultID
	}
	if p, ok := s.providers.Get(vaultID); ok {
		return p, nil
	}
	p, err := fsremote.New(s.root, vaultID)
	if err != nil {
		return nil, err
	}
	// a concurrent request may have won the race
	if prev, ok, _ := s.providers.PeekOrAdd(vaultID, p); ok {
		return prev, nil
	}
	return p, nil
}

func ValidID(vaultID string) bool {
	return validVaultID.MatchString(vaultID) && vaultID != "." && vaultID != ".."
}
