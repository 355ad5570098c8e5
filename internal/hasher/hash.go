package hasher

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/openmined/minisync/internal/utils"
)

const AlgorithmSHA256 = "sha256"

// Hash is the single content-hash representation used across the engine.
// The zero value means "absent".
type Hash struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

// SHA256 wraps a hex digest.
func SHA256(hex string) Hash {
	if hex == "" {
		return Hash{}
	}
	return Hash{Algorithm: AlgorithmSHA256, Value: strings.ToLower(hex)}
}

func (h Hash) IsZero() bool {
	return h.Value == ""
}

// Equal compares two hashes. Two absent hashes are equal.
func (h Hash) Equal(o Hash) bool {
	if h.IsZero() || o.IsZero() {
		return h.IsZero() && o.IsZero()
	}
	return h.algorithm() == o.algorithm() && strings.EqualFold(h.Value, o.Value)
}

func (h Hash) String() string {
	if h.IsZero() {
		return "<absent>"
	}
	return h.Value
}

// Short returns the first 8 hex characters, for logs.
func (h Hash) Short() string {
	if len(h.Value) <= 8 {
		return h.String()
	}
	return h.Value[:8]
}

func (h Hash) algorithm() string {
	if h.Algorithm == "" {
		return AlgorithmSHA256
	}
	return strings.ToLower(h.Algorithm)
}

type hashObject struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

// MarshalJSON always emits the object form, or null when absent.
func (h Hash) MarshalJSON() ([]byte, error) {
	if h.IsZero() {
		return []byte("null"), nil
	}
	return utils.JSONMarshal(hashObject{Algorithm: h.algorithm(), Value: h.Value})
}

// UnmarshalJSON accepts a bare hex string, an {algorithm,value} object or null.
func (h *Hash) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*h = Hash{}
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := utils.JSONUnmarshal(data, &s); err != nil {
			return fmt.Errorf("hash string: %w", err)
		}
		*h = SHA256(s)
		return nil
	}

	var obj hashObject
	if err := utils.JSONUnmarshal(data, &obj); err != nil {
		return fmt.Errorf("hash object: %w", err)
	}
	if obj.Value == "" {
		*h = Hash{}
		return nil
	}
	*h = Hash{Algorithm: obj.Algorithm, Value: strings.ToLower(obj.Value)}
	if h.Algorithm == "" {
		h.Algorithm = AlgorithmSHA256
	}
	return nil
}
