package hasher

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// IOError is returned when a file cannot be read for hashing. Callers skip the
// file for this pass.
type IOError struct {
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("hash %s: %v", e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// HashFile streams the file through sha256. Nothing is cached: equal size and
// mtime do not imply equal content.
func HashFile(path string) (Hash, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Hash{}, &IOError{Path: path, Err: err}
	}
	if info.IsDir() {
		return Hash{}, &IOError{Path: path, Err: fmt.Errorf("is a directory")}
	}

	f, err := os.Open(path)
	if err != nil {
		return Hash{}, &IOError{Path: path, Err: err}
	}
	defer f.Close()

	sum, err := HashReader(f)
	if err != nil {
		return Hash{}, &IOError{Path: path, Err: err}
	}
	return sum, nil
}

func HashReader(r io.Reader) (Hash, error) {
	d := sha256.New()
	if _, err := io.Copy(d, r); err != nil {
		return Hash{}, err
	}
	return SHA256(hex.EncodeToString(d.Sum(nil))), nil
}

func HashBytes(data []byte) Hash {
	sum := sha256.Sum256(data)
	return SHA256(hex.EncodeToString(sum[:]))
}
