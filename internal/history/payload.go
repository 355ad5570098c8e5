package history

import (
	"path"
	"strings"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar/v4"
)

// MaxInlineSize is the largest text body carried inline in an event or manifest.
const MaxInlineSize = 64 * 1024

var textPatterns = []string{
	"**/*.md",
	"**/*.txt",
	"**/*.json",
	"**/*.yaml",
	"**/*.yml",
	"**/*.csv",
	"**/*.canvas",
}

// IsTextPath reports whether the path has a text-like extension.
func IsTextPath(p string) bool {
	p = strings.ToLower(path.Clean(p))
	for _, pattern := range textPatterns {
		if ok, _ := doublestar.Match(pattern, p); ok {
			return true
		}
	}
	return false
}

// ShouldInline reports whether a file body travels inline as text rather than
// as a blob reference.
func ShouldInline(p string, data []byte) bool {
	return len(data) <= MaxInlineSize && IsTextPath(p) && utf8.Valid(data)
}
