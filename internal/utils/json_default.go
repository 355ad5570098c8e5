//go:build !sonic

package utils

import (
	"io"

	"github.com/goccy/go-json"
)

var (
	JSONMarshal       = json.Marshal
	JSONUnmarshal     = json.Unmarshal
	JSONMarshalIndent = json.MarshalIndent
)

func JSONEncode(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}

func JSONDecode(r io.Reader, v any) error {
	return json.NewDecoder(r).Decode(v)
}
