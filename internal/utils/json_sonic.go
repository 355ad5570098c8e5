//go:build sonic

package utils

import (
	"io"

	"github.com/bytedance/sonic"
)

var (
	JSONMarshal       = sonic.ConfigStd.Marshal
	JSONUnmarshal     = sonic.ConfigStd.Unmarshal
	JSONMarshalIndent = sonic.ConfigStd.MarshalIndent
)

func JSONEncode(w io.Writer, v any) error {
	return sonic.ConfigStd.NewEncoder(w).Encode(v)
}

func JSONDecode(r io.Reader, v any) error {
	return sonic.ConfigStd.NewDecoder(r).Decode(v)
}
