package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

// api sorts map keys so the same value always encodes to the same bytes.
var api = sonic.Config{
	EscapeHTML:       true,
	SortMapKeys:      true,
	CompactMarshaler: true,
	ValidateString:   true,
}.Froze()

func Marshal(v any) ([]byte, error) {
	return api.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return api.Unmarshal(data, v)
}

// Valid reports whether data is a well-formed JSON document.
func Valid(data []byte) bool {
	return api.Valid(data)
}

func Encode(w io.Writer, v any) error {
	return api.NewEncoder(w).Encode(v)
}

func Decode(r io.Reader, v any) error {
	return api.NewDecoder(r).Decode(v)
}
