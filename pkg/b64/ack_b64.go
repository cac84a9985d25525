// Package b64 normalizes base64 payloads from mail providers.
//
// Gmail returns attachment bodies in URL-safe base64 without padding.
// Legacy rows stored before normalization may carry either alphabet, so
// decoding always goes through Normalize first.
package b64

import (
	"encoding/base64"
	"strings"
)

// Normalize converts URL-safe base64 to the standard alphabet and
// restores padding to a multiple of four.
func Normalize(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "-", "+")
	s = strings.ReplaceAll(s, "_", "/")
	if m := len(s) % 4; m != 0 {
		s += strings.Repeat("=", 4-m)
	}
	return s
}

// Decode normalizes and decodes a base64 string from either alphabet.
func Decode(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(Normalize(s))
}

// Encode encodes raw bytes with the standard alphabet and padding.
func Encode(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}
