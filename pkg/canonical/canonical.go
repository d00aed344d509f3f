// Package canonical produces RFC 8785 canonical JSON and Unicode-normalised
// text so that the same credential always hashes to the same value.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// Marshal returns the canonical JSON encoding of v.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: transform: %w", err)
	}
	return out, nil
}

// Hash returns the hex SHA-256 of v's canonical encoding.
func Hash(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the hex SHA-256 of b.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Text trims s and converts it to NFC.
func Text(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// Attributes normalises keys and values with Text. Keys that collide after
// normalisation keep the lexically last value.
func Attributes(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		nk := Text(k)
		if nk == "" {
			continue
		}
		nv := Text(v)
		if prev, ok := out[nk]; ok && prev > nv {
			continue
		}
		out[nk] = nv
	}
	return out
}
