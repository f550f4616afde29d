package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Signature is the logical identity of a request. Two signatures that differ
// only in backend order, shaping order or query case/whitespace produce the
// same Key.
type Signature struct {
	Kind     string
	Query    string
	Backends []string
	// Shaping holds result-shaping options as name/value pairs. Repeated
	// names are allowed (e.g. several filters).
	Shaping [][2]string
}

// Key returns the hex SHA-256 of the canonical signature.
func (s Signature) Key() string {
	backends := make([]string, 0, len(s.Backends))
	for _, b := range s.Backends {
		backends = append(backends, strings.ToLower(strings.TrimSpace(b)))
	}
	sort.Strings(backends)

	shaping := make([]string, 0, len(s.Shaping))
	for _, kv := range s.Shaping {
		shaping = append(shaping, kv[0]+"="+kv[1])
	}
	sort.Strings(shaping)

	h := sha256.New()
	write := func(parts ...string) {
		for _, p := range parts {
			// Length-prefix each part so separators cannot be forged.
			h.Write([]byte{byte(len(p) >> 24), byte(len(p) >> 16), byte(len(p) >> 8), byte(len(p))})
			h.Write([]byte(p))
		}
	}
	write(s.Kind, NormalizeQuery(s.Query))
	write("backends")
	write(backends...)
	write("shaping")
	write(shaping...)
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizeQuery lower-cases the query and collapses whitespace.
func NormalizeQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}
