package memory

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// NormalizeQuery trims surrounding whitespace and lower-cases the query.
func NormalizeQuery(query string) string {
	return strings.ToLower(strings.TrimSpace(query))
}

// DeriveKey computes a SHA-256 hash of the normalized query and the context.
// The query is length-prefixed so no query can run into the context bytes.
// Context maps are serialized with sorted keys, so key order never matters.
// A nil or empty context contributes nothing to the key.
func DeriveKey(query string, context map[string]any) string {
	q := NormalizeQuery(query)

	var size [8]byte
	binary.BigEndian.PutUint64(size[:], uint64(len(q)))

	h := sha256.New()
	h.Write(size[:])
	h.Write([]byte(q))
	if len(context) > 0 {
		h.Write(serializeContext(context))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func serializeContext(context map[string]any) []byte {
	data, err := json.Marshal(context)
	if err != nil {
		// fmt also prints map keys in sorted order.
		return []byte(fmt.Sprintf("%v", context))
	}
	return data
}
