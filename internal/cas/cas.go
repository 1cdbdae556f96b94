// Package cas computes content addresses: BLAKE3 digests over a kind tag and
// a canonical JSON encoding of the payload.
package cas

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"time"

	"lukechampine.com/blake3"
)

// NowMs returns the current time in milliseconds since epoch.
func NowMs() int64 {
	return time.Now().UnixMilli()
}

// CanonicalJSON encodes v with sorted object keys and no HTML escaping, so
// equal values always produce identical bytes.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	// Round-trip through a generic value: encoding/json sorts map keys, which
	// normalizes struct field order and nested maps alike.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Sum returns the 32-byte BLAKE3 digest of data.
func Sum(data []byte) []byte {
	h := blake3.Sum256(data)
	return h[:]
}

// SumHex returns the BLAKE3 digest of data as hex.
func SumHex(data []byte) string {
	return hex.EncodeToString(Sum(data))
}

// Tagged hashes kind + "\n" + data. Different kinds never collide even for
// identical bytes.
func Tagged(kind string, data []byte) string {
	h := blake3.New(32, nil)
	h.Write([]byte(kind))
	h.Write([]byte{'\n'})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ObjectID returns the content address of payload under kind together with
// the canonical bytes that were hashed.
func ObjectID(kind string, payload any) (string, []byte, error) {
	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return "", nil, err
	}
	return Tagged(kind, canonical), canonical, nil
}
