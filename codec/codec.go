// Package codec converts committed values to bytes and back. When an engine
// is given a Codec, every read decodes a fresh copy, so callers can never
// mutate what the cache holds.
package codec

// Codec encodes/decodes values V to []byte.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
