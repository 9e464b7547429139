// Package codec turns page items into bytes for the backing store and back.
// Every cache hit decodes fresh values, so a Codec must never hand out
// memory that aliases its input.
package codec

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
