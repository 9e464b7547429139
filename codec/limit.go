package codec

import (
	"errors"
	"fmt"
)

// ErrTooLarge is returned by a Limit codec for oversized payloads. The page
// cache treats it like any decode error and drops the entry.
var ErrTooLarge = errors.New("codec: payload too large")

// LimitCodec caps the size of a single encoded item in both directions, so
// one runaway row cannot bloat a shared backing store.
type LimitCodec[V any] struct {
	Inner Codec[V]
	Max   int // <= 0 disables the check
}

// Limit wraps inner with a size cap.
func Limit[V any](inner Codec[V], maxBytes int) LimitCodec[V] {
	return LimitCodec[V]{Inner: inner, Max: maxBytes}
}

func (c LimitCodec[V]) Encode(v V) ([]byte, error) {
	b, err := c.Inner.Encode(v)
	if err != nil {
		return nil, err
	}
	if c.Max > 0 && len(b) > c.Max {
		return nil, fmt.Errorf("%w: encoded %d > %d", ErrTooLarge, len(b), c.Max)
	}
	return b, nil
}

func (c LimitCodec[V]) Decode(b []byte) (V, error) {
	if c.Max > 0 && len(b) > c.Max {
		var zero V
		return zero, fmt.Errorf("%w: %d > %d", ErrTooLarge, len(b), c.Max)
	}
	return c.Inner.Decode(b)
}
