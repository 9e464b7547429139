package pagecache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/unkn0wn-root/cursorpage/codec"
)

// Page is one page of a listing. Items are in forward sort order.
// Empty cursors mean there is no page in that direction.
type Page[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"nextCursor,omitempty"`
	PrevCursor string `json:"prevCursor,omitempty"`
	HasMore    bool   `json:"hasMore"`
}

// clone returns p with its own Items backing array.
func (p Page[T]) clone() Page[T] {
	if p.Items != nil {
		items := make([]T, len(p.Items))
		copy(items, p.Items)
		p.Items = items
	}
	return p
}

// ComputeFunc builds a page on a cache miss. ctx is detached from any single
// caller and is canceled only when every waiter has given up.
type ComputeFunc[T any] func(ctx context.Context) (Page[T], error)

// Fingerprint identifies one cacheable page request. Identity groups the
// pages of one listing for invalidation; Key distinguishes requests within it.
type Fingerprint struct {
	Identity string
	Key      string
}

func (f Fingerprint) String() string { return f.Identity + "#" + f.Key }

var ErrEmptyIdentity = errors.New("pagecache: empty identity")

var fpCodec = codec.MustCBOR[[]any](true)

// NewFingerprint hashes identity and parts with deterministic CBOR, so equal
// inputs (maps included) always produce the same Key.
func NewFingerprint(identity string, parts ...any) (Fingerprint, error) {
	if identity == "" {
		return Fingerprint{}, ErrEmptyIdentity
	}
	vals := make([]any, 0, len(parts)+1)
	vals = append(vals, identity)
	vals = append(vals, parts...)
	b, err := fpCodec.Encode(vals)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("pagecache: fingerprint: %w", err)
	}
	sum := sha256.Sum256(b)
	return Fingerprint{Identity: identity, Key: hex.EncodeToString(sum[:16])}, nil
}
