// Package cursor encodes keyset positions into opaque, tamper-evident tokens.
//
// Token layout (before base64 RawURL):
//
//	ver(1) | dir(1) | n(1) | { kind(1) | value } * n | mac(12)
//
// value is big-endian u64 for int/uint/float, i64 unix seconds + u32
// nanoseconds for time, u16 length + bytes for string/bytes and one byte
// for bool. mac is a truncated
// HMAC-SHA256 of everything before it, keyed by a process-wide secret.
// The mac is verified before any field is interpreted.
package cursor

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/unkn0wn-root/cursorpage/sortkey"
)

const (
	version  byte = 2
	macLen        = 12
	hdrLen        = 3
	minToken      = hdrLen + macLen

	// MinSecretLen is the shortest accepted HMAC secret.
	MinSecretLen = 16
)

var (
	ErrInvalidFormat      = errors.New("cursor: invalid format")
	ErrChecksumMismatch   = errors.New("cursor: checksum mismatch")
	ErrVersionUnsupported = errors.New("cursor: version unsupported")
)

var enc = base64.RawURLEncoding.Strict()

// Direction of navigation relative to the position.
type Direction uint8

const (
	Forward Direction = iota
	Backward
)

func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

// Position is a decoded cursor: the sort-key values of a boundary row and
// the direction to continue in.
type Position struct {
	Values    sortkey.Tuple
	Direction Direction
}

// Codec encodes and decodes positions for one sort-key spec.
// Safe for concurrent use.
type Codec struct {
	spec   sortkey.Spec
	secret []byte
}

// New builds a Codec. The secret is copied.
func New(spec sortkey.Spec, secret []byte) (*Codec, error) {
	if spec.IsZero() {
		return nil, sortkey.ErrEmptySpec
	}
	if len(secret) < MinSecretLen {
		return nil, fmt.Errorf("cursor: secret must be at least %d bytes", MinSecretLen)
	}
	s := make([]byte, len(secret))
	copy(s, secret)
	return &Codec{spec: spec, secret: s}, nil
}

// Spec returns the ordering this codec was built for.
func (c *Codec) Spec() sortkey.Spec { return c.spec }

// Encode packs p into an opaque token.
func (c *Codec) Encode(p Position) (string, error) {
	body, err := c.Canonical(p)
	if err != nil {
		return "", err
	}
	return enc.EncodeToString(append(body, c.mac(body)...)), nil
}

// Canonical returns the unsigned packed form of p. Equal positions always
// produce equal bytes, which makes it suitable for fingerprinting.
func (c *Codec) Canonical(p Position) ([]byte, error) {
	if p.Direction != Forward && p.Direction != Backward {
		return nil, fmt.Errorf("cursor: invalid direction %d", p.Direction)
	}
	vals, err := c.spec.Normalize(p.Values)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(hdrLen + 10*len(vals) + macLen)
	buf.WriteByte(version)
	buf.WriteByte(byte(p.Direction))
	buf.WriteByte(byte(len(vals)))

	var (
		u8 [8]byte
		u4 [4]byte
		u2 [2]byte
	)
	for i, v := range vals {
		k := c.spec.Field(i).Kind
		buf.WriteByte(byte(k))
		switch k {
		case sortkey.Int:
			binary.BigEndian.PutUint64(u8[:], uint64(v.(int64)))
			buf.Write(u8[:])
		case sortkey.Uint:
			binary.BigEndian.PutUint64(u8[:], v.(uint64))
			buf.Write(u8[:])
		case sortkey.Float:
			binary.BigEndian.PutUint64(u8[:], math.Float64bits(v.(float64)))
			buf.Write(u8[:])
		case sortkey.Time:
			tm := v.(time.Time)
			binary.BigEndian.PutUint64(u8[:], uint64(tm.Unix()))
			buf.Write(u8[:])
			binary.BigEndian.PutUint32(u4[:], uint32(tm.Nanosecond()))
			buf.Write(u4[:])
		case sortkey.String, sortkey.Bytes:
			var raw []byte
			if s, ok := v.(string); ok {
				raw = []byte(s)
			} else {
				raw = v.([]byte)
			}
			binary.BigEndian.PutUint16(u2[:], uint16(len(raw)))
			buf.Write(u2[:])
			buf.Write(raw)
		case sortkey.Bool:
			if v.(bool) {
				buf.WriteByte(1)
			} else {
				buf.WriteByte(0)
			}
		}
	}
	return buf.Bytes(), nil
}

// Decode verifies and unpacks a token. Any failure rejects the whole
// cursor; nothing is partially trusted.
func (c *Codec) Decode(token string) (Position, error) {
	raw, err := enc.DecodeString(token)
	if err != nil || len(raw) < minToken {
		return Position{}, ErrInvalidFormat
	}
	body, sum := raw[:len(raw)-macLen], raw[len(raw)-macLen:]
	if !bytes.Equal(sum, c.mac(body)) {
		return Position{}, ErrChecksumMismatch
	}
	if body[0] != version {
		return Position{}, fmt.Errorf("%w: %d", ErrVersionUnsupported, body[0])
	}
	dir := Direction(body[1])
	if dir != Forward && dir != Backward {
		return Position{}, ErrInvalidFormat
	}
	n := int(body[2])
	if n != c.spec.Len() {
		return Position{}, ErrInvalidFormat
	}

	vals := make(sortkey.Tuple, n)
	off := hdrLen
	for i := 0; i < n; i++ {
		if off >= len(body) {
			return Position{}, ErrInvalidFormat
		}
		k := sortkey.Kind(body[off])
		off++
		if k != c.spec.Field(i).Kind {
			return Position{}, ErrInvalidFormat
		}
		switch k {
		case sortkey.Time:
			if off+12 > len(body) {
				return Position{}, ErrInvalidFormat
			}
			sec := int64(binary.BigEndian.Uint64(body[off : off+8]))
			nsec := binary.BigEndian.Uint32(body[off+8 : off+12])
			off += 12
			if nsec >= 1e9 {
				return Position{}, ErrInvalidFormat
			}
			vals[i] = time.Unix(sec, int64(nsec)).UTC()
		case sortkey.Int, sortkey.Uint, sortkey.Float:
			if off+8 > len(body) {
				return Position{}, ErrInvalidFormat
			}
			u := binary.BigEndian.Uint64(body[off : off+8])
			off += 8
			switch k {
			case sortkey.Int:
				vals[i] = int64(u)
			case sortkey.Uint:
				vals[i] = u
			case sortkey.Float:
				f := math.Float64frombits(u)
				if math.IsNaN(f) {
					return Position{}, ErrInvalidFormat
				}
				vals[i] = f
			}
		case sortkey.String, sortkey.Bytes:
			if off+2 > len(body) {
				return Position{}, ErrInvalidFormat
			}
			l := int(binary.BigEndian.Uint16(body[off : off+2]))
			off += 2
			if l > len(body)-off {
				return Position{}, ErrInvalidFormat
			}
			if k == sortkey.String {
				vals[i] = string(body[off : off+l])
			} else {
				b := make([]byte, l)
				copy(b, body[off:off+l])
				vals[i] = b
			}
			off += l
		case sortkey.Bool:
			if off+1 > len(body) || body[off] > 1 {
				return Position{}, ErrInvalidFormat
			}
			vals[i] = body[off] == 1
			off++
		default:
			return Position{}, ErrInvalidFormat
		}
	}
	if off != len(body) {
		return Position{}, ErrInvalidFormat
	}
	return Position{Values: vals, Direction: dir}, nil
}

func (c *Codec) mac(body []byte) []byte {
	h := hmac.New(sha256.New, c.secret)
	h.Write(body)
	return h.Sum(nil)[:macLen]
}
