package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	version  byte = 1
	kindPage byte = 1

	flagHasMore byte = 1 << 0
)

var (
	ErrCorrupt = errors.New("cursorpage: corrupt entry")
	magic4     = [...]byte{'C', 'P', 'A', 'G'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Page is a cached page frame. Items hold codec-encoded values.
type Page struct {
	Fingerprint string
	InsertedAt  int64 // unix ns
	TTL         int64 // ns
	HasMore     bool
	Next        string
	Prev        string
	Items       [][]byte
}

// Page frame:
//
//	magic(4) | ver(1) | kind(1=page) | inserted(i64 be) | ttl(i64 be) | flags(1)
//	fpLen(u16 be) | fp | nextLen(u16 be) | next | prevLen(u16 be) | prev
//	n(u32 be) | { vlen(u32 be) | payload(vlen) } * n
func EncodePage(p Page) ([]byte, error) {
	for name, s := range map[string]string{"fingerprint": p.Fingerprint, "next": p.Next, "prev": p.Prev} {
		if len(s) > math.MaxUint16 {
			return nil, fmt.Errorf("cursorpage: %s too long (%d)", name, len(s))
		}
	}
	if p.Fingerprint == "" {
		return nil, errors.New("cursorpage: empty fingerprint")
	}

	total := 4 + 1 + 1 + 8 + 8 + 1 + 2 + len(p.Fingerprint) + 2 + len(p.Next) + 2 + len(p.Prev) + 4
	for _, it := range p.Items {
		total += 4 + len(it)
	}

	var buf bytes.Buffer
	buf.Grow(total)

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindPage)

	var u8 [8]byte
	var u4 [4]byte
	var u2 [2]byte

	binary.BigEndian.PutUint64(u8[:], uint64(p.InsertedAt))
	buf.Write(u8[:])
	binary.BigEndian.PutUint64(u8[:], uint64(p.TTL))
	buf.Write(u8[:])

	var flags byte
	if p.HasMore {
		flags |= flagHasMore
	}
	buf.WriteByte(flags)

	for _, s := range []string{p.Fingerprint, p.Next, p.Prev} {
		binary.BigEndian.PutUint16(u2[:], uint16(len(s)))
		buf.Write(u2[:])
		buf.WriteString(s)
	}

	binary.BigEndian.PutUint32(u4[:], uint32(len(p.Items)))
	buf.Write(u4[:])
	for _, it := range p.Items {
		binary.BigEndian.PutUint32(u4[:], uint32(len(it)))
		buf.Write(u4[:])
		buf.Write(it)
	}
	return buf.Bytes(), nil
}

// DecodePage parses a page frame. Item payloads are subslices of b.
func DecodePage(b []byte) (Page, error) {
	const hdr = 4 + 1 + 1 + 8 + 8 + 1
	if len(b) < hdr || !hasMagic(b) || b[4] != version || b[5] != kindPage {
		return Page{}, ErrCorrupt
	}
	off := 6

	var p Page
	p.InsertedAt = int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8
	p.TTL = int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8
	flags := b[off]
	off++
	if flags&^flagHasMore != 0 {
		return Page{}, ErrCorrupt
	}
	p.HasMore = flags&flagHasMore != 0

	strs := [3]string{}
	for i := range strs {
		if off+2 > len(b) {
			return Page{}, ErrCorrupt
		}
		l := int(binary.BigEndian.Uint16(b[off : off+2]))
		off += 2
		if l > len(b)-off {
			return Page{}, ErrCorrupt
		}
		strs[i] = string(b[off : off+l])
		off += l
	}
	p.Fingerprint, p.Next, p.Prev = strs[0], strs[1], strs[2]
	if p.Fingerprint == "" {
		return Page{}, ErrCorrupt
	}

	if off+4 > len(b) {
		return Page{}, ErrCorrupt
	}
	n := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	// every item needs at least its 4-byte length
	if n < 0 || n > (len(b)-off)/4 {
		return Page{}, ErrCorrupt
	}

	p.Items = make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		if off+4 > len(b) {
			return Page{}, ErrCorrupt
		}
		vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
		off += 4
		if vlen < 0 || vlen > len(b)-off { // overflow-safe bound check
			return Page{}, ErrCorrupt
		}
		p.Items = append(p.Items, b[off:off+vlen])
		off += vlen
	}
	if off != len(b) {
		return Page{}, ErrCorrupt
	}
	return p, nil
}
