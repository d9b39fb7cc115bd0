// Package cursor implements the forward-only byte cursors the module image
// and cache-entry codecs are built from. Every write advances and returns
// the cursor; every read additionally returns ErrTruncated when the image
// ends early, so a malformed cache entry surfaces as a decode error rather
// than a panic.
package cursor

import (
	"encoding/binary"
	"errors"
)

// ErrTruncated reports that an image ended before the value being decoded.
var ErrTruncated = errors.New("truncated image")

func PutU8(c []byte, v byte) []byte {
	c[0] = v
	return c[1:]
}

func U8(c []byte) (byte, []byte, error) {
	if len(c) < 1 {
		return 0, nil, ErrTruncated
	}
	return c[0], c[1:], nil
}

func PutU32(c []byte, v uint32) []byte {
	binary.LittleEndian.PutUint32(c, v)
	return c[4:]
}

func U32(c []byte) (uint32, []byte, error) {
	if len(c) < 4 {
		return 0, nil, ErrTruncated
	}
	return binary.LittleEndian.Uint32(c), c[4:], nil
}

func PutU64(c []byte, v uint64) []byte {
	binary.LittleEndian.PutUint64(c, v)
	return c[8:]
}

func U64(c []byte) (uint64, []byte, error) {
	if len(c) < 8 {
		return 0, nil, ErrTruncated
	}
	return binary.LittleEndian.Uint64(c), c[8:], nil
}

func PutBytes(c, b []byte) []byte {
	copy(c, b)
	return c[len(b):]
}

func Bytes(c []byte, n int) ([]byte, []byte, error) {
	if len(c) < n {
		return nil, nil, ErrTruncated
	}
	return c[:n], c[n:], nil
}

// Strings are encoded as a length-and-presence tag followed by the raw
// bytes. A zero tag denotes an absent string, which is distinct from a
// present empty one (tag 1, no bytes).

func SizeString(s string, present bool) int {
	if !present {
		return 4
	}
	return 4 + len(s)
}

func PutString(c []byte, s string, present bool) []byte {
	if !present {
		return PutU32(c, 0)
	}
	c = PutU32(c, uint32(len(s))<<1|1)
	return PutBytes(c, []byte(s))
}

func String(c []byte) (s string, present bool, rest []byte, err error) {
	tag, c, err := U32(c)
	if err != nil {
		return "", false, nil, err
	}
	if tag == 0 {
		return "", false, c, nil
	}
	b, c, err := Bytes(c, int(tag>>1))
	if err != nil {
		return "", false, nil, err
	}
	return string(b), true, c, nil
}
