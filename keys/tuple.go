package keys

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

const (
	codeBytes  byte = 0x01
	codeString byte = 0x02
	codeInt    byte = 0x15
	codeUUID   byte = 0x30

	escapeByte byte = 0xFF
)

// Tuple is an ordered list of key components. Supported element types are
// []byte, string, int, int64, uint64 (must fit in int64) and uuid.UUID.
type Tuple []any

// Pack encodes t so that the byte order of two packed tuples matches the
// element-wise order of the tuples.
func Pack(t Tuple) []byte {
	buf := make([]byte, 0, 32)
	for _, el := range t {
		buf = appendElement(buf, el)
	}
	return buf
}

func appendElement(buf []byte, el any) []byte {
	switch v := el.(type) {
	case []byte:
		buf = append(buf, codeBytes)
		buf = appendEscaped(buf, v)
	case string:
		buf = append(buf, codeString)
		buf = appendEscaped(buf, []byte(v))
	case int:
		buf = appendInt(buf, int64(v))
	case int64:
		buf = appendInt(buf, v)
	case uint64:
		buf = appendInt(buf, int64(v))
	case uuid.UUID:
		buf = append(buf, codeUUID)
		buf = append(buf, v[:]...)
	default:
		panic(fmt.Sprintf("keys: unsupported tuple element %T", el))
	}
	return buf
}

func appendEscaped(buf, raw []byte) []byte {
	for _, b := range raw {
		buf = append(buf, b)
		if b == 0x00 {
			buf = append(buf, escapeByte)
		}
	}
	return append(buf, 0x00)
}

func appendInt(buf []byte, v int64) []byte {
	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], uint64(v)^(1<<63))
	buf = append(buf, codeInt)
	return append(buf, scratch[:]...)
}

// Unpack decodes a packed tuple. Strings decode as string, byte strings as
// []byte, integers as int64 and UUIDs as uuid.UUID.
func Unpack(b []byte) (Tuple, error) {
	out := make(Tuple, 0, 6)
	for pos := 0; pos < len(b); {
		code := b[pos]
		pos++
		switch code {
		case codeBytes, codeString:
			raw, next, err := readEscaped(b, pos)
			if err != nil {
				return nil, err
			}
			pos = next
			if code == codeString {
				out = append(out, string(raw))
			} else {
				out = append(out, raw)
			}
		case codeInt:
			if pos+8 > len(b) {
				return nil, decodeError("truncated integer", b)
			}
			out = append(out, int64(binary.BigEndian.Uint64(b[pos:pos+8])^(1<<63)))
			pos += 8
		case codeUUID:
			if pos+16 > len(b) {
				return nil, decodeError("truncated uuid", b)
			}
			var id uuid.UUID
			copy(id[:], b[pos:pos+16])
			out = append(out, id)
			pos += 16
		default:
			return nil, decodeError(fmt.Sprintf("unknown type code 0x%02x", code), b)
		}
	}
	return out, nil
}

func readEscaped(b []byte, pos int) ([]byte, int, error) {
	var out []byte
	for pos < len(b) {
		c := b[pos]
		if c == 0x00 {
			if pos+1 < len(b) && b[pos+1] == escapeByte {
				out = append(out, 0x00)
				pos += 2
				continue
			}
			if out == nil {
				out = []byte{}
			}
			return out, pos + 1, nil
		}
		out = append(out, c)
		pos++
	}
	return nil, pos, decodeError("unterminated string", b)
}

// Subspace is a packed tuple prefix used for range scans.
type Subspace struct {
	prefix []byte
}

// NewSubspace binds the given tuple prefix.
func NewSubspace(prefix Tuple) Subspace {
	return Subspace{prefix: Pack(prefix)}
}

// Prefix returns a copy of the packed prefix.
func (s Subspace) Prefix() []byte {
	return bytes.Clone(s.prefix)
}

// Pack appends the packed suffix to the subspace prefix.
func (s Subspace) Pack(suffix Tuple) []byte {
	out := bytes.Clone(s.prefix)
	for _, el := range suffix {
		out = appendElement(out, el)
	}
	return out
}

// Sub returns a nested subspace.
func (s Subspace) Sub(suffix ...any) Subspace {
	return Subspace{prefix: s.Pack(Tuple(suffix))}
}

// Contains reports whether key lives under the subspace.
func (s Subspace) Contains(key []byte) bool {
	return bytes.HasPrefix(key, s.prefix)
}

// Range returns the half-open interval [prefix, prefix||0xFF) covering every
// key in the subspace.
func (s Subspace) Range() (begin, end []byte) {
	begin = bytes.Clone(s.prefix)
	end = append(bytes.Clone(s.prefix), 0xFF)
	return begin, end
}
