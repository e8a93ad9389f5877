package history

import (
	"strconv"
	"strings"

	"github.com/goliatone/go-durable/keys"
	apperrors "github.com/goliatone/go-errors"
)

// Location addresses a node of a workflow's execution tree. The last
// element is the coordinate; the rest is the root the coordinate lives
// under.
type Location []uint64

// Root returns the empty location.
func Root() Location { return Location{} }

// Coordinate returns the last element, or zero for the root.
func (l Location) Coordinate() uint64 {
	if len(l) == 0 {
		return 0
	}
	return l[len(l)-1]
}

// Parent returns the root location the coordinate lives under.
func (l Location) Parent() Location {
	if len(l) == 0 {
		return Root()
	}
	return l.clone()[:len(l)-1]
}

// Child returns a copy of l extended with c.
func (l Location) Child(c uint64) Location {
	out := make(Location, len(l), len(l)+1)
	copy(out, l)
	return append(out, c)
}

func (l Location) Equal(o Location) bool {
	if len(l) != len(o) {
		return false
	}
	for i := range l {
		if l[i] != o[i] {
			return false
		}
	}
	return true
}

// HasPrefix reports whether p is an ancestor of, or equal to, l.
func (l Location) HasPrefix(p Location) bool {
	if len(p) > len(l) {
		return false
	}
	return l[:len(p)].Equal(p)
}

func (l Location) String() string {
	parts := make([]string, len(l))
	for i, c := range l {
		parts[i] = strconv.FormatUint(c, 10)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// Path returns the location as a plain slice, mainly for records.
func (l Location) Path() []uint64 {
	return l.clone()
}

// Pack encodes l as an order-preserving tuple so packed locations sort in
// execution order.
func (l Location) Pack() []byte {
	t := make(keys.Tuple, len(l))
	for i, c := range l {
		t[i] = int64(c)
	}
	return keys.Pack(t)
}

// ParseLocation decodes a packed location.
func ParseLocation(b []byte) (Location, error) {
	t, err := keys.Unpack(b)
	if err != nil {
		return nil, err
	}
	out := make(Location, len(t))
	for i, el := range t {
		n, ok := el.(int64)
		if !ok || n < 0 {
			return nil, apperrors.New("location element is not a coordinate", apperrors.CategoryBadInput).
				WithTextCode(keys.CodeKeyDecode).
				WithMetadata(map[string]any{"index": i})
		}
		out[i] = uint64(n)
	}
	return out, nil
}

func (l Location) clone() Location {
	out := make(Location, len(l))
	copy(out, l)
	return out
}
