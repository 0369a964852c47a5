// Package guid implements the 16-byte GUID type shared by the P4K
// entry table, CryXmlB-adjacent tooling and the DataCore record/reference
// model (see spec.md §3 "Shared").
//
// A GUID uses the classic Windows mixed-endian layout: the first 4 bytes
// are a little-endian uint32, the next 2 and next 2 are little-endian
// uint16s, and the remaining 8 bytes are taken as-is. google/uuid only
// knows the plain RFC 4122 big-endian byte order, so String/Parse do a
// byte-order fixup around it rather than reimplementing text rendering.
package guid

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/19h/svarog/ferr"
)

// Size is the encoded length of a GUID in bytes.
const Size = 16

// GUID is a 16-byte globally unique identifier in mixed-endian layout.
type GUID [Size]byte

// Zero is the all-zero GUID, used as an "absent" sentinel in places where
// a GUID field is optional.
var Zero GUID

// FromBytes copies 16 bytes into a GUID. It returns ferr.TruncatedInput
// if fewer than 16 bytes are available.
func FromBytes(b []byte) (GUID, error) {
	var g GUID
	if len(b) < Size {
		return g, ferr.Newf(ferr.TruncatedInput, "guid requires %d bytes, got %d", Size, len(b))
	}
	copy(g[:], b[:Size])
	return g, nil
}

// IsZero reports whether g is the all-zero GUID.
func (g GUID) IsZero() bool { return g == Zero }

// toRFC4122 reorders the mixed-endian GUID bytes into the plain big-endian
// layout google/uuid expects.
func (g GUID) toRFC4122() uuid.UUID {
	var u uuid.UUID
	u[0], u[1], u[2], u[3] = g[3], g[2], g[1], g[0]
	u[4], u[5] = g[5], g[4]
	u[6], u[7] = g[7], g[6]
	copy(u[8:], g[8:16])
	return u
}

// fromRFC4122 reverses toRFC4122.
func fromRFC4122(u uuid.UUID) GUID {
	var g GUID
	g[0], g[1], g[2], g[3] = u[3], u[2], u[1], u[0]
	g[4], g[5] = u[5], u[4]
	g[6], g[7] = u[7], u[6]
	copy(g[8:16], u[8:])
	return g
}

// String returns the canonical "xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx" text
// form.
func (g GUID) String() string {
	return g.toRFC4122().String()
}

// Parse parses the canonical textual form back into a GUID.
func Parse(s string) (GUID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return Zero, ferr.Wrap(ferr.InvalidString, fmt.Sprintf("parsing guid %q", s), err)
	}
	return fromRFC4122(u), nil
}

// Bytes returns the raw 16-byte mixed-endian encoding.
func (g GUID) Bytes() []byte {
	b := make([]byte, Size)
	copy(b, g[:])
	return b
}

// Equal reports whether two GUIDs are byte-wise identical.
func (g GUID) Equal(other GUID) bool { return g == other }
