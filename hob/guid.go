package hob

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// GUID is a 128-bit identifier stored in EFI byte order: the first three
// fields are little-endian while the last eight bytes are kept as-is.
type GUID [16]byte

var (
	// StackGUID names the memory allocation HOB that describes the boot
	// stack.
	StackGUID = MustParseGUID("4ED4BF27-4092-42E9-807D-527B1D00C9BD")

	// BSPStoreGUID names the memory allocation HOB for the backing store
	// of register stack engines. It is listed here so dumps can label it.
	BSPStoreGUID = MustParseGUID("564B33CD-C92A-4593-90BF-2473E43C6322")

	// ModuleGUID names memory allocation HOBs describing loaded modules.
	ModuleGUID = MustParseGUID("F8E21975-0899-4F58-A4BE-5525A9C6D77A")
)

// FromUUID converts a canonical UUID into EFI byte order.
func FromUUID(u uuid.UUID) GUID {
	var g GUID
	binary.LittleEndian.PutUint32(g[0:4], binary.BigEndian.Uint32(u[0:4]))
	binary.LittleEndian.PutUint16(g[4:6], binary.BigEndian.Uint16(u[4:6]))
	binary.LittleEndian.PutUint16(g[6:8], binary.BigEndian.Uint16(u[6:8]))
	copy(g[8:], u[8:])
	return g
}

// ParseGUID parses the textual registry format of a GUID.
func ParseGUID(s string) (GUID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return GUID{}, err
	}
	return FromUUID(u), nil
}

// MustParseGUID behaves like ParseGUID but panics if s cannot be parsed.
func MustParseGUID(s string) GUID {
	g, err := ParseGUID(s)
	if err != nil {
		panic(err)
	}
	return g
}

// UUID converts g into a canonical UUID.
func (g GUID) UUID() uuid.UUID {
	var u uuid.UUID
	binary.BigEndian.PutUint32(u[0:4], binary.LittleEndian.Uint32(g[0:4]))
	binary.BigEndian.PutUint16(u[4:6], binary.LittleEndian.Uint16(g[4:6]))
	binary.BigEndian.PutUint16(u[6:8], binary.LittleEndian.Uint16(g[6:8]))
	copy(u[8:], g[8:])
	return u
}

// String returns the registry format of g in upper case.
func (g GUID) String() string {
	s := []byte(g.UUID().String())
	for i, ch := range s {
		if ch >= 'a' && ch <= 'f' {
			s[i] = ch - 'a' + 'A'
		}
	}
	return string(s)
}
