package datacore

import "github.com/19h/svarog/guid"

// pools holds one ordered sequence per primitive DataType, populated in
// type-enumeration order during Open (spec.md §4.4's table-order
// contract).
type pools struct {
	boolPool   []bool
	int8Pool   []int8
	uint8Pool  []uint8
	int16Pool  []int16
	uint16Pool []uint16
	int32Pool  []int32
	uint32Pool []uint32
	int64Pool  []int64
	uint64Pool []uint64
	float32Pool []float32
	float64Pool []float64
	guidPool    []guid.GUID
	// stringRefPool and enumStringPool hold byte offsets into the
	// values string table.
	stringRefPool []uint32
	localeIDPool  []uint32
	enumIndexPool []uint32
	enumStringPool []uint32
	referencePool      []Reference
	classReferencePool []ClassReferenceValue
}

func (p *pools) count(dt DataType) uint32 {
	switch dt {
	case Bool:
		return uint32(len(p.boolPool))
	case Int8:
		return uint32(len(p.int8Pool))
	case UInt8:
		return uint32(len(p.uint8Pool))
	case Int16:
		return uint32(len(p.int16Pool))
	case UInt16:
		return uint32(len(p.uint16Pool))
	case Int32:
		return uint32(len(p.int32Pool))
	case UInt32:
		return uint32(len(p.uint32Pool))
	case Int64:
		return uint32(len(p.int64Pool))
	case UInt64:
		return uint32(len(p.uint64Pool))
	case Float32:
		return uint32(len(p.float32Pool))
	case Float64:
		return uint32(len(p.float64Pool))
	case GUIDType:
		return uint32(len(p.guidPool))
	case StringRef:
		return uint32(len(p.stringRefPool))
	case LocaleID:
		return uint32(len(p.localeIDPool))
	case EnumIndex:
		return uint32(len(p.enumIndexPool))
	case EnumString:
		return uint32(len(p.enumStringPool))
	case Reference:
		return uint32(len(p.referencePool))
	case ClassReference:
		return uint32(len(p.classReferencePool))
	default:
		return 0
	}
}

// cursorSet is a running, per-DataType read position. Open
// advances a single shared cursorSet across every record's effective
// property list, in record-table order, and snapshots its value before
// each record — this is the "no instance blob on disk" value model
// documented in DESIGN.md's Open Question decision 6.
type cursorSet [numDataTypes]uint32

func (c cursorSet) get(dt DataType) uint32 { return c[dt] }

func (c *cursorSet) advance(dt DataType, n uint32) uint32 {
	start := c[dt]
	c[dt] += n
	return start
}
