// Package datacore implements the DataCore (DCB) schema-plus-instance
// parser and its XML projector: struct/property/enum definitions, typed
// value pools, a record table, and a walker that reconstructs a typed,
// cross-referenced object graph suitable for textual XML export.
package datacore

import "github.com/19h/svarog/guid"

// DataType enumerates the 18 primitive/reference value kinds a
// PropertyDefinition may carry. Two data types (EnumIndex, EnumString)
// cover the spec's "two enum reference forms"; Reference and
// ClassReference cover "reference-to-struct" (StrongRef/WeakRef share
// the Reference pool and are told apart by ConversionType, while
// ClassReference's polymorphic {struct_index, instance_index} pair gets
// its own pool). See DESIGN.md for the full reasoning behind this
// enumeration, since the spec names only the categories, not the
// concrete 18 identifiers.
type DataType uint8

const (
	Bool DataType = iota
	Int8
	UInt8
	Int16
	UInt16
	Int32
	UInt32
	Int64
	UInt64
	Float32
	Float64
	GUIDType
	StringRef
	LocaleID
	EnumIndex
	EnumString
	Reference
	ClassReference
	numDataTypes
)

// width returns the on-disk, unpadded size in bytes of one pool entry
// for this data type.
func (d DataType) width() int {
	switch d {
	case Bool, Int8, UInt8:
		return 1
	case Int16, UInt16:
		return 2
	case Int32, UInt32, Float32, StringRef, LocaleID, EnumIndex, EnumString:
		return 4
	case Int64, UInt64, Float64:
		return 8
	case GUIDType:
		return 16
	case Reference:
		return referenceSize
	case ClassReference:
		return classReferenceSize
	default:
		return 0
	}
}

func (d DataType) String() string {
	names := [...]string{
		"Bool", "Int8", "UInt8", "Int16", "UInt16", "Int32", "UInt32",
		"Int64", "UInt64", "Float32", "Float64", "GUID", "StringRef",
		"LocaleID", "EnumIndex", "EnumString", "Reference", "ClassReference",
	}
	if int(d) < len(names) {
		return names[d]
	}
	return "Unknown"
}

// ConversionType classifies the shape a PropertyDefinition's value takes,
// orthogonal to DataType.
type ConversionType uint8

const (
	ConvSimple ConversionType = iota
	ConvArray
	ConvWeakRef
	ConvStrongRef
	ConvClassReference
)

func (c ConversionType) String() string {
	switch c {
	case ConvSimple:
		return "Simple"
	case ConvArray:
		return "Array"
	case ConvWeakRef:
		return "WeakRef"
	case ConvStrongRef:
		return "StrongRef"
	case ConvClassReference:
		return "ClassReference"
	default:
		return "Unknown"
	}
}

// referenceSize is the field-accurate byte size of a Reference value:
// a u32 instance_index plus a 16-byte GUID (DESIGN.md Open Question
// decision 5 — the spec's "8-byte" note is treated as a slip).
const referenceSize = 4 + guid.Size

// classReferenceSize is ClassReference's {struct_index: u32,
// instance_index: u32} payload.
const classReferenceSize = 8

// StructDefinition describes one struct type: its own property slice and
// a link to its parent for effective-property inheritance.
type StructDefinition struct {
	Name                  string
	ParentTypeIndex        int32 // -1 if this struct has no parent
	FirstPropertyIndex     uint32
	PropertyCount          uint16
	ExtendedPropertyCount  uint16 // declared total incl. inherited, cross-checked not trusted

	nameOff uint32
}

// PropertyDefinition describes one field of a struct.
type PropertyDefinition struct {
	Name           string
	DataType       DataType
	ConversionType ConversionType
	// StructIndex names the nested struct type when this property's
	// value is itself a struct instance (inline, StrongRef, WeakRef, or
	// ClassReference's declared/default type); -1 otherwise. For the
	// EnumIndex and EnumString data types it holds the owning
	// EnumDefinition index instead (DESIGN.md decision 9).
	StructIndex int32

	nameOff uint32
}

// EnumDefinition describes one enum type as a contiguous run of
// string-pool-valued names in the EnumValues table.
type EnumDefinition struct {
	Name            string
	FirstValueIndex uint32
	ValueCount      uint16

	nameOff uint32
}

// DataMapping is a struct-version migration entry. Its fields are
// table-order placeholders only: the spec's table-order list reserves a
// slot for it but never describes its semantics, and no record or
// walker operation consumes it (see DESIGN.md).
type DataMapping struct {
	OldStructIndex uint32
	NewStructIndex uint32
}

// Record is one row of the flat record table.
type Record struct {
	Name         string
	FileName     string
	StructIndex  uint32
	VariantIndex uint16 // meaningful only when Database.Version == 6
	Hash         guid.GUID
	ID           guid.GUID

	nameOff     uint32
	fileNameOff uint32
}

// Reference is the payload of a WeakRef/StrongRef property value.
type Reference struct {
	InstanceIndex uint32
	RecordID      guid.GUID
}

// ClassReferenceValue is the payload of a ClassReference property value:
// a polymorphic pointer naming both the concrete struct and the instance
// slot within it.
type ClassReferenceValue struct {
	StructIndex   uint32
	InstanceIndex uint32
}
