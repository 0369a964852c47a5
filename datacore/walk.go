package datacore

import (
	"github.com/19h/svarog/binreader"
	"github.com/19h/svarog/ferr"
	"github.com/19h/svarog/guid"
)

// FieldValue is one materialized (PropertyDefinition, Value) pair from
// the value walker (spec.md §4.4). One payload is populated, selected by
// Prop.ConversionType and Prop.StructIndex; a ConvClassReference value
// sets both Class and ClassTarget.
type FieldValue struct {
	Prop *PropertyDefinition

	Scalar      interface{}    // ConvSimple, StructIndex < 0
	Nested      *StructValue   // ConvSimple, StructIndex >= 0 (inline nested struct)
	ArrayVals   []interface{}  // ConvArray, StructIndex < 0 (contiguous pool slice)
	ArrayNested []*StructValue // ConvArray, StructIndex >= 0 (array of nested structs)
	WeakRef     *Reference     // ConvWeakRef
	StrongRef   *StructValue   // ConvStrongRef, resolved target tree
	Class       *ClassReferenceValue
	ClassTarget *StructValue // ConvClassReference, resolved dispatch target tree
}

// StructValue is a fully materialized struct instance: an ordered field
// list following the struct's effective property order.
type StructValue struct {
	StructIndex int
	Fields      []FieldValue

	// RecordID is set only when this StructValue is a record
	// root (as opposed to a nested/array/reference sub-instance).
	RecordID *guid.GUID
}

// effectivePropertyIndices returns the flattened, root-to-leaf property
// index list for structIndex, computing and caching it on first use.
// visiting tracks the structs on the current recursion path to detect
// cycles in the parent chain (spec.md §4.4).
func (db *Database) effectivePropertyIndices(structIndex int, visiting []bool) ([]int, error) {
	if cached, ok := db.effectiveProps[structIndex]; ok {
		return cached, nil
	}
	if structIndex < 0 || structIndex >= len(db.Structs) {
		return nil, ferr.Newf(ferr.BadTypeIndex, "struct index %d out of range", structIndex)
	}
	if visiting == nil {
		visiting = make([]bool, len(db.Structs))
	}
	if visiting[structIndex] {
		return nil, ferr.Newf(ferr.BadTypeIndex, "cyclic parent chain at struct %d (%s)", structIndex, db.Structs[structIndex].Name)
	}
	visiting[structIndex] = true

	s := db.Structs[structIndex]
	var parentList []int
	if s.ParentTypeIndex >= 0 {
		pl, err := db.effectivePropertyIndices(int(s.ParentTypeIndex), visiting)
		if err != nil {
			return nil, err
		}
		parentList = pl
	}
	visiting[structIndex] = false

	if uint64(s.FirstPropertyIndex)+uint64(s.PropertyCount) > uint64(len(db.Properties)) {
		return nil, ferr.Newf(ferr.InconsistentCounts, "struct %d (%s): property range [%d,+%d) exceeds %d properties", structIndex, s.Name, s.FirstPropertyIndex, s.PropertyCount, len(db.Properties))
	}
	own := make([]int, s.PropertyCount)
	for i := range own {
		own[i] = int(s.FirstPropertyIndex) + i
	}

	result := make([]int, 0, len(parentList)+len(own))
	result = append(result, parentList...)
	result = append(result, own...)
	db.effectiveProps[structIndex] = result
	return result, nil
}

// buildRecordCursorSnapshots advances a single shared cursorSet across
// every record's effective property list in table order, caching each
// record's starting snapshot. See DESIGN.md's Open Question decision 6.
func (db *Database) buildRecordCursorSnapshots() error {
	db.recordStart = make([]cursorSet, len(db.Records))
	var cur cursorSet
	for i, rec := range db.Records {
		db.recordStart[i] = cur
		if err := db.advanceCursorForStruct(&cur, int(rec.StructIndex)); err != nil {
			return err
		}
	}
	return nil
}

func (db *Database) advanceCursorForStruct(cur *cursorSet, structIndex int) error {
	props, err := db.effectivePropertyIndices(structIndex, nil)
	if err != nil {
		return err
	}
	for _, pi := range props {
		if err := db.advanceCursorForProperty(cur, &db.Properties[pi]); err != nil {
			return err
		}
	}
	return nil
}

func (db *Database) advanceCursorForProperty(cur *cursorSet, prop *PropertyDefinition) error {
	switch prop.ConversionType {
	case ConvArray:
		count, _, err := db.readArrayHeader(cur)
		if err != nil {
			return err
		}
		if prop.StructIndex >= 0 {
			for k := uint32(0); k < count; k++ {
				if err := db.advanceCursorForStruct(cur, int(prop.StructIndex)); err != nil {
					return err
				}
			}
		}
		return nil
	case ConvWeakRef, ConvStrongRef:
		idx := cur.advance(Reference, 1)
		if idx >= db.pools.count(Reference) {
			return ferr.Newf(ferr.BadPoolIndex, "property %q: reference pool index %d out of range", prop.Name, idx)
		}
		return nil
	case ConvClassReference:
		idx := cur.advance(ClassReference, 1)
		if idx >= db.pools.count(ClassReference) {
			return ferr.Newf(ferr.BadPoolIndex, "property %q: class-reference pool index %d out of range", prop.Name, idx)
		}
		return nil
	default: // ConvSimple
		if prop.StructIndex >= 0 {
			return db.advanceCursorForStruct(cur, int(prop.StructIndex))
		}
		idx := cur.advance(prop.DataType, 1)
		if idx >= db.pools.count(prop.DataType) {
			return ferr.Newf(ferr.BadPoolIndex, "property %q: %s pool index %d out of range", prop.Name, prop.DataType, idx)
		}
		return nil
	}
}

// readArrayHeader consumes an Array property's {count, first_index}
// pair, sourced as two sequential entries from the UInt32 pool (decision
// 6): DataCore's table layout has no other slot for them, and UInt32 is
// already one of the 18 primitive pools.
func (db *Database) readArrayHeader(cur *cursorSet) (count, firstIndex uint32, err error) {
	idx := cur.get(UInt32)
	if uint64(idx)+2 > uint64(len(db.pools.uint32Pool)) {
		return 0, 0, ferr.Newf(ferr.BadPoolIndex, "array header at uint32 pool index %d out of range", idx)
	}
	count = db.pools.uint32Pool[idx]
	firstIndex = db.pools.uint32Pool[idx+1]
	cur.advance(UInt32, 2)
	return count, firstIndex, nil
}

// Cursor lazily walks a record's materialized fields one at a time; the
// public API keeps materialization lazy, per spec.md §4.4's contract.
type Cursor struct {
	db     *Database
	props  []int
	pos    int
	cursor cursorSet
}

// NewCursor returns a lazy walker over recordIndex's effective property
// list, starting from that record's cached cursor snapshot.
func (db *Database) NewCursor(recordIndex int) (*Cursor, error) {
	if recordIndex < 0 || recordIndex >= len(db.Records) {
		return nil, ferr.Newf(ferr.BadTypeIndex, "record index %d out of range", recordIndex)
	}
	props, err := db.effectivePropertyIndices(int(db.Records[recordIndex].StructIndex), nil)
	if err != nil {
		return nil, err
	}
	return &Cursor{db: db, props: props, cursor: db.recordStart[recordIndex]}, nil
}

// Next materializes the next field, or returns (nil, FieldValue{}, false,
// nil) when the record's property list is exhausted.
func (c *Cursor) Next() (*PropertyDefinition, FieldValue, bool, error) {
	if c.pos >= len(c.props) {
		return nil, FieldValue{}, false, nil
	}
	prop := &c.db.Properties[c.props[c.pos]]
	c.pos++
	fv, err := c.db.materializeField(prop, &c.cursor)
	if err != nil {
		return nil, FieldValue{}, false, err
	}
	return prop, fv, true, nil
}

// MaterializeRecord strictly walks recordIndex's entire effective
// property list and returns the fully materialized tree, recursing into
// nested structs, arrays, and strong/class references. This is what the
// XML projector uses (spec.md §4.4: "strict at the XML projector").
func (db *Database) MaterializeRecord(recordIndex int) (*StructValue, error) {
	if recordIndex < 0 || recordIndex >= len(db.Records) {
		return nil, ferr.Newf(ferr.BadTypeIndex, "record index %d out of range", recordIndex)
	}
	rec := db.Records[recordIndex]
	cur := db.recordStart[recordIndex]
	sv, err := db.materializeStruct(int(rec.StructIndex), &cur)
	if err != nil {
		return nil, err
	}
	id := rec.ID
	sv.RecordID = &id
	return sv, nil
}

func (db *Database) materializeStruct(structIndex int, cur *cursorSet) (*StructValue, error) {
	props, err := db.effectivePropertyIndices(structIndex, nil)
	if err != nil {
		return nil, err
	}
	fields := make([]FieldValue, 0, len(props))
	for _, pi := range props {
		fv, err := db.materializeField(&db.Properties[pi], cur)
		if err != nil {
			return nil, err
		}
		fields = append(fields, fv)
	}
	return &StructValue{StructIndex: structIndex, Fields: fields}, nil
}

func (db *Database) materializeField(prop *PropertyDefinition, cur *cursorSet) (FieldValue, error) {
	switch prop.ConversionType {
	case ConvArray:
		count, firstIdx, err := db.readArrayHeader(cur)
		if err != nil {
			return FieldValue{}, err
		}
		if prop.StructIndex >= 0 {
			nested := make([]*StructValue, count)
			for k := range nested {
				sv, err := db.materializeStruct(int(prop.StructIndex), cur)
				if err != nil {
					return FieldValue{}, err
				}
				nested[k] = sv
			}
			return FieldValue{Prop: prop, ArrayNested: nested}, nil
		}
		vals, err := db.readPoolSlice(prop, firstIdx, count)
		if err != nil {
			return FieldValue{}, err
		}
		return FieldValue{Prop: prop, ArrayVals: vals}, nil

	case ConvWeakRef:
		ref, err := db.readReference(cur)
		if err != nil {
			return FieldValue{}, err
		}
		return FieldValue{Prop: prop, WeakRef: &ref}, nil

	case ConvStrongRef:
		ref, err := db.readReference(cur)
		if err != nil {
			return FieldValue{}, err
		}
		target, err := db.resolveStrongRef(ref)
		if err != nil {
			return FieldValue{}, err
		}
		return FieldValue{Prop: prop, StrongRef: target}, nil

	case ConvClassReference:
		cr, err := db.readClassReference(cur)
		if err != nil {
			return FieldValue{}, err
		}
		target, err := db.resolveClassReference(cr)
		if err != nil {
			return FieldValue{}, err
		}
		return FieldValue{Prop: prop, Class: &cr, ClassTarget: target}, nil

	default: // ConvSimple
		if prop.StructIndex >= 0 {
			nested, err := db.materializeStruct(int(prop.StructIndex), cur)
			if err != nil {
				return FieldValue{}, err
			}
			return FieldValue{Prop: prop, Nested: nested}, nil
		}
		val, err := db.readScalar(prop.DataType, prop, cur)
		if err != nil {
			return FieldValue{}, err
		}
		return FieldValue{Prop: prop, Scalar: val}, nil
	}
}

func (db *Database) readReference(cur *cursorSet) (Reference, error) {
	idx := cur.advance(Reference, 1)
	if idx >= uint32(len(db.pools.referencePool)) {
		return Reference{}, ferr.Newf(ferr.BadPoolIndex, "reference pool index %d out of range", idx)
	}
	return db.pools.referencePool[idx], nil
}

func (db *Database) readClassReference(cur *cursorSet) (ClassReferenceValue, error) {
	idx := cur.advance(ClassReference, 1)
	if idx >= uint32(len(db.pools.classReferencePool)) {
		return ClassReferenceValue{}, ferr.Newf(ferr.BadPoolIndex, "class-reference pool index %d out of range", idx)
	}
	return db.pools.classReferencePool[idx], nil
}

// resolveStrongRef looks the referenced record up by guid and
// materializes its tree from its own cached cursor snapshot — the
// referenced record's own fields are never re-derived from the parent's
// sequential position (see DESIGN.md decision 6).
func (db *Database) resolveStrongRef(ref Reference) (*StructValue, error) {
	idx, ok := db.recordsByID[ref.RecordID]
	if !ok {
		return nil, ferr.Newf(ferr.BadPoolIndex, "strong reference to unknown record id %s", ref.RecordID)
	}
	return db.MaterializeRecord(idx)
}

// resolveClassReference dispatches to the instance_index-th record whose
// struct_index equals the class reference's declared struct_index, in
// record-table order.
func (db *Database) resolveClassReference(cr ClassReferenceValue) (*StructValue, error) {
	ordinal := uint32(0)
	for i, rec := range db.Records {
		if rec.StructIndex != cr.StructIndex {
			continue
		}
		if ordinal == cr.InstanceIndex {
			return db.MaterializeRecord(i)
		}
		ordinal++
	}
	return nil, ferr.Newf(ferr.BadPoolIndex, "class reference: no record #%d of struct_index %d", cr.InstanceIndex, cr.StructIndex)
}

func (db *Database) readPoolSlice(prop *PropertyDefinition, first, count uint32) ([]interface{}, error) {
	dt := prop.DataType
	total := db.pools.count(dt)
	if uint64(first)+uint64(count) > uint64(total) {
		return nil, ferr.Newf(ferr.BadPoolIndex, "%s array slice [%d,+%d) out of range (pool has %d entries)", dt, first, count, total)
	}
	out := make([]interface{}, count)
	for i := uint32(0); i < count; i++ {
		if dt == EnumIndex {
			v, err := db.resolveEnumIndex(prop, db.pools.enumIndexPool[first+i])
			if err != nil {
				return nil, err
			}
			out[i] = v
			continue
		}
		v, err := db.poolValueAt(dt, first+i)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// readScalar consumes exactly one slot from prop's data type pool. For
// EnumIndex/EnumString, prop.StructIndex doubles as the owning
// EnumDefinition index (DESIGN.md's extension of decision 6).
func (db *Database) readScalar(dt DataType, prop *PropertyDefinition, cur *cursorSet) (interface{}, error) {
	idx := cur.advance(dt, 1)
	if idx >= db.pools.count(dt) {
		return nil, ferr.Newf(ferr.BadPoolIndex, "%s pool index %d out of range", dt, idx)
	}
	if dt == EnumIndex {
		return db.resolveEnumIndex(prop, db.pools.enumIndexPool[idx])
	}
	return db.poolValueAt(dt, idx)
}

func (db *Database) poolValueAt(dt DataType, idx uint32) (interface{}, error) {
	switch dt {
	case Bool:
		return db.pools.boolPool[idx], nil
	case Int8:
		return db.pools.int8Pool[idx], nil
	case UInt8:
		return db.pools.uint8Pool[idx], nil
	case Int16:
		return db.pools.int16Pool[idx], nil
	case UInt16:
		return db.pools.uint16Pool[idx], nil
	case Int32:
		return db.pools.int32Pool[idx], nil
	case UInt32:
		return db.pools.uint32Pool[idx], nil
	case Int64:
		return db.pools.int64Pool[idx], nil
	case UInt64:
		return db.pools.uint64Pool[idx], nil
	case Float32:
		return db.pools.float32Pool[idx], nil
	case Float64:
		return db.pools.float64Pool[idx], nil
	case GUIDType:
		return db.pools.guidPool[idx], nil
	case StringRef:
		return db.resolveValueString(db.pools.stringRefPool[idx])
	case LocaleID:
		return db.pools.localeIDPool[idx], nil
	case EnumString:
		return db.resolveValueString(db.pools.enumStringPool[idx])
	case EnumIndex:
		return db.pools.enumIndexPool[idx], nil
	default:
		return nil, ferr.Newf(ferr.BadPoolIndex, "data type %s has no scalar pool representation", dt)
	}
}

func (db *Database) resolveValueString(offset uint32) (string, error) {
	r := binreader.New(db.valuesPool)
	s, _, err := r.CString(offset)
	if err != nil {
		return "", ferr.Wrap(ferr.BadStringReference, "resolving values-pool offset", err)
	}
	return s, nil
}

func (db *Database) resolveEnumIndex(prop *PropertyDefinition, rawIndex uint32) (string, error) {
	if prop.StructIndex < 0 || int(prop.StructIndex) >= len(db.Enums) {
		return "", ferr.Newf(ferr.BadTypeIndex, "property %q: enum index %d out of range", prop.Name, prop.StructIndex)
	}
	enumDef := db.Enums[prop.StructIndex]
	if rawIndex >= uint32(enumDef.ValueCount) {
		return "", ferr.Newf(ferr.BadPoolIndex, "enum %q: value index %d out of range", enumDef.Name, rawIndex)
	}
	valuePos := enumDef.FirstValueIndex + rawIndex
	if valuePos >= uint32(len(db.EnumValues)) {
		return "", ferr.Newf(ferr.BadPoolIndex, "enum %q: value table position %d out of range", enumDef.Name, valuePos)
	}
	return db.resolveValueString(db.EnumValues[valuePos])
}
