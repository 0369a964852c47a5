package datacore

import (
	"os"

	mmap "github.com/edsrzf/mmap-go"
	"github.com/go-kratos/kratos/v2/log"

	"github.com/19h/svarog/binreader"
	"github.com/19h/svarog/ferr"
	"github.com/19h/svarog/guid"
)

const (
	headerSize           = 108
	poolCountsOffset     = 28
	structRecordSize     = 16
	propertyRecordSize   = 10
	enumRecordSize       = 10
	enumValueRecordSize  = 4
	dataMappingRecordSize = 8
	recordV5Size         = 44
	recordV6Size         = 47
)

// Options configures Open and OpenBytes.
type Options struct {
	// Logger receives parse warnings. Defaults to a Warn-level stdout
	// logger, mirroring p4k.Options and saferwall/pe's File.logger.
	Logger *log.Helper
}

// Database is the fully-parsed, immutable in-memory form of a DCB file.
// All data is built once during Open from a memory-mapped (or supplied)
// byte slice; every returned string or slice borrows from that buffer or
// from data independently owned by the Database.
type Database struct {
	data mmap.MMap
	f    *os.File

	Version uint8

	Structs      []StructDefinition
	Properties   []PropertyDefinition
	Enums        []EnumDefinition
	EnumValues   []uint32 // string offsets into the values table
	DataMappings []DataMapping
	Records      []Record

	pools pools

	namesPool  []byte
	valuesPool []byte

	effectiveProps map[int][]int
	recordsByID    map[guid.GUID]int
	recordStart    []cursorSet

	logger *log.Helper
}

func defaultLogger() *log.Helper {
	base := log.NewStdLogger(os.Stdout)
	return log.NewHelper(log.NewFilter(base, log.FilterLevel(log.LevelWarn)))
}

// Open memory-maps path read-only and parses its DCB tables.
func Open(path string, opts *Options) (*Database, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ferr.Wrap(ferr.Io, "opening dcb file", err)
	}
	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, ferr.Wrap(ferr.Io, "memory-mapping dcb file", err)
	}
	db, err := openFromBytes(data, opts)
	if err != nil {
		data.Unmap()
		f.Close()
		return nil, err
	}
	db.data = data
	db.f = f
	return db, nil
}

// OpenBytes parses an already-loaded DCB image.
func OpenBytes(data []byte, opts *Options) (*Database, error) {
	return openFromBytes(data, opts)
}

// Close releases the memory map (and the underlying file, if Open, not
// OpenBytes, was used).
func (db *Database) Close() error {
	if db.data != nil {
		_ = db.data.Unmap()
	}
	if db.f != nil {
		return db.f.Close()
	}
	return nil
}

func openFromBytes(data []byte, opts *Options) (*Database, error) {
	db := &Database{}
	if opts != nil {
		db.logger = opts.Logger
	}
	if db.logger == nil {
		db.logger = defaultLogger()
	}

	r := binreader.New(data)

	version64, err := r.Uint32(0)
	if err != nil {
		return nil, err
	}
	if version64 != 5 && version64 != 6 {
		return nil, ferr.Newf(ferr.BadVersion, "unsupported DCB version %d (want 5 or 6)", version64)
	}
	db.Version = uint8(version64)

	structCount, err := r.Uint32(4)
	if err != nil {
		return nil, err
	}
	propertyCount, err := r.Uint32(8)
	if err != nil {
		return nil, err
	}
	enumCount, err := r.Uint32(12)
	if err != nil {
		return nil, err
	}
	enumValueCount, err := r.Uint32(16)
	if err != nil {
		return nil, err
	}
	dataMappingCount, err := r.Uint32(20)
	if err != nil {
		return nil, err
	}
	recordCount, err := r.Uint32(24)
	if err != nil {
		return nil, err
	}

	poolCounts := make([]uint32, numDataTypes)
	for i := range poolCounts {
		c, err := r.Uint32(uint32(poolCountsOffset + i*4))
		if err != nil {
			return nil, err
		}
		poolCounts[i] = c
	}

	namesLength, err := r.Uint32(poolCountsOffset + uint32(numDataTypes)*4)
	if err != nil {
		return nil, err
	}
	valuesLength, err := r.Uint32(poolCountsOffset + uint32(numDataTypes)*4 + 4)
	if err != nil {
		return nil, err
	}

	pos := uint32(headerSize)

	db.Structs, pos, err = parseStructs(r, pos, structCount)
	if err != nil {
		return nil, err
	}
	db.Properties, pos, err = parseProperties(r, pos, propertyCount)
	if err != nil {
		return nil, err
	}
	db.Enums, pos, err = parseEnums(r, pos, enumCount)
	if err != nil {
		return nil, err
	}
	db.EnumValues, pos, err = parseEnumValues(r, pos, enumValueCount)
	if err != nil {
		return nil, err
	}
	db.DataMappings, pos, err = parseDataMappings(r, pos, dataMappingCount)
	if err != nil {
		return nil, err
	}
	if len(db.DataMappings) > 0 {
		db.logger.Warnf("%d data_mapping entries present; svarog parses them but has no consumer for struct-version migration, see DESIGN.md", len(db.DataMappings))
	}
	db.Records, pos, err = parseRecords(r, pos, recordCount, db.Version)
	if err != nil {
		return nil, err
	}
	pos, err = parsePools(r, pos, poolCounts, &db.pools)
	if err != nil {
		return nil, err
	}

	namesPool, err := r.Fixed(pos, namesLength)
	if err != nil {
		return nil, err
	}
	pos += namesLength
	valuesPool, err := r.Fixed(pos, valuesLength)
	if err != nil {
		return nil, err
	}
	pos += valuesLength
	db.namesPool = namesPool
	db.valuesPool = valuesPool

	if err := db.resolveNames(r, namesLength, valuesLength); err != nil {
		return nil, err
	}

	if err := db.validate(); err != nil {
		return nil, err
	}

	db.effectiveProps = map[int][]int{}
	for i := range db.Structs {
		props, err := db.effectivePropertyIndices(i, nil)
		if err != nil {
			return nil, err
		}
		if int(db.Structs[i].ExtendedPropertyCount) != len(props) {
			db.logger.Warnf("struct %d (%s): declared extended_property_count %d does not match the %d properties the parent chain actually flattens to", i, db.Structs[i].Name, db.Structs[i].ExtendedPropertyCount, len(props))
		}
	}

	db.recordsByID = make(map[guid.GUID]int, len(db.Records))
	for i, rec := range db.Records {
		db.recordsByID[rec.ID] = i
	}

	if err := db.buildRecordCursorSnapshots(); err != nil {
		return nil, err
	}

	return db, nil
}

func parseStructs(r *binreader.Reader, pos uint32, count uint32) ([]StructDefinition, uint32, error) {
	out := make([]StructDefinition, count)
	for i := range out {
		nameOff, err := r.Uint32(pos)
		if err != nil {
			return nil, 0, err
		}
		parentIdx, err := r.Int32(pos + 4)
		if err != nil {
			return nil, 0, err
		}
		firstProp, err := r.Uint32(pos + 8)
		if err != nil {
			return nil, 0, err
		}
		propCount, err := r.Uint16(pos + 12)
		if err != nil {
			return nil, 0, err
		}
		extProp, err := r.Uint16(pos + 14)
		if err != nil {
			return nil, 0, err
		}
		out[i] = StructDefinition{
			ParentTypeIndex:       parentIdx,
			FirstPropertyIndex:    firstProp,
			PropertyCount:         propCount,
			ExtendedPropertyCount: extProp,
			nameOff:               nameOff,
		}
		pos += structRecordSize
	}
	return out, pos, nil
}

func parseProperties(r *binreader.Reader, pos uint32, count uint32) ([]PropertyDefinition, uint32, error) {
	out := make([]PropertyDefinition, count)
	for i := range out {
		nameOff, err := r.Uint32(pos)
		if err != nil {
			return nil, 0, err
		}
		dt, err := r.Uint8(pos + 4)
		if err != nil {
			return nil, 0, err
		}
		ct, err := r.Uint8(pos + 5)
		if err != nil {
			return nil, 0, err
		}
		structIdx, err := r.Int32(pos + 6)
		if err != nil {
			return nil, 0, err
		}
		out[i] = PropertyDefinition{
			DataType:       DataType(dt),
			ConversionType: ConversionType(ct),
			StructIndex:    structIdx,
		}
		out[i].nameOff = nameOff
		pos += propertyRecordSize
	}
	return out, pos, nil
}

func parseEnums(r *binreader.Reader, pos uint32, count uint32) ([]EnumDefinition, uint32, error) {
	out := make([]EnumDefinition, count)
	for i := range out {
		nameOff, err := r.Uint32(pos)
		if err != nil {
			return nil, 0, err
		}
		firstVal, err := r.Uint32(pos + 4)
		if err != nil {
			return nil, 0, err
		}
		valCount, err := r.Uint16(pos + 8)
		if err != nil {
			return nil, 0, err
		}
		out[i] = EnumDefinition{FirstValueIndex: firstVal, ValueCount: valCount}
		out[i].nameOff = nameOff
		pos += enumRecordSize
	}
	return out, pos, nil
}

func parseEnumValues(r *binreader.Reader, pos uint32, count uint32) ([]uint32, uint32, error) {
	out := make([]uint32, count)
	for i := range out {
		v, err := r.Uint32(pos)
		if err != nil {
			return nil, 0, err
		}
		out[i] = v
		pos += enumValueRecordSize
	}
	return out, pos, nil
}

func parseDataMappings(r *binreader.Reader, pos uint32, count uint32) ([]DataMapping, uint32, error) {
	out := make([]DataMapping, count)
	for i := range out {
		oldIdx, err := r.Uint32(pos)
		if err != nil {
			return nil, 0, err
		}
		newIdx, err := r.Uint32(pos + 4)
		if err != nil {
			return nil, 0, err
		}
		out[i] = DataMapping{OldStructIndex: oldIdx, NewStructIndex: newIdx}
		pos += dataMappingRecordSize
	}
	return out, pos, nil
}

func parseRecords(r *binreader.Reader, pos uint32, count uint32, version uint8) ([]Record, uint32, error) {
	out := make([]Record, count)
	recSize := uint32(recordV5Size)
	if version == 6 {
		recSize = recordV6Size
	}
	for i := range out {
		nameOff, err := r.Uint32(pos)
		if err != nil {
			return nil, 0, err
		}
		fileNameOff, err := r.Uint32(pos + 4)
		if err != nil {
			return nil, 0, err
		}
		structIdx, err := r.Uint32(pos + 8)
		if err != nil {
			return nil, 0, err
		}
		fieldPos := pos + 12
		var variantIndex uint16
		if version == 6 {
			flag, err := r.Uint8(fieldPos)
			if err != nil {
				return nil, 0, err
			}
			vi, err := r.Uint16(fieldPos + 1)
			if err != nil {
				return nil, 0, err
			}
			if flag != 0 {
				variantIndex = vi
			}
			fieldPos += 3
		}
		hash, err := r.GUID(fieldPos)
		if err != nil {
			return nil, 0, err
		}
		id, err := r.GUID(fieldPos + guid.Size)
		if err != nil {
			return nil, 0, err
		}
		out[i] = Record{StructIndex: structIdx, VariantIndex: variantIndex, Hash: hash, ID: id}
		out[i].nameOff = nameOff
		out[i].fileNameOff = fileNameOff
		pos += recSize
	}
	return out, pos, nil
}

func parsePools(r *binreader.Reader, pos uint32, counts []uint32, p *pools) (uint32, error) {
	var err error
	if pos, err = readBoolPool(r, pos, counts[Bool], p); err != nil {
		return 0, err
	}
	if p.int8Pool, pos, err = readInt8Pool(r, pos, counts[Int8]); err != nil {
		return 0, err
	}
	if p.uint8Pool, pos, err = readUInt8Pool(r, pos, counts[UInt8]); err != nil {
		return 0, err
	}
	if p.int16Pool, pos, err = readInt16Pool(r, pos, counts[Int16]); err != nil {
		return 0, err
	}
	if p.uint16Pool, pos, err = readUInt16Pool(r, pos, counts[UInt16]); err != nil {
		return 0, err
	}
	if p.int32Pool, pos, err = readInt32Pool(r, pos, counts[Int32]); err != nil {
		return 0, err
	}
	if p.uint32Pool, pos, err = readUInt32Pool(r, pos, counts[UInt32]); err != nil {
		return 0, err
	}
	if p.int64Pool, pos, err = readInt64Pool(r, pos, counts[Int64]); err != nil {
		return 0, err
	}
	if p.uint64Pool, pos, err = readUInt64Pool(r, pos, counts[UInt64]); err != nil {
		return 0, err
	}
	if p.float32Pool, pos, err = readFloat32Pool(r, pos, counts[Float32]); err != nil {
		return 0, err
	}
	if p.float64Pool, pos, err = readFloat64Pool(r, pos, counts[Float64]); err != nil {
		return 0, err
	}
	if p.guidPool, pos, err = readGUIDPool(r, pos, counts[GUIDType]); err != nil {
		return 0, err
	}
	if p.stringRefPool, pos, err = readUInt32PoolSlice(r, pos, counts[StringRef]); err != nil {
		return 0, err
	}
	if p.localeIDPool, pos, err = readUInt32PoolSlice(r, pos, counts[LocaleID]); err != nil {
		return 0, err
	}
	if p.enumIndexPool, pos, err = readUInt32PoolSlice(r, pos, counts[EnumIndex]); err != nil {
		return 0, err
	}
	if p.enumStringPool, pos, err = readUInt32PoolSlice(r, pos, counts[EnumString]); err != nil {
		return 0, err
	}
	if p.referencePool, pos, err = readReferencePool(r, pos, counts[Reference]); err != nil {
		return 0, err
	}
	if p.classReferencePool, pos, err = readClassReferencePool(r, pos, counts[ClassReference]); err != nil {
		return 0, err
	}
	return pos, nil
}

func readBoolPool(r *binreader.Reader, pos uint32, count uint32, p *pools) (uint32, error) {
	p.boolPool = make([]bool, count)
	for i := range p.boolPool {
		v, err := r.Uint8(pos)
		if err != nil {
			return 0, err
		}
		p.boolPool[i] = v != 0
		pos++
	}
	return pos, nil
}

func readInt8Pool(r *binreader.Reader, pos uint32, count uint32) ([]int8, uint32, error) {
	out := make([]int8, count)
	for i := range out {
		v, err := r.Int8(pos)
		if err != nil {
			return nil, 0, err
		}
		out[i] = v
		pos++
	}
	return out, pos, nil
}

func readUInt8Pool(r *binreader.Reader, pos uint32, count uint32) ([]uint8, uint32, error) {
	out := make([]uint8, count)
	for i := range out {
		v, err := r.Uint8(pos)
		if err != nil {
			return nil, 0, err
		}
		out[i] = v
		pos++
	}
	return out, pos, nil
}

func readInt16Pool(r *binreader.Reader, pos uint32, count uint32) ([]int16, uint32, error) {
	out := make([]int16, count)
	for i := range out {
		v, err := r.Int16(pos)
		if err != nil {
			return nil, 0, err
		}
		out[i] = v
		pos += 2
	}
	return out, pos, nil
}

func readUInt16Pool(r *binreader.Reader, pos uint32, count uint32) ([]uint16, uint32, error) {
	out := make([]uint16, count)
	for i := range out {
		v, err := r.Uint16(pos)
		if err != nil {
			return nil, 0, err
		}
		out[i] = v
		pos += 2
	}
	return out, pos, nil
}

func readInt32Pool(r *binreader.Reader, pos uint32, count uint32) ([]int32, uint32, error) {
	out := make([]int32, count)
	for i := range out {
		v, err := r.Int32(pos)
		if err != nil {
			return nil, 0, err
		}
		out[i] = v
		pos += 4
	}
	return out, pos, nil
}

func readUInt32Pool(r *binreader.Reader, pos uint32, count uint32) ([]uint32, uint32, error) {
	out := make([]uint32, count)
	for i := range out {
		v, err := r.Uint32(pos)
		if err != nil {
			return nil, 0, err
		}
		out[i] = v
		pos += 4
	}
	return out, pos, nil
}

func readUInt32PoolSlice(r *binreader.Reader, pos uint32, count uint32) ([]uint32, uint32, error) {
	return readUInt32Pool(r, pos, count)
}

func readInt64Pool(r *binreader.Reader, pos uint32, count uint32) ([]int64, uint32, error) {
	out := make([]int64, count)
	for i := range out {
		v, err := r.Int64(pos)
		if err != nil {
			return nil, 0, err
		}
		out[i] = v
		pos += 8
	}
	return out, pos, nil
}

func readUInt64Pool(r *binreader.Reader, pos uint32, count uint32) ([]uint64, uint32, error) {
	out := make([]uint64, count)
	for i := range out {
		v, err := r.Uint64(pos)
		if err != nil {
			return nil, 0, err
		}
		out[i] = v
		pos += 8
	}
	return out, pos, nil
}

func readFloat32Pool(r *binreader.Reader, pos uint32, count uint32) ([]float32, uint32, error) {
	out := make([]float32, count)
	for i := range out {
		v, err := r.Float32(pos)
		if err != nil {
			return nil, 0, err
		}
		out[i] = v
		pos += 4
	}
	return out, pos, nil
}

func readFloat64Pool(r *binreader.Reader, pos uint32, count uint32) ([]float64, uint32, error) {
	out := make([]float64, count)
	for i := range out {
		v, err := r.Float64(pos)
		if err != nil {
			return nil, 0, err
		}
		out[i] = v
		pos += 8
	}
	return out, pos, nil
}

func readGUIDPool(r *binreader.Reader, pos uint32, count uint32) ([]guid.GUID, uint32, error) {
	out := make([]guid.GUID, count)
	for i := range out {
		v, err := r.GUID(pos)
		if err != nil {
			return nil, 0, err
		}
		out[i] = v
		pos += guid.Size
	}
	return out, pos, nil
}

func readReferencePool(r *binreader.Reader, pos uint32, count uint32) ([]Reference, uint32, error) {
	out := make([]Reference, count)
	for i := range out {
		idx, err := r.Uint32(pos)
		if err != nil {
			return nil, 0, err
		}
		g, err := r.GUID(pos + 4)
		if err != nil {
			return nil, 0, err
		}
		out[i] = Reference{InstanceIndex: idx, RecordID: g}
		pos += referenceSize
	}
	return out, pos, nil
}

func readClassReferencePool(r *binreader.Reader, pos uint32, count uint32) ([]ClassReferenceValue, uint32, error) {
	out := make([]ClassReferenceValue, count)
	for i := range out {
		structIdx, err := r.Uint32(pos)
		if err != nil {
			return nil, 0, err
		}
		instIdx, err := r.Uint32(pos + 4)
		if err != nil {
			return nil, 0, err
		}
		out[i] = ClassReferenceValue{StructIndex: structIdx, InstanceIndex: instIdx}
		pos += classReferenceSize
	}
	return out, pos, nil
}

// resolveNames resolves every deferred name-pool / values-pool offset
// recorded during table parsing now that both string tables have been
// sliced out.
func (db *Database) resolveNames(r *binreader.Reader, namesLength, valuesLength uint32) error {
	nameReader := binreader.New(db.namesPool)

	resolveName := func(off uint32) (string, error) {
		s, _, err := nameReader.CString(off)
		if err != nil {
			return "", ferr.Wrap(ferr.BadStringReference, "resolving names-pool offset", err)
		}
		return s, nil
	}

	for i := range db.Structs {
		s, err := resolveName(db.Structs[i].nameOff)
		if err != nil {
			return err
		}
		db.Structs[i].Name = s
	}
	for i := range db.Properties {
		s, err := resolveName(db.Properties[i].nameOff)
		if err != nil {
			return err
		}
		db.Properties[i].Name = s
	}
	for i := range db.Enums {
		s, err := resolveName(db.Enums[i].nameOff)
		if err != nil {
			return err
		}
		db.Enums[i].Name = s
	}
	for i := range db.Records {
		s, err := resolveName(db.Records[i].nameOff)
		if err != nil {
			return err
		}
		db.Records[i].Name = s
		s, err = resolveName(db.Records[i].fileNameOff)
		if err != nil {
			return err
		}
		db.Records[i].FileName = s
	}
	return nil
}

// validate checks the structural invariants spec.md §3 requires of a
// freshly-opened Database: in-range struct/enum indices and unique
// record ids. Pool-slot indices are checked afterwards, at Open, by
// buildRecordCursorSnapshots; array slices and enum value positions are
// checked when a record is materialized.
func (db *Database) validate() error {
	for i, s := range db.Structs {
		if s.ParentTypeIndex >= int32(len(db.Structs)) {
			return ferr.Newf(ferr.BadTypeIndex, "struct %d (%s): parent_type_index %d out of range", i, s.Name, s.ParentTypeIndex)
		}
	}
	for i, p := range db.Properties {
		if p.DataType == EnumIndex || p.DataType == EnumString {
			if p.StructIndex >= int32(len(db.Enums)) {
				return ferr.Newf(ferr.BadTypeIndex, "property %d (%s): enum index %d out of range", i, p.Name, p.StructIndex)
			}
			continue
		}
		if p.StructIndex >= int32(len(db.Structs)) {
			return ferr.Newf(ferr.BadTypeIndex, "property %d (%s): struct_index %d out of range", i, p.Name, p.StructIndex)
		}
	}
	for i, rec := range db.Records {
		if rec.StructIndex >= uint32(len(db.Structs)) {
			return ferr.Newf(ferr.BadTypeIndex, "record %d (%s): struct_index %d out of range", i, rec.Name, rec.StructIndex)
		}
	}
	seen := make(map[guid.GUID]int, len(db.Records))
	for i, rec := range db.Records {
		if prev, ok := seen[rec.ID]; ok {
			return ferr.Newf(ferr.InconsistentCounts, "record %d (%s) has the same id as record %d", i, rec.Name, prev)
		}
		seen[rec.ID] = i
	}
	return nil
}
