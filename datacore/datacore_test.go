package datacore

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/19h/svarog/guid"
)

// namePool is a tiny non-deduplicating string-table builder for test
// fixtures (DCB's names/values tables don't require the CryXmlB-style
// dedup the codec's pool builder performs).
type namePool struct{ buf []byte }

func (p *namePool) add(s string) uint32 {
	off := uint32(len(p.buf))
	p.buf = append(p.buf, []byte(s)...)
	p.buf = append(p.buf, 0)
	return off
}

type structSpec struct {
	name                  string
	parentTypeIndex       int32
	firstPropertyIndex    uint32
	propertyCount         uint16
	extendedPropertyCount uint16
}

type propertySpec struct {
	name           string
	dataType       DataType
	conversionType ConversionType
	structIndex    int32
}

type recordSpec struct {
	name        string
	fileName    string
	structIndex uint32
	hash        guid.GUID
	id          guid.GUID
}

// dcbBuilder assembles a minimal, spec-shaped DCB byte image: the fixed
// header, the definition tables in table order, all 18 value pools (most
// empty), and the two string tables.
type dcbBuilder struct {
	version    uint32
	structs    []structSpec
	properties []propertySpec
	records    []recordSpec
	int32Pool  []int32
	boolPool   []bool
	stringRefPool []uint32 // offsets into the values pool, filled in by caller
	names      namePool
	values     namePool
}

func le32(out []byte, off uint32, v uint32) { binary.LittleEndian.PutUint32(out[off:], v) }

func (b *dcbBuilder) build(t testing.TB) []byte {
	t.Helper()

	// Intern every name up front so the names table is complete before
	// the image is sized and its length written into the header.
	structNameOffs := make([]uint32, len(b.structs))
	for i, s := range b.structs {
		structNameOffs[i] = b.names.add(s.name)
	}
	propNameOffs := make([]uint32, len(b.properties))
	for i, p := range b.properties {
		propNameOffs[i] = b.names.add(p.name)
	}
	recNameOffs := make([]uint32, len(b.records))
	recFileNameOffs := make([]uint32, len(b.records))
	for i, rec := range b.records {
		recNameOffs[i] = b.names.add(rec.name)
		recFileNameOffs[i] = b.names.add(rec.fileName)
	}

	structCount := uint32(len(b.structs))
	propertyCount := uint32(len(b.properties))
	recordCount := uint32(len(b.records))

	poolCounts := make([]uint32, numDataTypes)
	poolCounts[Int32] = uint32(len(b.int32Pool))
	poolCounts[Bool] = uint32(len(b.boolPool))
	poolCounts[StringRef] = uint32(len(b.stringRefPool))

	recSize := uint32(recordV5Size)
	if b.version == 6 {
		recSize = recordV6Size
	}

	bodySize := structCount*structRecordSize +
		propertyCount*propertyRecordSize +
		recordCount*recSize +
		poolCounts[Int32]*4 +
		poolCounts[Bool]*1 +
		poolCounts[StringRef]*4

	total := headerSize + bodySize + uint32(len(b.names.buf)) + uint32(len(b.values.buf))
	out := make([]byte, total)

	le32(out, 0, b.version)
	le32(out, 4, structCount)
	le32(out, 8, propertyCount)
	le32(out, 12, 0) // enumCount
	le32(out, 16, 0) // enumValueCount
	le32(out, 20, 0) // dataMappingCount
	le32(out, 24, recordCount)
	for i, c := range poolCounts {
		le32(out, uint32(poolCountsOffset+i*4), c)
	}
	le32(out, poolCountsOffset+uint32(numDataTypes)*4, uint32(len(b.names.buf)))
	le32(out, poolCountsOffset+uint32(numDataTypes)*4+4, uint32(len(b.values.buf)))

	pos := uint32(headerSize)
	for i, s := range b.structs {
		le32(out, pos, structNameOffs[i])
		binary.LittleEndian.PutUint32(out[pos+4:], uint32(s.parentTypeIndex))
		le32(out, pos+8, s.firstPropertyIndex)
		binary.LittleEndian.PutUint16(out[pos+12:], s.propertyCount)
		binary.LittleEndian.PutUint16(out[pos+14:], s.extendedPropertyCount)
		pos += structRecordSize
	}
	for i, p := range b.properties {
		le32(out, pos, propNameOffs[i])
		out[pos+4] = byte(p.dataType)
		out[pos+5] = byte(p.conversionType)
		binary.LittleEndian.PutUint32(out[pos+6:], uint32(p.structIndex))
		pos += propertyRecordSize
	}
	for i, rec := range b.records {
		le32(out, pos, recNameOffs[i])
		le32(out, pos+4, recFileNameOffs[i])
		le32(out, pos+8, rec.structIndex)
		fieldPos := pos + 12
		if b.version == 6 {
			out[fieldPos] = 0
			fieldPos += 3
		}
		copy(out[fieldPos:], rec.hash[:])
		copy(out[fieldPos+guid.Size:], rec.id[:])
		pos += recSize
	}
	for _, v := range b.boolPool {
		if v {
			out[pos] = 1
		}
		pos++
	}
	for _, v := range b.int32Pool {
		binary.LittleEndian.PutUint32(out[pos:], uint32(v))
		pos += 4
	}
	for _, v := range b.stringRefPool {
		le32(out, pos, v)
		pos += 4
	}

	copy(out[pos:], b.names.buf)
	pos += uint32(len(b.names.buf))
	copy(out[pos:], b.values.buf)

	return out
}

func mustGUID(t testing.TB, s string) guid.GUID {
	t.Helper()
	g, err := guid.Parse(s)
	if err != nil {
		t.Fatalf("guid.Parse(%q): %v", s, err)
	}
	return g
}

func TestOpenSimpleThingRecord(t *testing.T) {
	id := mustGUID(t, "11111111-1111-1111-1111-111111111111")
	hash := mustGUID(t, "22222222-2222-2222-2222-222222222222")

	b := &dcbBuilder{
		version: 5,
		structs: []structSpec{
			{name: "Thing", parentTypeIndex: -1, firstPropertyIndex: 0, propertyCount: 1, extendedPropertyCount: 1},
		},
		properties: []propertySpec{
			{name: "x", dataType: Int32, conversionType: ConvSimple, structIndex: -1},
		},
		records: []recordSpec{
			{name: "thing1", fileName: "thing1.xml", structIndex: 0, hash: hash, id: id},
		},
		int32Pool: []int32{42},
	}
	data := b.build(t)

	db, err := OpenBytes(data, nil)
	if err != nil {
		t.Fatalf("OpenBytes: %v", err)
	}
	defer db.Close()

	if len(db.Records) != 1 {
		t.Fatalf("records = %d, want 1", len(db.Records))
	}

	sv, err := db.MaterializeRecord(0)
	if err != nil {
		t.Fatalf("MaterializeRecord: %v", err)
	}
	if len(sv.Fields) != 1 {
		t.Fatalf("fields = %d, want 1", len(sv.Fields))
	}
	if sv.Fields[0].Scalar != int32(42) {
		t.Fatalf("x = %v, want int32(42)", sv.Fields[0].Scalar)
	}

	outDir := t.TempDir()
	if err := ExportAll(db, outDir, nil); err != nil {
		t.Fatalf("ExportAll: %v", err)
	}
	xmlPath := filepath.Join(outDir, "Thing", id.String()+".xml")
	content, err := os.ReadFile(xmlPath)
	if err != nil {
		t.Fatalf("reading exported xml: %v", err)
	}
	want := fmt.Sprintf(`<Thing __type="Thing" __ref="%s" x="42"/>`, id.String())
	if string(content) != want {
		t.Fatalf("exported xml = %q, want %q", content, want)
	}
}

func TestStructInheritanceAttributeOrder(t *testing.T) {
	id := mustGUID(t, "33333333-3333-3333-3333-333333333333")
	hash := mustGUID(t, "44444444-4444-4444-4444-444444444444")

	values := namePool{}
	strOff := values.add("hello")

	b := &dcbBuilder{
		version: 5,
		structs: []structSpec{
			{name: "A", parentTypeIndex: -1, firstPropertyIndex: 0, propertyCount: 1, extendedPropertyCount: 1},
			{name: "B", parentTypeIndex: 0, firstPropertyIndex: 1, propertyCount: 1, extendedPropertyCount: 2},
		},
		properties: []propertySpec{
			{name: "a_val", dataType: Bool, conversionType: ConvSimple, structIndex: -1},
			{name: "b_val", dataType: StringRef, conversionType: ConvSimple, structIndex: -1},
		},
		records: []recordSpec{
			{name: "b1", fileName: "b1.xml", structIndex: 1, hash: hash, id: id},
		},
		boolPool:      []bool{true},
		stringRefPool: []uint32{strOff},
		values:        values,
	}
	data := b.build(t)

	db, err := OpenBytes(data, nil)
	if err != nil {
		t.Fatalf("OpenBytes: %v", err)
	}
	defer db.Close()

	sv, err := db.MaterializeRecord(0)
	if err != nil {
		t.Fatalf("MaterializeRecord: %v", err)
	}
	if len(sv.Fields) != 2 {
		t.Fatalf("fields = %d, want 2 (a_val, b_val in that order)", len(sv.Fields))
	}
	if sv.Fields[0].Prop.Name != "a_val" || sv.Fields[1].Prop.Name != "b_val" {
		t.Fatalf("field order = [%s, %s], want [a_val, b_val]", sv.Fields[0].Prop.Name, sv.Fields[1].Prop.Name)
	}
	if sv.Fields[0].Scalar != true {
		t.Fatalf("a_val = %v, want true", sv.Fields[0].Scalar)
	}
	if sv.Fields[1].Scalar != "hello" {
		t.Fatalf("b_val = %v, want %q", sv.Fields[1].Scalar, "hello")
	}

	outDir := t.TempDir()
	if err := ExportAll(db, outDir, nil); err != nil {
		t.Fatalf("ExportAll: %v", err)
	}
	xmlPath := filepath.Join(outDir, "B", id.String()+".xml")
	content, err := os.ReadFile(xmlPath)
	if err != nil {
		t.Fatalf("reading exported xml: %v", err)
	}
	want := fmt.Sprintf(`<B __type="B" __ref="%s" a_val="True" b_val="hello"/>`, id.String())
	if string(content) != want {
		t.Fatalf("exported xml = %q, want %q", content, want)
	}
}

func TestZeroPropertyRecord(t *testing.T) {
	id := mustGUID(t, "55555555-5555-5555-5555-555555555555")
	hash := mustGUID(t, "66666666-6666-6666-6666-666666666666")

	b := &dcbBuilder{
		version: 5,
		structs: []structSpec{
			{name: "Empty", parentTypeIndex: -1, firstPropertyIndex: 0, propertyCount: 0, extendedPropertyCount: 0},
		},
		records: []recordSpec{
			{name: "e1", fileName: "e1.xml", structIndex: 0, hash: hash, id: id},
		},
	}
	data := b.build(t)

	db, err := OpenBytes(data, nil)
	if err != nil {
		t.Fatalf("OpenBytes: %v", err)
	}
	defer db.Close()

	sv, err := db.MaterializeRecord(0)
	if err != nil {
		t.Fatalf("MaterializeRecord: %v", err)
	}
	if len(sv.Fields) != 0 {
		t.Fatalf("fields = %d, want 0", len(sv.Fields))
	}

	outDir := t.TempDir()
	if err := ExportAll(db, outDir, nil); err != nil {
		t.Fatalf("ExportAll: %v", err)
	}
	content, err := os.ReadFile(filepath.Join(outDir, "Empty", id.String()+".xml"))
	if err != nil {
		t.Fatalf("reading exported xml: %v", err)
	}
	want := fmt.Sprintf(`<Empty __type="Empty" __ref="%s"/>`, id.String())
	if string(content) != want {
		t.Fatalf("exported xml = %q, want %q", content, want)
	}
}

func TestCyclicParentChainDetected(t *testing.T) {
	b := &dcbBuilder{
		version: 5,
		structs: []structSpec{
			{name: "A", parentTypeIndex: 1, firstPropertyIndex: 0, propertyCount: 0},
			{name: "B", parentTypeIndex: 0, firstPropertyIndex: 0, propertyCount: 0},
		},
	}
	data := b.build(t)

	if _, err := OpenBytes(data, nil); err == nil {
		t.Fatal("expected BadTypeIndex error for cyclic parent chain")
	}
}

func TestProgressCallbackInvokedPerRecord(t *testing.T) {
	id1 := mustGUID(t, "77777777-7777-7777-7777-777777777777")
	id2 := mustGUID(t, "88888888-8888-8888-8888-888888888888")
	hash := mustGUID(t, "99999999-9999-9999-9999-999999999999")

	b := &dcbBuilder{
		version: 5,
		structs: []structSpec{
			{name: "Thing", parentTypeIndex: -1, firstPropertyIndex: 0, propertyCount: 1, extendedPropertyCount: 1},
		},
		properties: []propertySpec{
			{name: "x", dataType: Int32, conversionType: ConvSimple, structIndex: -1},
		},
		records: []recordSpec{
			{name: "t1", fileName: "t1.xml", structIndex: 0, hash: hash, id: id1},
			{name: "t2", fileName: "t2.xml", structIndex: 0, hash: hash, id: id2},
		},
		int32Pool: []int32{1, 2},
	}
	data := b.build(t)

	db, err := OpenBytes(data, nil)
	if err != nil {
		t.Fatalf("OpenBytes: %v", err)
	}
	defer db.Close()

	var calls []int
	if err := ExportAll(db, t.TempDir(), func(current, total int) {
		calls = append(calls, current)
		if total != 2 {
			t.Fatalf("total = %d, want 2", total)
		}
	}); err != nil {
		t.Fatalf("ExportAll: %v", err)
	}
	if len(calls) != 2 || calls[0] != 1 || calls[1] != 2 {
		t.Fatalf("progress calls = %v, want [1 2]", calls)
	}
}

func FuzzOpenBytes(f *testing.F) {
	id := mustGUID(f, "11111111-1111-1111-1111-111111111111")
	hash := mustGUID(f, "22222222-2222-2222-2222-222222222222")

	f.Add((&dcbBuilder{
		version: 5,
		structs: []structSpec{
			{name: "Thing", parentTypeIndex: -1, firstPropertyIndex: 0, propertyCount: 1, extendedPropertyCount: 1},
		},
		properties: []propertySpec{
			{name: "x", dataType: Int32, conversionType: ConvSimple, structIndex: -1},
		},
		records: []recordSpec{
			{name: "thing1", fileName: "thing1.xml", structIndex: 0, hash: hash, id: id},
		},
		int32Pool: []int32{42},
	}).build(f))

	id2 := mustGUID(f, "33333333-3333-3333-3333-333333333333")
	hash2 := mustGUID(f, "44444444-4444-4444-4444-444444444444")
	values := namePool{}
	strOff := values.add("hello")
	f.Add((&dcbBuilder{
		version: 6,
		structs: []structSpec{
			{name: "A", parentTypeIndex: -1, firstPropertyIndex: 0, propertyCount: 1, extendedPropertyCount: 1},
			{name: "B", parentTypeIndex: 0, firstPropertyIndex: 1, propertyCount: 1, extendedPropertyCount: 2},
		},
		properties: []propertySpec{
			{name: "a_val", dataType: Bool, conversionType: ConvSimple, structIndex: -1},
			{name: "b_val", dataType: StringRef, conversionType: ConvSimple, structIndex: -1},
		},
		records: []recordSpec{
			{name: "b1", fileName: "b1.xml", structIndex: 1, hash: hash2, id: id2},
		},
		boolPool:      []bool{true},
		stringRefPool: []uint32{strOff},
		values:        values,
	}).build(f))

	f.Fuzz(func(t *testing.T, data []byte) {
		db, err := OpenBytes(data, nil)
		if err != nil {
			return
		}
		defer db.Close()

		for i := range db.Records {
			// MaterializeRecord must never panic on a fuzzer-mutated
			// definition table, even when it returns an error.
			_, _ = db.MaterializeRecord(i)
		}
	})
}
