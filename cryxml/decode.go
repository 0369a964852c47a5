package cryxml

import (
	"os"

	"github.com/go-kratos/kratos/v2/log"

	"github.com/19h/svarog/binreader"
	"github.com/19h/svarog/ferr"
)

// magic is the 8-byte CryXmlB file signature.
var magic = [8]byte{'C', 'r', 'y', 'X', 'm', 'l', 'B', 0}

const (
	headerSize      = 8 + 4 + 4*8 // magic + total length + 4 table descriptors (offset,count)
	nodeRecordSize  = 4 + 4 + 2 + 2 + 4 + 4 + 4
	attrRecordSize  = 4 + 4
	childEntrySize  = 4
)

type tableDescriptor struct {
	offset uint32
	count  uint32
}

// Options configures Decode.
type Options struct {
	// Logger receives parse warnings. Defaults to a Warn-level stdout
	// logger, mirroring p4k.Options and datacore.Options.
	Logger *log.Helper
}

func defaultLogger() *log.Helper {
	base := log.NewStdLogger(os.Stdout)
	return log.NewHelper(log.NewFilter(base, log.FilterLevel(log.LevelWarn)))
}

func (d *Document) stringAt(offset uint32) (string, error) {
	if offset == missingString {
		return "", nil
	}
	pr := binreader.New(d.pool)
	s, _, err := pr.CString(offset)
	if err != nil {
		return "", ferr.Wrap(ferr.StringPoolUnterminated, "resolving cryxml string pool offset", err)
	}
	return s, nil
}

// Decode parses a CryXmlB byte blob into a Document. Parsing never
// copies the string pool; strings are resolved lazily. opts may be nil.
func Decode(data []byte, opts *Options) (*Document, error) {
	logger := defaultLogger()
	if opts != nil && opts.Logger != nil {
		logger = opts.Logger
	}

	r := binreader.New(data)

	if r.Len() < headerSize {
		return nil, ferr.New(ferr.TruncatedInput, "file shorter than cryxml header")
	}
	magicBytes, err := r.Fixed(0, 8)
	if err != nil {
		return nil, err
	}
	for i := range magic {
		if magicBytes[i] != magic[i] {
			return nil, ferr.New(ferr.BadMagic, "cryxml magic CryXmlB\\0 not found")
		}
	}

	// total file length at offset 8 is informational; we don't require it
	// to match len(data) exactly, since callers may hand us a slice with
	// trailer bytes still attached, but a mismatch is still worth flagging.
	if declaredLength, err := r.Uint32(8); err == nil && declaredLength != uint32(r.Len()) {
		logger.Warnf("cryxml header declares total length %d but the buffer is %d bytes", declaredLength, r.Len())
	}

	nodesDesc, err := readDescriptor(r, 12)
	if err != nil {
		return nil, err
	}
	attrsDesc, err := readDescriptor(r, 20)
	if err != nil {
		return nil, err
	}
	childDesc, err := readDescriptor(r, 28)
	if err != nil {
		return nil, err
	}
	poolDesc, err := readDescriptor(r, 36)
	if err != nil {
		return nil, err
	}

	doc := &Document{}

	if err := checkTableBounds(r, nodesDesc.offset, uint64(nodesDesc.count)*nodeRecordSize); err != nil {
		return nil, err
	}
	doc.Nodes = make([]Node, nodesDesc.count)
	for i := range doc.Nodes {
		off := nodesDesc.offset + uint32(i)*nodeRecordSize
		n := Node{}
		n.TagOffset, _ = r.Uint32(off)
		n.ContentOffset, _ = r.Uint32(off + 4)
		attrCount, _ := r.Uint16(off + 8)
		childCount, _ := r.Uint16(off + 10)
		n.AttrCount = attrCount
		n.ChildCount = childCount
		n.AttrIndex, _ = r.Uint32(off + 12)
		n.ChildIndex, _ = r.Uint32(off + 16)
		parentIndex, _ := r.Int32(off + 20)
		n.ParentIndex = parentIndex
		doc.Nodes[i] = n
	}

	if err := checkTableBounds(r, attrsDesc.offset, uint64(attrsDesc.count)*attrRecordSize); err != nil {
		return nil, err
	}
	doc.Attributes = make([]Attribute, attrsDesc.count)
	for i := range doc.Attributes {
		off := attrsDesc.offset + uint32(i)*attrRecordSize
		key, _ := r.Uint32(off)
		val, _ := r.Uint32(off + 4)
		doc.Attributes[i] = Attribute{KeyOffset: key, ValueOffset: val}
	}

	if err := checkTableBounds(r, childDesc.offset, uint64(childDesc.count)*childEntrySize); err != nil {
		return nil, err
	}
	doc.ChildIndex = make([]uint32, childDesc.count)
	for i := range doc.ChildIndex {
		off := childDesc.offset + uint32(i)*childEntrySize
		v, _ := r.Uint32(off)
		if v >= uint32(len(doc.Nodes)) {
			return nil, ferr.Newf(ferr.ChildIndexOutOfRange, "child index entry %d references node %d, have %d nodes", i, v, len(doc.Nodes))
		}
		doc.ChildIndex[i] = v
	}

	if err := checkTableBounds(r, poolDesc.offset, uint64(poolDesc.count)); err != nil {
		return nil, err
	}
	pool, err := r.Fixed(poolDesc.offset, poolDesc.count)
	if err != nil {
		return nil, err
	}
	doc.pool = pool

	// Validate every string-pool offset actually resolves, per the §4.2
	// parse contract, without eagerly materializing the strings.
	for i := range doc.Nodes {
		if _, err := doc.Tag(i); err != nil {
			return nil, err
		}
		if _, err := doc.Content(i); err != nil {
			return nil, err
		}
	}
	for i := range doc.Attributes {
		if _, err := doc.AttrKey(i); err != nil {
			return nil, err
		}
		if _, err := doc.AttrValue(i); err != nil {
			return nil, err
		}
	}

	return doc, nil
}

func readDescriptor(r *binreader.Reader, offset uint32) (tableDescriptor, error) {
	off, err := r.Uint32(offset)
	if err != nil {
		return tableDescriptor{}, err
	}
	count, err := r.Uint32(offset + 4)
	if err != nil {
		return tableDescriptor{}, err
	}
	return tableDescriptor{offset: off, count: count}, nil
}

func checkTableBounds(r *binreader.Reader, offset uint32, size uint64) error {
	if uint64(offset)+size > uint64(r.Len()) {
		return ferr.Newf(ferr.TableOutOfRange, "table at offset %d size %d exceeds file of %d bytes", offset, size, r.Len())
	}
	return nil
}
