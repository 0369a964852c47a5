package cryxml

import "encoding/binary"

// stringPoolBuilder implements the append-only, first-write-wins
// de-duplication the encode contract in spec.md §4.2 requires.
type stringPoolBuilder struct {
	buf     []byte
	offsets map[string]uint32
}

func newStringPoolBuilder() *stringPoolBuilder {
	return &stringPoolBuilder{offsets: map[string]uint32{}}
}

func (b *stringPoolBuilder) intern(s string) uint32 {
	if off, ok := b.offsets[s]; ok {
		return off
	}
	off := uint32(len(b.buf))
	b.buf = append(b.buf, []byte(s)...)
	b.buf = append(b.buf, 0)
	b.offsets[s] = off
	return off
}

// Encode serializes a Document back to CryXmlB bytes. The result is
// byte-for-byte canonical: the same table ordering the decoder produces,
// and append-only string-pool de-duplication where the first write of a
// string wins. Encode(Decode(b)) reproduces a canonicalized b, and
// Decode(Encode(d)) is the identity on d (spec.md §8).
func Encode(d *Document) []byte {
	pool := newStringPoolBuilder()

	type rawNode struct {
		tagOff, contentOff         uint32
		attrCount, childCount      uint16
		attrIndex, childIndex      uint32
		parentIndex                int32
	}

	nodes := make([]rawNode, len(d.Nodes))
	for i, n := range d.Nodes {
		tag, _ := d.Tag(i)
		rn := rawNode{
			tagOff:      pool.intern(tag),
			attrCount:   n.AttrCount,
			childCount:  n.ChildCount,
			attrIndex:   n.AttrIndex,
			childIndex:  n.ChildIndex,
			parentIndex: n.ParentIndex,
		}
		if n.ContentOffset == missingString {
			rn.contentOff = missingString
		} else {
			content, _ := d.Content(i)
			rn.contentOff = pool.intern(content)
		}
		nodes[i] = rn
	}

	type rawAttr struct{ keyOff, valOff uint32 }
	attrs := make([]rawAttr, len(d.Attributes))
	for i := range d.Attributes {
		key, _ := d.AttrKey(i)
		val, _ := d.AttrValue(i)
		attrs[i] = rawAttr{keyOff: pool.intern(key), valOff: pool.intern(val)}
	}

	nodesOffset := uint32(headerSize)
	attrsOffset := nodesOffset + uint32(len(nodes))*nodeRecordSize
	childOffset := attrsOffset + uint32(len(attrs))*attrRecordSize
	poolOffset := childOffset + uint32(len(d.ChildIndex))*childEntrySize
	totalLength := poolOffset + uint32(len(pool.buf))

	out := make([]byte, totalLength)
	copy(out[0:8], magic[:])
	binary.LittleEndian.PutUint32(out[8:], totalLength)
	putDescriptor(out, 12, nodesOffset, uint32(len(nodes)))
	putDescriptor(out, 20, attrsOffset, uint32(len(attrs)))
	putDescriptor(out, 28, childOffset, uint32(len(d.ChildIndex)))
	putDescriptor(out, 36, poolOffset, uint32(len(pool.buf)))

	for i, n := range nodes {
		off := nodesOffset + uint32(i)*nodeRecordSize
		binary.LittleEndian.PutUint32(out[off:], n.tagOff)
		binary.LittleEndian.PutUint32(out[off+4:], n.contentOff)
		binary.LittleEndian.PutUint16(out[off+8:], n.attrCount)
		binary.LittleEndian.PutUint16(out[off+10:], n.childCount)
		binary.LittleEndian.PutUint32(out[off+12:], n.attrIndex)
		binary.LittleEndian.PutUint32(out[off+16:], n.childIndex)
		binary.LittleEndian.PutUint32(out[off+20:], uint32(n.parentIndex))
	}
	for i, a := range attrs {
		off := attrsOffset + uint32(i)*attrRecordSize
		binary.LittleEndian.PutUint32(out[off:], a.keyOff)
		binary.LittleEndian.PutUint32(out[off+4:], a.valOff)
	}
	for i, v := range d.ChildIndex {
		off := childOffset + uint32(i)*childEntrySize
		binary.LittleEndian.PutUint32(out[off:], v)
	}
	copy(out[poolOffset:], pool.buf)

	return out
}

func putDescriptor(out []byte, at, offset, count uint32) {
	binary.LittleEndian.PutUint32(out[at:], offset)
	binary.LittleEndian.PutUint32(out[at+4:], count)
}
