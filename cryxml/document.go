// Package cryxml implements the CryXmlB codec: a compact tree-of-nodes
// binary XML format with a shared string pool (spec.md §4.2). It parses
// to an in-memory Document tree and serializes back losslessly.
package cryxml

// Node mirrors the on-disk node record (spec.md §3 CryXmlB): a tag and
// optional content, both string-pool offsets, plus the ranges of this
// node's attributes and children.
type Node struct {
	TagOffset     uint32
	ContentOffset uint32
	AttrCount     uint16
	ChildCount    uint16
	AttrIndex     uint32
	ChildIndex    uint32
	ParentIndex   int32
}

// Attribute is a key/value pair, both string-pool offsets.
type Attribute struct {
	KeyOffset   uint32
	ValueOffset uint32
}

// missingString marks an offset that resolves to the empty string rather
// than a real string-pool entry (used for nodes with no content).
const missingString = 0xFFFFFFFF

// Document is the parsed in-memory form of a CryXmlB file: nodes,
// attributes and the child-index table, plus the raw string pool they
// reference by byte offset. Strings are resolved lazily from the pool;
// Document never copies it.
type Document struct {
	pool       []byte
	Nodes      []Node
	Attributes []Attribute
	ChildIndex []uint32
}

// Root returns node id 0, the document root, per the spec.md §3 invariant
// that node 0 is always the root.
func (d *Document) Root() int { return 0 }

// Children returns the ids of n's children, in document order.
func (d *Document) Children(n int) []int {
	node := d.Nodes[n]
	if node.ChildCount == 0 {
		return nil
	}
	out := make([]int, node.ChildCount)
	copy(out, toIntSlice(d.ChildIndex[node.ChildIndex:node.ChildIndex+uint32(node.ChildCount)]))
	return out
}

// Attrs returns the attribute ids belonging to node n.
func (d *Document) Attrs(n int) []int {
	node := d.Nodes[n]
	if node.AttrCount == 0 {
		return nil
	}
	out := make([]int, node.AttrCount)
	for i := range out {
		out[i] = int(node.AttrIndex) + i
	}
	return out
}

func toIntSlice(u []uint32) []int {
	out := make([]int, len(u))
	for i, v := range u {
		out[i] = int(v)
	}
	return out
}

// Tag resolves a node's tag string from the string pool.
func (d *Document) Tag(n int) (string, error) {
	return d.stringAt(d.Nodes[n].TagOffset)
}

// Content resolves a node's content string from the string pool. A node
// with no content has ContentOffset == missingString and Content returns
// "".
func (d *Document) Content(n int) (string, error) {
	if d.Nodes[n].ContentOffset == missingString {
		return "", nil
	}
	return d.stringAt(d.Nodes[n].ContentOffset)
}

// AttrKey resolves an attribute's key string.
func (d *Document) AttrKey(a int) (string, error) {
	return d.stringAt(d.Attributes[a].KeyOffset)
}

// AttrValue resolves an attribute's value string.
func (d *Document) AttrValue(a int) (string, error) {
	return d.stringAt(d.Attributes[a].ValueOffset)
}

// Equal reports whether two documents are structurally equal: same tree
// shape, same resolved strings at every tag/content/attribute, regardless
// of how the string pool happens to be packed. This backs the
// decode(encode(D)) == D round-trip property in spec.md §8.
func Equal(a, b *Document) bool {
	if len(a.Nodes) != len(b.Nodes) {
		return false
	}
	for i := range a.Nodes {
		if !nodeEqual(a, b, i) {
			return false
		}
	}
	return true
}

func nodeEqual(a, b *Document, i int) bool {
	at, aerr := a.Tag(i)
	bt, berr := b.Tag(i)
	if aerr != nil || berr != nil || at != bt {
		return false
	}
	ac, aerr := a.Content(i)
	bc, berr := b.Content(i)
	if aerr != nil || berr != nil || ac != bc {
		return false
	}
	aAttrs, bAttrs := a.Attrs(i), b.Attrs(i)
	if len(aAttrs) != len(bAttrs) {
		return false
	}
	for j := range aAttrs {
		ak, _ := a.AttrKey(aAttrs[j])
		av, _ := a.AttrValue(aAttrs[j])
		bk, _ := b.AttrKey(bAttrs[j])
		bv, _ := b.AttrValue(bAttrs[j])
		if ak != bk || av != bv {
			return false
		}
	}
	aChildren, bChildren := a.Children(i), b.Children(i)
	if len(aChildren) != len(bChildren) {
		return false
	}
	for j := range aChildren {
		if !nodeEqual(a, b, aChildren[j]) {
			return false
		}
	}
	return true
}
