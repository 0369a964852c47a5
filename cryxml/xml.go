package cryxml

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/19h/svarog/ferr"
)

// ToXML renders the canonical textual XML projection of a Document
// (spec.md §4.2): each node's tag becomes the element name, its
// attributes are emitted in insertion order, and its content — when
// non-empty — is written before any child elements (see DESIGN.md's
// resolution of the content-vs-children ordering Open Question).
func ToXML(d *Document) (string, error) {
	var buf bytes.Buffer
	if err := writeNode(&buf, d, d.Root()); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func writeNode(buf *bytes.Buffer, d *Document, n int) error {
	tag, err := d.Tag(n)
	if err != nil {
		return err
	}
	fmt.Fprintf(buf, "<%s", tag)
	for _, a := range d.Attrs(n) {
		key, err := d.AttrKey(a)
		if err != nil {
			return err
		}
		val, err := d.AttrValue(a)
		if err != nil {
			return err
		}
		fmt.Fprintf(buf, " %s=\"", key)
		if err := xml.EscapeText(buf, []byte(val)); err != nil {
			return err
		}
		buf.WriteByte('"')
	}

	content, err := d.Content(n)
	if err != nil {
		return err
	}
	children := d.Children(n)

	if content == "" && len(children) == 0 {
		buf.WriteString("/>")
		return nil
	}

	buf.WriteByte('>')
	if content != "" {
		if err := xml.EscapeText(buf, []byte(content)); err != nil {
			return err
		}
	}
	for _, c := range children {
		if err := writeNode(buf, d, c); err != nil {
			return err
		}
	}
	fmt.Fprintf(buf, "</%s>", tag)
	return nil
}

type xmlBuildNode struct {
	tag      string
	attrKeys []string
	attrVals []string
	content  strings.Builder
	hasText  bool
	children []int
	parent   int
}

// ParseXML reads a textual XML document and builds the equivalent
// Document tree (spec.md §8's round-trip is in-scope for CryXmlB in
// both directions, unlike DCB): element names become tags, attributes
// keep document order, and non-whitespace character data becomes a
// node's content. A node with no such text gets ContentOffset ==
// missingString, mirroring what Decode produces for a content-free node.
func ParseXML(r io.Reader) (*Document, error) {
	dec := xml.NewDecoder(r)

	var nodes []*xmlBuildNode
	var stack []int

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, ferr.Wrap(ferr.InvalidString, "parsing xml for cryxml encode", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			n := &xmlBuildNode{tag: t.Name.Local, parent: -1}
			for _, a := range t.Attr {
				n.attrKeys = append(n.attrKeys, a.Name.Local)
				n.attrVals = append(n.attrVals, a.Value)
			}
			id := len(nodes)
			nodes = append(nodes, n)
			if len(stack) > 0 {
				parent := stack[len(stack)-1]
				nodes[parent].children = append(nodes[parent].children, id)
				n.parent = parent
			}
			stack = append(stack, id)
		case xml.CharData:
			if len(stack) == 0 {
				continue
			}
			top := stack[len(stack)-1]
			if strings.TrimSpace(string(t)) != "" {
				nodes[top].content.Write(t)
				nodes[top].hasText = true
			}
		case xml.EndElement:
			stack = stack[:len(stack)-1]
		}
	}

	if len(nodes) == 0 {
		return nil, ferr.New(ferr.InvalidString, "xml document has no root element")
	}

	doc := &Document{Nodes: make([]Node, len(nodes))}
	childIdx := uint32(0)
	attrIdx := uint32(0)
	for i, n := range nodes {
		tagOff := internRaw(doc, n.tag)
		contentOff := uint32(missingString)
		if n.hasText {
			contentOff = internRaw(doc, n.content.String())
		}
		for j, k := range n.attrKeys {
			keyOff := internRaw(doc, k)
			valOff := internRaw(doc, n.attrVals[j])
			doc.Attributes = append(doc.Attributes, Attribute{KeyOffset: keyOff, ValueOffset: valOff})
		}
		for _, c := range n.children {
			doc.ChildIndex = append(doc.ChildIndex, uint32(c))
		}
		parentIdx := int32(-1)
		if n.parent >= 0 {
			parentIdx = int32(n.parent)
		}
		doc.Nodes[i] = Node{
			TagOffset:     tagOff,
			ContentOffset: contentOff,
			AttrCount:     uint16(len(n.attrKeys)),
			ChildCount:    uint16(len(n.children)),
			AttrIndex:     attrIdx,
			ChildIndex:    childIdx,
			ParentIndex:   parentIdx,
		}
		attrIdx += uint32(len(n.attrKeys))
		childIdx += uint32(len(n.children))
	}

	return doc, nil
}

// internRaw appends s (NUL-terminated) to doc's growing raw string pool
// and returns its byte offset. Encode performs its own append-only
// de-duplicating interning pass when this Document is later re-encoded,
// so duplicate entries written here cost space but not correctness.
func internRaw(doc *Document, s string) uint32 {
	off := uint32(len(doc.pool))
	doc.pool = append(doc.pool, []byte(s)...)
	doc.pool = append(doc.pool, 0)
	return off
}
