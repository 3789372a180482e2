package dmarc

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"errors"
	"io"
	"strings"
)

// DefaultMaxDepth is the deepest element nesting ParseTree accepts when no
// explicit limit is given.
const DefaultMaxDepth = 64

// some xmls contain invalid XML by adding an unclosed xs tag
const xsTag = `<xs:schema xmlns:xs="http://www.w3.org/2001/XMLSchema" targetNamespace="http://dmarc.org/dmarc-xml/0.1">`

// TextKey addresses the character data of an element that also has
// attributes or children.
const TextKey = "#text"

// Kind tags the variant held by a Node.
type Kind uint8

const (
	Scalar Kind = iota
	Object
	List
)

// Node is a structural mirror of an XML element. Scalars hold the text of
// leaf elements and attributes, objects map child names to nodes and lists
// hold repeated siblings in document order.
type Node struct {
	Kind   Kind
	Text   string
	Fields map[string]*Node
	Items  []*Node
}

// Get walks the object fields named by path. A list met on the way is
// replaced by its first item. Missing steps return nil.
func (n *Node) Get(path ...string) *Node {
	cur := n
	for _, name := range path {
		if cur != nil && cur.Kind == List {
			cur = first(cur)
		}
		if cur == nil || cur.Kind != Object {
			return nil
		}
		cur = cur.Fields[name]
	}
	return cur
}

// Value returns the text of the node, or "" if it has none.
func (n *Node) Value() string {
	switch {
	case n == nil:
		return ""
	case n.Kind == Scalar:
		return n.Text
	case n.Kind == List:
		return first(n).Value()
	default:
		return n.Fields[TextKey].Value()
	}
}

// Present reports whether the node exists and is not an empty leaf.
func (n *Node) Present() bool {
	return n != nil && !(n.Kind == Scalar && n.Text == "")
}

// MarshalJSON renders scalars as strings, objects as JSON objects and lists
// as arrays.
func (n *Node) MarshalJSON() ([]byte, error) {
	switch n.Kind {
	case Object:
		return json.Marshal(n.Fields)
	case List:
		return json.Marshal(n.Items)
	default:
		return json.Marshal(n.Text)
	}
}

// AsList coerces a node to a sequence: nil yields none, a list its items
// and anything else a single element sequence.
func AsList(n *Node) []*Node {
	switch {
	case n == nil:
		return nil
	case n.Kind == List:
		return n.Items
	default:
		return []*Node{n}
	}
}

func first(n *Node) *Node {
	if len(n.Items) == 0 {
		return nil
	}
	return n.Items[0]
}

type frame struct {
	name   string
	fields map[string]*Node
	text   strings.Builder
}

func (f *frame) add(name string, child *Node) {
	if f.fields == nil {
		f.fields = make(map[string]*Node)
	}
	existing, ok := f.fields[name]
	switch {
	case !ok:
		f.fields[name] = child
	case existing.Kind == List:
		existing.Items = append(existing.Items, child)
	default:
		f.fields[name] = &Node{Kind: List, Items: []*Node{existing, child}}
	}
}

func (f *frame) node() *Node {
	text := strings.TrimSpace(f.text.String())
	if len(f.fields) == 0 {
		return &Node{Kind: Scalar, Text: text}
	}
	if text != "" {
		f.add(TextKey, &Node{Kind: Scalar, Text: text})
	}
	return &Node{Kind: Object, Fields: f.fields}
}

// ParseTree parses an XML document into a Node tree. The returned node is
// an object holding the root element under its name. Values stay strings,
// no type inference is done here. maxDepth <= 0 uses DefaultMaxDepth.
func ParseTree(doc string, maxDepth int) (*Node, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	doc = strings.ReplaceAll(doc, xsTag, "")

	d := xml.NewDecoder(bytes.NewReader([]byte(doc)))
	// the document was converted to UTF-8 by the Decoder already
	d.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) {
		return input, nil
	}

	top := &frame{}
	stack := []*frame{top}
	roots := 0
	for {
		tok, err := d.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, wrap(ErrMalformedXML, "%v", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if len(stack) == 1 {
				roots++
				if roots > 1 {
					return nil, wrap(ErrMalformedXML, "document has more than one root element")
				}
			}
			if len(stack) > maxDepth {
				return nil, wrap(ErrMalformedXML, "element nesting exceeds depth %d", maxDepth)
			}
			f := &frame{name: t.Name.Local}
			for _, attr := range t.Attr {
				if attr.Name.Space == "xmlns" || attr.Name.Local == "xmlns" {
					continue
				}
				f.add(attr.Name.Local, &Node{Kind: Scalar, Text: attr.Value})
			}
			stack = append(stack, f)
		case xml.EndElement:
			f := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			stack[len(stack)-1].add(f.name, f.node())
		case xml.CharData:
			if len(stack) > 1 {
				stack[len(stack)-1].text.Write(t)
			}
		}
	}

	if roots == 0 {
		return nil, wrap(ErrMalformedXML, "document has no root element")
	}
	if len(stack) > 1 {
		return nil, wrap(ErrMalformedXML, "unclosed element %s", stack[len(stack)-1].name)
	}
	return &Node{Kind: Object, Fields: top.fields}, nil
}
