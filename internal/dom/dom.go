// Package dom is a small in-memory element tree addressed by element id.
// Markup written into an element is parsed, so ids it introduces can be
// queried afterwards the same way a browser document would allow.
package dom

import (
	"errors"
	"strings"
	"sync"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ErrNotFound is returned when no element carries the requested id.
var ErrNotFound = errors.New("element_not_found")

// Document owns an element tree. All element access goes through the
// document lock, so elements may be mutated from any goroutine.
type Document struct {
	mu   sync.Mutex
	root *html.Node

	obsMu     sync.Mutex
	observers []func()
}

// Element is a handle to one node of a Document.
type Element struct {
	doc  *Document
	node *html.Node
}

// Parse builds a Document from an HTML fragment.
func Parse(markup string) (*Document, error) {
	root := newContainer()
	nodes, err := html.ParseFragment(strings.NewReader(markup), root)
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		root.AppendChild(n)
	}
	return &Document{root: root}, nil
}

func newContainer() *html.Node {
	return &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div}
}

// OnChange registers fn to run after every element mutation. Observers run
// outside the document lock and may read the document.
func (d *Document) OnChange(fn func()) {
	d.obsMu.Lock()
	d.observers = append(d.observers, fn)
	d.obsMu.Unlock()
}

func (d *Document) notify() {
	d.obsMu.Lock()
	obs := append([]func(){}, d.observers...)
	d.obsMu.Unlock()
	for _, fn := range obs {
		fn()
	}
}

// Query returns the first element in document order whose id attribute is id.
func (d *Document) Query(id string) (*Element, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := findByID(d.root, id)
	if n == nil {
		return nil, ErrNotFound
	}
	return &Element{doc: d, node: n}, nil
}

// HTML renders the whole document.
func (d *Document) HTML() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return renderChildren(d.root)
}

func findByID(n *html.Node, id string) *html.Node {
	if n.Type == html.ElementNode && attr(n, "id") == id {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findByID(c, id); found != nil {
			return found
		}
	}
	return nil
}

// ID returns the element's id attribute.
func (e *Element) ID() string {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return attr(e.node, "id")
}

// SetInnerHTML replaces the element's children with the parsed markup.
// Elements previously obtained from the replaced subtree become detached.
func (e *Element) SetInnerHTML(markup string) {
	e.doc.mu.Lock()
	for c := e.node.FirstChild; c != nil; {
		next := c.NextSibling
		e.node.RemoveChild(c)
		c = next
	}
	nodes, err := html.ParseFragment(strings.NewReader(markup), e.node)
	if err != nil {
		e.node.AppendChild(&html.Node{Type: html.TextNode, Data: markup})
	} else {
		for _, n := range nodes {
			e.node.AppendChild(n)
		}
	}
	e.doc.mu.Unlock()
	e.doc.notify()
}

// InnerHTML renders the element's children.
func (e *Element) InnerHTML() string {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return renderChildren(e.node)
}

// Text returns the concatenated text content with surrounding space trimmed.
func (e *Element) Text() string {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	var b strings.Builder
	collectText(e.node, &b)
	return strings.TrimSpace(b.String())
}

// SetStyle sets one inline style property, keeping the others in place.
func (e *Element) SetStyle(property, value string) {
	e.doc.mu.Lock()
	decls := parseStyle(attr(e.node, "style"))
	property = strings.ToLower(strings.TrimSpace(property))
	replaced := false
	for i := range decls {
		if decls[i].prop == property {
			decls[i].value = value
			replaced = true
			break
		}
	}
	if !replaced {
		decls = append(decls, declaration{prop: property, value: value})
	}
	setAttr(e.node, "style", formatStyle(decls))
	e.doc.mu.Unlock()
	e.doc.notify()
}

// Style returns the value of one inline style property, or "".
func (e *Element) Style(property string) string {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	property = strings.ToLower(strings.TrimSpace(property))
	for _, d := range parseStyle(attr(e.node, "style")) {
		if d.prop == property {
			return d.value
		}
	}
	return ""
}

// Attr returns the named attribute.
func (e *Element) Attr(name string) string {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return attr(e.node, name)
}

func collectText(n *html.Node, b *strings.Builder) {
	if n.Type == html.TextNode {
		b.WriteString(n.Data)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, b)
	}
}

func renderChildren(n *html.Node) string {
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		_ = html.Render(&b, c)
	}
	return b.String()
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val
		}
	}
	return ""
}

func setAttr(n *html.Node, key, val string) {
	for i := range n.Attr {
		if n.Attr[i].Namespace == "" && n.Attr[i].Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

type declaration struct {
	prop  string
	value string
}

func parseStyle(s string) []declaration {
	var out []declaration
	for _, part := range strings.Split(s, ";") {
		k, v, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		out = append(out, declaration{prop: k, value: strings.TrimSpace(v)})
	}
	return out
}

func formatStyle(decls []declaration) string {
	parts := make([]string, 0, len(decls))
	for _, d := range decls {
		parts = append(parts, d.prop+": "+d.value+";")
	}
	return strings.Join(parts, " ")
}
