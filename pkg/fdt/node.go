package fdt

import (
	"bytes"
	"encoding/binary"
	"strings"
)

// Property is a named value attached to a node.
type Property struct {
	Name  string
	Value []byte
}

// Node is a device tree node.
type Node struct {
	Name       string
	Properties []*Property
	Children   []*Node

	parent   *Node
	detached bool
	released bool
}

// NewNode returns a node with no properties or children.
func NewNode(name string) *Node {
	return &Node{Name: name}
}

// Parent returns the parent node, nil for a root.
func (n *Node) Parent() *Node {
	return n.parent
}

// MarkDetached flags the node as not attached to a live tree.
func (n *Node) MarkDetached() {
	n.detached = true
}

// Detached reports whether MarkDetached was called.
func (n *Node) Detached() bool {
	return n.detached
}

// Path returns the absolute path of the node within its tree.
func (n *Node) Path() string {
	if n.parent == nil {
		return "/"
	}
	parent := n.parent.Path()
	if parent == "/" {
		return "/" + n.Name
	}
	return parent + "/" + n.Name
}

// Property returns the named property or nil.
func (n *Node) Property(name string) *Property {
	for _, p := range n.Properties {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// SetProperty sets or replaces a property and returns the previous value, nil
// if the property was added.
func (n *Node) SetProperty(name string, value []byte) *Property {
	for i, p := range n.Properties {
		if p.Name == name {
			old := p
			n.Properties[i] = &Property{Name: name, Value: value}
			return old
		}
	}
	n.Properties = append(n.Properties, &Property{Name: name, Value: value})
	return nil
}

// RemoveProperty deletes the named property, reporting whether it existed.
func (n *Node) RemoveProperty(name string) bool {
	for i, p := range n.Properties {
		if p.Name == name {
			n.Properties = append(n.Properties[:i], n.Properties[i+1:]...)
			return true
		}
	}
	return false
}

// Child returns the direct child with the given name. A name without a unit
// address also matches a child whose base name equals it.
func (n *Node) Child(name string) *Node {
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
	}
	if strings.Contains(name, "@") {
		return nil
	}
	for _, c := range n.Children {
		if base, _, _ := strings.Cut(c.Name, "@"); base == name {
			return c
		}
	}
	return nil
}

// AddChild appends c to n and returns c.
func (n *Node) AddChild(c *Node) *Node {
	c.parent = n
	n.Children = append(n.Children, c)
	return c
}

// RemoveChild detaches c from n, reporting whether it was a child.
func (n *Node) RemoveChild(c *Node) bool {
	for i, child := range n.Children {
		if child == c {
			n.Children = append(n.Children[:i], n.Children[i+1:]...)
			c.parent = nil
			return true
		}
	}
	return false
}

// Find looks up a node by path relative to n. "/" and "" return n.
func (n *Node) Find(path string) *Node {
	cur := n
	for _, part := range strings.Split(path, "/") {
		if part == "" {
			continue
		}
		cur = cur.Child(part)
		if cur == nil {
			return nil
		}
	}
	return cur
}

// Walk calls fn for n and every descendant, depth first.
func (n *Node) Walk(fn func(*Node)) {
	fn(n)
	for _, c := range n.Children {
		c.Walk(fn)
	}
}

// Phandle returns the node's phandle, 0 if it has none.
func (n *Node) Phandle() uint32 {
	for _, name := range []string{"phandle", "linux,phandle"} {
		if p := n.Property(name); p != nil && len(p.Value) == 4 {
			return binary.BigEndian.Uint32(p.Value)
		}
	}
	return 0
}

// PropertyString returns the first string of a string-list property.
func (n *Node) PropertyString(name string) (string, bool) {
	p := n.Property(name)
	if p == nil || len(p.Value) == 0 {
		return "", false
	}
	s, _, _ := bytes.Cut(p.Value, []byte{0})
	return string(s), true
}

// PropertyU32 returns a single-cell property.
func (n *Node) PropertyU32(name string) (uint32, bool) {
	p := n.Property(name)
	if p == nil || len(p.Value) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(p.Value), true
}

// Clone deep-copies n and its subtree. The copy has no parent.
func (n *Node) Clone() *Node {
	c := &Node{Name: n.Name}
	for _, p := range n.Properties {
		c.Properties = append(c.Properties, &Property{Name: p.Name, Value: append([]byte(nil), p.Value...)})
	}
	for _, child := range n.Children {
		c.AddChild(child.Clone())
	}
	return c
}

// MaxPhandle returns the largest phandle in the subtree.
func (n *Node) MaxPhandle() uint32 {
	var highest uint32
	n.Walk(func(node *Node) {
		if ph := node.Phandle(); ph != illegalPhandle && ph > highest {
			highest = ph
		}
	})
	return highest
}

// FindByPhandle returns the node carrying phandle ph.
func (n *Node) FindByPhandle(ph uint32) *Node {
	if ph == 0 || ph == illegalPhandle {
		return nil
	}
	var found *Node
	n.Walk(func(node *Node) {
		if found == nil && node.Phandle() == ph {
			found = node
		}
	})
	return found
}

// Cells encodes big-endian 32-bit cells.
func Cells(values ...uint32) []byte {
	b := make([]byte, 4*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint32(b[4*i:], v)
	}
	return b
}

// Strings encodes a NUL-terminated string list.
func Strings(values ...string) []byte {
	var b []byte
	for _, s := range values {
		b = append(b, s...)
		b = append(b, 0)
	}
	return b
}

// splitStrings decodes a NUL-terminated string list.
func splitStrings(value []byte) []string {
	var out []string
	for len(value) > 0 {
		s, rest, found := bytes.Cut(value, []byte{0})
		if !found {
			out = append(out, string(s))
			break
		}
		out = append(out, string(s))
		value = rest
	}
	return out
}
