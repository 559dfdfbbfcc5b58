package fdt

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// Format writes n in device tree source syntax.
func Format(w io.Writer, n *Node) error {
	bw := bufio.NewWriter(w)
	bw.WriteString("/dts-v1/;\n\n")
	formatNode(bw, n, 0)
	return bw.Flush()
}

func formatNode(w *bufio.Writer, n *Node, depth int) {
	indent := strings.Repeat("\t", depth)
	name := n.Name
	if depth == 0 && name == "" {
		name = "/"
	}
	fmt.Fprintf(w, "%s%s {\n", indent, name)
	for _, p := range n.Properties {
		if len(p.Value) == 0 {
			fmt.Fprintf(w, "%s\t%s;\n", indent, p.Name)
			continue
		}
		fmt.Fprintf(w, "%s\t%s = %s;\n", indent, p.Name, formatValue(p.Value))
	}
	for i, c := range n.Children {
		if i > 0 || len(n.Properties) > 0 {
			w.WriteByte('\n')
		}
		formatNode(w, c, depth+1)
	}
	fmt.Fprintf(w, "%s};\n", indent)
}

func formatValue(v []byte) string {
	if isStringList(v) {
		parts := splitStrings(v)
		for i, s := range parts {
			parts[i] = fmt.Sprintf("%q", s)
		}
		return strings.Join(parts, ", ")
	}
	if len(v)%4 == 0 {
		cells := make([]string, 0, len(v)/4)
		for i := 0; i < len(v); i += 4 {
			cells = append(cells, fmt.Sprintf("0x%x", binary.BigEndian.Uint32(v[i:])))
		}
		return "<" + strings.Join(cells, " ") + ">"
	}
	octets := make([]string, len(v))
	for i, b := range v {
		octets[i] = fmt.Sprintf("%02x", b)
	}
	return "[" + strings.Join(octets, " ") + "]"
}

// isStringList reports whether v is one or more non-empty printable strings,
// each NUL terminated.
func isStringList(v []byte) bool {
	if len(v) == 0 || v[len(v)-1] != 0 {
		return false
	}
	prevNul := true
	for _, b := range v {
		if b == 0 {
			if prevNul {
				return false
			}
			prevNul = true
			continue
		}
		if b < 0x20 || b > 0x7e {
			return false
		}
		prevNul = false
	}
	return true
}
