package fdt

import (
	"bytes"
	"encoding/binary"
)

const (
	// Magic is the first word of every flattened device tree.
	Magic = 0xd00dfeed

	headerSize      = 40
	version         = 17
	lastCompVersion = 16
	minVersion      = 16

	tokenBeginNode = 0x1
	tokenEndNode   = 0x2
	tokenProp      = 0x3
	tokenNop       = 0x4
	tokenEnd       = 0x9

	illegalPhandle = 0xffffffff
)

type header struct {
	magic           uint32
	totalSize       uint32
	offStruct       uint32
	offStrings      uint32
	offMemRsvmap    uint32
	version         uint32
	lastCompVersion uint32
	bootCPUIDPhys   uint32
	sizeStrings     uint32
	sizeStruct      uint32
}

func align4(n int) int {
	return (n + 3) &^ 3
}

func parseHeader(data []byte) (*header, error) {
	if len(data) < headerSize {
		return nil, errorf("unflatten", EINVAL, "blob too small: %d bytes", len(data))
	}
	w := func(i int) uint32 { return binary.BigEndian.Uint32(data[4*i:]) }
	h := &header{
		magic:           w(0),
		totalSize:       w(1),
		offStruct:       w(2),
		offStrings:      w(3),
		offMemRsvmap:    w(4),
		version:         w(5),
		lastCompVersion: w(6),
		bootCPUIDPhys:   w(7),
		sizeStrings:     w(8),
		sizeStruct:      w(9),
	}
	if h.magic != Magic {
		return nil, errorf("unflatten", EINVAL, "bad magic 0x%08x", h.magic)
	}
	if h.version < minVersion {
		return nil, errorf("unflatten", EINVAL, "unsupported version %d", h.version)
	}
	if int64(h.totalSize) > int64(len(data)) || h.totalSize < headerSize {
		return nil, errorf("unflatten", EINVAL, "total size %d exceeds blob of %d bytes", h.totalSize, len(data))
	}
	if h.version < 17 {
		h.sizeStruct = h.totalSize - h.offStruct
	}
	if uint64(h.offStruct)+uint64(h.sizeStruct) > uint64(h.totalSize) {
		return nil, errorf("unflatten", EINVAL, "struct block out of bounds")
	}
	if uint64(h.offStrings)+uint64(h.sizeStrings) > uint64(h.totalSize) {
		return nil, errorf("unflatten", EINVAL, "strings block out of bounds")
	}
	return h, nil
}

// Unflatten decodes a flattened device tree blob. Property values are copied,
// so the returned tree does not reference data.
func Unflatten(data []byte) (*Node, error) {
	h, err := parseHeader(data)
	if err != nil {
		return nil, err
	}
	structBlock := data[h.offStruct : h.offStruct+h.sizeStruct]
	strs := data[h.offStrings : h.offStrings+h.sizeStrings]

	var (
		pos   int
		root  *Node
		stack []*Node
	)
	u32 := func() (uint32, error) {
		if pos+4 > len(structBlock) {
			return 0, errorf("unflatten", EINVAL, "truncated struct block at offset %d", pos)
		}
		v := binary.BigEndian.Uint32(structBlock[pos:])
		pos += 4
		return v, nil
	}

	for {
		tok, err := u32()
		if err != nil {
			return nil, err
		}

		switch tok {
		case tokenNop:

		case tokenBeginNode:
			end := bytes.IndexByte(structBlock[pos:], 0)
			if end < 0 {
				return nil, errorf("unflatten", EINVAL, "unterminated node name at offset %d", pos)
			}
			node := NewNode(string(structBlock[pos : pos+end]))
			pos = align4(pos + end + 1)
			if len(stack) == 0 {
				if root != nil {
					return nil, errorf("unflatten", EINVAL, "multiple root nodes")
				}
				root = node
			} else {
				stack[len(stack)-1].AddChild(node)
			}
			stack = append(stack, node)

		case tokenEndNode:
			if len(stack) == 0 {
				return nil, errorf("unflatten", EINVAL, "unbalanced end of node at offset %d", pos-4)
			}
			stack = stack[:len(stack)-1]

		case tokenProp:
			if len(stack) == 0 {
				return nil, errorf("unflatten", EINVAL, "property outside node at offset %d", pos-4)
			}
			size, err := u32()
			if err != nil {
				return nil, err
			}
			nameOff, err := u32()
			if err != nil {
				return nil, err
			}
			if uint64(pos)+uint64(size) > uint64(len(structBlock)) {
				return nil, errorf("unflatten", EINVAL, "property value out of bounds at offset %d", pos)
			}
			if int(nameOff) >= len(strs) {
				return nil, errorf("unflatten", EINVAL, "property name offset %d out of bounds", nameOff)
			}
			nameEnd := bytes.IndexByte(strs[nameOff:], 0)
			if nameEnd < 0 {
				return nil, errorf("unflatten", EINVAL, "unterminated property name at %d", nameOff)
			}
			value := append([]byte(nil), structBlock[pos:pos+int(size)]...)
			pos = align4(pos + int(size))
			stack[len(stack)-1].Properties = append(stack[len(stack)-1].Properties, &Property{
				Name:  string(strs[nameOff : int(nameOff)+nameEnd]),
				Value: value,
			})

		case tokenEnd:
			if len(stack) != 0 || root == nil {
				return nil, errorf("unflatten", EINVAL, "unexpected end of tree")
			}
			return root, nil

		default:
			return nil, errorf("unflatten", EINVAL, "bad token 0x%x at offset %d", tok, pos-4)
		}
	}
}

// Flatten encodes a tree as a version 17 blob with an empty reserve map.
func Flatten(root *Node) ([]byte, error) {
	if root == nil {
		return nil, errorf("flatten", EINVAL, "nil tree")
	}

	var (
		structBuf bytes.Buffer
		strBuf    bytes.Buffer
		offsets   = make(map[string]uint32)
	)
	put := func(v uint32) {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], v)
		structBuf.Write(b[:])
	}
	pad := func() {
		for structBuf.Len()%4 != 0 {
			structBuf.WriteByte(0)
		}
	}
	nameOffset := func(name string) uint32 {
		if off, ok := offsets[name]; ok {
			return off
		}
		off := uint32(strBuf.Len())
		strBuf.WriteString(name)
		strBuf.WriteByte(0)
		offsets[name] = off
		return off
	}

	var emit func(n *Node)
	emit = func(n *Node) {
		put(tokenBeginNode)
		structBuf.WriteString(n.Name)
		structBuf.WriteByte(0)
		pad()
		for _, p := range n.Properties {
			put(tokenProp)
			put(uint32(len(p.Value)))
			put(nameOffset(p.Name))
			structBuf.Write(p.Value)
			pad()
		}
		for _, c := range n.Children {
			emit(c)
		}
		put(tokenEndNode)
	}
	emit(root)
	put(tokenEnd)

	const rsvmapSize = 16
	offRsvmap := uint32(headerSize)
	offStruct := offRsvmap + rsvmapSize
	offStrings := offStruct + uint32(structBuf.Len())
	total := offStrings + uint32(strBuf.Len())

	out := make([]byte, 0, total)
	for _, v := range []uint32{
		Magic, total, offStruct, offStrings, offRsvmap,
		version, lastCompVersion, 0,
		uint32(strBuf.Len()), uint32(structBuf.Len()),
	} {
		out = binary.BigEndian.AppendUint32(out, v)
	}
	out = append(out, make([]byte, rsvmapSize)...)
	out = append(out, structBuf.Bytes()...)
	out = append(out, strBuf.Bytes()...)
	return out, nil
}
