package fdt

import (
	"encoding/binary"
	"strconv"
	"strings"
)

const (
	fixupsNode      = "__fixups__"
	localFixupsNode = "__local_fixups__"
	symbolsNode     = "__symbols__"
	overlayNode     = "__overlay__"
)

// Resolve links an overlay tree against a live tree: overlay phandles are
// shifted past the live maximum, __local_fixups__ references follow the shift,
// and __fixups__ labels are looked up in the live __symbols__ node.
func Resolve(live, overlay *Node) error {
	if !overlay.Detached() {
		return errorf("resolve", EINVAL, "overlay tree is not detached")
	}

	delta := live.MaxPhandle() + 1
	adjustPhandles(overlay, delta)

	if local := overlay.Child(localFixupsNode); local != nil {
		if err := adjustLocalReferences(local, overlay, delta); err != nil {
			return err
		}
	}

	fixups := overlay.Child(fixupsNode)
	if fixups == nil {
		return nil
	}
	symbols := live.Child(symbolsNode)
	if symbols == nil {
		return errorf("resolve", EINVAL, "live tree has no %s node", symbolsNode)
	}

	for _, prop := range fixups.Properties {
		if prop.Name == "name" {
			continue
		}
		target, ok := symbols.PropertyString(prop.Name)
		if !ok {
			return errorf("resolve", ENOENT, "node label %q not found in live tree", prop.Name)
		}
		node := live.Find(target)
		if node == nil {
			return errorf("resolve", ENOENT, "symbol %q points to missing node %s", prop.Name, target)
		}
		ph := node.Phandle()
		if ph == 0 {
			return errorf("resolve", EINVAL, "node %s referenced by %q has no phandle", target, prop.Name)
		}
		if err := patchReferences(overlay, prop, ph); err != nil {
			return err
		}
	}
	return nil
}

func adjustPhandles(n *Node, delta uint32) {
	n.Walk(func(node *Node) {
		for _, name := range []string{"phandle", "linux,phandle"} {
			p := node.Property(name)
			if p == nil || len(p.Value) != 4 {
				continue
			}
			ph := binary.BigEndian.Uint32(p.Value)
			if ph == 0 || ph == illegalPhandle {
				continue
			}
			binary.BigEndian.PutUint32(p.Value, ph+delta)
		}
	})
}

// adjustLocalReferences walks local in step with node. Each local fixup
// property lists the byte offsets of phandle cells inside node's property of
// the same name.
func adjustLocalReferences(local, node *Node, delta uint32) error {
	for _, fix := range local.Properties {
		if fix.Name == "name" {
			continue
		}
		if len(fix.Value)%4 != 0 {
			return errorf("resolve", EINVAL, "local fixup %s:%s has bad length %d", local.Path(), fix.Name, len(fix.Value))
		}
		prop := node.Property(fix.Name)
		if prop == nil {
			return errorf("resolve", EINVAL, "local fixup refers to missing property %s in %s", fix.Name, node.Path())
		}
		for i := 0; i < len(fix.Value); i += 4 {
			off := int(binary.BigEndian.Uint32(fix.Value[i:]))
			if off+4 > len(prop.Value) {
				return errorf("resolve", EINVAL, "local fixup offset %d beyond property %s", off, fix.Name)
			}
			ph := binary.BigEndian.Uint32(prop.Value[off:])
			binary.BigEndian.PutUint32(prop.Value[off:], ph+delta)
		}
	}

	for _, child := range local.Children {
		target := node.Child(child.Name)
		if target == nil {
			return errorf("resolve", EINVAL, "local fixup node %s has no counterpart", child.Name)
		}
		if err := adjustLocalReferences(child, target, delta); err != nil {
			return err
		}
	}
	return nil
}

// patchReferences writes ph into every "path:property:offset" usage listed in
// a __fixups__ property.
func patchReferences(overlay *Node, fixup *Property, ph uint32) error {
	for _, usage := range splitStrings(fixup.Value) {
		parts := strings.Split(usage, ":")
		if len(parts) != 3 {
			return errorf("resolve", EINVAL, "malformed fixup %q for %s", usage, fixup.Name)
		}
		off, err := strconv.Atoi(parts[2])
		if err != nil || off < 0 {
			return errorf("resolve", EINVAL, "malformed fixup offset %q for %s", parts[2], fixup.Name)
		}
		node := overlay.Find(parts[0])
		if node == nil {
			return errorf("resolve", EINVAL, "fixup node %s not found", parts[0])
		}
		prop := node.Property(parts[1])
		if prop == nil {
			return errorf("resolve", ENOENT, "fixup property %s not found in %s", parts[1], parts[0])
		}
		if off+4 > len(prop.Value) {
			return errorf("resolve", EINVAL, "fixup offset %d beyond property %s", off, parts[1])
		}
		binary.BigEndian.PutUint32(prop.Value[off:], ph)
	}
	return nil
}
