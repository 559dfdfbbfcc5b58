package fdt

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/openfroyo/dtoverlay/pkg/overlay"
	"github.com/rs/zerolog"
)

// changeKind is a single reversible edit to the live tree.
type changeKind int

const (
	changeAddProperty changeKind = iota
	changeUpdateProperty
	changeAddNode
)

type change struct {
	kind  changeKind
	node  *Node
	name  string
	old   *Property
	child *Node
}

// propKey names one property of one live node.
type propKey struct {
	node *Node
	name string
}

// changeset records every edit one overlay made. created holds the nodes the
// overlay grafted, props the properties it set, and extended the live nodes
// it added children to.
type changeset struct {
	id       int
	changes  []change
	created  map[*Node]struct{}
	props    map[propKey]struct{}
	extended map[*Node]struct{}
}

func newChangeset() *changeset {
	return &changeset{
		created:  make(map[*Node]struct{}),
		props:    make(map[propKey]struct{}),
		extended: make(map[*Node]struct{}),
	}
}

func (cs *changeset) revert() {
	for i := len(cs.changes) - 1; i >= 0; i-- {
		c := cs.changes[i]
		switch c.kind {
		case changeAddProperty:
			c.node.RemoveProperty(c.name)
		case changeUpdateProperty:
			c.node.SetProperty(c.name, c.old.Value)
		case changeAddNode:
			c.node.RemoveChild(c.child)
		}
	}
	cs.changes = nil
}

// blockedBy reports whether later edited something cs created or changed.
// Siblings grafted under the same parent do not conflict.
func (cs *changeset) blockedBy(later *changeset) bool {
	for k := range later.props {
		if _, ok := cs.props[k]; ok {
			return true
		}
		if _, ok := cs.created[k.node]; ok {
			return true
		}
	}
	for n := range later.extended {
		if _, ok := cs.created[n]; ok {
			return true
		}
	}
	return false
}

func (cs *changeset) setProperty(n *Node, name string, value []byte) {
	old := n.SetProperty(name, append([]byte(nil), value...))
	if old == nil {
		cs.changes = append(cs.changes, change{kind: changeAddProperty, node: n, name: name})
	} else {
		cs.changes = append(cs.changes, change{kind: changeUpdateProperty, node: n, name: name, old: old})
	}
	cs.props[propKey{n, name}] = struct{}{}
}

func (cs *changeset) addNode(parent, child *Node) {
	parent.AddChild(child)
	cs.changes = append(cs.changes, change{kind: changeAddNode, node: parent, child: child})
	cs.extended[parent] = struct{}{}
	child.Walk(func(n *Node) { cs.created[n] = struct{}{} })
}

// LiveTree is an in-memory live configuration tree that overlays are grafted
// onto. It implements overlay.Engine.
type LiveTree struct {
	mu       sync.Mutex
	root     *Node
	nextID   int
	applied  map[int]*changeset
	order    []int
	released int
	logger   zerolog.Logger
}

var _ overlay.Engine = (*LiveTree)(nil)

// NewLiveTree wraps root as the live tree. A nil root starts an empty tree.
func NewLiveTree(root *Node, logger zerolog.Logger) *LiveTree {
	if root == nil {
		root = NewNode("")
	}
	return &LiveTree{
		root:    root,
		nextID:  1,
		applied: make(map[int]*changeset),
		logger:  logger.With().Str("component", "live-tree").Logger(),
	}
}

// Unflatten implements overlay.Engine.
func (t *LiveTree) Unflatten(_ context.Context, data []byte) (overlay.Tree, error) {
	root, err := Unflatten(data)
	if err != nil {
		return nil, err
	}
	return root, nil
}

// Resolve implements overlay.Engine.
func (t *LiveTree) Resolve(_ context.Context, tree overlay.Tree) error {
	ov, err := asNode("resolve", tree)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	return Resolve(t.root, ov)
}

// Apply implements overlay.Engine. Either every fragment is grafted or none is.
func (t *LiveTree) Apply(ctx context.Context, tree overlay.Tree, sizeHint int) (int, error) {
	ov, err := asNode("apply", tree)
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	cs := newChangeset()
	if err := t.graft(cs, ov); err != nil {
		cs.revert()
		return 0, err
	}

	cs.id = t.nextID
	t.nextID++
	t.applied[cs.id] = cs
	t.order = append(t.order, cs.id)

	t.logger.Debug().
		Int("id", cs.id).
		Int("changes", len(cs.changes)).
		Int("size", sizeHint).
		Str("instance", overlay.InstanceNameFromContext(ctx)).
		Msg("overlay grafted")
	return cs.id, nil
}

func (t *LiveTree) graft(cs *changeset, ov *Node) error {
	targets := make(map[string]*Node)
	fragments := 0

	for _, frag := range ov.Children {
		if strings.HasPrefix(frag.Name, "__") {
			continue
		}
		body := frag.Child(overlayNode)
		if body == nil {
			continue
		}
		target, err := t.fragmentTarget(frag)
		if err != nil {
			return err
		}
		t.merge(cs, target, body)
		targets[frag.Name] = target
		fragments++
	}
	if fragments == 0 {
		return errorf("apply", EINVAL, "overlay has no fragments")
	}

	if symbols := ov.Child(symbolsNode); symbols != nil {
		return t.mergeSymbols(cs, symbols, targets)
	}
	return nil
}

func (t *LiveTree) fragmentTarget(frag *Node) (*Node, error) {
	if ph, ok := frag.PropertyU32("target"); ok {
		target := t.root.FindByPhandle(ph)
		if target == nil {
			return nil, errorf("apply", EINVAL, "%s: no node with phandle 0x%x", frag.Name, ph)
		}
		return target, nil
	}
	if path, ok := frag.PropertyString("target-path"); ok {
		target := t.root.Find(path)
		if target == nil {
			return nil, errorf("apply", EINVAL, "%s: target path %s not found", frag.Name, path)
		}
		return target, nil
	}
	return nil, errorf("apply", EINVAL, "%s: fragment has no target", frag.Name)
}

// merge copies src's properties and children into dst.
func (t *LiveTree) merge(cs *changeset, dst, src *Node) {
	for _, p := range src.Properties {
		if p.Name == "name" {
			continue
		}
		if (p.Name == "phandle" || p.Name == "linux,phandle") && dst.Phandle() != 0 {
			continue
		}
		cs.setProperty(dst, p.Name, p.Value)
	}
	for _, c := range src.Children {
		if existing := dst.Child(c.Name); existing != nil && existing.Name == c.Name {
			t.merge(cs, existing, c)
			continue
		}
		cs.addNode(dst, c.Clone())
	}
}

// mergeSymbols publishes overlay labels in the live __symbols__ node, with
// paths rewritten from "/fragment@N/__overlay__/..." to the target location.
func (t *LiveTree) mergeSymbols(cs *changeset, symbols *Node, targets map[string]*Node) error {
	// The live __symbols__ node outlives the overlay that created it, so
	// later overlays can add labels without depending on it.
	live := t.root.Child(symbolsNode)
	if live == nil {
		live = t.root.AddChild(NewNode(symbolsNode))
	}

	for _, p := range symbols.Properties {
		if p.Name == "name" {
			continue
		}
		path, ok := symbols.PropertyString(p.Name)
		if !ok {
			return errorf("apply", EINVAL, "symbol %s has no path", p.Name)
		}
		parts := strings.SplitN(strings.TrimPrefix(path, "/"), "/", 3)
		if len(parts) < 2 || parts[1] != overlayNode {
			return errorf("apply", EINVAL, "symbol %s path %s is not inside a fragment", p.Name, path)
		}
		target, ok := targets[parts[0]]
		if !ok {
			return errorf("apply", EINVAL, "symbol %s refers to unknown fragment %s", p.Name, parts[0])
		}
		resolved := target.Path()
		if len(parts) == 3 && parts[2] != "" {
			resolved = strings.TrimSuffix(resolved, "/") + "/" + parts[2]
		}
		cs.setProperty(live, p.Name, Strings(resolved))
	}
	return nil
}

// Remove implements overlay.Engine. An overlay can only be removed when no
// later overlay edited a node it grafted or a property it set.
func (t *LiveTree) Remove(ctx context.Context, id int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cs, ok := t.applied[id]
	if !ok {
		return errorf("remove", ENODEV, "no overlay with id %d", id)
	}

	pos := sort.SearchInts(t.order, id)
	for _, later := range t.order[pos+1:] {
		if cs.blockedBy(t.applied[later]) {
			return errorf("remove", EBUSY, "overlay %d is below overlay %d", id, later)
		}
	}

	cs.revert()
	delete(t.applied, id)
	t.order = append(t.order[:pos], t.order[pos+1:]...)

	t.logger.Debug().
		Int("id", id).
		Str("instance", overlay.InstanceNameFromContext(ctx)).
		Msg("overlay reverted")
	return nil
}

// ReleaseTree implements overlay.Engine.
func (t *LiveTree) ReleaseTree(tree overlay.Tree) {
	n, ok := tree.(*Node)
	if !ok || n.released {
		return
	}
	n.released = true
	n.Properties = nil
	n.Children = nil

	t.mu.Lock()
	t.released++
	t.mu.Unlock()
}

// Applied returns the ids of applied overlays in application order.
func (t *LiveTree) Applied() []int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]int(nil), t.order...)
}

// ReleasedTrees returns how many overlay trees have been released.
func (t *LiveTree) ReleasedTrees() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.released
}

// Snapshot returns a deep copy of the live tree.
func (t *LiveTree) Snapshot() *Node {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.root.Clone()
}

// Export flattens the live tree.
func (t *LiveTree) Export() ([]byte, error) {
	return Flatten(t.Snapshot())
}

func asNode(op string, tree overlay.Tree) (*Node, error) {
	n, ok := tree.(*Node)
	if !ok || n == nil {
		return nil, errorf(op, EINVAL, "tree is not an fdt node")
	}
	if n.released {
		return nil, errorf(op, EINVAL, "tree has been released")
	}
	return n, nil
}
