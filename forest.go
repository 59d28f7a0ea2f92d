package forest

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// Forest is an append-only, content-addressed table of tree nodes. Roots
// of any number of trees can share its nodes.
type Forest struct {
	nodes            map[DigestHex]*Node
	hash             HashAlgorithm
	emptyRoot        DigestHex
	log              *zap.Logger
	persist          Persist
	nodeCache        NodeCache
	flushConcurrency int
	itemHashOps      uint64
	nodeHashOps      uint64
}

// Stats counts the work a Forest has done.
type Stats struct {
	Nodes       int
	ItemHashOps uint64
	NodeHashOps uint64
}

// Presence qualifies the result of Get.
type Presence int

const (
	// Missing means the tree definitely doesn't contain the key.
	Missing Presence = iota
	// Present means the value was found.
	Present
	// NotAvailable means the Forest doesn't hold enough of the tree to
	// tell; fetching the missing nodes may resolve it.
	NotAvailable
)

func (p Presence) String() string {
	switch p {
	case Missing:
		return "missing"
	case Present:
		return "present"
	case NotAvailable:
		return "not-available"
	default:
		return fmt.Sprintf("Presence(%d)", int(p))
	}
}

// MergeFunc resolves the value for a key during Merge. A nil item means
// the key is absent on that side; at least one side is non-nil.
type MergeFunc func(key string, left, right *Item) ([]byte, error)

// RightBiased prefers the right-hand value whenever there is one. It is
// the resolver used by SetBatch.
func RightBiased(_ string, left, right *Item) ([]byte, error) {
	if right != nil {
		return right.Value, nil
	}
	return left.Value, nil
}

// NewForest returns an empty Forest.
func NewForest(opts ...Option) *Forest {
	f := &Forest{
		nodes:            map[DigestHex]*Node{},
		log:              zap.NewNop(),
		flushConcurrency: DefaultFlushConcurrency,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.emptyRoot = f.makeNode(0, nil, nil)
	return f
}

// EmptyRoot returns the root of the tree with no entries.
func (f *Forest) EmptyRoot() DigestHex {
	return f.emptyRoot
}

// Has indicates whether the node with the given digest is held locally.
func (f *Forest) Has(digest DigestHex) bool {
	_, ok := f.nodes[digest]
	return ok
}

// Node returns the locally held node with the given digest.
func (f *Forest) Node(digest DigestHex) (*Node, bool) {
	node, ok := f.nodes[digest]
	return node, ok
}

// Stats returns counters for this Forest.
func (f *Forest) Stats() Stats {
	return Stats{
		Nodes:       len(f.nodes),
		ItemHashOps: f.itemHashOps,
		NodeHashOps: f.nodeHashOps,
	}
}

// TreeMut returns a mutable handle starting at the given root.
func (f *Forest) TreeMut(root DigestHex) *TreeMut {
	return &TreeMut{forest: f, root: root}
}

func (f *Forest) requireNode(digest DigestHex) (*Node, error) {
	node, ok := f.nodes[digest]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotAvailable, digest)
	}
	return node, nil
}

// CreateTree builds the tree holding exactly the given entries. The same
// entries always produce the same root, whatever their order.
func (f *Forest) CreateTree(pairs []Pair) (DigestHex, error) {
	items := make([]*Item, len(pairs))
	for i, pair := range pairs {
		items[i] = f.makeItem(pair.Key, pair.Value)
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].Key < items[j].Key
	})
	for i := 1; i < len(items); i++ {
		if items[i-1].Key == items[i].Key {
			return "", fmt.Errorf("%w: %q", ErrDuplicateKey, items[i].Key)
		}
	}
	if len(items) == 0 {
		return f.emptyRoot, nil
	}

	//  #    0 0  1  0 0   2  1  0  1  0
	//  0   [0 0] 1 [0 0]  2  1 [0] 1 [0]
	//  1  [[0 0] 1 [0 0]] 2 [1 [0] 1 [0]]
	//  2 [[[0 0] 1 [0 0]] 2 [1 [0] 1 [0]]]
	top := 0
	for _, item := range items {
		if item.Level > top {
			top = item.Level
		}
	}
	return f.buildLevel(items, top, 0, len(items)), nil
}

func (f *Forest) buildLevel(items []*Item, level, from, to int) DigestHex {
	if level == 0 {
		return f.makeNode(0, cloneItems(items[from:to]), nil)
	}
	var nodeItems []*Item
	var children []DigestHex
	begin := from
	for i := from; i < to; i++ {
		if items[i].Level > level {
			panic(fmt.Sprintf("key %q has level %d above node level %d", items[i].Key, items[i].Level, level))
		}
		if items[i].Level == level {
			children = append(children, f.buildLevel(items, level-1, begin, i))
			nodeItems = append(nodeItems, items[i])
			begin = i + 1
		}
	}
	children = append(children, f.buildLevel(items, level-1, begin, to))
	return f.makeNode(level, nodeItems, children)
}

// Get looks up key in the tree at root.
func (f *Forest) Get(root DigestHex, key string) ([]byte, Presence) {
	level := f.KeyLevel(key)
	node, ok := f.nodes[root]
	for ok {
		if node.Level < level {
			return nil, Missing
		}
		i := sort.Search(len(node.Items), func(i int) bool {
			return node.Items[i].Key >= key
		})
		if node.Level == level {
			if i < len(node.Items) && node.Items[i].Key == key {
				return node.Items[i].Value, Present
			}
			return nil, Missing
		}
		node, ok = f.nodes[node.Children[i]]
	}
	return nil, NotAvailable
}

// SetBatch returns the root of the tree with the given entries added or
// replaced.
func (f *Forest) SetBatch(root DigestHex, pairs []Pair) (DigestHex, error) {
	batch, err := f.CreateTree(pairs)
	if err != nil {
		return "", fmt.Errorf("create batch: %w", err)
	}
	return f.Merge(root, batch, RightBiased)
}

// Set returns the root of the tree with the given entry added or replaced.
func (f *Forest) Set(root DigestHex, key string, value []byte) (DigestHex, error) {
	return f.SetBatch(root, []Pair{{Key: key, Value: value}})
}

// Merge returns the root of the tree holding the union of the entries of
// both trees, resolving keys present in both with fn. Both trees must be
// fully held by the Forest.
func (f *Forest) Merge(a, b DigestHex, fn MergeFunc) (DigestHex, error) {
	if a == b {
		return a, nil
	}
	node1, err := f.requireNode(a)
	if err != nil {
		return "", fmt.Errorf("merge left: %w", err)
	}
	node2, err := f.requireNode(b)
	if err != nil {
		return "", fmt.Errorf("merge right: %w", err)
	}
	if node2.Level < node1.Level {
		return f.Merge(a, f.makeNode(node2.Level+1, nil, []DigestHex{b}), fn)
	} else if node1.Level < node2.Level {
		return f.Merge(f.makeNode(node1.Level+1, nil, []DigestHex{a}), b, fn)
	}
	level := node1.Level

	//    # B # | D | # E # F # H # | K |   #
	//  # A #   | D |    #    G   # | K | # L #
	var items []*Item
	var children []DigestHex
	// carry holds what's left of a child after part of it was split off
	// and merged with the other side.
	var carry1, carry2 DigestHex
	i1, i2 := 0, 0
	for i1 < len(node1.Items) || i2 < len(node2.Items) {
		var child1, child2 DigestHex
		if level > 0 {
			child1, child2 = carry1, carry2
			if child1 == "" {
				child1 = node1.Children[i1]
			}
			if child2 == "" {
				child2 = node2.Children[i2]
			}
		}

		switch {
		case i1 < len(node1.Items) && i2 < len(node2.Items) && node1.Items[i1].Key == node2.Items[i2].Key:
			if level > 0 {
				merged, err := f.Merge(child1, child2, fn)
				if err != nil {
					return "", err
				}
				children = append(children, merged)
			}
			item, err := f.mergeItem(fn, node1.Items[i1], node2.Items[i2])
			if err != nil {
				return "", err
			}
			items = append(items, item)
			carry1, carry2 = "", ""
			i1++
			i2++

		case i1 == len(node1.Items) || (i2 < len(node2.Items) && node2.Items[i2].Key < node1.Items[i1].Key):
			key := node2.Items[i2].Key
			item, err := f.mergeItem(fn, nil, node2.Items[i2])
			if err != nil {
				return "", err
			}
			items = append(items, item)
			if level > 0 {
				left, right, err := f.splitAtKey(child1, key)
				if err != nil {
					return "", fmt.Errorf("split left at %q: %w", key, err)
				}
				merged, err := f.Merge(left, child2, fn)
				if err != nil {
					return "", err
				}
				children = append(children, merged)
				carry1, carry2 = right, ""
			}
			i2++

		default:
			key := node1.Items[i1].Key
			item, err := f.mergeItem(fn, node1.Items[i1], nil)
			if err != nil {
				return "", err
			}
			items = append(items, item)
			if level > 0 {
				left, right, err := f.splitAtKey(child2, key)
				if err != nil {
					return "", fmt.Errorf("split right at %q: %w", key, err)
				}
				merged, err := f.Merge(child1, left, fn)
				if err != nil {
					return "", err
				}
				children = append(children, merged)
				carry1, carry2 = "", right
			}
			i1++
		}
	}
	if level > 0 {
		child1, child2 := carry1, carry2
		if child1 == "" {
			child1 = node1.Children[len(node1.Items)]
		}
		if child2 == "" {
			child2 = node2.Children[len(node2.Items)]
		}
		merged, err := f.Merge(child1, child2, fn)
		if err != nil {
			return "", err
		}
		children = append(children, merged)
	}
	return f.makeNode(level, items, children), nil
}

func (f *Forest) mergeItem(fn MergeFunc, left, right *Item) (*Item, error) {
	if left != nil && right != nil && bytes.Equal(left.Value, right.Value) {
		return left, nil
	}
	var key string
	if left != nil {
		key = left.Key
	} else {
		key = right.Key
	}
	value, err := fn(key, left, right)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", key, err)
	}
	if left != nil && bytes.Equal(left.Value, value) {
		return left, nil
	}
	if right != nil && bytes.Equal(right.Value, value) {
		return right, nil
	}
	return f.makeItem(key, value), nil
}

// splitAtKey splits the given subtree into the parts holding keys less
// than, and greater than, the given key. The key itself, if present, is
// in neither part; the caller decides where it goes.
func (f *Forest) splitAtKey(digest DigestHex, key string) (left, right DigestHex, err error) {
	node, err := f.requireNode(digest)
	if err != nil {
		return "", "", err
	}
	i := sort.Search(len(node.Items), func(i int) bool {
		return node.Items[i].Key >= key
	})
	if i < len(node.Items) && node.Items[i].Key == key {
		var leftChildren, rightChildren []DigestHex
		if node.Level > 0 {
			leftChildren = cloneDigests(node.Children[:i+1])
			rightChildren = cloneDigests(node.Children[i+1:])
		}
		return f.makeNode(node.Level, cloneItems(node.Items[:i]), leftChildren),
			f.makeNode(node.Level, cloneItems(node.Items[i+1:]), rightChildren),
			nil
	}

	if node.Level == 0 {
		switch i {
		case 0:
			return f.emptyRoot, digest, nil
		case len(node.Items):
			return digest, f.emptyRoot, nil
		}
		return f.makeNode(0, cloneItems(node.Items[:i]), nil),
			f.makeNode(0, cloneItems(node.Items[i:]), nil),
			nil
	}

	childLeft, childRight, err := f.splitAtKey(node.Children[i], key)
	if err != nil {
		return "", "", err
	}
	leftChildren := append(cloneDigests(node.Children[:i]), childLeft)
	rightChildren := append([]DigestHex{childRight}, node.Children[i+1:]...)
	return f.makeNode(node.Level, cloneItems(node.Items[:i]), leftChildren),
		f.makeNode(node.Level, cloneItems(node.Items[i:]), rightChildren),
		nil
}

// Items invokes fn for every entry of the tree at root, in key order. An
// error returned by fn stops the iteration and is returned.
func (f *Forest) Items(root DigestHex, fn func(*Item) error) error {
	node, err := f.requireNode(root)
	if err != nil {
		return err
	}
	for i, item := range node.Items {
		if node.Level > 0 {
			if err := f.Items(node.Children[i], fn); err != nil {
				return err
			}
		}
		if err := fn(item); err != nil {
			return err
		}
	}
	if node.Level > 0 {
		return f.Items(node.Children[len(node.Items)], fn)
	}
	return nil
}

// WalkMissing invokes fn, depth first, for each node reachable from root
// that isn't held locally. Subtrees under a missing node are unknown and
// so are not reported. Returning false from fn stops the walk.
func (f *Forest) WalkMissing(root DigestHex, fn func(DigestHex) bool) {
	seen := map[DigestHex]struct{}{}
	f.walkMissing(root, seen, fn)
}

func (f *Forest) walkMissing(digest DigestHex, seen map[DigestHex]struct{}, fn func(DigestHex) bool) bool {
	if _, ok := seen[digest]; ok {
		return true
	}
	seen[digest] = struct{}{}
	node, ok := f.nodes[digest]
	if !ok {
		return fn(digest)
	}
	for _, child := range node.Children {
		if !f.walkMissing(child, seen, fn) {
			return false
		}
	}
	return true
}

// MissingNodes lists the digests WalkMissing would report.
func (f *Forest) MissingNodes(root DigestHex) []DigestHex {
	var missing []DigestHex
	f.WalkMissing(root, func(digest DigestHex) bool {
		missing = append(missing, digest)
		return true
	})
	return missing
}

// IsComplete indicates that every node of the tree at root is held locally.
func (f *Forest) IsComplete(root DigestHex) bool {
	complete := true
	f.WalkMissing(root, func(DigestHex) bool {
		complete = false
		return false
	})
	return complete
}

// InsertNodes adds nodes received from elsewhere, after checking that each
// one hashes to its claimed digest. It stops at the first node that fails
// the check, returning the digests accepted before it.
func (f *Forest) InsertNodes(nodes []NodeData) ([]DigestHex, error) {
	inserted := make([]DigestHex, 0, len(nodes))
	for _, data := range nodes {
		if f.Has(data.Digest) {
			inserted = append(inserted, data.Digest)
			continue
		}
		node, err := f.verify(data)
		if err != nil {
			integrityFailures.Inc()
			f.log.Warn("rejecting node", digestField("digest", data.Digest), zap.Error(err))
			return inserted, fmt.Errorf("insert %s: %w", data.Digest.Short(), err)
		}
		f.nodes[node.Digest] = node
		nodesInserted.Inc()
		inserted = append(inserted, node.Digest)
	}
	f.log.Debug("inserted nodes", zap.Int("offered", len(nodes)), zap.Int("count", len(inserted)))
	return inserted, nil
}

func (f *Forest) verify(data NodeData) (*Node, error) {
	items := make([]*Item, len(data.Items))
	for i, item := range data.Items {
		items[i] = f.makeItem(item.Key, item.Value)
	}
	children := cloneDigests(data.Children)
	if err := checkNode(data.Level, items, children); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	for _, child := range children {
		if node, ok := f.nodes[child]; ok && node.Level != data.Level-1 {
			return nil, fmt.Errorf("%w: level %d node has level %d child %s", ErrIntegrity, data.Level, node.Level, child.Short())
		}
	}
	digest := f.nodeDigest(data.Level, items, children)
	if digest != data.Digest {
		return nil, fmt.Errorf("%w: contents hash to %s", ErrIntegrity, digest.Short())
	}
	return &Node{
		Level:    data.Level,
		Digest:   digest,
		Items:    items,
		Children: children,
	}, nil
}

// GetNodes returns the transmittable form of the requested nodes. Nodes
// that aren't held locally are skipped.
func (f *Forest) GetNodes(digests []DigestHex) []NodeData {
	result := make([]NodeData, 0, len(digests))
	for _, digest := range digests {
		node, ok := f.nodes[digest]
		if !ok {
			continue
		}
		result = append(result, node.data())
	}
	nodesServed.Add(float64(len(result)))
	return result
}

func (node *Node) data() NodeData {
	var items []ItemData
	for _, item := range node.Items {
		items = append(items, ItemData{Key: item.Key, Value: item.Value})
	}
	return NodeData{
		Level:    node.Level,
		Digest:   node.Digest,
		Items:    items,
		Children: cloneDigests(node.Children),
	}
}

// Format renders the tree at root for debugging.
func (f *Forest) Format(root DigestHex) string {
	var sb strings.Builder
	f.format(&sb, root, 0)
	return sb.String()
}

func (f *Forest) format(sb *strings.Builder, digest DigestHex, depth int) {
	pad := strings.Repeat("  ", depth)
	node, ok := f.nodes[digest]
	if !ok {
		fmt.Fprintf(sb, "%s o (%s) NOT AVAILABLE\n", pad, digest.Short())
		return
	}
	fmt.Fprintf(sb, "%s o (%s) level=%d size=%d\n", pad, digest.Short(), node.Level, len(node.Items))
	for i, item := range node.Items {
		if node.Level > 0 {
			f.format(sb, node.Children[i], depth+1)
		}
		value := item.Value
		if len(value) > 10 {
			value = value[:10]
		}
		fmt.Fprintf(sb, "%s   - [%s] level=%d %q -> %x\n", pad, item.Digest.Short(), item.Level, item.Key, value)
	}
	if node.Level > 0 {
		f.format(sb, node.Children[len(node.Items)], depth+1)
	}
}

func digestField(name string, d DigestHex) zap.Field {
	return zap.String(name, d.Short())
}
