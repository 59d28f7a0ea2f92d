package forest

// TreeMut is a mutable handle on a tree in a Forest. Updates produce a new
// root; nodes are never modified, so earlier roots stay readable.
type TreeMut struct {
	forest *Forest
	root   DigestHex
}

// Root returns the current root.
func (t *TreeMut) Root() DigestHex {
	return t.root
}

// Get looks up key in the current tree.
func (t *TreeMut) Get(key string) ([]byte, Presence) {
	return t.forest.Get(t.root, key)
}

// Set adds or replaces an entry.
func (t *TreeMut) Set(key string, value []byte) error {
	return t.SetBatch([]Pair{{Key: key, Value: value}})
}

// SetBatch adds or replaces the given entries.
func (t *TreeMut) SetBatch(pairs []Pair) error {
	root, err := t.forest.SetBatch(t.root, pairs)
	if err != nil {
		return err
	}
	t.root = root
	return nil
}

// Merge merges the tree at other into this one.
func (t *TreeMut) Merge(other DigestHex, fn MergeFunc) error {
	root, err := t.forest.Merge(t.root, other, fn)
	if err != nil {
		return err
	}
	t.root = root
	return nil
}

// Items iterates the current tree in key order.
func (t *TreeMut) Items(fn func(*Item) error) error {
	return t.forest.Items(t.root, fn)
}
