package forest

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Node is an immutable tree node, addressed by its Digest.
//
//	Items   :     (0)     (1)      (2)
//	Children:  [0]    [1]     [2]       [3]
//
// A node of level 0 has no children; any other node has one more child
// than it has items. Children[i] holds the keys between Items[i-1] and
// Items[i].
type Node struct {
	Level    int
	Digest   DigestHex
	Items    []*Item
	Children []DigestHex
}

func (f *Forest) nodeDigest(level int, items []*Item, children []DigestHex) DigestHex {
	f.nodeHashOps++
	nodeHashOps.Inc()
	buf := make([]byte, 0, binary.MaxVarintLen64+2*32*(len(items)+len(children)))
	buf = binary.AppendUvarint(buf, uint64(level))
	for _, item := range items {
		buf = append(buf, item.Digest...)
	}
	for _, child := range children {
		buf = append(buf, child...)
	}
	return digestHex(f.hash.sum(buf))
}

// makeNode stores the node with the given contents, if it isn't already
// present, and returns its digest. The slices become owned by the node.
func (f *Forest) makeNode(level int, items []*Item, children []DigestHex) DigestHex {
	if err := checkShape(level, items, children); err != nil {
		panic(fmt.Sprintf("makeNode: %v", err))
	}
	if level == 0 && len(items) == 0 && f.emptyRoot != "" {
		return f.emptyRoot
	}
	digest := f.nodeDigest(level, items, children)
	if _, ok := f.nodes[digest]; !ok {
		f.nodes[digest] = &Node{
			Level:    level,
			Digest:   digest,
			Items:    items,
			Children: children,
		}
	}
	return digest
}

// maxLevel is the highest level a key can have: a 32-byte hash has 64
// nibbles.
const maxLevel = 2 * 32

func checkShape(level int, items []*Item, children []DigestHex) error {
	if level < 0 {
		return fmt.Errorf("negative level %d", level)
	}
	if level == 0 && len(children) != 0 {
		return fmt.Errorf("level 0 node has %d children", len(children))
	}
	if level > 0 && len(children) != len(items)+1 {
		return fmt.Errorf("level %d node has %d children but %d items", level, len(children), len(items))
	}
	return nil
}

// checkNode enforces the rules a node received from elsewhere must follow
// before it is trusted.
func checkNode(level int, items []*Item, children []DigestHex) error {
	if err := checkShape(level, items, children); err != nil {
		return err
	}
	if level > maxLevel {
		return fmt.Errorf("level %d above maximum %d", level, maxLevel)
	}
	for i, item := range items {
		if i > 0 && items[i-1].Key >= item.Key {
			return fmt.Errorf("keys out of order: %q >= %q", items[i-1].Key, item.Key)
		}
		if item.Level != level {
			return fmt.Errorf("key %q has level %d in level %d node", item.Key, item.Level, level)
		}
	}
	for _, child := range children {
		if !validDigest(child) {
			return fmt.Errorf("invalid child digest %q", child)
		}
	}
	return nil
}

func validDigest(d DigestHex) bool {
	if len(d) != 2*32 {
		return false
	}
	_, err := hex.DecodeString(string(d))
	return err == nil
}

func cloneItems(items []*Item) []*Item {
	return append([]*Item(nil), items...)
}

func cloneDigests(digests []DigestHex) []DigestHex {
	return append([]DigestHex(nil), digests...)
}
