package forest

import (
	"bytes"
	"fmt"
)

// DiffFunc is called by Diff for each key whose entry differs between the
// two trees. A nil item means the key is absent from that tree. Returning
// false stops the walk.
type DiffFunc func(key string, oldItem, newItem *Item) (bool, error)

type iterItem struct {
	considerLink DigestHex
	yield        *Item
}

type iterItemStack struct {
	things []iterItem
}

func (stack *iterItemStack) pop() *iterItem {
	if len(stack.things) == 0 {
		return nil
	}
	popped := stack.things[len(stack.things)-1]
	stack.things = stack.things[:len(stack.things)-1]
	return &popped
}

func (stack *iterItemStack) push(item *iterItem) {
	stack.things = append(stack.things, *item)
}

// pushNode pushes the node's contents so they pop off in key order.
func (stack *iterItemStack) pushNode(node *Node) {
	for i := len(node.Items) - 1; i >= 0; i-- {
		if node.Level > 0 {
			stack.push(&iterItem{considerLink: node.Children[i+1]})
		}
		stack.push(&iterItem{yield: node.Items[i]})
	}
	if node.Level > 0 {
		stack.push(&iterItem{considerLink: node.Children[0]})
	}
}

// Diff reports the entries that differ between the trees at oldRoot and
// newRoot, in key order. Subtrees the two trees share are skipped without
// being visited, so the cost is proportional to the size of the
// difference. Either root may be "" for an empty tree.
func (f *Forest) Diff(oldRoot, newRoot DigestHex, fn DiffFunc) error {
	var oldStack, newStack iterItemStack
	if oldRoot != "" {
		oldStack.push(&iterItem{considerLink: oldRoot})
	}
	if newRoot != "" {
		newStack.push(&iterItem{considerLink: newRoot})
	}
	expand := func(stack *iterItemStack, link DigestHex) error {
		node, err := f.requireNode(link)
		if err != nil {
			return fmt.Errorf("diff: %w", err)
		}
		stack.pushNode(node)
		return nil
	}
	for {
		o := oldStack.pop()
		n := newStack.pop()
		switch {
		case o == nil && n == nil:
			return nil

		case o == nil:
			if n.considerLink != "" {
				if err := expand(&newStack, n.considerLink); err != nil {
					return err
				}
				continue
			}
			if keepGoing, err := fn(n.yield.Key, nil, n.yield); err != nil || !keepGoing {
				return err
			}

		case n == nil:
			if o.considerLink != "" {
				if err := expand(&oldStack, o.considerLink); err != nil {
					return err
				}
				continue
			}
			if keepGoing, err := fn(o.yield.Key, o.yield, nil); err != nil || !keepGoing {
				return err
			}

		case o.considerLink != "" && n.considerLink != "":
			if o.considerLink == n.considerLink {
				continue
			}
			oldNode, err := f.requireNode(o.considerLink)
			if err != nil {
				return fmt.Errorf("diff: %w", err)
			}
			newNode, err := f.requireNode(n.considerLink)
			if err != nil {
				return fmt.Errorf("diff: %w", err)
			}
			switch {
			case oldNode.Level > newNode.Level:
				oldStack.pushNode(oldNode)
				newStack.push(n)
			case oldNode.Level < newNode.Level:
				oldStack.push(o)
				newStack.pushNode(newNode)
			default:
				oldStack.pushNode(oldNode)
				newStack.pushNode(newNode)
			}

		case o.considerLink != "":
			if err := expand(&oldStack, o.considerLink); err != nil {
				return err
			}
			newStack.push(n)

		case n.considerLink != "":
			if err := expand(&newStack, n.considerLink); err != nil {
				return err
			}
			oldStack.push(o)

		default:
			oldItem, newItem := o.yield, n.yield
			switch {
			case oldItem.Key < newItem.Key:
				newStack.push(n)
				newItem = nil
			case oldItem.Key > newItem.Key:
				oldStack.push(o)
				oldItem = nil
			case oldItem.Digest == newItem.Digest && bytes.Equal(oldItem.Value, newItem.Value):
				continue
			}
			either := oldItem
			if either == nil {
				either = newItem
			}
			if keepGoing, err := fn(either.Key, oldItem, newItem); err != nil || !keepGoing {
				return err
			}
		}
	}
}
