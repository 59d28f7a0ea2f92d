// Package lww implements a last-write-wins key/value CRDT on a Merkle
// Search Tree. Replicas converge by exchanging sync messages; for each
// key, the value with the greatest Clock wins on every replica.
package lww

import (
	"bytes"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/jrhy/forest"
)

// ErrKeyNotAvailable is returned when the local replica doesn't hold the
// part of the tree that would contain a key.
var ErrKeyNotAvailable = errors.New("key not available")

// Tree is one replica of a last-write-wins map.
type Tree struct {
	forest *forest.Forest
	actor  string
	root   forest.DigestHex
	log    *zap.Logger
}

// Option configures a Tree.
type Option func(*Tree)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(t *Tree) {
		t.log = log
	}
}

// WithRoot starts the Tree from an existing root, which must be complete
// in the Forest.
func WithRoot(root forest.DigestHex) Option {
	return func(t *Tree) {
		t.root = root
	}
}

// New returns a replica writing as the given actor, storing its nodes in f.
// Actor ids must be unique among replicas.
func New(f *forest.Forest, actor string, opts ...Option) *Tree {
	t := &Tree{
		forest: f,
		actor:  actor,
		root:   f.EmptyRoot(),
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.With(zap.String("actor", actor))
	return t
}

// Actor returns the id this replica writes as.
func (t *Tree) Actor() string {
	return t.actor
}

// Root returns the current root.
func (t *Tree) Root() forest.DigestHex {
	return t.root
}

// Forest returns the Forest holding the Tree's nodes.
func (t *Tree) Forest() *forest.Forest {
	return t.forest
}

// GetRecord returns the value and clock stored for key.
func (t *Tree) GetRecord(key string) (Record, bool, error) {
	b, presence := t.forest.Get(t.root, key)
	switch presence {
	case forest.Missing:
		return Record{}, false, nil
	case forest.NotAvailable:
		return Record{}, false, fmt.Errorf("%w: %q", ErrKeyNotAvailable, key)
	}
	r, err := UnmarshalRecord(b)
	if err != nil {
		return Record{}, false, fmt.Errorf("get %q: %w", key, err)
	}
	return r, true, nil
}

// Get returns the value stored for key.
func (t *Tree) Get(key string) ([]byte, bool, error) {
	r, ok, err := t.GetRecord(key)
	if !ok || err != nil {
		return nil, ok, err
	}
	return r.Value, true, nil
}

// Set writes a value, superseding every value for the key this replica
// has seen.
func (t *Tree) Set(key string, value []byte) error {
	return t.SetBatch([]forest.Pair{{Key: key, Value: value}})
}

// SetBatch writes several values at once.
func (t *Tree) SetBatch(pairs []forest.Pair) error {
	records := make([]forest.Pair, len(pairs))
	for i, pair := range pairs {
		prev, ok, err := t.GetRecord(pair.Key)
		if err != nil {
			return fmt.Errorf("set: %w", err)
		}
		clock := Clock{Actor: t.actor, Counter: 1}
		if ok {
			clock.Counter = prev.Clock.Counter + 1
		}
		records[i] = forest.Pair{
			Key:   pair.Key,
			Value: MarshalRecord(Record{Clock: clock, Value: pair.Value}),
		}
	}
	batch, err := t.forest.CreateTree(records)
	if err != nil {
		return fmt.Errorf("set: %w", err)
	}
	root, err := t.forest.Merge(t.root, batch, Resolve)
	if err != nil {
		return fmt.Errorf("set: %w", err)
	}
	t.log.Debug("set", zap.Int("keys", len(pairs)), zap.String("root", root.Short()))
	t.root = root
	return nil
}

// Items calls fn for every entry, in key order.
func (t *Tree) Items(fn func(key string, value []byte, clock Clock) error) error {
	return t.forest.Items(t.root, func(item *forest.Item) error {
		r, err := UnmarshalRecord(item.Value)
		if err != nil {
			return fmt.Errorf("items %q: %w", item.Key, err)
		}
		return fn(item.Key, r.Value, r.Clock)
	})
}

// Resolve is the merge function of a Tree: the record with the greater
// clock wins. Records with equal clocks, which honest replicas never
// produce, are ordered by value so the result is still symmetric. The
// winning record's bytes are returned as-is.
func Resolve(key string, left, right *forest.Item) ([]byte, error) {
	if left == nil {
		return right.Value, nil
	}
	if right == nil {
		return left.Value, nil
	}
	l, err := UnmarshalRecord(left.Value)
	if err != nil {
		return nil, err
	}
	r, err := UnmarshalRecord(right.Value)
	if err != nil {
		return nil, err
	}
	cmp := Compare(l.Clock, r.Clock)
	if cmp == 0 {
		cmp = bytes.Compare(l.Value, r.Value)
	}
	if cmp >= 0 {
		return left.Value, nil
	}
	return right.Value, nil
}
