package forest

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingStore struct {
	Persist
	stores, loads atomic.Int64
	failStore     error
}

func (s *countingStore) Store(ctx context.Context, name string, b []byte) error {
	s.stores.Add(1)
	if s.failStore != nil {
		return s.failStore
	}
	return s.Persist.Store(ctx, name, b)
}

func (s *countingStore) Load(ctx context.Context, name string) ([]byte, error) {
	s.loads.Add(1)
	return s.Persist.Load(ctx, name)
}

func TestFlushLoad(t *testing.T) {
	t.Parallel()
	store := &countingStore{Persist: NewInMemoryStore()}
	f := NewForest(WithPersist(store), WithNodeCache(NewNodeCache(10_000)), WithFlushConcurrency(4))
	root, pairs := bigTree(t, f, 1000)
	require.NoError(t, f.Flush(ctx, root))
	stored := store.stores.Load()
	require.Positive(t, stored)

	// the cache remembers what's stored
	changed, err := f.Set(root, pairs[0].Key, []byte("changed"))
	require.NoError(t, err)
	require.NoError(t, f.Flush(ctx, changed))
	require.Less(t, store.stores.Load()-stored, stored/2)

	g := NewForest(WithPersist(store))
	require.NoError(t, g.Load(ctx, changed))
	require.True(t, g.IsComplete(changed))
	v, presence := g.Get(changed, pairs[0].Key)
	require.Equal(t, Present, presence)
	require.Equal(t, []byte("changed"), v)
	assert.Equal(t, contents(t, f, changed), contents(t, g, changed))

	// loading is idempotent
	loads := store.loads.Load()
	require.NoError(t, g.Load(ctx, changed))
	require.Equal(t, loads, store.loads.Load())
}

func TestLoadUsesNodeCache(t *testing.T) {
	t.Parallel()
	store := &countingStore{Persist: NewInMemoryStore()}
	cache := NewNodeCache(10_000)
	f := NewForest(WithPersist(store), WithNodeCache(cache))
	root, _ := bigTree(t, f, 1000)
	require.NoError(t, f.Flush(ctx, root))

	g := NewForest(WithPersist(store), WithNodeCache(cache))
	require.NoError(t, g.Load(ctx, root))
	require.Zero(t, store.loads.Load())
	require.True(t, g.IsComplete(root))
}

func TestFlushError(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	store := &countingStore{Persist: NewInMemoryStore(), failStore: boom}
	f := NewForest(WithPersist(store))
	root, _ := bigTree(t, f, 1000)
	require.ErrorIs(t, f.Flush(ctx, root), boom)
}

func TestLoadNotPersisted(t *testing.T) {
	t.Parallel()
	f := NewForest()
	root, _ := bigTree(t, f, 1000)
	g := NewForest(WithPersist(NewInMemoryStore()))
	err := g.Load(ctx, root)
	require.ErrorIs(t, err, ErrNotPersisted)
	require.True(t, IsNotPersisted(err))
}

func TestLoadRejectsSwappedNodes(t *testing.T) {
	t.Parallel()
	store := NewInMemoryStore()
	f := NewForest(WithPersist(store))
	root, _ := bigTree(t, f, 1000)
	require.NoError(t, f.Flush(ctx, root))
	other, err := f.CreateTree([]Pair{{"a", []byte("1")}})
	require.NoError(t, err)
	// store another node's bytes under the root's name
	require.NoError(t, store.Store(ctx, string(root), MarshalNodeData(f.GetNodes([]DigestHex{other})[0])))

	g := NewForest(WithPersist(store))
	require.ErrorIs(t, g.Load(ctx, root), ErrIntegrity)
}

func TestNoPersist(t *testing.T) {
	t.Parallel()
	f := NewForest()
	require.ErrorIs(t, f.Flush(ctx, f.EmptyRoot()), ErrNoPersist)
	require.ErrorIs(t, f.Load(ctx, f.EmptyRoot()), ErrNoPersist)
}

func TestFlushCountsMetrics(t *testing.T) {
	f := NewForest(WithPersist(NewInMemoryStore()))
	root, _ := bigTree(t, f, 1000)
	before := testutil.ToFloat64(nodesPersisted)
	require.NoError(t, f.Flush(ctx, root))
	require.GreaterOrEqual(t, testutil.ToFloat64(nodesPersisted)-before, float64(len(reachable(f, root))))
}
