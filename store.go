package forest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Persist is the interface for loading and storing serialized tree nodes.
// The name of a node is its digest, so the content stored under a given
// name never changes.
type Persist interface {
	// Store makes the given bytes accessible by the given name.
	Store(ctx context.Context, name string, b []byte) error
	// Load retrieves the previously-stored bytes by the given name. It
	// returns an error wrapping ErrNotPersisted if there are none.
	Load(ctx context.Context, name string) ([]byte, error)
}

// Flush stores every node of the tree at root with the Forest's Persist.
// Nodes the NodeCache says were already stored are skipped. The tree must
// be complete locally.
func (f *Forest) Flush(ctx context.Context, root DigestHex) error {
	if f.persist == nil {
		return ErrNoPersist
	}
	start := time.Now()
	var pending []*Node
	seen := map[DigestHex]struct{}{}
	var walk func(DigestHex) error
	walk = func(digest DigestHex) error {
		if _, ok := seen[digest]; ok {
			return nil
		}
		seen[digest] = struct{}{}
		node, err := f.requireNode(digest)
		if err != nil {
			return err
		}
		for _, child := range node.Children {
			if err := walk(child); err != nil {
				return err
			}
		}
		if f.nodeCache != nil && f.nodeCache.Contains(digest) {
			persistCacheSkips.Inc()
			return nil
		}
		pending = append(pending, node)
		return nil
	}
	if err := walk(root); err != nil {
		return fmt.Errorf("flush: %w", err)
	}

	// Children come before their parents in pending, but with concurrent
	// stores that order isn't preserved; a failed Flush may leave parents
	// stored without their children.
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(f.flushConcurrency)
	for _, node := range pending {
		data := node.data()
		g.Go(func() error {
			if err := f.persist.Store(ctx, string(data.Digest), MarshalNodeData(data)); err != nil {
				return fmt.Errorf("persist store %s: %w", data.Digest.Short(), err)
			}
			nodesPersisted.Inc()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	if f.nodeCache != nil {
		for _, node := range pending {
			f.nodeCache.Add(node.Digest, node.data())
		}
	}
	f.log.Debug("flushed",
		digestField("root", root),
		zap.Int("stored", len(pending)),
		zap.Int("reachable", len(seen)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// Load fetches the nodes of the tree at root that aren't held locally from
// the Forest's Persist, level by level, checking each one as InsertNodes
// does.
func (f *Forest) Load(ctx context.Context, root DigestHex) error {
	if f.persist == nil {
		return ErrNoPersist
	}
	loaded := 0
	for {
		missing := f.MissingNodes(root)
		if len(missing) == 0 {
			break
		}
		fetched := make([]NodeData, len(missing))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(f.flushConcurrency)
		for i, digest := range missing {
			if data, ok := f.cachedNode(digest); ok {
				fetched[i] = data
				continue
			}
			g.Go(func() error {
				b, err := f.persist.Load(gctx, string(digest))
				if err != nil {
					return fmt.Errorf("persist load %s: %w", digest.Short(), err)
				}
				data, err := UnmarshalNodeData(b)
				if err != nil {
					return fmt.Errorf("persist load %s: %w", digest.Short(), err)
				}
				if data.Digest != digest {
					return fmt.Errorf("persist load %s: %w: stored as %s", digest.Short(), ErrIntegrity, data.Digest.Short())
				}
				fetched[i] = data
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return fmt.Errorf("load: %w", err)
		}
		if _, err := f.InsertNodes(fetched); err != nil {
			return fmt.Errorf("load: %w", err)
		}
		if f.nodeCache != nil {
			for _, data := range fetched {
				f.nodeCache.Add(data.Digest, data)
			}
		}
		loaded += len(fetched)
		nodesLoaded.Add(float64(len(fetched)))
	}
	f.log.Debug("loaded", digestField("root", root), zap.Int("nodes", loaded))
	return nil
}

func (f *Forest) cachedNode(digest DigestHex) (NodeData, bool) {
	if f.nodeCache == nil {
		return NodeData{}, false
	}
	v, ok := f.nodeCache.Get(digest)
	if !ok {
		return NodeData{}, false
	}
	data, ok := v.(NodeData)
	return data, ok
}

// IsNotPersisted indicates the error is due to a Persist not having the
// requested name.
func IsNotPersisted(err error) bool {
	return errors.Is(err, ErrNotPersisted)
}
