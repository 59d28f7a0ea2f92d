package forest

import "go.uber.org/zap"

// DefaultFlushConcurrency bounds the number of concurrent Persist calls
// made by Flush and Load.
const DefaultFlushConcurrency = 40

// Option configures a Forest.
type Option func(*Forest)

// WithLogger sets the logger. Forests log nothing by default.
func WithLogger(log *zap.Logger) Option {
	return func(f *Forest) {
		f.log = log
	}
}

// WithHash selects the digest function. Replicas that exchange nodes must
// agree on it.
func WithHash(a HashAlgorithm) Option {
	return func(f *Forest) {
		f.hash = a
	}
}

// WithPersist sets where Flush stores nodes and Load reads them from.
func WithPersist(p Persist) Option {
	return func(f *Forest) {
		f.persist = p
	}
}

// WithNodeCache sets the cache Flush uses to remember which nodes have
// already been persisted. It should be switched along with the Persist.
func WithNodeCache(c NodeCache) Option {
	return func(f *Forest) {
		f.nodeCache = c
	}
}

// WithFlushConcurrency bounds the concurrent Persist calls made by Flush
// and Load.
func WithFlushConcurrency(n int) Option {
	return func(f *Forest) {
		f.flushConcurrency = n
	}
}
