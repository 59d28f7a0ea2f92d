package forest

import "errors"

var (
	// ErrDuplicateKey is returned when one batch names the same key twice.
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrNodeNotAvailable is returned when an operation needs a node the
	// Forest does not hold. Consult MissingNodes before merging a root
	// received from a peer.
	ErrNodeNotAvailable = errors.New("node not available")
	// ErrIntegrity is returned when a node's contents don't hash to its
	// claimed digest, or it breaks the structural rules of a tree.
	ErrIntegrity = errors.New("node integrity check failed")
	// ErrMalformed is returned when encoded bytes can't be decoded.
	ErrMalformed = errors.New("malformed encoding")
	// ErrNotPersisted is returned by a Persist when the named node was
	// never stored.
	ErrNotPersisted = errors.New("not persisted")
	// ErrNoPersist is returned by Flush and Load on a Forest without a
	// Persist.
	ErrNoPersist = errors.New("no persistence mechanism set; use WithPersist")
)
