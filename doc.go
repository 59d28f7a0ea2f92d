/*
Package forest provides a content-addressed store of Merkle Search Tree
(MST) nodes, and the merge, split and partial-replication operations
that let replicas of an ordered key/value map converge while exchanging
only the nodes that differ.

What are MSTs

The structure is the one described in "Merkle Search Trees: Efficient
State-Based CRDTs in Open Networks", by Alex Auvolat and François
Taïani, 2019 (https://hal.inria.fr/hal-02303490/document).

Every key is assigned a level by counting the leading zero nibbles of
its hash. Items live in the node of their level, and nodes of level L
interleave their items with children of level L-1. Because the level
of each key is fixed, a given set of entries always produces the same
tree, no matter what order the entries were inserted in, and so the
same root digest. Equal digests mean equal contents, which is what makes
comparing and synchronizing two replicas cheap.

Forests and roots

A Forest is an append-only table of nodes keyed by their digest. A tree
is just a root DigestHex, meaningful relative to the Forest holding its
nodes. Operations never modify a node; they create new nodes and share
unchanged subtrees by digest.

A Forest may hold only part of a tree. Get reports NotAvailable rather
than Missing when it runs off the locally held nodes, MissingNodes
lists the frontier of what is absent, and InsertNodes accepts nodes
from a peer after recomputing their digests.

Replicated structures

Package lww builds a last-write-wins map with a two-party sync protocol
on top of a Forest. Package mirror keeps one root per known actor
without merging them, and reports the keys they disagree on.

Concurrency

A Forest is not safe for concurrent mutation. Callers serialize Set,
Merge and InsertNodes against the same Forest, for example by owning
it from a single goroutine.
*/
package forest
