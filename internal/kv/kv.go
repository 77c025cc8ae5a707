// Package kv defines the durable key-value contract the CDP state engine
// persists through. Implementations include SQLite (embedded default),
// PostgreSQL (shared deployments), and in-memory (for testing).
package kv

import "context"

// Key is the composite key every record is filed under: a collection tag,
// the owning account's register identity, and the transaction identity of
// the record itself. Keys order ascending by (Collection, Owner, Tx) and
// that order is the iteration order of every backend.
type Key struct {
	Collection string
	Owner      string
	Tx         string
}

// Less reports whether k sorts before other in iteration order.
func (k Key) Less(other Key) bool {
	if k.Collection != other.Collection {
		return k.Collection < other.Collection
	}
	if k.Owner != other.Owner {
		return k.Owner < other.Owner
	}
	return k.Tx < other.Tx
}

// String renders the key for logs and error messages.
func (k Key) String() string {
	return k.Collection + "/" + k.Owner + "/" + k.Tx
}

// IterFunc receives each key/value pair during iteration. Returning
// stop=true ends the scan early without error.
type IterFunc func(key Key, value []byte) (stop bool, err error)

// Store is the durable store contract. Every backend must apply a Batch
// atomically: either all of its writes land or none do.
type Store interface {
	// --- Point operations ---

	// Get returns the value stored under key. A missing key is reported
	// via found=false, not an error.
	Get(ctx context.Context, key Key) (value []byte, found bool, err error)

	// Set writes value under key, replacing any existing value.
	Set(ctx context.Context, key Key, value []byte) error

	// Delete removes key. Deleting an absent key is a no-op.
	Delete(ctx context.Context, key Key) error

	// --- Scans ---

	// Iterate walks a collection in ascending key order, calling fn for
	// each record. A non-empty owner restricts the walk to that owner's
	// records. Errors from fn abort the scan and propagate.
	Iterate(ctx context.Context, collection, owner string, fn IterFunc) error

	// Count returns the number of records in a collection.
	Count(ctx context.Context, collection string) (int, error)

	// --- Batched writes ---

	// Write applies every operation in the batch atomically.
	Write(ctx context.Context, batch *Batch) error

	// Close releases backend resources.
	Close() error
}

// Batch accumulates sets and deletes for one atomic Write. Operations
// are applied in the order they were added, so a later Set on a key wins
// over an earlier Delete of the same key and vice versa.
type Batch struct {
	ops []batchOp
}

type batchOp struct {
	key    Key
	value  []byte // nil means delete
	delete bool
}

// Set queues a write of value under key.
func (b *Batch) Set(key Key, value []byte) {
	b.ops = append(b.ops, batchOp{key: key, value: value})
}

// Delete queues a removal of key.
func (b *Batch) Delete(key Key) {
	b.ops = append(b.ops, batchOp{key: key, delete: true})
}

// Len returns the number of queued operations.
func (b *Batch) Len() int {
	return len(b.ops)
}
