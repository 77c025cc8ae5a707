// Package oplog records reversible mutations against the durable store.
//
// Every state-changing write performed while executing a block appends one
// Entry holding the key's state *before* the write. If the block is later
// disconnected (chain reorganization), replaying the entries newest-first
// restores the store to its pre-block state byte for byte.
package oplog

import (
	"context"
	"fmt"

	"github.com/lixiaohuiqazwsx/WaykiChain/internal/kv"
)

// Entry is one reversible mutation record: the composite key that was
// written or deleted, and what was stored under it beforehand.
type Entry struct {
	Key     kv.Key
	Prev    []byte // prior value; meaningful only when Existed
	Existed bool   // false: the key was absent before the mutation
}

// Map accumulates entries for one block in execution order. It is an
// append-only sink; the zero value is ready to use.
type Map struct {
	entries []Entry
}

// NewMap returns an empty collector.
func NewMap() *Map {
	return &Map{}
}

// Record appends the pre-mutation state of key. prev is copied, so the
// caller may reuse its buffer.
func (m *Map) Record(key kv.Key, prev []byte, existed bool) {
	var p []byte
	if existed {
		p = make([]byte, len(prev))
		copy(p, prev)
	}
	m.entries = append(m.entries, Entry{Key: key, Prev: p, Existed: existed})
}

// Len returns the number of recorded entries.
func (m *Map) Len() int {
	return len(m.entries)
}

// Entries returns the recorded entries in execution order. The returned
// slice is the collector's own backing store; callers must not mutate it.
func (m *Map) Entries() []Entry {
	return m.entries
}

// Undo replays m against store newest-first, restoring every touched key
// to its pre-block state. The whole replay is applied as one atomic
// batch. A nil or empty map is a no-op.
func Undo(ctx context.Context, store kv.Store, m *Map) error {
	if m == nil || len(m.entries) == 0 {
		return nil
	}

	// Newest-first so a key mutated several times in one block ends at
	// its oldest recorded state; the batch applies ops in order, so the
	// last queued restore wins.
	var batch kv.Batch
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if e.Existed {
			batch.Set(e.Key, e.Prev)
		} else {
			batch.Delete(e.Key)
		}
	}

	if err := store.Write(ctx, &batch); err != nil {
		return fmt.Errorf("undo replay: %w", err)
	}
	return nil
}
