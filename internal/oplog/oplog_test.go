package oplog

import (
	"context"
	"testing"

	"github.com/lixiaohuiqazwsx/WaykiChain/internal/kv"
)

func key(owner, tx string) kv.Key {
	return kv.Key{Collection: "cdp", Owner: owner, Tx: tx}
}

func TestUndoRestoresPriorState(t *testing.T) {
	ctx := context.Background()
	st := kv.NewMemoryStore()

	// Pre-block state: one existing record.
	if err := st.Set(ctx, key("0-1", "aa"), []byte("before")); err != nil {
		t.Fatalf("seed: %v", err)
	}

	m := NewMap()

	// Overwrite an existing record.
	prev, existed, _ := st.Get(ctx, key("0-1", "aa"))
	m.Record(key("0-1", "aa"), prev, existed)
	st.Set(ctx, key("0-1", "aa"), []byte("after"))

	// Create a fresh record.
	_, existed, _ = st.Get(ctx, key("0-2", "bb"))
	m.Record(key("0-2", "bb"), nil, existed)
	st.Set(ctx, key("0-2", "bb"), []byte("new"))

	// Delete the first record again.
	prev, existed, _ = st.Get(ctx, key("0-1", "aa"))
	m.Record(key("0-1", "aa"), prev, existed)
	st.Delete(ctx, key("0-1", "aa"))

	if m.Len() != 3 {
		t.Fatalf("expected 3 entries, got %d", m.Len())
	}

	if err := Undo(ctx, st, m); err != nil {
		t.Fatalf("undo: %v", err)
	}

	// Twice-touched key must land on its oldest recorded state.
	v, found, _ := st.Get(ctx, key("0-1", "aa"))
	if !found || string(v) != "before" {
		t.Errorf("expected before, got found=%v %q", found, v)
	}
	// Created key must be gone.
	if _, found, _ := st.Get(ctx, key("0-2", "bb")); found {
		t.Error("created record survived undo")
	}
}

func TestUndoEmptyMapIsNoOp(t *testing.T) {
	ctx := context.Background()
	st := kv.NewMemoryStore()
	st.Set(ctx, key("0-1", "aa"), []byte("v"))

	if err := Undo(ctx, st, NewMap()); err != nil {
		t.Fatalf("undo empty: %v", err)
	}
	if err := Undo(ctx, st, nil); err != nil {
		t.Fatalf("undo nil: %v", err)
	}

	v, found, _ := st.Get(ctx, key("0-1", "aa"))
	if !found || string(v) != "v" {
		t.Errorf("store changed by no-op undo: found=%v %q", found, v)
	}
}

func TestRecordCopiesBuffer(t *testing.T) {
	m := NewMap()
	buf := []byte("prior")
	m.Record(key("0-1", "aa"), buf, true)
	buf[0] = 'X'

	if got := string(m.Entries()[0].Prev); got != "prior" {
		t.Errorf("entry aliased caller buffer: %s", got)
	}
}

func TestRecordAbsentKeepsNilPrev(t *testing.T) {
	m := NewMap()
	m.Record(key("0-1", "aa"), []byte("ignored"), false)

	e := m.Entries()[0]
	if e.Existed {
		t.Error("expected Existed=false")
	}
	if e.Prev != nil {
		t.Errorf("expected nil Prev for absent key, got %q", e.Prev)
	}
}
