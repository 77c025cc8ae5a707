package cdp

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/lixiaohuiqazwsx/WaykiChain/internal/kv"
)

// entryState is the liveness tag of a cache entry. A tombstone marks a
// position as deleted in this layer so that a copy visible in the base
// layer is shadowed without being touched.
type entryState uint8

const (
	statePresent entryState = iota
	stateTombstone
)

// entry is one slot of a cache layer: the position plus its liveness tag.
type entry struct {
	pos   Position
	state entryState
}

// orderKey is the ordering identity of a position inside the ranked
// container. The ratio is part of the key, which is why a ratio-changing
// mutation must erase the old key before inserting the new one — an
// in-place value update would not relocate the entry.
type orderKey struct {
	ratio float64
	owner RegID
	tx    TxID
}

func keyOf(p *Position) orderKey {
	return orderKey{ratio: p.RatioBase, owner: p.Owner, tx: p.CdpID}
}

func (k orderKey) less(o orderKey) bool {
	if k.ratio != o.ratio {
		return k.ratio < o.ratio
	}
	if k.owner != o.owner {
		return k.owner < o.owner
	}
	return k.tx.Compare(o.tx) < 0
}

// cdpCollection is the durable collection tag position records are filed
// under.
const cdpCollection = "cdp"

func storeKey(p *Position) kv.Key {
	return kv.Key{Collection: cdpCollection, Owner: p.Owner.String(), Tx: p.CdpID.String()}
}

var errNoStore = errors.New("cdp: cache layer has no store accessor")

// MemCache is one layer of the ranked position index. The root layer is
// loaded from the durable store at startup and holds the committed view;
// each block in progress works on an overlay chained to it. A layer owns
// only its own delta: reads merge the chain, writes land here.
//
// Totals are this layer's signed contribution, combined with the base's
// transitively at read time. An overlay's own deltas may be negative
// (erasing a base-visible position); only the combined value is
// meaningful.
//
// Not safe for concurrent use: each layer has exactly one logical writer,
// and a base may be read concurrently only while no overlay is flushing
// into it. The base and the store accessor are borrowed and must outlive
// this layer.
type MemCache struct {
	entries map[orderKey]entry
	order   []orderKey // ascending, parallel to entries

	stakedDelta int64
	owedDelta   int64

	base  *MemCache
	store kv.Store // root layer only
}

// NewMemCache creates a root layer backed by the durable store accessor.
// store may be nil for a detached cache (tests, tooling); LoadAll and a
// write-through Flush then fail with errNoStore.
func NewMemCache(store kv.Store) *MemCache {
	return &MemCache{
		entries: make(map[orderKey]entry),
		store:   store,
	}
}

// NewOverlay creates an empty layer on top of base.
func NewOverlay(base *MemCache) *MemCache {
	return &MemCache{
		entries: make(map[orderKey]entry),
		base:    base,
	}
}

// SetBase rebinds this layer's base pointer. Used to re-parent an
// overlay, e.g. a speculative layer built on a block that has since been
// committed and folded into its own parent.
func (c *MemCache) SetBase(base *MemCache) {
	c.base = base
}

// LoadAll populates a root layer from the durable store: every persisted
// record is decoded, its ratio base recomputed, and the totals
// accumulated. Any prior content of this layer is discarded. Iteration
// failure propagates and leaves the layer empty.
func (c *MemCache) LoadAll(ctx context.Context) error {
	if c.store == nil {
		return errNoStore
	}

	c.reset()
	err := c.store.Iterate(ctx, cdpCollection, "", func(key kv.Key, value []byte) (bool, error) {
		pos, err := decodePosition(value)
		if err != nil {
			return false, fmt.Errorf("load %s: %w", key, err)
		}
		c.insert(keyOf(&pos), entry{pos: pos, state: statePresent})
		c.stakedDelta += int64(pos.StakedBcoins)
		c.owedDelta += int64(pos.OwedScoins)
		return false, nil
	})
	if err != nil {
		c.reset()
		return fmt.Errorf("load positions: %w", err)
	}
	return nil
}

// Save upserts a present entry for pos in this layer and adjusts this
// layer's totals by the delta against its own prior entry under the same
// ordering key. Idempotent: saving the same position twice is a no-op the
// second time.
func (c *MemCache) Save(pos Position) {
	k := keyOf(&pos)
	if prior, ok := c.entries[k]; ok {
		if prior.state == statePresent {
			c.stakedDelta += int64(pos.StakedBcoins) - int64(prior.pos.StakedBcoins)
			c.owedDelta += int64(pos.OwedScoins) - int64(prior.pos.OwedScoins)
		} else {
			// Re-saving over a tombstone revives the slot.
			c.stakedDelta += int64(pos.StakedBcoins)
			c.owedDelta += int64(pos.OwedScoins)
		}
		c.entries[k] = entry{pos: pos, state: statePresent}
		return
	}

	c.insert(k, entry{pos: pos, state: statePresent})
	c.stakedDelta += int64(pos.StakedBcoins)
	c.owedDelta += int64(pos.OwedScoins)
}

// Erase writes a tombstone for this exact position into this layer,
// shadowing any base-layer copy, and adjusts totals downward. Erasing a
// key this layer already tombstoned is a no-op.
//
// Callers mutating a position's ratio must not pair Erase and Save by
// hand; Update does both under one call.
func (c *MemCache) Erase(pos Position) {
	k := keyOf(&pos)
	if prior, ok := c.entries[k]; ok {
		if prior.state == statePresent {
			c.stakedDelta -= int64(prior.pos.StakedBcoins)
			c.owedDelta -= int64(prior.pos.OwedScoins)
			c.entries[k] = entry{pos: prior.pos, state: stateTombstone}
		}
		return
	}

	c.insert(k, entry{pos: pos, state: stateTombstone})
	c.stakedDelta -= int64(pos.StakedBcoins)
	c.owedDelta -= int64(pos.OwedScoins)
}

// Update atomically replaces old's ranking entry with updated's: erase
// the stale key, insert the fresh one. This is the single correct path
// for a mutation that changes the ratio base of an existing position;
// both arguments must name the same CDP.
func (c *MemCache) Update(old, updated Position) {
	if !old.sameIdentity(&updated) {
		panic(fmt.Sprintf("cdp: update across identities %s/%s -> %s/%s",
			old.Owner, old.CdpID, updated.Owner, updated.CdpID))
	}
	c.Erase(old)
	c.Save(updated)
}

// ListByRatioBelow returns every live position across the layer chain
// with ratio base strictly below threshold, in index order. Entries
// explicit in a layer (present or tombstone) take precedence over
// base-layer entries under the same ordering key.
func (c *MemCache) ListByRatioBelow(threshold float64) []Position {
	shadow := make(map[orderKey]bool)
	var out []Position
	c.collectBelow(threshold, shadow, &out)

	sort.Slice(out, func(i, j int) bool { return out[i].Less(&out[j]) })
	return out
}

// LiquidationCandidates converts an external collateral ratio (basis
// points) and the current bcoin median price into ratio-base units, then
// returns the live positions ranked strictly below it — the candidates a
// liquidation pass would visit, worst first.
func (c *MemCache) LiquidationCandidates(ratioBps, price uint64) ([]Position, error) {
	threshold, err := LiquidationThreshold(ratioBps, price)
	if err != nil {
		return nil, err
	}
	return c.ListByRatioBelow(threshold), nil
}

// collectBelow gathers this layer's eligible entries and recurses into
// the base. shadow carries every ordering key already decided by an upper
// layer, so a base copy under a shadowed key is skipped whether the upper
// entry was live or a tombstone.
func (c *MemCache) collectBelow(threshold float64, shadow map[orderKey]bool, out *[]Position) {
	for _, k := range c.order {
		if !(k.ratio < threshold) {
			break
		}
		if shadow[k] {
			continue
		}
		shadow[k] = true
		if e := c.entries[k]; e.state == statePresent {
			*out = append(*out, e.pos)
		}
	}
	if c.base != nil {
		c.base.collectBelow(threshold, shadow, out)
	}
}

// TotalStakedBcoins returns the combined staked collateral across this
// layer and its bases.
func (c *MemCache) TotalStakedBcoins() uint64 {
	return clampTotal(c.stakedTotal())
}

// TotalOwedScoins returns the combined owed scoins across this layer and
// its bases.
func (c *MemCache) TotalOwedScoins() uint64 {
	return clampTotal(c.owedTotal())
}

// GlobalCollateralRatioBps computes the network-wide collateral ratio in
// basis points from the combined totals at the given price.
func (c *MemCache) GlobalCollateralRatioBps(price uint64) uint64 {
	return GlobalCollateralRatio(c.TotalStakedBcoins(), c.TotalOwedScoins(), price)
}

func (c *MemCache) stakedTotal() int64 {
	t := c.stakedDelta
	if c.base != nil {
		t += c.base.stakedTotal()
	}
	return t
}

func (c *MemCache) owedTotal() int64 {
	t := c.owedDelta
	if c.base != nil {
		t += c.base.owedTotal()
	}
	return t
}

func clampTotal(t int64) uint64 {
	if t < 0 {
		return 0
	}
	return uint64(t)
}

// Flush folds this layer into its base and clears it. For an overlay,
// every entry and tombstone overwrites the base's slot under the same
// ordering key and the totals transfer wholesale — equivalent to having
// applied each Save/Erase directly to the base. For the root layer, the
// fold is a write-through: one atomic batch persisting every present
// entry and deleting every tombstoned key; on batch failure nothing is
// cleared and the error propagates (retry is the caller's policy).
func (c *MemCache) Flush(ctx context.Context) error {
	if c.base != nil {
		for _, k := range c.order {
			c.base.applySlot(k, c.entries[k])
		}
		c.base.stakedDelta += c.stakedDelta
		c.base.owedDelta += c.owedDelta
		c.reset()
		return nil
	}

	if c.store == nil {
		return errNoStore
	}

	var batch kv.Batch
	for _, k := range c.order {
		e := c.entries[k]
		if e.state == stateTombstone {
			batch.Delete(storeKey(&e.pos))
			continue
		}
		data, err := encodePosition(&e.pos)
		if err != nil {
			return err
		}
		batch.Set(storeKey(&e.pos), data)
	}
	if err := c.store.Write(ctx, &batch); err != nil {
		return fmt.Errorf("flush positions: %w", err)
	}

	// The root stays the committed view: drop the tombstones, keep the
	// live entries and totals.
	c.dropTombstones()
	return nil
}

// applySlot installs an entry under k, overwriting any prior slot.
// Totals are not touched: Flush transfers them in one move.
func (c *MemCache) applySlot(k orderKey, e entry) {
	if _, ok := c.entries[k]; ok {
		c.entries[k] = e
		return
	}
	c.insert(k, e)
}

// DropTombstones discards this layer's tombstones without consuming
// them. In the pure cache pipeline a root tombstone is a pending durable
// delete that only the write-through Flush may retire; call this instead
// when deletions were already persisted at operation time and the folded
// tombstones are spent bookkeeping. Totals are unaffected — erasures
// already subtracted theirs.
func (c *MemCache) DropTombstones() {
	c.dropTombstones()
}

// Len returns the number of explicit entries in this layer, tombstones
// included.
func (c *MemCache) Len() int {
	return len(c.entries)
}

func (c *MemCache) insert(k orderKey, e entry) {
	i := sort.Search(len(c.order), func(i int) bool { return !c.order[i].less(k) })
	c.order = append(c.order, orderKey{})
	copy(c.order[i+1:], c.order[i:])
	c.order[i] = k
	c.entries[k] = e
}

func (c *MemCache) reset() {
	c.entries = make(map[orderKey]entry)
	c.order = nil
	c.stakedDelta = 0
	c.owedDelta = 0
}

func (c *MemCache) dropTombstones() {
	kept := c.order[:0]
	for _, k := range c.order {
		if c.entries[k].state == stateTombstone {
			delete(c.entries, k)
			continue
		}
		kept = append(kept, k)
	}
	c.order = kept
}
