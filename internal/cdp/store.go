package cdp

import (
	"context"
	"errors"
	"math"

	"github.com/lixiaohuiqazwsx/WaykiChain/internal/kv"
	"github.com/lixiaohuiqazwsx/WaykiChain/internal/oplog"
)

var (
	// ErrZeroDebt is returned when a stake would leave a live position
	// owing nothing; a position with no debt cannot be ranked and must be
	// erased instead.
	ErrZeroDebt = errors.New("cdp: stake would leave position with zero debt")

	// ErrAmountOverflow is returned when a stake would overflow a
	// position's uint64 amount fields.
	ErrAmountOverflow = errors.New("cdp: amount overflow")
)

// Store is the authoritative position record store: point CRUD against
// the durable key-value backend keyed by (owner, cdp id), mirrored into
// the ranked MemCache, with undo-log recording and the global risk
// checks. The root Store owns the committed view; Spawn derives the
// tentative view a block in progress mutates.
//
// Mutating operations take an optional *oplog.Map; nil selects the
// non-recording form, reserved for genesis-style population where
// rollback is not meaningful.
type Store struct {
	kv  kv.Store
	mem *MemCache
}

// NewStore creates a root store over the durable backend. Call LoadCache
// before serving ranked queries.
func NewStore(backend kv.Store) *Store {
	return &Store{
		kv:  backend,
		mem: NewMemCache(backend),
	}
}

// Spawn returns a tentative view layered on s: point reads and writes
// share the durable backend, ranked state goes to a fresh overlay on s's
// cache. s must outlive the spawned view.
func (s *Store) Spawn() *Store {
	return &Store{
		kv:  s.kv,
		mem: NewOverlay(s.mem),
	}
}

// SetBaseView re-parents this view's cache overlay onto base's cache.
func (s *Store) SetBaseView(base *Store) {
	s.mem.SetBase(base.mem)
}

// Mem exposes the ranked cache layer of this view for scans and totals.
func (s *Store) Mem() *MemCache {
	return s.mem
}

// LoadCache rebuilds the root ranked index from every persisted record.
func (s *Store) LoadCache(ctx context.Context) error {
	return s.mem.LoadAll(ctx)
}

// Stake applies one stake/mint operation to pos: at height, add
// bcoinsToStake collateral and mintedScoins debt, recompute the ratio
// base, persist the record (recording an undo entry when log != nil) and
// refresh the ranked index. pos is updated in place; on error it is left
// untouched.
//
// This is the single path by which a ratio-affecting mutation occurs:
// when pos already carries state its stale ranking entry is replaced
// atomically, so the cache never observes a half-updated key.
func (s *Store) Stake(ctx context.Context, height int32, bcoinsToStake, mintedScoins uint64, pos *Position, log *oplog.Map) error {
	old := *pos

	staked, ok := addAmount(pos.StakedBcoins, bcoinsToStake)
	if !ok {
		return ErrAmountOverflow
	}
	owed, ok := addAmount(pos.OwedScoins, mintedScoins)
	if !ok {
		return ErrAmountOverflow
	}
	if owed == 0 {
		return ErrZeroDebt
	}

	pos.Height = height
	pos.StakedBcoins = staked
	pos.OwedScoins = owed
	pos.recomputeRatio()

	if err := s.writeRecord(ctx, pos, log); err != nil {
		*pos = old
		return err
	}

	if old.StakedBcoins > 0 || old.OwedScoins > 0 {
		s.mem.Update(old, *pos)
	} else {
		s.mem.Save(*pos)
	}
	return nil
}

// Get reads one position. Absence is reported via found=false; a found
// record has its ratio base recomputed from the persisted amounts.
func (s *Store) Get(ctx context.Context, owner RegID, cdpID TxID) (Position, bool, error) {
	probe := Position{Owner: owner, CdpID: cdpID}
	data, found, err := s.kv.Get(ctx, storeKey(&probe))
	if err != nil || !found {
		return Position{}, false, err
	}
	pos, err := decodePosition(data)
	if err != nil {
		return Position{}, false, err
	}
	return pos, true, nil
}

// ListByOwner returns every position owned by owner, in durable key
// order. No positions is an empty result, not an error.
func (s *Store) ListByOwner(ctx context.Context, owner RegID) ([]Position, error) {
	var out []Position
	err := s.kv.Iterate(ctx, cdpCollection, owner.String(), func(key kv.Key, value []byte) (bool, error) {
		pos, err := decodePosition(value)
		if err != nil {
			return false, err
		}
		out = append(out, pos)
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Save writes pos's durable record and mirrors it into the ranked cache.
// It must not be used when the mutation changed the ratio base of an
// already-indexed position — that is Stake's job; Save alone would leave
// the stale ranking entry behind.
func (s *Store) Save(ctx context.Context, pos Position, log *oplog.Map) error {
	if err := s.writeRecord(ctx, &pos, log); err != nil {
		return err
	}
	s.mem.Save(pos)
	return nil
}

// Erase tombstones pos in the ranked cache, then removes the durable
// record.
func (s *Store) Erase(ctx context.Context, pos Position, log *oplog.Map) error {
	key := storeKey(&pos)
	if log != nil {
		prev, existed, err := s.kv.Get(ctx, key)
		if err != nil {
			return err
		}
		log.Record(key, prev, existed)
	}

	s.mem.Erase(pos)
	return s.kv.Delete(ctx, key)
}

// Undo reverse-replays a recorded log against the durable store,
// restoring every touched record to its pre-block state. The ranked
// cache is deliberately untouched: rollback discards the overlay that
// carried the block's cache mutations instead.
func (s *Store) Undo(ctx context.Context, log *oplog.Map) error {
	return oplog.Undo(ctx, s.kv, log)
}

// GlobalRatioFloorReached reports whether the network-wide collateral
// ratio at the given price has fallen to or below floorBps — the
// system-wide liquidation-freeze trigger.
func (s *Store) GlobalRatioFloorReached(price, floorBps uint64) bool {
	return ratioFloorReached(s.mem.TotalStakedBcoins(), s.mem.TotalOwedScoins(), price, floorBps)
}

// CollateralCeilingReached reports whether staking addedBcoins more
// would push total staked collateral above ceiling — the admission gate
// checked before accepting a new stake.
func (s *Store) CollateralCeilingReached(addedBcoins, ceiling uint64) bool {
	return ceilingCrossed(s.mem.TotalStakedBcoins(), addedBcoins, ceiling)
}

// CacheSize reports the durable record count for accounting and metrics.
func (s *Store) CacheSize(ctx context.Context) (int, error) {
	return s.kv.Count(ctx, cdpCollection)
}

// Flush folds this view's cache layer into its base — or, on the root,
// write-through-persists it in one atomic batch.
func (s *Store) Flush(ctx context.Context) error {
	return s.mem.Flush(ctx)
}

// writeRecord persists pos, first recording the key's prior state when a
// collector is supplied.
func (s *Store) writeRecord(ctx context.Context, pos *Position, log *oplog.Map) error {
	key := storeKey(pos)
	if log != nil {
		prev, existed, err := s.kv.Get(ctx, key)
		if err != nil {
			return err
		}
		log.Record(key, prev, existed)
	}

	data, err := encodePosition(pos)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, key, data)
}

// addAmount sums two amounts, rejecting results beyond MaxInt64: the
// cache's signed total accumulators must be able to carry any amount
// with its sign flipped.
func addAmount(a, b uint64) (uint64, bool) {
	sum := a + b
	if sum < a || sum > math.MaxInt64 {
		return 0, false
	}
	return sum, true
}
