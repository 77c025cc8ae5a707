// Package chain drives the block lifecycle over the CDP store: one
// committed root view, one tentative overlay for the block in progress,
// and the undo log that makes the block reversible on reorganization.
//
// All mutation and query paths are serialized by a single mutex — the
// underlying cache layers are single-writer by design and do no locking
// of their own.
package chain

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/lixiaohuiqazwsx/WaykiChain/internal/cdp"
	"github.com/lixiaohuiqazwsx/WaykiChain/internal/oplog"
)

var (
	// ErrNotFound is returned when an operation names a position that
	// does not exist in the current view.
	ErrNotFound = errors.New("chain: position not found")

	// ErrCeilingReached is returned when a stake is rejected by the
	// global collateral ceiling.
	ErrCeilingReached = errors.New("chain: global collateral ceiling reached")
)

// RiskParams are the chain-configured risk constants. They are inputs to
// the accounting layer, not owned by it: governance sets them, this
// package just applies them.
type RiskParams struct {
	// LiquidationRatioBps is the per-position collateral ratio under
	// which a position becomes a liquidation candidate, in basis points.
	LiquidationRatioBps uint64

	// GlobalFloorBps is the network-wide ratio at or under which
	// liquidation freezes, in basis points.
	GlobalFloorBps uint64

	// CollateralCeiling is the maximum total staked bcoins.
	CollateralCeiling uint64
}

// Stats is a snapshot of the accounting state served to operators.
type Stats struct {
	Height            int32  `json:"height"`
	OpenPositions     int    `json:"open_positions"`
	TotalStakedBcoins uint64 `json:"total_staked_bcoins"`
	TotalOwedScoins   uint64 `json:"total_owed_scoins"`
	GlobalRatioBps    uint64 `json:"global_ratio_bps"`
	LiquidationFrozen bool   `json:"liquidation_frozen"`
}

// StateManager owns the committed CDP view and the tip overlay the block
// in progress mutates. Commit folds the tip into the committed view and
// advances the height; Rollback replays the undo log against the durable
// store and discards the tip.
type StateManager struct {
	mu        sync.Mutex
	committed *cdp.Store
	tip       *cdp.Store
	log       *oplog.Map
	height    int32
	risk      RiskParams
}

// NewStateManager starts block production at height on top of the loaded
// root store.
func NewStateManager(root *cdp.Store, risk RiskParams, height int32) *StateManager {
	return &StateManager{
		committed: root,
		tip:       root.Spawn(),
		log:       oplog.NewMap(),
		height:    height,
		risk:      risk,
	}
}

// Height returns the height of the block in progress.
func (m *StateManager) Height() int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.height
}

// Risk returns the configured risk constants.
func (m *StateManager) Risk() RiskParams {
	return m.risk
}

// Stake applies a stake/mint operation in the current block: loading or
// creating the position, passing the ceiling admission gate, and routing
// the mutation through the tip view with undo recording.
func (m *StateManager) Stake(ctx context.Context, owner cdp.RegID, cdpID cdp.TxID, bcoins, scoins uint64) (cdp.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.tip.CollateralCeilingReached(bcoins, m.risk.CollateralCeiling) {
		return cdp.Position{}, ErrCeilingReached
	}

	pos, found, err := m.tip.Get(ctx, owner, cdpID)
	if err != nil {
		return cdp.Position{}, err
	}
	if !found {
		pos = cdp.NewPosition(owner, cdpID)
	}

	if err := m.tip.Stake(ctx, m.height, bcoins, scoins, &pos, m.log); err != nil {
		return cdp.Position{}, err
	}

	slog.Info("stake applied",
		"owner", pos.Owner,
		"cdp_id", pos.CdpID,
		"height", pos.Height,
		"staked_bcoins", pos.StakedBcoins,
		"owed_scoins", pos.OwedScoins,
		"ratio_base", pos.RatioBase)
	return pos, nil
}

// Close removes a position from the current block's view: the accounting
// effect of a full redemption or full liquidation. Returns the final
// state the position had.
func (m *StateManager) Close(ctx context.Context, owner cdp.RegID, cdpID cdp.TxID) (cdp.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, found, err := m.tip.Get(ctx, owner, cdpID)
	if err != nil {
		return cdp.Position{}, err
	}
	if !found {
		return cdp.Position{}, ErrNotFound
	}

	if err := m.tip.Erase(ctx, pos, m.log); err != nil {
		return cdp.Position{}, err
	}

	slog.Info("position closed",
		"owner", pos.Owner,
		"cdp_id", pos.CdpID,
		"height", m.height)
	return pos, nil
}

// Commit finalizes the block in progress: the tip's ranked state folds
// into the committed view, the undo log is dropped, and the next block
// starts on the same (now empty) overlay. Returns the committed height.
func (m *StateManager) Commit(ctx context.Context) (int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.tip.Flush(ctx); err != nil {
		return 0, err
	}
	// Store operations persist as they run, so tombstones folded into the
	// committed view carry no pending deletes.
	m.committed.Mem().DropTombstones()
	committed := m.height
	m.height++
	m.log = oplog.NewMap()

	slog.Info("block committed", "height", committed, "entries", m.committed.Mem().Len())
	return committed, nil
}

// Rollback discards the block in progress: recorded durable mutations
// are reverse-replayed, the tip overlay is thrown away, and the height
// stays put for the block to be rebuilt.
func (m *StateManager) Rollback(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.committed.Undo(ctx, m.log); err != nil {
		return err
	}
	discarded := m.log.Len()
	m.tip = m.committed.Spawn()
	m.log = oplog.NewMap()

	slog.Info("block rolled back", "height", m.height, "undone_ops", discarded)
	return nil
}

// Get reads one position from the current view.
func (m *StateManager) Get(ctx context.Context, owner cdp.RegID, cdpID cdp.TxID) (cdp.Position, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tip.Get(ctx, owner, cdpID)
}

// ListByOwner returns every position an owner holds in the current view.
func (m *StateManager) ListByOwner(ctx context.Context, owner cdp.RegID) ([]cdp.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tip.ListByOwner(ctx, owner)
}

// LiquidationCandidates returns the positions ranked under ratioBps at
// the given price, worst first. When the global ratio floor is reached
// liquidation is frozen: frozen=true and no candidates.
func (m *StateManager) LiquidationCandidates(ratioBps, price uint64) (candidates []cdp.Position, frozen bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.tip.GlobalRatioFloorReached(price, m.risk.GlobalFloorBps) {
		return nil, true, nil
	}
	candidates, err = m.tip.Mem().LiquidationCandidates(ratioBps, price)
	return candidates, false, err
}

// Stats snapshots the accounting state at the given price.
func (m *StateManager) Stats(ctx context.Context, price uint64) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	open, err := m.tip.CacheSize(ctx)
	if err != nil {
		return Stats{}, err
	}
	mem := m.tip.Mem()
	return Stats{
		Height:            m.height,
		OpenPositions:     open,
		TotalStakedBcoins: mem.TotalStakedBcoins(),
		TotalOwedScoins:   mem.TotalOwedScoins(),
		GlobalRatioBps:    mem.GlobalCollateralRatioBps(price),
		LiquidationFrozen: m.tip.GlobalRatioFloorReached(price, m.risk.GlobalFloorBps),
	}, nil
}
