package chain_test

import (
	"context"
	"errors"
	"testing"

	"github.com/lixiaohuiqazwsx/WaykiChain/internal/cdp"
	"github.com/lixiaohuiqazwsx/WaykiChain/internal/chain"
	"github.com/lixiaohuiqazwsx/WaykiChain/internal/kv"
)

const priceUnit uint64 = cdp.PriceScale

func tx(b byte) cdp.TxID {
	var id cdp.TxID
	id[0] = b
	return id
}

func defaultRisk() chain.RiskParams {
	return chain.RiskParams{
		LiquidationRatioBps: 15000,
		GlobalFloorBps:      10000,
		CollateralCeiling:   1 << 40,
	}
}

func newTestEnv(t *testing.T, risk chain.RiskParams) (*chain.StateManager, kv.Store) {
	t.Helper()
	backend := kv.NewMemoryStore()
	store := cdp.NewStore(backend)
	if err := store.LoadCache(context.Background()); err != nil {
		t.Fatalf("load cache: %v", err)
	}
	return chain.NewStateManager(store, risk, 10), backend
}

func TestStakeVisibleBeforeCommit(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestEnv(t, defaultRisk())

	pos, err := m.Stake(ctx, "1-1", tx(1), 1000, 500)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pos.Height != 10 || pos.StakedBcoins != 1000 || pos.OwedScoins != 500 {
		t.Fatalf("unexpected position state: %+v", pos)
	}

	got, found, err := m.Get(ctx, "1-1", tx(1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !found {
		t.Fatal("position should be visible before commit")
	}
	if got.RatioBase != 2.0 {
		t.Fatalf("ratio = %v, want 2.0", got.RatioBase)
	}
	if m.Height() != 10 {
		t.Fatalf("height changed without commit: %d", m.Height())
	}
}

func TestStakeRejectsZeroDebtOnNewPosition(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestEnv(t, defaultRisk())

	if _, err := m.Stake(ctx, "1-1", tx(1), 1000, 0); !errors.Is(err, cdp.ErrZeroDebt) {
		t.Fatalf("error = %v, want ErrZeroDebt", err)
	}
	if _, found, _ := m.Get(ctx, "1-1", tx(1)); found {
		t.Fatal("rejected stake should leave no position behind")
	}
}

func TestCommitAdvancesHeightAndRepositions(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestEnv(t, defaultRisk())

	if _, err := m.Stake(ctx, "1-1", tx(1), 1000, 500); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	committed, err := m.Commit(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if committed != 10 {
		t.Fatalf("committed height = %d, want 10", committed)
	}
	if m.Height() != 11 {
		t.Fatalf("next height = %d, want 11", m.Height())
	}

	// Second block adds collateral without minting: ratio moves 2.0 -> 3.0.
	pos, err := m.Stake(ctx, "1-1", tx(1), 500, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pos.Height != 11 || pos.StakedBcoins != 1500 || pos.RatioBase != 3.0 {
		t.Fatalf("unexpected position state: %+v", pos)
	}

	// A scan below 2.5 must not surface the stale pre-restake entry.
	candidates, frozen, err := m.LiquidationCandidates(25000, priceUnit)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if frozen {
		t.Fatal("liquidation should not be frozen")
	}
	if len(candidates) != 0 {
		t.Fatalf("stale ranking entry surfaced: %+v", candidates)
	}
}

func TestRollbackRestoresCommittedState(t *testing.T) {
	ctx := context.Background()
	m, backend := newTestEnv(t, defaultRisk())

	if _, err := m.Stake(ctx, "1-1", tx(1), 1000, 500); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m.Commit(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Tentative block: restake the committed position, open a second one,
	// then close the second again.
	if _, err := m.Stake(ctx, "1-1", tx(1), 500, 100); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m.Stake(ctx, "2-5", tx(2), 900, 600); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m.Close(ctx, "2-5", tx(2)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := m.Rollback(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, found, err := m.Get(ctx, "1-1", tx(1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !found {
		t.Fatal("committed position lost on rollback")
	}
	if got.Height != 10 || got.StakedBcoins != 1000 || got.OwedScoins != 500 || got.RatioBase != 2.0 {
		t.Fatalf("rollback left modified state: %+v", got)
	}
	if _, found, _ := m.Get(ctx, "2-5", tx(2)); found {
		t.Fatal("position created in discarded block survived rollback")
	}

	n, err := backend.Count(ctx, "cdp")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Fatalf("durable record count = %d, want 1", n)
	}

	// The ranked view must match: exactly one entry, at the committed ratio.
	candidates, _, err := m.LiquidationCandidates(25000, priceUnit)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(candidates) != 1 || candidates[0].RatioBase != 2.0 {
		t.Fatalf("ranked view after rollback: %+v", candidates)
	}

	// Height did not advance; the block can be rebuilt.
	if m.Height() != 11 {
		t.Fatalf("height = %d, want 11", m.Height())
	}
}

func TestCeilingGate(t *testing.T) {
	ctx := context.Background()
	risk := defaultRisk()
	risk.CollateralCeiling = 1000
	m, _ := newTestEnv(t, risk)

	if _, err := m.Stake(ctx, "1-1", tx(1), 600, 300); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m.Stake(ctx, "1-2", tx(2), 500, 200); !errors.Is(err, chain.ErrCeilingReached) {
		t.Fatalf("error = %v, want ErrCeilingReached", err)
	}
	// Landing exactly on the ceiling is allowed.
	if _, err := m.Stake(ctx, "1-2", tx(2), 400, 200); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m.Stake(ctx, "1-3", tx(3), 1, 1); !errors.Is(err, chain.ErrCeilingReached) {
		t.Fatalf("error = %v, want ErrCeilingReached", err)
	}
}

func TestCloseMissingPosition(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestEnv(t, defaultRisk())

	if _, err := m.Close(ctx, "1-1", tx(9)); !errors.Is(err, chain.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestLiquidationFreezeAtFloor(t *testing.T) {
	ctx := context.Background()

	// Global ratio lands exactly on the floor: scanning freezes.
	risk := defaultRisk()
	risk.GlobalFloorBps = 20000
	m, _ := newTestEnv(t, risk)
	if _, err := m.Stake(ctx, "1-1", tx(1), 1000, 500); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	candidates, frozen, err := m.LiquidationCandidates(25000, priceUnit)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !frozen {
		t.Fatal("floor reached, scan should be frozen")
	}
	if candidates != nil {
		t.Fatalf("frozen scan returned candidates: %+v", candidates)
	}

	// One basis point of headroom: the scan runs.
	risk.GlobalFloorBps = 19999
	m2, _ := newTestEnv(t, risk)
	if _, err := m2.Stake(ctx, "1-1", tx(1), 1000, 500); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	candidates, frozen, err = m2.LiquidationCandidates(25000, priceUnit)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if frozen {
		t.Fatal("scan frozen above the floor")
	}
	if len(candidates) != 1 {
		t.Fatalf("candidates = %+v, want the 2.0 position", candidates)
	}
}

func TestStatsSnapshot(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestEnv(t, defaultRisk())

	if _, err := m.Stake(ctx, "1-1", tx(1), 1000, 500); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m.Stake(ctx, "2-5", tx(2), 600, 500); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stats, err := m.Stats(ctx, priceUnit)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Height != 10 {
		t.Fatalf("height = %d, want 10", stats.Height)
	}
	if stats.OpenPositions != 2 {
		t.Fatalf("open positions = %d, want 2", stats.OpenPositions)
	}
	if stats.TotalStakedBcoins != 1600 || stats.TotalOwedScoins != 1000 {
		t.Fatalf("totals = %d/%d, want 1600/1000", stats.TotalStakedBcoins, stats.TotalOwedScoins)
	}
	if stats.GlobalRatioBps != 16000 {
		t.Fatalf("global ratio = %d bps, want 16000", stats.GlobalRatioBps)
	}
	if stats.LiquidationFrozen {
		t.Fatal("healthy book reported frozen")
	}
}
