package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/lixiaohuiqazwsx/WaykiChain/internal/cdp"
	"github.com/lixiaohuiqazwsx/WaykiChain/internal/chain"
	"github.com/lixiaohuiqazwsx/WaykiChain/internal/kv"
	"github.com/lixiaohuiqazwsx/WaykiChain/internal/oracle"
	"github.com/lixiaohuiqazwsx/WaykiChain/internal/server"
)

const priceUnit uint64 = cdp.PriceScale

// newTestEnv creates a test Service over an in-memory backend and a chi
// router with the production route layout.
func newTestEnv(t *testing.T, risk chain.RiskParams, price uint64) (*chain.StateManager, chi.Router) {
	t.Helper()
	st := cdp.NewStore(kv.NewMemoryStore())
	if err := st.LoadCache(context.Background()); err != nil {
		t.Fatalf("load cache: %v", err)
	}
	manager := chain.NewStateManager(st, risk, 1)
	svc := server.NewService(manager, oracle.NewStaticFeed(price), nil)

	r := chi.NewRouter()
	r.Post("/api/v1/stake", svc.Stake)
	r.Get("/api/v1/cdps", svc.ListPositions)
	r.Get("/api/v1/cdps/{owner}/{cdpID}", svc.GetPosition)
	r.Delete("/api/v1/cdps/{owner}/{cdpID}", svc.ClosePosition)
	r.Get("/api/v1/liquidatable", svc.LiquidationCandidates)
	r.Get("/api/v1/stats", svc.GetStats)
	r.Post("/api/v1/blocks/commit", svc.CommitBlock)
	r.Post("/api/v1/blocks/rollback", svc.RollbackBlock)

	return manager, r
}

func defaultEnv(t *testing.T) (*chain.StateManager, chi.Router) {
	t.Helper()
	return newTestEnv(t, chain.RiskParams{
		LiquidationRatioBps: 15000,
		GlobalFloorBps:      8000,
		CollateralCeiling:   1_000_000_000,
	}, priceUnit)
}

func doStake(t *testing.T, router chi.Router, req server.StakeRequest) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(req)
	httpReq := httptest.NewRequest("POST", "/api/v1/stake", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httpReq)
	return w
}

func doJSON(t *testing.T, router chi.Router, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// --- Stake tests ---

func TestStake_CreatesPosition(t *testing.T) {
	_, router := defaultEnv(t)

	w := doStake(t, router, server.StakeRequest{
		Owner:         "1-1",
		BcoinsToStake: 1000,
		ScoinsToMint:  500,
	})

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp server.StakeResponse
	json.Unmarshal(w.Body.Bytes(), &resp)

	if resp.OpID == "" {
		t.Error("expected non-empty op_id")
	}
	if !resp.Created {
		t.Error("expected created=true for a fresh position")
	}
	if resp.Position.StakedBcoins != 1000 || resp.Position.OwedScoins != 500 {
		t.Errorf("unexpected position amounts: %+v", resp.Position)
	}
	if resp.Position.Height != 1 {
		t.Errorf("expected height=1, got %d", resp.Position.Height)
	}
	if resp.Position.CdpID.IsZero() {
		t.Error("expected a generated cdp_id")
	}
}

func TestStake_RestakeExisting(t *testing.T) {
	_, router := defaultEnv(t)

	w := doStake(t, router, server.StakeRequest{
		Owner: "1-1", BcoinsToStake: 1000, ScoinsToMint: 500,
	})
	var first server.StakeResponse
	json.Unmarshal(w.Body.Bytes(), &first)

	w = doStake(t, router, server.StakeRequest{
		Owner:         "1-1",
		CdpID:         first.Position.CdpID.String(),
		BcoinsToStake: 500,
	})

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var second server.StakeResponse
	json.Unmarshal(w.Body.Bytes(), &second)

	if second.Created {
		t.Error("expected created=false for an existing position")
	}
	if second.Position.StakedBcoins != 1500 || second.Position.OwedScoins != 500 {
		t.Errorf("amounts not accumulated: %+v", second.Position)
	}
}

func TestStake_InvalidOwner(t *testing.T) {
	_, router := defaultEnv(t)

	w := doStake(t, router, server.StakeRequest{
		Owner: "alice", BcoinsToStake: 100, ScoinsToMint: 50,
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid owner, got %d", w.Code)
	}
}

func TestStake_NothingToDo(t *testing.T) {
	_, router := defaultEnv(t)

	w := doStake(t, router, server.StakeRequest{Owner: "1-1"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for zero amounts, got %d", w.Code)
	}
}

func TestStake_ZeroDebtRejected(t *testing.T) {
	_, router := defaultEnv(t)

	// Collateral without debt on a fresh position has no defined ratio.
	w := doStake(t, router, server.StakeRequest{
		Owner: "1-1", BcoinsToStake: 1000,
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for zero debt, got %d: %s", w.Code, w.Body.String())
	}
}

func TestStake_CeilingRejected(t *testing.T) {
	_, router := newTestEnv(t, chain.RiskParams{
		LiquidationRatioBps: 15000,
		GlobalFloorBps:      8000,
		CollateralCeiling:   1000,
	}, priceUnit)

	w := doStake(t, router, server.StakeRequest{
		Owner: "1-1", BcoinsToStake: 600, ScoinsToMint: 300,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("first stake failed: %d %s", w.Code, w.Body.String())
	}

	w = doStake(t, router, server.StakeRequest{
		Owner: "1-2", BcoinsToStake: 500, ScoinsToMint: 200,
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for ceiling, got %d: %s", w.Code, w.Body.String())
	}
}

// --- Position query tests ---

func TestGetPosition_RoundTrip(t *testing.T) {
	_, router := defaultEnv(t)

	w := doStake(t, router, server.StakeRequest{
		Owner: "1-1", BcoinsToStake: 1000, ScoinsToMint: 500,
	})
	var created server.StakeResponse
	json.Unmarshal(w.Body.Bytes(), &created)

	w = doJSON(t, router, "GET", "/api/v1/cdps/1-1/"+created.Position.CdpID.String())
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var pos cdp.Position
	json.Unmarshal(w.Body.Bytes(), &pos)
	if pos.StakedBcoins != 1000 || pos.OwedScoins != 500 {
		t.Errorf("unexpected position: %+v", pos)
	}
}

func TestGetPosition_NotFound(t *testing.T) {
	_, router := defaultEnv(t)

	missing := cdp.RandomTxID()
	w := doJSON(t, router, "GET", "/api/v1/cdps/1-1/"+missing.String())
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestGetPosition_BadTxID(t *testing.T) {
	_, router := defaultEnv(t)

	w := doJSON(t, router, "GET", "/api/v1/cdps/1-1/nothex")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed txid, got %d", w.Code)
	}
}

func TestListPositions_ByOwner(t *testing.T) {
	_, router := defaultEnv(t)

	doStake(t, router, server.StakeRequest{Owner: "1-1", BcoinsToStake: 100, ScoinsToMint: 50})
	doStake(t, router, server.StakeRequest{Owner: "1-1", BcoinsToStake: 200, ScoinsToMint: 60})
	doStake(t, router, server.StakeRequest{Owner: "2-2", BcoinsToStake: 300, ScoinsToMint: 70})

	w := doJSON(t, router, "GET", "/api/v1/cdps?owner=1-1")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var positions []cdp.Position
	json.Unmarshal(w.Body.Bytes(), &positions)
	if len(positions) != 2 {
		t.Fatalf("expected 2 positions, got %d", len(positions))
	}
	for _, p := range positions {
		if p.Owner != "1-1" {
			t.Errorf("foreign position in listing: %+v", p)
		}
	}
}

func TestListPositions_MissingOwner(t *testing.T) {
	_, router := defaultEnv(t)

	w := doJSON(t, router, "GET", "/api/v1/cdps")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without owner param, got %d", w.Code)
	}
}

// --- Close tests ---

func TestClosePosition(t *testing.T) {
	_, router := defaultEnv(t)

	w := doStake(t, router, server.StakeRequest{
		Owner: "1-1", BcoinsToStake: 1000, ScoinsToMint: 500,
	})
	var created server.StakeResponse
	json.Unmarshal(w.Body.Bytes(), &created)
	path := "/api/v1/cdps/1-1/" + created.Position.CdpID.String()

	w = doJSON(t, router, "DELETE", path)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var final cdp.Position
	json.Unmarshal(w.Body.Bytes(), &final)
	if final.StakedBcoins != 1000 {
		t.Errorf("final state should carry the closed amounts: %+v", final)
	}

	if w = doJSON(t, router, "GET", path); w.Code != http.StatusNotFound {
		t.Errorf("closed position still readable: %d", w.Code)
	}
	if w = doJSON(t, router, "DELETE", path); w.Code != http.StatusNotFound {
		t.Errorf("double close should 404, got %d", w.Code)
	}
}

// --- Liquidation scan tests ---

func TestLiquidatable_RankedWorstFirst(t *testing.T) {
	_, router := defaultEnv(t)

	// Ratios 1.2 and 2.0 at a price of 1.0.
	doStake(t, router, server.StakeRequest{Owner: "1-1", BcoinsToStake: 600, ScoinsToMint: 500})
	doStake(t, router, server.StakeRequest{Owner: "2-2", BcoinsToStake: 1000, ScoinsToMint: 500})

	// Default threshold 1.5: only the 1.2 position qualifies.
	w := doJSON(t, router, "GET", "/api/v1/liquidatable")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp server.LiquidationResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Frozen {
		t.Fatal("scan should not be frozen")
	}
	if len(resp.Candidates) != 1 || resp.Candidates[0].Owner != "1-1" {
		t.Fatalf("unexpected candidates: %+v", resp.Candidates)
	}

	// Raised threshold 2.5: both, worst first.
	w = doJSON(t, router, "GET", "/api/v1/liquidatable?ratio_bps=25000")
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(resp.Candidates))
	}
	if resp.Candidates[0].Owner != "1-1" || resp.Candidates[1].Owner != "2-2" {
		t.Errorf("candidates not ranked worst first: %+v", resp.Candidates)
	}
}

func TestLiquidatable_BadThreshold(t *testing.T) {
	_, router := defaultEnv(t)

	w := doJSON(t, router, "GET", "/api/v1/liquidatable?ratio_bps=abc")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad ratio_bps, got %d", w.Code)
	}
}

func TestLiquidatable_FrozenAtFloor(t *testing.T) {
	_, router := newTestEnv(t, chain.RiskParams{
		LiquidationRatioBps: 15000,
		GlobalFloorBps:      20000,
		CollateralCeiling:   1_000_000_000,
	}, priceUnit)

	// Global ratio lands exactly on the floor.
	doStake(t, router, server.StakeRequest{Owner: "1-1", BcoinsToStake: 1000, ScoinsToMint: 500})

	w := doJSON(t, router, "GET", "/api/v1/liquidatable")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp server.LiquidationResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if !resp.Frozen {
		t.Error("expected frozen=true at the floor")
	}
	if len(resp.Candidates) != 0 {
		t.Errorf("frozen scan returned candidates: %+v", resp.Candidates)
	}
}

func TestLiquidatable_FeedDown(t *testing.T) {
	_, router := newTestEnv(t, chain.RiskParams{
		LiquidationRatioBps: 15000,
		GlobalFloorBps:      8000,
		CollateralCeiling:   1_000_000_000,
	}, 0) // static feed with no price configured

	w := doJSON(t, router, "GET", "/api/v1/liquidatable")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 when the feed is down, got %d", w.Code)
	}
}

// --- Stats tests ---

func TestStats_Snapshot(t *testing.T) {
	_, router := defaultEnv(t)

	doStake(t, router, server.StakeRequest{Owner: "1-1", BcoinsToStake: 1000, ScoinsToMint: 500})
	doStake(t, router, server.StakeRequest{Owner: "2-2", BcoinsToStake: 600, ScoinsToMint: 500})

	w := doJSON(t, router, "GET", "/api/v1/stats")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp server.StatsResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Price != priceUnit {
		t.Errorf("price = %d, want %d", resp.Price, priceUnit)
	}
	if resp.OpenPositions != 2 {
		t.Errorf("open positions = %d, want 2", resp.OpenPositions)
	}
	if resp.TotalStakedBcoins != 1600 || resp.TotalOwedScoins != 1000 {
		t.Errorf("totals = %d/%d, want 1600/1000", resp.TotalStakedBcoins, resp.TotalOwedScoins)
	}
	if resp.GlobalRatioBps != 16000 {
		t.Errorf("global ratio = %d bps, want 16000", resp.GlobalRatioBps)
	}
}

// --- Block lifecycle tests ---

func TestBlocks_CommitThenRollback(t *testing.T) {
	manager, router := defaultEnv(t)

	w := doStake(t, router, server.StakeRequest{
		Owner: "1-1", BcoinsToStake: 1000, ScoinsToMint: 500,
	})
	var kept server.StakeResponse
	json.Unmarshal(w.Body.Bytes(), &kept)

	w = doJSON(t, router, "POST", "/api/v1/blocks/commit")
	if w.Code != http.StatusOK {
		t.Fatalf("commit failed: %d %s", w.Code, w.Body.String())
	}
	var commitResp map[string]int32
	json.Unmarshal(w.Body.Bytes(), &commitResp)
	if commitResp["committed_height"] != 1 || commitResp["next_height"] != 2 {
		t.Fatalf("unexpected commit response: %v", commitResp)
	}

	// Next block: a position that will be rolled back.
	w = doStake(t, router, server.StakeRequest{
		Owner: "2-2", BcoinsToStake: 700, ScoinsToMint: 400,
	})
	var doomed server.StakeResponse
	json.Unmarshal(w.Body.Bytes(), &doomed)

	w = doJSON(t, router, "POST", "/api/v1/blocks/rollback")
	if w.Code != http.StatusOK {
		t.Fatalf("rollback failed: %d %s", w.Code, w.Body.String())
	}

	if w = doJSON(t, router, "GET", "/api/v1/cdps/1-1/"+kept.Position.CdpID.String()); w.Code != http.StatusOK {
		t.Errorf("committed position lost after rollback: %d", w.Code)
	}
	if w = doJSON(t, router, "GET", "/api/v1/cdps/2-2/"+doomed.Position.CdpID.String()); w.Code != http.StatusNotFound {
		t.Errorf("rolled-back position still present: %d", w.Code)
	}
	if manager.Height() != 2 {
		t.Errorf("height = %d, want 2", manager.Height())
	}
}
