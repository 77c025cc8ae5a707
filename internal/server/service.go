// Package server provides the HTTP handlers and business logic for
// staking collateral, closing positions, and querying the ranked
// liquidation index.
//
// Mutations are serialized by the chain state manager; handlers stay
// lock-free.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/lixiaohuiqazwsx/WaykiChain/internal/cdp"
	"github.com/lixiaohuiqazwsx/WaykiChain/internal/chain"
	"github.com/lixiaohuiqazwsx/WaykiChain/internal/metrics"
	"github.com/lixiaohuiqazwsx/WaykiChain/internal/oracle"
)

// Service handles position operations over the chain state manager.
type Service struct {
	manager *chain.StateManager
	feed    oracle.PriceFeed
	wsHub   *WSHub // optional WebSocket hub for real-time broadcasts
}

// NewService creates a new position service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(manager *chain.StateManager, feed oracle.PriceFeed, hub *WSHub) *Service {
	return &Service{
		manager: manager,
		feed:    feed,
		wsHub:   hub,
	}
}

// --- Request/Response types ---

// StakeRequest is the JSON body for POST /stake.
type StakeRequest struct {
	Owner         string `json:"owner"`
	CdpID         string `json:"cdp_id"` // hex txid; empty opens a new position
	BcoinsToStake uint64 `json:"bcoins_to_stake"`
	ScoinsToMint  uint64 `json:"scoins_to_mint"`
}

// StakeResponse is the JSON body returned from POST /stake.
type StakeResponse struct {
	OpID     string       `json:"op_id"`
	Created  bool         `json:"created"`
	Position cdp.Position `json:"position"`
}

// LiquidationResponse is the JSON body returned from GET /liquidatable.
type LiquidationResponse struct {
	Price      uint64         `json:"price"`
	RatioBps   uint64         `json:"ratio_bps"`
	Frozen     bool           `json:"frozen"`
	Candidates []cdp.Position `json:"candidates"`
}

// StatsResponse is the JSON body returned from GET /stats.
type StatsResponse struct {
	Price uint64 `json:"price"`
	chain.Stats
}

// --- HTTP Handlers ---

// Stake handles POST /api/v1/stake
// Applies a stake/mint operation in the block in progress.
func (s *Service) Stake(w http.ResponseWriter, r *http.Request) {
	var req StakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	owner, err := cdp.ParseRegID(req.Owner)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.BcoinsToStake == 0 && req.ScoinsToMint == 0 {
		writeError(w, "nothing to stake or mint", http.StatusBadRequest)
		return
	}

	var cdpID cdp.TxID
	created := false
	if req.CdpID == "" {
		cdpID = cdp.RandomTxID()
		created = true
	} else {
		cdpID, err = cdp.ParseTxID(req.CdpID)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	ctx := r.Context()
	if !created {
		_, found, err := s.manager.Get(ctx, owner, cdpID)
		if err != nil {
			writeError(w, "failed to load position", http.StatusInternalServerError)
			return
		}
		created = !found
	}

	pos, err := s.manager.Stake(ctx, owner, cdpID, req.BcoinsToStake, req.ScoinsToMint)
	switch {
	case errors.Is(err, chain.ErrCeilingReached):
		metrics.RiskRejections.WithLabelValues("ceiling").Inc()
		writeError(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, cdp.ErrZeroDebt):
		metrics.RiskRejections.WithLabelValues("zero_debt").Inc()
		writeError(w, "a new position must mint scoins", http.StatusConflict)
		return
	case errors.Is(err, cdp.ErrAmountOverflow):
		metrics.RiskRejections.WithLabelValues("overflow").Inc()
		writeError(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		writeError(w, "failed to apply stake", http.StatusInternalServerError)
		return
	}

	kind := "restake"
	status := http.StatusOK
	if created {
		kind = "create"
		status = http.StatusCreated
	}
	metrics.StakesTotal.WithLabelValues(kind).Inc()

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:         "stake_applied",
			Owner:        string(pos.Owner),
			CdpID:        pos.CdpID.String(),
			Height:       pos.Height,
			StakedBcoins: strconv.FormatUint(pos.StakedBcoins, 10),
			OwedScoins:   strconv.FormatUint(pos.OwedScoins, 10),
		})
	}

	resp := StakeResponse{
		OpID:     uuid.New().String(),
		Created:  created,
		Position: pos,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

// GetPosition handles GET /api/v1/cdps/{owner}/{cdpID}
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	owner, err := cdp.ParseRegID(chi.URLParam(r, "owner"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	cdpID, err := cdp.ParseTxID(chi.URLParam(r, "cdpID"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	pos, found, err := s.manager.Get(r.Context(), owner, cdpID)
	if err != nil {
		writeError(w, "failed to load position", http.StatusInternalServerError)
		return
	}
	if !found {
		writeError(w, "position not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(pos)
}

// ListPositions handles GET /api/v1/cdps?owner=<regid>
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	owner, err := cdp.ParseRegID(r.URL.Query().Get("owner"))
	if err != nil {
		writeError(w, "owner query parameter is required: "+err.Error(), http.StatusBadRequest)
		return
	}

	positions, err := s.manager.ListByOwner(r.Context(), owner)
	if err != nil {
		writeError(w, "failed to list positions", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []cdp.Position{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(positions)
}

// ClosePosition handles DELETE /api/v1/cdps/{owner}/{cdpID}
// Removes the position in the block in progress and returns its final state.
func (s *Service) ClosePosition(w http.ResponseWriter, r *http.Request) {
	owner, err := cdp.ParseRegID(chi.URLParam(r, "owner"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	cdpID, err := cdp.ParseTxID(chi.URLParam(r, "cdpID"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	pos, err := s.manager.Close(r.Context(), owner, cdpID)
	if errors.Is(err, chain.ErrNotFound) {
		writeError(w, "position not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to close position", http.StatusInternalServerError)
		return
	}
	metrics.ClosesTotal.Inc()

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:         "position_closed",
			Owner:        string(pos.Owner),
			CdpID:        pos.CdpID.String(),
			StakedBcoins: strconv.FormatUint(pos.StakedBcoins, 10),
			OwedScoins:   strconv.FormatUint(pos.OwedScoins, 10),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(pos)
}

// LiquidationCandidates handles GET /api/v1/liquidatable
// Returns positions under the liquidation ratio at the current oracle
// price, worst first. An optional ?ratio_bps= overrides the configured
// threshold.
func (s *Service) LiquidationCandidates(w http.ResponseWriter, r *http.Request) {
	ratioBps := s.manager.Risk().LiquidationRatioBps
	if raw := r.URL.Query().Get("ratio_bps"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil || parsed == 0 {
			writeError(w, "ratio_bps must be a positive integer", http.StatusBadRequest)
			return
		}
		ratioBps = parsed
	}

	price, err := s.feed.BcoinMedianPrice(r.Context())
	if err != nil {
		writeError(w, "price feed unavailable", http.StatusServiceUnavailable)
		return
	}

	start := time.Now()
	candidates, frozen, err := s.manager.LiquidationCandidates(ratioBps, price)
	if err != nil {
		writeError(w, "liquidation scan failed", http.StatusInternalServerError)
		return
	}
	metrics.LiquidationScanDuration.Observe(time.Since(start).Seconds())

	if candidates == nil {
		candidates = []cdp.Position{}
	}
	resp := LiquidationResponse{
		Price:      price,
		RatioBps:   ratioBps,
		Frozen:     frozen,
		Candidates: candidates,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// GetStats handles GET /api/v1/stats
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	price, err := s.feed.BcoinMedianPrice(r.Context())
	if err != nil {
		writeError(w, "price feed unavailable", http.StatusServiceUnavailable)
		return
	}

	stats, err := s.manager.Stats(r.Context(), price)
	if err != nil {
		writeError(w, "failed to compute stats", http.StatusInternalServerError)
		return
	}

	metrics.OpenPositions.Set(float64(stats.OpenPositions))
	metrics.TotalStakedBcoins.Set(float64(stats.TotalStakedBcoins))
	metrics.TotalOwedScoins.Set(float64(stats.TotalOwedScoins))
	if stats.GlobalRatioBps != cdp.RatioInfinite {
		metrics.GlobalRatioBps.Set(float64(stats.GlobalRatioBps))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(StatsResponse{Price: price, Stats: stats})
}

// CommitBlock handles POST /api/v1/blocks/commit
// Finalizes the block in progress and starts the next one.
func (s *Service) CommitBlock(w http.ResponseWriter, r *http.Request) {
	committed, err := s.manager.Commit(r.Context())
	if err != nil {
		writeError(w, "commit failed", http.StatusInternalServerError)
		return
	}
	metrics.BlocksTotal.WithLabelValues("commit").Inc()

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{Type: "block_committed", Height: committed})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int32{
		"committed_height": committed,
		"next_height":      committed + 1,
	})
}

// RollbackBlock handles POST /api/v1/blocks/rollback
// Discards the block in progress and restores the committed state.
func (s *Service) RollbackBlock(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Rollback(r.Context()); err != nil {
		writeError(w, "rollback failed", http.StatusInternalServerError)
		return
	}
	metrics.BlocksTotal.WithLabelValues("rollback").Inc()

	height := s.manager.Height()
	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{Type: "block_rolled_back", Height: height})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int32{"height": height})
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
