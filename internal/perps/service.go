// Package perps provides the HTTP handlers and state machine for perpetual
// positions: open, value, collateral adjustment, close, liquidation, plus
// pool liquidity and swaps. Margin arithmetic runs through the confidential
// computer; the service sequences legal transitions and keeps the custody
// and pool aggregates consistent with every position mutation.
//
// USD amounts cross the HTTP edge as shopspring decimals and are converted
// to 8-decimal fixed point at the boundary — never float64 for money.
package perps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/veildex/engine/internal/custody"
	"github.com/veildex/engine/internal/margin"
	"github.com/veildex/engine/internal/metrics"
	"github.com/veildex/engine/internal/model"
	"github.com/veildex/engine/internal/mpc"
	"github.com/veildex/engine/internal/oracle"
	"github.com/veildex/engine/internal/store"
	"github.com/veildex/engine/internal/stream"
)

var (
	// ErrInvalidPositionOwner is returned when the caller does not own the
	// position being mutated.
	ErrInvalidPositionOwner = errors.New("perps: invalid position owner")

	// ErrPositionClosed is returned for operations on a position that has
	// already closed or been liquidated.
	ErrPositionClosed = errors.New("perps: position already closed")

	// ErrNotLiquidatable is returned when a liquidation is attempted on a
	// position above the maintenance margin.
	ErrNotLiquidatable = errors.New("perps: position not liquidatable")
)

// Config carries the open-time leverage gate and trade spread.
type Config struct {
	// MinInitialLeverageBps and MaxInitialLeverageBps bound leverage at
	// open time (bps; 10000 = 1x).
	MinInitialLeverageBps uint64
	MaxInitialLeverageBps uint64
	// SpreadBps is applied to the oracle price on entry and exit.
	SpreadBps uint64
	// PoolName identifies the liquidity pool snapshot in the store.
	PoolName string
}

// Service handles position operations. Uses a mutex for serialized
// execution (single-instance); custody and pool aggregates are loaded,
// mutated, and saved under it.
type Service struct {
	store    store.Store
	computer mpc.Computer
	prices   oracle.PriceSource
	cfg      Config
	mu       sync.Mutex
	hub      *stream.Hub // optional WebSocket hub for real-time broadcasts
}

// NewService creates a new perps service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, computer mpc.Computer, prices oracle.PriceSource, cfg Config, hub *stream.Hub) *Service {
	return &Service{
		store:    st,
		computer: computer,
		prices:   prices,
		cfg:      cfg,
		hub:      hub,
	}
}

// --- Request/Response types ---

// OpenPositionRequest is the JSON body for POST /positions.
type OpenPositionRequest struct {
	Owner         string          `json:"owner"`
	Asset         string          `json:"asset"`
	Side          string          `json:"side"` // "long" or "short"
	SizeUSD       decimal.Decimal `json:"size_usd"`
	CollateralUSD decimal.Decimal `json:"collateral_usd"`
}

// PositionView is the JSON projection of a position.
type PositionView struct {
	ID               string          `json:"id"`
	Owner            string          `json:"owner"`
	Asset            string          `json:"asset"`
	Side             string          `json:"side"`
	SizeUSD          decimal.Decimal `json:"size_usd"`
	CollateralUSD    decimal.Decimal `json:"collateral_usd"`
	EntryPrice       decimal.Decimal `json:"entry_price"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price"`
	LeverageBps      uint64          `json:"leverage_bps"`
	Status           string          `json:"status"`
	RealizedPnL      decimal.Decimal `json:"realized_pnl"`
	OpenedAt         time.Time       `json:"opened_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	ClosedAt         *time.Time      `json:"closed_at,omitempty"`
}

func positionView(p *model.PositionRecord) PositionView {
	lev, _ := p.Leverage()
	return PositionView{
		ID:               p.ID.String(),
		Owner:            p.Owner,
		Asset:            p.Asset,
		Side:             p.Side.String(),
		SizeUSD:          model.DecimalFromUSD(p.SizeUSD),
		CollateralUSD:    model.DecimalFromUSD(p.CollateralUSD),
		EntryPrice:       model.DecimalFromUSD(p.EntryPrice),
		LiquidationPrice: model.DecimalFromUSD(p.LiquidationPrice),
		LeverageBps:      lev,
		Status:           p.Status.String(),
		RealizedPnL:      model.DecimalFromPnL(p.RealizedPnL),
		OpenedAt:         p.OpenedAt,
		UpdatedAt:        p.UpdatedAt,
		ClosedAt:         p.ClosedAt,
	}
}

// CollateralRequest is the JSON body for collateral add/remove.
type CollateralRequest struct {
	Owner     string          `json:"owner"`
	AmountUSD decimal.Decimal `json:"amount_usd"`
}

// OwnerRequest is the JSON body for close.
type OwnerRequest struct {
	Owner string `json:"owner"`
}

// LiquidityRequest is the JSON body for liquidity add/remove.
type LiquidityRequest struct {
	Asset     string          `json:"asset"`
	AmountUSD decimal.Decimal `json:"amount_usd"`
}

// SwapRequest is the JSON body for POST /swap.
type SwapRequest struct {
	AssetIn   string          `json:"asset_in"`
	AssetOut  string          `json:"asset_out"`
	AmountUSD decimal.Decimal `json:"amount_usd"`
}

// --- HTTP Handlers ---

// Quote handles GET /api/v1/quote?asset=SOL&side=long&size_usd=...&collateral_usd=...
// Returns the spread-adjusted entry price, leverage, liquidation price, and
// open fee without committing anything.
func (s *Service) Quote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	asset := q.Get("asset")
	side, err := margin.ParseSide(q.Get("side"))
	if err != nil {
		writeError(w, "side must be long or short", http.StatusBadRequest)
		return
	}
	sizeUSD, err := parseUSDParam(q.Get("size_usd"))
	if err != nil {
		writeError(w, "invalid size_usd", http.StatusBadRequest)
		return
	}
	collateralUSD, err := parseUSDParam(q.Get("collateral_usd"))
	if err != nil {
		writeError(w, "invalid collateral_usd", http.StatusBadRequest)
		return
	}

	price, err := s.prices.Price(asset)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	entryPrice, err := margin.EntryPrice(price, side, s.cfg.SpreadBps)
	if err != nil {
		writeError(w, "quote overflow", http.StatusInternalServerError)
		return
	}
	leverage, err := margin.Leverage(sizeUSD, collateralUSD)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	liqPrice, err := margin.LiquidationPrice(entryPrice, side, leverage)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var openFee uint64
	if snap, err := s.store.GetCustody(r.Context(), asset); err == nil {
		if rate, err := margin.FeeRate(snap.Fees, snap.Rates.OpenPosition, snap.LockedUSD, snap.OwnedUSD); err == nil {
			openFee, _ = margin.Fee(sizeUSD, rate)
		}
	}

	resp := map[string]interface{}{
		"asset":             asset,
		"side":              side.String(),
		"oracle_price":      model.DecimalFromUSD(price),
		"entry_price":       model.DecimalFromUSD(entryPrice),
		"leverage_bps":      leverage,
		"liquidation_price": model.DecimalFromUSD(liqPrice),
		"open_fee_usd":      model.DecimalFromUSD(openFee),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// OpenPosition handles POST /api/v1/positions
func (s *Service) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var req OpenPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Owner == "" {
		writeError(w, "owner is required", http.StatusBadRequest)
		return
	}
	side, err := margin.ParseSide(req.Side)
	if err != nil {
		writeError(w, "side must be long or short", http.StatusBadRequest)
		return
	}
	sizeUSD, err := model.USDFromDecimal(req.SizeUSD)
	if err != nil || sizeUSD == 0 {
		writeError(w, "invalid size_usd", http.StatusBadRequest)
		return
	}
	collateralUSD, err := model.USDFromDecimal(req.CollateralUSD)
	if err != nil || collateralUSD == 0 {
		writeError(w, "invalid collateral_usd", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	s.mu.Lock()
	defer s.mu.Unlock()

	price, err := s.prices.Price(req.Asset)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	entryPrice, err := margin.EntryPrice(price, side, s.cfg.SpreadBps)
	if err != nil {
		writeError(w, "entry price overflow", http.StatusInternalServerError)
		return
	}

	leverage, err := margin.Leverage(sizeUSD, collateralUSD)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := margin.ValidateLeverage(leverage, s.cfg.MinInitialLeverageBps, s.cfg.MaxInitialLeverageBps); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	snap, err := s.store.GetCustody(ctx, req.Asset)
	if err != nil {
		writeError(w, "no custody for asset: "+req.Asset, http.StatusNotFound)
		return
	}
	cust := custody.FromSnapshot(snap)

	if err := cust.LockForPosition(sizeUSD); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}
	openFee, err := cust.RecordOpen(sizeUSD)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// Confidential validation and liquidation price; nothing is saved if
	// the computation aborts.
	liqPrice, err := s.computer.OpenPosition(ctx, sizeUSD, collateralUSD, entryPrice, side, leverage)
	if err != nil {
		if errors.Is(err, margin.ErrInsufficientCollateral) {
			writeError(w, err.Error(), http.StatusConflict)
			return
		}
		metrics.ComputationAborts.WithLabelValues("open_position").Inc()
		writeError(w, "open computation aborted", http.StatusBadGateway)
		return
	}

	now := time.Now().UTC()
	position := &model.PositionRecord{
		ID:               uuid.New(),
		Owner:            req.Owner,
		Asset:            req.Asset,
		Side:             side,
		SizeUSD:          sizeUSD,
		CollateralUSD:    collateralUSD,
		EntryPrice:       entryPrice,
		LiquidationPrice: liqPrice,
		Status:           model.PositionOpen,
		OpenedAt:         now,
		UpdatedAt:        now,
	}

	if err := s.store.CreatePosition(ctx, position); err != nil {
		writeError(w, "failed to create position", http.StatusInternalServerError)
		return
	}
	if err := s.saveCustody(ctx, snap, cust); err != nil {
		writeError(w, "failed to commit custody", http.StatusInternalServerError)
		return
	}

	metrics.PositionsOpened.WithLabelValues(req.Asset, side.String()).Inc()
	metrics.CustodyLocked.WithLabelValues(req.Asset).Set(float64(cust.LockedUSD()) / 1e8)
	slog.Info("position opened",
		"id", position.ID,
		"owner", req.Owner,
		"asset", req.Asset,
		"side", side.String(),
		"size", req.SizeUSD.String(),
		"leverage_bps", leverage,
		"entry_price", model.DecimalFromUSD(entryPrice).String(),
		"open_fee", model.DecimalFromUSD(openFee).String(),
	)

	s.broadcast(stream.Event{
		Type:       "position_opened",
		PositionID: position.ID.String(),
		Asset:      req.Asset,
		Side:       side.String(),
		SizeUSD:    req.SizeUSD.String(),
		Price:      model.DecimalFromUSD(entryPrice).String(),
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(positionView(position))
}

// GetPosition handles GET /api/v1/positions/{positionID}
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	position, ok := s.loadPosition(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(positionView(position))
}

// ListPositions handles GET /api/v1/owners/{owner}/positions
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")

	positions, err := s.store.ListPositionsByOwner(r.Context(), owner)
	if err != nil {
		writeError(w, "failed to list positions", http.StatusInternalServerError)
		return
	}

	views := make([]PositionView, 0, len(positions))
	for i := range positions {
		views = append(views, positionView(&positions[i]))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(views)
}

// GetValue handles GET /api/v1/positions/{positionID}/value
// Marks the position to the current oracle price.
func (s *Service) GetValue(w http.ResponseWriter, r *http.Request) {
	position, ok := s.loadPosition(w, r)
	if !ok {
		return
	}

	price, err := s.prices.Price(position.Asset)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	value, err := s.computer.PositionValue(r.Context(), position.SizeUSD, position.CollateralUSD,
		position.EntryPrice, price, position.Side)
	if err != nil {
		metrics.ComputationAborts.WithLabelValues("position_value").Inc()
		writeError(w, "value computation aborted", http.StatusBadGateway)
		return
	}

	resp := map[string]interface{}{
		"position_id":   position.ID.String(),
		"current_price": model.DecimalFromUSD(price),
		"current_value": model.DecimalFromUSD(value.CurrentValue),
		"pnl":           model.DecimalFromPnL(value.PnL),
		"liquidatable":  value.Liquidatable,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// AddCollateral handles POST /api/v1/positions/{positionID}/collateral/add
func (s *Service) AddCollateral(w http.ResponseWriter, r *http.Request) {
	var req CollateralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	amount, err := model.USDFromDecimal(req.AmountUSD)
	if err != nil || amount == 0 {
		writeError(w, "invalid amount_usd", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	position, ok := s.loadPosition(w, r)
	if !ok {
		return
	}
	if err := s.mutationAllowed(position, req.Owner); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	ctx := r.Context()
	newCollateral, newLeverage, err := s.computer.AddCollateral(ctx, position.CollateralUSD, amount, position.SizeUSD)
	if err != nil {
		metrics.ComputationAborts.WithLabelValues("add_collateral").Inc()
		writeError(w, "collateral computation aborted", http.StatusBadGateway)
		return
	}

	// Liquidation price tracks the new leverage; always recomputed fresh.
	liqPrice, err := margin.LiquidationPrice(position.EntryPrice, position.Side, newLeverage)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	position.CollateralUSD = newCollateral
	position.LiquidationPrice = liqPrice
	position.UpdatedAt = time.Now().UTC()

	if err := s.store.UpdatePosition(ctx, position); err != nil {
		writeError(w, "failed to commit collateral change", http.StatusInternalServerError)
		return
	}

	slog.Info("collateral added",
		"position", position.ID,
		"amount", req.AmountUSD.String(),
		"new_leverage_bps", newLeverage,
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(positionView(position))
}

// RemoveCollateral handles POST /api/v1/positions/{positionID}/collateral/remove
// Refuses wholesale when the removal would breach the 5% margin floor.
func (s *Service) RemoveCollateral(w http.ResponseWriter, r *http.Request) {
	var req CollateralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	amount, err := model.USDFromDecimal(req.AmountUSD)
	if err != nil || amount == 0 {
		writeError(w, "invalid amount_usd", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	position, ok := s.loadPosition(w, r)
	if !ok {
		return
	}
	if err := s.mutationAllowed(position, req.Owner); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	ctx := r.Context()
	change, err := s.computer.RemoveCollateral(ctx, position.CollateralUSD, amount, position.SizeUSD)
	if err != nil {
		metrics.ComputationAborts.WithLabelValues("remove_collateral").Inc()
		writeError(w, "collateral computation aborted", http.StatusBadGateway)
		return
	}
	if !change.CanRemove {
		writeError(w, margin.ErrInsufficientCollateral.Error()+": removal would breach margin floor", http.StatusConflict)
		return
	}

	liqPrice, err := margin.LiquidationPrice(position.EntryPrice, position.Side, change.NewLeverageBps)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	position.CollateralUSD = change.NewCollateral
	position.LiquidationPrice = liqPrice
	position.UpdatedAt = time.Now().UTC()

	if err := s.store.UpdatePosition(ctx, position); err != nil {
		writeError(w, "failed to commit collateral change", http.StatusInternalServerError)
		return
	}

	slog.Info("collateral removed",
		"position", position.ID,
		"amount", req.AmountUSD.String(),
		"new_leverage_bps", change.NewLeverageBps,
	)

	resp := map[string]interface{}{
		"position":    positionView(position),
		"removed_usd": model.DecimalFromUSD(change.Removed),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// ClosePosition handles POST /api/v1/positions/{positionID}/close
func (s *Service) ClosePosition(w http.ResponseWriter, r *http.Request) {
	var req OwnerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	position, ok := s.loadPosition(w, r)
	if !ok {
		return
	}
	if err := s.mutationAllowed(position, req.Owner); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	ctx := r.Context()
	price, err := s.prices.Price(position.Asset)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	exitPrice, err := margin.ExitPrice(price, position.Side, s.cfg.SpreadBps)
	if err != nil {
		writeError(w, "exit price overflow", http.StatusInternalServerError)
		return
	}

	result, err := s.computer.ClosePosition(ctx, position.SizeUSD, position.CollateralUSD,
		position.EntryPrice, exitPrice, position.Side)
	if err != nil {
		metrics.ComputationAborts.WithLabelValues("close_position").Inc()
		writeError(w, "close computation aborted", http.StatusBadGateway)
		return
	}
	if !result.CanClose {
		writeError(w, "position is underwater and can only be liquidated", http.StatusConflict)
		return
	}

	snap, err := s.store.GetCustody(ctx, position.Asset)
	if err != nil {
		writeError(w, "no custody for asset: "+position.Asset, http.StatusInternalServerError)
		return
	}
	cust := custody.FromSnapshot(snap)
	closeFee, err := cust.RecordClose(position.SizeUSD, result.RealizedPnL)
	if err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	now := time.Now().UTC()
	position.Status = model.PositionClosed
	position.RealizedPnL = result.RealizedPnL
	position.UpdatedAt = now
	position.ClosedAt = &now

	if err := s.store.UpdatePosition(ctx, position); err != nil {
		writeError(w, "failed to commit close", http.StatusInternalServerError)
		return
	}
	if err := s.saveCustody(ctx, snap, cust); err != nil {
		writeError(w, "failed to commit custody", http.StatusInternalServerError)
		return
	}

	metrics.PositionsClosed.WithLabelValues(position.Asset, "closed").Inc()
	metrics.CustodyLocked.WithLabelValues(position.Asset).Set(float64(cust.LockedUSD()) / 1e8)
	slog.Info("position closed",
		"position", position.ID,
		"exit_price", model.DecimalFromUSD(exitPrice).String(),
		"pnl", model.DecimalFromPnL(result.RealizedPnL).String(),
		"final_balance", model.DecimalFromUSD(result.FinalBalance).String(),
		"close_fee", model.DecimalFromUSD(closeFee).String(),
	)

	s.broadcast(stream.Event{
		Type:       "position_closed",
		PositionID: position.ID.String(),
		Asset:      position.Asset,
		Price:      model.DecimalFromUSD(exitPrice).String(),
		PnL:        model.DecimalFromPnL(result.RealizedPnL).String(),
	})

	resp := map[string]interface{}{
		"position":          positionView(position),
		"final_balance_usd": model.DecimalFromUSD(result.FinalBalance),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// Liquidate handles POST /api/v1/positions/{positionID}/liquidate
// Anyone may call it; the maintenance-margin check decides.
func (s *Service) Liquidate(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	position, ok := s.loadPosition(w, r)
	if !ok {
		return
	}
	if position.Status != model.PositionOpen {
		writeError(w, ErrPositionClosed.Error(), http.StatusConflict)
		return
	}

	ctx := r.Context()
	price, err := s.prices.Price(position.Asset)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := s.liquidatePosition(ctx, position, price)
	switch {
	case errors.Is(err, ErrNotLiquidatable):
		writeError(w, ErrNotLiquidatable.Error(), http.StatusConflict)
		return
	case errors.Is(err, mpc.ErrAborted):
		writeError(w, "liquidation computation aborted", http.StatusBadGateway)
		return
	case errors.Is(err, margin.ErrMathOverflow), errors.Is(err, custody.ErrInsufficientLiquidity):
		writeError(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := map[string]interface{}{
		"position":      positionView(position),
		"remaining_usd": model.DecimalFromUSD(result.RemainingCollateral),
		"penalty_usd":   model.DecimalFromUSD(result.Penalty),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// liquidatePosition runs the liquidation computation for one open position
// and, when it is below maintenance margin, commits the settlement to the
// position record and the custody and pool aggregates. Returns
// ErrNotLiquidatable when the position is still above maintenance margin;
// on any error nothing is committed. Caller holds s.mu.
func (s *Service) liquidatePosition(ctx context.Context, position *model.PositionRecord, price uint64) (margin.LiquidationResult, error) {
	result, err := s.computer.Liquidate(ctx, position.SizeUSD, position.CollateralUSD,
		position.EntryPrice, price, position.Side)
	if err != nil {
		metrics.ComputationAborts.WithLabelValues("liquidate").Inc()
		return margin.LiquidationResult{}, err
	}
	if !result.Liquidatable {
		return margin.LiquidationResult{}, ErrNotLiquidatable
	}

	snap, err := s.store.GetCustody(ctx, position.Asset)
	if err != nil {
		return margin.LiquidationResult{}, fmt.Errorf("no custody for asset %s: %w", position.Asset, err)
	}
	cust := custody.FromSnapshot(snap)
	if err := cust.RecordLiquidation(position.SizeUSD, position.CollateralUSD,
		result.RemainingCollateral, result.Penalty); err != nil {
		return margin.LiquidationResult{}, err
	}

	now := time.Now().UTC()
	position.Status = model.PositionLiquidated
	position.RealizedPnL = pnlFromSettlement(position.CollateralUSD, result.RemainingCollateral)
	position.UpdatedAt = now
	position.ClosedAt = &now

	if err := s.store.UpdatePosition(ctx, position); err != nil {
		return margin.LiquidationResult{}, fmt.Errorf("failed to commit liquidation: %w", err)
	}
	if err := s.saveCustody(ctx, snap, cust); err != nil {
		return margin.LiquidationResult{}, fmt.Errorf("failed to commit custody: %w", err)
	}

	metrics.PositionsClosed.WithLabelValues(position.Asset, "liquidated").Inc()
	metrics.CustodyLocked.WithLabelValues(position.Asset).Set(float64(cust.LockedUSD()) / 1e8)
	slog.Info("position liquidated",
		"position", position.ID,
		"price", model.DecimalFromUSD(price).String(),
		"remaining", model.DecimalFromUSD(result.RemainingCollateral).String(),
		"penalty", model.DecimalFromUSD(result.Penalty).String(),
	)

	s.broadcast(stream.Event{
		Type:       "position_liquidated",
		PositionID: position.ID.String(),
		Asset:      position.Asset,
		Price:      model.DecimalFromUSD(price).String(),
	})
	return result, nil
}

// SweepLiquidations scans every open position against the current oracle
// price and liquidates those below maintenance margin. Assets without a
// usable price are skipped. Returns the number of positions liquidated.
func (s *Service) SweepLiquidations(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snaps, err := s.store.ListCustodies(ctx)
	if err != nil {
		return 0, err
	}

	liquidated := 0
	for _, snap := range snaps {
		price, err := s.prices.Price(snap.Asset)
		if err != nil {
			slog.Warn("sweep skipping asset without price", "asset", snap.Asset, "err", err)
			continue
		}
		positions, err := s.store.ListOpenPositions(ctx, snap.Asset)
		if err != nil {
			return liquidated, err
		}
		for i := range positions {
			_, err := s.liquidatePosition(ctx, &positions[i], price)
			if errors.Is(err, ErrNotLiquidatable) {
				continue
			}
			if err != nil {
				return liquidated, err
			}
			liquidated++
		}
	}
	return liquidated, nil
}

// RunSweeper periodically runs SweepLiquidations until ctx is canceled.
// Intended to run in its own goroutine.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.SweepLiquidations(ctx)
			if err != nil {
				slog.Error("liquidation sweep failed", "err", err)
				continue
			}
			if n > 0 {
				slog.Info("liquidation sweep", "liquidated", n)
			}
		}
	}
}

// AddLiquidity handles POST /api/v1/liquidity/add
func (s *Service) AddLiquidity(w http.ResponseWriter, r *http.Request) {
	var req LiquidityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	amount, err := model.USDFromDecimal(req.AmountUSD)
	if err != nil || amount == 0 {
		writeError(w, "invalid amount_usd", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := r.Context()
	snap, err := s.store.GetCustody(ctx, req.Asset)
	if err != nil {
		writeError(w, "no custody for asset: "+req.Asset, http.StatusNotFound)
		return
	}
	cust := custody.FromSnapshot(snap)

	fee, err := cust.AddLiquidity(amount)
	if err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}
	if err := s.saveCustody(ctx, snap, cust); err != nil {
		writeError(w, "failed to commit custody", http.StatusInternalServerError)
		return
	}

	slog.Info("liquidity added",
		"asset", req.Asset,
		"amount", req.AmountUSD.String(),
		"fee", model.DecimalFromUSD(fee).String(),
	)

	resp := map[string]interface{}{
		"asset":     req.Asset,
		"fee_usd":   model.DecimalFromUSD(fee),
		"owned_usd": model.DecimalFromUSD(cust.OwnedUSD()),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// RemoveLiquidity handles POST /api/v1/liquidity/remove
func (s *Service) RemoveLiquidity(w http.ResponseWriter, r *http.Request) {
	var req LiquidityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	amount, err := model.USDFromDecimal(req.AmountUSD)
	if err != nil || amount == 0 {
		writeError(w, "invalid amount_usd", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := r.Context()
	snap, err := s.store.GetCustody(ctx, req.Asset)
	if err != nil {
		writeError(w, "no custody for asset: "+req.Asset, http.StatusNotFound)
		return
	}
	cust := custody.FromSnapshot(snap)

	net, fee, err := cust.RemoveLiquidity(amount)
	if err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}
	if err := s.saveCustody(ctx, snap, cust); err != nil {
		writeError(w, "failed to commit custody", http.StatusInternalServerError)
		return
	}

	slog.Info("liquidity removed",
		"asset", req.Asset,
		"amount", req.AmountUSD.String(),
		"net", model.DecimalFromUSD(net).String(),
		"fee", model.DecimalFromUSD(fee).String(),
	)

	resp := map[string]interface{}{
		"asset":     req.Asset,
		"net_usd":   model.DecimalFromUSD(net),
		"fee_usd":   model.DecimalFromUSD(fee),
		"owned_usd": model.DecimalFromUSD(cust.OwnedUSD()),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// Swap handles POST /api/v1/swap
// Charges an entry fee on the input custody, converts with a 2% haircut,
// and charges an exit fee on the output custody.
func (s *Service) Swap(w http.ResponseWriter, r *http.Request) {
	var req SwapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.AssetIn == req.AssetOut {
		writeError(w, "asset_in and asset_out must differ", http.StatusBadRequest)
		return
	}
	amount, err := model.USDFromDecimal(req.AmountUSD)
	if err != nil || amount == 0 {
		writeError(w, "invalid amount_usd", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := r.Context()
	snapIn, err := s.store.GetCustody(ctx, req.AssetIn)
	if err != nil {
		writeError(w, "no custody for asset: "+req.AssetIn, http.StatusNotFound)
		return
	}
	snapOut, err := s.store.GetCustody(ctx, req.AssetOut)
	if err != nil {
		writeError(w, "no custody for asset: "+req.AssetOut, http.StatusNotFound)
		return
	}
	custIn := custody.FromSnapshot(snapIn)
	custOut := custody.FromSnapshot(snapOut)

	// Stage both legs before committing either.
	feeIn, netIn, err := custIn.QuoteSwapIn(amount)
	if err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}
	gross, feeOut, netOut, err := custOut.QuoteSwapOut(netIn)
	if err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	if err := custIn.CommitSwapIn(amount, feeIn, netIn); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}
	if err := custOut.CommitSwapOut(gross, feeOut, netOut); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	if err := s.saveCustody(ctx, snapIn, custIn); err != nil {
		writeError(w, "failed to commit custody", http.StatusInternalServerError)
		return
	}
	if err := s.saveCustody(ctx, snapOut, custOut); err != nil {
		writeError(w, "failed to commit custody", http.StatusInternalServerError)
		return
	}

	slog.Info("swap executed",
		"asset_in", req.AssetIn,
		"asset_out", req.AssetOut,
		"amount", req.AmountUSD.String(),
		"net_out", model.DecimalFromUSD(netOut).String(),
		"fee_in", model.DecimalFromUSD(feeIn).String(),
		"fee_out", model.DecimalFromUSD(feeOut).String(),
	)

	resp := map[string]interface{}{
		"asset_in":    req.AssetIn,
		"asset_out":   req.AssetOut,
		"net_out_usd": model.DecimalFromUSD(netOut),
		"fee_in_usd":  model.DecimalFromUSD(feeIn),
		"fee_out_usd": model.DecimalFromUSD(feeOut),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// GetPool handles GET /api/v1/pool
// Returns the pool AUM and per-asset custody snapshots.
func (s *Service) GetPool(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	pool, err := s.store.GetPool(ctx, s.cfg.PoolName)
	if err != nil {
		writeError(w, "pool not found", http.StatusNotFound)
		return
	}
	custodies, err := s.store.ListCustodies(ctx)
	if err != nil {
		writeError(w, "failed to list custodies", http.StatusInternalServerError)
		return
	}

	views := make([]map[string]interface{}, 0, len(custodies))
	for _, snap := range custodies {
		views = append(views, map[string]interface{}{
			"asset":              snap.Asset,
			"owned_usd":          model.DecimalFromUSD(snap.OwnedUSD),
			"locked_usd":         model.DecimalFromUSD(snap.LockedUSD),
			"collected_fees_usd": model.DecimalFromUSD(snap.CollectedFees),
			"volume":             snap.Volume,
			"trades":             snap.Trades,
		})
	}

	resp := map[string]interface{}{
		"name":      pool.Name,
		"aum_usd":   model.DecimalFromUSD(pool.AUMUSD),
		"custodies": views,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// --- Helpers ---

func (s *Service) loadPosition(w http.ResponseWriter, r *http.Request) (*model.PositionRecord, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "positionID"))
	if err != nil {
		writeError(w, "invalid position id", http.StatusBadRequest)
		return nil, false
	}

	position, err := s.store.GetPosition(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "position not found", http.StatusNotFound)
		} else {
			writeError(w, "failed to load position", http.StatusInternalServerError)
		}
		return nil, false
	}
	return position, true
}

// mutationAllowed guards owner-scoped position mutations.
func (s *Service) mutationAllowed(p *model.PositionRecord, owner string) error {
	if p.Status != model.PositionOpen {
		return fmt.Errorf("%w: status %s", ErrPositionClosed, p.Status)
	}
	if p.Owner != owner {
		return ErrInvalidPositionOwner
	}
	return nil
}

func (s *Service) broadcast(e stream.Event) {
	if s.hub != nil {
		s.hub.Broadcast(e)
	}
}

// saveCustody persists the mutated custody and keeps the pool AUM in step
// with the custody's owned+fee delta.
func (s *Service) saveCustody(ctx context.Context, before custody.Snapshot, cust *custody.Custody) error {
	after := cust.Snapshot()
	if err := s.store.SaveCustody(ctx, after); err != nil {
		return err
	}

	pool, err := s.store.GetPool(ctx, s.cfg.PoolName)
	if err != nil {
		return err
	}
	p := custody.PoolFromSnapshot(pool)

	beforeTotal := before.OwnedUSD + before.CollectedFees
	afterTotal := after.OwnedUSD + after.CollectedFees
	if afterTotal >= beforeTotal {
		err = p.AddAUM(afterTotal - beforeTotal)
	} else {
		err = p.SubAUM(beforeTotal - afterTotal)
	}
	if err != nil {
		return err
	}
	if err := s.store.SavePool(ctx, p.Snapshot()); err != nil {
		return err
	}
	metrics.PoolAUM.Set(float64(p.AUMUSD()) / 1e8)
	return nil
}

// pnlFromSettlement books the realized loss of a liquidation: what came
// back minus what was posted.
func pnlFromSettlement(collateralUSD, remainingUSD uint64) int64 {
	if remainingUSD >= collateralUSD {
		return int64(remainingUSD - collateralUSD)
	}
	return -int64(collateralUSD - remainingUSD)
}

func parseUSDParam(v string) (uint64, error) {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return 0, err
	}
	return model.USDFromDecimal(d)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
