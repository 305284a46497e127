// Package custody tracks the liquidity backing one tradable asset: owned
// liquidity, the slice locked by open positions, collected fees, and volume
// counters. All mutation goes through a narrow API that stages every checked
// computation before committing, so a failed operation leaves the aggregate
// untouched.
package custody

import (
	"errors"
	"fmt"

	"github.com/veildex/engine/internal/margin"
)

var (
	// ErrLockedLimitExceeded is returned when locking liquidity for a
	// position would breach a per-position or total lock limit.
	ErrLockedLimitExceeded = errors.New("custody: locked limit exceeded")

	// ErrInsufficientLiquidity is returned when an operation needs more
	// free liquidity than the custody holds.
	ErrInsufficientLiquidity = errors.New("custody: insufficient liquidity")
)

// swapHaircutNum/swapHaircutDen apply the 98/100 haircut to swap output
// before the exit fee.
const (
	swapHaircutNum = 98
	swapHaircutDen = 100
)

// Limits bound how much liquidity positions may lock.
type Limits struct {
	// MaxPositionLockedUSD caps the size of one position (0 = unlimited).
	MaxPositionLockedUSD uint64 `json:"max_position_locked_usd"`
	// MaxTotalLockedUSD caps the sum of all locks (0 = unlimited).
	MaxTotalLockedUSD uint64 `json:"max_total_locked_usd"`
}

// Rates are the base fee rates per operation, in bps.
type Rates struct {
	AddLiquidity    uint64 `json:"add_liquidity"`
	RemoveLiquidity uint64 `json:"remove_liquidity"`
	SwapIn          uint64 `json:"swap_in"`
	SwapOut         uint64 `json:"swap_out"`
	OpenPosition    uint64 `json:"open_position"`
	ClosePosition   uint64 `json:"close_position"`
	Liquidation     uint64 `json:"liquidation"`
}

// Volume accumulates lifetime USD volume per operation.
type Volume struct {
	AddLiquidityUSD    uint64 `json:"add_liquidity_usd"`
	RemoveLiquidityUSD uint64 `json:"remove_liquidity_usd"`
	SwapUSD            uint64 `json:"swap_usd"`
	OpenPositionUSD    uint64 `json:"open_position_usd"`
	ClosePositionUSD   uint64 `json:"close_position_usd"`
	LiquidationUSD     uint64 `json:"liquidation_usd"`
}

// TradeStats tracks realized trading results against the custody.
type TradeStats struct {
	ProfitUSD uint64 `json:"profit_usd"`
	LossUSD   uint64 `json:"loss_usd"`
	OpenCount uint64 `json:"open_count"`
}

// Custody is the liquidity aggregate for one asset. The zero value is not
// usable; construct with New or FromSnapshot.
type Custody struct {
	asset         string
	ownedUSD      uint64
	lockedUSD     uint64
	collectedFees uint64
	volume        Volume
	trades        TradeStats
	limits        Limits
	rates         Rates
	fees          margin.FeeParams
}

// New constructs an empty custody for the given asset symbol.
func New(asset string, limits Limits, rates Rates, fees margin.FeeParams) *Custody {
	return &Custody{asset: asset, limits: limits, rates: rates, fees: fees}
}

func (c *Custody) Asset() string            { return c.asset }
func (c *Custody) OwnedUSD() uint64         { return c.ownedUSD }
func (c *Custody) LockedUSD() uint64        { return c.lockedUSD }
func (c *Custody) CollectedFeesUSD() uint64 { return c.collectedFees }
func (c *Custody) Volume() Volume           { return c.volume }
func (c *Custody) Trades() TradeStats       { return c.trades }
func (c *Custody) FreeUSD() uint64          { return c.ownedUSD - c.lockedUSD }

// feeRate evaluates the configured curve for a base rate at the current
// utilization.
func (c *Custody) feeRate(baseRate uint64) (uint64, error) {
	return margin.FeeRate(c.fees, baseRate, c.lockedUSD, c.ownedUSD)
}

// AddLiquidity deposits amountUSD, charging the entry fee. It returns the
// fee taken. The net amount joins owned liquidity; the fee joins collected
// fees.
func (c *Custody) AddLiquidity(amountUSD uint64) (feeUSD uint64, err error) {
	if amountUSD == 0 {
		return 0, fmt.Errorf("%w: zero amount", margin.ErrInvalidInput)
	}
	rate, err := c.feeRate(c.rates.AddLiquidity)
	if err != nil {
		return 0, err
	}
	fee, err := margin.Fee(amountUSD, rate)
	if err != nil {
		return 0, err
	}
	net, err := margin.SubChecked(amountUSD, fee)
	if err != nil {
		return 0, err
	}
	newOwned, err := margin.AddChecked(c.ownedUSD, net)
	if err != nil {
		return 0, err
	}
	newFees, err := margin.AddChecked(c.collectedFees, fee)
	if err != nil {
		return 0, err
	}
	newVolume, err := margin.AddChecked(c.volume.AddLiquidityUSD, amountUSD)
	if err != nil {
		return 0, err
	}

	c.ownedUSD = newOwned
	c.collectedFees = newFees
	c.volume.AddLiquidityUSD = newVolume
	return fee, nil
}

// RemoveLiquidity withdraws amountUSD from free liquidity, charging the
// exit fee from the withdrawn amount. It returns the net payout and fee.
func (c *Custody) RemoveLiquidity(amountUSD uint64) (netUSD, feeUSD uint64, err error) {
	if amountUSD == 0 {
		return 0, 0, fmt.Errorf("%w: zero amount", margin.ErrInvalidInput)
	}
	if amountUSD > c.FreeUSD() {
		return 0, 0, fmt.Errorf("%w: free %d, requested %d",
			ErrInsufficientLiquidity, c.FreeUSD(), amountUSD)
	}
	rate, err := c.feeRate(c.rates.RemoveLiquidity)
	if err != nil {
		return 0, 0, err
	}
	fee, err := margin.Fee(amountUSD, rate)
	if err != nil {
		return 0, 0, err
	}
	net, err := margin.SubChecked(amountUSD, fee)
	if err != nil {
		return 0, 0, err
	}
	newOwned, err := margin.SubChecked(c.ownedUSD, amountUSD)
	if err != nil {
		return 0, 0, err
	}
	newFees, err := margin.AddChecked(c.collectedFees, fee)
	if err != nil {
		return 0, 0, err
	}
	newVolume, err := margin.AddChecked(c.volume.RemoveLiquidityUSD, amountUSD)
	if err != nil {
		return 0, 0, err
	}

	c.ownedUSD = newOwned
	c.collectedFees = newFees
	c.volume.RemoveLiquidityUSD = newVolume
	return net, fee, nil
}

// SwapQuote is the staged result of a swap against this custody pair.
type SwapQuote struct {
	// FeeInUSD is taken from the input amount before conversion.
	FeeInUSD uint64
	// NetInUSD is the input credited to the receiving custody.
	NetInUSD uint64
	// GrossOutUSD is the converted output after the 98/100 haircut,
	// before the exit fee.
	GrossOutUSD uint64
	// FeeOutUSD is taken from the output.
	FeeOutUSD uint64
	// NetOutUSD is paid to the trader.
	NetOutUSD uint64
}

// QuoteSwapIn computes the entry leg of a swap: the fee on the input and
// the USD value credited in.
func (c *Custody) QuoteSwapIn(amountUSD uint64) (feeUSD, netUSD uint64, err error) {
	if amountUSD == 0 {
		return 0, 0, fmt.Errorf("%w: zero amount", margin.ErrInvalidInput)
	}
	rate, err := c.feeRate(c.rates.SwapIn)
	if err != nil {
		return 0, 0, err
	}
	fee, err := margin.Fee(amountUSD, rate)
	if err != nil {
		return 0, 0, err
	}
	net, err := margin.SubChecked(amountUSD, fee)
	if err != nil {
		return 0, 0, err
	}
	return fee, net, nil
}

// QuoteSwapOut computes the exit leg: the 98/100 haircut on the converted
// value, then the exit fee on the haircut amount.
func (c *Custody) QuoteSwapOut(valueUSD uint64) (grossUSD, feeUSD, netUSD uint64, err error) {
	gross, err := margin.MulChecked(valueUSD, swapHaircutNum)
	if err != nil {
		return 0, 0, 0, err
	}
	gross /= swapHaircutDen
	rate, err := c.feeRate(c.rates.SwapOut)
	if err != nil {
		return 0, 0, 0, err
	}
	fee, err := margin.Fee(gross, rate)
	if err != nil {
		return 0, 0, 0, err
	}
	net, err := margin.SubChecked(gross, fee)
	if err != nil {
		return 0, 0, 0, err
	}
	if net > c.FreeUSD() {
		return 0, 0, 0, fmt.Errorf("%w: free %d, payout %d",
			ErrInsufficientLiquidity, c.FreeUSD(), net)
	}
	return gross, fee, net, nil
}

// CommitSwapIn applies a previously quoted entry leg.
func (c *Custody) CommitSwapIn(amountUSD, feeUSD, netUSD uint64) error {
	newOwned, err := margin.AddChecked(c.ownedUSD, netUSD)
	if err != nil {
		return err
	}
	newFees, err := margin.AddChecked(c.collectedFees, feeUSD)
	if err != nil {
		return err
	}
	newVolume, err := margin.AddChecked(c.volume.SwapUSD, amountUSD)
	if err != nil {
		return err
	}
	c.ownedUSD = newOwned
	c.collectedFees = newFees
	c.volume.SwapUSD = newVolume
	return nil
}

// CommitSwapOut applies a previously quoted exit leg.
func (c *Custody) CommitSwapOut(grossUSD, feeUSD, netUSD uint64) error {
	newOwned, err := margin.SubChecked(c.ownedUSD, netUSD)
	if err != nil {
		return err
	}
	newFees, err := margin.AddChecked(c.collectedFees, feeUSD)
	if err != nil {
		return err
	}
	newVolume, err := margin.AddChecked(c.volume.SwapUSD, grossUSD)
	if err != nil {
		return err
	}
	c.ownedUSD = newOwned
	c.collectedFees = newFees
	c.volume.SwapUSD = newVolume
	return nil
}

// LockForPosition reserves sizeUSD of free liquidity for a new position,
// enforcing the per-position and total lock limits.
func (c *Custody) LockForPosition(sizeUSD uint64) error {
	if sizeUSD == 0 {
		return fmt.Errorf("%w: zero size", margin.ErrInvalidInput)
	}
	if c.limits.MaxPositionLockedUSD > 0 && sizeUSD > c.limits.MaxPositionLockedUSD {
		return fmt.Errorf("%w: position size %d exceeds per-position cap %d",
			ErrLockedLimitExceeded, sizeUSD, c.limits.MaxPositionLockedUSD)
	}
	newLocked, err := margin.AddChecked(c.lockedUSD, sizeUSD)
	if err != nil {
		return err
	}
	if c.limits.MaxTotalLockedUSD > 0 && newLocked > c.limits.MaxTotalLockedUSD {
		return fmt.Errorf("%w: total locked %d exceeds cap %d",
			ErrLockedLimitExceeded, newLocked, c.limits.MaxTotalLockedUSD)
	}
	if newLocked > c.ownedUSD {
		return fmt.Errorf("%w: owned %d, locked %d",
			ErrInsufficientLiquidity, c.ownedUSD, newLocked)
	}
	c.lockedUSD = newLocked
	return nil
}

// ReleaseLock releases a previously locked position size.
func (c *Custody) ReleaseLock(sizeUSD uint64) error {
	newLocked, err := margin.SubChecked(c.lockedUSD, sizeUSD)
	if err != nil {
		return err
	}
	c.lockedUSD = newLocked
	return nil
}

// RecordOpen charges the open fee and bumps open volume and counters.
func (c *Custody) RecordOpen(sizeUSD uint64) (feeUSD uint64, err error) {
	rate, err := c.feeRate(c.rates.OpenPosition)
	if err != nil {
		return 0, err
	}
	fee, err := margin.Fee(sizeUSD, rate)
	if err != nil {
		return 0, err
	}
	newFees, err := margin.AddChecked(c.collectedFees, fee)
	if err != nil {
		return 0, err
	}
	newVolume, err := margin.AddChecked(c.volume.OpenPositionUSD, sizeUSD)
	if err != nil {
		return 0, err
	}
	c.collectedFees = newFees
	c.volume.OpenPositionUSD = newVolume
	c.trades.OpenCount++
	return fee, nil
}

// RecordClose settles a closed position against the custody: releases the
// lock, books realized PnL against trade stats, charges the close fee, and
// bumps close volume. Trader profit draws from owned liquidity; trader loss
// accrues to it.
func (c *Custody) RecordClose(sizeUSD uint64, realizedPnL int64) (feeUSD uint64, err error) {
	newLocked, err := margin.SubChecked(c.lockedUSD, sizeUSD)
	if err != nil {
		return 0, err
	}
	rate, err := c.feeRate(c.rates.ClosePosition)
	if err != nil {
		return 0, err
	}
	fee, err := margin.Fee(sizeUSD, rate)
	if err != nil {
		return 0, err
	}
	newFees, err := margin.AddChecked(c.collectedFees, fee)
	if err != nil {
		return 0, err
	}
	newVolume, err := margin.AddChecked(c.volume.ClosePositionUSD, sizeUSD)
	if err != nil {
		return 0, err
	}

	newOwned := c.ownedUSD
	newTrades := c.trades
	if realizedPnL > 0 {
		profit := uint64(realizedPnL)
		newOwned, err = margin.SubChecked(newOwned, profit)
		if err != nil {
			return 0, fmt.Errorf("%w: custody cannot cover trader profit", ErrInsufficientLiquidity)
		}
		newTrades.ProfitUSD, err = margin.AddChecked(newTrades.ProfitUSD, profit)
		if err != nil {
			return 0, err
		}
	} else if realizedPnL < 0 {
		loss := uint64(-realizedPnL)
		newOwned, err = margin.AddChecked(newOwned, loss)
		if err != nil {
			return 0, err
		}
		newTrades.LossUSD, err = margin.AddChecked(newTrades.LossUSD, loss)
		if err != nil {
			return 0, err
		}
	}

	c.lockedUSD = newLocked
	c.ownedUSD = newOwned
	c.collectedFees = newFees
	c.volume.ClosePositionUSD = newVolume
	c.trades = newTrades
	return fee, nil
}

// RecordLiquidation settles a liquidated position: releases the lock, books
// the penalty into collected fees, the forfeited collateral into owned
// liquidity, and bumps liquidation volume.
func (c *Custody) RecordLiquidation(sizeUSD, collateralUSD, remainingUSD, penaltyUSD uint64) error {
	newLocked, err := margin.SubChecked(c.lockedUSD, sizeUSD)
	if err != nil {
		return err
	}
	forfeited, err := margin.SubChecked(collateralUSD, remainingUSD)
	if err != nil {
		return err
	}
	forfeited, err = margin.SubChecked(forfeited, penaltyUSD)
	if err != nil {
		// Collateral fully consumed by losses; nothing accrues.
		forfeited = 0
	}
	newOwned, err := margin.AddChecked(c.ownedUSD, forfeited)
	if err != nil {
		return err
	}
	newFees, err := margin.AddChecked(c.collectedFees, penaltyUSD)
	if err != nil {
		return err
	}
	newVolume, err := margin.AddChecked(c.volume.LiquidationUSD, sizeUSD)
	if err != nil {
		return err
	}

	c.lockedUSD = newLocked
	c.ownedUSD = newOwned
	c.collectedFees = newFees
	c.volume.LiquidationUSD = newVolume
	return nil
}

// Snapshot is the persistable form of a custody aggregate.
type Snapshot struct {
	Asset         string           `json:"asset"`
	OwnedUSD      uint64           `json:"owned_usd"`
	LockedUSD     uint64           `json:"locked_usd"`
	CollectedFees uint64           `json:"collected_fees"`
	Volume        Volume           `json:"volume"`
	Trades        TradeStats       `json:"trades"`
	Limits        Limits           `json:"limits"`
	Rates         Rates            `json:"rates"`
	Fees          margin.FeeParams `json:"fees"`
}

// Snapshot returns a copy of the current state.
func (c *Custody) Snapshot() Snapshot {
	return Snapshot{
		Asset:         c.asset,
		OwnedUSD:      c.ownedUSD,
		LockedUSD:     c.lockedUSD,
		CollectedFees: c.collectedFees,
		Volume:        c.volume,
		Trades:        c.trades,
		Limits:        c.limits,
		Rates:         c.rates,
		Fees:          c.fees,
	}
}

// FromSnapshot restores a custody from a persisted snapshot.
func FromSnapshot(s Snapshot) *Custody {
	return &Custody{
		asset:         s.Asset,
		ownedUSD:      s.OwnedUSD,
		lockedUSD:     s.LockedUSD,
		collectedFees: s.CollectedFees,
		volume:        s.Volume,
		trades:        s.Trades,
		limits:        s.Limits,
		rates:         s.Rates,
		fees:          s.Fees,
	}
}

// Pool aggregates the total value of all custodies.
type Pool struct {
	name   string
	aumUSD uint64
}

// NewPool constructs a named pool.
func NewPool(name string) *Pool { return &Pool{name: name} }

func (p *Pool) Name() string   { return p.name }
func (p *Pool) AUMUSD() uint64 { return p.aumUSD }

// AddAUM increases assets under management.
func (p *Pool) AddAUM(amountUSD uint64) error {
	next, err := margin.AddChecked(p.aumUSD, amountUSD)
	if err != nil {
		return err
	}
	p.aumUSD = next
	return nil
}

// SubAUM decreases assets under management.
func (p *Pool) SubAUM(amountUSD uint64) error {
	next, err := margin.SubChecked(p.aumUSD, amountUSD)
	if err != nil {
		return err
	}
	p.aumUSD = next
	return nil
}

// PoolSnapshot is the persistable form of a pool.
type PoolSnapshot struct {
	Name   string `json:"name"`
	AUMUSD uint64 `json:"aum_usd"`
}

// Snapshot returns a copy of the pool state.
func (p *Pool) Snapshot() PoolSnapshot { return PoolSnapshot{Name: p.name, AUMUSD: p.aumUSD} }

// PoolFromSnapshot restores a pool.
func PoolFromSnapshot(s PoolSnapshot) *Pool { return &Pool{name: s.Name, aumUSD: s.AUMUSD} }
