// Package margin implements the perpetuals position arithmetic: leverage,
// spread-adjusted entry/exit pricing, PnL, liquidation thresholds and
// penalties, collateral adjustment validation, and the utilization-based
// fee-rate curves.
//
// All USD quantities are unsigned 64-bit fixed-point values with 8 implied
// decimals — never floating point. Every operation uses overflow-checked
// arithmetic and fails with ErrMathOverflow instead of wrapping, and all
// division truncates. The functions are pure and host-free so the same
// logic can be evaluated in plaintext or compiled into a confidential
// circuit with bit-identical results.
package margin

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
)

const (
	// Bps is the basis-point divisor: rates and leverage are expressed in
	// 1/10000 units.
	Bps = 10000

	// MaintenanceMarginBps is the fixed 5% maintenance margin.
	MaintenanceMarginBps = 500

	// minMarginDivisor expresses the 5% maintenance floor as size/20.
	minMarginDivisor = 20

	// liquidationPenaltyDivisor expresses the 10% liquidation penalty as
	// currentValue/10.
	liquidationPenaltyDivisor = 10
)

var (
	// ErrMathOverflow is returned when an operation would overflow or
	// underflow its integer width. The whole operation aborts; callers
	// must not commit partial state.
	ErrMathOverflow = errors.New("margin: math overflow")

	// ErrInvalidInput is returned for structurally invalid parameters:
	// zero amounts, out-of-range sides or prices, or a leverage outside
	// the configured open bounds.
	ErrInvalidInput = errors.New("margin: invalid input")

	// ErrInsufficientCollateral is returned when a collateral removal or
	// open would breach the minimum-margin invariant.
	ErrInsufficientCollateral = errors.New("margin: insufficient collateral")
)

// Side is the direction of a position.
type Side uint8

const (
	Long Side = iota
	Short
)

func (s Side) String() string {
	switch s {
	case Long:
		return "long"
	case Short:
		return "short"
	}
	return fmt.Sprintf("side(%d)", uint8(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s Side) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Side) UnmarshalText(b []byte) error {
	parsed, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseSide parses "long" or "short".
func ParseSide(v string) (Side, error) {
	switch v {
	case "long":
		return Long, nil
	case "short":
		return Short, nil
	}
	return 0, fmt.Errorf("%w: side %q", ErrInvalidInput, v)
}

// FeesMode selects the fee-rate curve.
type FeesMode uint8

const (
	FeesFixed FeesMode = iota
	FeesLinear
	FeesOptimal
)

func (m FeesMode) String() string {
	switch m {
	case FeesFixed:
		return "fixed"
	case FeesLinear:
		return "linear"
	case FeesOptimal:
		return "optimal"
	}
	return fmt.Sprintf("fees_mode(%d)", uint8(m))
}

// --- Checked arithmetic ---

// AddChecked returns a+b or ErrMathOverflow.
func AddChecked(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, ErrMathOverflow
	}
	return sum, nil
}

// SubChecked returns a-b or ErrMathOverflow on underflow.
func SubChecked(a, b uint64) (uint64, error) {
	diff, borrow := bits.Sub64(a, b, 0)
	if borrow != 0 {
		return 0, ErrMathOverflow
	}
	return diff, nil
}

// MulChecked returns a*b or ErrMathOverflow.
func MulChecked(a, b uint64) (uint64, error) {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return 0, ErrMathOverflow
	}
	return lo, nil
}

// DivChecked returns a/b (truncating) or ErrMathOverflow on division by zero.
func DivChecked(a, b uint64) (uint64, error) {
	if b == 0 {
		return 0, ErrMathOverflow
	}
	return a / b, nil
}

// mulDivChecked returns a*b/c using a 128-bit intermediate, so products that
// exceed 64 bits are fine as long as the quotient fits.
func mulDivChecked(a, b, c uint64) (uint64, error) {
	if c == 0 {
		return 0, ErrMathOverflow
	}
	hi, lo := bits.Mul64(a, b)
	if hi >= c {
		return 0, ErrMathOverflow
	}
	q, _ := bits.Div64(hi, lo, c)
	return q, nil
}

// --- Leverage ---

// Leverage returns size*10000/collateral in bps: 10x leverage = 100000.
func Leverage(sizeUSD, collateralUSD uint64) (uint64, error) {
	if collateralUSD == 0 {
		return 0, fmt.Errorf("%w: zero collateral", ErrInvalidInput)
	}
	return mulDivChecked(sizeUSD, Bps, collateralUSD)
}

// ValidateLeverage enforces the open-time leverage gate.
func ValidateLeverage(leverageBps, minInitial, maxInitial uint64) error {
	if leverageBps < minInitial || leverageBps > maxInitial {
		return fmt.Errorf("%w: leverage %d bps outside [%d, %d]",
			ErrInvalidInput, leverageBps, minInitial, maxInitial)
	}
	return nil
}

// --- Pricing ---

// EntryPrice applies the trade spread to an oracle price: Longs pay more,
// Shorts receive less. spreadBps is the side's configured spread.
func EntryPrice(oraclePrice uint64, side Side, spreadBps uint64) (uint64, error) {
	spreadAmount, err := mulDivChecked(oraclePrice, spreadBps, Bps)
	if err != nil {
		return 0, err
	}
	if side == Long {
		return AddChecked(oraclePrice, spreadAmount)
	}
	return SubChecked(oraclePrice, spreadAmount)
}

// ExitPrice applies the closing spread: Longs sell below oracle, Shorts buy
// back above it.
func ExitPrice(oraclePrice uint64, side Side, spreadBps uint64) (uint64, error) {
	spreadAmount, err := mulDivChecked(oraclePrice, spreadBps, Bps)
	if err != nil {
		return 0, err
	}
	if side == Long {
		return SubChecked(oraclePrice, spreadAmount)
	}
	return AddChecked(oraclePrice, spreadAmount)
}

// LiquidationPrice approximates the price at which a position with the given
// entry price and leverage hits the 5% maintenance margin. For a Long the
// price may drop by (10000−500)/leverage of itself; for a Short the
// symmetric rise applies. Recomputed fresh, never incrementally maintained.
func LiquidationPrice(entryPrice uint64, side Side, leverageBps uint64) (uint64, error) {
	if leverageBps == 0 {
		return 0, fmt.Errorf("%w: zero leverage", ErrInvalidInput)
	}
	if side == Long {
		dropPct, err := mulDivChecked(Bps-MaintenanceMarginBps, Bps, leverageBps)
		if err != nil {
			return 0, err
		}
		return mulDivChecked(entryPrice, dropPct, Bps)
	}
	risePct, err := mulDivChecked(MaintenanceMarginBps, Bps, leverageBps)
	if err != nil {
		return 0, err
	}
	risePct, err = AddChecked(risePct, Bps)
	if err != nil {
		return 0, err
	}
	return mulDivChecked(entryPrice, risePct, Bps)
}

// --- PnL ---

// PnL returns the signed profit/loss: size * priceDiff / entryPrice, with
// priceDiff = current−entry for Longs and entry−current for Shorts.
func PnL(sizeUSD, entryPrice, currentPrice uint64, side Side) (int64, error) {
	if entryPrice == 0 {
		return 0, fmt.Errorf("%w: zero entry price", ErrInvalidInput)
	}

	var diff uint64
	negative := false
	if side == Long {
		if currentPrice >= entryPrice {
			diff = currentPrice - entryPrice
		} else {
			diff = entryPrice - currentPrice
			negative = true
		}
	} else {
		if entryPrice >= currentPrice {
			diff = entryPrice - currentPrice
		} else {
			diff = currentPrice - entryPrice
			negative = true
		}
	}

	magnitude, err := mulDivChecked(sizeUSD, diff, entryPrice)
	if err != nil {
		return 0, err
	}
	if negative {
		if magnitude > uint64(math.MaxInt64)+1 {
			return 0, ErrMathOverflow
		}
		return -int64(magnitude), nil
	}
	if magnitude > math.MaxInt64 {
		return 0, ErrMathOverflow
	}
	return int64(magnitude), nil
}

// Value is the result of a position value computation.
type Value struct {
	// CurrentValue is collateral+PnL clamped at zero.
	CurrentValue uint64
	// PnL is the signed unrealized profit/loss.
	PnL int64
	// Liquidatable is true when CurrentValue is below the 5% maintenance
	// threshold (size/20).
	Liquidatable bool
}

// PositionValue computes the current value, PnL, and liquidation flag for a
// position at the given current price.
func PositionValue(sizeUSD, collateralUSD, entryPrice, currentPrice uint64, side Side) (Value, error) {
	pnl, err := PnL(sizeUSD, entryPrice, currentPrice, side)
	if err != nil {
		return Value{}, err
	}
	currentValue, err := signedAddClamped(collateralUSD, pnl)
	if err != nil {
		return Value{}, err
	}
	return Value{
		CurrentValue: currentValue,
		PnL:          pnl,
		Liquidatable: currentValue < sizeUSD/minMarginDivisor,
	}, nil
}

// signedAddClamped returns max(base+delta, 0) or ErrMathOverflow.
func signedAddClamped(base uint64, delta int64) (uint64, error) {
	if delta >= 0 {
		return AddChecked(base, uint64(delta))
	}
	loss := uint64(-(delta + 1)) + 1
	if loss >= base {
		return 0, nil
	}
	return base - loss, nil
}

// CloseResult is the settlement of a closing position.
type CloseResult struct {
	// RealizedPnL is the final signed profit/loss.
	RealizedPnL int64
	// FinalBalance is collateral+PnL, clamped at zero: the amount returned
	// to the trader.
	FinalBalance uint64
	// CanClose is false when the position is underwater (balance would be
	// zero or negative); such positions can only be liquidated.
	CanClose bool
}

// Close computes the final settlement for a position at the exit price.
func Close(sizeUSD, collateralUSD, entryPrice, currentPrice uint64, side Side) (CloseResult, error) {
	pnl, err := PnL(sizeUSD, entryPrice, currentPrice, side)
	if err != nil {
		return CloseResult{}, err
	}
	balance, err := signedAddClamped(collateralUSD, pnl)
	if err != nil {
		return CloseResult{}, err
	}
	return CloseResult{
		RealizedPnL:  pnl,
		FinalBalance: balance,
		CanClose:     balance > 0,
	}, nil
}

// AddCollateral computes the collateral and leverage after a deposit.
func AddCollateral(currentCollateral, additional, sizeUSD uint64) (newCollateral, newLeverageBps uint64, err error) {
	newCollateral, err = AddChecked(currentCollateral, additional)
	if err != nil {
		return 0, 0, err
	}
	if newCollateral > 0 {
		newLeverageBps, err = Leverage(sizeUSD, newCollateral)
		if err != nil {
			return 0, 0, err
		}
	}
	return newCollateral, newLeverageBps, nil
}

// CollateralChange is the result of a collateral removal.
type CollateralChange struct {
	// NewCollateral is the committed collateral: reduced when the removal
	// is safe, unchanged when it is refused.
	NewCollateral uint64
	// Removed is the amount actually withdrawn (zero when refused).
	Removed uint64
	// CanRemove is false when the removal would breach the 5% minimum
	// margin; in that case nothing changes.
	CanRemove bool
	// NewLeverageBps is the leverage over the committed collateral.
	NewLeverageBps uint64
}

// RemoveCollateral validates and computes a collateral withdrawal. The
// position must keep at least size/20 (5%) collateral; an unsafe removal is
// refused wholesale rather than partially applied.
func RemoveCollateral(currentCollateral, removeAmount, sizeUSD uint64) (CollateralChange, error) {
	reduced := uint64(0)
	if currentCollateral > removeAmount {
		reduced = currentCollateral - removeAmount
	}

	minCollateral := sizeUSD / minMarginDivisor
	canRemove := reduced >= minCollateral

	change := CollateralChange{
		NewCollateral: currentCollateral,
		CanRemove:     canRemove,
	}
	if canRemove {
		change.NewCollateral = reduced
		change.Removed = removeAmount
	}
	if change.NewCollateral > 0 {
		lev, err := Leverage(sizeUSD, change.NewCollateral)
		if err != nil {
			return CollateralChange{}, err
		}
		change.NewLeverageBps = lev
	}
	return change, nil
}

// LiquidationResult is the settlement of a liquidation check.
type LiquidationResult struct {
	// Liquidatable is true when the current value is below size/20.
	Liquidatable bool
	// RemainingCollateral is the current value minus the penalty, clamped
	// at zero. For non-liquidatable positions it is the current value.
	RemainingCollateral uint64
	// Penalty is the 10% liquidation fee (zero if not liquidatable).
	Penalty uint64
}

// Liquidate checks the maintenance margin and computes the liquidation
// penalty and remaining collateral.
func Liquidate(sizeUSD, collateralUSD, entryPrice, currentPrice uint64, side Side) (LiquidationResult, error) {
	value, err := PositionValue(sizeUSD, collateralUSD, entryPrice, currentPrice, side)
	if err != nil {
		return LiquidationResult{}, err
	}
	if !value.Liquidatable {
		return LiquidationResult{RemainingCollateral: value.CurrentValue}, nil
	}

	penalty := value.CurrentValue / liquidationPenaltyDivisor
	remaining := uint64(0)
	if value.CurrentValue > penalty {
		remaining = value.CurrentValue - penalty
	}
	return LiquidationResult{
		Liquidatable:        true,
		RemainingCollateral: remaining,
		Penalty:             penalty,
	}, nil
}

// ValidateOpen mirrors the circuit-side open validation: collateral must be
// at least size/20 (20x leverage cap at the confidential layer).
func ValidateOpen(sizeUSD, collateralUSD uint64) error {
	if sizeUSD == 0 || collateralUSD == 0 {
		return fmt.Errorf("%w: zero size or collateral", ErrInvalidInput)
	}
	if collateralUSD < sizeUSD/minMarginDivisor {
		return fmt.Errorf("%w: collateral below 5%% of size", ErrInsufficientCollateral)
	}
	return nil
}

// --- Fee curves ---

// FeeParams configures the utilization-based fee curve for one custody.
type FeeParams struct {
	Mode FeesMode `json:"mode"`
	// UtilizationMult scales the linear utilization surcharge (bps).
	UtilizationMult uint64 `json:"utilization_mult"`
	// FeeOptimal is the rate reached at optimal utilization (bps).
	FeeOptimal uint64 `json:"fee_optimal"`
	// FeeMax caps every curve (bps).
	FeeMax uint64 `json:"fee_max"`
	// OptimalUtilization is the knee of the Optimal curve (bps).
	OptimalUtilization uint64 `json:"optimal_utilization"`
}

// FeeRate evaluates the fee curve for the given base rate and custody
// utilization (locked/owned). The result never exceeds FeeMax. Fixed and
// Linear are non-decreasing in utilization. Optimal is non-decreasing
// within each segment, but only the segment below the knee includes
// baseRate: the rate steps down by baseRate just past OptimalUtilization.
// Settlement parity pins this step; do not smooth it.
func FeeRate(p FeeParams, baseRate, lockedUSD, ownedUSD uint64) (uint64, error) {
	switch p.Mode {
	case FeesFixed:
		return baseRate, nil

	case FeesLinear:
		if ownedUSD == 0 {
			return baseRate, nil
		}
		utilization, err := mulDivChecked(lockedUSD, Bps, ownedUSD)
		if err != nil {
			return 0, err
		}
		surcharge, err := mulDivChecked(utilization, p.UtilizationMult, Bps)
		if err != nil {
			return 0, err
		}
		total, err := AddChecked(baseRate, surcharge)
		if err != nil {
			return 0, err
		}
		return min(total, p.FeeMax), nil

	case FeesOptimal:
		if ownedUSD == 0 {
			return baseRate, nil
		}
		utilization, err := mulDivChecked(lockedUSD, Bps, ownedUSD)
		if err != nil {
			return 0, err
		}

		var fee uint64
		if utilization <= p.OptimalUtilization {
			ratio, err := mulDivChecked(utilization, Bps, p.OptimalUtilization)
			if err != nil {
				return 0, err
			}
			rise, err := mulDivChecked(p.FeeOptimal, ratio, Bps)
			if err != nil {
				return 0, err
			}
			fee, err = AddChecked(baseRate, rise)
			if err != nil {
				return 0, err
			}
		} else {
			headroom, err := SubChecked(Bps, p.OptimalUtilization)
			if err != nil {
				return 0, err
			}
			excess := utilization - p.OptimalUtilization
			excessRatio, err := mulDivChecked(excess, Bps, headroom)
			if err != nil {
				return 0, err
			}
			span, err := SubChecked(p.FeeMax, p.FeeOptimal)
			if err != nil {
				return 0, err
			}
			rise, err := mulDivChecked(span, excessRatio, Bps)
			if err != nil {
				return 0, err
			}
			fee, err = AddChecked(p.FeeOptimal, rise)
			if err != nil {
				return 0, err
			}
		}
		return min(fee, p.FeeMax), nil
	}
	return 0, fmt.Errorf("%w: fees mode %d", ErrInvalidInput, uint8(p.Mode))
}

// Fee applies a bps rate to an amount: amount*rateBps/10000.
func Fee(amount, rateBps uint64) (uint64, error) {
	return mulDivChecked(amount, rateBps, Bps)
}
