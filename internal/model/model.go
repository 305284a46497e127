// Package model defines the persisted records for blackjack games and
// perpetual positions, plus the decimal conversions used at the HTTP edge.
// Engine code works in unsigned 8-decimal fixed point; decimals appear only
// where a value crosses into or out of JSON — never float64 for money.
package model

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/veildex/engine/internal/cards"
	"github.com/veildex/engine/internal/margin"
)

// USDDecimals is the fixed-point scale: 1 USD = 10^8 units.
const USDDecimals = 8

var usdScale = decimal.New(1, USDDecimals)

// ErrAmountOutOfRange is returned when a decimal amount is negative, has
// more than 8 fractional digits, or exceeds the uint64 fixed-point range.
var ErrAmountOutOfRange = errors.New("model: amount out of range")

// USDFromDecimal converts an external decimal amount to fixed point.
func USDFromDecimal(d decimal.Decimal) (uint64, error) {
	if d.IsNegative() {
		return 0, fmt.Errorf("%w: negative amount %s", ErrAmountOutOfRange, d)
	}
	scaled := d.Mul(usdScale)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("%w: more than %d decimal places in %s", ErrAmountOutOfRange, USDDecimals, d)
	}
	bi := scaled.BigInt()
	if !bi.IsUint64() {
		return 0, fmt.Errorf("%w: %s exceeds representable range", ErrAmountOutOfRange, d)
	}
	return bi.Uint64(), nil
}

// DecimalFromUSD converts a fixed-point amount to a decimal.
func DecimalFromUSD(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), -USDDecimals)
}

// DecimalFromPnL converts a signed fixed-point PnL to a decimal.
func DecimalFromPnL(v int64) decimal.Decimal {
	return decimal.New(v, -USDDecimals)
}

// GameState is the lifecycle stage of a blackjack game.
type GameState uint8

const (
	GameInitial GameState = iota
	GamePlayerTurn
	GameDealerTurn
	GameResolving
	GameResolved
)

func (s GameState) String() string {
	switch s {
	case GameInitial:
		return "initial"
	case GamePlayerTurn:
		return "player_turn"
	case GameDealerTurn:
		return "dealer_turn"
	case GameResolving:
		return "resolving"
	case GameResolved:
		return "resolved"
	}
	return fmt.Sprintf("game_state(%d)", uint8(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s GameState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *GameState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "initial":
		*s = GameInitial
	case "player_turn":
		*s = GamePlayerTurn
	case "dealer_turn":
		*s = GameDealerTurn
	case "resolving":
		*s = GameResolving
	case "resolved":
		*s = GameResolved
	default:
		return fmt.Errorf("model: unknown game state %q", b)
	}
	return nil
}

// GameRecord is one blackjack game. The packed deck and the dealer's hole
// card stay server-side; API views expose only what the player may see.
type GameRecord struct {
	ID             uuid.UUID
	PlayerID       string
	Deck           cards.PackedDeck
	PlayerHand     cards.PackedHand
	DealerHand     cards.PackedHand
	PlayerHandSize uint8
	DealerHandSize uint8
	DealerFaceUp   uint8
	PlayerHasStood bool
	State          GameState
	Outcome        *cards.Outcome
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// PositionStatus is the lifecycle stage of a perpetual position.
type PositionStatus uint8

const (
	PositionOpen PositionStatus = iota
	PositionClosed
	PositionLiquidated
)

func (s PositionStatus) String() string {
	switch s {
	case PositionOpen:
		return "open"
	case PositionClosed:
		return "closed"
	case PositionLiquidated:
		return "liquidated"
	}
	return fmt.Sprintf("position_status(%d)", uint8(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s PositionStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *PositionStatus) UnmarshalText(b []byte) error {
	switch string(b) {
	case "open":
		*s = PositionOpen
	case "closed":
		*s = PositionClosed
	case "liquidated":
		*s = PositionLiquidated
	default:
		return fmt.Errorf("model: unknown position status %q", b)
	}
	return nil
}

// PositionRecord is one perpetual position. Prices and amounts are
// fixed-point USD. LiquidationPrice is recomputed on every collateral
// change, never adjusted incrementally.
type PositionRecord struct {
	ID               uuid.UUID
	Owner            string
	Asset            string
	Side             margin.Side
	SizeUSD          uint64
	CollateralUSD    uint64
	EntryPrice       uint64
	LiquidationPrice uint64
	Status           PositionStatus
	RealizedPnL      int64
	OpenedAt         time.Time
	UpdatedAt        time.Time
	ClosedAt         *time.Time
}

// Leverage returns the position's current leverage in bps.
func (p *PositionRecord) Leverage() (uint64, error) {
	return margin.Leverage(p.SizeUSD, p.CollateralUSD)
}
